package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
)

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := "sess-1/call-1.txt"
	data := []byte("hello world")

	ref, err := store.Put(ctx, key, bytes.NewReader(data), PutOptions{MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") || !strings.HasSuffix(ref, "/sess-1/call-1.txt") {
		t.Errorf("ref = %q", ref)
	}

	exists, err := store.Exists(ctx, key)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}

	reader, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(reader)
	reader.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q", got)
	}

	gotKey, err := store.KeyOf(ref)
	if err != nil || gotKey != key {
		t.Errorf("KeyOf = %q, %v", gotKey, err)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "sess-1"))
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestLocalStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, _ := NewLocalStore(dir)
	ref, err := first.Put(ctx, "a/b.txt", strings.NewReader("persisted"), PutOptions{})
	if err != nil {
		t.Fatal(err)
	}

	second, _ := NewLocalStore(dir)
	key, err := second.KeyOf(ref)
	if err != nil {
		t.Fatalf("KeyOf: %v", err)
	}
	r, err := second.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	if got, _ := io.ReadAll(r); string(got) != "persisted" {
		t.Errorf("got %q", got)
	}
}

func TestLocalStore_RejectsUnsafeKeys(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	ctx := context.Background()
	for _, key := range []string{"", "/etc/passwd", "../escape", "a/../../b", "a//b", "a\\b", "./a"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
	for _, ref := range []string{"s3://bucket/key", "file:///etc/passwd", "file://" + filepath.ToSlash(os.TempDir())} {
		if _, err := store.KeyOf(ref); err == nil {
			t.Errorf("KeyOf(%q) should fail", ref)
		}
	}
}

func TestLocalStore_PruneOlderThan(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	ctx := context.Background()
	for _, key := range []string{"s/old.txt", "s/new.txt"} {
		if _, err := store.Put(ctx, key, strings.NewReader(key), PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	oldPath, _ := store.path("s/old.txt")
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatal(err)
	}

	cleanup := NewCleanupService(store, 24*time.Hour, 0, nil)
	if n := cleanup.RunOnce(ctx); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if ok, _ := store.Exists(ctx, "s/old.txt"); ok {
		t.Error("old artifact should be pruned")
	}
	if ok, _ := store.Exists(ctx, "s/new.txt"); !ok {
		t.Error("new artifact should remain")
	}
}

func TestOffloader_WithGuard(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	offloader := NewOffloader(store, nil)
	guard := agent.NewToolResultGuard(agent.ToolResultGuard{
		OffloadThreshold: 100,
		PreviewChars:     10,
		Store:            offloader,
	})

	big := strings.Repeat("0123456789", 50)
	out := guard.Apply(context.Background(), "session/1", "call:7", &agent.ToolResult{Content: big})
	if out.Ref == "" {
		t.Fatalf("expected offload, got %+v", out)
	}
	if len(out.Content) >= len(big) {
		t.Errorf("in-band content should be a preview, got %d bytes", len(out.Content))
	}

	r, err := offloader.Open(context.Background(), out.Ref)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if got, _ := io.ReadAll(r); string(got) != big {
		t.Errorf("offloaded %d bytes, want %d", len(got), len(big))
	}
	if ok, _ := store.Exists(context.Background(), Key("session/1", "call:7")); !ok {
		t.Error("expected artifact under the session key")
	}
}

func TestKey(t *testing.T) {
	if got := Key("s 1/..", "call:1"); got != "s_1___/call_1.txt" {
		t.Errorf("Key = %q", got)
	}
	if err := validKey(Key("", "")); err != nil {
		t.Errorf("Key of empty ids is invalid: %v", err)
	}
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(context.Background(), Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Errorf("default backend = %T", store)
	}
	if _, err := NewStore(context.Background(), Config{Backend: "gcs"}); err == nil {
		t.Error("unknown backend should fail")
	}
	if _, err := NewStore(context.Background(), Config{Backend: "s3"}); err == nil {
		t.Error("s3 without bucket should fail")
	}
}

// fakeS3 serves path-style object requests for one bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, ok := strings.CutPrefix(r.URL.Path, "/artifacts/")
	if !ok {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Type", f.types[key])
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func newS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))
	fake := &fakeS3{objects: make(map[string][]byte), types: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:          "artifacts",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		Prefix:          "/conductor/",
		AccessKeyID:     "test",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return store, fake
}

func TestS3Store(t *testing.T) {
	store, fake := newS3Store(t)
	ctx := context.Background()

	ref, err := store.Put(ctx, "s/c.txt", bytes.NewReader([]byte("payload")), PutOptions{MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != "s3://artifacts/conductor/s/c.txt" {
		t.Errorf("ref = %q", ref)
	}
	if string(fake.objects["conductor/s/c.txt"]) != "payload" {
		t.Errorf("stored = %q", fake.objects["conductor/s/c.txt"])
	}

	key, err := store.KeyOf(ref)
	if err != nil || key != "s/c.txt" {
		t.Fatalf("KeyOf = %q, %v", key, err)
	}
	r, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if string(got) != "payload" {
		t.Errorf("Get = %q", got)
	}

	if ok, err := store.Exists(ctx, key); err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := store.Exists(ctx, key); err != nil || ok {
		t.Errorf("Exists after delete = %v, %v", ok, err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}

	for _, bad := range []string{"s3://other/conductor/x", "s3://artifacts/x", "file:///x"} {
		if _, err := store.KeyOf(bad); err == nil {
			t.Errorf("KeyOf(%q) should fail", bad)
		}
	}
}

func TestS3Store_Offloader(t *testing.T) {
	store, fake := newS3Store(t)
	offloader := NewOffloader(store, nil)
	ref, err := offloader.Offload(context.Background(), "sess", "call-1", []byte("big output"))
	if err != nil {
		t.Fatalf("Offload: %v", err)
	}
	if fake.types["conductor/sess/call-1.txt"] != "text/plain; charset=utf-8" {
		t.Errorf("content type = %q", fake.types["conductor/sess/call-1.txt"])
	}
	r, err := offloader.Open(context.Background(), ref)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if got, _ := io.ReadAll(r); string(got) != "big output" {
		t.Errorf("got %q", got)
	}
}
