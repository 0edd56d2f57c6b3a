package browser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/net/ssrf"
	"github.com/haasonsaas/conductor/pkg/models"
)

type fakeRenderer struct {
	mu   sync.Mutex
	reqs []RenderRequest
	page *Page
	err  error
}

func (f *fakeRenderer) Render(ctx context.Context, req RenderRequest) (*Page, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

// publicDNS resolves every name to a documentation-range public address.
func publicDNS(_ context.Context, host string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
}

func TestFetchTool_Definition(t *testing.T) {
	def := agent.DefinitionFor(NewFetchTool(&fakeRenderer{}, FetchConfig{}))
	if def.Name != "browser_fetch" {
		t.Errorf("name = %q", def.Name)
	}
	if !def.ReadOnly {
		t.Error("browser_fetch should be read-only")
	}
	if len(def.Permissions) != 1 || def.Permissions[0] != models.PermissionRead {
		t.Errorf("permissions = %v", def.Permissions)
	}
	var schema map[string]any
	if err := json.Unmarshal(def.Schema, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, _ := schema["properties"].(map[string]any)
	for _, key := range []string{"url", "selector", "format", "wait_ms"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %s", key)
		}
	}
}

func TestFetchTool_Execute(t *testing.T) {
	r := &fakeRenderer{page: &Page{URL: "https://example.com/", Title: "Example", Status: 200, Content: "  Hello world \n"}}
	tool := NewFetchTool(r, FetchConfig{MaxWait: time.Second, Lookup: publicDNS})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"https://example.com","selector":"main","format":"HTML","wait_ms":5000}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "Title: Example\nURL: https://example.com/\nStatus: 200\n\nHello world"
	if res.IsError || res.Content != want {
		t.Errorf("result = %+v", res)
	}
	req := r.reqs[0]
	if req.Selector != "main" || !req.HTML || req.Wait != time.Second {
		t.Errorf("request = %+v", req)
	}
}

func TestFetchTool_HTTPErrorStatus(t *testing.T) {
	r := &fakeRenderer{page: &Page{URL: "https://example.com/missing", Status: 404, Content: "Not Found"}}
	res, err := NewFetchTool(r, FetchConfig{Lookup: publicDNS}).Execute(context.Background(), json.RawMessage(`{"url":"https://example.com/missing"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "Status: 404") {
		t.Errorf("result = %+v", res)
	}
}

func TestFetchTool_RenderFailure(t *testing.T) {
	r := &fakeRenderer{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	res, err := NewFetchTool(r, FetchConfig{Lookup: publicDNS}).Execute(context.Background(), json.RawMessage(`{"url":"https://nope.invalid"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "ERR_NAME_NOT_RESOLVED") {
		t.Errorf("result = %+v", res)
	}
}

func TestFetchTool_RejectsURLs(t *testing.T) {
	tool := NewFetchTool(&fakeRenderer{page: &Page{}}, FetchConfig{AllowedHosts: []string{"*.example.com", "localhost"}})
	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://docs.example.com/a", true},
		{"http://localhost:8080/", true},
		{"https://EXAMPLE.org/", false},
		{"file:///etc/passwd", false},
		{"javascript:alert(1)", false},
		{"", false},
		{"https:///nohost", false},
	}
	for _, tt := range tests {
		params, _ := json.Marshal(map[string]string{"url": tt.url})
		_, err := tool.Execute(context.Background(), params)
		if tt.allowed {
			if err != nil {
				t.Errorf("%q: unexpected error %v", tt.url, err)
			}
			continue
		}
		if !errors.Is(err, ErrURLNotAllowed) {
			t.Errorf("%q: err = %v, want ErrURLNotAllowed", tt.url, err)
			continue
		}
		var sv interface{ SecurityViolation() bool }
		if !errors.As(err, &sv) || !sv.SecurityViolation() {
			t.Errorf("%q: error should be a security violation", tt.url)
		}
	}
}

func TestFetchTool_PrivateNetworks(t *testing.T) {
	internalDNS := func(_ context.Context, host string) ([]netip.Addr, error) {
		if host == "intranet.example.com" {
			return []netip.Addr{netip.MustParseAddr("10.0.0.7")}, nil
		}
		return nil, errors.New("no such host")
	}
	r := &fakeRenderer{page: &Page{}}
	tool := NewFetchTool(r, FetchConfig{Lookup: internalDNS})
	for _, target := range []string{"http://127.0.0.1:8080/", "http://169.254.169.254/latest/meta-data", "http://intranet.example.com/", "http://0x7f000001/"} {
		params, _ := json.Marshal(map[string]string{"url": target})
		if _, err := tool.Execute(context.Background(), params); !errors.Is(err, ErrURLNotAllowed) || !errors.Is(err, ssrf.ErrBlocked) {
			t.Errorf("%s: err = %v, want a blocked target", target, err)
		}
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"https://unknown.example.org/"}`))
	if err != nil || !res.IsError || !strings.Contains(res.Content, "no such host") {
		t.Errorf("unresolvable host: res=%+v err=%v", res, err)
	}
	if len(r.reqs) != 0 {
		t.Errorf("renderer called for rejected targets: %+v", r.reqs)
	}

	open := NewFetchTool(r, FetchConfig{Lookup: internalDNS, AllowPrivateNetworks: true})
	if _, err := open.Execute(context.Background(), json.RawMessage(`{"url":"http://intranet.example.com/"}`)); err != nil {
		t.Errorf("allow_private_networks: %v", err)
	}
}

func TestFetchTool_InvalidParameters(t *testing.T) {
	tool := NewFetchTool(&fakeRenderer{page: &Page{}}, FetchConfig{Lookup: publicDNS})
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"https://example.com","format":"pdf"}`))
	if err != nil || !res.IsError {
		t.Errorf("unknown format: res=%+v err=%v", res, err)
	}
	res, err = tool.Execute(context.Background(), json.RawMessage(`[1]`))
	if err != nil || !res.IsError {
		t.Errorf("bad JSON: res=%+v err=%v", res, err)
	}
}

func TestNewSource(t *testing.T) {
	src := NewSource(&fakeRenderer{}, FetchConfig{})
	defs, err := src.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].Name != "browser_fetch" || !defs[0].ReadOnly {
		t.Errorf("defs = %+v", defs)
	}
	if src.Kind() != models.ToolSourceBuiltin {
		t.Errorf("kind = %s", src.Kind())
	}
}

var chromeCheck struct {
	once sync.Once
	pool *Pool
	err  error
}

// requireChrome shares one pool across the integration tests and skips
// them when no browser can be started.
func requireChrome(t *testing.T) *Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser integration tests in short mode")
	}
	chromeCheck.once.Do(func() {
		pool := NewPool(PoolConfig{MaxTabs: 2, Timeout: 20 * time.Second})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		tab, err := pool.Acquire(ctx)
		if err != nil {
			chromeCheck.err = err
			_ = pool.Close()
			return
		}
		pool.Release(tab)
		chromeCheck.pool = pool
	})
	if chromeCheck.err != nil {
		t.Skipf("chrome not available: %v", chromeCheck.err)
	}
	return chromeCheck.pool
}

func testSite() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Fixture</title></head><body>
<main id="main">Static text</main>
<div id="late"></div>
<script>document.getElementById("late").textContent = "Rendered by script";</script>
</body></html>`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	return httptest.NewServer(mux)
}

func TestPool_RenderText(t *testing.T) {
	pool := requireChrome(t)
	site := testSite()
	defer site.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := pool.Render(ctx, RenderRequest{URL: site.URL})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if page.Title != "Fixture" || page.Status != http.StatusOK {
		t.Errorf("page = %+v", page)
	}
	if !strings.Contains(page.Content, "Static text") || !strings.Contains(page.Content, "Rendered by script") {
		t.Errorf("content = %q", page.Content)
	}

	page, err = pool.Render(ctx, RenderRequest{URL: site.URL, Selector: "#main", HTML: true})
	if err != nil {
		t.Fatalf("Render html: %v", err)
	}
	if page.Content != `<main id="main">Static text</main>` {
		t.Errorf("html = %q", page.Content)
	}
}

func TestPool_RenderStatus(t *testing.T) {
	pool := requireChrome(t)
	site := testSite()
	defer site.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := NewFetchTool(pool, FetchConfig{AllowPrivateNetworks: true}).Execute(ctx, json.RawMessage(`{"url":"`+site.URL+`/missing"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "Status: 404") {
		t.Errorf("result = %+v", res)
	}
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	pool := NewPool(PoolConfig{MaxTabs: 1})
	defer pool.Close()
	// Fill the only slot without starting a browser.
	pool.slots <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if stats := pool.Stats(); stats.InUse != 1 || stats.Running {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPool_Closed(t *testing.T) {
	pool := NewPool(PoolConfig{})
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
	if stats := pool.Stats(); !stats.IsClosed || stats.InUse != 0 || stats.MaxTabs != 4 {
		t.Errorf("stats = %+v", stats)
	}
}
