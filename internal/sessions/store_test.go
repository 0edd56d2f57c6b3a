package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

// exerciseStore runs the same contract checks against any Store.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	session := &models.Session{AgentID: "agent", Title: "demo", Metadata: map[string]any{"k": "v"}}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if session.ID == "" {
		t.Fatal("Create did not assign an id")
	}
	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "demo" || got.Metadata["k"] != "v" {
		t.Fatalf("Get = %+v", got)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing error = %v", err)
	}

	for i := 0; i < 5; i++ {
		msg := &models.Message{
			ID:      fmt.Sprintf("m%d", i),
			TurnID:  "t1",
			Role:    models.RoleAssistant,
			Content: fmt.Sprintf("reply %d", i),
			ToolCalls: []models.ToolCall{{
				ID: fmt.Sprintf("c%d", i), Name: "read_file", Input: json.RawMessage(`{"path":"a"}`),
			}},
		}
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	all, err := store.LoadHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(all) != 5 || all[0].ID != "m0" || all[4].ID != "m4" {
		t.Fatalf("LoadHistory order = %v", messageIDs(all))
	}
	if len(all[2].ToolCalls) != 1 || all[2].ToolCalls[0].Name != "read_file" {
		t.Fatalf("tool calls not persisted: %+v", all[2])
	}

	last, err := store.LoadHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("LoadHistory limit: %v", err)
	}
	if ids := messageIDs(last); ids != "m3,m4" {
		t.Fatalf("LoadHistory(2) = %s", ids)
	}

	if _, err := store.LoadLoopState(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadLoopState before save error = %v", err)
	}
	state := &models.LoopState{
		SessionID:     session.ID,
		TurnID:        "t1",
		ToolCallCount: 3,
		Phase:         models.LoopPhaseAwaitingPermission,
		PendingCalls:  []models.ToolCall{{ID: "c9", Name: "write_file"}},
		Results:       []*models.ToolResult{nil},
	}
	if err := store.SaveLoopState(ctx, state); err != nil {
		t.Fatalf("SaveLoopState: %v", err)
	}
	state.ToolCallCount = 4
	if err := store.SaveLoopState(ctx, state); err != nil {
		t.Fatalf("SaveLoopState overwrite: %v", err)
	}
	loaded, err := store.LoadLoopState(ctx, session.ID)
	if err != nil {
		t.Fatalf("LoadLoopState: %v", err)
	}
	if loaded.ToolCallCount != 4 || loaded.Phase != models.LoopPhaseAwaitingPermission || len(loaded.PendingCalls) != 1 {
		t.Fatalf("LoadLoopState = %+v", loaded)
	}
	if err := store.DeleteLoopState(ctx, session.ID); err != nil {
		t.Fatalf("DeleteLoopState: %v", err)
	}
	if _, err := store.LoadLoopState(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadLoopState after delete error = %v", err)
	}

	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete error = %v", err)
	}
	remaining, err := store.LoadHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("LoadHistory after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("history survived delete: %v", messageIDs(remaining))
	}
}

func messageIDs(msgs []*models.Message) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += ","
		}
		out += m.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "conductor.db")
	store, err := Open(context.Background(), Config{Driver: DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestMigratorIsIdempotent(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "conductor.db")
	store, err := OpenSQLStore(context.Background(), SQLConfig{Dialect: DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	defer store.Close()

	ran, err := NewMigrator(store.DB(), DialectSQLite).Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(ran) != 0 {
		t.Fatalf("second Up applied %v", ran)
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	msg := &models.Message{ID: "m1", Role: models.RoleUser, Content: "hi", Metadata: map[string]any{"a": 1}}
	if err := store.AppendMessage(ctx, "s", msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	msg.Content = "mutated"
	msg.Metadata["a"] = 2

	history, _ := store.LoadHistory(ctx, "s", 0)
	if history[0].Content != "hi" || history[0].Metadata["a"] != 1 {
		t.Fatalf("stored message was mutated: %+v", history[0])
	}
	if history[0].SessionID != "s" {
		t.Fatalf("SessionID = %q", history[0].SessionID)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mongo"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	if got := rebind(DialectSQLite, q); got != q {
		t.Fatalf("sqlite rebind = %q", got)
	}
	if got := rebind(DialectPostgres, q); got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
}
