package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLStore(db, DialectPostgres)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	return store, mock
}

func TestSQLStorePostgresPlaceholders(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT state FROM loop_states WHERE session_id = \$1`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).
			AddRow(`{"session_id":"s1","turn_id":"t1","tool_call_count":2,"phase":"awaiting_permission"}`))

	state, err := store.LoadLoopState(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LoadLoopState: %v", err)
	}
	if state.TurnID != "t1" || state.ToolCallCount != 2 {
		t.Fatalf("state = %+v", state)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreLoadLoopStateNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT state FROM loop_states`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	if _, err := store.LoadLoopState(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestSQLStoreDeleteRollsBackOnMissingSession(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM sessions WHERE id = \$1`).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := store.Delete(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNewSQLStoreRejectsUnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	if _, err := NewSQLStore(db, "oracle"); err == nil {
		t.Fatal("expected error")
	}
}
