package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestDBLockerLockUnlock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	locker, err := NewDBLocker(db, DBLockerConfig{
		OwnerID:         "node-1",
		TTL:             time.Minute,
		RefreshInterval: time.Hour,
		AcquireTimeout:  time.Second,
		PollInterval:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewDBLocker: %v", err)
	}
	defer locker.Close()

	mock.ExpectQuery(`INSERT INTO session_locks .* VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs("sess-1", "node-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("node-1"))

	if err := locker.Lock(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	mock.ExpectExec("DELETE FROM session_locks").
		WithArgs("sess-1", "node-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	locker.Unlock("sess-1")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDBLockerTimesOutWhenHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	locker, err := NewDBLocker(db, DBLockerConfig{
		Dialect:        DialectSQLite,
		OwnerID:        "node-1",
		AcquireTimeout: 20 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewDBLocker: %v", err)
	}
	defer locker.Close()

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 20; i++ {
		mock.ExpectQuery(`INSERT INTO session_locks .* VALUES \(\?, \?, \?, \?\)`).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))
	}

	err = locker.Lock(context.Background(), "sess-1")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Lock error = %v, want ErrLockTimeout", err)
	}
}

func TestLocalLockerSerializes(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	if err := locker.Lock(ctx, "s"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := locker.Lock(ctx, "s"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second Lock error = %v, want ErrLockTimeout", err)
	}
	if err := locker.Lock(ctx, "other"); err != nil {
		t.Fatalf("Lock other session: %v", err)
	}
	locker.Unlock("s")
	if err := locker.Lock(ctx, "s"); err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
}
