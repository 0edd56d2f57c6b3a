// Package sessions persists session headers, transcripts and paused loop
// state.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ErrNotFound is returned when a session or loop state does not exist.
var ErrNotFound = errors.New("sessions: not found")

// SessionStore persists session headers.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
}

// HistoryStore is the append-only transcript of each session.
type HistoryStore interface {
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// LoadHistory returns the last limit messages in chronological order.
	// A limit of zero or less returns everything.
	LoadHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// LoopStateStore holds at most one paused loop per session.
type LoopStateStore interface {
	SaveLoopState(ctx context.Context, state *models.LoopState) error

	// LoadLoopState returns ErrNotFound when the session has no paused loop.
	LoadLoopState(ctx context.Context, sessionID string) (*models.LoopState, error)

	DeleteLoopState(ctx context.Context, sessionID string) error
}

// Store is the full persistence surface used by the orchestrator.
type Store interface {
	SessionStore
	HistoryStore
	LoopStateStore
	Close() error
}

// Config selects a store implementation.
type Config struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`

	// ConnectAttempts bounds connection retries at startup.
	ConnectAttempts int `yaml:"connect_attempts" json:"connect_attempts,omitempty"`
}

// Open creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case DialectSQLite, DialectPostgres:
		return OpenSQLStore(ctx, SQLConfig{Dialect: cfg.Driver, DSN: cfg.DSN, ConnectAttempts: cfg.ConnectAttempts})
	default:
		return nil, errors.New("sessions: unknown driver " + cfg.Driver)
	}
}
