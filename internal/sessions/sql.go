package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Supported SQL dialects. The names double as database/sql driver names
// for sqlite; postgres uses lib/pq.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLConfig holds configuration for a SQL-backed store.
type SQLConfig struct {
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration

	// ConnectAttempts bounds the initial ping; a database that is still
	// starting gets retried with backoff. Default: 1 for sqlite, 5 otherwise.
	ConnectAttempts int
	Logger          *slog.Logger
}

func (c *SQLConfig) applyDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
		if c.Dialect == DialectSQLite {
			c.MaxOpenConns = 1
		}
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
		if c.Dialect == DialectSQLite {
			c.ConnectAttempts = 1
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQLStore opens the database, verifies the connection and applies
// pending migrations.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	cfg.applyDefaults()

	db, err := sql.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	err = backoff.Retry(ctx, backoff.DefaultPolicy(), cfg.ConnectAttempts, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	}, func(attempt int, wait time.Duration, err error) {
		cfg.Logger.Warn("database not reachable, retrying", "dialect", cfg.Dialect, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewSQLStore(db, cfg.Dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := NewMigrator(db, cfg.Dialect).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return store, nil
}

// NewSQLStore wraps an open database. The schema must already exist.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// DB exposes the underlying database connection for related stores.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect.
func (s *SQLStore) Dialect() string { return s.dialect }

// Close closes the database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) q(query string) string { return rebind(s.dialect, query) }

func (s *SQLStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt

	metadata, err := marshalNullable(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, agent_id, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), session.ID, session.AgentID, session.Title, metadata,
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var (
		session              models.Session
		metadata             sql.NullString
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, agent_id, title, metadata, created_at, updated_at
		FROM sessions WHERE id = ?
	`), id).Scan(&session.ID, &session.AgentID, &session.Title, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	session.CreatedAt = time.Unix(0, createdAt)
	session.UpdatedAt = time.Unix(0, updatedAt)
	return &session, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM loop_states WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete loop state: %w", err)
	}
	return tx.Commit()
}

// messagePayload is the JSON column holding the structured parts of a
// message.
type messagePayload struct {
	Attachments []models.Attachment `json:"attachments,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Blocks      []models.Block      `json:"blocks,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

func (s *SQLStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(messagePayload{
		Attachments: msg.Attachments,
		ToolCalls:   msg.ToolCalls,
		ToolResults: msg.ToolResults,
		Blocks:      msg.Blocks,
		Metadata:    msg.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO messages (id, session_id, turn_id, role, content, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, sessionID, msg.TurnID, string(msg.Role), msg.Content, string(payload), msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, session_id, turn_id, role, content, payload, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			msg       models.Message
			role      string
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.TurnID, &role, &msg.Content, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = time.Unix(0, createdAt)
		if payload.Valid && payload.String != "" {
			var p messagePayload
			if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message %s: %w", msg.ID, err)
			}
			msg.Attachments = p.Attachments
			msg.ToolCalls = p.ToolCalls
			msg.ToolResults = p.ToolResults
			msg.Blocks = p.Blocks
			msg.Metadata = p.Metadata
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	// Rows come newest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLStore) SaveLoopState(ctx context.Context, state *models.LoopState) error {
	if state == nil || state.SessionID == "" {
		return errors.New("loop state with session id is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal loop state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO loop_states (session_id, turn_id, phase, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE
		SET turn_id = excluded.turn_id,
			phase = excluded.phase,
			state = excluded.state,
			updated_at = excluded.updated_at
	`), state.SessionID, state.TurnID, string(state.Phase), string(data), state.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save loop state: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadLoopState(ctx context.Context, sessionID string) (*models.LoopState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT state FROM loop_states WHERE session_id = ?
	`), sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loop state: %w", err)
	}
	var state models.LoopState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop state: %w", err)
	}
	return &state, nil
}

func (s *SQLStore) DeleteLoopState(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM loop_states WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete loop state: %w", err)
	}
	return nil
}

func marshalNullable(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// rebind rewrites ? placeholders as $n for postgres.
func rebind(dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
