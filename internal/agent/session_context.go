package agent

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ResolvedConfig is the configuration a session was opened with. It is
// fixed for the session's lifetime; config reloads only affect sessions
// opened afterwards.
type ResolvedConfig struct {
	Model           string
	Provider        string
	System          string
	MaxTokens       int
	ThinkingBudget  int
	Vision          bool
	FunctionCalling bool

	// WorkspaceRoots is the filesystem allow-list.
	WorkspaceRoots []string

	// EnabledTools are glob patterns over tool names; empty enables all.
	EnabledTools []string
}

// ToolFilter returns the registry filter implied by the configuration.
func (c ResolvedConfig) ToolFilter() ToolFilter {
	return ToolFilter{Enabled: c.EnabledTools, Vision: c.Vision}
}

// SessionRuntime is the mutable per-turn part of a session.
type SessionRuntime struct {
	TurnID        string
	ToolCallCount int
	Cancelled     bool
	Pending       []models.PermissionRequest
}

// SessionContext is the in-memory record of one agent session. Only the loop
// that holds it may change its runtime; Acquire enforces that at most one
// loop is active.
type SessionContext struct {
	ID      string
	AgentID string
	Config  ResolvedConfig
	Created time.Time

	mu      sync.Mutex
	status  models.SessionStatus
	runtime SessionRuntime
	active  bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	gate    *PermissionGate
	emitter *EventEmitter
}

func newSessionContext(id, agentID string, cfg ResolvedConfig, emitter *EventEmitter, gate *PermissionGate) *SessionContext {
	return &SessionContext{
		ID:      id,
		AgentID: agentID,
		Config:  cfg,
		Created: time.Now(),
		status:  models.StatusIdle,
		emitter: emitter,
		gate:    gate,
	}
}

// Status returns the current status.
func (s *SessionContext) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Runtime returns a copy of the runtime record.
func (s *SessionContext) Runtime() SessionRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.runtime
	rt.Pending = append([]models.PermissionRequest(nil), s.runtime.Pending...)
	return rt
}

// Gate returns the session's permission gate.
func (s *SessionContext) Gate() *PermissionGate { return s.gate }

// Emitter returns the session's event emitter.
func (s *SessionContext) Emitter() *EventEmitter { return s.emitter }

// setStatus changes the status and emits status.changed when it differs.
func (s *SessionContext) setStatus(ctx context.Context, to models.SessionStatus) {
	s.mu.Lock()
	from := s.status
	s.status = to
	s.mu.Unlock()
	if from != to {
		s.emitter.StatusChanged(ctx, from, to)
	}
}

// acquire claims the session for a loop. It fails with ErrSessionBusy unless
// the session is idle or in error, and with ErrSessionClosed after close.
func (s *SessionContext) acquire(turnID string, cancel context.CancelFunc) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.active || (s.status != models.StatusIdle && s.status != models.StatusError) {
		return nil, ErrSessionBusy
	}
	s.active = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.runtime = SessionRuntime{TurnID: turnID}
	return s.done, nil
}

// resumeClaim claims a session paused for permission so its turn can
// continue.
func (s *SessionContext) resumeClaim(cancel context.CancelFunc) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.active {
		return nil, ErrSessionBusy
	}
	if s.status != models.StatusWaitingPermission {
		return nil, ErrNothingToResume
	}
	s.active = true
	s.cancel = cancel
	s.done = make(chan struct{})
	return s.done, nil
}

// release gives the session back after a loop goroutine exits.
func (s *SessionContext) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.cancel = nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// requestCancel marks the turn cancelled and aborts an active loop. It
// reports whether there was anything to cancel.
func (s *SessionContext) requestCancel() (active bool, waiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	waiting = !s.active && s.status == models.StatusWaitingPermission
	if !s.active && !waiting {
		return false, false
	}
	if s.runtime.Cancelled {
		return false, false
	}
	s.runtime.Cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
	return s.active, waiting
}

// wait returns a channel closed when the active loop exits, or nil when no
// loop is running.
func (s *SessionContext) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return nil
	}
	return s.done
}

func (s *SessionContext) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *SessionContext) updateRuntime(fn func(rt *SessionRuntime)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.runtime)
}

// pause hands the session back while a batch waits for decisions. It only
// pauses when settled reports false, checked under the session lock so a
// decision racing with the pause is never lost: either the loop sees the
// batch settled and keeps going, or the decision sees waiting_permission and
// resumes it.
func (s *SessionContext) pause(ctx context.Context, settled func() bool, pending []models.PermissionRequest) bool {
	s.mu.Lock()
	if settled() {
		s.mu.Unlock()
		return false
	}
	from := s.status
	s.status = models.StatusWaitingPermission
	s.runtime.Pending = pending
	s.active = false
	s.cancel = nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.mu.Unlock()
	if from != models.StatusWaitingPermission {
		s.emitter.StatusChanged(ctx, from, models.StatusWaitingPermission)
	}
	return true
}

// suspend restores a paused turn loaded from storage. The session must not
// be running a loop.
func (s *SessionContext) suspend(ctx context.Context, rt SessionRuntime) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.active || s.status == models.StatusGenerating {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	from := s.status
	s.runtime = rt
	s.status = models.StatusWaitingPermission
	s.mu.Unlock()
	if from != models.StatusWaitingPermission {
		s.emitter.StatusChanged(ctx, from, models.StatusWaitingPermission)
	}
	return nil
}

func (s *SessionContext) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime.Cancelled
}
