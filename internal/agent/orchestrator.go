package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	agentctx "github.com/haasonsaas/conductor/internal/agent/context"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/pkg/models"
)

// LoopConfig configures turn execution limits and the components the loop
// builds per session.
type LoopConfig struct {
	// MaxToolCalls limits tool calls per turn. The first call past the
	// ceiling is not executed and the turn ends with a non-fatal block.
	// Default: 25
	MaxToolCalls int

	// MaxIterations limits model round trips per turn.
	// Default: 50
	MaxIterations int

	// StreamIdleTimeout aborts a model stream that produces nothing.
	// Default: 2m
	StreamIdleTimeout time.Duration

	// ToolTimeout bounds a single tool execution.
	// Default: 2m
	ToolTimeout time.Duration

	// HistoryLimit is how many stored messages are loaded per build.
	// Default: 200
	HistoryLimit int

	Executor ExecutorConfig
	Guard    ToolResultGuard
	Policy   PermissionPolicy
	Context  agentctx.Options
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxToolCalls:      25,
		MaxIterations:     50,
		StreamIdleTimeout: 2 * time.Minute,
		ToolTimeout:       DefaultToolTimeout,
		HistoryLimit:      200,
		Executor:          DefaultExecutorConfig(),
	}
}

func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	defaults := DefaultLoopConfig()
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = defaults.MaxToolCalls
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = defaults.StreamIdleTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.Executor.MaxConcurrency <= 0 {
		cfg.Executor.MaxConcurrency = defaults.Executor.MaxConcurrency
	}
	return cfg
}

// ToolSourceFactory builds the tool sources of a new session. It receives
// the session's resolved configuration so filesystem tools can bind to the
// session's allow-list.
type ToolSourceFactory func(cfg ResolvedConfig) []ToolSource

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Loop LoopConfig

	// Provider drives the native path. External drives sessions whose
	// provider names it, or every session when Provider is nil.
	Provider LLMProvider
	External ExternalAgent

	Tools ToolSourceFactory

	// Store persists transcripts and paused turns. Default: in memory.
	Store sessions.Store

	// Locker optionally serializes turns across processes sharing Store.
	Locker sessions.Locker

	// Sink receives every session's events in addition to the per-session
	// sink given to OpenSession.
	Sink EventSink

	Offload OffloadStore
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// SessionOptions opens a session.
type SessionOptions struct {
	// ID reuses a known session id, e.g. to resume after a restart.
	ID      string
	AgentID string
	Config  ResolvedConfig
	Sink    EventSink
}

// Orchestrator runs agent turns for many sessions. Each session has at most
// one active loop; sessions share nothing mutable except the store.
type Orchestrator struct {
	config   LoopConfig
	provider LLMProvider
	external ExternalAgent
	tools    ToolSourceFactory
	store    sessions.Store
	locker   sessions.Locker
	sink     EventSink
	builder  *agentctx.Builder
	guard    *ToolResultGuard
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// session is the orchestrator's per-session record.
type session struct {
	ctx      *SessionContext
	external bool
	sources  []ToolSource
	registry *ToolRegistry
	router   *ToolRouter
	executor *Executor

	mu   sync.Mutex
	turn *Turn
}

func (s *session) currentTurn() *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func (s *session) setTurn(t *Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn = t
}

// NewOrchestrator creates an orchestrator. It fails with ErrNoProvider when
// neither a native provider nor an external agent is configured.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Provider == nil && cfg.External == nil {
		return nil, ErrNoProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loop := sanitizeLoopConfig(cfg.Loop)

	guardCfg := loop.Guard
	guardCfg.Store = cfg.Offload
	if guardCfg.Logger == nil {
		guardCfg.Logger = logger
	}
	ctxOpts := loop.Context
	if ctxOpts.Logger == nil {
		ctxOpts.Logger = logger
	}
	store := cfg.Store
	if store == nil {
		store = sessions.NewMemoryStore()
	}
	return &Orchestrator{
		config:   loop,
		provider: cfg.Provider,
		external: cfg.External,
		tools:    cfg.Tools,
		store:    store,
		locker:   cfg.Locker,
		sink:     cfg.Sink,
		builder:  agentctx.NewBuilder(ctxOpts),
		guard:    NewToolResultGuard(guardCfg),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   logger.With("component", "orchestrator"),
		sessions: make(map[string]*session),
	}, nil
}

// OpenSession creates a session and emits session.created and
// session.ready. The resolved configuration is fixed for the session's
// lifetime.
func (o *Orchestrator) OpenSession(ctx context.Context, opts SessionOptions) (*SessionContext, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	o.mu.Lock()
	if _, exists := o.sessions[id]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("session %s already open", id)
	}
	o.mu.Unlock()

	external := o.external != nil && (o.provider == nil || opts.Config.Provider == o.external.Name())
	if !external && o.provider == nil {
		return nil, ErrNoProvider
	}

	if _, err := o.store.Get(ctx, id); errors.Is(err, sessions.ErrNotFound) {
		if err := o.store.Create(ctx, &models.Session{ID: id, AgentID: opts.AgentID}); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	emitter := NewEventEmitter(id, NewMultiSink(o.sink, opts.Sink))
	gate := NewPermissionGate(PermissionGateConfig{
		SessionID: id,
		Policy:    o.config.Policy,
		Emitter:   emitter,
		Metrics:   o.metrics,
		Logger:    o.logger,
	})
	sc := newSessionContext(id, opts.AgentID, opts.Config, emitter, gate)

	var sources []ToolSource
	if o.tools != nil {
		sources = o.tools(opts.Config)
	}
	registry := NewToolRegistry(o.logger, sources...)
	router := NewToolRouter(ToolRouterConfig{
		Registry: registry,
		Guard:    o.guard,
		Timeout:  o.config.ToolTimeout,
		Metrics:  o.metrics,
		Tracer:   o.tracer,
		Logger:   o.logger,
	})
	s := &session{
		ctx:      sc,
		external: external,
		sources:  sources,
		registry: registry,
		router:   router,
		executor: NewExecutor(router, o.config.Executor),
	}

	o.mu.Lock()
	if _, exists := o.sessions[id]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("session %s already open", id)
	}
	o.sessions[id] = s
	o.mu.Unlock()

	o.metrics.SessionOpened()
	payload := models.SessionEventPayload{
		AgentID:  opts.AgentID,
		Backend:  o.backendName(s),
		Model:    opts.Config.Model,
		Provider: opts.Config.Provider,
	}
	emitter.SessionCreated(ctx, payload)
	emitter.SessionReady(ctx, payload)
	o.logger.InfoContext(ctx, "session opened", "session_id", id, "backend", payload.Backend, "model", opts.Config.Model)
	return sc, nil
}

// Session returns an open session.
func (o *Orchestrator) Session(id string) (*SessionContext, bool) {
	s, err := o.lookup(id)
	if err != nil {
		return nil, false
	}
	return s.ctx, true
}

// SessionIDs returns the ids of every open session in sorted order.
func (o *Orchestrator) SessionIDs() []string {
	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Tools refreshes and returns the tool definitions a session would offer.
func (o *Orchestrator) Tools(ctx context.Context, sessionID string) ([]models.ToolDefinition, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.registry.Refresh(ctx, s.ctx.Config.ToolFilter()), nil
}

func (o *Orchestrator) lookup(id string) (*session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (o *Orchestrator) backendName(s *session) string {
	if s.external {
		return o.external.Name()
	}
	return o.provider.Name()
}

// Submit starts a turn with msg as its user input. It fails with
// ErrSessionBusy unless the session is idle or in error. The turn runs in
// the background and survives cancellation of ctx; use Cancel to stop it.
func (o *Orchestrator) Submit(ctx context.Context, sessionID string, msg *models.Message) (*Turn, error) {
	if msg == nil {
		return nil, errors.New("message is required")
	}
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	turnID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if _, err := s.ctx.acquire(turnID, cancel); err != nil {
		cancel()
		return nil, err
	}
	if err := o.lock(ctx, sessionID); err != nil {
		s.ctx.release()
		cancel()
		return nil, err
	}

	turn := newTurn(sessionID, turnID)
	s.setTurn(turn)

	input := *msg
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if input.Role == "" {
		input.Role = models.RoleUser
	}
	input.SessionID = sessionID
	input.TurnID = turnID

	r := o.newRun(s, turn, 0, 0)
	go func() {
		defer cancel()
		r.start(runCtx, &input)
	}()
	return turn, nil
}

// Respond applies a permission decision. When it settles the paused batch
// the same turn continues from its persisted state.
func (o *Orchestrator) Respond(ctx context.Context, d models.Decision) error {
	s, err := o.lookup(d.SessionID)
	if err != nil {
		return err
	}
	if _, err := s.ctx.gate.Respond(ctx, d); err != nil {
		return err
	}

	if s.ctx.Status() != models.StatusWaitingPermission {
		// Either the loop has not paused yet and will see the settled batch
		// itself, or an external agent is blocked in the gate.
		return nil
	}
	state, err := o.store.LoadLoopState(ctx, d.SessionID)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load loop state: %w", err)
	}
	state.Permissions = s.ctx.gate.Snapshot()
	state.UpdatedAt = time.Now()
	if err := o.store.SaveLoopState(ctx, state); err != nil {
		return fmt.Errorf("save loop state: %w", err)
	}

	if !s.ctx.gate.Settled() {
		return nil
	}
	err = o.continueTurn(ctx, s)
	if errors.Is(err, ErrSessionBusy) {
		// The loop never paused; it sees the settled batch itself.
		return nil
	}
	return err
}

// Cancel stops the session's turn. An active loop is aborted; a turn
// waiting for permission is finalized as cancelled. Cancelling a session
// with nothing running is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	_, waiting := s.ctx.requestCancel()
	if !waiting {
		return nil
	}
	err = o.continueTurn(ctx, s)
	if errors.Is(err, ErrSessionBusy) || errors.Is(err, ErrNothingToResume) {
		return nil
	}
	return err
}

// Resume restores a turn persisted while waiting for permission, for
// example after the process restarted. Pending requests are announced
// again; a batch that is already settled continues at once.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*Turn, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if s.external {
		return nil, ErrNothingToResume
	}
	state, err := o.store.LoadLoopState(ctx, sessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		return nil, ErrNothingToResume
	}
	if err != nil {
		return nil, fmt.Errorf("load loop state: %w", err)
	}
	if state.Phase != models.LoopPhaseAwaitingPermission {
		return nil, ErrNothingToResume
	}

	s.ctx.gate.Restore(state.Permissions)
	if err := s.ctx.suspend(ctx, SessionRuntime{
		TurnID:        state.TurnID,
		ToolCallCount: state.ToolCallCount,
		Cancelled:     state.Cancelled,
		Pending:       s.ctx.gate.Pending(),
	}); err != nil {
		return nil, err
	}
	turn := newTurn(sessionID, state.TurnID)
	s.setTurn(turn)
	s.ctx.gate.Announce(ctx)

	if s.ctx.gate.Settled() {
		if err := o.continueTurn(ctx, s); err != nil && !errors.Is(err, ErrSessionBusy) {
			return nil, err
		}
	}
	return turn, nil
}

// continueTurn claims a paused session and runs the rest of its turn.
func (o *Orchestrator) continueTurn(ctx context.Context, s *session) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if _, err := s.ctx.resumeClaim(cancel); err != nil {
		cancel()
		return err
	}
	if err := o.lock(ctx, s.ctx.ID); err != nil {
		s.ctx.release()
		cancel()
		return err
	}
	state, err := o.store.LoadLoopState(ctx, s.ctx.ID)
	if err != nil {
		o.unlock(s.ctx.ID)
		s.ctx.release()
		cancel()
		return fmt.Errorf("load loop state: %w", err)
	}

	turn := s.currentTurn()
	if turn == nil || turn.ID != state.TurnID {
		turn = newTurn(s.ctx.ID, state.TurnID)
		s.setTurn(turn)
	}
	r := o.newRun(s, turn, state.ToolCallCount, state.Iteration)
	go func() {
		defer cancel()
		r.resume(runCtx, state)
	}()
	return nil
}

// CloseSession cancels any running turn, waits for it to stop and discards
// the session. Remembered grants are discarded with it.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := o.Cancel(ctx, sessionID); err != nil {
		o.logger.WarnContext(ctx, "cancel on close failed", "session_id", sessionID, "error", err)
	}
	if done := s.ctx.wait(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !s.ctx.markClosed() {
		return nil
	}
	s.ctx.gate.Reset()

	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()

	if s.external {
		if err := o.external.CloseSession(ctx, sessionID); err != nil {
			o.logger.WarnContext(ctx, "external agent close failed", "session_id", sessionID, "error", err)
		}
	}
	for _, src := range s.sources {
		if closer, ok := src.(interface{ Close(context.Context) error }); ok {
			if err := closer.Close(ctx); err != nil {
				o.logger.WarnContext(ctx, "tool source close failed",
					"session_id", sessionID, "owner", src.OwnerID(), "error", err)
			}
		}
	}
	s.ctx.emitter.SessionClosed(ctx)
	o.metrics.SessionClosed()
	o.logger.InfoContext(ctx, "session closed", "session_id", sessionID)
	return nil
}

// Close closes every open session.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := o.CloseSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) lock(ctx context.Context, sessionID string) error {
	if o.locker == nil {
		return nil
	}
	if err := o.locker.Lock(ctx, sessionID); err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	return nil
}

func (o *Orchestrator) unlock(sessionID string) {
	if o.locker != nil {
		o.locker.Unlock(sessionID)
	}
}
