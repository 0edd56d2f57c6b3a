package acp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/jsonrpc"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/tools/files"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Config describes the agent command and how it is supervised.
type Config struct {
	// Name identifies the backend; sessions whose provider equals it are
	// routed here. Default: "acp"
	Name string `yaml:"name" json:"name,omitempty"`

	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`

	// KillGrace is the wait between SIGTERM and SIGKILL. Default: 3s
	KillGrace time.Duration `yaml:"kill_grace" json:"kill_grace,omitempty"`

	// CancelGrace is how long a cancelled prompt may take to return before
	// the process is stopped. Default: 5s
	CancelGrace time.Duration `yaml:"cancel_grace" json:"cancel_grace,omitempty"`

	Metrics *observability.Metrics `yaml:"-" json:"-"`
	Logger  *slog.Logger           `yaml:"-" json:"-"`
}

// Agent runs one agent process per session.
type Agent struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

var _ agent.ExternalAgent = (*Agent)(nil)

// New creates an ACP backend. No process is started until the first turn.
func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("acp: command is required")
	}
	if cfg.Name == "" {
		cfg.Name = "acp"
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		config:   cfg,
		logger:   cfg.Logger.With("component", "acp", "agent", cfg.Name),
		sessions: make(map[string]*session),
	}, nil
}

func (a *Agent) Name() string { return a.config.Name }

// RunTurn sends the input as one prompt and relays the agent's updates
// until the prompt returns. Cancelling ctx sends session/cancel; an agent
// that does not stop within CancelGrace is terminated.
func (a *Agent) RunTurn(ctx context.Context, turn agent.ExternalTurn) (*agent.ExternalResult, error) {
	s, err := a.session(ctx, turn.Session)
	if err != nil {
		return nil, err
	}

	state := s.beginTurn(ctx, turn)
	defer s.endTurn()

	prompt := promptParams{SessionID: s.remoteID, Prompt: promptBlocks(turn.Input)}
	callCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	done := make(chan error, 1)
	var result promptResult
	go func() { done <- s.proc.Call(callCtx, methodSessionPrompt, prompt, &result) }()

	var callErr error
	select {
	case callErr = <-done:
	case <-ctx.Done():
		callErr = a.cancel(s, done)
	}

	res := state.result(result.StopReason)
	switch {
	case ctx.Err() != nil:
		res.Cancelled = true
		return res, nil
	case errors.Is(callErr, jsonrpc.ErrClosed):
		a.drop(s)
		return res, fmt.Errorf("%w: %w", agent.ErrProcessExited, callErr)
	case callErr != nil:
		return res, fmt.Errorf("session/prompt: %w", callErr)
	}
	res.Cancelled = result.StopReason == StopCancelled
	return res, nil
}

// cancel asks the agent to stop the prompt and waits CancelGrace for it.
// The process is stopped when the prompt does not end in time.
func (a *Agent) cancel(s *session, done <-chan error) error {
	notifyCtx, cancel := context.WithTimeout(context.Background(), a.config.CancelGrace)
	defer cancel()
	if err := s.proc.Notify(notifyCtx, methodSessionCancel, cancelParams{SessionID: s.remoteID}); err != nil {
		s.logger.Warn("failed to send cancel", "error", err)
	}
	select {
	case err := <-done:
		return err
	case <-notifyCtx.Done():
		s.logger.Warn("agent ignored cancel, stopping it", "grace", a.config.CancelGrace)
		a.drop(s)
		return <-done
	}
}

// CloseSession stops the session's agent process.
func (a *Agent) CloseSession(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return s.proc.Stop(ctx)
}

// Close stops every agent process.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	all := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		all = append(all, s)
	}
	clear(a.sessions)
	a.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.proc.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// drop forgets s and stops its process in the background; the next turn
// starts a fresh one.
func (a *Agent) drop(s *session) {
	a.mu.Lock()
	if a.sessions[s.id] == s {
		delete(a.sessions, s.id)
	}
	a.mu.Unlock()
	go func() {
		if err := s.proc.Stop(context.Background()); err != nil {
			s.logger.Warn("failed to stop agent process", "error", err)
		}
	}()
}

// session returns the live session for sc, starting the agent process and
// creating the remote session on first use.
func (a *Agent) session(ctx context.Context, sc *agent.SessionContext) (*session, error) {
	a.mu.Lock()
	s, ok := a.sessions[sc.ID]
	a.mu.Unlock()
	if ok {
		select {
		case <-s.proc.Done():
			a.drop(s)
		default:
			return s, nil
		}
	}

	s, err := a.start(ctx, sc)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.sessions[sc.ID] = s
	a.mu.Unlock()
	return s, nil
}

func (a *Agent) start(ctx context.Context, sc *agent.SessionContext) (*session, error) {
	s := &session{
		id:     sc.ID,
		owner:  a.config.Name,
		logger: a.logger.With("session_id", sc.ID),
	}
	cwd := ""
	if roots := sc.Config.WorkspaceRoots; len(roots) > 0 {
		resolver, err := files.NewResolver(roots...)
		if err != nil {
			return nil, err
		}
		s.resolver = &resolver
		cwd = resolver.Roots[0]
	}
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		cwd = wd
	}

	proc, err := jsonrpc.Start(ctx, jsonrpc.ProcessConfig{
		Command:   a.config.Command,
		Args:      a.config.Args,
		Env:       a.config.Env,
		Dir:       cwd,
		KillGrace: a.config.KillGrace,
		Handler:   s,
		Logger:    s.logger,
		OnKill:    func() { a.config.Metrics.RecordProcessKill("acp") },
	})
	if err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	s.proc = proc

	fsEnabled := s.resolver != nil
	var init initializeResult
	err = proc.Call(ctx, methodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientCapabilities: clientCapabilities{FS: fsCapabilities{
			ReadTextFile:  fsEnabled,
			WriteTextFile: fsEnabled,
		}},
	}, &init)
	if err != nil {
		_ = proc.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var created newSessionResult
	if err := proc.Call(ctx, methodSessionNew, newSessionParams{Cwd: cwd, MCPServers: []any{}}, &created); err != nil {
		_ = proc.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("session/new: %w", err)
	}
	s.remoteID = created.SessionID
	s.logger.Info("agent session started", "remote_session", created.SessionID, "protocol", init.ProtocolVersion, "pid", proc.Pid())
	return s, nil
}

func promptBlocks(msg *models.Message) []ContentBlock {
	if msg == nil {
		return []ContentBlock{{Type: "text", Text: ""}}
	}
	blocks := []ContentBlock{{Type: "text", Text: msg.Content}}
	for _, att := range msg.Attachments {
		if data, ok := strings.CutPrefix(att.URL, "data:"); ok && att.Type == models.AttachmentImage {
			mime, payload, found := strings.Cut(data, ";base64,")
			if found {
				blocks = append(blocks, ContentBlock{Type: "image", MimeType: mime, Data: payload})
				continue
			}
		}
		blocks = append(blocks, ContentBlock{Type: "resource_link", URI: att.URL, MimeType: att.MimeType})
	}
	return blocks
}
