package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/pkg/models"
)

// =============================================================================
// Serve Handlers
// =============================================================================

func runServe(cmd *cobra.Command, watch bool) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	logger := applyLogging(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	current := func() *config.Config { return cfg }
	if watch && path != "" {
		watcher, err := config.NewWatcher(path, config.WatcherOptions{Logger: logger})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Close()
		current = watcher.Current
	}

	out := &lockedWriter{w: cmd.OutOrStdout()}
	rt, err := newRuntime(ctx, cfg, runtimeOptions{Sink: agent.NewWriterSink(out)})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	host := newHost(rt.orchestrator, current, out, logger)
	logger.Info("serving host protocol on stdio", "provider", cfg.Model.Provider)
	return host.Serve(ctx, cmd.InOrStdin())
}

// lockedWriter serializes writes so event and response lines never
// interleave.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// hostCommand is one line of input.
type hostCommand struct {
	Op        string `json:"op"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// open
	AgentID        string   `json:"agentId,omitempty"`
	Model          string   `json:"model,omitempty"`
	System         string   `json:"system,omitempty"`
	WorkspaceRoots []string `json:"workspaceRoots,omitempty"`

	// prompt
	Text        string              `json:"text,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`

	// respond
	ToolCallID     string                `json:"toolCallId,omitempty"`
	PermissionType models.PermissionType `json:"permissionType,omitempty"`
	Granted        bool                  `json:"granted,omitempty"`
	Remember       bool                  `json:"remember,omitempty"`
}

// hostResponse answers one command.
type hostResponse struct {
	Type      string                  `json:"type"`
	ID        string                  `json:"id,omitempty"`
	Op        string                  `json:"op"`
	OK        bool                    `json:"ok"`
	Error     string                  `json:"error,omitempty"`
	SessionID string                  `json:"sessionId,omitempty"`
	TurnID    string                  `json:"turnId,omitempty"`
	Tools     []models.ToolDefinition `json:"tools,omitempty"`
}

// host runs the JSONL protocol against an orchestrator.
type host struct {
	orchestrator *agent.Orchestrator
	config       func() *config.Config
	out          io.Writer
	logger       *slog.Logger

	turns sync.WaitGroup
}

func newHost(o *agent.Orchestrator, cfg func() *config.Config, out io.Writer, logger *slog.Logger) *host {
	if logger == nil {
		logger = slog.Default()
	}
	return &host{orchestrator: o, config: cfg, out: out, logger: logger.With("component", "host")}
}

// Serve handles commands until in is exhausted or ctx is done, then
// cancels running turns and waits for them.
func (h *host) Serve(ctx context.Context, in io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err = <-readErr:
			break loop
		case line := <-lines:
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			h.handleLine(ctx, line)
		}
	}

	// Input is gone; nobody is left to answer permissions.
	h.cancelAll()
	h.turns.Wait()
	return err
}

func (h *host) cancelAll() {
	for _, id := range h.openSessions() {
		if err := h.orchestrator.Cancel(context.Background(), id); err != nil {
			h.logger.Debug("cancel on shutdown", "session_id", id, "error", err)
		}
	}
}

func (h *host) handleLine(ctx context.Context, line []byte) {
	var c hostCommand
	if err := json.Unmarshal(line, &c); err != nil {
		h.reply(hostResponse{Op: "invalid", Error: fmt.Sprintf("invalid command: %v", err)})
		return
	}
	resp := hostResponse{ID: c.ID, Op: c.Op, SessionID: c.SessionID}
	if err := h.dispatch(ctx, c, &resp); err != nil {
		resp.Error = err.Error()
		h.logger.Debug("command failed", "op", c.Op, "session_id", c.SessionID, "error", err)
	} else {
		resp.OK = true
	}
	h.reply(resp)
}

func (h *host) dispatch(ctx context.Context, c hostCommand, resp *hostResponse) error {
	if c.Op != "open" && c.SessionID == "" {
		return errors.New("sessionId is required")
	}
	switch c.Op {
	case "open":
		return h.open(ctx, c, resp)
	case "prompt":
		return h.prompt(ctx, c, resp)
	case "respond":
		return h.orchestrator.Respond(ctx, models.Decision{
			SessionID:      c.SessionID,
			ToolCallID:     c.ToolCallID,
			Granted:        c.Granted,
			PermissionType: c.PermissionType,
			Remember:       c.Remember,
		})
	case "cancel":
		return h.orchestrator.Cancel(ctx, c.SessionID)
	case "resume":
		turn, err := h.orchestrator.Resume(ctx, c.SessionID)
		if err != nil {
			return err
		}
		resp.TurnID = turn.ID
		h.track(turn)
		return nil
	case "tools":
		tools, err := h.orchestrator.Tools(ctx, c.SessionID)
		if err != nil {
			return err
		}
		resp.Tools = tools
		return nil
	case "close":
		return h.orchestrator.CloseSession(ctx, c.SessionID)
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
}

func (h *host) open(ctx context.Context, c hostCommand, resp *hostResponse) error {
	cfg := h.config()
	resolved := cfg.Session()
	if c.Model != "" {
		resolved.Model = c.Model
	}
	if c.System != "" {
		resolved.System = c.System
	}
	if len(c.WorkspaceRoots) > 0 {
		roots, err := narrowRoots(resolved.WorkspaceRoots, c.WorkspaceRoots)
		if err != nil {
			return err
		}
		resolved.WorkspaceRoots = roots
	}
	sc, err := h.orchestrator.OpenSession(ctx, agent.SessionOptions{
		ID:      c.SessionID,
		AgentID: c.AgentID,
		Config:  resolved,
	})
	if err != nil {
		return err
	}
	resp.SessionID = sc.ID
	return nil
}

func (h *host) prompt(ctx context.Context, c hostCommand, resp *hostResponse) error {
	if strings.TrimSpace(c.Text) == "" && len(c.Attachments) == 0 {
		return errors.New("text or attachments are required")
	}
	turn, err := h.orchestrator.Submit(ctx, c.SessionID, &models.Message{
		Role:        models.RoleUser,
		Content:     c.Text,
		Attachments: c.Attachments,
	})
	if err != nil {
		return err
	}
	resp.TurnID = turn.ID
	h.track(turn)
	return nil
}

// track keeps Serve from returning while turn runs. The outcome itself
// reaches the host as a message.end event.
func (h *host) track(turn *agent.Turn) {
	h.turns.Add(1)
	go func() {
		defer h.turns.Done()
		<-turn.Done()
		if res := turn.Result(); res.Outcome == models.OutcomeError {
			h.logger.Warn("turn ended with error", "session_id", turn.SessionID, "turn_id", turn.ID, "error", res.Err)
		}
	}()
}

func (h *host) openSessions() []string {
	return h.orchestrator.SessionIDs()
}

func (h *host) reply(resp hostResponse) {
	resp.Type = "response"
	line, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("encode response", "error", err)
		return
	}
	if _, err := h.out.Write(append(line, '\n')); err != nil {
		h.logger.Error("write response", "error", err)
	}
}

// narrowRoots resolves requested roots against the configured allow-list.
// A host may restrict a session to sub-directories but never widen it.
func narrowRoots(allowed, requested []string) ([]string, error) {
	if len(allowed) == 0 {
		return nil, errors.New("no workspace roots configured")
	}
	out := make([]string, 0, len(requested))
	for _, root := range requested {
		if !filepath.IsAbs(root) {
			root = filepath.Join(allowed[0], root)
		}
		root = filepath.Clean(root)
		if !withinAny(root, allowed) {
			return nil, fmt.Errorf("workspace root %s is outside the configured roots", root)
		}
		out = append(out, root)
	}
	return out, nil
}

func withinAny(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
