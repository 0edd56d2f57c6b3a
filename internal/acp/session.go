package acp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/jsonrpc"
	"github.com/haasonsaas/conductor/internal/tools/files"
	"github.com/haasonsaas/conductor/pkg/models"
)

// session is one agent process serving one conductor session. It is the
// jsonrpc.Handler for the agent's callbacks.
type session struct {
	id       string
	owner    string
	remoteID string
	proc     *jsonrpc.Process
	resolver *files.Resolver
	logger   *slog.Logger

	mu   sync.Mutex
	turn *turnState
}

// turnState collects what the agent reported during one prompt.
type turnState struct {
	ctx     context.Context
	turn    agent.ExternalTurn
	emitter *agent.EventEmitter
	owner   string

	mu        sync.Mutex
	text      strings.Builder
	calls     map[string]models.ToolCall
	kinds     map[string]string
	started   map[string]time.Time
	toolCalls int
}

func (s *session) beginTurn(ctx context.Context, turn agent.ExternalTurn) *turnState {
	state := &turnState{
		ctx:     ctx,
		turn:    turn,
		emitter: turn.Session.Emitter(),
		owner:   s.owner,
		calls:   make(map[string]models.ToolCall),
		kinds:   make(map[string]string),
		started: make(map[string]time.Time),
	}
	s.mu.Lock()
	s.turn = state
	s.mu.Unlock()
	return state
}

func (s *session) endTurn() {
	s.mu.Lock()
	s.turn = nil
	s.mu.Unlock()
}

func (s *session) current() *turnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func (t *turnState) result(stopReason string) *agent.ExternalResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &agent.ExternalResult{
		Text:       t.text.String(),
		StopReason: stopReason,
		ToolCalls:  t.toolCalls,
	}
}

// HandleNotification relays session/update in arrival order.
func (s *session) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	if method != methodSessionUpdate {
		s.logger.Debug("ignoring notification", "method", method)
		return
	}
	var n sessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		s.logger.Warn("malformed session update", "error", err)
		return
	}
	if n.SessionID != s.remoteID {
		return
	}
	t := s.current()
	if t == nil {
		s.logger.Debug("update outside a turn", "kind", n.Update.SessionUpdate)
		return
	}
	t.apply(n.Update)
}

func (t *turnState) apply(u sessionUpdate) {
	ctx := context.WithoutCancel(t.ctx)
	turnID, messageID := t.turn.TurnID, t.turn.MessageID

	switch u.SessionUpdate {
	case updateAgentMessage:
		text := textOf(u.Content)
		if text == "" {
			return
		}
		t.mu.Lock()
		t.text.WriteString(text)
		t.mu.Unlock()
		t.emitter.MessageDelta(ctx, turnID, messageID, models.BlockContent, text)

	case updateAgentThought:
		if text := textOf(u.Content); text != "" {
			t.emitter.MessageDelta(ctx, turnID, messageID, models.BlockReasoning, text)
		}

	case updateToolCall:
		call := models.ToolCall{
			ID:      u.ToolCallID,
			Name:    toolName(u.Title, u.Kind),
			Input:   u.RawInput,
			OwnerID: t.owner,
		}
		t.mu.Lock()
		_, seen := t.calls[call.ID]
		t.calls[call.ID] = call
		if u.Kind != "" {
			t.kinds[call.ID] = u.Kind
		}
		if !seen {
			t.toolCalls++
			t.started[call.ID] = time.Now()
		}
		t.mu.Unlock()
		if !seen {
			t.emitter.ToolStart(ctx, turnID, messageID, call)
		}
		t.status(ctx, call, u)

	case updateToolCallUpdate:
		t.mu.Lock()
		call, ok := t.calls[u.ToolCallID]
		if !ok {
			call = models.ToolCall{ID: u.ToolCallID, OwnerID: t.owner}
		}
		if u.Title != "" || u.Kind != "" {
			call.Name = toolName(u.Title, u.Kind)
		}
		if len(u.RawInput) > 0 {
			call.Input = u.RawInput
		}
		if u.Kind != "" {
			t.kinds[call.ID] = u.Kind
		}
		t.calls[call.ID] = call
		t.mu.Unlock()
		t.status(ctx, call, u)

	case updatePlan:
		entries := make([]any, 0, len(u.Entries))
		var lines []string
		for _, e := range u.Entries {
			entries = append(entries, map[string]any{"content": e.Content, "priority": e.Priority, "status": e.Status})
			lines = append(lines, "["+e.Status+"] "+e.Content)
		}
		t.emitter.MessageBlock(ctx, turnID, messageID, models.Block{
			Type: models.BlockPlan,
			Text: strings.Join(lines, "\n"),
			Data: map[string]any{"entries": entries},
		})
	}
}

// status emits tool.running or tool.end for a status change.
func (t *turnState) status(ctx context.Context, call models.ToolCall, u sessionUpdate) {
	turnID, messageID := t.turn.TurnID, t.turn.MessageID
	switch u.Status {
	case toolInProgress:
		t.emitter.ToolRunning(ctx, turnID, messageID, call)
	case toolCompleted, toolFailed:
		output := textOf(u.Content)
		if output == "" && len(u.RawOutput) > 0 {
			output = textOf(u.RawOutput)
		}
		t.mu.Lock()
		started, ok := t.started[call.ID]
		t.mu.Unlock()
		var elapsed time.Duration
		if ok {
			elapsed = time.Since(started)
		}
		t.emitter.ToolEnd(ctx, turnID, messageID, call, models.ToolResult{
			ToolCallID: call.ID,
			Content:    output,
			IsError:    u.Status == toolFailed,
		}, elapsed)
	}
}

func toolName(title, kind string) string {
	switch {
	case title != "":
		return title
	case kind != "":
		return kind
	}
	return "tool"
}

// HandleRequest serves the agent's permission and filesystem callbacks.
func (s *session) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case methodRequestPermission:
		return s.requestPermission(ctx, params)
	case methodReadTextFile:
		return s.readTextFile(params)
	case methodWriteTextFile:
		return s.writeTextFile(params)
	}
	return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method not found: %s", method)
}

func (s *session) requestPermission(ctx context.Context, params json.RawMessage) (any, error) {
	var p requestPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
	}
	cancelled := requestPermissionResult{Outcome: permissionOutcome{Outcome: "cancelled"}}

	t := s.current()
	if t == nil || t.turn.RequestPermission == nil {
		return cancelled, nil
	}
	call := models.ToolCall{
		ID:      p.ToolCall.ToolCallID,
		Name:    toolName(p.ToolCall.Title, p.ToolCall.Kind),
		Input:   p.ToolCall.RawInput,
		OwnerID: t.owner,
	}
	kind := p.ToolCall.Kind
	t.mu.Lock()
	if kind == "" {
		kind = t.kinds[call.ID]
	}
	if known, ok := t.calls[call.ID]; ok {
		if len(call.Input) == 0 {
			call.Input = known.Input
		}
		if p.ToolCall.Title == "" && p.ToolCall.Kind == "" {
			call.Name = known.Name
		}
	}
	t.mu.Unlock()

	// The turn's context ends the wait when the turn is cancelled.
	waitCtx, stop := context.WithCancel(t.ctx)
	defer stop()
	defer context.AfterFunc(ctx, stop)()

	granted, err := t.turn.RequestPermission(waitCtx, call, PermissionForKind(kind))
	if err != nil {
		s.logger.Debug("permission request abandoned", "tool_call_id", call.ID, "error", err)
		return cancelled, nil
	}
	option := pickOption(p.Options, granted)
	if option == "" {
		return cancelled, nil
	}
	return requestPermissionResult{Outcome: permissionOutcome{Outcome: "selected", OptionID: option}}, nil
}

// pickOption prefers one-time choices so the gate stays the only place
// that remembers grants.
func pickOption(options []PermissionOption, granted bool) string {
	preferred := []string{optionRejectOnce, optionRejectAlways}
	if granted {
		preferred = []string{optionAllowOnce, optionAllowAlways}
	}
	for _, kind := range preferred {
		for _, o := range options {
			if o.Kind == kind {
				return o.OptionID
			}
		}
	}
	return ""
}

func (s *session) readTextFile(params json.RawMessage) (any, error) {
	var p readTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
	}
	if s.resolver == nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "filesystem access is not enabled")
	}
	content, err := files.ReadText(*s.resolver, p.Path, p.Line, p.Limit)
	if err != nil {
		return nil, s.fsError("read", p.Path, err)
	}
	return readTextFileResult{Content: content}, nil
}

func (s *session) writeTextFile(params json.RawMessage) (any, error) {
	var p writeTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
	}
	if s.resolver == nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "filesystem access is not enabled")
	}
	if err := files.WriteText(*s.resolver, p.Path, p.Content); err != nil {
		return nil, s.fsError("write", p.Path, err)
	}
	return nil, nil
}

func (s *session) fsError(op, path string, err error) error {
	if errors.Is(err, files.ErrPathNotAllowed) {
		s.logger.Warn("rejected agent file access outside workspace", "op", op, "path", path)
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
	}
	return jsonrpc.NewError(jsonrpc.CodeInternalError, "%s %s: %v", op, path, err)
}
