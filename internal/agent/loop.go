package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	agentctx "github.com/haasonsaas/conductor/internal/agent/context"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// outcomePaused marks a run that handed the session back to wait for
// permission decisions. It is never reported to hosts.
const outcomePaused models.Outcome = "paused"

// turnRun drives one segment of a turn: from submission or resumption until
// the turn ends or pauses again.
//
// The loop operates as a state machine:
//
//	building_context ──▶ streaming ──▶ (no calls) ──▶ completed
//	       ▲                 │
//	       │                 ▼
//	executing_tools ◀── permission_check ──▶ awaiting_permission (paused)
//
// Cancellation is checked at the top of every iteration and before any tool
// is dispatched.
type turnRun struct {
	o    *Orchestrator
	s    *session
	turn *Turn

	phase        models.LoopPhase
	iteration    int
	toolCalls    int
	messageID    string
	text         string
	inputTokens  int
	outputTokens int
}

func (o *Orchestrator) newRun(s *session, turn *Turn, toolCalls, iteration int) *turnRun {
	return &turnRun{
		o:         o,
		s:         s,
		turn:      turn,
		phase:     models.LoopPhaseBuildingContext,
		iteration: iteration,
		toolCalls: toolCalls,
	}
}

func (r *turnRun) traceContext(ctx context.Context) (context.Context, func()) {
	ctx = observability.AddSessionID(ctx, r.s.ctx.ID)
	ctx = observability.AddTurnID(ctx, r.turn.ID)
	ctx, span := r.o.tracer.TraceTurn(ctx, r.s.ctx.ID, r.turn.ID, r.o.backendName(r.s))
	return ctx, func() { span.End() }
}

// start runs a new turn from its user message.
func (r *turnRun) start(ctx context.Context, input *models.Message) {
	ctx, end := r.traceContext(ctx)
	defer end()

	r.s.ctx.setStatus(ctx, models.StatusGenerating)
	if err := r.o.store.AppendMessage(ctx, r.s.ctx.ID, input); err != nil {
		r.finish(ctx, models.OutcomeError, r.loopError(fmt.Errorf("append user message: %w", err)))
		return
	}
	if r.s.external {
		outcome, err := r.runExternal(ctx, input)
		r.finish(ctx, outcome, err)
		return
	}
	outcome, err := r.loop(ctx)
	r.finish(ctx, outcome, err)
}

// resume continues a turn whose permission batch was settled or whose
// cancellation was requested while it waited.
func (r *turnRun) resume(ctx context.Context, state *models.LoopState) {
	ctx, end := r.traceContext(ctx)
	defer end()

	r.messageID = state.MessageID
	if _, current, err := r.loadTranscript(ctx); err == nil {
		r.text = lastAssistantText(current)
	}

	if r.cancelRequested(ctx) {
		if err := r.abandonBatch(ctx, state); err != nil {
			r.finish(ctx, models.OutcomeError, err)
			return
		}
		r.finish(ctx, models.OutcomeCancelled, nil)
		return
	}

	// A session reopened after a restart has not listed its tools yet.
	if len(r.s.registry.Definitions()) == 0 {
		r.s.registry.Refresh(ctx, r.s.ctx.Config.ToolFilter())
	}

	r.s.ctx.setStatus(ctx, models.StatusGenerating)
	outcome, err := r.finishBatch(ctx, state)
	if err == nil && outcome == "" {
		outcome, err = r.loop(ctx)
	}
	r.finish(ctx, outcome, err)
}

func (r *turnRun) cancelRequested(ctx context.Context) bool {
	return ctx.Err() != nil || r.s.ctx.cancelled()
}

func (r *turnRun) loopError(cause error) *LoopError {
	return &LoopError{Phase: r.phase, Iteration: r.iteration, Cause: cause}
}

// loop iterates until the turn ends or pauses. An empty outcome never
// leaves it.
func (r *turnRun) loop(ctx context.Context) (models.Outcome, error) {
	cfg := r.o.config
	for {
		if r.cancelRequested(ctx) {
			return models.OutcomeCancelled, nil
		}
		if r.iteration >= cfg.MaxIterations {
			r.o.logger.WarnContext(ctx, "turn hit iteration ceiling",
				"session_id", r.s.ctx.ID, "turn_id", r.turn.ID, "iterations", r.iteration)
			r.limitBlock(ctx, fmt.Sprintf("maximum iterations reached (%d)", cfg.MaxIterations))
			return models.OutcomeCompleted, nil
		}

		r.phase = models.LoopPhaseBuildingContext
		prior, current, err := r.loadTranscript(ctx)
		if err != nil {
			return models.OutcomeError, r.loopError(err)
		}
		built := r.o.builder.Build(ctx, r.contextInput(prior, current))
		if built.Stage != agentctx.StageNone {
			r.o.metrics.RecordContextTruncation(string(built.Stage))
		}

		r.phase = models.LoopPhaseStreaming
		msg, err := r.stream(ctx, built)
		if err != nil {
			if r.cancelRequested(ctx) {
				r.persistPartial(ctx, msg)
				return models.OutcomeCancelled, nil
			}
			r.o.logger.ErrorContext(ctx, "model stream failed",
				"session_id", r.s.ctx.ID, "turn_id", r.turn.ID, "iteration", r.iteration, "error", err)
			return models.OutcomeError, r.loopError(err)
		}
		if err := r.o.store.AppendMessage(ctx, r.s.ctx.ID, msg); err != nil {
			return models.OutcomeError, r.loopError(fmt.Errorf("append assistant message: %w", err))
		}
		r.iteration++
		if msg.Content != "" {
			r.text = msg.Content
		}

		if len(msg.ToolCalls) == 0 {
			r.phase = models.LoopPhaseFinalizing
			return models.OutcomeCompleted, nil
		}

		outcome, err := r.toolStep(ctx, msg)
		if err != nil || outcome != "" {
			return outcome, err
		}
	}
}

func (r *turnRun) contextInput(prior, current []*models.Message) agentctx.Input {
	cfg := r.s.ctx.Config
	in := agentctx.Input{
		System:  cfg.System,
		History: prior,
		Turn:    current,
		Vision:  cfg.Vision,
	}
	if cfg.FunctionCalling {
		filter := cfg.ToolFilter()
		in.Catalog = agentctx.CatalogFunc(func(ctx context.Context) []models.ToolDefinition {
			return r.s.registry.Refresh(ctx, filter)
		})
	}
	return in
}

// loadTranscript splits stored history into what came before this turn and
// the turn itself.
func (r *turnRun) loadTranscript(ctx context.Context) (prior, current []*models.Message, err error) {
	history, err := r.o.store.LoadHistory(ctx, r.s.ctx.ID, r.o.config.HistoryLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}
	for i, msg := range history {
		if msg.TurnID == r.turn.ID {
			return history[:i], history[i:], nil
		}
	}
	return history, nil, nil
}

func lastAssistantText(msgs []*models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

// stream runs one model request. The returned message holds whatever was
// produced, even on error.
func (r *turnRun) stream(ctx context.Context, built *agentctx.Result) (*models.Message, error) {
	cfg := r.s.ctx.Config
	emitter := r.s.ctx.emitter
	provider := r.o.provider

	req := &CompletionRequest{
		Model:     cfg.Model,
		System:    built.System,
		Messages:  completionMessages(built.Messages),
		MaxTokens: cfg.MaxTokens,
	}
	if cfg.FunctionCalling {
		req.Tools = built.Tools
	}
	if cfg.ThinkingBudget > 0 {
		req.EnableThinking = true
		req.ThinkingBudgetTokens = cfg.ThinkingBudget
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: r.s.ctx.ID,
		TurnID:    r.turn.ID,
		Role:      models.RoleAssistant,
		Metadata:  map[string]any{"model": cfg.Model, "provider": provider.Name()},
	}
	r.messageID = msg.ID

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	streamCtx, span := r.o.tracer.TraceLLMRequest(streamCtx, provider.Name(), cfg.Model)
	defer span.End()

	var (
		text, reasoning strings.Builder
		callBlocks      []models.Block
		inTokens        int
		outTokens       int
		status          = "success"
		started         = time.Now()
	)
	defer func() {
		r.o.metrics.RecordLLMRequest(provider.Name(), cfg.Model, status, time.Since(started).Seconds(), inTokens, outTokens)
		r.inputTokens += inTokens
		r.outputTokens += outTokens
	}()
	seal := func() {
		msg.Content = text.String()
		msg.Blocks = msg.Blocks[:0]
		if reasoning.Len() > 0 {
			msg.Blocks = append(msg.Blocks, models.Block{ID: uuid.NewString(), Type: models.BlockReasoning, Text: reasoning.String()})
		}
		if text.Len() > 0 {
			msg.Blocks = append(msg.Blocks, models.Block{ID: uuid.NewString(), Type: models.BlockContent, Text: text.String()})
		}
		msg.Blocks = append(msg.Blocks, callBlocks...)
	}
	fail := func(err error) (*models.Message, error) {
		seal()
		r.o.tracer.RecordError(span, err)
		return msg, err
	}

	chunks, err := provider.OpenStream(streamCtx, req)
	if err != nil {
		status = "error"
		return fail(fmt.Errorf("open stream: %w", err))
	}

	idleTimeout := r.o.config.StreamIdleTimeout
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

recv:
	for {
		select {
		case <-ctx.Done():
			status = "cancelled"
			return fail(ctx.Err())
		case <-idle.C:
			status = "timeout"
			return fail(fmt.Errorf("%w after %s", ErrStreamIdle, idleTimeout))
		case chunk, ok := <-chunks:
			if !ok {
				break recv
			}
			idle.Reset(idleTimeout)
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				status = "error"
				return fail(chunk.Error)
			}
			if chunk.Thinking != "" {
				reasoning.WriteString(chunk.Thinking)
				emitter.MessageDelta(ctx, r.turn.ID, msg.ID, models.BlockReasoning, chunk.Thinking)
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				emitter.MessageDelta(ctx, r.turn.ID, msg.ID, models.BlockContent, chunk.Text)
			}
			if chunk.ToolCall != nil {
				call := *chunk.ToolCall
				if call.ID == "" {
					call.ID = uuid.NewString()
				}
				call = r.s.router.Resolve(call)
				msg.ToolCalls = append(msg.ToolCalls, call)
				block := models.Block{ID: call.ID, Type: models.BlockToolCall, ToolCall: &call}
				callBlocks = append(callBlocks, block)
				emitter.MessageBlock(ctx, r.turn.ID, msg.ID, block)
				emitter.ToolStart(ctx, r.turn.ID, msg.ID, call)
			}
			inTokens += chunk.InputTokens
			outTokens += chunk.OutputTokens
			if chunk.Done {
				break recv
			}
		}
	}

	if err := ctx.Err(); err != nil {
		status = "cancelled"
		return fail(err)
	}
	seal()
	for _, block := range msg.Blocks {
		if block.Type == models.BlockReasoning || block.Type == models.BlockContent {
			emitter.MessageBlock(ctx, r.turn.ID, msg.ID, block)
		}
	}
	return msg, nil
}

// persistPartial keeps text streamed before a cancellation. Tool calls are
// dropped since they never ran.
func (r *turnRun) persistPartial(ctx context.Context, msg *models.Message) {
	if msg == nil || msg.Content == "" {
		return
	}
	partial := *msg
	partial.ToolCalls = nil
	partial.Blocks = nil
	partial.Metadata = map[string]any{"partial": true}
	if err := r.o.store.AppendMessage(context.WithoutCancel(ctx), r.s.ctx.ID, &partial); err != nil {
		r.o.logger.WarnContext(ctx, "failed to persist partial reply", "session_id", r.s.ctx.ID, "error", err)
	}
	r.text = partial.Content
}

// toolStep checks permissions for the calls of msg and runs what it can.
// It returns an empty outcome to keep looping.
func (r *turnRun) toolStep(ctx context.Context, msg *models.Message) (models.Outcome, error) {
	r.phase = models.LoopPhasePermissionCheck
	gate := r.s.ctx.gate

	calls := msg.ToolCalls
	state := &models.LoopState{
		SessionID:    r.s.ctx.ID,
		TurnID:       r.turn.ID,
		Iteration:    r.iteration,
		MessageID:    msg.ID,
		PendingCalls: calls,
		Results:      make([]*models.ToolResult, len(calls)),
	}

	allowed := max(r.o.config.MaxToolCalls-r.toolCalls, 0)
	run := calls
	if len(calls) > allowed {
		state.LimitReached = true
		run = calls[:allowed]
		for i := allowed; i < len(calls); i++ {
			result := errorResult(NewToolError(calls[i].Name, ErrMaxToolCalls).
				WithToolCallID(calls[i].ID).
				WithMessage("maximum tool calls reached; call not executed"))
			state.Results[i] = &result
		}
	}
	r.toolCalls += len(run)
	state.ToolCallCount = r.toolCalls
	r.s.ctx.updateRuntime(func(rt *SessionRuntime) { rt.ToolCallCount = r.toolCalls })

	checks := make([]PermissionCheck, len(run))
	for i, call := range run {
		checks[i] = PermissionCheck{Call: call, Required: r.s.router.Required(call)}
	}
	pending := false
	for _, verdict := range gate.PreCheck(ctx, r.turn.ID, checks) {
		if verdict == VerdictPending {
			pending = true
		}
	}

	if pending {
		state.Phase = models.LoopPhaseAwaitingPermission
		state.Permissions = gate.Snapshot()
		state.UpdatedAt = time.Now()
		if err := r.o.store.SaveLoopState(ctx, state); err != nil {
			return models.OutcomeError, r.loopError(fmt.Errorf("save loop state: %w", err))
		}
		if r.s.ctx.pause(ctx, gate.Settled, gate.Pending()) {
			r.phase = models.LoopPhaseAwaitingPermission
			return outcomePaused, nil
		}
	}
	return r.finishBatch(ctx, state)
}

// finishBatch runs the granted calls of a settled batch and records every
// result in call order.
func (r *turnRun) finishBatch(ctx context.Context, state *models.LoopState) (models.Outcome, error) {
	r.phase = models.LoopPhaseExecutingTools
	emitter := r.s.ctx.emitter
	gate := r.s.ctx.gate

	var run []models.ToolCall
	var index []int
	var crashed error
	for i, call := range state.PendingCalls {
		if state.Results[i] != nil {
			emitter.ToolEnd(ctx, r.turn.ID, state.MessageID, call, *state.Results[i], 0)
			continue
		}
		if gate.Verdict(call.ID) != VerdictGranted {
			result := errorResult(NewToolError(call.Name, ErrPermissionDenied).
				WithToolCallID(call.ID).
				WithMessage("permission denied by user or policy"))
			state.Results[i] = &result
			emitter.ToolEnd(ctx, r.turn.ID, state.MessageID, call, result, 0)
			continue
		}
		run = append(run, call)
		index = append(index, i)
	}

	if len(run) > 0 {
		outcomes := r.s.executor.ExecuteBatch(ctx, r.s.ctx.ID, run, BatchHooks{
			OnDispatch: func(call models.ToolCall) {
				emitter.ToolRunning(ctx, r.turn.ID, state.MessageID, call)
			},
			OnComplete: func(_ int, outcome *ToolOutcome) {
				emitter.ToolEnd(ctx, r.turn.ID, state.MessageID, outcome.Call, outcome.Result(), outcome.Duration)
			},
		})
		for k, outcome := range outcomes {
			result := outcome.Result()
			state.Results[index[k]] = &result
			if crashed == nil && errors.Is(outcome.Err, ErrProcessExited) {
				crashed = outcome.Err
			}
		}
	}

	if err := r.commitBatch(ctx, state); err != nil {
		return models.OutcomeError, err
	}
	if crashed != nil {
		return models.OutcomeError, r.loopError(crashed)
	}
	if state.LimitReached {
		r.o.logger.WarnContext(ctx, "turn hit tool call ceiling",
			"session_id", r.s.ctx.ID, "turn_id", r.turn.ID, "tool_calls", r.toolCalls)
		r.limitBlock(ctx, ErrMaxToolCalls.Error())
		return models.OutcomeCompleted, nil
	}
	return "", nil
}

// abandonBatch resolves the unfinished calls of a paused batch as cancelled.
func (r *turnRun) abandonBatch(ctx context.Context, state *models.LoopState) error {
	for i, call := range state.PendingCalls {
		if state.Results[i] != nil {
			continue
		}
		result := errorResult(NewToolError(call.Name, context.Canceled).
			WithType(ToolErrorCancelled).
			WithToolCallID(call.ID).
			WithMessage("turn cancelled before the call ran"))
		state.Results[i] = &result
		r.s.ctx.emitter.ToolEnd(ctx, r.turn.ID, state.MessageID, call, result, 0)
	}
	return r.commitBatch(ctx, state)
}

// commitBatch appends the batch's tool message and drops the persisted
// loop state.
func (r *turnRun) commitBatch(ctx context.Context, state *models.LoopState) error {
	results := make([]models.ToolResult, len(state.Results))
	for i, result := range state.Results {
		results[i] = *result
	}
	// Results are stored even when the turn is being cancelled.
	storeCtx := context.WithoutCancel(ctx)
	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   r.s.ctx.ID,
		TurnID:      r.turn.ID,
		Role:        models.RoleTool,
		ToolResults: results,
	}
	if err := r.o.store.AppendMessage(storeCtx, r.s.ctx.ID, msg); err != nil {
		return r.loopError(fmt.Errorf("append tool results: %w", err))
	}
	if err := r.o.store.DeleteLoopState(storeCtx, r.s.ctx.ID); err != nil {
		r.o.logger.WarnContext(ctx, "failed to drop loop state", "session_id", r.s.ctx.ID, "error", err)
	}
	r.s.ctx.updateRuntime(func(rt *SessionRuntime) { rt.Pending = nil })
	return nil
}

func (r *turnRun) limitBlock(ctx context.Context, text string) {
	r.s.ctx.emitter.MessageBlock(ctx, r.turn.ID, r.messageID, models.Block{
		ID:   uuid.NewString(),
		Type: models.BlockError,
		Text: text,
	})
}

// finish reports the turn's outcome and hands the session back. A paused
// run only drops its lock; the session was released by the pause.
func (r *turnRun) finish(ctx context.Context, outcome models.Outcome, err error) {
	defer r.o.unlock(r.s.ctx.ID)
	if outcome == outcomePaused {
		r.o.logger.InfoContext(ctx, "turn waiting for permission",
			"session_id", r.s.ctx.ID, "turn_id", r.turn.ID, "pending", len(r.s.ctx.gate.Pending()))
		return
	}

	sc := r.s.ctx
	if delErr := r.o.store.DeleteLoopState(context.WithoutCancel(ctx), sc.ID); delErr != nil {
		r.o.logger.WarnContext(ctx, "failed to drop loop state", "session_id", sc.ID, "error", delErr)
	}
	sc.gate.Reset()

	result := TurnResult{
		Outcome:      outcome,
		Text:         r.text,
		ToolCalls:    r.toolCalls,
		InputTokens:  r.inputTokens,
		OutputTokens: r.outputTokens,
	}
	end := models.EndEventPayload{
		Outcome:      outcome,
		Text:         r.text,
		ToolCalls:    r.toolCalls,
		InputTokens:  r.inputTokens,
		OutputTokens: r.outputTokens,
	}
	// Events of a finishing turn must reach the host even after Cancel.
	emitCtx := context.WithoutCancel(ctx)

	next := models.StatusIdle
	if outcome == models.OutcomeError {
		if err == nil {
			err = errors.New("turn failed")
		}
		var loopErr *LoopError
		if !errors.As(err, &loopErr) {
			err = r.loopError(err)
		}
		result.Err = err
		next = models.StatusError
		sc.emitter.Error(emitCtx, r.turn.ID, err, true)
		r.o.metrics.RecordError("loop", string(r.phase))
	}
	sc.emitter.MessageEnd(emitCtx, r.turn.ID, r.messageID, end)
	sc.setStatus(emitCtx, next)

	elapsed := time.Since(r.turn.started)
	r.o.metrics.RecordTurn(r.o.backendName(r.s), string(outcome), elapsed.Seconds())
	attrs := []any{
		"session_id", sc.ID,
		"turn_id", r.turn.ID,
		"outcome", outcome,
		"iterations", r.iteration,
		"tool_calls", r.toolCalls,
		"duration", elapsed,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	r.o.logger.InfoContext(ctx, "turn finished", attrs...)

	sc.release()
	r.turn.finish(result)
}

func errorResult(err *ToolError) models.ToolResult {
	return models.ToolResult{ToolCallID: err.ToolCallID, Content: err.Error(), IsError: true}
}

func completionMessages(msgs []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out
}
