package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ErrProcessExited indicates an external agent or tool process died.
var ErrProcessExited = errors.New("external process exited")

// ExternalAgent is a backend that runs its own agent loop in another
// process. It reports progress through the session's emitter and asks for
// permissions through ExternalTurn.RequestPermission.
type ExternalAgent interface {
	// Name identifies the backend; sessions whose provider matches it use
	// this agent.
	Name() string

	// RunTurn runs one prompt to completion. Cancelling ctx must stop the
	// remote turn; an error means the process failed.
	RunTurn(ctx context.Context, turn ExternalTurn) (*ExternalResult, error)

	// CloseSession releases everything the agent holds for a session.
	CloseSession(ctx context.Context, sessionID string) error
}

// ExternalTurn is one prompt handed to an external agent.
type ExternalTurn struct {
	Session   *SessionContext
	TurnID    string
	MessageID string
	Input     *models.Message

	// RequestPermission asks the session's gate and blocks until the
	// request is decided. The session shows waiting_permission meanwhile.
	RequestPermission func(ctx context.Context, call models.ToolCall, required models.PermissionType) (bool, error)
}

// ExternalResult is the end of an external turn.
type ExternalResult struct {
	Text       string
	StopReason string
	Cancelled  bool
	ToolCalls  int
}

func (r *turnRun) runExternal(ctx context.Context, input *models.Message) (models.Outcome, error) {
	r.phase = models.LoopPhaseStreaming
	r.messageID = input.ID + ":reply"

	res, err := r.o.external.RunTurn(ctx, ExternalTurn{
		Session:           r.s.ctx,
		TurnID:            r.turn.ID,
		MessageID:         r.messageID,
		Input:             input,
		RequestPermission: r.requestPermission,
	})
	if res != nil {
		r.text = res.Text
		r.toolCalls = res.ToolCalls
	}
	if r.cancelRequested(ctx) || (res != nil && res.Cancelled) {
		return models.OutcomeCancelled, nil
	}
	if err != nil {
		r.o.logger.ErrorContext(ctx, "external agent failed",
			"session_id", r.s.ctx.ID, "turn_id", r.turn.ID, "agent", r.o.external.Name(), "error", err)
		return models.OutcomeError, r.loopError(fmt.Errorf("%s: %w", r.o.external.Name(), err))
	}

	r.iteration++
	reply := &models.Message{
		ID:        r.messageID,
		SessionID: r.s.ctx.ID,
		TurnID:    r.turn.ID,
		Role:      models.RoleAssistant,
		Content:   res.Text,
		Metadata:  map[string]any{"backend": r.o.external.Name(), "stop_reason": res.StopReason},
	}
	if err := r.o.store.AppendMessage(ctx, r.s.ctx.ID, reply); err != nil {
		return models.OutcomeError, r.loopError(fmt.Errorf("append assistant message: %w", err))
	}
	return models.OutcomeCompleted, nil
}

func (r *turnRun) requestPermission(ctx context.Context, call models.ToolCall, required models.PermissionType) (bool, error) {
	if r.s.ctx.cancelled() {
		return false, context.Canceled
	}
	gate := r.s.ctx.gate
	waiting := gate.Evaluate(call, required) == VerdictPending
	if waiting {
		r.s.ctx.setStatus(ctx, models.StatusWaitingPermission)
		defer r.s.ctx.setStatus(context.WithoutCancel(ctx), models.StatusGenerating)
	}
	return gate.Request(ctx, r.turn.ID, call, required)
}
