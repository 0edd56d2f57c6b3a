package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// EventEmitter stamps and dispatches the normalized events of one session.
// Every event gets the session id, a monotonic sequence number and a
// timestamp. Emission is serialized so sinks observe events in sequence
// order even when tool calls finish concurrently.
type EventEmitter struct {
	sessionID string
	sink      EventSink

	mu       sync.Mutex
	sequence uint64
	now      func() time.Time
}

// NewEventEmitter creates an emitter for a session. A nil sink discards.
func NewEventEmitter(sessionID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{
		sessionID: sessionID,
		sink:      sink,
		now:       time.Now,
	}
}

// SessionID returns the session this emitter stamps.
func (e *EventEmitter) SessionID() string { return e.sessionID }

// Sequence returns the last sequence number handed out.
func (e *EventEmitter) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// Emit stamps and dispatches a prepared event and returns the stamped copy.
// Backend translators use it directly; loop stages use the typed helpers.
func (e *EventEmitter) Emit(ctx context.Context, event models.Event) models.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence++
	event.Version = 1
	event.SessionID = e.sessionID
	event.Sequence = e.sequence
	if event.Time.IsZero() {
		event.Time = e.now()
	}
	e.sink.Emit(ctx, event)
	return event
}

// SessionCreated emits session.created.
func (e *EventEmitter) SessionCreated(ctx context.Context, payload models.SessionEventPayload) models.Event {
	return e.Emit(ctx, models.Event{Type: models.EventSessionCreated, Session: &payload})
}

// SessionReady emits session.ready.
func (e *EventEmitter) SessionReady(ctx context.Context, payload models.SessionEventPayload) models.Event {
	return e.Emit(ctx, models.Event{Type: models.EventSessionReady, Session: &payload})
}

// SessionUpdated emits session.updated.
func (e *EventEmitter) SessionUpdated(ctx context.Context, payload models.SessionEventPayload) models.Event {
	return e.Emit(ctx, models.Event{Type: models.EventSessionUpdated, Session: &payload})
}

// SessionClosed emits session.closed.
func (e *EventEmitter) SessionClosed(ctx context.Context) models.Event {
	return e.Emit(ctx, models.Event{Type: models.EventSessionClosed, Session: &models.SessionEventPayload{}})
}

// MessageDelta emits incremental content or reasoning text.
func (e *EventEmitter) MessageDelta(ctx context.Context, turnID, messageID string, kind models.BlockType, text string) models.Event {
	return e.Emit(ctx, models.Event{
		Type:      models.EventMessageDelta,
		TurnID:    turnID,
		MessageID: messageID,
		Delta:     &models.DeltaEventPayload{Kind: kind, Text: text},
	})
}

// MessageBlock emits a completed block of the current message.
func (e *EventEmitter) MessageBlock(ctx context.Context, turnID, messageID string, block models.Block) models.Event {
	event := models.Event{
		Type:      models.EventMessageBlock,
		TurnID:    turnID,
		MessageID: messageID,
		Block:     &block,
	}
	if block.ToolCall != nil {
		event.ToolCallID = block.ToolCall.ID
	}
	return e.Emit(ctx, event)
}

// MessageEnd closes a message and reports the turn outcome.
func (e *EventEmitter) MessageEnd(ctx context.Context, turnID, messageID string, end models.EndEventPayload) models.Event {
	return e.Emit(ctx, models.Event{
		Type:      models.EventMessageEnd,
		TurnID:    turnID,
		MessageID: messageID,
		End:       &end,
	})
}

// ToolStart emits tool.start when a call is detected in the model output.
func (e *EventEmitter) ToolStart(ctx context.Context, turnID, messageID string, call models.ToolCall) models.Event {
	return e.Emit(ctx, models.Event{
		Type:       models.EventToolStart,
		TurnID:     turnID,
		MessageID:  messageID,
		ToolCallID: call.ID,
		Tool: &models.ToolEventPayload{
			Name:    call.Name,
			OwnerID: call.OwnerID,
			Stage:   models.ToolStageStart,
			Input:   string(call.Input),
		},
	})
}

// ToolRunning emits tool.running when a call is dispatched.
func (e *EventEmitter) ToolRunning(ctx context.Context, turnID, messageID string, call models.ToolCall) models.Event {
	return e.Emit(ctx, models.Event{
		Type:       models.EventToolRunning,
		TurnID:     turnID,
		MessageID:  messageID,
		ToolCallID: call.ID,
		Tool: &models.ToolEventPayload{
			Name:    call.Name,
			OwnerID: call.OwnerID,
			Stage:   models.ToolStageRunning,
		},
	})
}

// ToolEnd emits tool.end with the protected result.
func (e *EventEmitter) ToolEnd(ctx context.Context, turnID, messageID string, call models.ToolCall, result models.ToolResult, elapsed time.Duration) models.Event {
	return e.Emit(ctx, models.Event{
		Type:       models.EventToolEnd,
		TurnID:     turnID,
		MessageID:  messageID,
		ToolCallID: call.ID,
		Tool: &models.ToolEventPayload{
			Name:    call.Name,
			OwnerID: call.OwnerID,
			Stage:   models.ToolStageEnd,
			Output:  result.Content,
			IsError: result.IsError,
			Ref:     result.Ref,
			Elapsed: elapsed,
		},
	})
}

// Permission emits required, granted or denied for a request depending on
// its status.
func (e *EventEmitter) Permission(ctx context.Context, req models.PermissionRequest) models.Event {
	eventType := models.EventPermissionRequired
	switch req.Status {
	case models.PermissionGranted:
		eventType = models.EventPermissionGranted
	case models.PermissionDenied:
		eventType = models.EventPermissionDenied
	}
	return e.Emit(ctx, models.Event{
		Type:       eventType,
		TurnID:     req.TurnID,
		ToolCallID: req.ToolCallID,
		Permission: &req,
	})
}

// StatusChanged emits status.changed.
func (e *EventEmitter) StatusChanged(ctx context.Context, from, to models.SessionStatus) models.Event {
	return e.Emit(ctx, models.Event{
		Type:   models.EventStatusChanged,
		Status: &models.StatusEventPayload{From: from, To: to},
	})
}

// Error emits an error event. Fatal marks errors that moved the session to
// the error state.
func (e *EventEmitter) Error(ctx context.Context, turnID string, err error, fatal bool) models.Event {
	payload := &models.ErrorEventPayload{
		Message: err.Error(),
		Fatal:   fatal,
		Err:     err,
		Code:    errorCode(err),
	}
	// Provider and process failures are for the host to retry.
	payload.Retriable = fatal
	var hint interface{ Retryable() bool }
	if errors.As(err, &hint) {
		payload.Retriable = fatal && hint.Retryable()
	}
	return e.Emit(ctx, models.Event{
		Type:   models.EventError,
		TurnID: turnID,
		Error:  payload,
	})
}

func errorCode(err error) string {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	var loopErr *LoopError
	if errors.As(err, &loopErr) {
		return "loop." + string(loopErr.Phase)
	}
	if toolErr, ok := GetToolError(err); ok {
		return "tool." + string(toolErr.Type)
	}
	return ""
}

// MarshalEventLine encodes an event as one JSON line.
func MarshalEventLine(event models.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
