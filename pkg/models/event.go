// Package models provides domain types for the conductor agent loop.
package models

import (
	"time"
)

// Event is the normalized event delivered to hosts. Every backend-specific
// shape is translated into this before leaving the orchestrator.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence per session for ordering guarantees
type Event struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type EventType `json:"type"`

	// SessionID is always set.
	SessionID string `json:"sessionId"`

	// Sequence is monotonic within a session.
	Sequence uint64 `json:"seq"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	TurnID     string `json:"turnId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Session    *SessionEventPayload `json:"session,omitempty"`
	Delta      *DeltaEventPayload   `json:"delta,omitempty"`
	Block      *Block               `json:"block,omitempty"`
	End        *EndEventPayload     `json:"end,omitempty"`
	Tool       *ToolEventPayload    `json:"tool,omitempty"`
	Permission *PermissionRequest   `json:"permission,omitempty"`
	Status     *StatusEventPayload  `json:"status,omitempty"`
	Error      *ErrorEventPayload   `json:"error,omitempty"`
}

// EventType identifies the kind of event.
type EventType string

const (
	// Session lifecycle
	EventSessionCreated EventType = "session.created"
	EventSessionReady   EventType = "session.ready"
	EventSessionUpdated EventType = "session.updated"
	EventSessionClosed  EventType = "session.closed"

	// Message flow
	EventMessageDelta EventType = "message.delta"
	EventMessageBlock EventType = "message.block"
	EventMessageEnd   EventType = "message.end"

	// Tool lifecycle
	EventToolStart   EventType = "tool.start"
	EventToolRunning EventType = "tool.running"
	EventToolEnd     EventType = "tool.end"

	// Tool permission
	EventPermissionRequired EventType = "tool.permission.required"
	EventPermissionGranted  EventType = "tool.permission.granted"
	EventPermissionDenied   EventType = "tool.permission.denied"

	EventStatusChanged EventType = "status.changed"
	EventError         EventType = "error"
)

// AllEventTypes lists the full taxonomy in declaration order.
var AllEventTypes = []EventType{
	EventSessionCreated, EventSessionReady, EventSessionUpdated, EventSessionClosed,
	EventMessageDelta, EventMessageBlock, EventMessageEnd,
	EventToolStart, EventToolRunning, EventToolEnd,
	EventPermissionRequired, EventPermissionGranted, EventPermissionDenied,
	EventStatusChanged, EventError,
}

// SessionEventPayload describes session lifecycle changes.
type SessionEventPayload struct {
	AgentID  string `json:"agentId,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Title    string `json:"title,omitempty"`
}

// DeltaEventPayload is incremental model output.
type DeltaEventPayload struct {
	// Kind is content or reasoning.
	Kind BlockType `json:"kind"`
	Text string    `json:"text"`
}

// EndEventPayload closes a message and reports how the turn ended.
type EndEventPayload struct {
	Outcome      Outcome `json:"outcome"`
	Text         string  `json:"text,omitempty"`
	ToolCalls    int     `json:"toolCalls,omitempty"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
}

// ToolEventPayload describes a tool call at one lifecycle stage.
type ToolEventPayload struct {
	Name    string         `json:"name"`
	OwnerID string         `json:"ownerId,omitempty"`
	Stage   ToolEventStage `json:"stage"`
	// Input is the raw argument payload (start events).
	Input string `json:"input,omitempty"`
	// Output is the protected result content (end events).
	Output  string        `json:"output,omitempty"`
	IsError bool          `json:"isError,omitempty"`
	Ref     string        `json:"ref,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// StatusEventPayload reports a session status transition.
type StatusEventPayload struct {
	From SessionStatus `json:"from"`
	To   SessionStatus `json:"to"`
}

// ErrorEventPayload standardizes errors for hosts.
type ErrorEventPayload struct {
	// Message is the error description (required).
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Fatal is true when the session moved to the error state.
	Fatal bool `json:"fatal,omitempty"`

	// Retriable indicates if the host may offer a retry.
	Retriable bool `json:"retriable,omitempty"`

	// Err is the original error (runtime only, not serialized).
	// Used to preserve error types for errors.Is/errors.As.
	Err error `json:"-"`
}
