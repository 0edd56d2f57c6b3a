package models

import (
	"time"
)

// SessionStatus is the coarse state of a session as seen by hosts.
type SessionStatus string

const (
	StatusIdle              SessionStatus = "idle"
	StatusGenerating        SessionStatus = "generating"
	StatusPaused            SessionStatus = "paused"
	StatusWaitingPermission SessionStatus = "waiting_permission"
	StatusError             SessionStatus = "error"
)

// Outcome is how a turn ended. Hosts use it to decide whether to offer a retry.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

// Session is the persisted header of a conversation.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// LoopPhase is where a persisted loop stopped.
type LoopPhase string

const (
	LoopPhaseBuildingContext    LoopPhase = "building_context"
	LoopPhaseStreaming          LoopPhase = "streaming"
	LoopPhasePermissionCheck    LoopPhase = "permission_check"
	LoopPhaseAwaitingPermission LoopPhase = "awaiting_permission"
	LoopPhaseExecutingTools     LoopPhase = "executing_tools"
	LoopPhaseFinalizing         LoopPhase = "finalizing"
	LoopPhaseCompleted          LoopPhase = "completed"
	LoopPhaseCancelled          LoopPhase = "cancelled"
	LoopPhaseError              LoopPhase = "error"
)

// Terminal reports whether the phase ends the turn.
func (p LoopPhase) Terminal() bool {
	return p == LoopPhaseCompleted || p == LoopPhaseCancelled || p == LoopPhaseError
}

// LoopState is the serializable state needed to resume a turn after a
// permission pause. TurnID, ToolCallCount and Cancelled are the core; the
// remaining fields carry the in-flight tool batch so a resumed turn does not
// ask the model again.
type LoopState struct {
	SessionID     string    `json:"session_id"`
	TurnID        string    `json:"turn_id"`
	ToolCallCount int       `json:"tool_call_count"`
	Cancelled     bool      `json:"cancelled"`
	LimitReached  bool      `json:"limit_reached,omitempty"`
	Phase         LoopPhase `json:"phase"`
	Iteration     int       `json:"iteration"`

	// MessageID is the assistant message that requested the pending calls.
	MessageID string `json:"message_id,omitempty"`

	// PendingCalls are the calls of the current batch in model order.
	PendingCalls []ToolCall `json:"pending_calls,omitempty"`

	// Permissions are the batch's requests, resolved or not.
	Permissions []PermissionRequest `json:"permissions,omitempty"`

	// Results are filled by position as calls complete.
	Results []*ToolResult `json:"results,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
