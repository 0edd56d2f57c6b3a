package models

import "encoding/json"

// ToolSource identifies where a tool definition came from.
type ToolSource string

const (
	ToolSourceExternal ToolSource = "external-server"
	ToolSourceBuiltin  ToolSource = "builtin"
	ToolSourceBackend  ToolSource = "backend-declared"
)

// ToolDefinition describes a tool offered to the model for one turn.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"parameters"`
	Source      ToolSource      `json:"source"`
	OwnerID     string          `json:"owner_id"`

	// Permissions lists what a call to this tool requires. Empty means the
	// tool needs no approval at all.
	Permissions []PermissionType `json:"permissions,omitempty"`

	// ReadOnly tools have no side effects and may run concurrently.
	ReadOnly bool `json:"read_only,omitempty"`

	// RequiresVision tools are hidden from models without image input.
	RequiresVision bool `json:"requires_vision,omitempty"`
}

// ToolEventStage describes the lifecycle stage of a tool invocation.
type ToolEventStage string

const (
	ToolStageStart   ToolEventStage = "start"
	ToolStageRunning ToolEventStage = "running"
	ToolStageEnd     ToolEventStage = "end"
)
