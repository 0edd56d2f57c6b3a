package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry of a session transcript.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	TurnID      string         `json:"turn_id,omitempty"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Blocks      []Block        `json:"blocks,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MetaContextEdge marks a message that must survive history truncation.
const MetaContextEdge = "context_edge"

// IsContextEdge reports whether the message is pinned against truncation.
func (m *Message) IsContextEdge() bool {
	if m == nil || m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[MetaContextEdge].(bool)
	return ok && v
}

// HasImages reports whether any attachment is an image.
func (m *Message) HasImages() bool {
	for _, a := range m.Attachments {
		if a.Type == AttachmentImage {
			return true
		}
	}
	return false
}

// Attachment types.
const (
	AttachmentImage    = "image"
	AttachmentDocument = "document"
)

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents the model's request to execute a tool.
// Input is the raw structured-text argument payload as produced by the model;
// it is not guaranteed to be valid JSON.
type ToolCall struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	OwnerID string          `json:"owner_id,omitempty"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	// Ref points at the offloaded full output when Content is only a preview.
	Ref string `json:"ref,omitempty"`
}

// BlockType enumerates the typed pieces of a turn's output.
type BlockType string

const (
	BlockContent    BlockType = "content"
	BlockReasoning  BlockType = "reasoning"
	BlockToolCall   BlockType = "tool_call"
	BlockPermission BlockType = "permission"
	BlockError      BlockType = "error"
	BlockPlan       BlockType = "plan"
)

// Block is one typed element of an assistant turn.
type Block struct {
	ID         string      `json:"id"`
	Type       BlockType   `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	// Fatal is false for blocks that annotate a turn without failing it,
	// such as the max-tool-calls notice.
	Fatal bool           `json:"fatal,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}
