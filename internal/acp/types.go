// Package acp runs an Agent Client Protocol agent as a child process and
// drives it as an external agent backend.
package acp

import (
	"encoding/json"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ProtocolVersion is the ACP major version announced during initialize.
const ProtocolVersion = 1

// Methods the client calls.
const (
	methodInitialize    = "initialize"
	methodSessionNew    = "session/new"
	methodSessionPrompt = "session/prompt"
	methodSessionCancel = "session/cancel"
)

// Methods the agent calls back.
const (
	methodSessionUpdate     = "session/update"
	methodRequestPermission = "session/request_permission"
	methodReadTextFile      = "fs/read_text_file"
	methodWriteTextFile     = "fs/write_text_file"
)

// Stop reasons reported by session/prompt.
const (
	StopEndTurn         = "end_turn"
	StopMaxTokens       = "max_tokens"
	StopMaxTurnRequests = "max_turn_requests"
	StopRefusal         = "refusal"
	StopCancelled       = "cancelled"
)

type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
}

type clientCapabilities struct {
	FS fsCapabilities `json:"fs"`
}

type fsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type initializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one piece of prompt or update content.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

type sessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    sessionUpdate `json:"update"`
}

// Session update kinds.
const (
	updateAgentMessage   = "agent_message_chunk"
	updateAgentThought   = "agent_thought_chunk"
	updateToolCall       = "tool_call"
	updateToolCallUpdate = "tool_call_update"
	updatePlan           = "plan"
)

type sessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	// agent_message_chunk, agent_thought_chunk
	Content json.RawMessage `json:"content,omitempty"`

	// tool_call, tool_call_update
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`

	// plan
	Entries []PlanEntry `json:"entries,omitempty"`
}

// PlanEntry is one step of an agent's plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Tool call statuses.
const (
	toolPending    = "pending"
	toolInProgress = "in_progress"
	toolCompleted  = "completed"
	toolFailed     = "failed"
)

type toolCallRef struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionOption is a choice the agent offers for a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// Permission option kinds.
const (
	optionAllowOnce    = "allow_once"
	optionAllowAlways  = "allow_always"
	optionRejectOnce   = "reject_once"
	optionRejectAlways = "reject_always"
)

type requestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  toolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type requestPermissionResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

type readTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type readTextFileResult struct {
	Content string `json:"content"`
}

type writeTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// PermissionForKind maps an ACP tool kind to the permission it requires.
// Unknown kinds require everything.
func PermissionForKind(kind string) models.PermissionType {
	switch kind {
	case "read", "search", "fetch", "think":
		return models.PermissionRead
	case "edit", "delete", "move":
		return models.PermissionWrite
	case "execute":
		return models.PermissionCommand
	default:
		return models.PermissionAll
	}
}

// textOf extracts the text of a content block or a list of tool call
// content entries.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var block ContentBlock
	if err := json.Unmarshal(raw, &block); err == nil && block.Type != "" {
		return blockText(block)
	}
	var entries []struct {
		Type    string       `json:"type"`
		Content ContentBlock `json:"content"`
		Path    string       `json:"path"`
		NewText string       `json:"newText"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return string(raw)
	}
	var out string
	for _, e := range entries {
		var part string
		switch e.Type {
		case "content":
			part = blockText(e.Content)
		case "diff":
			part = "[diff " + e.Path + "]"
		}
		if part == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part
	}
	return out
}

func blockText(b ContentBlock) string {
	switch b.Type {
	case "text":
		return b.Text
	case "image", "audio":
		return "[" + b.Type + " " + b.MimeType + "]"
	case "resource_link", "resource":
		return "[resource " + b.URI + "]"
	}
	return b.Text
}
