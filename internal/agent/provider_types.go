package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conductor/pkg/models"
)

// LLMProvider defines the interface for native model backends.
//
// Implementations handle the specifics of one provider API (Anthropic, OpenAI,
// Gemini) while presenting a unified streaming interface to the loop. No
// provider-native shape may leave the implementation.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple sessions may call
// OpenStream simultaneously.
//
// See Also:
//   - providers.AnthropicProvider
//   - providers.OpenAIProvider
//   - providers.GoogleProvider
type LLMProvider interface {
	// OpenStream sends the request and returns a streaming response. The
	// channel is closed after a chunk with Done or Error set. Cancelling ctx
	// must abort the underlying request.
	OpenStream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for a model completion request.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:     "claude-sonnet-4-20250514",
//	    System:    "You are a helpful coding assistant.",
//	    Messages:  []CompletionMessage{
//	        {Role: "user", Content: "Write a hello world in Go"},
//	    },
//	    MaxTokens: 1024,
//	}
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider default is used.
	Model string `json:"model"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools are the definitions offered for this turn.
	Tools []models.ToolDefinition `json:"tools,omitempty"`

	// MaxTokens limits the response length. 0 means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking enables extended reasoning on models that support it.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens sets the reasoning token budget.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool"
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming model response.
//
// Each chunk may contain partial text, partial reasoning, one complete tool
// call, a Done signal with token usage, or an Error that terminates the stream.
type CompletionChunk struct {
	// Text contains partial response text
	Text string `json:"text,omitempty"`

	// Thinking contains partial reasoning text
	Thinking string `json:"thinking,omitempty"`

	// ToolCall contains a complete tool execution request. Input is the raw
	// argument text exactly as the model produced it.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred (streaming is terminated)
	Error error `json:"-"`

	// Token usage, only populated on the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is an in-process tool handler. Builtin filesystem and browser tools
// implement it.
type Tool interface {
	// Name returns the tool name for function calling.
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with validated JSON parameters.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// PermissionedTool is implemented by tools that need approval before running.
// Tools that do not implement it are treated as requiring read.
type PermissionedTool interface {
	Permissions() []models.PermissionType
}

// ReadOnlyTool is implemented by tools with no side effects.
type ReadOnlyTool interface {
	ReadOnly() bool
}

// VisionTool is implemented by tools that only make sense for vision models.
type VisionTool interface {
	RequiresVision() bool
}

// TreeOutput is implemented by results that carry a hierarchical payload.
// The router renders it with a depth cap before applying text limits.
type TreeOutput interface {
	Tree() *TreeNode
}

// ToolResult contains the output from a tool execution.
//
// Errors are also communicated via ToolResult with IsError=true, allowing the
// model to handle failures.
type ToolResult struct {
	// Content is the tool's output (text, JSON, etc.)
	Content string `json:"content"`

	// IsError indicates this result represents an error condition
	IsError bool `json:"is_error,omitempty"`

	// Tree is an optional hierarchical payload rendered by the router.
	Tree *TreeNode `json:"tree,omitempty"`
}

// TreeNode is one node of a hierarchical tool output such as a directory
// listing.
type TreeNode struct {
	Name     string      `json:"name"`
	Dir      bool        `json:"dir,omitempty"`
	Size     int64       `json:"size,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}
