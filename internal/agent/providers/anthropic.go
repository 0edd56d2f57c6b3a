// Package providers implements the native model backends of the agent loop.
//
// Each provider translates an agent.CompletionRequest into one streaming API
// call and normalizes the provider's stream into agent.CompletionChunk values:
// text and reasoning deltas, complete tool calls, a final Done chunk carrying
// token usage, or an Error chunk. Provider-native shapes never leave this
// package. Providers do not retry; a failed stream is reported to the loop,
// which surfaces it to the host.
//
// Example Usage:
//
//	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
//	    APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
//	    DefaultModel: "claude-sonnet-4-20250514",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chunks, err := provider.OpenStream(ctx, &agent.CompletionRequest{
//	    System:   "You are a helpful assistant.",
//	    Messages: []agent.CompletionMessage{{Role: "user", Content: "Hello!"}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for chunk := range chunks {
//	    if chunk.Error != nil {
//	        log.Printf("stream failed: %v", chunk.Error)
//	        break
//	    }
//	    fmt.Print(chunk.Text)
//	}
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/pkg/models"
)

// AnthropicProvider implements agent.LLMProvider for the Claude Messages API.
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use. Each OpenStream call creates
// an independent stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string

	// DefaultModel is used when a request names no model.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string

	// HTTPClient overrides the transport.
	HTTPClient *http.Client
}

// NewAnthropicProvider creates a provider. It fails when no API key is set.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	if config.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(config.HTTPClient))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

// OpenStream starts a streaming Messages request. Conversion failures are
// returned directly; everything after the request is sent arrives on the
// channel.
func (p *AnthropicProvider) OpenStream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + int64(maxTokensOrDefault(0))
		}
	}
	return params, nil
}

// maxEmptyStreamEvents is how many consecutive events without output are
// tolerated before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// processStream converts SSE events into chunks. Tool input arrives as JSON
// fragments and is emitted once the block closes, exactly as received.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	send := func(c *agent.CompletionChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		call         *models.ToolCall
		input        strings.Builder
		empty        int
		inputTokens  int
		outputTokens int
	)
	for stream.Next() {
		event := stream.Current()
		produced := true

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				call = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				input.Reset()
			} else {
				produced = false
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch {
			case delta.Type == "text_delta" && delta.Text != "":
				if !send(&agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			case delta.Type == "thinking_delta" && delta.Thinking != "":
				if !send(&agent.CompletionChunk{Thinking: delta.Thinking}) {
					return
				}
			case delta.Type == "input_json_delta" && delta.PartialJSON != "":
				input.WriteString(delta.PartialJSON)
			default:
				produced = false
			}

		case "content_block_stop":
			if call == nil {
				produced = false
				break
			}
			call.Input = json.RawMessage(input.String())
			if !send(&agent.CompletionChunk{ToolCall: call}) {
				return
			}
			call = nil

		case "message_delta":
			outputTokens = int(event.AsMessageDelta().Usage.OutputTokens)

		case "message_stop":
			send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return

		case "error":
			send(&agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)})
			return

		default:
			produced = false
		}

		if produced {
			empty = 0
			continue
		}
		empty++
		if empty >= maxEmptyStreamEvents {
			send(&agent.CompletionChunk{Error: p.wrapError(
				fmt.Errorf("stream appears malformed: received %d consecutive empty events", empty), model)})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
		return
	}
	// The connection ended without message_stop.
	send(&agent.CompletionChunk{Error: p.wrapError(errors.New("stream ended before message_stop"), model)})
}

// convertMessages maps the transcript onto user and assistant messages.
// Tool results travel in user messages, as the API requires.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, att := range msg.Attachments {
			if block, ok := anthropicImageBlock(att); ok {
				content = append(content, block)
			}
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(agent.ParseArguments(call.Input).JSON, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicImageBlock(att models.Attachment) (anthropic.ContentBlockParamUnion, bool) {
	if att.Type != "image" && !strings.HasPrefix(att.MimeType, "image/") {
		return anthropic.ContentBlockParamUnion{}, false
	}
	if mediaType, data, ok := parseDataURL(att.URL); ok {
		return anthropic.NewImageBlockBase64(mediaType, data), true
	}
	if att.URL != "" {
		return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: att.URL}), true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

// parseDataURL splits a base64 data URL into media type and payload.
func parseDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	meta, data, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, data, true
}

func (p *AnthropicProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func maxTokensOrDefault(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}
	pe := (&ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: ReasonUnknown}).
		WithStatus(apiErr.StatusCode).
		WithRequestID(apiErr.RequestID).
		WithMessage("anthropic request failed")

	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			pe.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			pe.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			pe.WithRequestID(payload.RequestID)
		}
	}
	return pe
}
