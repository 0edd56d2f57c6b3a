package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/pkg/models"
)

// GoogleProvider implements agent.LLMProvider for the Gemini API.
//
// Gemini returns function calls whole and without ids, so ids are generated
// here. Function responses are matched back to call names through the
// transcript.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the Gemini API endpoint.
	BaseURL string

	// DefaultModel is used when a request names no model.
	// Default: "gemini-2.0-flash"
	DefaultModel string

	HTTPClient *http.Client
}

// NewGoogleProvider creates a provider. It fails when no API key is set.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.HTTPOptions.BaseURL = config.BaseURL
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleProvider{client: client, defaultModel: config.DefaultModel}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextSize: 1000000, SupportsVision: true},
	}
}

func (p *GoogleProvider) SupportsTools() bool { return true }

// OpenStream starts a streaming generateContent request.
func (p *GoogleProvider) OpenStream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents := p.convertMessages(req.Messages)
	config := p.buildConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		p.processStream(ctx, p.client.Models.GenerateContentStream(ctx, model, contents, config), chunks, model)
	}()
	return chunks, nil
}

func (p *GoogleProvider) processStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *agent.CompletionChunk, model string) {
	send := func(c *agent.CompletionChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var inputTokens, outputTokens int
	for resp, err := range stream {
		if err != nil {
			send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
		if resp == nil {
			continue
		}
		if usage := resp.UsageMetadata; usage != nil {
			inputTokens = int(usage.PromptTokenCount)
			outputTokens = int(usage.CandidatesTokenCount) + int(usage.ThoughtsTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				var chunk *agent.CompletionChunk
				switch {
				case part.Text != "" && part.Thought:
					chunk = &agent.CompletionChunk{Thinking: part.Text}
				case part.Text != "":
					chunk = &agent.CompletionChunk{Text: part.Text}
				case part.FunctionCall != nil:
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil || part.FunctionCall.Args == nil {
						args = []byte("{}")
					}
					id := part.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.NewString()
					}
					chunk = &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: part.FunctionCall.Name, Input: args}}
				}
				if chunk != nil && !send(chunk) {
					return
				}
			}
		}
	}
	send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

func (p *GoogleProvider) convertMessages(messages []agent.CompletionMessage) []*genai.Content {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, att := range msg.Attachments {
			if part, ok := geminiAttachment(att); ok {
				content.Parts = append(content.Parts, part)
			}
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(agent.ParseArguments(tc.Input).JSON, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			response := map[string]any{"output": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{ID: tr.ToolCallID, Name: names[tr.ToolCallID], Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func geminiAttachment(att models.Attachment) (*genai.Part, bool) {
	if att.URL == "" {
		return nil, false
	}
	if mediaType, data, ok := parseDataURL(att.URL); ok {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, false
		}
		return &genai.Part{InlineData: &genai.Blob{Data: decoded, MIMEType: mediaType}}, true
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(att.URL)
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: att.URL, MIMEType: mimeType}}, true
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{Tools: toolconv.ToGeminiTools(req.Tools)}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if req.EnableThinking {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
		if req.ThinkingBudgetTokens > 0 {
			config.ThinkingConfig.ThinkingBudget = genai.Ptr(int32(min(req.ThinkingBudgetTokens, math.MaxInt32)))
		}
	}
	return config
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}
	pe := NewProviderError("google", model, err)

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		pe.WithStatus(apiErr.Code).WithMessage(apiErr.Message)
	case errors.As(err, &apiErrPtr):
		pe.WithStatus(apiErrPtr.Code).WithMessage(apiErrPtr.Message)
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "unauthenticated"), strings.Contains(msg, "permission denied"):
			pe.WithStatus(http.StatusUnauthorized)
		case strings.Contains(msg, "resource exhausted"):
			pe.WithStatus(http.StatusTooManyRequests)
		}
	}
	return pe
}

func guessMimeType(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	default:
		return "image/jpeg"
	}
}
