package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	bedrockImageMaxBytes = 20 * 1024 * 1024
	bedrockImageTimeout  = 30 * time.Second
)

// BedrockProvider implements agent.LLMProvider over the Bedrock Converse
// streaming API. Credentials come from the config or the default AWS chain.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	httpClient   *http.Client
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	// Region defaults to us-east-1.
	Region string

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Endpoint overrides the service endpoint.
	Endpoint string

	// DefaultModel is used when a request names no model.
	// Default: "anthropic.claude-3-5-sonnet-20241022-v2:0"
	DefaultModel string
}

// NewBedrockProvider loads AWS configuration and creates a provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &BedrockProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		httpClient:   &http.Client{Timeout: bedrockImageTimeout},
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

// Models lists common Converse models. Availability depends on account access.
func (p *BedrockProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "amazon.nova-pro-v1:0", Name: "Nova Pro", ContextSize: 300000, SupportsVision: true},
		{ID: "meta.llama3-70b-instruct-v1:0", Name: "Llama 3 70B (Bedrock)", ContextSize: 8192},
		{ID: "mistral.mistral-large-2407-v1:0", Name: "Mistral Large (Bedrock)", ContextSize: 128000},
	}
}

func (p *BedrockProvider) SupportsTools() bool { return true }

// OpenStream starts a ConverseStream call.
func (p *BedrockProvider) OpenStream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:    aws.String(model),
		Messages:   p.convertMessages(ctx, req.Messages),
		ToolConfig: toolconv.ToBedrockTools(req.Tools),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(min(req.MaxTokens, math.MaxInt32))),
		}
	}
	if req.EnableThinking {
		budget := max(req.ThinkingBudgetTokens, 1024)
		input.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": budget},
		})
	}

	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		stream := out.GetStream()
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

// bedrockEvents is the reader side of a ConverseStream event stream.
type bedrockEvents interface {
	Events() <-chan types.ConverseStreamOutput
	Err() error
}

func (p *BedrockProvider) processStream(ctx context.Context, stream bedrockEvents, chunks chan<- *agent.CompletionChunk, model string) {
	send := func(c *agent.CompletionChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var current *models.ToolCall
	var input strings.Builder
	var inputTokens, outputTokens int
	stopped := false

	events := stream.Events()
	for {
		var event types.ConverseStreamOutput
		var ok bool
		select {
		case <-ctx.Done():
			return
		case event, ok = <-events:
		}
		if !ok {
			break
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if use, isTool := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); isTool {
				current = &models.ToolCall{ID: aws.ToString(use.Value.ToolUseId), Name: aws.ToString(use.Value.Name)}
				input.Reset()
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" && !send(&agent.CompletionChunk{Text: delta.Value}) {
					return
				}
			case *types.ContentBlockDeltaMemberReasoningContent:
				if text, isText := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); isText && text.Value != "" {
					if !send(&agent.CompletionChunk{Thinking: text.Value}) {
						return
					}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					input.WriteString(*delta.Value.Input)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if current != nil {
				current.Input = json.RawMessage(input.String())
				if !send(&agent.CompletionChunk{ToolCall: current}) {
					return
				}
				current = nil
				input.Reset()
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			stopped = true

		case *types.ConverseStreamOutputMemberMetadata:
			if usage := ev.Value.Usage; usage != nil {
				inputTokens = int(aws.ToInt32(usage.InputTokens))
				outputTokens = int(aws.ToInt32(usage.OutputTokens))
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
		return
	}
	if !stopped {
		send(&agent.CompletionChunk{Error: NewProviderError("bedrock", model, errors.New("stream ended before messageStop"))})
		return
	}
	send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

func (p *BedrockProvider) convertMessages(ctx context.Context, messages []agent.CompletionMessage) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, att := range msg.Attachments {
			if att.Type != "image" && !strings.HasPrefix(att.MimeType, "image/") {
				continue
			}
			if block, err := p.imageBlock(ctx, att); err == nil {
				content = append(content, block)
			}
		}
		for _, tr := range msg.ToolResults {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: tr.Content}},
			}
			if tr.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}
		for _, tc := range msg.ToolCalls {
			var args any
			if err := json.Unmarshal(agent.ParseArguments(tc.Input).JSON, &args); err != nil {
				args = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(args),
				},
			})
		}

		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func (p *BedrockProvider) imageBlock(ctx context.Context, att models.Attachment) (*types.ContentBlockMemberImage, error) {
	data, mimeType, err := p.fetchImage(ctx, att)
	if err != nil {
		return nil, err
	}
	format, ok := bedrockImageFormat(mimeType, att.URL)
	if !ok {
		return nil, fmt.Errorf("unsupported image format %q", mimeType)
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{Format: format, Source: &types.ImageSourceMemberBytes{Value: data}},
	}, nil
}

// fetchImage resolves data URLs inline and downloads anything else, since
// Converse only accepts image bytes.
func (p *BedrockProvider) fetchImage(ctx context.Context, att models.Attachment) ([]byte, string, error) {
	if mediaType, encoded, ok := parseDataURL(att.URL); ok {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("decode data url: %w", err)
		}
		return data, mediaType, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch attachment returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, bedrockImageMaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > bedrockImageMaxBytes {
		return nil, "", fmt.Errorf("attachment exceeds %d bytes", bedrockImageMaxBytes)
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	return data, mimeType, nil
}

func bedrockImageFormat(mimeType, url string) (types.ImageFormat, bool) {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	switch strings.ToLower(path.Ext(url)) {
	case ".png":
		return types.ImageFormatPng, true
	case ".jpg", ".jpeg":
		return types.ImageFormatJpeg, true
	case ".gif":
		return types.ImageFormatGif, true
	case ".webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}
	pe := NewProviderError("bedrock", model, err)
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		pe.WithStatus(status.HTTPStatusCode())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.WithCode(apiErr.ErrorCode()).WithMessage(apiErr.ErrorMessage())
	}
	return pe
}
