package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/jsonrpc"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Source exposes one MCP server to the tool registry. The server is started
// lazily and restarted on next use after it was stopped or died.
type Source struct {
	config *ServerConfig
	opts   ClientOptions
	logger *slog.Logger

	mu     sync.Mutex
	client *Client
}

var _ agent.ToolSource = (*Source)(nil)

// NewSource creates a source for cfg. Nothing is started until first use.
func NewSource(cfg *ServerConfig, opts ClientOptions, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		config: cfg,
		opts:   opts,
		logger: logger.With("component", "mcp", "mcp_server", cfg.ID),
	}
}

func (s *Source) Kind() models.ToolSource { return models.ToolSourceExternal }
func (s *Source) OwnerID() string         { return s.config.ID }

// ListTools returns the server's tools as definitions owned by this source.
func (s *Source) ListTools(ctx context.Context) ([]models.ToolDefinition, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	tools, err := client.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: list tools: %w", s.config.ID, err)
	}

	perms := s.config.Permissions
	if len(perms) == 0 {
		perms = []models.PermissionType{models.PermissionAll}
	}
	defs := make([]models.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		if tool == nil || tool.Name == "" {
			continue
		}
		readOnly := slices.Contains(s.config.ReadOnlyTools, tool.Name)
		if a := tool.Annotations; a != nil && a.ReadOnlyHint != nil && *a.ReadOnlyHint {
			readOnly = true
		}
		defs = append(defs, models.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.InputSchema,
			Source:      models.ToolSourceExternal,
			OwnerID:     s.config.ID,
			Permissions: slices.Clone(perms),
			ReadOnly:    readOnly,
		})
	}
	return defs, nil
}

// CallTool runs one tool. A call interrupted by cancellation stops the
// server so nothing keeps running on its behalf; a server that died
// reports agent.ErrProcessExited.
func (s *Source) CallTool(ctx context.Context, name string, args json.RawMessage) (*agent.ToolResult, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	result, err := client.CallTool(ctx, name, args)
	switch {
	case err == nil:
		return convertResult(result), nil
	case ctx.Err() != nil:
		s.logger.Info("stopping server after interrupted call", "tool", name)
		go s.stop(context.WithoutCancel(ctx), client)
		return nil, ctx.Err()
	case errors.Is(err, jsonrpc.ErrClosed):
		s.stop(context.WithoutCancel(ctx), client)
		return nil, fmt.Errorf("mcp server %s: %w: %w", s.config.ID, agent.ErrProcessExited, err)
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeToolNotFound {
		return nil, fmt.Errorf("%w: %s", agent.ErrToolNotFound, name)
	}
	return nil, err
}

// Close stops the server.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close(ctx)
}

func (s *Source) connect(ctx context.Context) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.client.Alive() {
		return s.client, nil
	}
	if s.client != nil {
		_ = s.client.Close(context.WithoutCancel(ctx))
		s.client = nil
	}
	client := NewClient(s.config, s.opts, s.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", s.config.ID, err)
	}
	s.client = client
	return client, nil
}

func (s *Source) stop(ctx context.Context, client *Client) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
	if err := client.Close(ctx); err != nil {
		s.logger.Warn("failed to stop server", "error", err)
	}
}

func convertResult(r *ToolCallResult) *agent.ToolResult {
	if r == nil {
		return &agent.ToolResult{}
	}
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		switch c.Type {
		case "text":
			parts = append(parts, c.Text)
		case "image", "audio":
			parts = append(parts, fmt.Sprintf("[%s %s, %d bytes base64]", c.Type, c.MimeType, len(c.Data)))
		case "resource":
			if c.Resource == nil {
				continue
			}
			if c.Resource.Text != "" {
				parts = append(parts, c.Resource.Text)
			} else {
				parts = append(parts, "[resource "+c.Resource.URI+"]")
			}
		default:
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
	}
	return &agent.ToolResult{Content: strings.Join(parts, "\n"), IsError: r.IsError}
}
