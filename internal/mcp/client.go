package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/jsonrpc"
)

// ClientOptions tune how a client starts its server.
type ClientOptions struct {
	// KillGrace is the wait between SIGTERM and SIGKILL on shutdown.
	KillGrace time.Duration

	// OnKill is called when shutting the server down needed a forced kill.
	OnKill func()

	// Name and Version are announced as clientInfo.
	Name    string
	Version string
}

// Client is an MCP client that connects to a single server.
type Client struct {
	config    *ServerConfig
	opts      ClientOptions
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	stale      bool
	serverInfo ServerInfo
}

// NewClient creates a new MCP client.
func NewClient(cfg *ServerConfig, opts ClientOptions, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "conductor"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Client{
		config: cfg,
		opts:   opts,
		logger: logger.With("mcp_server", cfg.ID),
	}
}

// Connect starts the transport, runs the initialize handshake and loads
// the tool list.
func (c *Client) Connect(ctx context.Context) error {
	transport, err := NewTransport(ctx, c.config, TransportOptions{
		Handler:   jsonrpc.HandlerFuncs{Notification: c.handleNotification},
		KillGrace: c.opts.KillGrace,
		OnKill:    c.opts.OnKill,
		Logger:    c.logger,
	})
	if err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}
	c.transport = transport

	callCtx, cancel := context.WithTimeout(ctx, c.config.timeout())
	defer cancel()

	var init InitializeResult
	err = transport.Call(callCtx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": c.opts.Name, "version": c.opts.Version},
	}, &init)
	if err != nil {
		_ = transport.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("initialize: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()
	c.logger.Info("connected to MCP server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)

	if err := transport.Notify(callCtx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	if _, err := c.RefreshTools(callCtx); err != nil {
		c.logger.Warn("failed to list tools", "error", err)
	}
	return nil
}

// Close stops the server connection.
func (c *Client) Close(ctx context.Context) error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close(ctx)
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig { return c.config }

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Alive reports whether the server is still reachable.
func (c *Client) Alive() bool {
	if c.transport == nil {
		return false
	}
	select {
	case <-c.transport.Done():
		return false
	default:
		return true
	}
}

// RefreshTools reloads the tool list, following pagination.
func (c *Client) RefreshTools(ctx context.Context) ([]*Tool, error) {
	var all []*Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		var page ListToolsResult
		if err := c.transport.Call(ctx, "tools/list", params, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.stale = false
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(all))
	return all, nil
}

// Tools returns the tool list, reloading it when the server announced a
// change since the last load.
func (c *Client) Tools(ctx context.Context) ([]*Tool, error) {
	c.mu.RLock()
	tools, stale := c.tools, c.stale
	c.mu.RUnlock()
	if !stale && tools != nil {
		return tools, nil
	}
	return c.RefreshTools(ctx)
}

// CallTool calls a tool on the MCP server.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	if !c.Alive() {
		return nil, fmt.Errorf("mcp server %s: %w", c.config.ID, jsonrpc.ErrClosed)
	}
	var result ToolCallResult
	if err := c.transport.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: arguments}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) handleNotification(ctx context.Context, method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
	case "notifications/message":
		c.logger.Debug("server log", "params", string(params))
	}
}
