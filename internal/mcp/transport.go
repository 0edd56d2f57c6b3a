package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conductor/internal/jsonrpc"
)

// Transport carries JSON-RPC between the client and one server.
type Transport interface {
	// Call sends a request and decodes the result into result.
	Call(ctx context.Context, method string, params, result any) error

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Close ends the connection, stopping the server process if there is one.
	Close(ctx context.Context) error

	// Done is closed when the server goes away.
	Done() <-chan struct{}
}

// TransportOptions are the client-side hooks a transport is built with.
type TransportOptions struct {
	Handler   jsonrpc.Handler
	KillGrace time.Duration
	OnKill    func()
	Logger    *slog.Logger
}

// NewTransport starts a transport for cfg.
func NewTransport(ctx context.Context, cfg *ServerConfig, opts TransportOptions) (Transport, error) {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg, opts.Logger), nil
	default:
		return newStdioTransport(ctx, cfg, opts)
	}
}

type stdioTransport struct {
	*jsonrpc.Process
}

func newStdioTransport(ctx context.Context, cfg *ServerConfig, opts TransportOptions) (*stdioTransport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p, err := jsonrpc.Start(ctx, jsonrpc.ProcessConfig{
		Command:   cfg.Command,
		Args:      cfg.Args,
		Env:       cfg.Env,
		Dir:       cfg.WorkDir,
		KillGrace: opts.KillGrace,
		Handler:   opts.Handler,
		Logger:    logger.With("mcp_server", cfg.ID, "transport", "stdio"),
		OnKill:    opts.OnKill,
	})
	if err != nil {
		return nil, err
	}
	return &stdioTransport{Process: p}, nil
}

func (t *stdioTransport) Close(ctx context.Context) error { return t.Stop(ctx) }

// HTTPTransport implements the streamable HTTP transport: every message is
// a POST, and the response is either JSON or a short SSE stream.
type HTTPTransport struct {
	config *ServerConfig
	client *http.Client
	logger *slog.Logger

	nextID    atomic.Int64
	sessionMu sync.RWMutex
	sessionID string

	closeOnce sync.Once
	done      chan struct{}
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(cfg *ServerConfig, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		config: cfg,
		client: &http.Client{Timeout: cfg.timeout()},
		logger: logger.With("mcp_server", cfg.ID, "transport", "http"),
		done:   make(chan struct{}),
	}
}

type httpMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

// Call sends a request and waits for a response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params, result any) error {
	id := t.nextID.Add(1)
	resp, err := t.post(ctx, httpMessage{JSONRPC: jsonrpc.Version, ID: &id, Method: method, Params: params})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	msg, err := readResponse(resp, id)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if msg.Error != nil {
		return msg.Error
	}
	if result != nil && len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Notify sends a notification (no response expected).
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	resp, err := t.post(ctx, httpMessage{JSONRPC: jsonrpc.Version, Method: method, Params: params})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Close ends the session on the server when one was assigned.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.sessionMu.RLock()
		session := t.sessionID
		t.sessionMu.RUnlock()
		if session == "" {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.config.URL, nil)
		if err != nil {
			return
		}
		t.decorate(req)
		if resp, err := t.client.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}

func (t *HTTPTransport) Done() <-chan struct{} { return t.done }

func (t *HTTPTransport) post(ctx context.Context, msg httpMessage) (*http.Response, error) {
	select {
	case <-t.done:
		return nil, jsonrpc.ErrClosed
	default:
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.decorate(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if session := resp.Header.Get("Mcp-Session-Id"); session != "" {
		t.sessionMu.Lock()
		t.sessionID = session
		t.sessionMu.Unlock()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp, nil
}

func (t *HTTPTransport) decorate(req *http.Request) {
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	t.sessionMu.RLock()
	defer t.sessionMu.RUnlock()
	if t.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", t.sessionID)
	}
}

// readResponse finds the response to id in a JSON body or an SSE stream.
// Server notifications interleaved in the stream are skipped.
func readResponse(resp *http.Response, id int64) (*httpMessage, error) {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		var msg httpMessage
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &msg, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		var msg httpMessage
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &msg); err != nil {
			continue
		}
		if msg.ID != nil && *msg.ID == id && msg.Method == "" {
			return &msg, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, errors.New("event stream ended without a response")
}
