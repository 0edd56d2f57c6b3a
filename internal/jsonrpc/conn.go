// Package jsonrpc implements bidirectional, newline-delimited JSON-RPC 2.0
// over a pair of byte streams, typically a child process's stdio.
package jsonrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// Version is the protocol version string carried by every message.
const Version = "2.0"

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrClosed is returned by calls on a connection whose peer went away.
var ErrClosed = errors.New("jsonrpc: connection closed")

// Error is a JSON-RPC error object. It is returned by Call when the peer
// answers with an error and may be returned by handlers to control the code.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with the given code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// message is the union of request, response and notification.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *message) isRequest() bool      { return m.Method != "" && len(m.ID) > 0 }
func (m *message) isNotification() bool { return m.Method != "" && len(m.ID) == 0 }

// Handler serves requests and notifications sent by the peer.
type Handler interface {
	// HandleRequest answers one request. It runs on its own goroutine, so it
	// may block, e.g. waiting for a user decision.
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)

	// HandleNotification is called on the read goroutine in arrival order.
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields reject
// requests with method-not-found and drop notifications.
type HandlerFuncs struct {
	Request      func(ctx context.Context, method string, params json.RawMessage) (any, error)
	Notification func(ctx context.Context, method string, params json.RawMessage)
}

func (h HandlerFuncs) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if h.Request == nil {
		return nil, NewError(CodeMethodNotFound, "method not found: %s", method)
	}
	return h.Request(ctx, method, params)
}

func (h HandlerFuncs) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	if h.Notification != nil {
		h.Notification(ctx, method, params)
	}
}

// Conn is one side of a JSON-RPC session. Calls may be issued concurrently.
type Conn struct {
	handler Handler
	logger  *slog.Logger

	writeMu sync.Mutex
	w       io.Writer

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[string]chan *message
	closed  bool
	err     error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewConn starts reading r in the background. Requests and notifications
// from the peer go to handler, which may be nil.
func NewConn(r io.Reader, w io.Writer, handler Handler, logger *slog.Logger) *Conn {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		handler: handler,
		logger:  logger.With("component", "jsonrpc"),
		w:       w,
		pending: make(map[string]chan *message),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Done is closed once the peer's stream ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil while it is open or after a
// clean EOF.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends a request and decodes the result into result, which may be nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)
	ch := make(chan *message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	if err := c.write(&message{JSONRPC: Version, ID: json.RawMessage(key), Method: method, Params: raw}); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(&message{JSONRPC: Version, Method: method, Params: raw})
}

// Close stops serving requests and fails pending calls. It does not close
// the underlying streams.
func (c *Conn) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Conn) write(m *message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.done)
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Conn) dispatch(line []byte) {
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		if len(bytes.TrimSpace(line)) > 0 {
			c.logger.Warn("dropping malformed message", "error", err)
		}
		return
	}

	switch {
	case m.isRequest():
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()
		go c.serve(&m)
	case m.isNotification():
		c.handler.HandleNotification(c.ctx, m.Method, m.Params)
	case len(m.ID) > 0:
		key := string(trimQuotes(m.ID))
		c.mu.Lock()
		ch, ok := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if ok {
			ch <- &m
		}
	}
}

func (c *Conn) serve(req *message) {
	defer c.wg.Done()
	result, err := c.handler.HandleRequest(c.ctx, req.Method, req.Params)

	resp := &message{JSONRPC: Version, ID: req.ID}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
		}
		resp.Error = rpcErr
	} else {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			resp.Error = NewError(CodeInternalError, "encode result: %v", mErr)
		} else {
			resp.Result = raw
		}
	}
	if err := c.write(resp); err != nil {
		c.logger.Debug("response not delivered", "method", req.Method, "error", err)
	}
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[string]chan *message)
	c.mu.Unlock()

	c.cancel()
	for _, ch := range pending {
		close(ch)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

func trimQuotes(id json.RawMessage) []byte {
	if len(id) >= 2 && id[0] == '"' && id[len(id)-1] == '"' {
		return id[1 : len(id)-1]
	}
	return id
}
