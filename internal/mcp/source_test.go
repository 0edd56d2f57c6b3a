package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/jsonrpc"
	"github.com/haasonsaas/conductor/pkg/models"
)

// TestHelperProcess is not a real test. It runs a small MCP server when
// re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("MCP_HELPER") != "1" {
		return
	}
	readOnly := true
	var conn *jsonrpc.Conn
	conn = jsonrpc.NewConn(os.Stdin, os.Stdout, jsonrpc.HandlerFuncs{
		Request: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			switch method {
			case "initialize":
				return InitializeResult{
					ProtocolVersion: ProtocolVersion,
					ServerInfo:      ServerInfo{Name: "helper", Version: "1.0"},
				}, nil
			case "tools/list":
				var p struct {
					Cursor string `json:"cursor"`
				}
				_ = json.Unmarshal(params, &p)
				if p.Cursor == "" {
					return ListToolsResult{
						Tools: []*Tool{
							{Name: "echo", InputSchema: json.RawMessage(`{"type":"object"}`), Annotations: &ToolAnnotations{ReadOnlyHint: &readOnly}},
							{Name: "fail", InputSchema: json.RawMessage(`{"type":"object"}`)},
						},
						NextCursor: "page2",
					}, nil
				}
				return ListToolsResult{Tools: []*Tool{
					{Name: "hang", InputSchema: json.RawMessage(`{"type":"object"}`)},
					{Name: "crash", InputSchema: json.RawMessage(`{"type":"object"}`)},
				}}, nil
			case "tools/call":
				var p CallToolParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
				}
				switch p.Name {
				case "echo":
					return ToolCallResult{Content: []ToolResultContent{
						{Type: "text", Text: "pid " + os.Getenv("MCP_HELPER_TAG")},
						{Type: "text", Text: string(p.Arguments)},
					}}, nil
				case "fail":
					return ToolCallResult{IsError: true, Content: []ToolResultContent{{Type: "text", Text: "boom"}}}, nil
				case "hang":
					<-ctx.Done()
					return nil, ctx.Err()
				case "crash":
					os.Exit(3)
				}
				return nil, jsonrpc.NewError(ErrCodeToolNotFound, "no tool %s", p.Name)
			}
			return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "unknown %s", method)
		},
	}, nil)
	<-conn.Done()
	os.Exit(0)
}

func helperConfig() *ServerConfig {
	return &ServerConfig{
		ID:      "helper",
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess"},
		Env:     map[string]string{"MCP_HELPER": "1", "MCP_HELPER_TAG": "x"},
		Timeout: 10 * time.Second,
	}
}

func TestSource_ListToolsFollowsPagination(t *testing.T) {
	cfg := helperConfig()
	cfg.ReadOnlyTools = []string{"hang"}
	src := NewSource(cfg, ClientOptions{KillGrace: time.Second}, nil)
	defer src.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	defs, err := src.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(defs) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(defs))
	}
	byName := make(map[string]models.ToolDefinition)
	for _, d := range defs {
		byName[d.Name] = d
		if d.Source != models.ToolSourceExternal || d.OwnerID != "helper" {
			t.Errorf("%s: source %q owner %q", d.Name, d.Source, d.OwnerID)
		}
		if len(d.Permissions) != 1 || d.Permissions[0] != models.PermissionAll {
			t.Errorf("%s: permissions %v", d.Name, d.Permissions)
		}
	}
	if !byName["echo"].ReadOnly || !byName["hang"].ReadOnly {
		t.Error("echo and hang should be read-only")
	}
	if byName["fail"].ReadOnly {
		t.Error("fail should not be read-only")
	}
}

func TestSource_CallTool(t *testing.T) {
	src := NewSource(helperConfig(), ClientOptions{KillGrace: time.Second}, nil)
	defer src.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := src.CallTool(ctx, "echo", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if res.IsError || res.Content != "pid x\n{\"a\":1}" {
		t.Errorf("echo = %+v", res)
	}

	res, err = src.CallTool(ctx, "fail", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !res.IsError || res.Content != "boom" {
		t.Errorf("fail = %+v", res)
	}

	if _, err := src.CallTool(ctx, "missing", json.RawMessage(`{}`)); !errors.Is(err, agent.ErrToolNotFound) {
		t.Errorf("missing tool error = %v", err)
	}
}

func TestSource_CrashReportsProcessExit(t *testing.T) {
	src := NewSource(helperConfig(), ClientOptions{KillGrace: time.Second}, nil)
	defer src.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := src.CallTool(ctx, "crash", json.RawMessage(`{}`))
	if !errors.Is(err, agent.ErrProcessExited) {
		t.Fatalf("crash error = %v, want ErrProcessExited", err)
	}

	// The next use starts a fresh server.
	res, err := src.CallTool(ctx, "echo", json.RawMessage(`{}`))
	if err != nil || res.IsError {
		t.Fatalf("echo after crash = %+v, %v", res, err)
	}
}

func TestSource_CancelStopsServer(t *testing.T) {
	var kills atomic.Int32
	src := NewSource(helperConfig(), ClientOptions{
		KillGrace: 200 * time.Millisecond,
		OnKill:    func() { kills.Add(1) },
	}, nil)
	defer src.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := src.ListTools(ctx); err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	src.mu.Lock()
	first := src.client
	src.mu.Unlock()

	callCtx, callCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer callCancel()
	if _, err := src.CallTool(callCtx, "hang", json.RawMessage(`{}`)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("hang error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for first.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if first.Alive() {
		t.Fatal("server still running after cancelled call")
	}

	if _, err := src.CallTool(ctx, "echo", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("echo after cancel: %v", err)
	}
}

func TestManager_SourcesAndStatus(t *testing.T) {
	m := NewManager(&Config{Servers: []*ServerConfig{helperConfig()}}, nil, nil)

	sources := m.Sources()
	if len(sources) != 1 || sources[0].OwnerID() != "helper" {
		t.Fatalf("sources = %v", sources)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := sources[0].ListTools(ctx); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	status := m.Status()
	if len(status) != 1 || status[0].Running != 1 || status[0].Server.Name != "helper" || status[0].Transport != "stdio" {
		t.Fatalf("status = %+v", status)
	}

	closer, ok := sources[0].(interface{ Close(context.Context) error })
	if !ok {
		t.Fatal("source does not implement Close")
	}
	if err := closer.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if status := m.Status(); status[0].Running != 0 {
		t.Errorf("running after close = %d", status[0].Running)
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		servers []*ServerConfig
		wantErr string
	}{
		{"ok", []*ServerConfig{{ID: "a", Command: "/bin/tool"}}, ""},
		{"slash id", []*ServerConfig{{ID: "a/b", Command: "/bin/tool"}}, "must not contain"},
		{"missing command", []*ServerConfig{{ID: "a"}}, "command is required"},
		{"shell chaining", []*ServerConfig{{ID: "a", Command: "tool", Args: []string{"x && rm"}}}, "metacharacters"},
		{"bad url", []*ServerConfig{{ID: "a", Transport: TransportHTTP, URL: "ftp://x"}}, "URL must start"},
		{"duplicate", []*ServerConfig{{ID: "a", Command: "t"}, {ID: "a", Command: "t"}}, "duplicate"},
		{"bad permission", []*ServerConfig{{ID: "a", Command: "t", Permissions: []models.PermissionType{"root"}}}, "unknown permission"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Config{Servers: tt.servers}).Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestConvertResult(t *testing.T) {
	got := convertResult(&ToolCallResult{Content: []ToolResultContent{
		{Type: "text", Text: "a"},
		{Type: "image", MimeType: "image/png", Data: "AAAA"},
		{Type: "resource", Resource: &Resource{URI: "file:///x"}},
		{Type: "resource", Resource: &Resource{URI: "file:///y", Text: "inline"}},
	}})
	want := "a\n[image image/png, 4 bytes base64]\n[resource file:///x]\ninline"
	if got.Content != want {
		t.Errorf("content = %q, want %q", got.Content, want)
	}
}
