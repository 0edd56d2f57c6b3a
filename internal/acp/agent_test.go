package acp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/jsonrpc"
	"github.com/haasonsaas/conductor/pkg/models"
)

// TestHelperProcess is not a real test. It runs a scripted ACP agent when
// re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("ACP_HELPER") != "1" {
		return
	}
	var (
		conn      *jsonrpc.Conn
		cwd       string
		cancelled = make(chan struct{})
		once      sync.Once
	)
	notify := func(ctx context.Context, update map[string]any) {
		_ = conn.Notify(ctx, methodSessionUpdate, map[string]any{"sessionId": "remote-1", "update": update})
	}
	chunk := func(ctx context.Context, kind, text string) {
		notify(ctx, map[string]any{"sessionUpdate": kind, "content": map[string]any{"type": "text", "text": text}})
	}

	conn = jsonrpc.NewConn(os.Stdin, os.Stdout, jsonrpc.HandlerFuncs{
		Request: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			switch method {
			case methodInitialize:
				return initializeResult{ProtocolVersion: ProtocolVersion}, nil
			case methodSessionNew:
				var p newSessionParams
				_ = json.Unmarshal(params, &p)
				cwd = p.Cwd
				return newSessionResult{SessionID: "remote-1"}, nil
			case methodSessionPrompt:
				var p promptParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
				}
				switch p.Prompt[0].Text {
				case "hang":
					chunk(ctx, updateAgentMessage, "partial")
					<-cancelled
					return promptResult{StopReason: StopCancelled}, nil
				case "ignore":
					chunk(ctx, updateAgentMessage, "stubborn")
					time.Sleep(time.Minute)
				case "crash":
					os.Exit(2)
				}
				return runScript(ctx, conn, cwd, notify, chunk)
			}
			return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "unknown %s", method)
		},
		Notification: func(ctx context.Context, method string, params json.RawMessage) {
			if method == methodSessionCancel {
				once.Do(func() { close(cancelled) })
			}
		},
	}, nil)
	<-conn.Done()
	os.Exit(0)
}

// runScript reports a thought, one edit tool call guarded by a permission
// request, a plan and a final answer.
func runScript(ctx context.Context, conn *jsonrpc.Conn, cwd string,
	notify func(context.Context, map[string]any), chunk func(context.Context, string, string)) (any, error) {
	chunk(ctx, updateAgentThought, "thinking")
	chunk(ctx, updateAgentMessage, "Working. ")
	notify(ctx, map[string]any{
		"sessionUpdate": updateToolCall,
		"toolCallId":    "call-1",
		"title":         "Uppercase in.txt",
		"kind":          "edit",
		"status":        toolPending,
		"rawInput":      map[string]any{"path": "out.txt"},
	})

	var decision requestPermissionResult
	err := conn.Call(ctx, methodRequestPermission, requestPermissionParams{
		SessionID: "remote-1",
		ToolCall:  toolCallRef{ToolCallID: "call-1"},
		Options: []PermissionOption{
			{OptionID: "yes", Name: "Allow", Kind: optionAllowOnce},
			{OptionID: "no", Name: "Reject", Kind: optionRejectOnce},
		},
	}, &decision)
	if err != nil {
		return nil, err
	}
	if decision.Outcome.OptionID != "yes" {
		notify(ctx, map[string]any{"sessionUpdate": updateToolCallUpdate, "toolCallId": "call-1", "status": toolFailed})
		chunk(ctx, updateAgentMessage, "Skipped.")
		return promptResult{StopReason: StopEndTurn}, nil
	}

	notify(ctx, map[string]any{"sessionUpdate": updateToolCallUpdate, "toolCallId": "call-1", "status": toolInProgress})
	var read readTextFileResult
	if err := conn.Call(ctx, methodReadTextFile, readTextFileParams{SessionID: "remote-1", Path: filepath.Join(cwd, "in.txt")}, &read); err != nil {
		return nil, err
	}
	if err := conn.Call(ctx, methodWriteTextFile, writeTextFileParams{
		SessionID: "remote-1",
		Path:      filepath.Join(cwd, "out.txt"),
		Content:   strings.ToUpper(read.Content),
	}, nil); err != nil {
		return nil, err
	}
	outside := "outside allowed"
	err = conn.Call(ctx, methodReadTextFile, readTextFileParams{SessionID: "remote-1", Path: filepath.Join(filepath.Dir(cwd), "secret")}, &read)
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc.CodeInvalidParams {
		outside = "outside rejected"
	}

	notify(ctx, map[string]any{
		"sessionUpdate": updateToolCallUpdate,
		"toolCallId":    "call-1",
		"status":        toolCompleted,
		"content":       []any{map[string]any{"type": "content", "content": map[string]any{"type": "text", "text": "wrote out.txt"}}},
	})
	notify(ctx, map[string]any{
		"sessionUpdate": updatePlan,
		"entries":       []any{map[string]any{"content": "uppercase file", "priority": "high", "status": "completed"}},
	})
	chunk(ctx, updateAgentMessage, "Done, "+outside+".")
	return promptResult{StopReason: StopEndTurn}, nil
}

type harness struct {
	orch   *agent.Orchestrator
	agent  *Agent
	root   string
	grant  bool
	mu     sync.Mutex
	events []models.Event
	seen   chan models.Event
}

func newHarness(t *testing.T, grant bool) *harness {
	t.Helper()
	a, err := New(Config{
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess"},
		Env:         map[string]string{"ACP_HELPER": "1"},
		KillGrace:   time.Second,
		CancelGrace: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{agent: a, root: t.TempDir(), grant: grant, seen: make(chan models.Event, 256)}
	if err := os.WriteFile(filepath.Join(h.root, "in.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.orch, err = agent.NewOrchestrator(agent.OrchestratorConfig{
		External: a,
		Sink:     agent.NewCallbackSink(h.record),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Close(ctx)
		_ = a.Close(ctx)
	})
	return h
}

func (h *harness) record(ctx context.Context, e models.Event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	select {
	case h.seen <- e:
	default:
	}
	if e.Type == models.EventPermissionRequired && e.Permission != nil {
		p := *e.Permission
		go func() {
			_ = h.orch.Respond(context.Background(), models.Decision{
				SessionID:      p.SessionID,
				ToolCallID:     p.ToolCallID,
				Granted:        h.grant,
				PermissionType: p.PermissionType,
			})
		}()
	}
}

func (h *harness) eventsOf(types ...models.EventType) []models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.Event
	for _, e := range h.events {
		for _, want := range types {
			if e.Type == want {
				out = append(out, e)
			}
		}
	}
	return out
}

func (h *harness) open(t *testing.T, ctx context.Context) string {
	t.Helper()
	sc, err := h.orch.OpenSession(ctx, agent.SessionOptions{
		Config: agent.ResolvedConfig{Provider: "acp", WorkspaceRoots: []string{h.root}},
	})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	return sc.ID
}

func (h *harness) run(t *testing.T, ctx context.Context, sessionID, prompt string) agent.TurnResult {
	t.Helper()
	turn, err := h.orch.Submit(ctx, sessionID, &models.Message{Role: models.RoleUser, Content: prompt})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := turn.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

func TestAgent_TurnWithPermissionAndFiles(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res := h.run(t, ctx, h.open(t, ctx), "go")
	if res.Outcome != models.OutcomeCompleted {
		t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
	}
	if res.Text != "Working. Done, outside rejected." {
		t.Errorf("text = %q", res.Text)
	}
	if res.ToolCalls != 1 {
		t.Errorf("tool calls = %d", res.ToolCalls)
	}

	data, err := os.ReadFile(filepath.Join(h.root, "out.txt"))
	if err != nil {
		t.Fatalf("out.txt not written: %v", err)
	}
	if string(data) != "HELLO\n" {
		t.Errorf("out.txt = %q", data)
	}

	perms := h.eventsOf(models.EventPermissionRequired)
	if len(perms) != 1 {
		t.Fatalf("expected one permission request, got %d", len(perms))
	}
	p := perms[0].Permission
	if p.PermissionType != models.PermissionWrite || p.OwnerID != "acp" || p.ToolName != "Uppercase in.txt" {
		t.Errorf("permission request = %+v", p)
	}

	var order []string
	for _, e := range h.eventsOf(models.EventToolStart, models.EventToolRunning, models.EventToolEnd, models.EventPermissionGranted) {
		order = append(order, string(e.Type))
	}
	want := []string{"tool.start", "tool.permission.granted", "tool.running", "tool.end"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("tool events = %v, want %v", order, want)
	}
	ends := h.eventsOf(models.EventToolEnd)
	if ends[0].Tool.Output != "wrote out.txt" || ends[0].Tool.IsError {
		t.Errorf("tool end = %+v", ends[0].Tool)
	}

	var reasoning, plan bool
	for _, e := range h.eventsOf(models.EventMessageDelta, models.EventMessageBlock) {
		if e.Delta != nil && e.Delta.Kind == models.BlockReasoning && e.Delta.Text == "thinking" {
			reasoning = true
		}
		if e.Block != nil && e.Block.Type == models.BlockPlan && e.Block.Text == "[completed] uppercase file" {
			plan = true
		}
	}
	if !reasoning || !plan {
		t.Errorf("reasoning delta %v, plan block %v", reasoning, plan)
	}
}

func TestAgent_DeniedPermission(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res := h.run(t, ctx, h.open(t, ctx), "go")
	if res.Outcome != models.OutcomeCompleted {
		t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
	}
	if res.Text != "Working. Skipped." {
		t.Errorf("text = %q", res.Text)
	}
	if _, err := os.Stat(filepath.Join(h.root, "out.txt")); !os.IsNotExist(err) {
		t.Errorf("out.txt should not exist: %v", err)
	}
	if len(h.eventsOf(models.EventPermissionDenied)) != 1 {
		t.Error("expected a permission denied event")
	}
	ends := h.eventsOf(models.EventToolEnd)
	if len(ends) != 1 || !ends[0].Tool.IsError {
		t.Errorf("expected a failed tool end, got %+v", ends)
	}
}

func waitForDelta(t *testing.T, h *harness, text string) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-h.seen:
			if e.Type == models.EventMessageDelta && e.Delta != nil && e.Delta.Text == text {
				return
			}
		case <-timeout:
			t.Fatalf("no delta %q", text)
		}
	}
}

func TestAgent_Cancel(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	id := h.open(t, ctx)

	turn, err := h.orch.Submit(ctx, id, &models.Message{Content: "hang"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForDelta(t, h, "partial")
	if err := h.orch.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res, err := turn.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != models.OutcomeCancelled {
		t.Errorf("outcome = %s", res.Outcome)
	}

	// The same process serves the next turn.
	if res := h.run(t, ctx, id, "go"); res.Outcome != models.OutcomeCompleted {
		t.Errorf("turn after cancel = %s (%v)", res.Outcome, res.Err)
	}
}

func TestAgent_CancelIgnoredStopsProcess(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	id := h.open(t, ctx)

	turn, err := h.orch.Submit(ctx, id, &models.Message{Content: "ignore"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForDelta(t, h, "stubborn")
	start := time.Now()
	if err := h.orch.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res, err := turn.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != models.OutcomeCancelled {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancel took %s", elapsed)
	}

	if res := h.run(t, ctx, id, "go"); res.Outcome != models.OutcomeCompleted {
		t.Errorf("turn after restart = %s (%v)", res.Outcome, res.Err)
	}
}

func TestAgent_CrashIsProcessExit(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res := h.run(t, ctx, h.open(t, ctx), "crash")
	if res.Outcome != models.OutcomeError {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if !errors.Is(res.Err, agent.ErrProcessExited) {
		t.Errorf("err = %v, want ErrProcessExited", res.Err)
	}
}

func TestNew_RequiresCommand(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
	a, err := New(Config{Command: "agent"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Name() != "acp" {
		t.Errorf("name = %q", a.Name())
	}
}

func TestPermissionForKind(t *testing.T) {
	tests := map[string]models.PermissionType{
		"read":    models.PermissionRead,
		"search":  models.PermissionRead,
		"edit":    models.PermissionWrite,
		"delete":  models.PermissionWrite,
		"execute": models.PermissionCommand,
		"other":   models.PermissionAll,
		"":        models.PermissionAll,
	}
	for kind, want := range tests {
		if got := PermissionForKind(kind); got != want {
			t.Errorf("PermissionForKind(%q) = %s, want %s", kind, got, want)
		}
	}
}

func TestTextOf(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"type":"text","text":"hi"}`, "hi"},
		{`[{"type":"content","content":{"type":"text","text":"a"}},{"type":"diff","path":"x.go"}]`, "a\n[diff x.go]"},
		{`"plain"`, "plain"},
		{`{"type":"image","mimeType":"image/png","data":"AA=="}`, "[image image/png]"},
		{``, ""},
	}
	for _, tt := range tests {
		if got := textOf(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("textOf(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestPromptBlocks(t *testing.T) {
	blocks := promptBlocks(&models.Message{
		Content: "look",
		Attachments: []models.Attachment{
			{Type: models.AttachmentImage, URL: "data:image/png;base64,AAAA"},
			{Type: models.AttachmentDocument, URL: "file:///tmp/a.txt", MimeType: "text/plain"},
		},
	})
	if len(blocks) != 3 {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[1].Type != "image" || blocks[1].MimeType != "image/png" || blocks[1].Data != "AAAA" {
		t.Errorf("image block = %+v", blocks[1])
	}
	if blocks[2].Type != "resource_link" || blocks[2].URI != "file:///tmp/a.txt" {
		t.Errorf("link block = %+v", blocks[2])
	}
}
