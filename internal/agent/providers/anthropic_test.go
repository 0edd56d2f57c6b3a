package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// sseServer writes the given events as a text/event-stream response and
// records the last request body.
func sseServer(t *testing.T, events []string, body *[]byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body != nil {
			*body, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprintln(w, event)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(t *testing.T, chunks <-chan *agent.CompletionChunk) []*agent.CompletionChunk {
	t.Helper()
	var out []*agent.CompletionChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func newTestAnthropic(t *testing.T, url string) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: url})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	return p
}

func TestNewAnthropicProvider(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected an error without API key")
	}
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "anthropic" || !p.SupportsTools() {
		t.Errorf("unexpected identity: %s", p.Name())
	}
	if p.model("") != "claude-sonnet-4-20250514" {
		t.Errorf("default model = %s", p.model(""))
	}
	if p.model("claude-opus-4-20250514") != "claude-opus-4-20250514" {
		t.Error("explicit model must win")
	}
	for _, m := range p.Models() {
		if m.ContextSize <= 0 {
			t.Errorf("model %s has no context size", m.ID)
		}
	}
}

func TestAnthropicProvider_StreamsTextAndToolCalls(t *testing.T) {
	var body []byte
	server := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"usage":{"input_tokens":12,"output_tokens":0}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me look"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Reading"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"a.txt\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":2}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, &body)

	p := newTestAnthropic(t, server.URL)
	chunks, err := p.OpenStream(context.Background(), &agent.CompletionRequest{
		System:   "be brief",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "read a.txt"}},
		Tools: []models.ToolDefinition{{
			Name:        "read_file",
			Description: "Read a file",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		}},
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	got := collect(t, chunks)

	var text, thinking strings.Builder
	var call *models.ToolCall
	var done *agent.CompletionChunk
	for _, c := range got {
		if c.Error != nil {
			t.Fatalf("unexpected error chunk: %v", c.Error)
		}
		text.WriteString(c.Text)
		thinking.WriteString(c.Thinking)
		if c.ToolCall != nil {
			call = c.ToolCall
		}
		if c.Done {
			done = c
		}
	}
	if text.String() != "Reading" || thinking.String() != "let me look" {
		t.Errorf("text=%q thinking=%q", text.String(), thinking.String())
	}
	if call == nil || call.ID != "toolu_1" || call.Name != "read_file" || string(call.Input) != `{"path":"a.txt"}` {
		t.Fatalf("tool call = %+v", call)
	}
	if done == nil || done.InputTokens != 12 || done.OutputTokens != 7 {
		t.Fatalf("done chunk = %+v", done)
	}

	var sent map[string]any
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if sent["stream"] != true {
		t.Error("request must stream")
	}
	if tools, _ := sent["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v", sent["tools"])
	}
}

func TestAnthropicProvider_HTTPErrorBecomesProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("request-id", "req_42")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer server.Close()

	p := newTestAnthropic(t, server.URL)
	chunks, err := p.OpenStream(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	got := collect(t, chunks)
	if len(got) != 1 || got[0].Error == nil {
		t.Fatalf("expected one error chunk, got %+v", got)
	}
	pe, ok := AsProviderError(got[0].Error)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", got[0].Error)
	}
	if pe.Reason != ReasonRateLimit || pe.Status != http.StatusTooManyRequests {
		t.Errorf("reason=%s status=%d", pe.Reason, pe.Status)
	}
	if pe.Message != "slow down" {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestAnthropicProvider_TruncatedStreamIsAnError(t *testing.T) {
	server := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"usage":{"input_tokens":1,"output_tokens":0}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"half"}}`,
		``,
	}, nil)

	p := newTestAnthropic(t, server.URL)
	chunks, err := p.OpenStream(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, chunks)
	if last := got[len(got)-1]; last.Error == nil {
		t.Fatalf("expected the stream to end with an error, got %+v", last)
	}
}

func TestAnthropicProvider_ConvertMessages(t *testing.T) {
	p := newTestAnthropic(t, "http://unused")
	msgs, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "look", Attachments: []models.Attachment{{Type: "image", URL: "data:image/png;base64,AAAA"}}},
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "grep", Input: json.RawMessage(`{pattern: 'x',}`)}}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "no match", IsError: true}}},
		{Role: "assistant"},
	})
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || len(msgs[0].Content) != 2 {
		t.Errorf("user message = %+v", msgs[0])
	}
	use := msgs[1].Content[0].OfToolUse
	if msgs[1].Role != "assistant" || use == nil || use.ID != "c1" {
		t.Fatalf("assistant tool use = %+v", msgs[1])
	}
	if input, _ := use.Input.(map[string]any); input["pattern"] != "x" {
		t.Errorf("repaired input = %#v", use.Input)
	}
	if msgs[2].Role != "user" || msgs[2].Content[0].OfToolResult == nil {
		t.Errorf("tool results must travel as a user message: %+v", msgs[2])
	}
}

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		in        string
		mediaType string
		ok        bool
	}{
		{"data:image/png;base64,AAAA", "image/png", true},
		{"data:image/jpeg;base64,", "image/jpeg", true},
		{"data:;base64,AAAA", "", false},
		{"data:image/png,AAAA", "", false},
		{"https://example.com/a.png", "", false},
	}
	for _, tt := range tests {
		mediaType, _, ok := parseDataURL(tt.in)
		if ok != tt.ok || mediaType != tt.mediaType {
			t.Errorf("parseDataURL(%q) = %q, %v", tt.in, mediaType, ok)
		}
	}
}
