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

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

func openAIStream(t *testing.T, frames []string, body *[]byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if body != nil {
			*body, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestOpenAI(t *testing.T, url string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: url + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	return p
}

func TestNewOpenAIProvider(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected an error without API key")
	}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "openai" || p.defaultModel != "gpt-4o" {
		t.Errorf("name=%s model=%s", p.Name(), p.defaultModel)
	}
}

func TestOpenAIProvider_StreamsFragmentedToolCalls(t *testing.T) {
	var body []byte
	server := openAIStream(t, []string{
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me check"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"glob","arguments":"{\"pattern\":"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"read_file","arguments":"{\"path\""}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"a.go\"}"}},{"index":1,"function":{"arguments":"\"*.go\"}"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":9,"total_tokens":29}}`,
	}, &body)

	p := newTestOpenAI(t, server.URL)
	chunks, err := p.OpenStream(context.Background(), &agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "go"}},
		Tools:    []models.ToolDefinition{{Name: "read_file"}, {Name: "glob"}},
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	got := collect(t, chunks)

	var text strings.Builder
	var calls []*models.ToolCall
	var done *agent.CompletionChunk
	for _, c := range got {
		if c.Error != nil {
			t.Fatalf("error chunk: %v", c.Error)
		}
		text.WriteString(c.Text)
		if c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
		if c.Done {
			done = c
		}
	}
	if text.String() != "Let me check" {
		t.Errorf("text = %q", text.String())
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "call_a" || string(calls[0].Input) != `{"path":"a.go"}` {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].ID != "call_b" || string(calls[1].Input) != `{"pattern":"*.go"}` {
		t.Errorf("second call = %+v", calls[1])
	}
	if done == nil || done.InputTokens != 20 || done.OutputTokens != 9 {
		t.Errorf("done = %+v", done)
	}

	var sent struct {
		Model    string `json:"model"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
		Tools []any `json:"tools"`
	}
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Model != "gpt-4o" || len(sent.Messages) != 2 || sent.Messages[0].Role != "system" || len(sent.Tools) != 2 {
		t.Errorf("unexpected request: %s", body)
	}
}

func TestOpenAIProvider_RejectedRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL)
	_, err := p.OpenStream(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Reason != ReasonAuth || pe.Retryable() {
		t.Errorf("reason = %s", pe.Reason)
	}
}

func TestOpenAIProvider_ConvertMessages(t *testing.T) {
	p := newTestOpenAI(t, "http://unused")
	msgs := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "see", Attachments: []models.Attachment{{Type: "image", URL: "https://x/y.png"}}},
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "grep", Input: []byte("```json\n{\"q\":1}\n```")}}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "a"}, {ToolCallID: "c2", Content: "b"}}},
	}, "")

	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if len(msgs[0].MultiContent) != 2 || msgs[0].Content != "" {
		t.Errorf("image message = %+v", msgs[0])
	}
	if args := msgs[1].ToolCalls[0].Function.Arguments; args != `{"q":1}` {
		t.Errorf("arguments = %q", args)
	}
	if msgs[2].ToolCallID != "c1" || msgs[3].ToolCallID != "c2" {
		t.Errorf("tool messages = %+v", msgs[2:])
	}
}
