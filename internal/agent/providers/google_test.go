package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

func geminiStream(t *testing.T, frames []string, body *[]byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if body != nil {
			*body, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestGoogle(t *testing.T, url string) *GoogleProvider {
	t.Helper()
	p, err := NewGoogleProvider(GoogleConfig{APIKey: "g-test", BaseURL: url})
	if err != nil {
		t.Fatalf("NewGoogleProvider: %v", err)
	}
	return p
}

func TestNewGoogleProvider(t *testing.T) {
	if _, err := NewGoogleProvider(GoogleConfig{}); err == nil {
		t.Fatal("expected an error without API key")
	}
	p := newTestGoogle(t, "http://unused")
	if p.Name() != "google" || p.defaultModel != "gemini-2.0-flash" {
		t.Errorf("name=%s model=%s", p.Name(), p.defaultModel)
	}
}

func TestGoogleProvider_StreamsPartsAndUsage(t *testing.T) {
	var body []byte
	server := geminiStream(t, []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"weighing options","thought":true}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Looking"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"list_dir","args":{"path":"."}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":30,"candidatesTokenCount":4,"totalTokenCount":34}}`,
	}, &body)

	p := newTestGoogle(t, server.URL)
	chunks, err := p.OpenStream(context.Background(), &agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "list"}},
		Tools:    []models.ToolDefinition{{Name: "list_dir", Schema: []byte(`{"type":"object","properties":{"path":{"type":"string"}}}`)}},
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
			t.Fatalf("error chunk: %v", c.Error)
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
	if text.String() != "Looking" || thinking.String() != "weighing options" {
		t.Errorf("text=%q thinking=%q", text.String(), thinking.String())
	}
	if call == nil || call.Name != "list_dir" || !strings.HasPrefix(call.ID, "call_") || string(call.Input) != `{"path":"."}` {
		t.Fatalf("tool call = %+v", call)
	}
	if done == nil || done.InputTokens != 30 || done.OutputTokens != 4 {
		t.Errorf("done = %+v", done)
	}
	if !strings.Contains(string(body), `"systemInstruction"`) || !strings.Contains(string(body), `"functionDeclarations"`) {
		t.Errorf("unexpected request: %s", body)
	}
}

func TestGoogleProvider_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer server.Close()

	p := newTestGoogle(t, server.URL)
	chunks, err := p.OpenStream(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, chunks)
	if len(got) != 1 || got[0].Error == nil {
		t.Fatalf("expected one error chunk, got %+v", got)
	}
	pe, ok := AsProviderError(got[0].Error)
	if !ok || pe.Reason != ReasonRateLimit || !pe.Retryable() {
		t.Fatalf("error = %v", got[0].Error)
	}
}

func TestGoogleProvider_ConvertMessages(t *testing.T) {
	p := newTestGoogle(t, "http://unused")
	contents := p.convertMessages([]agent.CompletionMessage{
		{Role: "system", Content: "skip"},
		{Role: "user", Content: "see", Attachments: []models.Attachment{
			{URL: "data:image/png;base64,AAAA"},
			{URL: "gs://bucket/doc.pdf"},
		}},
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "grep", Input: []byte(`not json`)}}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "boom", IsError: true}}},
	})

	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	user := contents[0]
	if user.Role != genai.RoleUser || len(user.Parts) != 3 {
		t.Fatalf("user content = %+v", user)
	}
	if user.Parts[1].InlineData == nil || user.Parts[1].InlineData.MIMEType != "image/png" {
		t.Errorf("inline part = %+v", user.Parts[1])
	}
	if user.Parts[2].FileData == nil || user.Parts[2].FileData.MIMEType != "application/pdf" {
		t.Errorf("file part = %+v", user.Parts[2])
	}

	call := contents[1].Parts[0].FunctionCall
	if contents[1].Role != genai.RoleModel || call == nil || len(call.Args) != 0 {
		t.Errorf("function call = %+v", call)
	}
	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Name != "grep" || resp.Response["error"] != "boom" {
		t.Errorf("function response = %+v", resp)
	}
}
