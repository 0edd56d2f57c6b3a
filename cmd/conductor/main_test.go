package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/pkg/models"
)

func TestBuildRootCmd_Subcommands(t *testing.T) {
	root := buildRootCmd()
	want := []string{"run", "serve", "tools", "config", "artifacts", "mcp", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	for _, path := range [][]string{{"config", "schema"}, {"config", "show"}, {"artifacts", "get"}, {"mcp", "servers"}} {
		if cmd, _, err := root.Find(path); err != nil || cmd.Name() != path[1] {
			t.Errorf("subcommand %v not registered", path)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "conductor "+version) {
		t.Errorf("version output = %q", out.String())
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"config", "schema"})
	if err := root.Execute(); err != nil {
		t.Fatalf("config schema: %v", err)
	}
	if !strings.Contains(out.String(), `"loop"`) {
		t.Errorf("schema does not describe the loop section: %s", out.String())
	}
}

func TestParseApprove(t *testing.T) {
	tests := []struct {
		in      string
		want    approvePolicy
		wantErr bool
	}{
		{"", approveNone, false},
		{"none", approveNone, false},
		{" READ ", approveRead, false},
		{"all", approveAll, false},
		{"some", "", true},
	}
	for _, tt := range tests {
		got, err := parseApprove(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseApprove(%q) = %q, %v", tt.in, got, err)
		}
	}

	if approveRead.grants(models.PermissionWrite) || !approveRead.grants(models.PermissionRead) {
		t.Error("read policy should grant only read")
	}
	if approveNone.grants(models.PermissionRead) {
		t.Error("none policy granted read")
	}
	if !approveAll.grants(models.PermissionCommand) {
		t.Error("all policy denied command")
	}
}

func TestPrompter_NonInteractive(t *testing.T) {
	p := &prompter{approve: approveRead}
	req := &models.PermissionRequest{SessionID: "s1", ToolCallID: "c1", PermissionType: models.PermissionRead}
	d := p.decide(req)
	if !d.Granted || d.SessionID != "s1" || d.ToolCallID != "c1" {
		t.Errorf("decision = %+v", d)
	}

	req.PermissionType = models.PermissionWrite
	if p.decide(req).Granted {
		t.Error("write granted under read policy")
	}
}

func TestPrompter_Interactive(t *testing.T) {
	var out bytes.Buffer
	p := &prompter{
		in:          strings.NewReader("maybe\na\n\n"),
		out:         &out,
		interactive: true,
	}
	req := &models.PermissionRequest{ToolName: "write_file", OwnerID: "builtin", PermissionType: models.PermissionWrite}

	d := p.decide(req)
	if !d.Granted || !d.Remember {
		t.Errorf("answer a = %+v, want granted and remembered", d)
	}
	if strings.Count(out.String(), "Allow?") != 2 {
		t.Errorf("expected a re-prompt after an unknown answer, got %q", out.String())
	}

	// A blank line re-prompts, then EOF denies.
	if p.decide(req).Granted {
		t.Error("EOF should deny")
	}
}

func TestPrompter_LoopResponds(t *testing.T) {
	decisions := make(chan models.Decision, 1)
	p := &prompter{
		approve: approveAll,
		respond: func(_ context.Context, d models.Decision) error {
			decisions <- d
			return nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requests := make(chan *models.PermissionRequest, 1)
	go p.loop(ctx, requests)

	requests <- &models.PermissionRequest{ToolCallID: "c9", PermissionType: models.PermissionAll}
	select {
	case d := <-decisions:
		if !d.Granted || d.ToolCallID != "c9" {
			t.Errorf("decision = %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no decision sent")
	}
}

func TestTextRenderer(t *testing.T) {
	var out, status bytes.Buffer
	r := newTextRenderer(&out, &status)
	ctx := context.Background()

	r.Emit(ctx, models.Event{Type: models.EventMessageDelta, Delta: &models.DeltaEventPayload{Kind: models.BlockReasoning, Text: "pondering"}})
	r.Emit(ctx, models.Event{Type: models.EventMessageDelta, Delta: &models.DeltaEventPayload{Kind: models.BlockContent, Text: "Hello"}})
	r.Emit(ctx, models.Event{Type: models.EventToolStart, Tool: &models.ToolEventPayload{Name: "read_file", Input: `{"path":"a.go"}`}})
	r.Emit(ctx, models.Event{Type: models.EventToolEnd, Tool: &models.ToolEventPayload{
		Name: "read_file", IsError: true, Ref: "file:///tmp/out.txt", Elapsed: 1500 * time.Millisecond,
	}})
	r.Emit(ctx, models.Event{Type: models.EventPermissionDenied, Permission: &models.PermissionRequest{ToolName: "write_file", PermissionType: models.PermissionWrite}})
	r.Emit(ctx, models.Event{Type: models.EventMessageBlock, Block: &models.Block{Type: models.BlockError, Text: "tool call limit reached"}})
	r.Emit(ctx, models.Event{Type: models.EventMessageEnd})

	if out.String() != "Hello\n" {
		t.Errorf("out = %q", out.String())
	}
	for _, want := range []string{
		"[thinking] pondering",
		`[tool] read_file {"path":"a.go"}`,
		"[tool] read_file error (1.5s) full output: file:///tmp/out.txt",
		"[denied] write_file write",
		"[notice] tool call limit reached",
	} {
		if !strings.Contains(status.String(), want) {
			t.Errorf("status missing %q:\n%s", want, status.String())
		}
	}
}

func TestAbbreviate(t *testing.T) {
	if got := abbreviate("a  b\n c", 10); got != "a b c" {
		t.Errorf("abbreviate collapsed whitespace to %q", got)
	}
	if got := abbreviate("abcdefgh", 3); got != "abc..." {
		t.Errorf("abbreviate = %q", got)
	}
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "pixel.png")
	header := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	if err := os.WriteFile(png, header, 0o644); err != nil {
		t.Fatal(err)
	}
	text := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(text, []byte("just words"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := loadImages([]string{png, "https://example.com/cat.jpg"})
	if err != nil {
		t.Fatalf("loadImages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d attachments", len(got))
	}
	if got[0].MimeType != "image/png" || !strings.HasPrefix(got[0].URL, "data:image/png;base64,") || got[0].Filename != "pixel.png" {
		t.Errorf("file attachment = %+v", got[0])
	}
	if got[1].URL != "https://example.com/cat.jpg" || got[1].Type != models.AttachmentImage {
		t.Errorf("url attachment = %+v", got[1])
	}

	if _, err := loadImages([]string{text}); err == nil {
		t.Error("a text file should be rejected")
	}
}

func TestRedactSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Anthropic.APIKey = "sk-ant-secret"
	cfg.Storage.DSN = "postgres://user:pw@db/conductor"

	red := redactSecrets(*cfg)
	if red.Providers.Anthropic.APIKey != "[REDACTED]" || red.Storage.DSN != "[REDACTED]" {
		t.Errorf("secrets not masked: %+v", red.Providers.Anthropic)
	}
	if red.Providers.OpenAI.APIKey != "" {
		t.Error("empty keys should stay empty")
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-secret" {
		t.Error("redactSecrets modified the original config")
	}
}

func TestResolveConfigPath(t *testing.T) {
	old := configPath
	t.Cleanup(func() { configPath = old })

	configPath = ""
	t.Setenv("CONDUCTOR_CONFIG", "/etc/conductor.yaml")
	if got, explicit := resolveConfigPath(); got != "/etc/conductor.yaml" || !explicit {
		t.Errorf("env path = %q, %v", got, explicit)
	}
	configPath = "flag.yaml"
	if got, _ := resolveConfigPath(); got != "flag.yaml" {
		t.Errorf("flag path = %q", got)
	}
	configPath = ""
	t.Setenv("CONDUCTOR_CONFIG", "")
	if got, explicit := resolveConfigPath(); got != defaultConfigName || explicit {
		t.Errorf("default path = %q, %v", got, explicit)
	}
}
