package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "conductor.yaml", `
model:
  model: claude-sonnet-4-20250514
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d", cfg.Version)
	}
	if cfg.Model.Provider != ProviderAnthropic {
		t.Errorf("Provider = %q", cfg.Model.Provider)
	}
	if cfg.Loop.MaxToolCalls != 25 || cfg.Loop.MaxIterations != 50 {
		t.Errorf("loop limits = %+v", cfg.Loop)
	}
	if cfg.Storage.Driver != "memory" || cfg.Offload.Backend != "local" {
		t.Errorf("storage = %q, offload = %q", cfg.Storage.Driver, cfg.Offload.Backend)
	}
	if len(cfg.Workspace.Roots) != 1 || cfg.Workspace.Roots[0] != filepath.Dir(path) {
		t.Errorf("Roots = %v, want the config directory", cfg.Workspace.Roots)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "conductor.yaml", `
loop:
  max_tool_calls: 10
  max_tool_calz: 11
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "max_tool_calz") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := writeConfig(t, "conductor.yaml", "version: 99\n")

	_, err := Load(path)
	var verr *VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want VersionError", err)
	}
	if !strings.Contains(err.Error(), "newer") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadValidationCollectsIssues(t *testing.T) {
	path := writeConfig(t, "conductor.yaml", `
model:
  provider: mystery
loop:
  max_tool_calls: -1
tools:
  preview_chars: 500
  offload_threshold: 100
permissions:
  default: everything
storage:
  driver: sqlite
offload:
  backend: s3
logging:
  level: loud
`)

	_, err := Load(path)
	if !IsValidationError(err) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	for _, want := range []string{"model.provider", "loop limits", "preview_chars", "permissions.default", "storage.dsn", "offload.s3.bucket", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s:\n%v", want, err)
		}
	}
}

func TestLoadACPProvider(t *testing.T) {
	path := writeConfig(t, "conductor.yaml", `
model:
  provider: gemini-cli
acp:
  name: gemini-cli
  command: gemini
  args: [--experimental-acp]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.UsesACP() {
		t.Error("UsesACP() = false")
	}
	if cfg.ACP.KillGrace != cfg.Loop.KillGrace {
		t.Errorf("acp kill grace = %v", cfg.ACP.KillGrace)
	}

	path = writeConfig(t, "conductor.yaml", `
acp:
  name: openai
`)
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "acp.command") || !strings.Contains(err.Error(), "collides") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
model:
  model: base-model
  max_tokens: 1000
tools:
  enabled: ["read_*"]
`)
	writeFile(t, filepath.Join(dir, "mcp.json5"), `{
  // servers shared across projects
  mcp: {servers: [{id: "git", command: "mcp-git"}]},
}`)
	root := filepath.Join(dir, "conductor.yaml")
	writeFile(t, root, `
$include: [base.yaml, mcp.json5]
model:
  model: override-model
tools:
  enabled: ["*"]
`)

	cfg, files, err := load(root)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Model.Model != "override-model" || cfg.Model.MaxTokens != 1000 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if len(cfg.Tools.Enabled) != 1 || cfg.Tools.Enabled[0] != "*" {
		t.Errorf("lists replace rather than merge, got %v", cfg.Tools.Enabled)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].ID != "git" {
		t.Errorf("servers = %+v", cfg.MCP.Servers)
	}
	if len(files) != 3 || files[0] != root {
		t.Errorf("files = %v", files)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error = %v, want include cycle", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_KEY", "sk-test")
	t.Setenv("CONDUCTOR_TEST_EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"${CONDUCTOR_TEST_KEY}", "sk-test"},
		{"$CONDUCTOR_TEST_KEY", "sk-test"},
		{"${CONDUCTOR_TEST_MISSING:-fallback}", "fallback"},
		{"${CONDUCTOR_TEST_EMPTY:-fallback}", "fallback"},
		{"${CONDUCTOR_TEST_KEY:-fallback}", "sk-test"},
		{"${CONDUCTOR_TEST_MISSING}", ""},
		{"price: $$5", "price: $5"},
		{"$include: base.yaml", "$include: base.yaml"},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	path := writeConfig(t, "conductor.yaml", `
providers:
  anthropic:
    api_key: ${CONDUCTOR_TEST_KEY}
storage:
  driver: ${CONDUCTOR_TEST_DRIVER:-sqlite}
  dsn: ${CONDUCTOR_TEST_DSN:-file:conductor.db}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "file:conductor.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestAgentLoopMapping(t *testing.T) {
	path := writeConfig(t, "conductor.yaml", `
loop:
  max_tool_calls: 7
  tool_timeout: 45s
  max_parallel_tools: 2
tools:
  independent: [fetch_docs]
  output_max_chars: 5000
  sanitize_secrets: true
permissions:
  default: read
  auto_approve:
    git: write
  deny: ["*/rm_*"]
context:
  token_budget: 50000
  soft_trim:
    max_chars: 1000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	loop := cfg.AgentLoop()
	if loop.MaxToolCalls != 7 || loop.ToolTimeout != 45*time.Second {
		t.Errorf("loop = %+v", loop)
	}
	if loop.Executor.MaxConcurrency != 2 || len(loop.Executor.Independent) != 1 {
		t.Errorf("executor = %+v", loop.Executor)
	}
	if loop.Guard.MaxChars != 5000 || !loop.Guard.SanitizeSecrets {
		t.Errorf("guard = %+v", loop.Guard)
	}
	if ceiling, ok := loop.Policy.Ceiling("git"); !ok || ceiling != models.PermissionWrite {
		t.Errorf("git ceiling = %q, %v", ceiling, ok)
	}
	if loop.Context.TokenBudget != 50000 {
		t.Errorf("token budget = %d", loop.Context.TokenBudget)
	}
	if c := loop.Context.Compress; c.HeadChars+c.TailChars > c.MaxChars {
		t.Errorf("head and tail exceed max chars: %+v", c)
	}

	session := cfg.Session()
	if !session.FunctionCalling || session.Provider != ProviderAnthropic {
		t.Errorf("session = %+v", session)
	}
}

func TestEffectiveContextOptions(t *testing.T) {
	opts := EffectiveContextOptions(ContextConfig{})
	if opts.TokenBudget != 100000 || opts.Compress.MaxChars != 4000 {
		t.Errorf("defaults = %+v", opts)
	}

	small, negative := 10, -5
	opts = EffectiveContextOptions(ContextConfig{
		TokenBudget: &small,
		SoftTrim:    SoftTrimConfig{HeadChars: &negative},
		HardClear:   HardClearConfig{Placeholder: "  [cleared]  "},
	})
	if opts.TokenBudget != 1000 {
		t.Errorf("TokenBudget = %d, want clamp to 1000", opts.TokenBudget)
	}
	if opts.Compress.HeadChars != 0 {
		t.Errorf("HeadChars = %d", opts.Compress.HeadChars)
	}
	if opts.Compress.Placeholder != "[cleared]" {
		t.Errorf("Placeholder = %q", opts.Compress.Placeholder)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, _ := schema["properties"].(map[string]any)
	for _, key := range []string{"model", "loop", "permissions", "mcp", "acp", "offload"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
	if strings.Contains(string(data), `"Logger"`) {
		t.Error("schema exposes runtime-only fields")
	}
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, "conductor.yaml", "loop:\n  max_tool_calls: 5\n")

	var changes atomic.Int32
	w, err := NewWatcher(path, WatcherOptions{
		Debounce: 20 * time.Millisecond,
		OnChange: func(*Config) { changes.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	writeFile(t, path, "loop:\n  max_tool_calls: 9\n")
	waitFor(t, func() bool { return w.Current().Loop.MaxToolCalls == 9 })

	// An invalid edit keeps the last good config.
	before := changes.Load()
	writeFile(t, path, "loop:\n  max_tool_calls: [\n")
	time.Sleep(200 * time.Millisecond)
	if got := w.Current().Loop.MaxToolCalls; got != 9 {
		t.Errorf("MaxToolCalls = %d after invalid edit", got)
	}
	if changes.Load() != before {
		t.Error("OnChange called for an invalid config")
	}
}

func TestWatcherFollowsIncludes(t *testing.T) {
	dir := t.TempDir()
	inc := filepath.Join(dir, "limits.yaml")
	writeFile(t, inc, "loop:\n  max_iterations: 10\n")
	root := filepath.Join(dir, "conductor.yaml")
	writeFile(t, root, "$include: limits.yaml\n")

	w, err := NewWatcher(root, WatcherOptions{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	writeFile(t, inc, "loop:\n  max_iterations: 12\n")
	waitFor(t, func() bool { return w.Current().Loop.MaxIterations == 12 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	writeFile(t, path, contents)
	return path
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
