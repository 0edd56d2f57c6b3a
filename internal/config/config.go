// Package config loads, validates and watches the conductor configuration
// file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/acp"
	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/artifacts"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/internal/tools/browser"
	"github.com/haasonsaas/conductor/internal/tools/exec"
)

// Config is the main configuration structure.
type Config struct {
	Version       int                    `yaml:"version"`
	Model         ModelConfig            `yaml:"model"`
	Providers     ProvidersConfig        `yaml:"providers"`
	Loop          LoopConfig             `yaml:"loop"`
	Context       ContextConfig          `yaml:"context"`
	Tools         ToolsConfig            `yaml:"tools"`
	Permissions   agent.PermissionPolicy `yaml:"permissions"`
	Workspace     WorkspaceConfig        `yaml:"workspace"`
	MCP           mcp.Config             `yaml:"mcp"`
	ACP           *acp.Config            `yaml:"acp"`
	Storage       sessions.Config        `yaml:"storage"`
	Offload       artifacts.Config       `yaml:"offload"`
	Observability ObservabilityConfig    `yaml:"observability"`
	Logging       LoggingConfig          `yaml:"logging"`
}

// ModelConfig selects the backend and model new sessions use.
type ModelConfig struct {
	// Provider is anthropic, openai, google, bedrock, or the name of the
	// configured acp agent.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	System   string `yaml:"system"`

	Vision          bool  `yaml:"vision"`
	FunctionCalling *bool `yaml:"function_calling"`
	MaxTokens       int   `yaml:"max_tokens"`
	BudgetTokens    int   `yaml:"budget_tokens"`
}

// ProviderConfig holds API credentials for a hosted model provider.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// BedrockConfig holds AWS settings for Bedrock. Empty keys use the default
// credential chain.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	Endpoint        string `yaml:"endpoint"`
	DefaultModel    string `yaml:"default_model"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Google    ProviderConfig `yaml:"google"`
	Bedrock   BedrockConfig  `yaml:"bedrock"`
}

// Native provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderBedrock   = "bedrock"
)

var nativeProviders = []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderBedrock}

// LoopConfig bounds a turn.
type LoopConfig struct {
	MaxToolCalls      int           `yaml:"max_tool_calls"`
	MaxIterations     int           `yaml:"max_iterations"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
	KillGrace         time.Duration `yaml:"kill_grace"`
	MaxParallelTools  int           `yaml:"max_parallel_tools"`
	HistoryLimit      int           `yaml:"history_limit"`
}

// ToolsConfig configures the tool catalog and output protection.
type ToolsConfig struct {
	// Enabled are glob patterns over tool names; empty enables all.
	Enabled []string `yaml:"enabled"`

	// Independent names tools that may run concurrently besides read-only
	// ones.
	Independent []string `yaml:"independent"`

	OutputMaxChars   int  `yaml:"output_max_chars"`
	OffloadThreshold int  `yaml:"offload_threshold"`
	PreviewChars     int  `yaml:"preview_chars"`
	MaxTreeDepth     int  `yaml:"max_tree_depth"`
	SanitizeSecrets  bool `yaml:"sanitize_secrets"`

	RedactPatterns []string `yaml:"redact_patterns"`

	// MaxReadBytes and MaxMatches bound the filesystem tools.
	MaxReadBytes int `yaml:"max_read_bytes"`
	MaxMatches   int `yaml:"max_matches"`

	Browser BrowserConfig `yaml:"browser"`

	Command CommandConfig `yaml:"command"`
}

// BrowserConfig enables browser_fetch.
type BrowserConfig struct {
	Enabled bool                `yaml:"enabled"`
	Pool    browser.PoolConfig  `yaml:"pool"`
	Fetch   browser.FetchConfig `yaml:"fetch"`
}

// CommandConfig enables run_command. Calls need the command permission,
// which no auto-approve ceiling implies.
type CommandConfig struct {
	Enabled     bool `yaml:"enabled"`
	exec.Config `yaml:",inline"`
}

// WorkspaceConfig is the filesystem allow-list.
type WorkspaceConfig struct {
	Roots []string `yaml:"roots"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges, decodes, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

// load also returns every file the configuration was read from.
func load(path string) (*Config, []string, error) {
	raw, files, err := loadRaw(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, files, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, files, err
	}
	applyDefaults(cfg)
	cfg.Workspace.Roots = absRoots(cfg.Workspace.Roots, filepath.Dir(files[0]))
	if err := cfg.Validate(); err != nil {
		return nil, files, err
	}
	return cfg, files, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = ProviderAnthropic
	}
	if cfg.Model.FunctionCalling == nil {
		enabled := true
		cfg.Model.FunctionCalling = &enabled
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 4096
	}

	loop := agent.DefaultLoopConfig()
	if cfg.Loop.MaxToolCalls == 0 {
		cfg.Loop.MaxToolCalls = loop.MaxToolCalls
	}
	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = loop.MaxIterations
	}
	if cfg.Loop.ToolTimeout == 0 {
		cfg.Loop.ToolTimeout = loop.ToolTimeout
	}
	if cfg.Loop.StreamIdleTimeout == 0 {
		cfg.Loop.StreamIdleTimeout = loop.StreamIdleTimeout
	}
	if cfg.Loop.KillGrace == 0 {
		cfg.Loop.KillGrace = 3 * time.Second
	}
	if cfg.Loop.MaxParallelTools == 0 {
		cfg.Loop.MaxParallelTools = loop.Executor.MaxConcurrency
	}
	if cfg.Loop.HistoryLimit == 0 {
		cfg.Loop.HistoryLimit = loop.HistoryLimit
	}

	if cfg.Tools.OutputMaxChars == 0 {
		cfg.Tools.OutputMaxChars = agent.DefaultOutputMaxChars
	}
	if cfg.Tools.OffloadThreshold == 0 {
		cfg.Tools.OffloadThreshold = agent.DefaultOffloadThreshold
	}
	if cfg.Tools.PreviewChars == 0 {
		cfg.Tools.PreviewChars = agent.DefaultPreviewChars
	}
	if cfg.Tools.MaxTreeDepth == 0 {
		cfg.Tools.MaxTreeDepth = agent.DefaultMaxTreeDepth
	}

	if len(cfg.Workspace.Roots) == 0 {
		cfg.Workspace.Roots = []string{"."}
	}
	if cfg.MCP.KillGrace == 0 {
		cfg.MCP.KillGrace = cfg.Loop.KillGrace
	}
	if cfg.ACP != nil && cfg.ACP.KillGrace == 0 {
		cfg.ACP.KillGrace = cfg.Loop.KillGrace
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Offload.Backend == "" {
		cfg.Offload.Backend = "local"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "conductor"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func absRoots(roots []string, base string) []string {
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		if !filepath.IsAbs(root) {
			root = filepath.Join(base, root)
		}
		out = append(out, filepath.Clean(root))
	}
	return out
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) { issues = append(issues, fmt.Sprintf(format, args...)) }

	provider := c.Model.Provider
	if !slices.Contains(nativeProviders, provider) && (c.ACP == nil || provider != c.acpName()) {
		add("model.provider %q is neither a native provider (%s) nor the configured acp agent", provider, strings.Join(nativeProviders, ", "))
	}
	if c.Model.MaxTokens < 0 || c.Model.BudgetTokens < 0 {
		add("model.max_tokens and model.budget_tokens must not be negative")
	}

	if c.Loop.MaxToolCalls < 0 || c.Loop.MaxIterations < 0 || c.Loop.MaxParallelTools < 0 || c.Loop.HistoryLimit < 0 {
		add("loop limits must not be negative")
	}
	if c.Loop.ToolTimeout < 0 || c.Loop.StreamIdleTimeout < 0 || c.Loop.KillGrace < 0 {
		add("loop timeouts must not be negative")
	}

	if c.Tools.OutputMaxChars < 0 || c.Tools.OffloadThreshold < 0 || c.Tools.PreviewChars < 0 || c.Tools.MaxTreeDepth < 0 {
		add("tools output limits must not be negative")
	}
	if c.Tools.PreviewChars > c.Tools.OffloadThreshold {
		add("tools.preview_chars (%d) must not exceed tools.offload_threshold (%d)", c.Tools.PreviewChars, c.Tools.OffloadThreshold)
	}

	if c.Permissions.Default != "" && !c.Permissions.Default.Valid() {
		add("permissions.default: unknown permission %q", c.Permissions.Default)
	}
	for owner, ceiling := range c.Permissions.AutoApprove {
		if !ceiling.Valid() {
			add("permissions.auto_approve.%s: unknown permission %q", owner, ceiling)
		}
	}

	if len(c.Workspace.Roots) == 0 {
		add("workspace.roots must list at least one directory")
	}

	if err := c.MCP.Validate(); err != nil {
		add("mcp: %v", err)
	}
	if c.ACP != nil {
		if strings.TrimSpace(c.ACP.Command) == "" {
			add("acp.command is required when acp is configured")
		}
		if slices.Contains(nativeProviders, c.acpName()) {
			add("acp.name %q collides with a native provider", c.acpName())
		}
	}

	switch c.Storage.Driver {
	case "memory":
	case sessions.DialectSQLite, sessions.DialectPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		add("storage.driver %q must be memory, sqlite or postgres", c.Storage.Driver)
	}

	switch c.Offload.Backend {
	case "local":
	case "s3":
		if strings.TrimSpace(c.Offload.S3.Bucket) == "" {
			add("offload.s3.bucket is required for the s3 backend")
		}
	default:
		add("offload.backend %q must be local or s3", c.Offload.Backend)
	}

	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format %q must be json or text", c.Logging.Format)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (c *Config) acpName() string {
	if c.ACP == nil {
		return ""
	}
	if c.ACP.Name == "" {
		return "acp"
	}
	return c.ACP.Name
}

// UsesACP reports whether new sessions go to the acp agent.
func (c *Config) UsesACP() bool {
	return c.ACP != nil && c.Model.Provider == c.acpName()
}

// Session returns the resolved configuration new sessions are opened with.
func (c *Config) Session() agent.ResolvedConfig {
	functionCalling := c.Model.FunctionCalling == nil || *c.Model.FunctionCalling
	return agent.ResolvedConfig{
		Model:           c.Model.Model,
		Provider:        c.Model.Provider,
		System:          c.Model.System,
		MaxTokens:       c.Model.MaxTokens,
		ThinkingBudget:  c.Model.BudgetTokens,
		Vision:          c.Model.Vision,
		FunctionCalling: functionCalling,
		WorkspaceRoots:  slices.Clone(c.Workspace.Roots),
		EnabledTools:    slices.Clone(c.Tools.Enabled),
	}
}

// AgentLoop returns the orchestrator's loop configuration.
func (c *Config) AgentLoop() agent.LoopConfig {
	return agent.LoopConfig{
		MaxToolCalls:      c.Loop.MaxToolCalls,
		MaxIterations:     c.Loop.MaxIterations,
		StreamIdleTimeout: c.Loop.StreamIdleTimeout,
		ToolTimeout:       c.Loop.ToolTimeout,
		HistoryLimit:      c.Loop.HistoryLimit,
		Executor: agent.ExecutorConfig{
			MaxConcurrency: c.Loop.MaxParallelTools,
			Independent:    slices.Clone(c.Tools.Independent),
		},
		Guard: agent.ToolResultGuard{
			MaxChars:         c.Tools.OutputMaxChars,
			OffloadThreshold: c.Tools.OffloadThreshold,
			PreviewChars:     c.Tools.PreviewChars,
			MaxTreeDepth:     c.Tools.MaxTreeDepth,
			SanitizeSecrets:  c.Tools.SanitizeSecrets,
			RedactPatterns:   slices.Clone(c.Tools.RedactPatterns),
		},
		Policy:  c.Permissions,
		Context: EffectiveContextOptions(c.Context),
	}
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
