// Package exec provides the run_command builtin tool: it runs one program
// with arguments inside the workspace, without a shell, and returns its
// exit code and captured output.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/tools/files"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Config configures run_command.
type Config struct {
	// Allowed are path.Match patterns over the executable; bare patterns
	// also match the base name. Empty allows every executable.
	Allowed []string `yaml:"allowed" json:"allowed,omitempty"`

	// Timeout is the default and maximum run time. Default: 2m
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// MaxOutputBytes caps each of stdout and stderr. Default: 64000
	MaxOutputBytes int `yaml:"max_output_bytes" json:"max_output_bytes,omitempty"`

	// Env is added to the inherited environment.
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// Roots is the workspace allow-list for the working directory.
	Roots []string `yaml:"-" json:"-"`

	// KillGrace is the wait between SIGTERM and SIGKILL. Default: 3s
	KillGrace time.Duration `yaml:"-" json:"-"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

type commandInput struct {
	Command   string   `json:"command" jsonschema:"description=Program to run: a name looked up on PATH or a path. No shell is involved."`
	Args      []string `json:"args,omitempty" jsonschema:"description=Arguments passed to the program as-is."`
	Cwd       string   `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the first workspace root (default: the root)."`
	Stdin     string   `json:"stdin,omitempty" jsonschema:"description=Text written to the program's standard input."`
	TimeoutMS int      `json:"timeout_ms,omitempty" jsonschema:"description=Run time limit in milliseconds (capped by configuration)."`
}

// Result is the JSON payload returned to the model.
type Result struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Cwd        string   `json:"cwd"`
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	DurationMS int64    `json:"duration_ms"`
	TimedOut   bool     `json:"timed_out,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
}

// Tool implements run_command.
type Tool struct {
	config   Config
	resolver files.Resolver
	logger   *slog.Logger
}

// New creates run_command bound to cfg.Roots.
func New(cfg Config) (*Tool, error) {
	resolver, err := files.NewResolver(cfg.Roots...)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64000
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{config: cfg, resolver: resolver, logger: logger.With("tool", "run_command")}, nil
}

// NewSource exposes run_command as a builtin tool source.
func NewSource(cfg Config) (*agent.BuiltinSource, error) {
	tool, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return agent.NewBuiltinSource(tool), nil
}

func (t *Tool) Name() string { return "run_command" }

func (t *Tool) Description() string {
	return "Run a program with arguments in the workspace and return its exit code, stdout and stderr. Arguments are not interpreted by a shell: no pipes, redirects or globbing."
}

var reflector = jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

func (t *Tool) Schema() json.RawMessage {
	schema := reflector.Reflect(&commandInput{})
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Permissions() []models.PermissionType {
	return []models.PermissionType{models.PermissionCommand}
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input commandInput
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	name, err := checkExecutable(input.Command)
	if err != nil {
		t.logger.Warn("rejected command", "command", input.Command, "error", err)
		return nil, err
	}
	if !allowed(t.config.Allowed, name) {
		t.logger.Warn("command outside allow-list", "command", name)
		return nil, &CommandError{Command: name, Err: ErrCommandNotAllowed}
	}
	if err := checkArgs(name, input.Args); err != nil {
		t.logger.Warn("rejected command arguments", "command", name, "error", err)
		return nil, err
	}
	cwd := input.Cwd
	if strings.TrimSpace(cwd) == "" {
		cwd = "."
	}
	dir, err := t.resolver.Resolve(cwd)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return errorResult(fmt.Sprintf("working directory %s does not exist", input.Cwd)), nil
	}
	if strings.HasPrefix(name, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			name = filepath.Join(home, strings.TrimPrefix(name[1:], "/"))
		}
	}

	timeout := t.config.Timeout
	if input.TimeoutMS > 0 {
		timeout = min(time.Duration(input.TimeoutMS)*time.Millisecond, timeout)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := osexec.CommandContext(runCtx, name, input.Args...)
	cmd.Dir = dir
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = t.config.KillGrace
	if len(t.config.Env) > 0 {
		env := os.Environ()
		for k, v := range t.config.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	stdout := newLimitedBuffer(t.config.MaxOutputBytes)
	stderr := newLimitedBuffer(t.config.MaxOutputBytes)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if input.Stdin != "" {
		cmd.Stdin = strings.NewReader(input.Stdin)
	}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *osexec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) && runCtx.Err() == nil {
		return errorResult(fmt.Sprintf("start %s: %v", name, runErr)), nil
	}

	res := Result{
		Command:    name,
		Args:       input.Args,
		Cwd:        t.display(dir),
		ExitCode:   exitCode(runErr),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: elapsed.Milliseconds(),
		TimedOut:   runCtx.Err() != nil,
		Truncated:  stdout.truncated() || stderr.truncated(),
	}
	if res.TimedOut {
		t.logger.Warn("command timed out", "command", name, "timeout", timeout)
	}
	payload, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error()), nil
	}
	return &agent.ToolResult{Content: string(payload), IsError: res.ExitCode != 0 || res.TimedOut}, nil
}

// display renders dir relative to the first root.
func (t *Tool) display(dir string) string {
	if rel, err := filepath.Rel(t.resolver.Roots[0], dir); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return dir
}

// terminate asks the process to exit; Wait escalates to SIGKILL after
// WaitDelay.
func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return p.Kill()
	}
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func errorResult(message string) *agent.ToolResult {
	return &agent.ToolResult{Content: message, IsError: true}
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:max(remaining, 0)]...)
		b.dropped = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *limitedBuffer) truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
