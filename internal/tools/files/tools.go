// Package files provides the builtin filesystem tools. Every path is
// checked against the session's workspace roots before it is opened.
package files

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/conductor/internal/agent"
)

// Config controls filesystem tool defaults.
type Config struct {
	// Roots is the allow-list. Relative paths resolve against Roots[0].
	Roots []string

	// MaxReadBytes caps read_file. Default: 200000
	MaxReadBytes int

	// MaxMatches caps glob and grep results. Default: 500
	MaxMatches int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = 200000
	}
	if c.MaxMatches <= 0 {
		c.MaxMatches = 500
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "files")
	return c
}

// NewTools returns every filesystem tool bound to cfg.Roots.
func NewTools(cfg Config) ([]agent.Tool, error) {
	cfg = cfg.withDefaults()
	resolver, err := NewResolver(cfg.Roots...)
	if err != nil {
		return nil, err
	}
	base := toolBase{resolver: resolver, logger: cfg.Logger}
	return []agent.Tool{
		&ReadTool{toolBase: base, maxReadLen: cfg.MaxReadBytes},
		&WriteTool{toolBase: base},
		&EditTool{toolBase: base},
		&ApplyPatchTool{toolBase: base},
		&ListTool{toolBase: base},
		&GlobTool{toolBase: base, maxMatches: cfg.MaxMatches},
		&GrepTool{toolBase: base, maxMatches: cfg.MaxMatches},
	}, nil
}

// NewSource returns a builtin source holding every filesystem tool.
func NewSource(cfg Config) (*agent.BuiltinSource, error) {
	tools, err := NewTools(cfg)
	if err != nil {
		return nil, err
	}
	return agent.NewBuiltinSource(tools...), nil
}

type toolBase struct {
	resolver Resolver
	logger   *slog.Logger
}

// resolve wraps Resolver.Resolve and logs rejections.
func (b toolBase) resolve(tool, path string) (string, error) {
	resolved, err := b.resolver.Resolve(path)
	if err != nil {
		var sec *SecurityError
		if errors.As(err, &sec) {
			b.logger.Warn("rejected path outside workspace", "tool", tool, "path", path)
		}
		return "", err
	}
	return resolved, nil
}

var reflector = &jsonschema.Reflector{
	DoNotReference:            true,
	ExpandedStruct:            true,
	AllowAdditionalProperties: false,
}

// schemaFor reflects the parameter schema of an input struct.
func schemaFor(v any) json.RawMessage {
	schema := reflector.Reflect(v)
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

func jsonResult(v any) (*agent.ToolResult, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("encode result: " + err.Error()), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
