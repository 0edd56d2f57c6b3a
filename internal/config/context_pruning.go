package config

import (
	"strings"

	agentctx "github.com/haasonsaas/conductor/internal/agent/context"
)

// ContextConfig controls prompt assembly. Unset fields keep the builder
// defaults.
type ContextConfig struct {
	TokenBudget *int            `yaml:"token_budget"`
	SoftTrim    SoftTrimConfig  `yaml:"soft_trim"`
	HardClear   HardClearConfig `yaml:"hard_clear"`
}

// SoftTrimConfig trims large tool results to a head and tail.
type SoftTrimConfig struct {
	MaxChars  *int `yaml:"max_chars"`
	HeadChars *int `yaml:"head_chars"`
	TailChars *int `yaml:"tail_chars"`
}

// HardClearConfig replaces old tool results when trimming is not enough.
type HardClearConfig struct {
	Placeholder string `yaml:"placeholder"`
}

// EffectiveContextOptions converts config into context builder options.
func EffectiveContextOptions(cfg ContextConfig) agentctx.Options {
	opts := agentctx.Options{
		TokenBudget: agentctx.DefaultTokenBudget,
		Compress:    agentctx.DefaultCompressOptions(),
	}
	if cfg.TokenBudget != nil {
		opts.TokenBudget = clampInt(*cfg.TokenBudget, 1000)
	}
	if cfg.SoftTrim.MaxChars != nil {
		opts.Compress.MaxChars = clampInt(*cfg.SoftTrim.MaxChars, 0)
	}
	if cfg.SoftTrim.HeadChars != nil {
		opts.Compress.HeadChars = clampInt(*cfg.SoftTrim.HeadChars, 0)
	}
	if cfg.SoftTrim.TailChars != nil {
		opts.Compress.TailChars = clampInt(*cfg.SoftTrim.TailChars, 0)
	}
	// Head and tail must fit inside the trim threshold.
	if keep := opts.Compress.HeadChars + opts.Compress.TailChars; keep > opts.Compress.MaxChars && opts.Compress.MaxChars > 0 {
		opts.Compress.HeadChars = opts.Compress.MaxChars / 2
		opts.Compress.TailChars = opts.Compress.MaxChars - opts.Compress.HeadChars
	}
	if placeholder := strings.TrimSpace(cfg.HardClear.Placeholder); placeholder != "" {
		opts.Compress.Placeholder = placeholder
	}
	return opts
}

func clampInt(value int, min int) int {
	if value < min {
		return min
	}
	return value
}
