// Package context assembles the message list sent to the model.
//
// This package handles:
//   - Transcript repair: pairing every tool call with a result
//   - Image pruning: only the latest user message keeps its images
//   - Budget management: dropping whole user-started units from the oldest
//     end, compressing oversized tool results, and falling back to a minimal
//     context instead of failing
package context

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/conductor/pkg/models"
)

// DefaultTokenBudget is the prompt budget used when none is configured.
const DefaultTokenBudget = 100000

// Stage names the last reduction a build needed.
type Stage string

const (
	StageNone       Stage = "none"
	StageTruncated  Stage = "truncated"
	StageCompressed Stage = "compressed"
	StageEdges      Stage = "edges_dropped"
	StageMinimal    Stage = "minimal"
)

// ToolCatalog supplies the tool definitions offered for a build.
type ToolCatalog interface {
	Refresh(ctx context.Context) []models.ToolDefinition
}

// CatalogFunc adapts a function to ToolCatalog.
type CatalogFunc func(ctx context.Context) []models.ToolDefinition

// Refresh calls f.
func (f CatalogFunc) Refresh(ctx context.Context) []models.ToolDefinition { return f(ctx) }

// Options configures a Builder.
type Options struct {
	// TokenBudget is the maximum prompt estimate, tools included.
	// Default: 100000.
	TokenBudget int

	Compress CompressOptions
	Logger   *slog.Logger
}

// Input is one build request.
type Input struct {
	System string

	// History is the transcript before the current turn.
	History []*models.Message

	// Turn holds the current turn: the user message first, then the
	// assistant and tool messages produced so far.
	Turn []*models.Message

	// Vision is false when the model cannot take images.
	Vision bool

	Catalog ToolCatalog
}

// Result is the assembled context.
type Result struct {
	System       string
	Messages     []*models.Message
	Tools        []models.ToolDefinition
	PromptTokens int

	// Dropped counts history messages left out.
	Dropped int

	// Compressed counts tool results trimmed or cleared.
	Compressed int

	// Minimal is true when the budget could not be met even after every
	// reduction, so only the system prompt and the current turn were kept.
	Minimal bool

	Stage Stage
}

// Builder assembles model context within a token budget.
type Builder struct {
	opts   Options
	logger *slog.Logger
}

// NewBuilder creates a builder.
func NewBuilder(opts Options) *Builder {
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = DefaultTokenBudget
	}
	defaults := DefaultCompressOptions()
	if opts.Compress.MaxChars <= 0 {
		opts.Compress.MaxChars = defaults.MaxChars
	}
	if opts.Compress.HeadChars <= 0 {
		opts.Compress.HeadChars = defaults.HeadChars
	}
	if opts.Compress.TailChars <= 0 {
		opts.Compress.TailChars = defaults.TailChars
	}
	if opts.Compress.Placeholder == "" {
		opts.Compress.Placeholder = defaults.Placeholder
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{opts: opts, logger: logger.With("component", "context_builder")}
}

// Budget returns the configured token budget.
func (b *Builder) Budget() int { return b.opts.TokenBudget }

// Build assembles the context for in. It never fails: a context that cannot
// fit the budget degrades to the system prompt plus the current turn.
func (b *Builder) Build(ctx context.Context, in Input) *Result {
	res := &Result{System: in.System, Stage: StageNone}
	if in.Catalog != nil {
		res.Tools = in.Catalog.Refresh(ctx)
	}

	history := RepairTranscript(in.History)
	turn := RepairTranscript(in.Turn)
	history, turn = pruneImages(history, turn, in.Vision)

	fixed := EstimateTokens(in.System) + EstimateToolTokens(res.Tools)
	fits := func(history, turn []*models.Message) (int, bool) {
		total := fixed + EstimateMessages(history) + EstimateMessages(turn)
		return total, total <= b.opts.TokenBudget
	}

	if total, ok := fits(history, turn); ok {
		return b.finish(res, history, turn, total)
	}

	// Drop the oldest units that are not context edges.
	units := splitUnits(history)
	for i := 0; i < len(units); i++ {
		if _, ok := fits(flattenUnits(units), turn); ok {
			break
		}
		if units[i].edge {
			continue
		}
		res.Dropped += len(units[i].messages)
		units = append(units[:i], units[i+1:]...)
		i--
		res.Stage = StageTruncated
	}
	history = flattenUnits(units)
	if total, ok := fits(history, turn); ok {
		return b.finish(res, history, turn, total)
	}

	// Compress oversized tool results in what is left.
	var n int
	history, n = CompressToolResults(history, b.opts.Compress)
	res.Compressed += n
	turn, n = CompressToolResults(turn, b.opts.Compress)
	res.Compressed += n
	if res.Compressed > 0 {
		res.Stage = StageCompressed
	}
	if total, ok := fits(history, turn); ok {
		return b.finish(res, history, turn, total)
	}

	// Drop context edges, oldest first.
	for len(units) > 0 {
		res.Dropped += len(units[0].messages)
		units = units[1:]
		res.Stage = StageEdges
		history, _ = CompressToolResults(flattenUnits(units), b.opts.Compress)
		if total, ok := fits(history, turn); ok {
			return b.finish(res, history, turn, total)
		}
	}

	// Minimal: the current turn with everything but its latest tool
	// results cleared.
	turn, n = ClearToolResults(turn, b.opts.Compress)
	res.Compressed += n
	res.Minimal = true
	res.Stage = StageMinimal
	total, _ := fits(nil, turn)
	b.logger.WarnContext(ctx, "context exceeds budget even after reduction, using minimal context",
		"prompt_tokens", total,
		"budget", b.opts.TokenBudget)
	return b.finish(res, nil, turn, total)
}

func (b *Builder) finish(res *Result, history, turn []*models.Message, total int) *Result {
	res.Messages = make([]*models.Message, 0, len(history)+len(turn))
	res.Messages = append(res.Messages, history...)
	res.Messages = append(res.Messages, turn...)
	res.PromptTokens = total
	if res.Stage != StageNone {
		b.logger.Debug("context reduced",
			"stage", res.Stage,
			"dropped", res.Dropped,
			"compressed", res.Compressed,
			"prompt_tokens", total)
	}
	return res
}

// pruneImages strips image attachments from every user message except the
// most recent one, and from all messages when vision is unsupported.
func pruneImages(history, turn []*models.Message, vision bool) ([]*models.Message, []*models.Message) {
	var latest *models.Message
	for _, list := range [][]*models.Message{turn, history} {
		for i := len(list) - 1; i >= 0 && latest == nil; i-- {
			if list[i] != nil && list[i].Role == models.RoleUser {
				latest = list[i]
			}
		}
	}
	strip := func(list []*models.Message) []*models.Message {
		var next []*models.Message
		for i, msg := range list {
			if msg == nil || !msg.HasImages() || (vision && msg == latest) {
				continue
			}
			clone := *msg
			clone.Attachments = nil
			for _, a := range msg.Attachments {
				if a.Type != models.AttachmentImage {
					clone.Attachments = append(clone.Attachments, a)
				}
			}
			next = ensureCopy(next, list)
			next[i] = &clone
		}
		if next == nil {
			return list
		}
		return next
	}
	return strip(history), strip(turn)
}
