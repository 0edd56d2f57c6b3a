package context

import (
	"strconv"

	"github.com/haasonsaas/conductor/pkg/models"
)

// CompressOptions configures tool result compression.
type CompressOptions struct {
	// MaxChars is the size above which a tool result is trimmed.
	MaxChars int

	// HeadChars and TailChars are kept from the start and end of a trimmed
	// result.
	HeadChars int
	TailChars int

	// Placeholder replaces cleared tool results.
	Placeholder string
}

// DefaultCompressOptions returns the defaults used by the builder.
func DefaultCompressOptions() CompressOptions {
	return CompressOptions{
		MaxChars:    4000,
		HeadChars:   1500,
		TailChars:   1500,
		Placeholder: "[Old tool result content cleared]",
	}
}

// CompressToolResults returns messages with every oversized tool result
// replaced by its head and tail and a note with the original size. Messages
// that need no change are shared with the input. The second return value is
// the number of results compressed.
func CompressToolResults(messages []*models.Message, opts CompressOptions) ([]*models.Message, int) {
	var next []*models.Message
	count := 0
	for i, msg := range messages {
		if msg == nil || len(msg.ToolResults) == 0 {
			continue
		}
		var updated *models.Message
		for j, tr := range msg.ToolResults {
			trimmed, changed := softTrim(tr.Content, opts)
			if !changed {
				continue
			}
			if updated == nil {
				updated = copyWithToolResults(msg)
			}
			updated.ToolResults[j].Content = trimmed
			count++
		}
		if updated != nil {
			next = ensureCopy(next, messages)
			next[i] = updated
		}
	}
	if next == nil {
		return messages, 0
	}
	return next, count
}

// ClearToolResults replaces the content of every tool result in messages
// except the last tool message with the placeholder.
func ClearToolResults(messages []*models.Message, opts CompressOptions) ([]*models.Message, int) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == models.RoleTool {
			last = i
			break
		}
	}
	var next []*models.Message
	count := 0
	for i, msg := range messages {
		if i == last || msg == nil || len(msg.ToolResults) == 0 {
			continue
		}
		updated := copyWithToolResults(msg)
		for j := range updated.ToolResults {
			if updated.ToolResults[j].Content == opts.Placeholder {
				continue
			}
			updated.ToolResults[j].Content = opts.Placeholder
			count++
		}
		next = ensureCopy(next, messages)
		next[i] = updated
	}
	if next == nil {
		return messages, 0
	}
	return next, count
}

func softTrim(content string, opts CompressOptions) (string, bool) {
	rawLen := len(content)
	if opts.MaxChars <= 0 || rawLen <= opts.MaxChars {
		return content, false
	}
	headChars := max(opts.HeadChars, 0)
	tailChars := max(opts.TailChars, 0)
	if headChars+tailChars >= rawLen {
		return content, false
	}
	head := content[:headChars]
	tail := content[len(content)-tailChars:]

	trimmed := head + "\n...\n" + tail
	note := "\n\n[Tool result trimmed: kept first " + strconv.Itoa(headChars) + " chars and last " + strconv.Itoa(tailChars) + " chars of " + strconv.Itoa(rawLen) + " chars.]"
	return trimmed + note, true
}

func ensureCopy(next, messages []*models.Message) []*models.Message {
	if next == nil {
		next = make([]*models.Message, len(messages))
		copy(next, messages)
	}
	return next
}

func copyWithToolResults(msg *models.Message) *models.Message {
	clone := *msg
	clone.ToolResults = append([]models.ToolResult(nil), msg.ToolResults...)
	return &clone
}
