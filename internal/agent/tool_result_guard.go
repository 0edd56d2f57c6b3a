package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/conductor/internal/observability"
)

// Output protection defaults.
const (
	DefaultOutputMaxChars   = 30000
	DefaultOffloadThreshold = 200000
	DefaultPreviewChars     = 2000
	DefaultMaxTreeDepth     = 5
	TruncatedMarker         = "\n[truncated]"
	treeTruncatedMarker     = "[truncated]"
)

// OffloadStore persists oversized tool output outside the transcript.
type OffloadStore interface {
	// Offload stores data under a key derived from the session and call and
	// returns a reference the host can resolve later.
	Offload(ctx context.Context, sessionID, toolCallID string, data []byte) (ref string, err error)
}

// ToolResultGuard applies uniform output protection to every tool result,
// whatever its source.
type ToolResultGuard struct {
	// MaxChars truncates textual output beyond this many bytes.
	MaxChars int

	// OffloadThreshold sends output beyond this size to Store and keeps only
	// a preview in-band. Ignored when Store is nil.
	OffloadThreshold int

	// PreviewChars is the size of the in-band preview of offloaded output.
	PreviewChars int

	// MaxTreeDepth caps hierarchical output rendering.
	MaxTreeDepth int

	// SanitizeSecrets adds the common secret patterns (API keys, bearer
	// tokens, JWTs) to RedactPatterns.
	SanitizeSecrets bool

	// RedactPatterns are regular expressions whose matches are replaced by
	// RedactionText before anything else happens.
	RedactPatterns []string
	RedactionText  string

	Store  OffloadStore
	Logger *slog.Logger

	redactors []*regexp.Regexp
}

// GuardedOutput is the protected form of a tool result.
type GuardedOutput struct {
	Content   string
	Truncated bool
	Ref       string
}

// NewToolResultGuard fills defaults and compiles redaction patterns.
func NewToolResultGuard(cfg ToolResultGuard) *ToolResultGuard {
	g := &cfg
	g.sanitize()
	g.compileRedactors()
	return g
}

func (g *ToolResultGuard) sanitize() {
	if g.MaxChars <= 0 {
		g.MaxChars = DefaultOutputMaxChars
	}
	if g.OffloadThreshold <= 0 {
		g.OffloadThreshold = DefaultOffloadThreshold
	}
	if g.PreviewChars <= 0 {
		g.PreviewChars = DefaultPreviewChars
	}
	if g.MaxTreeDepth <= 0 {
		g.MaxTreeDepth = DefaultMaxTreeDepth
	}
	if g.Logger == nil {
		g.Logger = slog.Default()
	}
}

func (g *ToolResultGuard) compileRedactors() {
	g.redactors = nil
	patterns := g.RedactPatterns
	if g.SanitizeSecrets {
		patterns = append(append([]string(nil), observability.DefaultRedactPatterns...), patterns...)
	}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			g.Logger.Warn("ignoring invalid redact pattern", "pattern", pattern, "error", err)
			continue
		}
		g.redactors = append(g.redactors, re)
	}
}

// Apply protects one result. Tree payloads are rendered with the depth cap;
// output above OffloadThreshold is offloaded when a store is configured,
// otherwise output above MaxChars is truncated with TruncatedMarker. The
// guard must come from NewToolResultGuard.
func (g *ToolResultGuard) Apply(ctx context.Context, sessionID, toolCallID string, result *ToolResult) GuardedOutput {
	if result == nil {
		return GuardedOutput{}
	}

	content := result.Content
	if result.Tree != nil {
		tree := RenderTree(result.Tree, g.MaxTreeDepth)
		if content != "" {
			content += "\n"
		}
		content += tree
	}

	if len(g.redactors) > 0 && content != "" {
		redaction := g.RedactionText
		if redaction == "" {
			redaction = "[redacted]"
		}
		for _, re := range g.redactors {
			content = re.ReplaceAllString(content, redaction)
		}
	}

	if g.Store != nil && len(content) > g.OffloadThreshold {
		ref, err := g.Store.Offload(ctx, sessionID, toolCallID, []byte(content))
		if err == nil {
			preview := cutUTF8(content, g.PreviewChars)
			return GuardedOutput{
				Content: fmt.Sprintf("%s\n[output of %d bytes offloaded; full content at %s]", preview, len(content), ref),
				Ref:     ref,
			}
		}
		g.Logger.Warn("offload failed, truncating instead",
			"session_id", sessionID,
			"tool_call_id", toolCallID,
			"error", err)
	}

	if truncated, ok := Truncate(content, g.MaxChars); ok {
		return GuardedOutput{Content: truncated, Truncated: true}
	}
	return GuardedOutput{Content: content}
}

// Truncate cuts s to at most max bytes on a rune boundary and appends
// TruncatedMarker. The result never exceeds max+len(TruncatedMarker).
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	return cutUTF8(s, max) + TruncatedMarker, true
}

func cutUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// RenderTree renders a hierarchical payload as an indented listing. Nodes
// deeper than maxDepth are not visited; a directory whose children would
// exceed the cap is marked truncated. A node reachable twice is rendered
// once, which stops cycles.
func RenderTree(root *TreeNode, maxDepth int) string {
	if root == nil {
		return ""
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxTreeDepth
	}
	var b strings.Builder
	seen := make(map[*TreeNode]bool)
	var walk func(n *TreeNode, depth int)
	walk = func(n *TreeNode, depth int) {
		indent := strings.Repeat("  ", depth)
		if seen[n] {
			fmt.Fprintf(&b, "%s%s/ %s\n", indent, n.Name, treeTruncatedMarker)
			return
		}
		seen[n] = true
		switch {
		case !n.Dir:
			fmt.Fprintf(&b, "%s%s\n", indent, n.Name)
		case len(n.Children) > 0 && depth >= maxDepth:
			fmt.Fprintf(&b, "%s%s/ %s\n", indent, n.Name, treeTruncatedMarker)
		default:
			fmt.Fprintf(&b, "%s%s/\n", indent, n.Name)
			for _, child := range n.Children {
				if child != nil {
					walk(child, depth+1)
				}
			}
		}
	}
	walk(root, 0)
	return strings.TrimRight(b.String(), "\n")
}
