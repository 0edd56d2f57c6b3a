package files

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"regexp/syntax"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	maxPatternLen  = 1000
	maxGrepFile    = 5 << 20
	maxLineLen     = 500
	binarySniffLen = 8000
)

type grepInput struct {
	Pattern         string `json:"pattern" jsonschema:"description=Regular expression (RE2 syntax) to search for."`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search (default: the first workspace root)."`
	Include         string `json:"include,omitempty" jsonschema:"description=Glob over paths relative to path that limits which files are searched."`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
}

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	toolBase
	maxMatches int
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents in the workspace with a regular expression. Binary files and .git are skipped."
}

func (t *GrepTool) Schema() json.RawMessage { return schemaFor(&grepInput{}) }

func (t *GrepTool) Permissions() []models.PermissionType {
	return []models.PermissionType{models.PermissionRead}
}

func (t *GrepTool) ReadOnly() bool { return true }

func (t *GrepTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input grepInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	expr := input.Pattern
	if input.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := CompilePattern(expr)
	if err != nil {
		t.logger.Warn("rejected search pattern", "pattern", input.Pattern, "error", err)
		return nil, err
	}
	if input.Include != "" {
		if err := checkGlob(input.Include); err != nil {
			return nil, err
		}
	}
	if input.Path == "" {
		input.Path = "."
	}
	base, err := t.resolve(t.Name(), input.Path)
	if err != nil {
		return nil, err
	}

	var matches []grepMatch
	files := 0
	truncated := false
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && p != base {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(base, p)
		if input.Include != "" {
			if ok, _ := doublestar.Match(input.Include, filepath.ToSlash(rel)); !ok {
				return nil
			}
		}
		files++
		display := filepath.ToSlash(filepath.Join(input.Path, rel))
		if rel == "." {
			display = filepath.ToSlash(input.Path)
		}
		found, full := grepFile(p, display, re, t.maxMatches-len(matches))
		matches = append(matches, found...)
		if full {
			truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return jsonResult(map[string]any{
		"pattern":       input.Pattern,
		"matches":       matches,
		"count":         len(matches),
		"files_scanned": files,
		"truncated":     truncated,
	})
}

// grepFile returns up to limit matches and whether the limit was reached.
func grepFile(path, display string, re *regexp.Regexp, limit int) ([]grepMatch, bool) {
	if limit <= 0 {
		return nil, true
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	if info, err := f.Stat(); err != nil || info.Size() > maxGrepFile {
		return nil, false
	}

	reader := bufio.NewReader(f)
	if head, _ := reader.Peek(binarySniffLen); bytes.IndexByte(head, 0) >= 0 {
		return nil, false
	}

	var out []grepMatch
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxGrepFile)
	line := 0
	for scanner.Scan() {
		line++
		if !re.Match(scanner.Bytes()) {
			continue
		}
		text := scanner.Text()
		if len(text) > maxLineLen {
			text = cutRunes(text, maxLineLen) + "..."
		}
		out = append(out, grepMatch{Path: display, Line: line, Text: text})
		if len(out) >= limit {
			return out, true
		}
	}
	return out, false
}

// CompilePattern compiles a search pattern after rejecting ones that are
// too long, malformed, or that nest unbounded repetition such as (a+)+.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if len(pattern) > maxPatternLen {
		return nil, &SecurityError{Path: truncatePattern(pattern), Err: fmt.Errorf("%w: longer than %d characters", ErrUnsafePattern, maxPatternLen)}
	}
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, &SecurityError{Path: truncatePattern(pattern), Err: fmt.Errorf("%w: %v", ErrUnsafePattern, err)}
	}
	if nestedRepeat(parsed, false) {
		return nil, &SecurityError{Path: truncatePattern(pattern), Err: fmt.Errorf("%w: nested unbounded repetition", ErrUnsafePattern)}
	}
	return regexp.Compile(pattern)
}

func nestedRepeat(re *syntax.Regexp, inside bool) bool {
	unbounded := re.Op == syntax.OpStar || re.Op == syntax.OpPlus ||
		(re.Op == syntax.OpRepeat && re.Max == -1)
	if unbounded && inside {
		return true
	}
	for _, sub := range re.Sub {
		if nestedRepeat(sub, inside || unbounded) {
			return true
		}
	}
	return false
}

func truncatePattern(p string) string {
	if len(p) <= 80 {
		return p
	}
	return cutRunes(p, 80) + "..."
}

func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
