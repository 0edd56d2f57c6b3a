package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

var errEnoughMatches = errors.New("enough matches")

type globInput struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern relative to path; ** matches any number of directories."`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory to search from (default: the first workspace root)."`
}

// GlobTool finds files by name pattern.
type GlobTool struct {
	toolBase
	maxMatches int
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files in the workspace whose path matches a glob pattern such as **/*.go."
}

func (t *GlobTool) Schema() json.RawMessage { return schemaFor(&globInput{}) }

func (t *GlobTool) Permissions() []models.PermissionType {
	return []models.PermissionType{models.PermissionRead}
}

func (t *GlobTool) ReadOnly() bool { return true }

func (t *GlobTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input globInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if err := checkGlob(input.Pattern); err != nil {
		t.logger.Warn("rejected glob pattern", "pattern", input.Pattern, "error", err)
		return nil, err
	}
	if input.Path == "" {
		input.Path = "."
	}
	base, err := t.resolve(t.Name(), input.Path)
	if err != nil {
		return nil, err
	}

	var matches []string
	truncated := false
	err = doublestar.GlobWalk(os.DirFS(base), input.Pattern, func(p string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(matches) >= t.maxMatches {
			truncated = true
			return errEnoughMatches
		}
		match := path.Join(input.Path, p)
		if d.IsDir() {
			match += "/"
		}
		matches = append(matches, match)
		return nil
	}, doublestar.WithNoFollow())
	if err != nil && !errors.Is(err, errEnoughMatches) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return toolError(fmt.Sprintf("glob: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"pattern":   input.Pattern,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	})
}

// checkGlob rejects malformed patterns and patterns that leave the search
// directory.
func checkGlob(pattern string) error {
	switch {
	case strings.TrimSpace(pattern) == "":
		return fmt.Errorf("pattern is required")
	case len(pattern) > maxPatternLen:
		return &SecurityError{Path: pattern, Err: fmt.Errorf("%w: longer than %d characters", ErrUnsafePattern, maxPatternLen)}
	case !doublestar.ValidatePattern(pattern):
		return &SecurityError{Path: pattern, Err: fmt.Errorf("%w: malformed glob", ErrUnsafePattern)}
	case path.IsAbs(pattern) || strings.HasPrefix(pattern, "../") || strings.Contains(pattern, "/../") || pattern == "..":
		return &SecurityError{Path: pattern, Err: ErrPathNotAllowed}
	}
	return nil
}
