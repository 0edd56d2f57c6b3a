package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

type writeInput struct {
	Path    string `json:"path" jsonschema:"description=Path to write (relative to the first workspace root)."`
	Content string `json:"content" jsonschema:"description=File contents to write."`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite (default: false)."`
}

// WriteTool implements file writes within the workspace.
type WriteTool struct {
	toolBase
}

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace (overwrites by default)."
}

func (t *WriteTool) Schema() json.RawMessage { return schemaFor(&writeInput{}) }

func (t *WriteTool) Permissions() []models.PermissionType {
	return []models.PermissionType{models.PermissionWrite}
}

// Execute writes file contents.
func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input writeInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}

	resolved, err := t.resolve(t.Name(), input.Path)
	if err != nil {
		return nil, err
	}
	n, err := writeFile(resolved, input.Content, input.Append)
	if err != nil {
		return toolError(err.Error()), nil
	}

	return jsonResult(map[string]any{
		"path":          input.Path,
		"bytes_written": n,
		"append":        input.Append,
	})
}

// WriteText writes a text file through the resolver, creating parent
// directories as needed.
func WriteText(r Resolver, path, content string) error {
	resolved, err := r.Resolve(path)
	if err != nil {
		return err
	}
	_, err = writeFile(resolved, content, false)
	return err
}

func writeFile(resolved, content string, appendMode bool) (int, error) {
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open file: %w", err)
	}
	n, err := file.WriteString(content)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write file: %w", err)
	}
	return n, nil
}
