package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

type editInput struct {
	Path  string `json:"path" jsonschema:"description=Path to edit (relative to the first workspace root)."`
	Edits []struct {
		OldText    string `json:"old_text" jsonschema:"description=Text to replace."`
		NewText    string `json:"new_text" jsonschema:"description=Replacement text."`
		ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace all occurrences (default: false)."`
	} `json:"edits" jsonschema:"minItems=1"`
}

// EditTool implements in-place text edits on files.
type EditTool struct {
	toolBase
}

func (t *EditTool) Name() string { return "edit_file" }

func (t *EditTool) Description() string {
	return "Apply one or more find/replace edits to a file in the workspace. Edits apply in order and all must match."
}

func (t *EditTool) Schema() json.RawMessage { return schemaFor(&editInput{}) }

func (t *EditTool) Permissions() []models.PermissionType {
	return []models.PermissionType{models.PermissionRead, models.PermissionWrite}
}

// Execute applies edits to the file. Nothing is written unless every edit
// matched.
func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input editInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}
	if len(input.Edits) == 0 {
		return toolError("edits are required"), nil
	}

	resolved, err := t.resolve(t.Name(), input.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	replacements := 0
	for i, edit := range input.Edits {
		if edit.OldText == "" {
			return toolError(fmt.Sprintf("edits[%d]: old_text is required", i)), nil
		}
		count := strings.Count(content, edit.OldText)
		if count == 0 {
			return toolError(fmt.Sprintf("edits[%d]: old_text not found", i)), nil
		}
		if edit.ReplaceAll {
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
			replacements += count
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"path":         input.Path,
		"replacements": replacements,
	})
}
