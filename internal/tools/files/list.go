package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	// maxListDepth bounds the walk; rendering applies its own, lower cap.
	maxListDepth = 10
	maxListNodes = 5000
)

type listInput struct {
	Path  string `json:"path,omitempty" jsonschema:"description=Directory to list (default: the first workspace root)."`
	Depth int    `json:"depth,omitempty" jsonschema:"description=How many levels to descend (default: 2).,minimum=1"`
}

// ListTool lists a directory as a tree.
type ListTool struct {
	toolBase
}

func (t *ListTool) Name() string { return "list_directory" }

func (t *ListTool) Description() string {
	return "List a workspace directory as a tree. Symlinked directories are shown but not entered."
}

func (t *ListTool) Schema() json.RawMessage { return schemaFor(&listInput{}) }

func (t *ListTool) Permissions() []models.PermissionType {
	return []models.PermissionType{models.PermissionRead}
}

func (t *ListTool) ReadOnly() bool { return true }

// Execute walks the directory and returns the tree for the router to render.
func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input listInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
		}
	}
	if input.Path == "" {
		input.Path = "."
	}
	depth := input.Depth
	if depth <= 0 {
		depth = 2
	}
	depth = min(depth, maxListDepth)

	resolved, err := t.resolve(t.Name(), input.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("stat: %v", err)), nil
	}
	if !info.IsDir() {
		return toolError("path is not a directory"), nil
	}

	nodes := 0
	root, err := t.walk(ctx, resolved, filepath.Base(resolved), depth, &nodes)
	if err != nil {
		return nil, err
	}
	result := &agent.ToolResult{Tree: root}
	if nodes >= maxListNodes {
		result.Content = fmt.Sprintf("listing stopped after %d entries", maxListNodes)
	}
	return result, nil
}

// walk builds the tree one level past depth so deeper directories are known
// to have children and can be marked truncated.
func (t *ListTool) walk(ctx context.Context, dir, name string, depth int, nodes *int) (*agent.TreeNode, error) {
	node := &agent.TreeNode{Name: name, Dir: true}
	if depth < 0 || *nodes >= maxListNodes {
		return node, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.logger.Debug("skipping unreadable directory", "path", dir, "error", err)
		return node, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if *nodes >= maxListNodes {
			break
		}
		*nodes++
		if !entry.IsDir() {
			child := &agent.TreeNode{Name: entry.Name()}
			if info, err := entry.Info(); err == nil {
				child.Size = info.Size()
			}
			if entry.Type()&os.ModeSymlink != 0 {
				child.Name += "@"
			}
			node.Children = append(node.Children, child)
			continue
		}
		child, err := t.walk(ctx, filepath.Join(dir, entry.Name()), entry.Name(), depth-1, nodes)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}
