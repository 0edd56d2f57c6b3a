package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

type memoryOffload struct {
	data map[string][]byte
	err  error
}

func (m *memoryOffload) Offload(ctx context.Context, sessionID, toolCallID string, data []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	ref := "mem://" + sessionID + "/" + toolCallID
	m.data[ref] = data
	return ref, nil
}

func TestTruncate_LengthBound(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
	}{
		{"ascii", strings.Repeat("a", 100), 10},
		{"multibyte", strings.Repeat("é", 100), 11},
		{"emoji", strings.Repeat("🙂", 50), 7},
		{"exact", strings.Repeat("b", 10), 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, truncated := Truncate(tt.input, tt.max)
			if len(tt.input) <= tt.max {
				if truncated || out != tt.input {
					t.Fatalf("short input should pass through")
				}
				return
			}
			if !truncated || !strings.HasSuffix(out, TruncatedMarker) {
				t.Fatalf("missing marker: %q", out)
			}
			if len(out) > tt.max+len(TruncatedMarker) {
				t.Fatalf("len %d exceeds %d", len(out), tt.max+len(TruncatedMarker))
			}
			if !utf8.ValidString(out) {
				t.Fatal("truncation split a rune")
			}
		})
	}
}

func TestToolResultGuard_Truncates(t *testing.T) {
	guard := NewToolResultGuard(ToolResultGuard{MaxChars: 20})
	out := guard.Apply(context.Background(), "s", "c", &ToolResult{Content: strings.Repeat("x", 100)})
	if !out.Truncated || len(out.Content) != 20+len(TruncatedMarker) {
		t.Fatalf("out = %+v", out)
	}
}

func TestToolResultGuard_Offloads(t *testing.T) {
	store := &memoryOffload{}
	guard := NewToolResultGuard(ToolResultGuard{
		MaxChars:         50,
		OffloadThreshold: 100,
		PreviewChars:     10,
		Store:            store,
	})
	content := strings.Repeat("y", 500)
	out := guard.Apply(context.Background(), "sess", "call", &ToolResult{Content: content})

	if out.Ref != "mem://sess/call" {
		t.Fatalf("ref = %q", out.Ref)
	}
	if !strings.HasPrefix(out.Content, strings.Repeat("y", 10)+"\n") || !strings.Contains(out.Content, out.Ref) {
		t.Fatalf("preview = %q", out.Content)
	}
	if string(store.data[out.Ref]) != content {
		t.Fatal("full output not stored")
	}
}

func TestToolResultGuard_OffloadFailureTruncates(t *testing.T) {
	guard := NewToolResultGuard(ToolResultGuard{
		MaxChars:         50,
		OffloadThreshold: 100,
		Store:            &memoryOffload{err: errors.New("disk full")},
	})
	out := guard.Apply(context.Background(), "s", "c", &ToolResult{Content: strings.Repeat("z", 500)})
	if out.Ref != "" || !out.Truncated {
		t.Fatalf("out = %+v", out)
	}
}

func TestToolResultGuard_Redacts(t *testing.T) {
	guard := NewToolResultGuard(ToolResultGuard{
		SanitizeSecrets: true,
		RedactPatterns:  []string{`internal-host-\d+`, `(`},
		RedactionText:   "***",
	})
	out := guard.Apply(context.Background(), "s", "c", &ToolResult{
		Content: "token: abcdefghijklmnopqrstuvwxyz on internal-host-42",
	})
	if strings.Contains(out.Content, "abcdefghijklmnop") || strings.Contains(out.Content, "internal-host-42") {
		t.Fatalf("not redacted: %q", out.Content)
	}
}

func TestRenderTree_DepthCapAndCycles(t *testing.T) {
	leaf := &TreeNode{Name: "leaf.txt"}
	deep := &TreeNode{Name: "d3", Dir: true, Children: []*TreeNode{leaf}}
	d2 := &TreeNode{Name: "d2", Dir: true, Children: []*TreeNode{deep}}
	root := &TreeNode{Name: "root", Dir: true, Children: []*TreeNode{d2, {Name: "a.go"}}}
	deep.Children = append(deep.Children, root)

	out := RenderTree(root, 2)
	lines := strings.Split(out, "\n")
	if lines[0] != "root/" {
		t.Fatalf("first line = %q", lines[0])
	}
	if !strings.Contains(out, "    d3/ [truncated]") {
		t.Fatalf("depth cap not marked:\n%s", out)
	}
	if strings.Contains(out, "leaf.txt") {
		t.Fatalf("rendered below the cap:\n%s", out)
	}

	out = RenderTree(root, 10)
	if strings.Count(out, "root/") != 2 || !strings.Contains(out, "root/ [truncated]") {
		t.Fatalf("cycle not stopped:\n%s", out)
	}
}

func TestToolResultGuard_RendersTree(t *testing.T) {
	guard := NewToolResultGuard(ToolResultGuard{MaxTreeDepth: 1})
	out := guard.Apply(context.Background(), "s", "c", &ToolResult{
		Content: "listing",
		Tree: &TreeNode{Name: ".", Dir: true, Children: []*TreeNode{
			{Name: "sub", Dir: true, Children: []*TreeNode{{Name: "x"}}},
		}},
	})
	want := "listing\n./\n  sub/ [truncated]"
	if out.Content != want {
		t.Fatalf("content = %q, want %q", out.Content, want)
	}
}
