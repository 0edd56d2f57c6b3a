package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// textRenderer prints answer text to out and progress to status.
type textRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	status io.Writer

	// reasoning is true while a run of reasoning deltas is open.
	reasoning bool
}

func newTextRenderer(out, status io.Writer) *textRenderer {
	return &textRenderer{out: out, status: status}
}

func (r *textRenderer) Emit(_ context.Context, e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Type {
	case models.EventMessageDelta:
		if e.Delta == nil {
			return
		}
		if e.Delta.Kind == models.BlockReasoning {
			if !r.reasoning {
				fmt.Fprint(r.status, "\n[thinking] ")
				r.reasoning = true
			}
			fmt.Fprint(r.status, e.Delta.Text)
			return
		}
		r.endReasoning()
		fmt.Fprint(r.out, e.Delta.Text)
	case models.EventMessageBlock:
		if e.Block != nil && e.Block.Type == models.BlockError {
			r.endReasoning()
			fmt.Fprintf(r.status, "\n[notice] %s\n", e.Block.Text)
		}
	case models.EventToolStart:
		r.endReasoning()
		if e.Tool != nil {
			fmt.Fprintf(r.status, "\n[tool] %s %s\n", e.Tool.Name, abbreviate(e.Tool.Input, 120))
		}
	case models.EventToolEnd:
		if e.Tool == nil {
			return
		}
		status := "ok"
		if e.Tool.IsError {
			status = "error"
		}
		fmt.Fprintf(r.status, "[tool] %s %s (%s)", e.Tool.Name, status, e.Tool.Elapsed.Round(time.Millisecond))
		if e.Tool.Ref != "" {
			fmt.Fprintf(r.status, " full output: %s", e.Tool.Ref)
		}
		fmt.Fprintln(r.status)
	case models.EventPermissionDenied:
		if e.Permission != nil {
			fmt.Fprintf(r.status, "[denied] %s %s\n", e.Permission.ToolName, e.Permission.PermissionType)
		}
	case models.EventError:
		r.endReasoning()
		if e.Error != nil {
			fmt.Fprintf(r.status, "\n[error] %s\n", e.Error.Message)
		}
	case models.EventMessageEnd:
		r.endReasoning()
		fmt.Fprintln(r.out)
	}
}

func (r *textRenderer) endReasoning() {
	if r.reasoning {
		fmt.Fprintln(r.status)
		r.reasoning = false
	}
}

func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
