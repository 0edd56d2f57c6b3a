package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolSource yields tool definitions from one owner and executes calls for
// them. External tool servers, the builtin tool set and backend-declared tools
// are all sources.
type ToolSource interface {
	// Kind reports which class of source this is.
	Kind() models.ToolSource

	// OwnerID names the source, e.g. the MCP server id.
	OwnerID() string

	// ListTools returns the source's current definitions.
	ListTools(ctx context.Context) ([]models.ToolDefinition, error)

	// CallTool executes one tool with already-parsed arguments.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
}

// ToolFilter narrows the definitions offered to a session.
type ToolFilter struct {
	// Enabled holds glob patterns matched against the tool name and against
	// "owner/name". Empty enables everything.
	Enabled []string

	// Vision is false when the model cannot take image input.
	Vision bool
}

func (f ToolFilter) allows(def models.ToolDefinition) bool {
	if def.RequiresVision && !f.Vision {
		return false
	}
	if len(f.Enabled) == 0 {
		return true
	}
	qualified := def.OwnerID + "/" + def.Name
	for _, pattern := range f.Enabled {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if ok, _ := doublestar.Match(pattern, def.Name); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, qualified); ok {
			return true
		}
	}
	return false
}

type registeredTool struct {
	def    models.ToolDefinition
	source ToolSource
}

// ToolRegistry collects definitions from every source and deduplicates them
// by name. It is rebuilt on each Refresh and belongs to a single session.
type ToolRegistry struct {
	mu      sync.RWMutex
	sources []ToolSource
	tools   map[string]registeredTool
	order   []string
	logger  *slog.Logger
}

// NewToolRegistry creates a registry over the given sources.
func NewToolRegistry(logger *slog.Logger, sources ...ToolSource) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		sources: append([]ToolSource(nil), sources...),
		tools:   make(map[string]registeredTool),
		logger:  logger.With("component", "tool_registry"),
	}
}

// AddSource appends a source. It takes effect on the next Refresh.
func (r *ToolRegistry) AddSource(src ToolSource) {
	if src == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
}

// Clear drops every registered definition.
func (r *ToolRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]registeredTool)
	r.order = nil
}

// Refresh clears the registry and re-registers every source's tools,
// returning the definitions that pass filter in registration order.
//
// When two sources declare the same name the external-server source wins and
// the other definition is dropped with a warning. Between two non-external
// sources, or two external ones, the first registered wins. A source that
// fails to list is skipped.
func (r *ToolRegistry) Refresh(ctx context.Context, filter ToolFilter) []models.ToolDefinition {
	r.mu.RLock()
	sources := append([]ToolSource(nil), r.sources...)
	r.mu.RUnlock()

	tools := make(map[string]registeredTool)
	var order []string

	for _, src := range sources {
		defs, err := src.ListTools(ctx)
		if err != nil {
			r.logger.Warn("tool source unavailable",
				"owner", src.OwnerID(),
				"source", src.Kind(),
				"error", err)
			continue
		}
		for _, def := range defs {
			if def.Name == "" || len(def.Name) > MaxToolNameLength {
				r.logger.Warn("skipping tool with invalid name", "owner", src.OwnerID(), "name", def.Name)
				continue
			}
			def.Source = src.Kind()
			def.OwnerID = src.OwnerID()

			existing, dup := tools[def.Name]
			if !dup {
				tools[def.Name] = registeredTool{def: def, source: src}
				order = append(order, def.Name)
				continue
			}

			winner, loser := existing, registeredTool{def: def, source: src}
			if def.Source == models.ToolSourceExternal && existing.def.Source != models.ToolSourceExternal {
				winner, loser = loser, existing
				tools[def.Name] = winner
			}
			r.logger.Warn("tool name conflict",
				"tool", def.Name,
				"kept_owner", winner.def.OwnerID,
				"kept_source", winner.def.Source,
				"dropped_owner", loser.def.OwnerID,
				"dropped_source", loser.def.Source)
		}
	}

	for name, rt := range tools {
		if !filter.allows(rt.def) {
			delete(tools, name)
		}
	}
	kept := order[:0]
	for _, name := range order {
		if _, ok := tools[name]; ok {
			kept = append(kept, name)
		}
	}

	r.mu.Lock()
	r.tools = tools
	r.order = kept
	r.mu.Unlock()

	return r.Definitions()
}

// Resolve returns the owner of a tool name, if registered.
func (r *ToolRegistry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return rt.def.OwnerID, true
}

// Lookup returns the definition and source for a tool name.
func (r *ToolRegistry) Lookup(name string) (models.ToolDefinition, ToolSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt.def, rt.source, ok
}

// Definitions returns the registered definitions in registration order.
func (r *ToolRegistry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Owners returns the distinct owner ids currently registered, sorted.
func (r *ToolRegistry) Owners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, rt := range r.tools {
		seen[rt.def.OwnerID] = struct{}{}
	}
	owners := make([]string, 0, len(seen))
	for o := range seen {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}
