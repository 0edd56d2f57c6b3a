package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/conductor/pkg/models"
)

// BuiltinOwner is the owner id of in-process tools.
const BuiltinOwner = "builtin"

// BuiltinSource exposes in-process Tool implementations to the registry.
type BuiltinSource struct {
	owner string
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewBuiltinSource creates a source for the given tools.
func NewBuiltinSource(tools ...Tool) *BuiltinSource {
	s := &BuiltinSource{owner: BuiltinOwner, tools: make(map[string]Tool)}
	for _, t := range tools {
		s.Register(t)
	}
	return s
}

// Register adds a tool. A tool with the same name replaces the previous one.
func (s *BuiltinSource) Register(tool Tool) {
	if tool == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[tool.Name()]; !ok {
		s.order = append(s.order, tool.Name())
	}
	s.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (s *BuiltinSource) Get(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

func (s *BuiltinSource) Kind() models.ToolSource { return models.ToolSourceBuiltin }
func (s *BuiltinSource) OwnerID() string         { return s.owner }

func (s *BuiltinSource) ListTools(ctx context.Context) ([]models.ToolDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		defs = append(defs, DefinitionFor(s.tools[name]))
	}
	return defs, nil
}

func (s *BuiltinSource) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	tool, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool.Execute(ctx, args)
}

// DefinitionFor builds a definition from an in-process tool, reading the
// optional capability interfaces.
func DefinitionFor(tool Tool) models.ToolDefinition {
	def := models.ToolDefinition{
		Name:        tool.Name(),
		Description: tool.Description(),
		Schema:      tool.Schema(),
		Permissions: []models.PermissionType{models.PermissionRead},
	}
	if p, ok := tool.(PermissionedTool); ok {
		def.Permissions = p.Permissions()
	}
	if ro, ok := tool.(ReadOnlyTool); ok {
		def.ReadOnly = ro.ReadOnly()
	}
	if v, ok := tool.(VisionTool); ok {
		def.RequiresVision = v.RequiresVision()
	}
	return def
}

// CallFunc executes a backend-declared tool.
type CallFunc func(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)

// StaticSource serves a fixed set of definitions, typically declared by the
// model backend itself.
type StaticSource struct {
	kind  models.ToolSource
	owner string
	defs  []models.ToolDefinition
	call  CallFunc
}

// NewBackendSource creates a backend-declared source.
func NewBackendSource(owner string, defs []models.ToolDefinition, call CallFunc) *StaticSource {
	return &StaticSource{kind: models.ToolSourceBackend, owner: owner, defs: defs, call: call}
}

func (s *StaticSource) Kind() models.ToolSource { return s.kind }
func (s *StaticSource) OwnerID() string         { return s.owner }

func (s *StaticSource) ListTools(ctx context.Context) ([]models.ToolDefinition, error) {
	return append([]models.ToolDefinition(nil), s.defs...), nil
}

func (s *StaticSource) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	if s.call == nil {
		return nil, fmt.Errorf("%w: %s has no executor", ErrToolNotFound, name)
	}
	return s.call(ctx, name, args)
}
