package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/observability"
)

// Config holds the MCP configuration.
type Config struct {
	Servers []*ServerConfig `yaml:"servers" json:"servers,omitempty"`

	// KillGrace is the wait between SIGTERM and SIGKILL. Default: 3s
	KillGrace time.Duration `yaml:"kill_grace" json:"kill_grace,omitempty"`
}

// Validate checks every server and rejects duplicate ids.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	seen := make(map[string]bool, len(c.Servers))
	var errs []error
	for _, s := range c.Servers {
		if s == nil {
			continue
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate server id %q", s.ID))
		}
		seen[s.ID] = true
	}
	return errors.Join(errs...)
}

// Manager hands out tool sources for the configured servers. Every session
// gets its own sources, and with them its own server processes.
type Manager struct {
	config  *Config
	metrics *observability.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	live map[*Source]struct{}
}

// NewManager creates a new MCP manager.
func NewManager(cfg *Config, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		metrics: metrics,
		logger:  logger.With("component", "mcp"),
		live:    make(map[*Source]struct{}),
	}
}

// Sources creates one unstarted source per configured server.
func (m *Manager) Sources() []agent.ToolSource {
	opts := ClientOptions{
		KillGrace: m.config.KillGrace,
		OnKill:    func() { m.metrics.RecordProcessKill("mcp") },
	}
	sources := make([]agent.ToolSource, 0, len(m.config.Servers))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.config.Servers {
		if cfg == nil {
			continue
		}
		src := &trackedSource{Source: NewSource(cfg, opts, m.logger), manager: m}
		m.live[src.Source] = struct{}{}
		sources = append(sources, src)
	}
	return sources
}

// Stop closes every source that is still open.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sources := make([]*Source, 0, len(m.live))
	for s := range m.live {
		sources = append(sources, s)
	}
	clear(m.live)
	m.mu.Unlock()

	var errs []error
	for _, s := range sources {
		if err := s.Close(ctx); err != nil {
			m.logger.Error("failed to close MCP server", "server", s.OwnerID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServerStatus represents the status of an MCP server.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Transport string     `json:"transport"`
	Running   int        `json:"running"`
	Server    ServerInfo `json:"server,omitempty"`
}

// Status reports how many sessions are running each configured server.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]ServerStatus, 0, len(m.config.Servers))
	for _, cfg := range m.config.Servers {
		if cfg == nil {
			continue
		}
		transport := cfg.Transport
		if transport == "" {
			transport = TransportStdio
		}
		status := ServerStatus{ID: cfg.ID, Name: cfg.Name, Transport: string(transport)}
		for s := range m.live {
			if s.config != cfg {
				continue
			}
			s.mu.Lock()
			if s.client != nil && s.client.Alive() {
				status.Running++
				status.Server = s.client.ServerInfo()
			}
			s.mu.Unlock()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// trackedSource forgets itself in the manager once closed.
type trackedSource struct {
	*Source
	manager *Manager
}

func (t *trackedSource) Close(ctx context.Context) error {
	t.manager.mu.Lock()
	delete(t.manager.live, t.Source)
	t.manager.mu.Unlock()
	return t.Source.Close(ctx)
}
