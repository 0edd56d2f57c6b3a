package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conductor/internal/acp"
	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/providers"
	"github.com/haasonsaas/conductor/internal/artifacts"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/internal/tools/browser"
	"github.com/haasonsaas/conductor/internal/tools/exec"
	"github.com/haasonsaas/conductor/internal/tools/files"
)

// runtime owns everything a command needs to run sessions.
type runtime struct {
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *observability.Metrics
	orchestrator *agent.Orchestrator
	mcp          *mcp.Manager
	offloader    *artifacts.Offloader
	tools        agent.ToolSourceFactory

	closers []func(context.Context) error
}

type runtimeOptions struct {
	// Sink receives the events of every session.
	Sink agent.EventSink

	// ToolsOnly builds the tool sources without a model backend or
	// orchestrator.
	ToolsOnly bool
}

func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (_ *runtime, err error) {
	r := &runtime{cfg: cfg, logger: slog.Default()}
	defer func() {
		if err != nil {
			_ = r.Close(context.Background())
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.metrics = observability.NewMetrics(registry)
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		if err := r.serveMetrics(addr, registry); err != nil {
			return nil, err
		}
	}

	var tracer *observability.Tracer
	if tc := cfg.Observability.Tracing; tc.Enabled {
		var shutdown func(context.Context) error
		tracer, shutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName:    tc.ServiceName,
			ServiceVersion: version,
			Environment:    tc.Environment,
			Endpoint:       tc.Endpoint,
			SamplingRate:   tc.SamplingRate,
			Attributes:     tc.Attributes,
			EnableInsecure: tc.Insecure,
		})
		r.closers = append(r.closers, shutdown)
	}

	store, err := sessions.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	r.closers = append(r.closers, func(context.Context) error { return store.Close() })
	locker, err := r.newLocker(store)
	if err != nil {
		return nil, err
	}

	artifactStore, err := artifacts.NewStore(ctx, cfg.Offload)
	if err != nil {
		return nil, fmt.Errorf("open offload store: %w", err)
	}
	r.closers = append(r.closers, func(context.Context) error { return artifactStore.Close() })
	r.offloader = artifacts.NewOffloader(artifactStore, r.logger)
	if pruner, ok := artifactStore.(artifacts.Pruner); ok && cfg.Offload.MaxAge > 0 {
		cleanup := artifacts.NewCleanupService(pruner, cfg.Offload.MaxAge, 0, r.logger)
		cleanupCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		go cleanup.Start(cleanupCtx)
		r.closers = append(r.closers, func(context.Context) error { cancel(); return nil })
	}

	r.mcp = mcp.NewManager(&cfg.MCP, r.metrics, r.logger)
	r.closers = append(r.closers, r.mcp.Stop)

	var pool *browser.Pool
	if cfg.Tools.Browser.Enabled {
		pool = browser.NewPool(cfg.Tools.Browser.Pool)
		r.closers = append(r.closers, func(context.Context) error { return pool.Close() })
	}

	r.tools = r.toolSources(pool)
	if opts.ToolsOnly {
		return r, nil
	}

	var external agent.ExternalAgent
	if cfg.ACP != nil {
		acpCfg := *cfg.ACP
		acpCfg.Metrics = r.metrics
		acpCfg.Logger = r.logger
		ext, err := acp.New(acpCfg)
		if err != nil {
			return nil, err
		}
		external = ext
		r.closers = append(r.closers, ext.Close)
	}
	var provider agent.LLMProvider
	if !cfg.UsesACP() {
		provider, err = newProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	r.orchestrator, err = agent.NewOrchestrator(agent.OrchestratorConfig{
		Loop:     cfg.AgentLoop(),
		Provider: provider,
		External: external,
		Tools:    r.tools,
		Store:    store,
		Locker:   locker,
		Sink:     opts.Sink,
		Offload:  r.offloader,
		Metrics:  r.metrics,
		Tracer:   tracer,
		Logger:   r.logger,
	})
	if err != nil {
		return nil, err
	}
	// Sessions close before the backends they use.
	r.closers = append(r.closers, r.orchestrator.Close)
	return r, nil
}

// toolSources binds the builtin tools to each session's allow-list.
func (r *runtime) toolSources(pool *browser.Pool) agent.ToolSourceFactory {
	return func(rc agent.ResolvedConfig) []agent.ToolSource {
		var sources []agent.ToolSource
		fileSource, err := files.NewSource(files.Config{
			Roots:        rc.WorkspaceRoots,
			MaxReadBytes: r.cfg.Tools.MaxReadBytes,
			MaxMatches:   r.cfg.Tools.MaxMatches,
			Logger:       r.logger,
		})
		if err != nil {
			r.logger.Warn("filesystem tools disabled", "roots", rc.WorkspaceRoots, "error", err)
		} else {
			sources = append(sources, fileSource)
		}
		if r.cfg.Tools.Command.Enabled {
			cmdCfg := r.cfg.Tools.Command.Config
			cmdCfg.Roots = rc.WorkspaceRoots
			cmdCfg.KillGrace = r.cfg.Loop.KillGrace
			cmdCfg.Logger = r.logger
			if src, err := exec.NewSource(cmdCfg); err != nil {
				r.logger.Warn("run_command disabled", "roots", rc.WorkspaceRoots, "error", err)
			} else {
				sources = append(sources, src)
			}
		}
		if pool != nil {
			fetch := r.cfg.Tools.Browser.Fetch
			fetch.Logger = r.logger
			sources = append(sources, browser.NewSource(pool, fetch))
		}
		return append(sources, r.mcp.Sources()...)
	}
}

func (r *runtime) newLocker(store sessions.Store) (sessions.Locker, error) {
	sqlStore, ok := store.(*sessions.SQLStore)
	if !ok || sqlStore.Dialect() != sessions.DialectPostgres {
		return sessions.NewLocalLocker(0), nil
	}
	host, _ := os.Hostname()
	locker, err := sessions.NewDBLocker(sqlStore.DB(), sessions.DBLockerConfig{
		Dialect: sessions.DialectPostgres,
		OwnerID: host + "-" + uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("create session locker: %w", err)
	}
	r.closers = append(r.closers, func(context.Context) error { return locker.Close() })
	return locker, nil
}

func (r *runtime) serveMetrics(addr string, registry *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", "error", err)
		}
	}()
	r.logger.Info("serving metrics", "addr", ln.Addr().String())
	r.closers = append(r.closers, srv.Shutdown)
	return nil
}

// Close releases everything in reverse order of creation.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// newProvider builds the native provider named by model.provider. Empty
// keys fall back to the usual environment variables.
func newProvider(ctx context.Context, cfg *config.Config) (agent.LLMProvider, error) {
	p := cfg.Providers
	switch cfg.Model.Provider {
	case config.ProviderAnthropic:
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       firstNonEmpty(p.Anthropic.APIKey, os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL:      p.Anthropic.BaseURL,
			DefaultModel: p.Anthropic.DefaultModel,
		})
	case config.ProviderOpenAI:
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       firstNonEmpty(p.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")),
			BaseURL:      p.OpenAI.BaseURL,
			DefaultModel: p.OpenAI.DefaultModel,
		})
	case config.ProviderGoogle:
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       firstNonEmpty(p.Google.APIKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")),
			BaseURL:      p.Google.BaseURL,
			DefaultModel: p.Google.DefaultModel,
		})
	case config.ProviderBedrock:
		return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          p.Bedrock.Region,
			AccessKeyID:     p.Bedrock.AccessKeyID,
			SecretAccessKey: p.Bedrock.SecretAccessKey,
			SessionToken:    p.Bedrock.SessionToken,
			Endpoint:        p.Bedrock.Endpoint,
			DefaultModel:    p.Bedrock.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Model.Provider)
	}
}
