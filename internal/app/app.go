// Package app wires all Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithMCPHost, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/averlon/parley/internal/config"
	"github.com/averlon/parley/internal/health"
	"github.com/averlon/parley/internal/mcp"
	"github.com/averlon/parley/internal/mcp/mcphost"
	"github.com/averlon/parley/internal/mcp/registry"
	"github.com/averlon/parley/internal/mcp/tools/fileio"
	"github.com/averlon/parley/internal/mcp/tools/memorytool"
	"github.com/averlon/parley/internal/mcp/tools/thinking"
	"github.com/averlon/parley/internal/memory"
	"github.com/averlon/parley/internal/observe"
	"github.com/averlon/parley/internal/orchestrator"
	"github.com/averlon/parley/internal/resilience"
	"github.com/averlon/parley/internal/server"
	"github.com/averlon/parley/pkg/provider/embeddings"
	"github.com/averlon/parley/pkg/provider/llm"
	"github.com/averlon/parley/pkg/store"
	"github.com/averlon/parley/pkg/store/postgres"
)

// cacheSize is how many conversations and user-memory sets the composer
// cache holds.
const cacheSize = 256

// cacheTTL bounds how stale a cached conversation row may get.
const cacheTTL = 5 * time.Minute

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM is the chat backend. Required.
	LLM llm.Provider

	// Embeddings is the local embedding backend for the cold memory tier.
	// Optional; without it cold recall and background embedding are disabled.
	Embeddings embeddings.Provider

	// LLMFallbacks are secondary chat backends, tried in config order when
	// the primary fails.
	LLMFallbacks []NamedLLM

	// EmbeddingsFallbacks are secondary embedding backends, tried in config
	// order. Entries must match the primary's vector dimension.
	EmbeddingsFallbacks []NamedEmbeddings
}

// NamedLLM pairs an LLM provider with the config name it was built from, so
// failover logs and breaker state can identify the backend.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// NamedEmbeddings pairs an embeddings provider with its config name.
type NamedEmbeddings struct {
	Name     string
	Provider embeddings.Provider
}

// App owns all subsystem lifetimes and serves the Parley chat API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems. Initialised in New, torn down in Shutdown.
	store      store.Store
	mcpHost    mcp.Host
	registry   *registry.Registry
	cache      *memory.Cache
	composer   *memory.Composer
	summarizer *memory.Summarizer
	embedder   *memory.Embedder
	orch       *orchestrator.Orchestrator
	metrics    *observe.Metrics
	srv        *server.Server
	httpSrv    *http.Server

	logLevel *slog.LevelVar
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of connecting to Postgres.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithMetrics injects a metrics bundle instead of building one from the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the App the level variable driving the process logger
// so config hot-reloads can adjust verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithListener serves on the given listener instead of binding
// cfg.Server.ListenAddr. Used by tests to get an ephemeral port.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	// Built before initMCP so the memory tools can hook cache invalidation.
	a.cache = memory.NewCache(cacheSize, cacheTTL)

	if err := a.initMetrics(); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}
	a.initRegistry()
	a.initMemory()
	a.initOrchestrator()
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMetrics builds the metrics bundle from the global meter provider when
// none was injected. main() is expected to have called observe.InitProvider.
func (a *App) initMetrics() error {
	if a.metrics != nil {
		return nil
	}
	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initStore connects to Postgres unless a store was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return errors.New("memory.postgres_dsn is required when no store is injected")
	}
	dims := a.cfg.Memory.EmbeddingDimensions
	if dims == 0 {
		if a.providers.Embeddings != nil {
			dims = a.providers.Embeddings.Dimensions()
		} else {
			dims = 768
		}
	}

	pg, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initMCP sets up the MCP host, registers the built-in in-process tools and
// the configured external tool servers. A server that fails to register is
// logged and skipped; the loop degrades to fewer tools rather than refusing
// to start.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		var opts []mcphost.Option
		if a.cfg.Tools.TimeoutMS > 0 {
			opts = append(opts, mcphost.WithCallTimeout(time.Duration(a.cfg.Tools.TimeoutMS)*time.Millisecond))
		}
		host := mcphost.New(opts...)
		a.mcpHost = host
		a.closers = append(a.closers, host.Close)

		if err := a.registerBuiltinTools(host); err != nil {
			return err
		}
	}

	for _, srv := range a.cfg.MCP.Servers {
		cfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.mcpHost.RegisterServer(ctx, cfg); err != nil {
			slog.Warn("mcp server registration failed", "name", srv.Name, "error", err)
			continue
		}
		slog.Info("registered mcp server", "name", srv.Name)
	}
	return nil
}

// registerBuiltinTools adds the in-process tool set: the sequential-thinking
// scratchpad, the store-backed user-memory tools, and the sandboxed file
// tools when a workspace directory is configured.
func (a *App) registerBuiltinTools(host *mcphost.Host) error {
	if err := host.RegisterTools(thinking.NewTools()); err != nil {
		return fmt.Errorf("register thinking tools: %w", err)
	}
	memTools := memorytool.NewTools(a.store,
		memorytool.WithOnChange(a.cache.InvalidateUserMemories))
	if err := host.RegisterTools(memTools); err != nil {
		return fmt.Errorf("register memory tools: %w", err)
	}
	if dir := a.cfg.Tools.WorkspaceDir; dir != "" {
		if err := host.RegisterTools(fileio.NewTools(dir)); err != nil {
			return fmt.Errorf("register file tools: %w", err)
		}
		slog.Info("file tools sandboxed", "workspace_dir", dir)
	}
	return nil
}

// initRegistry builds the per-turn tool filter from the tools config.
func (a *App) initRegistry() {
	var opts []registry.Option
	if len(a.cfg.Tools.Allowlist) > 0 {
		opts = append(opts, registry.WithAllowlist(a.cfg.Tools.Allowlist...))
	}
	if a.cfg.Tools.FilterMax > 0 {
		opts = append(opts, registry.WithMaxTools(a.cfg.Tools.FilterMax))
	}
	if len(a.cfg.Tools.Keywords) > 0 {
		opts = append(opts, registry.WithIntentKeywords(a.cfg.Tools.Keywords))
	}
	a.registry = registry.New(a.mcpHost, opts...)
}

// initMemory builds the three-tier context composer and its background
// workers over the store.
func (a *App) initMemory() {
	cache := a.cache
	embedProvider := a.embeddingsChain()

	a.composer = memory.NewComposer(a.store, embedProvider,
		memory.WithPersona(a.cfg.Chat.Persona),
		memory.WithHotWindow(a.cfg.Memory.HotWindow),
		memory.WithRecallTopK(a.cfg.Memory.RecallTopK),
		memory.WithComposerCache(cache),
	)

	a.summarizer = memory.NewSummarizer(a.store, a.providers.LLM,
		memory.WithSummaryThreshold(a.cfg.Memory.SummaryThreshold),
		memory.WithSummaryModel(a.cfg.Chat.ClassifierModel),
		memory.WithSummarizerCache(cache),
	)

	if embedProvider != nil {
		a.embedder = memory.NewEmbedder(a.store, embedProvider)
		a.embedder.Start()
		a.closers = append(a.closers, func() error {
			a.embedder.Close()
			return nil
		})
	}
}

// embeddingsChain wraps the embeddings provider in a failover group when
// fallbacks are configured. Returns nil when no embeddings provider is set.
func (a *App) embeddingsChain() embeddings.Provider {
	if a.providers.Embeddings == nil {
		return nil
	}
	if len(a.providers.EmbeddingsFallbacks) == 0 {
		return a.providers.Embeddings
	}
	chain := resilience.NewEmbeddingsFallback(a.providers.Embeddings, a.providers.Embeddings.ModelID(), resilience.FallbackConfig{})
	for _, fb := range a.providers.EmbeddingsFallbacks {
		chain.AddFallback(fb.Name, fb.Provider)
	}
	return chain
}

// initOrchestrator assembles the reasoning loop. The chat provider sits
// behind a circuit breaker so a dead backend fails fast instead of eating
// the whole LLM timeout on every turn. Configured fallbacks join the chain
// in config order.
func (a *App) initOrchestrator() {
	chatLLM := resilience.NewLLMFallback(a.providers.LLM, a.providers.LLM.Name(), resilience.FallbackConfig{})
	for _, fb := range a.providers.LLMFallbacks {
		chatLLM.AddFallback(fb.Name, fb.Provider)
	}

	opts := []orchestrator.Option{
		orchestrator.WithModel(a.cfg.Chat.Model),
		orchestrator.WithVisionModel(a.cfg.Chat.VisionModel),
		orchestrator.WithClassifierModel(a.cfg.Chat.ClassifierModel),
		orchestrator.WithSummarizer(a.summarizer),
		orchestrator.WithMetrics(a.metrics),
	}
	if a.cfg.Chat.MaxToolTurns > 0 {
		opts = append(opts, orchestrator.WithMaxToolTurns(a.cfg.Chat.MaxToolTurns))
	}
	if a.cfg.Chat.LLMTimeoutMS > 0 {
		opts = append(opts, orchestrator.WithLLMTimeout(time.Duration(a.cfg.Chat.LLMTimeoutMS)*time.Millisecond))
	}
	if a.cfg.Chat.TurnTimeoutMS > 0 {
		opts = append(opts, orchestrator.WithTurnTimeout(time.Duration(a.cfg.Chat.TurnTimeoutMS)*time.Millisecond))
	}
	if a.embedder != nil {
		opts = append(opts, orchestrator.WithEmbedder(a.embedder))
	}

	a.orch = orchestrator.New(a.store, chatLLM, a.registry, a.composer, opts...)
}

// initServer wires the HTTP surface with health checks for every probe-able
// dependency.
func (a *App) initServer() {
	checkers := []health.Checker{
		health.ProviderChecker(a.providers.LLM),
		health.ToolHostsChecker(a.mcpHost),
	}
	if p, ok := a.store.(health.Pinger); ok {
		checkers = append([]health.Checker{health.StoreChecker(p)}, checkers...)
	}

	a.srv = server.New(a.orch, a.store,
		server.WithHealth(health.New(checkers...)),
		server.WithMetrics(a.metrics),
		server.WithAllowedOrigins(a.cfg.Server.AllowedOrigins...),
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the listener
// fails. A cancelled context returns context.Canceled after the server has
// stopped accepting connections.
func (a *App) Run(ctx context.Context) error {
	a.httpSrv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: a.srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		switch {
		case a.listener != nil && a.cfg.Server.TLS != nil:
			err = a.httpSrv.ServeTLS(a.listener, a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
		case a.listener != nil:
			err = a.httpSrv.Serve(a.listener)
		case a.cfg.Server.TLS != nil:
			err = a.httpSrv.ListenAndServeTLS(a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
		default:
			err = a.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed configuration.
// Intended as the config.Watcher change callback; restart-only fields are
// ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged {
		a.composer.SetPersona(d.NewPersona)
		slog.Info("persona updated")
	}
	if d.AllowlistChanged {
		a.registry.Reconfigure(registry.WithAllowlist(d.NewAllowlist...))
		slog.Info("tool allowlist updated", "tools", len(d.NewAllowlist))
	}
	if d.KeywordsChanged {
		a.registry.Reconfigure(registry.WithIntentKeywords(d.NewKeywords))
		slog.Info("intent keyword table updated", "intents", len(d.NewKeywords))
	}
}

// slogLevel converts a config.LogLevel to the slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order after draining the HTTP
// server. It respects the context deadline: if ctx expires, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "error", err)
			}
		}
		if a.summarizer != nil {
			a.summarizer.Wait()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
