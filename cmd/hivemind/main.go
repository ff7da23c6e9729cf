// Command hivemind is the main entry point for the hivemind orchestrator
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hivemind-ai/hivemind/internal/config"
	"github.com/hivemind-ai/hivemind/internal/graph"
	"github.com/hivemind-ai/hivemind/internal/health"
	"github.com/hivemind-ai/hivemind/internal/kip"
	"github.com/hivemind-ai/hivemind/internal/kv"
	"github.com/hivemind-ai/hivemind/internal/observe"
	"github.com/hivemind-ai/hivemind/internal/orchestrator"
	"github.com/hivemind-ai/hivemind/internal/pheromind"
	"github.com/hivemind-ai/hivemind/internal/ratelimit"
	"github.com/hivemind-ai/hivemind/internal/resilience"
	"github.com/hivemind-ai/hivemind/internal/router"
	"github.com/hivemind-ai/hivemind/internal/server"
	"github.com/hivemind-ai/hivemind/internal/treasury"
	"github.com/hivemind-ai/hivemind/internal/validate"
	"github.com/hivemind-ai/hivemind/internal/voice"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hivemind: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("hivemind starting",
		"version", version,
		"environment", cfg.Environment,
		"listen_addr", cfg.Server.Addr(),
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "hivemind",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Key-value store ───────────────────────────────────────────────────────
	var store kv.Store
	if addr := cfg.Redis.Addr(); addr != "" {
		redisStore, err := kv.NewRedis(ctx, addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("failed to connect to redis", "addr", addr, "err", err)
			return 1
		}
		defer redisStore.Close()
		store = redisStore
		slog.Info("redis connected", "addr", addr)
	} else {
		store = kv.NewMemory()
		slog.Warn("no REDIS_HOST configured; using in-memory store (single instance only)")
	}

	// ── Graph archive (optional) ──────────────────────────────────────────────
	var archive *graph.Store
	if dsn := cfg.Graph.PostgresDSN; dsn != "" {
		archive, err = graph.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to graph store", "err", err)
			return 1
		}
		defer archive.Close()
		slog.Info("graph store connected")
	}

	// ── Model router ──────────────────────────────────────────────────────────
	rt, err := router.New(cfg.Models.Roster)
	if err != nil {
		slog.Error("failed to build model router", "err", err)
		return 1
	}
	slog.Info("model roster loaded", "models", len(cfg.Models.Roster))

	// ── Treasury ──────────────────────────────────────────────────────────────
	var treasuryOpts []treasury.Option
	if archive != nil {
		treasuryOpts = append(treasuryOpts, treasury.WithArchiver(archive))
	}
	tr := treasury.New(store, cfg.Treasury, treasuryOpts...)

	// ── KIP registry and executor ─────────────────────────────────────────────
	registry := kip.NewRegistry()
	if cfg.KIP.CatalogPath != "" {
		if err := registry.LoadCatalog(cfg.KIP.CatalogPath); err != nil {
			slog.Error("failed to load tool catalog", "path", cfg.KIP.CatalogPath, "err", err)
			return 1
		}
	}
	if cfg.KIP.GenomesPath != "" {
		if err := registry.LoadGenomes(cfg.KIP.GenomesPath); err != nil {
			slog.Error("failed to load agent genomes", "path", cfg.KIP.GenomesPath, "err", err)
			return 1
		}
	}
	if err := seedSystemAgent(ctx, tr, registry, cfg.Treasury); err != nil {
		slog.Error("failed to seed system agent", "err", err)
		return 1
	}
	if archive != nil {
		syncGraphVertices(ctx, archive, registry)
	}

	var executorOpts []kip.ExecutorOption
	if archive != nil {
		executorOpts = append(executorOpts, kip.WithUsageRecorder(archive))
	}
	executor := kip.NewExecutor(registry, tr, store, executorOpts...)

	// ── Pheromind field ───────────────────────────────────────────────────────
	field := pheromind.New(store, cfg.Pheromind.TTL, cfg.Pheromind.MaxSignals)

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orchOpts := []orchestrator.Option{
		orchestrator.WithPheromind(field),
		orchestrator.WithExecutor(executor),
	}
	if archive != nil && cfg.Graph.ArchiveConversations {
		orchOpts = append(orchOpts, orchestrator.WithArchiver(&conversationArchiver{store: archive}))
	}
	orch := orchestrator.New(rt, cfg.Orchestrator, orchOpts...)

	// ── Voice pipeline ────────────────────────────────────────────────────────
	var voiceEngine voice.Engine
	if cfg.Voice.ServiceURL != "" {
		voiceEngine = voice.NewClient(cfg.Voice.ServiceURL)
		slog.Info("voice service configured", "url", cfg.Voice.ServiceURL)
	} else if cfg.Environment != config.EnvProduction {
		voiceEngine = voice.NewMockEngine()
		slog.Warn("no VOICE_SERVICE_URL configured; using mock voice engine")
	}
	var voiceAdapter *voice.Adapter
	if voiceEngine != nil {
		voiceAdapter = voice.NewAdapter(voiceEngine, orch, cfg.Voice)
	}

	// ── Health checks ─────────────────────────────────────────────────────────
	checkers := []health.Checker{
		{Name: "kv", Check: store.Ping},
	}
	if archive != nil {
		checkers = append(checkers, health.Checker{Name: "graph", Check: archive.Ping})
	}
	for _, alias := range cfg.Orchestrator.CouncilAliases {
		checkers = append(checkers, modelChecker(rt, alias))
	}
	checkers = append(checkers, breakerChecker(orch))
	healthz := health.New(func() bool { return orch != nil }, checkers...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	limiter := ratelimit.New(store, cfg.RateLimit)
	validator := validate.New(cfg.Validation)
	conns := ratelimit.NewConnCounter(cfg.RateLimit.MaxWSPerIP)

	srvOpts := []server.Option{server.WithHealth(healthz)}
	if voiceAdapter != nil {
		srvOpts = append(srvOpts, server.WithVoice(voiceAdapter, cfg.Voice.AudioDir))
	}
	srv := server.New(cfg.Server, orch, limiter, validator, conns, srvOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "addr", cfg.Server.Addr())
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// seedSystemAgent gives the orchestrator its spending identity: a treasury
// budget and a genome authorised for every tool. Re-seeding on restart is a
// no-op.
func seedSystemAgent(ctx context.Context, tr *treasury.Treasury, registry *kip.Registry, cfg config.TreasuryConfig) error {
	id := orchestrator.SystemAgentID()
	_, err := tr.InitializeBudget(ctx, id, cfg.SeedCents, cfg.DailyLimitCents, cfg.PerActionLimitCents)
	if err != nil && !errors.Is(err, treasury.ErrAlreadyExists) {
		return err
	}
	if registry.Agent(id) != nil {
		return nil
	}
	grants := make([]kip.ToolGrant, 0, len(registry.Tools()))
	for _, tool := range registry.Tools() {
		grants = append(grants, kip.ToolGrant{ToolName: tool.Name, AuthLevel: kip.AuthFull})
	}
	return registry.RegisterAgent(&kip.AgentGenome{
		AgentID:         id,
		Function:        kip.FunctionCoordinator,
		Status:          kip.StatusActive,
		AuthorizedTools: grants,
		MaxConcurrent:   32,
		Priority:        10,
	})
}

// syncGraphVertices mirrors the loaded catalog and genomes into the graph
// store. Best effort: the registry stays authoritative.
func syncGraphVertices(ctx context.Context, archive *graph.Store, registry *kip.Registry) {
	for _, tool := range registry.Tools() {
		if err := archive.UpsertTool(ctx, tool); err != nil {
			slog.Warn("tool vertex sync failed", "tool", tool.Name, "err", err)
		}
	}
	for _, genome := range registry.Agents() {
		if err := archive.UpsertAgent(ctx, genome); err != nil {
			slog.Warn("agent vertex sync failed", "agent_id", genome.AgentID, "err", err)
		}
	}
}

// breakerChecker reports unhealthy while any council backend's circuit
// breaker is open.
func breakerChecker(orch *orchestrator.Orchestrator) health.Checker {
	return health.Checker{
		Name: "council_breakers",
		Check: func(ctx context.Context) error {
			for alias, state := range orch.BreakerStates() {
				if state == resilience.StateOpen {
					return fmt.Errorf("breaker for %q is open", alias)
				}
			}
			return nil
		},
	}
}

// modelChecker probes one council member's backend.
func modelChecker(rt *router.Router, alias string) health.Checker {
	return health.Checker{
		Name: "model:" + alias,
		Check: func(ctx context.Context) error {
			if !rt.HealthCheck(ctx, alias) {
				return fmt.Errorf("backend for %q unavailable", alias)
			}
			return nil
		},
	}
}

// conversationArchiver bridges the orchestrator's flat archive call to the
// graph store's conversation record.
type conversationArchiver struct {
	store *graph.Store
}

var _ orchestrator.ConversationArchiver = (*conversationArchiver)(nil)

func (a *conversationArchiver) ArchiveConversation(ctx context.Context, requestID, intent string, phases []string, prompt, response string, councilSize int, duration time.Duration) error {
	return a.store.ArchiveConversation(ctx, &graph.Conversation{
		RequestID:   requestID,
		Intent:      intent,
		PathTaken:   phases,
		Prompt:      prompt,
		Response:    response,
		CouncilSize: councilSize,
		Duration:    duration,
	})
}

// newLogger builds the process logger. JSON in production, text otherwise.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if os.Getenv("ENVIRONMENT") == string(config.EnvProduction) {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
