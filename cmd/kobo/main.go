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

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kobo/internal/auth"
	"github.com/ashita-ai/kobo/internal/config"
	"github.com/ashita-ai/kobo/internal/eventbus"
	"github.com/ashita-ai/kobo/internal/mcp"
	"github.com/ashita-ai/kobo/internal/policy"
	"github.com/ashita-ai/kobo/internal/ratelimit"
	"github.com/ashita-ai/kobo/internal/server"
	"github.com/ashita-ai/kobo/internal/service/approvals"
	"github.com/ashita-ai/kobo/internal/service/council"
	"github.com/ashita-ai/kobo/internal/service/generation"
	"github.com/ashita-ai/kobo/internal/service/metrics"
	"github.com/ashita-ai/kobo/internal/service/orchestrator"
	"github.com/ashita-ai/kobo/internal/service/outbox"
	"github.com/ashita-ai/kobo/internal/storage"
	"github.com/ashita-ai/kobo/internal/telemetry"
	"github.com/ashita-ai/kobo/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("KOBO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kobo starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Storage: Postgres when configured, otherwise process memory.
	var (
		store storage.Store
		db    *storage.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger,
			storage.WithMaxConns(int32(cfg.MaxConcurrentRuns)+8))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close(context.Background())

		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = db
		logger.Info("storage: postgres")
	} else {
		store = storage.NewMemStore(cfg.EventRetention)
		logger.Warn("storage: in-memory (no DATABASE_URL); data is lost on restart")
	}

	// Events: bus → outbox buffer → store, with pg_notify fan-out and a relay
	// for events published by other replicas.
	origin := uuid.NewString()
	buf := outbox.NewBuffer(store, logger, cfg.OutboxBufferSize, cfg.OutboxFlushInterval)
	if db != nil && db.HasNotifyConn() {
		buf.WithNotifier(db, storage.ChannelEvents, origin)
	}
	// The flush loop outlives the signal context; Drain stops it after
	// in-flight runs have published their terminal events.
	buf.Start(context.WithoutCancel(ctx))

	bus := eventbus.New(buf, logger, cfg.SubscriberBuffer)

	if db != nil && db.HasNotifyConn() {
		go eventbus.NewRelay(db, bus, storage.ChannelEvents, origin, logger).Start(ctx)
	} else {
		logger.Info("event relay: disabled (no notify connection)")
	}

	// Generation and orchestration.
	backend := generation.NewOllamaBackend(cfg.OllamaURL, cfg.GenerationTimeout)
	gen := generation.New(backend, generation.Config{
		PrimaryModel:   cfg.PrimaryModel,
		FallbackModels: cfg.FallbackModels,
		Temperature:    cfg.Temperature,
		AttemptTimeout: cfg.GenerationTimeout,
		Budget:         cfg.GenerationBudget,
		Backoff:        cfg.GenerationBackoff,
	}, logger)
	logger.Info("generation: ollama", "url", cfg.OllamaURL, "candidates", gen.Candidates())

	orch := orchestrator.New(store, bus, orchestrator.NewRuntime(gen, nil), logger)
	dispatcher := orchestrator.NewDispatcher(orch, cfg.MaxConcurrentRuns, cfg.ExclusiveRuns, logger)

	approvalSvc := approvals.New(store, policy.New(cfg.GatedActions), bus, logger)
	councilSvc := council.New(store, bus, nil, logger)
	metricsSvc := metrics.New(store)

	// Auth is disabled without a public key; every request runs as an admin.
	var jwtMgr *auth.JWTManager
	if cfg.AuthEnabled() {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		logger.Warn("auth: disabled (no KOBO_JWT_PUBLIC_KEY)")
	}

	var (
		limiter    ratelimit.Limiter = ratelimit.NoopLimiter{}
		retryAfter time.Duration
	)
	if cfg.RateLimitEnabled {
		ml := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		limiter, retryAfter = ml, ml.RetryAfter()
		logger.Info("rate limiting: memory", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}
	defer func() { _ = limiter.Close() }()

	mcpSrv := mcp.New(mcp.Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Roles:      orch.Roles(),
		Approvals:  approvalSvc,
		Council:    councilSvc,
		Metrics:    metricsSvc,
	}, logger, version)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Dispatcher:          dispatcher,
		Roles:               orch.Roles(),
		Approvals:           approvalSvc,
		Council:             councilSvc,
		Metrics:             metricsSvc,
		Bus:                 bus,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		MCPServer:           mcpSrv.MCPServer(),
		Outbox:              buf,
		Generator:           backend,
		RateLimiter:         limiter,
		RateLimitRetry:      retryAfter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout. Order: (1) stop
	// accepting requests, (2) let in-flight runs finish so their terminal
	// events reach the outbox, (3) flush the outbox to the store.
	slog.Info("kobo shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runCtx, runCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := dispatcher.Wait(runCtx); err != nil {
		slog.Warn("runs still active at shutdown", "error", err)
	}
	runCancel()

	bufCtx, bufCancel := context.WithTimeout(context.Background(), 10*time.Second)
	buf.Drain(bufCtx)
	bufCancel()

	slog.Info("kobo stopped")
	return nil
}
