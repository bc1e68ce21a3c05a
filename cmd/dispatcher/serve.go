package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/inference-dispatch/config"
	"github.com/vnmchuo/inference-dispatch/internal/backend"
	"github.com/vnmchuo/inference-dispatch/internal/backend/claude"
	"github.com/vnmchuo/inference-dispatch/internal/backend/gemini"
	"github.com/vnmchuo/inference-dispatch/internal/backend/openai"
	"github.com/vnmchuo/inference-dispatch/internal/db"
	"github.com/vnmchuo/inference-dispatch/internal/dispatch"
	"github.com/vnmchuo/inference-dispatch/internal/gate"
	"github.com/vnmchuo/inference-dispatch/internal/logger"
	"github.com/vnmchuo/inference-dispatch/internal/proxy"
	"github.com/vnmchuo/inference-dispatch/internal/seeder"
	"github.com/vnmchuo/inference-dispatch/internal/telemetry"
	"github.com/vnmchuo/inference-dispatch/internal/tenant"
	"github.com/vnmchuo/inference-dispatch/internal/usage"
	"github.com/vnmchuo/inference-dispatch/internal/worker"
	"github.com/vnmchuo/inference-dispatch/pkg/ratelimit"
)

const serviceName = "inference-dispatch"

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP dispatcher",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Concurrent background usage writes",
				Value: 32,
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "Time allowed for in-flight requests and usage writes on shutdown",
				Value: 15 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(ctx, cfg, cmd.Int("workers"), cmd.Duration("shutdown-timeout"))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, workers int, shutdownTimeout time.Duration) error {
	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()
	if err := telemetry.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// 2. PostgreSQL
	pool, err := db.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// 3. Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Info().Msg("Redis connected")

	// 4. Tenants
	tenantStore := tenant.NewPostgresStore(pool)
	local, err := tenant.NewLocalCache(cfg.TenantCacheTTL)
	if err != nil {
		return fmt.Errorf("failed to create tenant cache: %w", err)
	}
	tenants := tenant.NewCachedStore(tenantStore, local, rdb, cfg.TenantCacheTTL, log)
	signals := tenant.Options{Relaxed: cfg.Relaxed(), BaseDomain: cfg.BaseDomain}
	resolver := tenant.NewResolver(tenants, signals, log)
	if signals.Relaxed {
		log.Warn().Str("env", cfg.AppEnv).Msg("relaxed environment, tenant override header is honored")
	}

	// 5. Gate
	g := gate.New(gate.Options{
		Quota:    ratelimit.NewLimiter(rdb, cfg.QuotaLimit, cfg.QuotaWindow),
		Identity: gate.NewIdentityVerifier(cfg.AdminJWTSecret),
		Unit:     cfg.QuotaUnit,
		Signals:  signals,
		Logger:   log,
	})

	// 6. Backends and routing
	registry := backend.NewRegistry(
		openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL),
		claude.New(cfg.AnthropicAPIKey),
		gemini.New(cfg.GeminiAPIKey),
	)
	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}
	if err := checkPolicyModels(policy, registry); err != nil {
		return err
	}
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	router := dispatch.NewRouter(registry, policy, log, dispatch.WithTracer(tracer))

	// 7. Usage ledger
	workerPool := worker.NewPool(workers, log)
	usageStore := usage.NewPostgresStore(pool)
	recorder := usage.NewRecorder(usageStore, workerPool, cfg.UsageWriteAttempts, log)

	if cfg.RunSeed {
		if _, err := seeder.SeedDevTenants(ctx, tenantStore, log); err != nil {
			return fmt.Errorf("failed to seed dev tenants: %w", err)
		}
	}

	// 8. HTTP
	handler := proxy.NewRouter(proxy.Routes{
		Inference: proxy.NewHandler(router, recorder, tracer, log),
		Admin:     proxy.NewAdminHandler(tenantStore, usageStore, log),
		Health: proxy.NewHealthHandler(log,
			proxy.Check{Name: "postgres", Ping: pool.Ping},
			proxy.Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		),
		Gate:    g.Middleware,
		Resolve: resolver.Middleware,
		Logger:  log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.AppEnv).Msg("dispatcher starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down gracefully")
	return shutdown(srv, workerPool, shutdownTimeout, log)
}

// shutdown stops accepting requests, then drains background usage writes.
func shutdown(srv *http.Server, pool *worker.Pool, timeout time.Duration, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	srvErr := srv.Shutdown(ctx)
	if srvErr != nil {
		log.Error().Err(srvErr).Msg("forced server shutdown")
	}
	if err := pool.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("usage writes abandoned on shutdown")
		return errors.Join(srvErr, err)
	}
	log.Info().Msg("server stopped")
	return srvErr
}

func loadPolicy(cfg *config.Config) (dispatch.PolicyTable, error) {
	if cfg.TierPolicyFile == "" {
		return dispatch.DefaultPolicy(), nil
	}
	p, err := dispatch.LoadPolicy(cfg.TierPolicyFile)
	if err != nil {
		return dispatch.PolicyTable{}, fmt.Errorf("failed to load tier policy: %w", err)
	}
	return p, nil
}

// checkPolicyModels fails startup when a tier names a model no backend serves.
func checkPolicyModels(policy dispatch.PolicyTable, registry *backend.Registry) error {
	for _, m := range policy.Models() {
		if _, ok := registry.Lookup(m); !ok {
			return fmt.Errorf("tier policy references model %q with no configured backend", m)
		}
	}
	return nil
}
