package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/previewd/internal/app/migrate"
	"github.com/splax/previewd/internal/docker"
	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/events"
	httpx "github.com/splax/previewd/internal/http"
	"github.com/splax/previewd/internal/ports"
	"github.com/splax/previewd/internal/proxy"
	"github.com/splax/previewd/internal/repository"
	"github.com/splax/previewd/internal/repository/memory"
	"github.com/splax/previewd/internal/repository/postgres"
	"github.com/splax/previewd/internal/runtime"
	"github.com/splax/previewd/internal/runtime/container"
	"github.com/splax/previewd/internal/runtime/process"
	"github.com/splax/previewd/internal/service/preview"
	"github.com/splax/previewd/internal/workspace"
	"github.com/splax/previewd/internal/ws"
	"github.com/splax/previewd/pkg/config"
	"github.com/splax/previewd/pkg/crypto"
	"github.com/splax/previewd/pkg/logger"
	"github.com/splax/previewd/pkg/telemetry"
)

func main() {
	_ = config.LoadDotEnv()
	cfg := config.LoadPreviewConfig()
	log := logger.New("previewd", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := newBackend(ctx, cfg, log)
	if err != nil {
		log.Error("failed to configure runtime backend", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	allocator, err := ports.NewAllocator(cfg.HostAddress, cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		log.Error("failed to configure port allocator", "error", err)
		os.Exit(1)
	}
	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workdir", "workdir", cfg.Workdir, "error", err)
		os.Exit(1)
	}
	routes := proxy.NewRouter(proxy.Options{Logger: log})

	specs, health, closeStore, err := newSpecStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to configure spec store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	hub := ws.NewHub()
	defer hub.Stop()
	sinks := []events.Sink{events.HubSink(hub)}
	if url := strings.TrimSpace(cfg.EventWebhookURL); url != "" {
		emitter, err := telemetry.NewEmitter(url, cfg.EventWebhookToken, nil)
		if err != nil {
			log.Warn("event webhook disabled", "error", err)
		} else {
			sinks = append(sinks, events.WebhookSink(emitter))
		}
	}
	dispatcher := events.NewDispatcher(cfg.EventBuffer, log, sinks...)

	svc, err := preview.New(preview.Dependencies{
		Backend:   backend,
		Ports:     allocator,
		Router:    routes,
		Workspace: workspaces,
		Specs:     specs,
		Events:    dispatcher,
		Metrics:   preview.NewMetrics(nil),
	}, preview.ConfigFrom(cfg), log)
	if err != nil {
		log.Error("failed to construct preview service", "error", err)
		os.Exit(1)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Dependencies{
		Logger:      log,
		Deployments: svc,
		Ports:       allocator,
		Proxy:       routes,
		ProxyPrefix: cfg.PublicPathPrefix,
		Hub:         hub,
		Limiter:     limiter,
		JWTSecret:   cfg.JWTSecret,
		Health:      health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("preview orchestrator starting",
			"addr", cfg.Addr,
			"backend", backend.Name(),
			"ports", allocator.Stats().Total,
			"prefix", cfg.PublicPathPrefix,
		)
		errorCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	stopCtx, cancelStop := context.WithTimeout(shutdownCtx, cfg.ShutdownTimeout)
	if err := svc.Shutdown(stopCtx); err != nil {
		log.Error("failed to stop deployments", "error", err)
	}
	cancelStop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn("event dispatcher did not drain", "error", err, "dropped", dispatcher.Dropped())
	}
	log.Info("preview orchestrator stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newBackend(ctx context.Context, cfg config.PreviewConfig, log *slog.Logger) (runtime.Backend, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case config.BackendContainer:
		client, err := docker.New(cfg.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		info, err := client.Ping(pingCtx)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		log.Info("docker daemon reachable", "api_version", info.APIVersion, "os", info.OSType)
		images := map[domain.ProjectKind]string{
			domain.KindWebNode:   cfg.ImageNode,
			domain.KindWebPython: cfg.ImagePython,
			domain.KindRuby:      cfg.ImageRuby,
			domain.KindStatic:    cfg.ImageStatic,
		}
		backend := container.New(client, images, log)
		reapCtx, cancelReap := context.WithTimeout(ctx, 30*time.Second)
		defer cancelReap()
		if _, err := backend.Reap(reapCtx); err != nil {
			log.Warn("failed to remove stale preview containers", "error", err)
		}
		return backend, func() { _ = client.Close() }, nil
	default:
		return process.New(log, process.WithLogLines(cfg.LogBufferLines)), func() {}, nil
	}
}

// newSpecStore picks Postgres when DATABASE_URL is set and an in-memory
// store otherwise. The returned health func is nil for the memory store.
func newSpecStore(ctx context.Context, cfg config.PreviewConfig, log *slog.Logger) (repository.SpecRepository, func(context.Context) error, func(), error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		log.Info("no database configured, deployment specs are kept in memory")
		return memory.New(), nil, func() {}, nil
	}
	sealer, err := crypto.NewSealer(cfg.SpecSecret)
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if err := runner.Up(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return postgres.New(pool, postgres.WithSealer(sealer)), pool.Ping, pool.Close, nil
}
