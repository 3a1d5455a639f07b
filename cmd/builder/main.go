package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/permadeploy/internal/app/migrate"
	"github.com/splax/permadeploy/internal/docker"
	"github.com/splax/permadeploy/internal/executor"
	"github.com/splax/permadeploy/internal/git"
	httpx "github.com/splax/permadeploy/internal/http"
	"github.com/splax/permadeploy/internal/lock"
	"github.com/splax/permadeploy/internal/naming"
	"github.com/splax/permadeploy/internal/registry"
	"github.com/splax/permadeploy/internal/registry/postgres"
	"github.com/splax/permadeploy/internal/scheduler"
	"github.com/splax/permadeploy/internal/service/deploy"
	"github.com/splax/permadeploy/internal/service/rebuild"
	"github.com/splax/permadeploy/internal/storage"
	"github.com/splax/permadeploy/internal/workspace"
	"github.com/splax/permadeploy/internal/ws"
	"github.com/splax/permadeploy/pkg/config"
	"github.com/splax/permadeploy/pkg/logger"
)

func main() {
	cfg := config.LoadBuilderConfig()
	log := logger.New("builder", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]httpx.HealthCheck{}

	workspaceManager, err := workspace.New(cfg.BuildsRoot)
	if err != nil {
		log.Error("workspace init failed", "error", err, "root", cfg.BuildsRoot)
		os.Exit(1)
	}

	runner, closeRunner, err := newRunner(ctx, cfg, log, checks)
	if err != nil {
		log.Error("build runner init failed", "error", err, "executor", cfg.Executor)
		os.Exit(1)
	}
	defer closeRunner()

	store, closeStore, err := openRegistry(ctx, cfg, log, checks)
	if err != nil {
		log.Error("registry init failed", "error", err, "driver", cfg.RegistryDriver)
		os.Exit(1)
	}
	defer closeStore()

	locker := lock.Locker(lock.NewMemory())
	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLocker, err := lock.NewRedis(addr, cfg.RedisPass, cfg.RedisDB, cfg.OwnerLockTTL, log)
		if err != nil {
			log.Error("redis owner lock unavailable", "error", err, "addr", addr)
			os.Exit(1)
		}
		defer redisLocker.Close()
		locker = redisLocker
		checks["redis"] = redisLocker.Ping

		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPass, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	hub := ws.NewHub()
	builder := executor.New(runner, executor.Options{
		GitTimeout:   cfg.GitTimeout,
		BuildTimeout: cfg.BuildTimeout,
		Sink:         hub,
		Logger:       log,
	})
	sched := scheduler.New(builder, cfg.MaxConcurrentBuilds, log)

	storageClient, err := storage.NewHTTPClient(cfg.StorageURL, cfg.StorageToken, nil)
	if err != nil {
		log.Error("storage client init failed", "error", err)
		os.Exit(1)
	}
	publisher := storage.NewPublisher(storageClient, storage.PublisherOptions{
		FileTimeout:     cfg.UploadFileTimeout,
		ManifestTimeout: cfg.UploadManifestTimeout,
		GatewayURL:      cfg.GatewayURL,
		Logger:          log,
	})

	deps := deploy.Dependencies{
		Registry:  store,
		Workspace: workspaceManager,
		Source:    git.Remote{Timeout: cfg.GitTimeout},
		Builder:   sched,
		Publisher: publisher,
		Locker:    locker,
	}
	if strings.TrimSpace(cfg.NamingURL) != "" {
		namingClient, err := naming.NewHTTPClient(cfg.NamingURL, cfg.NamingProcess, cfg.NamingToken, nil)
		if err != nil {
			log.Error("naming client init failed", "error", err)
			os.Exit(1)
		}
		deps.Binder = naming.NewResolver(namingClient, cfg.NamingTTL, log)
	} else {
		log.Info("naming service not configured, undernames will not be bound")
	}

	deploySvc := deploy.New(deps, deploy.Options{
		MaxDailyDeploys: cfg.MaxDailyDeploys,
		NamingPolicy:    cfg.NamingPolicy,
	}, log)

	if poller := rebuild.New(store, deploySvc, cfg.RebuildInterval, log); poller != nil {
		go poller.Run(ctx)
	}

	router := httpx.New(log, deploySvc, httpx.Options{
		AuthSecret:      cfg.AuthSecret,
		DeployRateLimit: cfg.DeployRateLimit,
		Limiter:         limiter,
		Hub:             hub,
		Stats:           sched.Stats,
		Checks:          checks,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("builder server starting", "addr", cfg.Addr, "executor", cfg.Executor, "registry", cfg.RegistryDriver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("builder server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func newRunner(ctx context.Context, cfg config.BuilderConfig, log *slog.Logger, checks map[string]httpx.HealthCheck) (executor.Runner, func(), error) {
	switch cfg.Executor {
	case "", "local":
		log.Warn("builds run as host processes without isolation", "executor", "local")
		return executor.Local{}, func() {}, nil
	case "docker":
		client, err := docker.Connect(ctx, cfg.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		daemon := client.Daemon()
		log.Info("docker executor ready", "api_version", daemon.APIVersion, "os", daemon.OSType, "image", cfg.BuildImage)
		checks["docker"] = client.Ping
		runner := executor.Docker{
			Client:   client,
			Image:    cfg.BuildImage,
			CPUs:     cfg.BuildCPULimit,
			MemoryMB: cfg.BuildMemoryLimitMB,
		}
		return runner, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
}

func openRegistry(ctx context.Context, cfg config.BuilderConfig, log *slog.Logger, checks map[string]httpx.HealthCheck) (registry.Store, func(), error) {
	switch cfg.RegistryDriver {
	case "", "file":
		store := registry.NewFileStore(cfg.RegistryPath)
		if err := store.Init(ctx); err != nil {
			return nil, nil, err
		}
		checks["registry"] = func(ctx context.Context) error {
			_, err := store.Global(ctx)
			return err
		}
		log.Info("file registry ready", "path", store.Path())
		return store, func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, postgres.Migrations, postgres.MigrationsDir, cfg.MigrationsTable, log)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ping(ctx); err != nil {
			runner.Close()
			return nil, nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			runner.Close()
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			runner.Close()
			return nil, nil, err
		}
		checks["registry"] = runner.Ping
		return store, runner.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry driver %q", cfg.RegistryDriver)
	}
}
