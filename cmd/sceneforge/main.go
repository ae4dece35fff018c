package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/sceneforge/internal/adapters/docker"
	"github.com/manthysbr/sceneforge/internal/adapters/duckdb"
	"github.com/manthysbr/sceneforge/internal/adapters/memstore"
	"github.com/manthysbr/sceneforge/internal/adapters/postgres"
	"github.com/manthysbr/sceneforge/internal/adapters/providers"
	appconfig "github.com/manthysbr/sceneforge/internal/config"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
	"github.com/manthysbr/sceneforge/internal/core/services"
	"github.com/manthysbr/sceneforge/internal/logging"
	"github.com/manthysbr/sceneforge/pkg/kernel"
)

func main() {
	secretKey, err := appconfig.LoadSecretKey()
	if err != nil {
		slog.Error("failed to load secret key", "error", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "seal" {
		if err := seal(secretKey, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := appconfig.Load(os.Getenv(appconfig.EnvConfigFile), secretKey)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Log.Level, "json")
	logger.Info("starting sceneforge", "config", appconfig.Masked(cfg))

	if err := run(logger, cfg); err != nil {
		logger.Error("sceneforge stopped with error", "error", err)
		os.Exit(1)
	}
}

// seal prints the sealed form of a secret read from stdin, ready to paste into the
// config file under the named field.
func seal(key *appconfig.SecretKey, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: sceneforge seal <field> < secret")
	}
	if key == nil {
		return fmt.Errorf("set %s or %s to seal secrets", appconfig.EnvSecretKey, appconfig.EnvSecretKeyFile)
	}
	raw, err := io.ReadAll(io.LimitReader(os.Stdin, 64<<10))
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	sealed, err := key.Seal(args[0], strings.TrimRight(string(raw), "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

// store is what the control plane needs from a persistence adapter.
type store interface {
	ports.JobStore
	ports.CheckpointStore
}

func openStore(ctx context.Context, cfg domain.StoreConfig, logger *slog.Logger) (store, kernel.HealthChecker, func(), error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		pg, err := postgres.Open(ctx, postgres.Config{
			DSN:              cfg.DSN,
			MaxConns:         cfg.MaxConns,
			MinConns:         cfg.MinConns,
			MaxConnLifetime:  cfg.MaxConnLifetime,
			StatementTimeout: cfg.StatementTimeout,
			ApplicationName:  "sceneforge",
		}, logging.WithComponent(logger, "postgres"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		health := kernel.HealthCheckFunc(func(ctx context.Context) error {
			return pg.HealthCheck(ctx, 2*time.Second)
		})
		return pg, health, pg.Close, nil
	case "duckdb":
		repo, err := duckdb.NewRepository(cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open duckdb store: %w", err)
		}
		closeFn := func() {
			if err := repo.Close(); err != nil {
				logger.Warn("failed to close duckdb", "error", err)
			}
		}
		return repo, repo, closeFn, nil
	case "memory":
		logger.Warn("using in-memory store; jobs and checkpoints are lost on exit")
		return memstore.New(), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func run(logger *slog.Logger, cfg *domain.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, health, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	dockerMgr, err := docker.NewManager()
	if err != nil {
		return fmt.Errorf("failed to init docker manager: %w", err)
	}
	defer dockerMgr.Close()

	backends, err := providers.Build(cfg, dockerMgr, logger)
	if err != nil {
		return fmt.Errorf("failed to build providers from config: %w", err)
	}

	// Containers of renders that finished while no process was watching.
	if err := backends.Composer.Reap(ctx); err != nil {
		logger.Warn("render container reaping failed", "error", err)
	}

	eventBus := services.NewEventBus(logging.WithComponent(logger, "eventbus"))
	control := services.NewJobControlPlane(logging.WithComponent(logger, "control_plane"), st, eventBus, cfg.Admission)
	dispatcher := services.NewJobDispatcher(logging.WithComponent(logger, "dispatcher"), control, st, cfg.Dispatch)

	checkpoints := services.NewCheckpointManager(logging.WithComponent(logger, "checkpoints"), st)
	broker := services.NewInterruptBroker(logger, checkpoints, eventBus)
	resolver := services.NewInterventionResolver(logger, checkpoints, broker, eventBus)

	workflow := services.NewVideoWorkflow(services.VideoWorkflowDeps{
		Planner:    backends.Planner,
		Images:     backends.Images,
		Evaluator:  backends.Evaluator,
		Sanitizer:  backends.Sanitizer,
		Jobs:       control,
		Quality:    services.QualityPolicyFrom(cfg.Quality),
		Generation: cfg.Generation,
		ClipFrames: cfg.Providers.Clip.Frames,
	})
	orchestrator := services.NewWorkflowOrchestrator(logging.WithComponent(logger, "orchestrator"), checkpoints, broker, resolver, workflow, eventBus)
	commands := services.NewCommandHandler(logging.WithComponent(logger, "commands"), control, orchestrator, broker)

	lifecycle := services.NewWorkerLifecycle(logging.WithComponent(logger, "lifecycle"), services.WorkerLifecycleDeps{
		Dispatcher:     dispatcher,
		Control:        control,
		Checkpoints:    checkpoints,
		Orchestrator:   orchestrator,
		Workflow:       workflow,
		Clips:          backends.Clips,
		Composer:       backends.Composer,
		Generation:     cfg.Generation,
		HeartbeatEvery: cfg.Monitor.LivenessTimeout / 4,
	})

	monitor := services.NewStaleJobMonitor(logging.WithComponent(logger, "monitor"), st, control, cfg.Monitor)
	monitor.OnExhausted = lifecycle.ResumeOwner

	// Jobs orphaned by a previous crash are requeued before this process claims anything.
	report, err := monitor.RunPass(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	logger.Info("startup reconciliation done",
		"stale_requeued", report.StaleRequeued,
		"stale_failed", report.StaleFailed,
		"retry_requeued", report.RetryRequeued,
	)

	apiServer, err := kernel.NewServer(logging.WithComponent(logger, "gateway"), commands, checkpoints, control, eventBus, health)
	if err != nil {
		return fmt.Errorf("failed to init api server: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           c.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return lifecycle.Run(gCtx)
	})

	g.Go(func() error {
		return monitor.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
