// agentmux is the agent orchestration server. It provisions git worktree
// workspaces, supervises PTY-attached agent and test environment processes,
// multiplexes their terminals over WebSocket, and tracks assignments through
// to pull request merge.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/api"
	"github.com/agentmux/agentmux/internal/assignment"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/database"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/githost"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/supervisor"
	"github.com/agentmux/agentmux/internal/termmux"
	"github.com/agentmux/agentmux/internal/testenv"
	"github.com/agentmux/agentmux/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentmux: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("starting agentmux",
		zap.String("log_level", cfg.Logging.Level),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("using in-memory event bus")
	}

	wsStore, err := workspace.NewSQLiteStore(db.Sqlx())
	if err != nil {
		return fmt.Errorf("failed to initialize workspace store: %w", err)
	}
	workspaces, err := workspace.NewManager(workspace.Config{
		BasePath:          cfg.Workspace.BasePath,
		DefaultBaseBranch: cfg.Workspace.DefaultBaseBranch,
		BranchPrefix:      cfg.Workspace.BranchPrefix,
	}, wsStore, log)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace manager: %w", err)
	}

	// The mux and the supervisor reference each other: PTY output flows
	// supervisor -> mux, terminal input flows mux -> supervisor.
	mux := termmux.New(nil, log)
	procs := supervisor.New(eventBus, mux, cfg.Agent.GracePeriodDuration(), log)
	mux.SetTarget(procs)

	agents := registry.New(registry.Config{
		DefaultCommand:    cfg.Agent.Command,
		DefaultCols:       cfg.Agent.DefaultCols,
		DefaultRows:       cfg.Agent.DefaultRows,
		DefaultBaseBranch: cfg.Workspace.DefaultBaseBranch,
		ClassifierFactory: func(cols, rows int) registry.SignalClassifier {
			return registry.NewScreenClassifier(cols, rows)
		},
	}, workspaces, procs, mux, eventBus, log)
	if err := agents.Start(); err != nil {
		return fmt.Errorf("failed to start agent registry: %w", err)
	}
	defer agents.Stop()

	testEnvs := testenv.New(testenv.Config{
		DefaultCols: cfg.TestEnv.DefaultCols,
		DefaultRows: cfg.TestEnv.DefaultRows,
	}, procs, agents, eventBus, log)
	if err := testEnvs.Start(); err != nil {
		return fmt.Errorf("failed to start test environment controller: %w", err)
	}
	defer testEnvs.Stop()
	agents.SetTestEnvStopper(testEnvs)

	asgStore, err := assignment.NewSQLiteStore(db.Sqlx())
	if err != nil {
		return fmt.Errorf("failed to initialize assignment store: %w", err)
	}
	coordinator := assignment.NewCoordinator(assignment.Config{
		RequestTimeout: cfg.GitHub.RequestTimeoutDuration(),
	}, asgStore, githost.NewGHClient(log), agents, eventBus, log)
	if err := coordinator.Start(); err != nil {
		return fmt.Errorf("failed to start assignment coordinator: %w", err)
	}
	defer coordinator.Stop()

	// Processes do not survive a restart, so any worktree on disk from a
	// previous run is an orphan.
	if err := workspaces.Reconcile(ctx, agents.ActiveAgentIDs()); err != nil {
		log.Warn("workspace reconciliation incomplete", zap.Error(err))
	}

	server := api.NewServer(agents, coordinator, testEnvs, mux, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	poller := assignment.NewPoller(coordinator, cfg.GitHub.PollIntervalDuration(), log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return poller.Run(gctx)
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("received shutdown signal", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", zap.Error(err))
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("agentmux stopped")
	return nil
}
