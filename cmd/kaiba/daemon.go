package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fentz26/kaiba/internal/audit"
	"github.com/fentz26/kaiba/internal/config"
	"github.com/fentz26/kaiba/internal/connectors"
	"github.com/fentz26/kaiba/internal/connectors/gemini"
	"github.com/fentz26/kaiba/internal/connectors/localexec"
	"github.com/fentz26/kaiba/internal/controlplane"
	"github.com/fentz26/kaiba/internal/decision"
	"github.com/fentz26/kaiba/internal/logging"
	"github.com/fentz26/kaiba/internal/memory"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/fentz26/kaiba/internal/notify"
	"github.com/fentz26/kaiba/internal/scheduler"
	"github.com/fentz26/kaiba/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	listenAddr string
	dbPath     string
	noSchedule bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Kaiba daemon",
	Long: `Starts the Kaiba daemon: the HTTP API, the periodic decision scheduler
and the webhook dispatcher. Deliveries left pending by a previous run are
resumed at startup.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides server.listen)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides store.path)")
	daemonCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "Do not run periodic decision ticks")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if noSchedule {
		cfg.Scheduler.Enabled = false
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting Kaiba daemon", zap.String("version", controlplane.Version), zap.String("db", cfg.Store.Path))

	// Initialize store
	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	router, err := newRouter(ctx, cfg.Providers, logger)
	if err != nil {
		return err
	}

	pdr := audit.NewPDRWriter(s)
	mem := memory.NewService(s)

	dispatcher := notify.New(s, nil, nil, logger, cfg.Dispatcher)
	if _, err := dispatcher.Recover(ctx); err != nil {
		logger.Warn("recover deliveries", zap.Error(err))
	}

	engine := decision.NewEngine(cfg.Decision, decision.Deps{
		Repo:      s,
		Memory:    mem,
		Invoker:   router,
		Publisher: dispatcher,
		Recorder:  pdr,
		Logger:    logger,
	})

	service := controlplane.NewService(s, engine, mem, dispatcher, pdr, logger)
	if cfg.Providers.Catalog != "" {
		if err := importCatalog(ctx, service, cfg.Providers.Catalog, logger); err != nil {
			return err
		}
	}

	sched := scheduler.New(engine, s, cfg.Scheduler, logger)
	service.SetScheduler(sched)
	if cfg.Scheduler.Enabled {
		sched.Start()
	}

	server := controlplane.NewServer(service, cfg.Server.Listen)
	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	sched.Stop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}

// newRouter registers the execution backends enabled by configuration.
func newRouter(ctx context.Context, cfg config.ProvidersConfig, logger *zap.Logger) (*connectors.Router, error) {
	router := connectors.NewRouter()

	if cfg.LocalExec.Enabled {
		workDir := cfg.LocalExec.WorkDir
		if workDir == "" {
			workDir, _ = os.Getwd()
		}
		router.Register(models.ProviderLocal, localexec.New(workDir, cfg.LocalExec.Allowed))
	}

	if cfg.GeminiAPIKey != "" {
		client, err := gemini.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("init gemini: %w", err)
		}
		router.Register(models.ProviderGoogle, client)
	} else {
		logger.Warn("no Gemini API key configured, google backends are unavailable")
	}

	var providers []string
	for _, p := range router.Providers() {
		providers = append(providers, string(p))
	}
	logger.Info("execution providers registered", zap.Strings("providers", providers))
	return router, nil
}

func importCatalog(ctx context.Context, service *controlplane.Service, path string, logger *zap.Logger) error {
	cat, err := config.LoadCatalog(path)
	if err != nil {
		return err
	}
	res, err := service.ImportCatalog(ctx, *cat)
	if err != nil {
		return fmt.Errorf("import catalog: %w", err)
	}
	logger.Info("backend catalog imported",
		zap.String("path", path),
		zap.Int("backends", res.Backends),
		zap.Int("links", res.Links),
		zap.Strings("skipped", res.Skipped))
	return nil
}
