package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/rename-milter/internal/config"
	"github.com/foxzi/rename-milter/internal/filter"
	"github.com/foxzi/rename-milter/internal/ipfilter"
	"github.com/foxzi/rename-milter/internal/logging"
	"github.com/foxzi/rename-milter/internal/metrics"
	"github.com/foxzi/rename-milter/internal/storage"
)

// Version is set at build time
var Version = "dev"

// App is the main application
type App struct {
	config        *config.Config
	logger        *slog.Logger
	logCloser     io.Closer
	storage       *storage.DB
	metrics       *metrics.Metrics
	collector     *metrics.Collector
	metricsServer *metrics.Server
	backend       *filter.Backend
	milterServer  *filter.Server
	watcher       *config.Watcher
}

// New creates a new application from a validated configuration
func New(cfg *config.Config) (*App, error) {
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	a := &App{
		config:    cfg,
		logger:    logger,
		logCloser: logCloser,
	}

	if err := a.setup(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) setup() error {
	cfg := a.config

	// Counters database
	if cfg.Storage.Path != "" {
		db, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		a.storage = db
	}

	a.metrics = metrics.New()
	collector, err := metrics.NewCollector(a.storage, a.metrics, cfg.Metrics.FlushInterval,
		a.logger.With("component", "metrics"))
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	a.collector = collector

	if cfg.Metrics.Enabled {
		metricsFilter, err := ipfilter.New(cfg.Metrics.AllowedIPs, a.logger.With("component", "metrics_server"))
		if err != nil {
			return fmt.Errorf("metrics allowed_ips: %w", err)
		}
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			metricsFilter, a.logger.With("component", "metrics_server"))
	}

	milterFilter, err := ipfilter.New(cfg.Milter.AllowedIPs, a.logger.With("component", "milter"))
	if err != nil {
		return fmt.Errorf("milter allowed_ips: %w", err)
	}

	a.backend = filter.NewBackend(cfg.Relocation(), a.collector, a.logger.With("component", "filter"))
	a.milterServer, err = filter.NewServer(a.backend, filter.ServerOptions{
		Socket:  cfg.Milter.Socket,
		Umask:   cfg.UmaskValue(),
		Timeout: cfg.Milter.Timeout,
		Filter:  milterFilter,
		Logger:  a.logger.With("component", "milter"),
	})
	if err != nil {
		return fmt.Errorf("failed to create milter server: %w", err)
	}

	if cfg.Reload.Watch && cfg.Path() != "" {
		a.watcher, err = config.NewWatcher(cfg.Path(), cfg.Reload.Debounce, a.applyReload,
			a.logger.With("component", "config"))
		if err != nil {
			return err
		}
	}

	return nil
}

// Reload re-reads the configuration file and swaps in its rename rules.
// Other sections only take effect after a restart.
func (a *App) Reload() error {
	if a.config.Path() == "" {
		return fmt.Errorf("configuration was not loaded from a file")
	}

	cfg, err := config.Load(a.config.Path())
	if err != nil {
		a.logger.Error("failed to reload config", "error", err)
		return err
	}
	a.applyReload(cfg)
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	rename := cfg.Relocation()
	a.backend.SetSettings(rename)
	a.logger.Info("rename rules reloaded",
		"marker", rename.Marker,
		"prefix", rename.Prefix,
		"rules", rename.Rules.Names(),
	)
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// MilterServer returns the milter listener
func (a *App) MilterServer() *filter.Server {
	return a.milterServer
}

// Collector returns the metrics collector
func (a *App) Collector() *metrics.Collector {
	return a.collector
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	rename := a.config.Relocation()
	logAttrs := []any{
		"version", Version,
		"socket", a.config.Milter.Socket,
		"marker", rename.Marker,
		"prefix", rename.Prefix,
		"rules", rename.Rules.Names(),
	}
	if a.metricsServer != nil {
		logAttrs = append(logAttrs, "metrics_addr", a.config.Metrics.ListenAddr)
	}
	a.logger.Info("starting rename-milter", logAttrs...)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Bind sockets up front so configuration errors surface before serving
	if err := a.milterServer.Listen(); err != nil {
		a.close()
		return err
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Listen(); err != nil {
			_ = a.milterServer.Shutdown(context.Background())
			a.close()
			return err
		}
	}

	a.collector.Start(ctx)
	if a.watcher != nil {
		a.watcher.Start(ctx)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// Channel to collect errors
	errCh := make(chan error, 2)

	go func() {
		if err := a.milterServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("milter server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error, reloading rules on SIGHUP
	var runErr error
wait:
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown signal received")
			break wait
		case <-hup:
			a.logger.Info("reload signal received")
			_ = a.Reload()
		case runErr = <-errCh:
			a.logger.Error("server error", "error", runErr)
			cancel()
			break wait
		}
	}

	// Graceful shutdown
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting MTA connections first
	if err := a.milterServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("milter server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Stop collector (persists counters)
	if err := a.collector.Stop(); err != nil {
		a.logger.Error("failed to persist counters", "error", err)
	}

	a.logger.Info("shutdown complete")
	return a.close()
}

// close releases the config watcher, storage and log outputs
func (a *App) close() error {
	var firstErr error
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Error("config watcher shutdown error", "error", err)
		}
		a.watcher = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close storage: %w", err)
		}
		a.storage = nil
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.logCloser = nil
	}
	return firstErr
}
