package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/jkaninda/daraja/internal/audit"
	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/dataproxy"
	"github.com/jkaninda/daraja/internal/observability"
	"github.com/jkaninda/daraja/internal/platform/gormstore"
	"github.com/jkaninda/daraja/internal/sandbox"
	"github.com/jkaninda/daraja/internal/tools"
)

// SharedComponents holds all initialized subsystems that both gateway and
// MCP modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  *gormstore.Store
	Proxy  *dataproxy.Proxy // nil = run_query reports the proxy as unconfigured.
	Audit  *audit.Logger

	Obs      *observability.Observability
	Executor tools.ScriptExecutor
	Registry *tools.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between gateway and
// MCP modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Platform store.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing platform store: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if obs != nil && obs.Metrics != nil {
		store.WithMetrics(obs.Metrics)
	}
	logger.Debug("platform store initialized", slog.String("driver", store.Driver()))

	// Read-only data proxy (optional).
	if cfg.DataProxy != nil {
		sc.Proxy = dataproxy.New(dataproxy.Config{
			DSN:            cfg.DataProxy.DSN,
			MaxRows:        cfg.DataProxy.MaxRows,
			TimeoutSeconds: cfg.DataProxy.TimeoutSeconds,
		}, logger)
		sc.addCleanup(func() {
			if err := sc.Proxy.Close(); err != nil {
				logger.Error("closing data proxy", slog.String("error", err.Error()))
			}
		})
		logger.Debug("data proxy initialized")
	}

	// Audit log.
	auditLogger, err := audit.NewLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	sc.Audit = auditLogger
	sc.addCleanup(func() {
		if err := auditLogger.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})
	logger.Debug("audit log initialized", slog.String("path", cfg.AuditLogPath()))

	// Sandbox executor.
	executor := sandbox.New(sandbox.Config{
		PythonBin:      cfg.Sandbox.PythonBin,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	}, store, sc.Proxy, auditLogger, logger)
	if obs != nil && obs.Metrics != nil {
		executor.WithMetrics(obs.Metrics)
	}

	var scriptExec tools.ScriptExecutor = executor
	if obs != nil && obs.Tracer != nil {
		scriptExec = observability.NewInstrumentedExecutor(executor, obs.Tracer)
	}
	sc.Executor = scriptExec
	logger.Debug("sandbox executor initialized",
		slog.Any("enforced_limits", executor.Capabilities()),
	)

	// Tool registry.
	var sandboxMetrics sandbox.Metrics
	if obs != nil && obs.Metrics != nil {
		sandboxMetrics = obs.Metrics
	}
	registry := tools.NewRegistry()
	tools.RegisterAll(registry, scriptExec, store, sc.Proxy, sandboxMetrics, logger)
	sc.Registry = registry
	logger.Debug("tools registered", slog.Any("tools", registry.List()))

	// Health checks.
	if obs != nil && obs.Health != nil {
		hc := cfg.Observability.Health
		if hc == nil || hc.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if hc == nil || hc.IncludeSandbox {
			pythonBin := cfg.Sandbox.PythonBin
			if pythonBin == "" {
				pythonBin = "python3"
			}
			obs.Health.AddCheck("sandbox", func(_ context.Context) error {
				_, err := exec.LookPath(pythonBin)
				return err
			})
		}
		if sc.Proxy != nil {
			obs.Health.AddCheck("data_proxy", sc.Proxy.Ping)
		}
	}

	return sc, nil
}

// initStore opens the configured platform store backend.
func initStore(cfg *config.Config, logger *slog.Logger) (*gormstore.Store, error) {
	storeCfg := gormstore.Config{
		Driver: cfg.StorageDriverName(),
		Path:   cfg.DatabasePath(),
	}
	if cfg.Storage != nil {
		storeCfg.DSN = cfg.Storage.DSN
		storeCfg.ReportWaitSeconds = cfg.Storage.ReportWaitSeconds
		storeCfg.ReportCacheTTLSecond = cfg.Storage.ReportCacheTTLSeconds
	}
	return gormstore.Open(storeCfg, logger)
}
