package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/gateway/httpapi"
	"github.com/jkaninda/daraja/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

var (
	gatewayConfigPath string
	gatewayPort       string
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the HTTP API gateway",
	RunE:  runGateway,
}

func init() {
	// Register flags on both root and gateway so that
	// `daraja --config path` and `daraja gateway --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, gatewayCmd} {
		cmd.Flags().StringVar(&gatewayConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&gatewayPort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runGateway starts Daraja in gateway mode.
func runGateway(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("DARAJA_CONFIG", gatewayConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if gatewayPort != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.GatewayConfig{Enabled: true}
		}
		cfg.Gateway.ListenAddr = gatewayPort
	}

	logger.Info("starting in gateway mode", slog.String("config", gatewayConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := buildHTTPGateway(cfg, sc)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return gw.Stop(shutdownCtx)
}

// buildHTTPGateway assembles the HTTP gateway from shared components.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	var gwCfg config.GatewayConfig
	if cfg.Gateway != nil {
		gwCfg = *cfg.Gateway
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: gwCfg.RateLimit.RequestsPerMinute,
		BurstSize:         gwCfg.RateLimit.BurstSize,
	})

	// Build API key → user ID mapping from config + env override.
	apiKeys := gwCfg.APIKeyUserMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("DARAJA_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     gwCfg.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: gwCfg.MaxRequestSizeBytes,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	sc.Logger.Debug("gateway configured",
		slog.String("addr", httpCfg.ListenAddr),
		slog.Int("api_keys", len(apiKeys)),
		slog.Bool("metrics", httpCfg.MetricsRegistry != nil),
	)

	return httpapi.NewGateway(httpCfg, sc.Registry, sc.Executor, limiter, sc.Logger)
}
