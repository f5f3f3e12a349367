// Command taskmesh runs the workflow coordinator: it loads configuration,
// opens the store, starts the provider registry and per-protocol pools,
// resumes interrupted workflows, and serves the websocket provider transport
// plus Prometheus metrics until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/taskmesh/config"
	"github.com/BaSui01/taskmesh/engine"
	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/internal/telemetry"
	"github.com/BaSui01/taskmesh/persistence"
	"github.com/BaSui01/taskmesh/provider"
	"github.com/BaSui01/taskmesh/registry"
	"github.com/BaSui01/taskmesh/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	noResume := flag.Bool("no-resume", false, "skip resuming interrupted workflows on start")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *noResume, logger); err != nil {
		logger.Fatal("coordinator failed", zap.Error(err))
	}
}

func run(cfg *config.Config, noResume bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.New("taskmesh", prometheus.DefaultRegisterer)

	store, err := persistence.NewStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	reg := registry.New(cfg.Registry, logger)
	reg.Start()
	defer reg.Stop()

	eng := engine.New(cfg.Engine, store, reg, collector, logger)

	pools := make(map[string]*provider.Pool, len(cfg.Protocols))
	for _, protocol := range cfg.Protocols {
		pool := provider.NewPool(protocol, cfg.Pool, logger)
		pools[protocol] = pool
		if err := eng.RegisterPool(pool); err != nil {
			return fmt.Errorf("register pool %s: %w", protocol, err)
		}
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if !noResume {
		resumed, err := eng.ResumeAll(ctx)
		if err != nil {
			logger.Warn("workflow recovery failed", zap.Error(err))
		} else if len(resumed) > 0 {
			logger.Info("resumed interrupted workflows", zap.Int("count", len(resumed)))
		}
	}

	wsServer := transport.NewWSServer(reg, pools, eng, collector, cfg.Worker, logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("provider transport listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("transport server failed", zap.Error(err))
			stop()
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("transport shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}
	for protocol, pool := range pools {
		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Warn("pool shutdown failed", zap.String("protocol", protocol), zap.Error(err))
		}
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine shutdown failed", zap.Error(err))
	}
	return nil
}

// buildLogger constructs the process logger from config.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
