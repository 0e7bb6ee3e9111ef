package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"metergate/internal/admission"
	"metergate/internal/api"
	"metergate/internal/config"
	"metergate/internal/coordination"
	"metergate/internal/cost"
	"metergate/internal/events"
	"metergate/internal/ledger"
	"metergate/internal/ledgerstore"
	"metergate/internal/logger"
	"metergate/internal/models"
	"metergate/internal/observability"
	"metergate/internal/ratelimit"
	"metergate/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version information and exit")
	saveConfig  = flag.String("save-config", "", "Write an example configuration file to the given path and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}

	if *saveConfig != "" {
		if err := config.SaveExample(*saveConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Example configuration written to %s\n", *saveConfig)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	ver := version.GetInfo()
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize the authoritative ledger store
	storeInstance, err := ledgerstore.NewFactory().Create(cfg.Ledger)
	if err != nil {
		slog.Error("Failed to initialize ledger store", "error", err)
		os.Exit(1)
	}
	defer storeInstance.Close()

	// Wrap the store with instrumentation if metrics are enabled
	var activeStore ledgerstore.Store = storeInstance
	if cfg.Metrics.Enabled {
		instrumented, err := observability.NewInstrumentedStore(storeInstance)
		if err != nil {
			slog.Error("Failed to create instrumented ledger store", "error", err)
			os.Exit(1)
		}
		activeStore = instrumented
	}

	// Initialize the coordination cache; the redis client is shared with
	// the rate limiter when both run on redis.
	var redisClient *goredis.Client
	var cache coordination.Cache
	switch cfg.Coordination.Type {
	case models.CoordinationRedis:
		redisClient, err = coordination.NewRedisClient(cfg.Coordination.Redis)
		if err != nil {
			slog.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		cache = coordination.NewRedisCache(redisClient, coordination.WithKeyPrefix(cfg.Coordination.KeyPrefix))
	default:
		cache = coordination.NewMemoryCache()
	}
	defer cache.Close()

	// Initialize the event sink behind a non-blocking dispatcher
	var sink events.Sink
	switch cfg.Events.Sink {
	case "log":
		sink = events.NewLogSink(slog.Default())
	default:
		sink = events.NoopSink{}
	}
	dispatcher := events.NewDispatcher(sink, cfg.Events.BufferSize, cfg.Events.Workers)
	defer dispatcher.Close()

	// Initialize the credit ledger service and the reservation reaper
	ledgerSvc := ledger.NewService(activeStore, cache, dispatcher, cfg.Credits, cfg.Plans)

	if cfg.Credits.ReaperInterval > 0 {
		reaper := ledger.NewReaper(cache, cfg.Credits.ReaperInterval)
		reaper.Start()
		defer reaper.Stop()
	}

	// Initialize the rate gate if enabled
	var gate ratelimit.Gate
	if cfg.RateLimit.Enabled {
		var rlClient goredis.Cmdable
		if redisClient != nil {
			rlClient = redisClient
		}
		gate, err = ratelimit.NewGate(cfg.RateLimit, rlClient)
		if err != nil {
			slog.Error("Failed to initialize rate limiter", "error", err)
			os.Exit(1)
		}
		defer gate.Close()
	}

	admissionSvc := admission.NewService(ledgerSvc, gate, cost.NewPlanCalculator(cfg.Plans))
	handlers := api.NewHandlers(admissionSvc)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if gate != nil {
		routeOpts = append(routeOpts, api.WithRateLimiter(ratelimit.Middleware(gate)))
	}

	router := api.SetupRoutes(handlers, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"ledger", cfg.Ledger.Type,
			"coordination", cfg.Coordination.Type,
		)

		var err error
		if cfg.Server.TLSEnabled {
			if cfg.Server.TLSCertFile == "" || cfg.Server.TLSKeyFile == "" {
				slog.Error("TLS is enabled but cert file or key file is not specified")
				os.Exit(1)
			}
			slog.Info("Starting HTTPS server with TLS")
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server")
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	// Create a deadline to wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// Attempt graceful shutdown
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}
