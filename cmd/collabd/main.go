package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/salesos/collab/v1/api"
	"github.com/salesos/collab/v1/config"
	"github.com/salesos/collab/v1/events"
	"github.com/salesos/collab/v1/lock"
	"github.com/salesos/collab/v1/metrics"
	"github.com/salesos/collab/v1/presence"
)

var (
	addr    = flag.String("addr", "", "Address to listen on (overrides COLLAB_ADDR)")
	envFile = flag.String("env", ".env", "Optional dotenv file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("tracing: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCollabMetrics(reg)

	backend, err := openBackends(cfg, reg, logger)
	if err != nil {
		log.Fatalf("backends: %v", err)
	}
	defer backend.Close()

	emitter := events.NewEmitter(backend.bus, logger)
	locks, err := lock.NewManager(backend.store,
		lock.WithDefaultTTL(cfg.LockDefaultTTL),
		lock.WithTTLBounds(cfg.LockMinTTL, cfg.LockMaxTTL),
		lock.WithEmitter(emitter),
		lock.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("lock manager: %v", err)
	}
	tracker := presence.NewTracker(backend.store,
		presence.WithTTL(cfg.PresenceTTL),
		presence.WithEmitter(emitter),
		presence.WithLogger(logger),
	)

	var auth api.Authenticator = api.HeaderAuthenticator{}
	if cfg.AuthMode == config.AuthJWT {
		auth = api.NewJWTAuthenticator([]byte(cfg.JWTSecret))
	}
	opts := []api.Option{
		api.WithHealthCheck(backend.store),
		api.WithAdminRole(cfg.AdminRole),
		api.WithLogger(logger),
	}
	if backend.bus != nil {
		opts = append(opts, api.WithEventBus(backend.bus))
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", api.NewServer(locks, tracker, auth, opts...))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("collabd listening",
			"addr", cfg.Addr,
			"store", cfg.Store,
			"events", cfg.Events,
			"auth", cfg.AuthMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
