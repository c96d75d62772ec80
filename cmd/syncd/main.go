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

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mosync/backend/internal/access"
	"github.com/mosync/backend/internal/config"
	"github.com/mosync/backend/internal/database"
	"github.com/mosync/backend/internal/events"
	"github.com/mosync/backend/internal/eventstore"
	"github.com/mosync/backend/internal/handlers"
	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/ledger"
	"github.com/mosync/backend/internal/middleware"
	"github.com/mosync/backend/internal/monitoring"
	"github.com/mosync/backend/internal/syncsvc"
	"github.com/mosync/backend/internal/websocket"
)

func main() {
	// .env is a local development convenience; absence is fine.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("syncd failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	metrics := monitoring.NewMetrics()

	checks := []handlers.HealthCheck{
		{Name: "postgres", Ping: db.Ping},
	}

	// A single instance runs on the in-process bus alone; REDIS_ADDR adds
	// the cross-instance bridge so long-pollers on other replicas wake too.
	var bus syncsvc.ChangeBus = events.NewBus()
	if cfg.Redis.Addr != "" {
		rdb, err := events.DialRedis(cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()

		bridge, err := events.NewRedisBus(rdb, events.NewBus(), events.DefaultChannel)
		if err != nil {
			return err
		}
		defer bridge.Close()
		bus = bridge

		checks = append(checks, handlers.HealthCheck{Name: "redis", Ping: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return rdb.Ping(pingCtx)
		}})
	}

	// Cache outside the breaker: cached sessions keep resolving while the
	// identity provider is down.
	verifier := identity.NewCachingVerifier(
		identity.NewBreakerVerifier(identity.NewKratosClient(cfg.Session.KratosPublicURL)),
		cfg.Session.CacheTTL,
	)
	defer verifier.Close()

	svc := syncsvc.New(
		eventstore.NewPGStore(db),
		ledger.NewPGLedger(db),
		access.OwnerOnly{AllowReset: !cfg.Production()},
		bus,
		metrics,
		cfg.Tuning,
	)

	hub := websocket.NewHub(splitOrigins(cfg.Server.AllowedOrigins), metrics)

	limiter := middleware.NewRateLimiter(cfg.Tuning.RateLimitPerMinute)
	defer limiter.Close()

	router := mux.NewRouter()
	router.Use(middleware.Logging, middleware.CORS, middleware.Metrics(metrics))
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	// Preflights need a matching route or mux skips the middleware chain
	// and the CORS headers never make it out.
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	h := handlers.NewHandler(svc, hub, cfg.Tuning, checks...)
	h.Register(router, middleware.Auth(verifier), limiter.Middleware)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
		// The write timeout must outlast the 25s long-poll ceiling.
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      40 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		slog.Info("shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "err", err)
		}
	}()

	slog.Info("syncd listening",
		"port", cfg.Server.Port,
		"env", cfg.Server.Env,
		"redis", cfg.Redis.Addr != "")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("syncd stopped")
	return nil
}

func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
