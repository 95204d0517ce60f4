package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wadesk/internal/broker"
	"wadesk/internal/config"
	"wadesk/internal/dispatch"
	"wadesk/internal/httpserver"
	"wadesk/internal/logging"
	"wadesk/internal/observability"
	"wadesk/internal/realtime"
	"wadesk/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	var emitter realtime.Emitter = realtime.NewHub()
	if cfg.RedisURL != "" {
		redisEmitter, err := realtime.NewRedisEmitter(ctx, cfg.RedisURL, "wadesk:")
		if err != nil {
			slog.Error("api redis connect failed", "err", err)
			os.Exit(1)
		}
		defer redisEmitter.Close()
		emitter = redisEmitter
	}

	transport := &broker.Client{
		BaseURL: cfg.BrokerBaseURL,
		Token:   cfg.BrokerToken,
		HTTP:    &http.Client{Timeout: cfg.BrokerTimeout},
		Limiter: rate.NewLimiter(rate.Limit(cfg.BrokerRPS), cfg.BrokerBurst),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "broker",
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
	}

	dbStore := pg.New(db)
	dispatcher := dispatch.New(
		dbStore,
		transport,
		emitter,
		dispatch.NewMemoryIdempotencyStore(cfg.IdempotencyTTL),
		dispatch.NewRateLimiter(),
		dispatch.NewCircuitBreaker(dispatch.BreakerConfig{
			Threshold: cfg.BreakerThreshold,
			Window:    cfg.BreakerWindow,
			Cooldown:  cfg.BreakerCooldown,
		}),
		dispatch.Config{
			DefaultRateLimit:   cfg.OutboundRateLimit,
			RateWindow:         cfg.OutboundRateWindow,
			RateLimitOverrides: cfg.RateLimitOverrides,
		},
	)

	s := httpserver.New()
	api := &httpserver.API{Dispatcher: dispatcher, Store: dbStore}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(s.Mux),
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("api shutdown", "signal", sig.String())
		case err := <-metricsErrCh:
			if err != nil && err != http.ErrServerClosed {
				slog.Error("api metrics server failed", "err", err)
			}
		}
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
