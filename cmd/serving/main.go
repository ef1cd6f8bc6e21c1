package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"fleet-monitor/cleaning/internal/auth"
	"fleet-monitor/cleaning/internal/config"
	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/metrics"
	"fleet-monitor/cleaning/internal/store"
	transporthttp "fleet-monitor/cleaning/internal/transport/http"
	"fleet-monitor/cleaning/internal/transport/ws"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.ServiceName+"-serving", cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("serving stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("serving stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	rs, err := store.NewRedisStore(ctx, store.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		FleetID:  cfg.FleetID,
	})
	if err != nil {
		return err
	}
	defer rs.Close()

	hub := ws.NewHub(cfg.WSOrigins, logger)
	pubsub := rs.Subscribe(ctx)
	defer pubsub.Close()

	authn := auth.NewAuthenticator(cfg.ValidAPIKeys, rs, time.Duration(cfg.AuthCacheTTLSeconds)*time.Second, logger)
	stateHandler := &transporthttp.StateHandler{State: rs, Logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rs.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Handle("/ws", hub)
	r.Route("/v1", func(r chi.Router) {
		r.Use(transporthttp.NewAuthMiddleware(authn).Wrap)
		stateHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.WSPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Relay(gctx, pubsub)
		return nil
	})
	g.Go(func() error {
		logger.Info("serving listening",
			slog.String("port", cfg.WSPort),
			slog.String("alerts", store.AlertsChannelPattern),
			slog.String("events", store.EventsChannelPattern),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
