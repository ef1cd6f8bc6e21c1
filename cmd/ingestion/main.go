package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fleet-monitor/cleaning/internal/alerting"
	"fleet-monitor/cleaning/internal/auth"
	"fleet-monitor/cleaning/internal/classifier"
	"fleet-monitor/cleaning/internal/config"
	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/metrics"
	"fleet-monitor/cleaning/internal/notify"
	"fleet-monitor/cleaning/internal/pipeline"
	"fleet-monitor/cleaning/internal/store"
	transporthttp "fleet-monitor/cleaning/internal/transport/http"
)

// backend is what both the Postgres and the in-memory store provide.
type backend interface {
	pipeline.EventStore
	pipeline.AlertResolver
	pipeline.AuditSink
	alerting.EventCounter
	alerting.AlertStore
	transporthttp.Reader
	transporthttp.Pinger
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ingestion service stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("ingestion service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	health := map[string]transporthttp.Pinger{}

	var db backend
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		db = store.NewMemoryStore()
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL(), cfg.FleetID)
		if err != nil {
			return err
		}
		defer pg.Close()
		db = pg
		logger.Info("connected to postgres", slog.String("host", cfg.DBHost), slog.String("db", cfg.DBName))
	}
	health["store"] = db

	var rs *store.RedisStore
	if cfg.RedisAddr != "" {
		var err error
		rs, err = store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			FleetID:  cfg.FleetID,
		})
		if err != nil {
			return err
		}
		defer rs.Close()
		health["redis"] = rs
		logger.Info("connected to redis", slog.String("addr", cfg.RedisAddr))
	}

	multi, closeSenders, err := buildNotifier(cfg, rs, logger)
	if err != nil {
		return err
	}
	defer closeSenders()
	dispatcher := pipeline.NewDispatcher(cfg.NotifyChannelSize, multi, logger)

	engine, err := alerting.NewEngine(
		alerting.Config{
			DirtyThreshold:     cfg.DirtyThreshold,
			DirtyWindowHours:   cfg.DirtyWindowHours,
			UncertainThreshold: cfg.UncertainThreshold,
		},
		db, db, dispatcher,
		alerting.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	cls, err := buildClassifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var locker pipeline.Locker = pipeline.NewKeyedMutex()
	var state *pipeline.StateWriter
	var keys auth.KeyLookup
	if rs != nil {
		redisLock := store.NewVehicleLocker(rs,
			time.Duration(cfg.VehicleLockTTLSeconds)*time.Second,
			time.Duration(cfg.VehicleLockWaitSeconds)*time.Second,
			logger,
		)
		locker = pipeline.NewFallbackLocker(redisLock, locker, logger)
		state = pipeline.NewStateWriter(rs, cfg.StateChannelSize, logger)
		keys = rs
	}
	audit := pipeline.NewAuditWriter(db, cfg.AuditChannelSize, cfg.AuditBatchSize,
		time.Duration(cfg.AuditFlushIntervalMS)*time.Millisecond, logger)

	ingestor, err := pipeline.NewIngestor(pipeline.Deps{
		Classifier: cls,
		Events:     db,
		Engine:     engine,
		Alerts:     db,
		Locker:     locker,
		State:      state,
		Audit:      audit,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	authn := auth.NewAuthenticator(cfg.ValidAPIKeys, keys, time.Duration(cfg.AuthCacheTTLSeconds)*time.Second, logger)
	var authMW *transporthttp.AuthMiddleware
	if authn.Enabled() {
		authMW = transporthttp.NewAuthMiddleware(authn)
	} else {
		logger.Warn("no API keys configured, /v1 is unauthenticated")
	}

	handler := &transporthttp.Handler{
		Ingestor:       ingestor,
		Reader:         db,
		Health:         health,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Timeout:        15 * time.Second,
		Logger:         logger,
	}
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           transporthttp.NewRouter(handler, authMW, metrics.Handler(), logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Workers outlive the HTTP server so requests in flight at shutdown can
	// still enqueue notifications and audit entries.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(workerCtx)
		return nil
	})
	g.Go(func() error {
		audit.Run(workerCtx)
		return nil
	})
	if state != nil {
		g.Go(func() error {
			state.Run(workerCtx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("ingestion service listening",
			slog.String("port", cfg.HTTPPort),
			slog.String("classifier", cls.Strategy()),
			slog.String("store", cfg.StoreBackend),
			slog.Any("notifiers", multi.Backends()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopWorkers()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildClassifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*classifier.Service, error) {
	timeout := time.Duration(cfg.InferenceTimeoutSeconds) * time.Second
	opts := classifier.Options{
		Mode: cfg.ClassifierMode,
		Model: classifier.ModelOptions{
			InputSize:            cfg.ModelInputSize,
			Mean:                 toVec3(cfg.ModelNormMean),
			Std:                  toVec3(cfg.ModelNormStd),
			OutputsProbabilities: cfg.ModelOutputsProbabilities,
			Timeout:              timeout,
		},
		Thresholds: classifier.Thresholds{
			Clean: cfg.ConfidenceThresholdClean,
			Dirty: cfg.ConfidenceThresholdDirty,
		},
		Seed:           uint64(time.Now().UnixNano()),
		MaxImagePixels: cfg.MaxImagePixels,
	}

	var infer classifier.Inferencer
	if cfg.ClassifierMode == classifier.StrategyModel && cfg.ModelURL != "" {
		hi, err := classifier.NewHTTPInferencer(cfg.ModelURL, cfg.ModelName, timeout)
		if err != nil {
			return nil, err
		}
		infer = hi
	}
	return classifier.New(ctx, opts, infer, logger), nil
}

func buildNotifier(cfg *config.Config, rs *store.RedisStore, logger *slog.Logger) (*notify.Multi, func(), error) {
	var (
		senders []notify.Sender
		closers []func()
	)
	closeAll := func() {
		for _, c := range slices.Backward(closers) {
			c()
		}
	}

	for _, b := range cfg.NotifierBackends {
		switch b {
		case "redis":
			if rs == nil {
				closeAll()
				return nil, nil, errors.New("redis notifier needs REDIS_ADDR")
			}
			senders = append(senders, notify.NewRedisSender(rs))
		case "nats":
			ns, err := notify.NewNATSSender(cfg.NATSURL, cfg.NATSSubject, cfg.ServiceName)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			senders = append(senders, ns)
			closers = append(closers, ns.Close)
		case "kafka":
			ks, err := notify.NewKafkaSender(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.ServiceName)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			senders = append(senders, ks)
			closers = append(closers, func() { ks.Close() })
		case "log":
			senders = append(senders, notify.NewLogSender(logger))
		}
	}
	return notify.NewMulti(logger, senders...), closeAll, nil
}

func toVec3(v []float64) [3]float32 {
	var out [3]float32
	for i := 0; i < len(v) && i < 3; i++ {
		out[i] = float32(v[i])
	}
	return out
}
