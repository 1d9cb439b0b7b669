package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/rand"

	"receipt-validator/internal/cache"
	"receipt-validator/internal/client"
	"receipt-validator/internal/config"
	"receipt-validator/internal/database"
	"receipt-validator/internal/events"
	"receipt-validator/internal/features"
	"receipt-validator/internal/handler"
	"receipt-validator/internal/metrics"
	"receipt-validator/internal/middleware"
	"receipt-validator/internal/platform"
	"receipt-validator/internal/receipt"
	"receipt-validator/internal/service"
	"receipt-validator/internal/store"
	"receipt-validator/internal/tracing"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a JSON or YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("receipt validator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.JaegerEndpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	state, closeState, err := openState(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeState()

	v := cfg.Validation
	plat, err := platform.ParsePlatform(v.Platform)
	if err != nil {
		return err
	}
	storefront, err := platform.ParseStorefront(v.Storefront)
	if err != nil {
		return err
	}
	mode, err := service.ParseSyncMode(v.SyncPolicy)
	if err != nil {
		return err
	}

	flags := features.Defaults(v.LocalEnabled, v.RemoteEnabled, mode != service.SyncDisabled)
	st := store.NewMemoryStore()
	bus := events.NewManager()
	defer bus.Shutdown()

	svc, err := service.NewService(service.Options{
		Platform:   plat,
		Storefront: storefront,
		BundleID:   v.BundleID,
		UserID:     v.UserID,
		Store:      st,
		State:      state,
		Remote: client.New(client.Options{
			HTTPClient:         &http.Client{Timeout: time.Duration(v.TimeoutSeconds) * time.Second},
			ValidationEndpoint: v.ValidationEndpoint,
			InventoryEndpoint:  v.InventoryEndpoint,
			AppID:              v.AppID,
			Method:             v.Method,
			MaxResponseSize:    v.MaxResponseSize,
			InventoryRetries:   v.InventoryRetries,
		}),
		LocalOptions: receipt.Options{
			BundleID:            v.BundleID,
			GooglePlayPublicKey: v.GooglePublicKey,
		},
		Events:        bus,
		Features:      flags,
		Metrics:       metrics.New(prometheus.DefaultRegisterer),
		Logger:        logger,
		Policy:        service.SyncPolicy{Mode: mode, Delay: time.Duration(v.SyncDelaySeconds) * time.Second},
		HistoryWindow: time.Duration(v.HistoryWindowSeconds) * time.Second,
		RestoreJitter: jitter(v.RestoreJitterMinMs, v.RestoreJitterMaxMs),
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.LoadPersisted(ctx); err != nil {
		logger.Warn("starting with an empty inventory", "error", err)
	}

	bus.Subscribe(events.EventValidationCompleted, func(ctx context.Context, e events.Event) {
		data := e.Data.(events.ValidationCompletedData)
		logger.Info("validation completed",
			"event_id", e.ID,
			"product_id", data.Order.ProductID,
			"transaction_id", data.Order.TransactionID,
			"success", data.Success,
		)
	})
	bus.Subscribe(events.EventInventoryReady, func(ctx context.Context, e events.Event) {
		data := e.Data.(events.InventoryReadyData)
		logger.Info("inventory ready", "event_id", e.ID, "purchases", len(data.Snapshot))
	})

	h := handler.NewHandlerWithOptions(svc, st, flags, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Logger:      logger,
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware())

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer limiter.Stop()
		r.Use(middleware.RateLimitMiddleware(limiter, logger))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "traceparent"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))

	h.Routes(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", server.Addr,
			"tls", cfg.Server.CertFile != "",
			"platform", plat,
			"storefront", storefront,
			"storage", cfg.Storage.Backend,
		)
		if cfg.Server.CertFile != "" {
			errCh <- server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("error shutting down server", "error", err)
	}
	return nil
}

// openState opens the configured persistence backend for the engine.
func openState(ctx context.Context, cfg *config.Config) (service.StateStore, func(), error) {
	switch cfg.Storage.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return cache.NewStateStore(rc, cfg.Storage.KeyPrefix), func() { rc.Close() }, nil
	case "memory":
		return cache.NewStateStore(cache.NewInMemoryCache(), cfg.Storage.KeyPrefix), func() {}, nil
	default:
		db, err := database.NewDB(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return db, func() { db.Close() }, nil
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", "receipt-validator")
}

// jitter returns a uniform delay in [minMs, maxMs] milliseconds.
func jitter(minMs, maxMs int) func() time.Duration {
	return func() time.Duration {
		span := maxMs - minMs
		if span <= 0 {
			return time.Duration(minMs) * time.Millisecond
		}
		return time.Duration(minMs+rand.Intn(span+1)) * time.Millisecond
	}
}
