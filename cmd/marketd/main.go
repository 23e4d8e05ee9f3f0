// Command marketd serves the collectibles marketplace API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/lumenfeed/market_layer/internal/config"
	"github.com/lumenfeed/market_layer/internal/docstore"
	"github.com/lumenfeed/market_layer/internal/docstore/memory"
	"github.com/lumenfeed/market_layer/internal/docstore/postgres"
	"github.com/lumenfeed/market_layer/internal/keymutex"
	"github.com/lumenfeed/market_layer/internal/logging"
	"github.com/lumenfeed/market_layer/internal/metrics"
	"github.com/lumenfeed/market_layer/internal/middleware"
	"github.com/lumenfeed/market_layer/services/identity"
	"github.com/lumenfeed/market_layer/services/market"
	"github.com/lumenfeed/market_layer/services/notify"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.NewDefault("marketd").WithError(err).Error("configuration invalid")
		os.Exit(1)
	}

	log := logging.New("marketd", cfg.LogLevel)

	if cfg.Auth.JWTSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	store, cleanup, err := openStore(cfg, log)
	if err != nil {
		log.WithError(err).Error("document store unavailable")
		os.Exit(1)
	}
	defer cleanup()

	locks := openLocker(cfg, log)
	m := metrics.New()

	resolver := identity.NewResolver([]byte(cfg.Auth.JWTSecret), store, log)
	pushClient := notify.NewPushClient(cfg.Notify.GatewayURL, cfg.Notify.Timeout, log)
	outbox := notify.NewOutbox(store, pushClient, cfg.Notify.OutboxBatch, log)
	outbox.OnResult(m.NotificationResult)
	if err := outbox.Start(cfg.Notify.OutboxSweep); err != nil {
		log.WithError(err).Error("outbox sweeper not started")
		os.Exit(1)
	}
	defer outbox.Stop()

	svc := market.NewService(market.Deps{
		Store:    market.NewStore(store),
		Identity: resolver,
		Locks:    locks,
		Outbox:   outbox,
		Notifier: pushClient,
		Config:   cfg,
		Metrics:  m,
		Log:      log,
	})

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	market.NewHandler(svc, log).Register(router)

	auth := middleware.NewAuthMiddleware(resolver, log, []string{"/health", "/metrics"})
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst, log)
	limiter.StartCleanup(10 * time.Minute)

	router.Use(middleware.LoggingMiddleware(log))
	router.Use(middleware.MetricsMiddleware(m))
	router.Use(auth.Handler)
	router.Use(limiter.Handler)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("marketd listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server stopped")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
	}
}

// openStore selects Postgres when DATABASE_URL is set, otherwise the
// in-memory store for local development.
func openStore(cfg *config.Config, log *logging.Logger) (docstore.Store, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return memory.New(), func() {}, nil
	}
	store, err := postgres.Open(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to postgres document store")
	return store, func() { store.Close() }, nil
}

// openLocker selects the distributed lock when REDIS_ADDR is set.
func openLocker(cfg *config.Config, log *logging.Logger) keymutex.Locker {
	if cfg.Redis.Addr == "" {
		return keymutex.New()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	log.WithField("addr", cfg.Redis.Addr).Info("using redis resource locks")
	return keymutex.NewRedisLocker(client, 30*time.Second)
}
