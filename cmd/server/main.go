package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/api"
	"carbonrecycling-backend/internal/bus"
	"carbonrecycling-backend/internal/config"
	"carbonrecycling-backend/internal/logger"
	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/secrets"
	"carbonrecycling-backend/internal/storage"
)

func main() {
	cfg, cfgErr := config.Load(os.Getenv("CONFIG_PATH"))
	logger.Init("alert-api", cfg.LogLevel)
	log := logger.Logger
	if cfgErr != nil {
		log.Fatal().Err(cfgErr).Msg("failed to load configuration")
	}
	if len(cfg.Database.EncryptionKey) != 32 {
		log.Fatal().Msg("ENCRYPTION_KEY must be 32 bytes")
	}
	cipher, err := secrets.NewAesGcmCipher([]byte(cfg.Database.EncryptionKey))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init cipher")
	}

	ctx := context.Background()
	store, err := storage.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer store.Close()
	repo := storage.NewRepository(store, cipher)

	publisher, err := bus.NewPublisher(cfg.Bus.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer publisher.Close()

	manager := alerts.NewManager(repo, publisher, logger.WithComponent("alerts"))

	var snapshots metricsource.SnapshotSource
	if cfg.Sources.MetricsAPIURL != "" {
		snapshots = metricsource.NewHTTPSource(cfg.Sources.MetricsAPIURL, cfg.Sources.MetricsAPIToken)
	}

	handler := &api.Handler{
		Repo:      repo,
		Alerts:    manager,
		Bus:       publisher,
		Cipher:    cipher,
		Snapshots: snapshots,
		Timeout:   5 * time.Second,
	}
	limiter := api.NewIPRateLimiter(float64(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(limiter.Middleware)
	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})

	go startAdminServer(cfg.Server.AdminPort, logger.WithComponent("admin"))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Info().Str("port", cfg.Server.Port).Msg("alert api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server error")
	}
}

func startAdminServer(port string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	log.Info().Str("port", port).Msg("admin server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("admin server error")
	}
}
