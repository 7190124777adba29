package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/bus"
	"carbonrecycling-backend/internal/config"
	"carbonrecycling-backend/internal/digest"
	"carbonrecycling-backend/internal/logger"
	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/notify"
	"carbonrecycling-backend/internal/rules"
	"carbonrecycling-backend/internal/scheduler"
	"carbonrecycling-backend/internal/secrets"
	"carbonrecycling-backend/internal/storage"
)

func main() {
	cfg, cfgErr := config.Load(os.Getenv("CONFIG_PATH"))
	logger.Init("alert-worker", cfg.LogLevel)
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
	subscriber, err := bus.NewSubscriber(cfg.Bus.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer subscriber.Close()

	manager := alerts.NewManager(repo, publisher, logger.WithComponent("alerts"))

	fallback := metricsource.NewHTTPSource(cfg.Sources.MetricsAPIURL, cfg.Sources.MetricsAPIToken)
	resolver := metricsource.NewResolver(repo, fallback, logger.WithComponent("resolver"))
	defer resolver.Close()
	eval := &scheduler.Evaluator{Metrics: resolver, References: fallback}

	dispatch := notify.NewDispatcher(logger.WithComponent("notify"))
	channels := notify.NewChannelNotifier(cfg.Notify.APIURL)
	dispatch.Register(rules.ActionEmail, channels)
	dispatch.Register(rules.ActionSMS, channels)
	dispatch.Register(rules.ActionSlack, channels)
	dispatch.Register(rules.ActionWebhook, notify.NewWebhookNotifier())
	dispatch.Register(rules.ActionCreateTask, notify.NewTaskNotifier(cfg.Notify.TaskAPIURL))
	dispatch.Register(rules.ActionEscalate, &notify.EscalateNotifier{Alerts: manager})
	dispatch.Register(rules.ActionAutoRemediate, &notify.RemediateNotifier{Bus: publisher})

	engine := scheduler.NewEngine(
		repo, manager, eval, dispatch,
		logger.WithComponent("engine"),
		cfg.Evaluator.Interval(), cfg.Evaluator.Timeout(), cfg.Evaluator.Workers,
	)
	defer engine.Stop()

	reloadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := engine.Reload(reloadCtx); err != nil {
		log.Error().Err(err).Msg("initial rule reload failed")
	}
	cancel()
	engine.Start()

	dig := digest.New(repo, dispatch, logger.WithComponent("digest"), cfg.Digest.Schedule, cfg.Digest.Recipients)
	if err := dig.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start digest")
	}
	defer dig.Stop()

	go startAdminServer(cfg.Server.AdminPort, engine, logger.WithComponent("admin"))

	subscribeEvents(subscriber, engine, resolver, log)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Info().Msg("shutting down")
}

func subscribeEvents(sub *bus.Subscriber, engine *scheduler.Engine, resolver *metricsource.Resolver, log zerolog.Logger) {
	subscribe := func(subject string) {
		_, _ = sub.Subscribe(subject, func(evt bus.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := engine.ProcessRule(ctx, evt.RuleID); err != nil {
				log.Error().Str("subject", subject).Str("rule_id", evt.RuleID).Err(err).Msg("rule event processing failed")
			}
		})
	}
	subscribe("rule.created")
	subscribe("rule.updated")
	subscribe("rule.enabled")
	subscribe("rule.disabled")
	subscribe("rule.deleted")
	_, _ = sub.Subscribe("source.deleted", func(evt bus.Event) {
		log.Info().Str("org_id", evt.OrgID).Msg("metric source deleted, dropping cached reader")
		resolver.Invalidate(evt.OrgID)
	})
}

func startAdminServer(port string, engine *scheduler.Engine, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/rules", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(engine.ListRules())
	})
	mux.HandleFunc("/jobs/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := engine.Reload(ctx); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "message": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
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

	log.Info().Str("port", port).Msg("worker admin server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("admin server error")
	}
}
