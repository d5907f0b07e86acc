package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	awsclients "notification-pipeline/internal/common/aws"
	"notification-pipeline/internal/common/camunda"
	"notification-pipeline/internal/common/config"
	"notification-pipeline/internal/common/database"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/observability"
	"notification-pipeline/internal/common/supervisor"
	"notification-pipeline/internal/common/validation"
	"notification-pipeline/internal/history"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/orchestrator"
	"notification-pipeline/internal/queue"
	"notification-pipeline/internal/sandbox"
	"notification-pipeline/internal/sender"
	"notification-pipeline/internal/shortener"
	"notification-pipeline/internal/store"
	"notification-pipeline/internal/workers/delivery"
	processevent "notification-pipeline/internal/workers/process-event"
	"notification-pipeline/internal/workers/scheduler"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting notification worker...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- PostgreSQL ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return err
		}
		return nil
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		zapLog.Fatal("schema migration failed", zap.Error(err))
	}
	zapLog.Info("PostgreSQL connected successfully")

	// --- Redis: short link cache and scheduler lease, both optional ---
	rdb := database.NewRedis(cfg.Database.Redis)
	defer rdb.Close()
	if err := rdb.Ping(ctx); err != nil {
		zapLog.Warn("redis unavailable, continuing without cache hits or tick lease", zap.Error(err))
	}

	// --- RabbitMQ ---
	var broker *queue.Broker
	err = retryWithBackoff(func() error {
		var err error
		broker, err = queue.Dial(cfg.RabbitMQ.URL, log)
		return err
	}, 15, 2*time.Second, zapLog, "RabbitMQ connection")
	if err != nil {
		zapLog.Fatal("rabbitmq failed after retries", zap.Error(err))
	}
	defer broker.Close()
	zapLog.Info("RabbitMQ connected, topology declared")

	dispatcher := queue.NewDispatcher(broker, cfg.RabbitMQ.PublishPoolSize, config.GetDuration(cfg.RabbitMQ.PublishTimeout), log)
	defer dispatcher.Close()

	st := store.New(pg.DB)
	engine := sandbox.New()

	// --- Orchestrator ---
	var short shortener.Shortener
	if cfg.Shortener.BaseURL != "" {
		short = shortener.NewClient(cfg.Shortener.BaseURL, config.GetDuration(cfg.Shortener.Timeout), log)
		if cfg.Shortener.CacheTTL > 0 {
			short = shortener.NewCached(short, rdb.Client, time.Duration(cfg.Shortener.CacheTTL)*time.Second, log)
		}
	}
	events, err := validation.NewEventValidator()
	if err != nil {
		zapLog.Fatal("event schemas failed to compile", zap.Error(err))
	}
	orch := orchestrator.New(orchestrator.Deps{
		Templates:     st,
		Recipients:    st,
		Notifications: st,
		Publisher:     dispatcher,
		Links:         shortener.NewSubstitutor(short, log),
		Events:        events,
		Routes: orchestrator.EventRoutes{
			UserRegisteredTemplate: cfg.Events.UserRegisteredTemplate,
			NewMovieTemplate:       cfg.Events.NewMovieTemplate,
		},
	}, log)

	// --- Channel transports ---
	awsClients, err := awsclients.NewClients(ctx, cfg.Integrations.AWS)
	if err != nil {
		zapLog.Fatal("aws clients failed", zap.Error(err))
	}
	senders := sender.NewRegistry(awsClients, cfg.Integrations.AWS)

	// --- Delivery history ---
	var hist delivery.HistoryRecorder
	var esClient *database.ElasticsearchClient
	if cfg.History.Enabled {
		esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			zapLog.Fatal("elasticsearch client failed", zap.Error(err))
		}
		indexer := history.NewIndexer(esClient.Client, cfg.History.Index, log)
		if err := indexer.EnsureIndex(ctx); err != nil {
			zapLog.Warn("history index not ready, records may fail until it exists", zap.Error(err))
		}
		hist = indexer
	}

	sup := supervisor.New(ctx, log)

	// --- Delivery workers, one per channel queue ---
	for _, name := range cfg.Delivery.Channels {
		ct, err := models.ParseChannelType(name)
		if err != nil {
			zapLog.Fatal("invalid delivery channel", zap.Error(err))
		}
		s, err := senders.For(ct)
		if err != nil {
			zapLog.Warn("no transport for channel, not consuming its queue", zap.String("channel", ct.String()))
			continue
		}
		queueName, err := queue.QueueName(ct)
		if err != nil {
			zapLog.Fatal("no queue for channel", zap.Error(err))
		}

		handler := delivery.NewHandler(delivery.LoadConfig(cfg, ct), st, st, s, engine, hist, log)
		consumer := queue.NewConsumer(broker, queueName, cfg.RabbitMQ.Prefetch, handler, log)
		sup.GoRestart("consumer."+queueName, supervisor.DefaultRestartPolicy, consumer.Run)
		zapLog.Info("delivery worker started", zap.String("queue", queueName))
	}

	// --- Scheduler ---
	if cfg.Scheduler.Enabled {
		schedCfg := scheduler.LoadConfig(cfg)
		var lease scheduler.Lease
		if schedCfg.UseLease {
			lease = scheduler.NewRedisLease(rdb.Client, scheduler.DefaultLeaseKey, schedCfg.LeaseTTL)
		}
		schedMetrics, err := observability.New(cfg.App.Name)
		if err != nil {
			zapLog.Fatal("scheduler metrics failed", zap.Error(err))
		}
		defer schedMetrics.Shutdown(context.Background())

		sched := scheduler.NewScheduler(schedCfg, st, dispatcher, lease, schedMetrics, log)
		sup.GoRestart("scheduler", supervisor.DefaultRestartPolicy, sched.Run)
	}

	// --- Zeebe event intake ---
	var zeebe *camunda.Client
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClient(cfg.Camunda)
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zeebe.Close()

		eventCfg := processevent.LoadConfig(cfg)
		eventWorker := camunda.NewWorker(zeebe.GetClient(), processevent.TaskType, eventCfg.MaxJobsActive,
			processevent.NewHandler(eventCfg, orch, zeebe, log), log)
		defer eventWorker.Stop()
	}

	// --- Health & Metrics Server ---
	checks := map[string]func(context.Context) error{
		"postgres": pg.Ping,
		"rabbitmq": func(context.Context) error {
			if !broker.Healthy() {
				return errors.New("connection closed")
			}
			return nil
		},
	}
	if zeebe != nil {
		checks["zeebe"] = zeebe.HealthCheck
	}
	if esClient != nil {
		checks["elasticsearch"] = esClient.Ping
	}
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           newHealthMux(checks, sup),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zapLog.Info("Health/Metrics server listening", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, draining in-flight deliveries...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sup.Stop(shutdownCtx); err != nil {
		zapLog.Error("workers did not stop cleanly", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping health server", zap.Error(err))
	}

	zapLog.Info("Notification worker stopped gracefully")
}
