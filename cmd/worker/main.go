package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/obligohq/notifier/internal/config"
	"github.com/obligohq/notifier/internal/email"
	"github.com/obligohq/notifier/internal/preference"
	"github.com/obligohq/notifier/internal/ratelimit"
	"github.com/obligohq/notifier/internal/repository/postgres"
	dispatcherService "github.com/obligohq/notifier/internal/service/dispatcher"
	"github.com/obligohq/notifier/internal/template"
	"github.com/obligohq/notifier/pkg/logger"
	"github.com/obligohq/notifier/pkg/metrics"
	"github.com/obligohq/notifier/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	env, err := config.LoadWorkerEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load worker environment")
	}
	batchSize := cfg.Dispatcher.BatchSize
	if env.BatchSize > 0 {
		batchSize = env.BatchSize
	}
	pollInterval := cfg.Dispatcher.PollInterval
	if env.PollInterval > 0 {
		pollInterval = env.PollInterval
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Console:    cfg.Log.Console,
	})

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		appLogger.Fatal(err, "failed to parse Redis URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	baseRepo := postgres.NewBaseRepository(db)
	notificationRepo := postgres.NewNotificationRepository(baseRepo)
	deadLetterRepo := postgres.NewDeadLetterRepository(baseRepo)
	companyRepo := postgres.NewCompanyRepository(baseRepo)

	templates, err := template.NewRegistry()
	if err != nil {
		appLogger.Fatal(err, "failed to build template registry")
	}

	dispatcherSvc := dispatcherService.NewService(
		notificationRepo,
		deadLetterRepo,
		companyRepo,
		email.NewSMTPSender(cfg.SMTP),
		ratelimit.NewLimiter(redisClient, cfg.RateLimit),
		preference.NewService(db),
		templates,
		appLogger,
		metrics.New("notifier_worker"),
	)

	processor := worker.NewDispatchProcessor(dispatcherSvc, worker.DispatchProcessorConfig{
		BatchSize:    batchSize,
		PollInterval: pollInterval,
	}, appLogger)

	setupHealthCheck(env.HealthPort, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("shutting down...")
		cancel()
	}()

	processor.Start(ctx)
}

func setupHealthCheck(port int, appLogger *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			appLogger.Error(err, "health check server failed")
			os.Exit(1)
		}
	}()
}
