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
	"golang.org/x/time/rate"

	"github.com/obligohq/notifier/internal/config"
	"github.com/obligohq/notifier/internal/email"
	"github.com/obligohq/notifier/internal/handler"
	notificationHandler "github.com/obligohq/notifier/internal/handler/notification"
	webhookHandler "github.com/obligohq/notifier/internal/handler/webhook"
	"github.com/obligohq/notifier/internal/middleware"
	"github.com/obligohq/notifier/internal/preference"
	"github.com/obligohq/notifier/internal/ratelimit"
	"github.com/obligohq/notifier/internal/repository/postgres"
	"github.com/obligohq/notifier/internal/router"
	dispatcherService "github.com/obligohq/notifier/internal/service/dispatcher"
	webhookService "github.com/obligohq/notifier/internal/service/webhook"
	"github.com/obligohq/notifier/internal/template"
	"github.com/obligohq/notifier/pkg/logger"
	"github.com/obligohq/notifier/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
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
	webhookRepo := postgres.NewWebhookRepository(baseRepo)
	notificationRepo := postgres.NewNotificationRepository(baseRepo)
	deadLetterRepo := postgres.NewDeadLetterRepository(baseRepo)
	companyRepo := postgres.NewCompanyRepository(baseRepo)

	templates, err := template.NewRegistry()
	if err != nil {
		appLogger.Fatal(err, "failed to build template registry")
	}

	m := metrics.New("notifier")
	emailSender := email.NewSMTPSender(cfg.SMTP)
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimit)
	prefs := preference.NewService(db)

	webhookSvc := webhookService.NewService(webhookRepo, appLogger, m)
	dispatcherSvc := dispatcherService.NewService(
		notificationRepo,
		deadLetterRepo,
		companyRepo,
		emailSender,
		limiter,
		prefs,
		templates,
		appLogger,
		m,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret)
	h := handler.NewHandler()

	r := router.NewRouter(authMiddleware, h, router.Config{
		RateLimit: rate.Limit(50),
		RateBurst: 100,
	})
	r.Setup(
		webhookHandler.NewHandler(webhookSvc),
		notificationHandler.NewHandler(dispatcherSvc),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		appLogger.Info("starting api server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error(err, "forced shutdown")
	}
	appLogger.Info("server stopped")
}
