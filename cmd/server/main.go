package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"course-service/config"
	"course-service/internal/api"
	"course-service/internal/broker"
	"course-service/internal/certrender"
	"course-service/internal/mailer"
	"course-service/internal/redisclient"
	"course-service/internal/service"
	"course-service/internal/store"
	"course-service/internal/util"
	"course-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	renderBatchSize = 50
	retryBatchSize  = 100
	jobLockTTL      = 5 * time.Minute
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, "course-service"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting course service")

	if cfg.Gateway.WebhookSecret == "" {
		logger.Warn("GATEWAY_WEBHOOK_SECRET is empty, every payment callback will be rejected")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, every authenticated request will be rejected")
	}

	tp, err := util.InitTracer("course-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	eventsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer eventsProducer.Close()
	notificationsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationsProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(eventsProducer, notificationsProducer)
	dispatcher := service.NewNotificationDispatcher(eventPublisher, redisClient, cfg.Business.NotificationQueueDepth, 5*time.Second)

	renderer, err := certrender.NewRenderer(cfg.Artifacts.FontPath)
	if err != nil {
		logger.Fatal("Failed to initialize certificate renderer", zap.Error(err))
	}
	artifacts, err := certrender.NewLocalStore(cfg.Artifacts.Dir, cfg.Artifacts.BaseURL)
	if err != nil {
		logger.Fatal("Failed to initialize certificate storage", zap.Error(err))
	}

	activator := service.NewEnrollmentActivator(db, cfg.Business.EnrollmentAccess(), eventPublisher, dispatcher)
	machine := service.NewStateMachine(activator, eventPublisher, dispatcher)
	checkout := service.NewCheckoutLinker(cfg.Gateway.CheckoutURL, cfg.Gateway.VendorID, cfg.Gateway.HashKey, cfg.Gateway.CallbackURL)
	paymentService := service.NewPaymentService(db, machine, checkout, cfg.Business.PaymentExpiry())
	webhookGateway := service.NewWebhookGateway(db, machine, redisClient, cfg.Gateway.WebhookSecret, cfg.Business.ReplayCacheTTL)
	issuer := service.NewCertificateIssuer(db, eventPublisher, dispatcher, renderer, artifacts, cfg.Artifacts.VerifyURL)
	progress := service.NewProgressAggregator(db, issuer, eventPublisher, cfg.Business.CompletionThreshold)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(workerCtx)
		close(dispatcherDone)
	}()

	renderConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup+"-render")
	renderWorker := worker.NewRenderWorker(renderConsumer, issuer)
	go func() {
		if err := renderWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Render worker error", zap.Error(err))
		}
	}()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.ConsumerGroup+"-mailer")
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, db, mailer.New(cfg.Email))
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	scheduler := worker.NewScheduler(redisClient, jobLockTTL)
	jobs := []worker.Job{
		{Name: "expire-payments", Spec: cfg.Business.PaymentSweepSpec, Run: paymentService.ExpireStale},
		{Name: "expire-enrollments", Spec: cfg.Business.EnrollmentSweepSpec, Run: func(ctx context.Context) (int, error) {
			n, err := activator.ExpireEnrollments(ctx)
			return int(n), err
		}},
		{Name: "render-certificates", Spec: cfg.Business.RenderRetrySpec, Run: func(ctx context.Context) (int, error) {
			return issuer.RenderPending(ctx, renderBatchSize)
		}},
		{Name: "retry-notifications", Spec: cfg.Business.NotificationRetrySpec, Run: func(ctx context.Context) (int, error) {
			return dispatcher.RetryParked(ctx, retryBatchSize)
		}},
	}
	for _, job := range jobs {
		if err := scheduler.Register(job); err != nil {
			logger.Fatal("Failed to schedule job", zap.Error(err))
		}
	}
	scheduler.Start()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(paymentService, webhookGateway, progress, issuer, redisClient, api.Config{
		JWTSecret:        cfg.Auth.JWTSecret,
		RequestTimeout:   cfg.Server.RequestTimeout,
		VerifyRateLimit:  cfg.Business.VerifyRateLimit,
		VerifyRateWindow: cfg.Business.VerifyRateWindow,
		CertificateDir:   artifacts.Dir(),
	}, map[string]func(context.Context) error{
		"postgres": db.Ping,
		"redis":    redisClient.Ping,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	scheduler.Stop()
	workerCancel()
	<-dispatcherDone
	renderWorker.Stop()
	notificationWorker.Stop()

	logger.Info("Server exited")
}
