package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reconciler-service/awsx"
	"reconciler-service/config"
	"reconciler-service/consumer"
	"reconciler-service/controllers"
	"reconciler-service/database"
	"reconciler-service/logger"
	"reconciler-service/middleware"
	"reconciler-service/repository"
	"reconciler-service/routes"
	"reconciler-service/services"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const serviceName = "reconciler-service"

// Advisory lock key shared by every instance of this service; only the
// holder runs the background loops.
const singletonLockKey int64 = 0x7265636f6e31

func main() {
	_ = godotenv.Load()

	// CloudWatch log shipping (non-fatal)
	cwLogs, err := awsx.NewCloudWatchLogsClient(context.Background(), serviceName)
	if err != nil {
		cwLogs = nil
	}

	var log *zap.Logger
	if cwLogs != nil && cwLogs.IsEnabled() {
		log, err = logger.New(os.Getenv("APP_ENV"), cwLogs)
	} else {
		log, err = logger.New(os.Getenv("APP_ENV"), nil)
	}
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Config load failed", zap.Error(err))
	}

	// Secrets Manager overrides (non-fatal client init; fatal on resolve
	// failure because a half-configured verifier is worse than none)
	awsCfg, awsErr := awsx.LoadAWSConfig(context.Background())
	if awsErr != nil {
		log.Warn("AWS config load failed; secrets and SNS disabled", zap.Error(awsErr))
	} else {
		if err := cfg.ResolveSecrets(context.Background(), awsx.NewSecretsClient(awsCfg)); err != nil {
			log.Fatal("Secret resolution failed", zap.Error(err))
		}
	}

	// Database
	if err := database.Connect(log); err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}

	// Only one instance runs the periodic jobs and the relay consumer; the
	// rest serve HTTP behind the same load balancer.
	isPrimary, err := database.AcquireSingletonLock(context.Background(), database.DB, singletonLockKey)
	if err != nil {
		log.Fatal("Advisory lock query failed", zap.Error(err))
	}
	if !isPrimary {
		log.Warn("Another instance holds the singleton lock; background jobs disabled on this one")
	}

	// CloudWatch metrics (non-fatal)
	metricsClient, err := awsx.NewMetricsClient(context.Background())
	if err != nil {
		log.Warn("CloudWatch metrics client init failed (non-fatal)", zap.Error(err))
		metricsClient = nil
	}

	var publisher awsx.SNSPublisher
	if awsErr == nil {
		publisher = awsx.NewSNSClient(awsCfg, log)
	}

	// Repositories
	ledgerRepo := repository.NewGormLedgerRepo(database.DB)
	snapshotRepo := repository.NewGormSnapshotRepo(database.DB)
	identityRepo := repository.NewGormIdentityRepo(database.DB)
	dispatchRepo := repository.NewGormDispatchRepo(database.DB)
	runRepo := repository.NewGormRunRepo(database.DB)

	// Services
	verifier := services.NewWebhookVerifier(cfg.WebhookSecret, cfg.WebhookToleranceSeconds, cfg.WebhookVerify, log)
	ledger := services.NewEventLedger(ledgerRepo, cfg.LedgerRingSize, log)
	if err := ledger.Warm(context.Background()); err != nil {
		log.Fatal("Ledger warm-up failed", zap.Error(err))
	}

	provider := services.NewProviderClient(cfg.ProviderAPIBase, cfg.ProviderAPIKey, cfg.ProviderCompanyID, cfg.GraceDays, log)
	gateway := services.NewChatBridgeGateway(cfg.ChatAPIBase, cfg.ChatAPIToken)
	resolver := services.NewIdentityResolver(identityRepo, gateway, log)
	dispatcher := services.NewDispatcher(dispatchRepo, gateway, metricsClient, services.DispatcherOptions{
		AlertChannelID:  cfg.AlertChannelID,
		StatusChannelID: cfg.StatusChannelID,
		CaseCategoryID:  cfg.CaseCategoryID,
		DedupeCooldown:  cfg.DispatchCooldown,
		AlertCooldown:   cfg.AlertCooldown,
	}, log)

	ingestor := services.NewIngestor(ledger, provider, snapshotRepo, identityRepo, resolver, dispatcher, gateway, publisher, metricsClient, services.IngestorOptions{
		MemberRoleID:      cfg.MemberRoleID,
		EnforceRemovals:   cfg.EnforceRemovals,
		LifecycleTopicARN: cfg.LifecycleTopicARN,
	}, log)

	reconciler := services.NewReconciler(provider, gateway, identityRepo, snapshotRepo, runRepo, dispatcher, publisher, metricsClient, services.ReconcilerOptions{
		MemberRoleID:      cfg.MemberRoleID,
		Enforce:           cfg.EnforceRemovals,
		AutoHeal:          cfg.AutoHeal,
		HealSpendFloorUSD: cfg.HealSpendFloorUSD,
		SummaryTopicARN:   cfg.SummaryTopicARN,
	}, log)

	// Controllers and router
	webhookController := controllers.NewWebhookController(verifier, ingestor, log)
	adminController := controllers.NewAdminController(reconciler, runRepo, log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.MetricsMiddleware(metricsClient, serviceName))
	r.Use(logger.RequestLogger(log))
	// Admin routes are exempt: a manually triggered audit over a large
	// community legitimately outlives a webhook-sized deadline.
	r.Use(middleware.RequestTimeout(30*time.Second, "/admin"))
	routes.RegisterRoutes(r, webhookController, adminController, cfg.AdminAPIToken)

	// Background jobs, singleton-gated
	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()
	if isPrimary {
		if cfg.WebhookRelayQueueURL != "" {
			sqsConsumer, err := consumer.NewSQSConsumer(cfg.WebhookRelayQueueURL, verifier, ingestor, metricsClient, log)
			if err != nil {
				log.Fatal("Failed to init relay consumer", zap.Error(err))
			}
			go sqsConsumer.Start(jobCtx)
		}

		go runReconcileLoop(jobCtx, reconciler, cfg.ReconcileInterval, log)
		go runRetentionLoop(jobCtx, ledger, identityRepo, cfg.LedgerRetentionDays, log)
	}

	// HTTP server
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info("Reconciler service started", zap.String("port", cfg.Port), zap.Bool("primary", isPrimary))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Initiating graceful shutdown...")
	jobCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}

	if err := database.Close(); err != nil {
		log.Error("Database close error", zap.Error(err))
	}

	log.Info("Reconciler service stopped gracefully")
}

// runReconcileLoop triggers the audit on a fixed interval. The first pass
// waits one full interval so a crash-looping deploy cannot hammer the
// provider API.
func runReconcileLoop(ctx context.Context, reconciler *services.Reconciler, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reconciler.Run(ctx); err != nil && err != services.ErrRunInProgress {
				log.Error("Scheduled reconciliation failed", zap.Error(err))
			}
		}
	}
}

// runRetentionLoop trims the durable webhook log and old trial events daily.
func runRetentionLoop(ctx context.Context, ledger *services.EventLedger, identities repository.IdentityRepository, retentionDays int, log *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ledger.Trim(ctx, time.Duration(retentionDays)*24*time.Hour)
			cutoff := time.Now().UTC().AddDate(0, -6, 0)
			if n, err := identities.TrimTrialEventsBefore(ctx, cutoff); err != nil {
				log.Error("Trial event trim failed", zap.Error(err))
			} else if n > 0 {
				log.Info("Trial event trim", zap.Int64("removed", n))
			}
		}
	}
}
