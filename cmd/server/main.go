package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"clubledger/internal/config"
	"clubledger/internal/handler"
	"clubledger/internal/infrastructure/cache"
	"clubledger/internal/infrastructure/database"
	"clubledger/internal/infrastructure/dedupe"
	"clubledger/internal/infrastructure/mq"
	"clubledger/internal/infrastructure/payment"
	"clubledger/internal/job"
	"clubledger/internal/logging"
	"clubledger/internal/observability"
	"clubledger/internal/service"
	"clubledger/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	log := logging.New(cfg.Log)
	if cfg.IsRelease() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		log.WithError(err).Fatal("init id generator")
	}

	db, err := database.Open(&cfg.Database, logging.Component(log, "database"))
	if err != nil {
		log.WithError(err).Fatal("open database")
	}

	// the database path is idempotent on its own, the guard only saves work
	var guard service.EventGuard
	if cfg.Redis.Enabled {
		rdb, err := cache.InitRedis(&cfg.Redis)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, webhook event guard disabled")
		} else {
			defer rdb.Close()
			guard = dedupe.NewEventGuard(rdb, cfg.Business.EventGuardTTL())
		}
	}

	var publisher mq.Publisher = mq.NewLogPublisher(logging.Component(log, "outbox"))
	if cfg.Kafka.Enabled {
		kafka, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			log.WithError(err).Fatal("init kafka")
		}
		publisher = kafka
	}
	defer publisher.Close()

	metrics := observability.NewMetrics()
	gateway := payment.NewStripeGateway(cfg.Stripe.SecretKey)
	verifier := payment.NewWebhookVerifier(cfg.Stripe.WebhookSecret)

	payments := service.NewPaymentService(db, cfg, gateway, logging.Component(log, "payment"))
	h := handler.NewHandler(handler.Services{
		Ledger:     service.NewLedgerService(db, cfg, logging.Component(log, "ledger"), metrics),
		EntryTypes: service.NewEntryTypeService(db, logging.Component(log, "entry_type")),
		Balances:   service.NewBalanceService(db),
		Payments:   payments,
		Webhooks:   service.NewWebhookService(db, cfg, verifier, guard, logging.Component(log, "webhook"), metrics),
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobLog := logging.Component(log, "job")
	outboxSender := job.NewOutboxSender(db, cfg, publisher, jobLog)
	go outboxSender.Start(ctx)

	expiryJob := job.NewSessionExpiryJob(db, cfg, payments, jobLog)
	go expiryJob.Start(ctx)

	compensateJob := job.NewNotifiedSessionCompensateJob(db, payments, jobLog)
	go compensateJob.Start(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(cfg, h, metrics, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}

	// in-flight requests are done, stop the background jobs
	outboxSender.Stop()
	expiryJob.Stop()
	compensateJob.Stop()
	cancel()

	log.Info("server stopped")
}
