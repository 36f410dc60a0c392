package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/preferences"
	"github.com/ignite/campaign-engine/internal/worker"
)

func main() {
	log.Println("Starting campaign send worker (cmd/worker)")

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Redact()); err != nil {
		log.Fatalf("Invalid log config: %v", err)
	}
	if cfg.Queue.Backend == "memory" {
		log.Println("WARNING: memory queue selected; the worker only sees campaigns launched in this process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Database: %v", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		if rdb, err = queue.Connect(ctx, cfg.Redis.URL); err != nil {
			log.Fatalf("Redis: %v", err)
		}
		defer rdb.Close()
	}

	m := metrics.New(nil)
	campaignRepo := postgres.NewCampaignRepo(db)
	deliveryRepo := postgres.NewDeliveryRepo(db)
	userRepo := postgres.NewUserRepo(db)

	var countCache segmentation.CountCache = segmentation.NewMemoryCountCache()
	if rdb != nil {
		countCache = segmentation.NewRedisCountCache(rdb)
	}
	segments := segmentation.NewEngine(postgres.NewSegmentRepo(db), countCache, cfg.Segment.CountCacheTTL())

	opts := queue.Options{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		LeaseTimeout: cfg.Queue.LeaseTimeout(),
		Backoff:      queue.Backoff{Base: cfg.Queue.BackoffBase(), Max: cfg.Queue.BackoffMax(), Factor: 2},
	}
	var q queue.Queue
	if rdb != nil && cfg.Queue.Backend == "redis" {
		q = queue.NewRedisQueue(rdb, campaignRepo, opts)
	} else {
		q = queue.NewMemoryQueue(campaignRepo, opts)
	}

	transport, err := worker.NewTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("Transport: %v", err)
	}
	composer := mailing.NewComposer(mailing.NewTemplateEngine(),
		mailing.NewLinkTracker(cfg.Tracking.BaseURL, cfg.Tracking.SigningSecret))

	deps := campaign.Deps{
		Campaigns:  campaignRepo,
		Deliveries: deliveryRepo,
		Segments:   segments,
		Queue:      q,
		Locks:      distlock.NewFactory(rdb, db),
		Composer:   composer,
		Transport:  transport,
		Metrics:    m,
	}
	if cfg.Templates.Enabled() {
		store, err := mailing.NewS3TemplateStore(ctx, cfg.Templates.S3Bucket, cfg.Templates.S3Region, cfg.Templates.Prefix)
		if err != nil {
			log.Fatalf("Template store: %v", err)
		}
		deps.Templates = store
	}
	controller := campaign.NewController(deps)

	delivery := worker.NewDeliveryWorker(worker.DeliveryDeps{
		Campaigns: controller,
		Queue:     q,
		Records:   deliveryRepo,
		Profiles:  userRepo,
		Bouncer:   preferences.NewService(userRepo),
		Composer:  composer,
		Transport: transport,
		Metrics:   m,
	}, worker.DeliveryConfig{
		PollInterval:    cfg.Worker.PollInterval(),
		BatchSize:       cfg.Worker.BatchSize,
		SendConcurrency: cfg.Worker.SendConcurrency,
		MaxCampaigns:    cfg.Worker.MaxConcurrentCampaigns,
		SendTimeout:     cfg.Worker.SendTimeout(),
	})
	if err := delivery.Start(); err != nil {
		log.Fatalf("Delivery worker: %v", err)
	}

	scheduler := worker.NewCampaignScheduler(controller, cfg.Worker.SchedulerInterval())
	go scheduler.Start(ctx)

	recovery := worker.NewQueueRecoveryWorker(controller, q, m, cfg.Worker.RecoveryInterval())
	go recovery.Start(ctx)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
		log.Printf("[Metrics] Serving %s on :%d", cfg.Metrics.Path, cfg.Worker.MetricsPort)
	}

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	delivery.Stop()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	stats := delivery.Stats()
	log.Printf("Worker stopped (sent=%d failed=%d retried=%d dead_lettered=%d)",
		stats.Sent, stats.Failed, stats.Retried, stats.DeadLettered)
}
