package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/api"
	"github.com/ignite/campaign-engine/internal/auth"
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

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	log.Println("Starting campaign operator API (cmd/server)")

	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Redact()); err != nil {
		log.Fatalf("Invalid log config: %v", err)
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
	userRepo := postgres.NewUserRepo(db)

	var countCache segmentation.CountCache = segmentation.NewMemoryCountCache()
	if rdb != nil {
		countCache = segmentation.NewRedisCountCache(rdb)
	}
	segments := segmentation.NewEngine(postgres.NewSegmentRepo(db), countCache, cfg.Segment.CountCacheTTL())

	q := newQueue(cfg, rdb, campaignRepo)

	transport, err := worker.NewTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("Transport: %v", err)
	}

	deps := campaign.Deps{
		Campaigns:  campaignRepo,
		Deliveries: postgres.NewDeliveryRepo(db),
		Segments:   segments,
		Queue:      q,
		Locks:      distlock.NewFactory(rdb, db),
		Composer:   mailing.NewComposer(mailing.NewTemplateEngine(), mailing.NewLinkTracker(cfg.Tracking.BaseURL, cfg.Tracking.SigningSecret)),
		Transport:  transport,
		Metrics:    m,
	}
	health := api.NewHealthChecker(db, rdb)
	if cfg.Templates.Enabled() {
		store, err := mailing.NewS3TemplateStore(ctx, cfg.Templates.S3Bucket, cfg.Templates.S3Region, cfg.Templates.Prefix)
		if err != nil {
			log.Fatalf("Template store: %v", err)
		}
		deps.Templates = store
		health.WithTemplates(store)
	}
	controller := campaign.NewController(deps)

	authManager := auth.NewAuthManager(&cfg.Auth, "http://"+cfg.Server.Addr())
	authManager.CleanupExpiredSessions(ctx)
	if cfg.Auth.Enabled {
		log.Println("[Auth] Google OAuth enabled")
	}

	router := api.NewRouter(api.RouterDeps{
		Campaigns:   controller,
		Segments:    segments,
		Preferences: preferences.NewService(userRepo),
		Auth:        authManager,
		Health:      health,
		Metrics:     metricsHandler(cfg, m),
		MetricsPath: cfg.Metrics.Path,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	server := api.NewServer(cfg.Server, router)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func newQueue(cfg *config.Config, rdb *redis.Client, source queue.CampaignSource) queue.Queue {
	opts := queue.Options{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		LeaseTimeout: cfg.Queue.LeaseTimeout(),
		Backoff:      queue.Backoff{Base: cfg.Queue.BackoffBase(), Max: cfg.Queue.BackoffMax(), Factor: 2},
	}
	if cfg.Queue.Backend == "memory" || rdb == nil {
		log.Println("[Queue] Using in-memory queue")
		return queue.NewMemoryQueue(source, opts)
	}
	return queue.NewRedisQueue(rdb, source, opts)
}

func metricsHandler(cfg *config.Config, m *metrics.Metrics) http.Handler {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return m.Handler()
}
