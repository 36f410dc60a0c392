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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/tracking"
)

func main() {
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Database: %v", err)
	}
	defer db.Close()

	m := metrics.New(nil)
	store := tracking.NewStoreSink(postgres.NewDeliveryRepo(db), postgres.NewUserRepo(db), m)

	var (
		sink     tracking.Sink = store
		consumer *tracking.Consumer
	)
	if cfg.Tracking.SQS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Tracking.SQS.Region))
		if err != nil {
			log.Fatalf("aws config: %v", err)
		}
		sqsClient := sqs.NewFromConfig(awsCfg)
		sink = tracking.NewPublisher(sqsClient, cfg.Tracking.SQS.QueueURL)
		consumer = tracking.NewConsumer(sqsClient, cfg.Tracking.SQS.QueueURL, store)
		consumer.Start(ctx)
	}

	recorder := tracking.NewRecorder(sink, tracking.RecorderOptions{
		BufferSize: cfg.Tracking.BufferSize,
		Workers:    cfg.Tracking.Workers,
		Metrics:    m,
	})
	recorder.Start()

	links := mailing.NewLinkTracker(cfg.Tracking.BaseURL, cfg.Tracking.SigningSecret)
	router := tracking.NewHandler(recorder, links, cfg.Tracking.SafeRedirectURL).Routes()
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, m.Handler())
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Tracking.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("tracking service listening on :%d (sqs=%t)", cfg.Tracking.Port, cfg.Tracking.SQS.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down tracking service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	// Drain buffered events before the consumer and database go away.
	recorder.Stop()
	if consumer != nil {
		consumer.Stop()
	}
	cancel()

	s := recorder.Stats()
	log.Printf("tracking service stopped (accepted=%d handled=%d dropped=%d failed=%d)",
		s.Accepted, s.Handled, s.Dropped, s.Failed)
}
