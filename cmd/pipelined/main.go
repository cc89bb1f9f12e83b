// Package main wires together the pipeline service binary.
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

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/api"
	"github.com/boingo-ai/property-pipeline/internal/boingo"
	"github.com/boingo-ai/property-pipeline/internal/clock/system"
	"github.com/boingo-ai/property-pipeline/internal/config"
	"github.com/boingo-ai/property-pipeline/internal/coordinator"
	"github.com/boingo-ai/property-pipeline/internal/dispatcher"
	uuidid "github.com/boingo-ai/property-pipeline/internal/id/uuid"
	"github.com/boingo-ai/property-pipeline/internal/logging"
	"github.com/boingo-ai/property-pipeline/internal/metrics"
	"github.com/boingo-ai/property-pipeline/internal/notify"
	pubsubnotify "github.com/boingo-ai/property-pipeline/internal/notify/pubsub"
	"github.com/boingo-ai/property-pipeline/internal/notify/upstream"
	"github.com/boingo-ai/property-pipeline/internal/pipeline"
	queuemem "github.com/boingo-ai/property-pipeline/internal/queue/memory"
	"github.com/boingo-ai/property-pipeline/internal/registry"
	"github.com/boingo-ai/property-pipeline/internal/stage/clean"
	"github.com/boingo-ai/property-pipeline/internal/stage/crawl"
	"github.com/boingo-ai/property-pipeline/internal/stage/format"
	gcsstore "github.com/boingo-ai/property-pipeline/internal/storage/gcs"
	localstore "github.com/boingo-ai/property-pipeline/internal/storage/local"
	memstorage "github.com/boingo-ai/property-pipeline/internal/storage/memory"
	memstore "github.com/boingo-ai/property-pipeline/internal/store/memory"
	"github.com/boingo-ai/property-pipeline/internal/store/postgres"
	"github.com/boingo-ai/property-pipeline/internal/textservice"
	"github.com/boingo-ai/property-pipeline/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuidid.NewUUIDGenerator()

	m, err := metrics.New()
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	store, closeStore, err := buildRunStore(ctx, cfg)
	if err != nil {
		logger.Fatal("run store init failed", zap.Error(err))
	}
	defer closeStore()

	artifacts, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		logger.Fatal("artifact store init failed", zap.Error(err))
	}

	fabric := queuemem.NewFabric(queuemem.Config{
		Visibility: time.Duration(cfg.Queue.VisibilitySec) * time.Second,
	})
	lanes := map[pipeline.AgentKind]string{
		pipeline.AgentCrawl:  cfg.Queue.CrawlLane,
		pipeline.AgentClean:  cfg.Queue.CleanLane,
		pipeline.AgentFormat: cfg.Queue.FormatLane,
	}
	for _, lane := range lanes {
		lane := lane
		if err := m.RegisterLaneDepth(lane, func() int { return fabric.Depth(lane) }); err != nil {
			logger.Warn("lane depth gauge registration failed", zap.String("lane", lane), zap.Error(err))
		}
	}

	reg := registry.New(registry.Config{
		StalenessWindow:      time.Duration(cfg.Registry.StalenessWindowSec) * time.Second,
		FailureRateThreshold: cfg.Registry.FailureRateThreshold,
		WindowSize:           cfg.Registry.WindowSize,
	}, clock, logger.Named("registry"))

	var boingoClient *boingo.Client
	if cfg.Boingo.BaseURL != "" {
		boingoClient = boingo.New(boingo.Config{
			BaseURL:  cfg.Boingo.BaseURL,
			Email:    cfg.Boingo.Email,
			Password: cfg.Boingo.Password,
		}, logger.Named("boingo"))
	}

	var notifiers []pipeline.Notifier
	if cfg.PubSub.ProjectID != "" {
		publisher, err := pubsubnotify.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			logger.Warn("pubsub publisher init failed", zap.Error(err))
		} else {
			defer func() {
				if closeErr := publisher.Close(); closeErr != nil {
					logger.Warn("pubsub publisher close failed", zap.Error(closeErr))
				}
			}()
			notifiers = append(notifiers, publisher)
		}
	}
	if boingoClient != nil {
		notifiers = append(notifiers, upstream.New(boingoClient))
	}
	notifier := notify.NewFanout(notifiers...)

	coordCfg := coordinator.Config{
		Stages: map[pipeline.RunStage]coordinator.StageConfig{
			pipeline.StageCrawling: {
				Lane:        lanes[pipeline.AgentCrawl],
				MaxAttempts: cfg.Pipeline.MaxAttempts,
				BackoffBase: time.Duration(cfg.Pipeline.BackoffInitialMs) * time.Millisecond,
				BackoffMax:  time.Duration(cfg.Pipeline.BackoffMaxMs) * time.Millisecond,
				Deadline:    time.Duration(cfg.Pipeline.CrawlDeadlineSec) * time.Second,
			},
			pipeline.StageCleaning: {
				Lane:        lanes[pipeline.AgentClean],
				MaxAttempts: cfg.Pipeline.MaxAttempts,
				BackoffBase: time.Duration(cfg.Pipeline.BackoffInitialMs) * time.Millisecond,
				BackoffMax:  time.Duration(cfg.Pipeline.BackoffMaxMs) * time.Millisecond,
				Deadline:    time.Duration(cfg.Pipeline.CleanDeadlineSec) * time.Second,
			},
			pipeline.StageFormatting: {
				Lane:        lanes[pipeline.AgentFormat],
				MaxAttempts: cfg.Pipeline.MaxAttempts,
				BackoffBase: time.Duration(cfg.Pipeline.BackoffInitialMs) * time.Millisecond,
				BackoffMax:  time.Duration(cfg.Pipeline.BackoffMaxMs) * time.Millisecond,
				Deadline:    time.Duration(cfg.Pipeline.FormatDeadlineSec) * time.Second,
			},
		},
		SweepInterval: time.Duration(cfg.Pipeline.SweepIntervalSec) * time.Second,
	}
	coord := coordinator.New(store, fabric, reg, notifier, m, clock, idGen, coordCfg, logger.Named("coordinator"))

	probe := crawl.NewCollyFetcher(crawl.CollyConfig{
		UserAgent: cfg.Crawl.UserAgent,
		Timeout:   time.Duration(cfg.Crawl.TimeoutSec) * time.Second,
	})
	var headless crawl.Fetcher
	var detector crawl.Detector
	if cfg.Crawl.HeadlessEnabled {
		headlessFetcher, err := crawl.NewHeadlessFetcher(crawl.HeadlessConfig{
			MaxParallel:       cfg.Crawl.HeadlessMaxParallel,
			UserAgent:         cfg.Crawl.UserAgent,
			NavigationTimeout: time.Duration(cfg.Crawl.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			headless = headlessFetcher
			detector = crawl.NewHeuristic(cfg.Crawl.PromotionThreshold)
		}
	}

	textClient := textservice.New(textservice.Config{
		BaseURL:     cfg.Text.BaseURL,
		APIKey:      cfg.Text.APIKey,
		Model:       cfg.Text.Model,
		Timeout:     time.Duration(cfg.Text.TimeoutSec) * time.Second,
		Temperature: cfg.Text.Temperature,
	}, logger.Named("textservice"))

	var pusher format.Pusher
	if boingoClient != nil {
		pusher = boingoClient
	}

	handlers := []pipeline.StageHandler{
		crawl.NewHandler(store, artifacts, probe, headless, detector, clock, logger.Named("crawl")),
		clean.NewHandler(store, artifacts, textClient, clean.Config{
			ConfidenceThreshold: cfg.Clean.ConfidenceThreshold,
			MaxPromptBytes:      cfg.Clean.MaxPromptBytes,
		}, logger.Named("clean")),
		format.NewHandler(store, artifacts, pusher, clock, idGen, logger.Named("format")),
	}

	deadlines := map[pipeline.AgentKind]time.Duration{
		pipeline.AgentCrawl:  time.Duration(cfg.Pipeline.CrawlDeadlineSec) * time.Second,
		pipeline.AgentClean:  time.Duration(cfg.Pipeline.CleanDeadlineSec) * time.Second,
		pipeline.AgentFormat: time.Duration(cfg.Pipeline.FormatDeadlineSec) * time.Second,
	}
	var workers []*worker.Worker
	for _, handler := range handlers {
		for i := 0; i < cfg.Pipeline.WorkersPerLane; i++ {
			workers = append(workers, worker.New(
				fabric,
				handler,
				coord,
				reg,
				m,
				clock,
				worker.Config{
					Lane:              lanes[handler.Kind()],
					StageDeadline:     deadlines[handler.Kind()],
					HeartbeatInterval: time.Duration(cfg.Pipeline.HeartbeatIntervalSec) * time.Second,
				},
				logger.Named("worker").With(
					zap.String("agent", string(handler.Kind())),
					zap.Int("index", i),
				),
			))
		}
	}
	dispatch := dispatcher.New(workers)

	var analytics api.AnalyticsSource
	if boingoClient != nil {
		analytics = boingoClient
	}
	apiServer := api.NewServer(coord, store, reg, analytics, m, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
	}()
	go coord.RunSweeper(ctx)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildRunStore(ctx context.Context, cfg config.Config) (pipeline.RunStore, func(), error) {
	if cfg.DB.DSN == "" {
		return memstore.NewRunStore(), func() {}, nil
	}
	store, err := postgres.NewRunStore(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildArtifactStore(ctx context.Context, cfg config.Config) (pipeline.ArtifactStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		return localstore.New(localstore.Config{BaseDir: cfg.Storage.LocalDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsstore.New(client, gcsstore.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return memstorage.NewBlobStore(), nil
	}
}
