package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"gateguard/internal/alerts"
	"gateguard/internal/api"
	"gateguard/internal/config"
	"gateguard/internal/engine"
	"gateguard/internal/gates"
	"gateguard/internal/ingest"
	"gateguard/internal/logging"
	"gateguard/internal/metrics"
	"gateguard/internal/model"
	"gateguard/internal/notify"
	"gateguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "load env file:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.ResolvePath(*configPath)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	manager, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gateguard", "version", version, "config", manager.Path(), "storage", cfg.Storage.Driver)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricCollectors := metrics.NewCollectors(reg)

	notifier := notify.FromConfig(cfg.Notify, logger)
	defer notifier.Close()
	sink := alerts.NewSink(store, alerts.NewStore(cfg.Alerts.StoreLimit), notifier, metricCollectors, logger)

	gateService := gates.NewService(cfg, store, sink, logger)
	gateService.SetMetrics(metricCollectors)
	fraudEngine := engine.NewEngine(cfg, logger, metrics.NewStore(cfg.Metrics.StoreLimit), sink, store, gateService)
	fraudEngine.SetMetrics(metricCollectors)

	queue := make(chan model.QueuedCheckin, cfg.Ingest.ChannelBuffer)
	fraudEngine.Start(ctx, queue, cfg.Ingest.Workers)

	pipeline := ingest.NewPipeline(manager, queue, metricCollectors, logger)
	ingest.StartREST(ctx, pipeline, fraudEngine)
	ingest.StartTCPStream(ctx, pipeline)
	ingest.StartUDP(ctx, pipeline)
	ingest.StartFileTail(ctx, pipeline)
	ingest.StartKafka(ctx, pipeline)

	api.Start(ctx, api.Options{
		Config:   manager,
		Fraud:    fraudEngine,
		Gates:    gateService,
		Sink:     sink,
		Store:    store,
		Gatherer: reg,
		Logger:   logger,
		Version:  version,
	})

	go manager.Watch(ctx, 5*time.Second, func(next *config.Config) {
		fraudEngine.UpdateConfig(next)
		gateService.UpdateConfig(next)
		logger.Info("config reloaded", "path", manager.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fraudEngine.Run(gctx, store, cfg.Detection.SweepInterval)
	})
	g.Go(func() error {
		return gateService.Run(gctx, store, cfg.Gates.SweepInterval)
	})
	err = g.Wait()
	logger.Info("gateguard stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
