package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/config"
	"bookflow/internal/api"
	"bookflow/internal/book"
	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/internal/orders"
	"bookflow/logger"
	"bookflow/processor"
	"bookflow/reader/binance"
	"bookflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults to the APP_ENV specific file)")
	flag.Parse()

	path, err := config.ResolvePath(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to resolve configuration path")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV").WithFields(logger.Fields{
		"service":     cfg.Bookflow.Name,
		"version":     cfg.Bookflow.Version,
		"config":      path,
		"instruments": cfg.Book.Instruments,
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	channels := channel.NewChannels(cfg.Channels.DepthBuffer)
	defer channels.Close()

	channels.StartMetricsReporting(ctx, cfg.Metrics.ReportInterval)
	metrics.StartChannelSizeMetrics(ctx, channels, cfg.Metrics.ReportInterval)

	registry := book.NewRegistry(channels.Changes, cfg.Book.Instruments...)
	external := processor.NewExternalDepthStore(channels.Changes)
	hub := writer.NewHub(cfg.Hub)
	coordinator := processor.NewCoordinator(cfg, registry, external, hub, channels)

	var kafkaSub *writer.KafkaSubscriber
	if cfg.Storage.Kafka.Enabled {
		kafkaSub, err = writer.NewKafkaSubscriber(cfg.Storage.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka subscriber")
			os.Exit(1)
		}
		if err := hub.Subscribe(kafkaSub); err != nil {
			log.WithError(err).Error("failed to register kafka subscriber")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("kafka storage disabled; snapshots go to websocket clients only")
	}

	var reader binance.Reader
	if cfg.Source.Binance.Enabled {
		reader, err = binance.NewReader(cfg.Source.Binance, channels.Depth)
		if err != nil {
			log.WithError(err).Error("failed to create binance reader")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("binance source disabled; combined books carry local liquidity only")
	}

	server := api.NewServer(cfg.Server, orders.NewService(registry, cfg.Book.Instruments...), coordinator, hub, log)

	var wg sync.WaitGroup

	if err := coordinator.Start(ctx); err != nil {
		log.WithError(err).Error("coordinator failed to start")
		os.Exit(1)
	}

	if reader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reader.Start(ctx); err != nil {
				log.WithError(err).Warn("binance reader failed to start")
			}
		}()
	}

	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverErr <- server.Run(ctx)
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("api server stopped unexpectedly")
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	if reader != nil {
		log.Info("stopping binance reader")
		reader.Stop()
	}

	log.Info("stopping coordinator")
	coordinator.Stop()

	log.Info("closing subscriber hub")
	hub.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookflow stopped")
}
