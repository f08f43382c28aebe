package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"betstream/config"
	"betstream/internal/bridge"
	"betstream/internal/connstate"
	"betstream/internal/ratelimit"
	"betstream/logger"
	"betstream/recorder"
	"betstream/rest"
	"betstream/stream"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Betstream.Name,
		"version": cfg.Betstream.Version,
	}).Info("starting betstream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.Namespace != "" {
		logger.InitCloudWatch(cfg.Recorder.S3.Region, cfg.Logging.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	limiter := ratelimit.New(bucketOverrides(cfg))
	restClient := rest.NewClient(cfg, limiter)
	session := stream.NewSession(cfg, restClient)

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.NewRecorder(cfg, session.Books())
		if err != nil {
			log.WithError(err).Error("failed to create recorder")
			os.Exit(1)
		}
		session.OnMarketUpdate = rec.Record
	}

	var bridgeSrv *bridge.Server
	if cfg.Bridge.Enabled {
		bridgeSrv = bridge.NewServer(cfg, session.Books())
	}

	session.OnStateChange = func(st connstate.State) {
		if st == connstate.Failed {
			log.WithFields(logger.Fields{
				"reason": session.FailureReason(),
			}).Error("stream session failed")
		}
	}

	if len(cfg.Stream.Markets) > 0 {
		if err := session.SubscribeMarkets(cfg.Stream.Markets, cfg.Stream.LadderLevels); err != nil {
			log.WithError(err).Error("failed to record market subscription")
			os.Exit(1)
		}
	}
	if cfg.Stream.OrderStream {
		if err := session.SubscribeOrders(nil); err != nil {
			log.WithError(err).Error("failed to record order subscription")
			os.Exit(1)
		}
	}

	if err := session.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream session")
		os.Exit(1)
	}
	if rec != nil {
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start recorder")
			os.Exit(1)
		}
	}
	if bridgeSrv != nil {
		if err := bridgeSrv.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start bridge server")
			os.Exit(1)
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if bridgeSrv != nil {
		bridgeSrv.Stop()
	}
	if rec != nil {
		rec.Stop()
	}
	session.Stop()

	log.Info("betstream stopped")
}

// bucketOverrides maps the configured buckets onto the limiter defaults,
// keeping any bucket the file does not mention.
func bucketOverrides(cfg *config.Config) map[ratelimit.Category]ratelimit.BucketConfig {
	overrides := make(map[ratelimit.Category]ratelimit.BucketConfig)
	if cfg.RateLimit.Data.Capacity > 0 {
		overrides[ratelimit.Data] = ratelimit.BucketConfig{
			Capacity:     cfg.RateLimit.Data.Capacity,
			RefillPerSec: cfg.RateLimit.Data.RefillPerSec,
		}
	}
	if cfg.RateLimit.Navigation.Capacity > 0 {
		overrides[ratelimit.Navigation] = ratelimit.BucketConfig{
			Capacity:     cfg.RateLimit.Navigation.Capacity,
			RefillPerSec: cfg.RateLimit.Navigation.RefillPerSec,
		}
	}
	if cfg.RateLimit.Transaction.Capacity > 0 {
		overrides[ratelimit.Transaction] = ratelimit.BucketConfig{
			Capacity:     cfg.RateLimit.Transaction.Capacity,
			RefillPerSec: cfg.RateLimit.Transaction.RefillPerSec,
		}
	}
	return overrides
}
