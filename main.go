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

	"arbiflow/arbitrage"
	"arbiflow/book"
	"arbiflow/config"
	"arbiflow/gateway/huobi"
	"arbiflow/journal"
	"arbiflow/logger"
	binancereader "arbiflow/reader/binance"
	huobireader "arbiflow/reader/huobi"
	kucoinreader "arbiflow/reader/kucoin"
	"arbiflow/trader"
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
		"service": cfg.Arbiflow.Name,
		"version": cfg.Arbiflow.Version,
	}).Info("starting arbiflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Metrics.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	arena := book.NewArena(cfg.Channels.UpdateBuffer)
	table := cfg.SymbolTable()

	var readers []interface {
		Start(ctx context.Context) error
		Stop()
	}
	if cfg.Source.Huobi.Enabled {
		readers = append(readers, huobireader.NewReader(cfg, arena))
	}
	if cfg.Source.Binance.Enabled {
		readers = append(readers, binancereader.NewReader(cfg, arena))
	}
	if cfg.Source.Kucoin.Enabled {
		readers = append(readers, kucoinreader.NewReader(cfg, arena))
	}
	if len(readers) == 0 {
		log.Error("no market data source enabled")
		os.Exit(1)
	}

	gw := huobi.NewClient(cfg, &huobi.HmacSigner{
		AccessKey: cfg.Trading.AccessKey,
		SecretKey: cfg.Trading.SecretKey,
	}, table)

	jnl, err := journal.NewJournal(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create attempt journal")
		os.Exit(1)
	}

	manager := trader.NewManager(cfg, gw)
	executor := arbitrage.NewExecutor(cfg, arena, manager, gw, jnl)
	detector := arbitrage.NewDetector(cfg, arena, executor)

	for _, r := range readers {
		if err := r.Start(ctx); err != nil {
			log.WithError(err).Error("reader failed to start")
			os.Exit(1)
		}
	}
	if err := jnl.Start(ctx); err != nil {
		log.WithError(err).Error("journal failed to start")
		os.Exit(1)
	}
	if err := detector.Start(ctx); err != nil {
		log.WithError(err).Error("detector failed to start")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping detector")
	if err := detector.Stop(); err != nil {
		log.WithError(err).Warn("detector stop failed")
	}

	log.Info("stopping readers")
	for _, r := range readers {
		r.Stop()
	}

	log.Info("stopping journal")
	if err := jnl.Stop(); err != nil {
		log.WithError(err).Warn("journal stop failed")
	}

	log.Info("arbiflow stopped")
}
