package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg"
	"github.com/stablepay/usdt-settlement/pkg/cache"
	"github.com/stablepay/usdt-settlement/pkg/chain"
	"github.com/stablepay/usdt-settlement/pkg/collab"
	"github.com/stablepay/usdt-settlement/pkg/database"
	"github.com/stablepay/usdt-settlement/pkg/explorer"
	"github.com/stablepay/usdt-settlement/pkg/ratelimit"
	"github.com/stablepay/usdt-settlement/pkg/repositories"
	"github.com/stablepay/usdt-settlement/pkg/scheduler"
	"github.com/stablepay/usdt-settlement/pkg/settlement"
	"github.com/stablepay/usdt-settlement/pkg/utils"
	"github.com/stablepay/usdt-settlement/pkg/verification"
	"github.com/stablepay/usdt-settlement/services/settlement-worker/configs"
	"github.com/stablepay/usdt-settlement/services/settlement-worker/internal/services"
)

// main initializes and runs the settlement worker service.
func main() {
	// Initialize global logger with default configuration
	pkg.InitLogger()
	logger := pkg.Logger
	defer logger.Sync() // Ensure all buffered logs are flushed on exit

	// Load configuration from environment and optional config file
	cfg, err := configs.Load(logger)
	if err != nil {
		logger.Fatal("failed_to_load_config", zap.Error(err))
	}

	// Initialize PostgreSQL database connection
	dbConfig := database.Config{
		PrimaryDSN:  cfg.PrimaryDbAddr,
		ReplicaDSNs: []string{cfg.ReplicaDbAddr},
		MaxConns:    cfg.MaxDbCons,
		MinConns:    cfg.MinDbCons,
	}
	db, disconnect, err := database.New(context.Background(), logger, dbConfig)
	if err != nil {
		logger.Fatal("failed_to_initialize_database", zap.Error(err))
	}
	defer disconnect() // Ensure database connections are closed on shutdown

	// Create a context that can be canceled for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis client for caching and the shared explorer quota
	redisClient, redisCloser, err := cache.New(ctx, cache.Config{
		Addr: cfg.RedisAddr,
	})
	if err != nil {
		logger.Fatal("failed_to_initialize_redis", zap.Error(err))
	}
	logger.Info("Redis client initialized successfully")

	// Chain access: direct RPC for point verification, explorer API for
	// history scans. The daily quota counter lives in redis so every
	// instance draws from the same budget.
	rpcClient, err := chain.NewClient(cfg.ChainRPCURL, logger)
	if err != nil {
		logger.Fatal("failed_to_connect_chain_rpc", zap.Error(err))
	}
	defer rpcClient.Close()

	explorerClient, err := explorer.NewClient(explorer.Config{
		BaseURL:           cfg.ExplorerBaseURL,
		APIKey:            cfg.ExplorerAPIKey,
		ChainID:           cfg.ChainID,
		MaxCallsPerSecond: cfg.ExplorerMaxCallsPerSecond,
		MaxCallsPerDay:    cfg.ExplorerMaxCallsPerDay,
		ScopeMode:         cfg.ExplorerScopeMode,
		DailyResetHourUTC: cfg.ExplorerDailyResetHourUTC,
		DisableRateLimit:  cfg.ExplorerDisableRateLimit,
		RetryMaxAttempts:  cfg.ExplorerRetryMaxAttempts,
		RetryBaseDelay:    cfg.ExplorerRetryBaseDelay,
		RetryJitter:       cfg.ExplorerRetryJitter,
		RequestTimeout:    cfg.ExplorerRequestTimeout,
	}, utils.NewHTTPClient(utils.WithClientTimeout(cfg.ExplorerRequestTimeout)),
		ratelimit.NewRedisCounterStore(redisClient), logger)
	if err != nil {
		logger.Fatal("failed_to_initialize_explorer_client", zap.Error(err))
	}

	verifier := verification.NewEngine(logger, rpcClient, explorerClient, verification.Config{
		TokenContract:         cfg.TokenContract,
		TokenDecimals:         cfg.TokenDecimals,
		RequiredConfirmations: cfg.RequiredConfirmations,
	})

	checkScheduler := scheduler.NewKafkaScheduler(logger, ctx, scheduler.Config{
		Brokers:    cfg.KafkaBrokers,
		Topic:      cfg.KafkaCheckTopic,
		Partitions: cfg.KafkaPartition,
		Retention:  cfg.KafkaCheckRetention,
	})

	orderRepo := repositories.NewOrderRepository(db)
	productRepo := repositories.NewProductRepository(db)
	rewards := collab.NewRewardGranter(logger, cfg.RewardServiceURL)
	commission := collab.NewCommissionProcessor(logger, cfg.CommissionURL)

	settlementService := settlement.NewService(logger, settlement.Config{
		ReceivingWallet: cfg.ReceivingWallet,
		ChainID:         cfg.ChainID,
		ExpiryWindow:    cfg.OrderExpiry,
		CheckDelay:      cfg.CheckDelay,
		ScanBlocks:      cfg.ScanBlocks,
	}, verifier, orderRepo, productRepo, checkScheduler, rewards, commission)
	riskAnalyzer := settlement.NewRiskAnalyzer(logger, verifier, redisClient)

	// Background sweeper: re-checks open orders, expires stale ones, and
	// feeds the monitoring report.
	sweeper := settlement.NewSweeper(logger, settlement.SweeperConfig{
		Interval:        cfg.SweepInterval,
		Window:          cfg.SweepWindow,
		InterOrderDelay: cfg.SweepInterOrderDelay,
		BatchLimit:      cfg.SweepBatchLimit,
	}, settlementService, orderRepo, riskAnalyzer)
	go sweeper.Run(ctx)

	// Kafka consumer for scheduled verification checks
	checkConsumer := services.NewCheckConsumer(services.CheckConsumerConfig{
		Context:    ctx,
		Logger:     logger,
		Config:     cfg,
		Settlement: settlementService,
	})
	closeCheckConsumer := checkConsumer.Start()

	adminServer := services.NewAdminServer(logger, cfg.AdminAddr, sweeper)
	closeAdminServer := adminServer.Start()

	// Handle graceful shutdown on SIGINT or SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	osSignal := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", osSignal.String()))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	cancel() // Trigger context cancellation
	closeCheckConsumer()
	closeAdminServer()
	checkScheduler.Close()
	redisCloser()
	<-shutdownCtx.Done()
	logger.Info("Service shutdown completed successfully")
}
