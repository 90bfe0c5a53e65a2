package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg/cache"
	"github.com/stablepay/usdt-settlement/pkg/chain"
	"github.com/stablepay/usdt-settlement/pkg/collab"
	"github.com/stablepay/usdt-settlement/pkg/database"
	"github.com/stablepay/usdt-settlement/pkg/explorer"
	middleware "github.com/stablepay/usdt-settlement/pkg/middlewares"
	"github.com/stablepay/usdt-settlement/pkg/ratelimit"
	"github.com/stablepay/usdt-settlement/pkg/repositories"
	"github.com/stablepay/usdt-settlement/pkg/scheduler"
	"github.com/stablepay/usdt-settlement/pkg/settlement"
	"github.com/stablepay/usdt-settlement/pkg/utils"
	"github.com/stablepay/usdt-settlement/pkg/verification"
	"github.com/stablepay/usdt-settlement/services/settlement-api/configs"
	"github.com/stablepay/usdt-settlement/services/settlement-api/internal/handlers"
)

// NewApp wires dependencies, builds the Gin engine, and returns an *http.Server and a cleanup func.
// It reads configuration from environment variables via configs.Load.
func NewApp(ctx context.Context, logger *zap.Logger) (*http.Server, func(), error) {
	// Load config
	cfg, err := configs.Load(logger)
	if err != nil {
		return nil, nil, err
	}

	// Initialize postgres db
	dbConfig := database.Config{
		PrimaryDSN:  cfg.PrimaryDbAddr,
		ReplicaDSNs: []string{cfg.ReplicaDbAddr},
		MaxConns:    cfg.MaxDbCons,
		MinConns:    cfg.MinDbCons,
	}
	db, disconnect, err := database.New(ctx, logger, dbConfig)
	if err != nil {
		return nil, nil, err
	}

	// Run migrations on primary
	if err = database.RunMigrations(logger, cfg.PrimaryDbAddr); err != nil {
		disconnect()
		return nil, nil, err
	}

	redisClient, redisCloser, err := cache.New(ctx, cache.Config{Addr: cfg.RedisAddr})
	if err != nil {
		disconnect()
		return nil, nil, err
	}

	// Chain access: direct RPC for point verification, explorer API for
	// history scans. The daily quota counter lives in redis so every
	// instance draws from the same budget.
	rpcClient, err := chain.NewClient(cfg.ChainRPCURL, logger)
	if err != nil {
		redisCloser()
		disconnect()
		return nil, nil, err
	}
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
		rpcClient.Close()
		redisCloser()
		disconnect()
		return nil, nil, err
	}

	verifier := verification.NewEngine(logger, rpcClient, explorerClient, verification.Config{
		TokenContract:         cfg.TokenContract,
		TokenDecimals:         cfg.TokenDecimals,
		RequiredConfirmations: cfg.RequiredConfirmations,
	})

	// Setup dependencies
	baseHandler := handlers.NewBaseHandler(logger)
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

	orderHandler := handlers.NewOrderHandler(logger, settlementService)
	chainHandler := handlers.NewChainHandler(logger, rpcClient, verifier, explorerClient,
		riskAnalyzer, settlementService, cfg.TokenContract, cfg.TokenDecimals)

	// Router
	r := gin.Default()

	api := r.Group("/api/v1")
	api.Use(middleware.TraceID())
	api.Use(middleware.Metrics())

	orderHandler.RegisterRoutes(api)
	chainHandler.RegisterRoutes(api)
	baseHandler.RegisterRoutes(r)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	cleanup := func() {
		// close kafka producer
		checkScheduler.Close()
		rpcClient.Close()
		redisCloser()
		// close db pools
		disconnect()
	}

	return srv, cleanup, nil
}
