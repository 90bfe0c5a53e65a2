package configs

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stablepay/usdt-settlement/pkg/utils"
)

type Config struct {
	Port          string `mapstructure:"PORT" validate:"required"`
	PrimaryDbAddr string `mapstructure:"PRIMARY_DB_ADDR" validate:"required"`
	ReplicaDbAddr string `mapstructure:"REPLICA_DB_ADDR"`
	MaxDbCons     int32  `mapstructure:"MAX_DB_CONNECTIONS" validate:"min=1"`
	MinDbCons     int32  `mapstructure:"MIN_DB_CONNECTIONS" validate:"min=1"`
	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required"`

	KafkaBrokers        string        `mapstructure:"KAFKA_BROKERS" validate:"required"`
	KafkaCheckTopic     string        `mapstructure:"KAFKA_CHECK_TOPIC" validate:"required"`
	KafkaPartition      int64         `mapstructure:"KAFKA_PARTITION" validate:"min=1"`
	KafkaCheckRetention time.Duration `mapstructure:"KAFKA_CHECK_RETENTION"`

	ChainRPCURL string `mapstructure:"CHAIN_RPC_URL" validate:"required"`
	ChainID     int64  `mapstructure:"CHAIN_ID" validate:"required"`

	ExplorerBaseURL           string        `mapstructure:"EXPLORER_BASE_URL" validate:"required"`
	ExplorerAPIKey            string        `mapstructure:"EXPLORER_API_KEY" validate:"required"`
	ExplorerMaxCallsPerSecond int           `mapstructure:"EXPLORER_MAX_CALLS_PER_SECOND"`
	ExplorerMaxCallsPerDay    int           `mapstructure:"EXPLORER_MAX_CALLS_PER_DAY"`
	ExplorerScopeMode         string        `mapstructure:"EXPLORER_SCOPE_MODE"`
	ExplorerDailyResetHourUTC int           `mapstructure:"EXPLORER_DAILY_RESET_HOUR_UTC" validate:"min=0,max=23"`
	ExplorerDisableRateLimit  bool          `mapstructure:"EXPLORER_DISABLE_RATE_LIMIT"`
	ExplorerRetryMaxAttempts  int           `mapstructure:"EXPLORER_RETRY_MAX_ATTEMPTS" validate:"min=1"`
	ExplorerRetryBaseDelay    time.Duration `mapstructure:"EXPLORER_RETRY_BASE_DELAY"`
	ExplorerRetryJitter       bool          `mapstructure:"EXPLORER_RETRY_JITTER"`
	ExplorerRequestTimeout    time.Duration `mapstructure:"EXPLORER_REQUEST_TIMEOUT"`

	TokenContract         string `mapstructure:"TOKEN_CONTRACT" validate:"required"`
	TokenDecimals         int32  `mapstructure:"TOKEN_DECIMALS" validate:"min=0,max=36"`
	RequiredConfirmations uint64 `mapstructure:"REQUIRED_CONFIRMATIONS" validate:"min=1"`

	ReceivingWallet  string        `mapstructure:"RECEIVING_WALLET" validate:"required"`
	OrderExpiry      time.Duration `mapstructure:"ORDER_EXPIRY_WINDOW"`
	CheckDelay       time.Duration `mapstructure:"CHECK_DELAY"`
	ScanBlocks       uint64        `mapstructure:"SCAN_BLOCKS"`
	RewardServiceURL string        `mapstructure:"REWARD_SERVICE_URL" validate:"required"`
	CommissionURL    string        `mapstructure:"COMMISSION_SERVICE_URL" validate:"required"`
}

func Load(logger *zap.Logger) (*Config, error) {
	viper.SetEnvPrefix("app")
	viper.AutomaticEnv()

	// Default values
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("MAX_DB_CONNECTIONS", "10")
	viper.SetDefault("MIN_DB_CONNECTIONS", "2")
	viper.SetDefault("KAFKA_PARTITION", "4")
	viper.SetDefault("KAFKA_CHECK_RETENTION", "24h")
	viper.SetDefault("EXPLORER_MAX_CALLS_PER_SECOND", "5")
	viper.SetDefault("EXPLORER_MAX_CALLS_PER_DAY", "100000")
	viper.SetDefault("EXPLORER_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("EXPLORER_RETRY_BASE_DELAY", "1s")
	viper.SetDefault("EXPLORER_RETRY_JITTER", "true")
	viper.SetDefault("EXPLORER_REQUEST_TIMEOUT", "10s")
	viper.SetDefault("TOKEN_DECIMALS", "18")
	viper.SetDefault("REQUIRED_CONFIRMATIONS", "12")
	viper.SetDefault("ORDER_EXPIRY_WINDOW", "30m")
	viper.SetDefault("CHECK_DELAY", "60s")
	viper.SetDefault("SCAN_BLOCKS", "1000")

	// Optional: Read from config.yaml if exists
	if gin.ReleaseMode == gin.Mode() {
		viper.SetConfigName("config.prod")
	} else if gin.TestMode == gin.Mode() {
		logger.Warn("running in test mode")
		viper.SetConfigName("config.test")
	} else {
		logger.Warn("running in development mode")
		viper.SetConfigName("config.dev")
	}
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./services/settlement-api/configs")
	_ = viper.ReadInConfig() // Ignore if no file

	var cfg Config
	if err := utils.ParseStructEnv(&cfg); err != nil {
		return nil, err
	}
	// Validate after unmarshal
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, utils.FormatConfigErrors(logger, err, cfg)
	}
	return &cfg, nil
}
