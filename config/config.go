package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	ProxyConfig          ProxyConfig          `json:"proxy"`
	SchedulerConfig      SchedulerConfig      `json:"scheduler"`
	FetcherConfig        FetcherConfig        `json:"fetcher"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	RateLimitConfig      RateLimitConfig      `json:"rate_limit"`
	QueueConfig          QueueConfig          `json:"queue"`
	RiskConfig           RiskConfig           `json:"risk"`
	PositionConfig       PositionConfig       `json:"position"`
	ExchangesConfig      ExchangesConfig      `json:"exchanges"`
	ServerConfig         ServerConfig         `json:"server"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	NotificationConfig   NotificationConfig   `json:"notification"`
	EngineConfig         EngineConfig         `json:"engine"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the shared state store configuration.
// Proxy, circuit breaker and rate limit state is mirrored here so
// concurrent workers agree.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ProxyConfig populates the outbound proxy pool
type ProxyConfig struct {
	ProxyList           []string `json:"proxy_list"`            // host:port:user:pass entries
	ProxyPoolFile       string   `json:"proxy_pool_file"`       // optional file, one proxy per line
	MaxConsecutiveFails int      `json:"max_consecutive_fails"` // disable proxy after N failures
	RateLimitCooldown   int      `json:"rate_limit_cooldown"`   // per-exchange cooldown seconds
}

// TierConfig is one adaptive polling tier
type TierConfig struct {
	Interval time.Duration `json:"interval"`
	BatchCap int           `json:"batch_cap"`
}

// SchedulerConfig holds the adaptive polling tiers
type SchedulerConfig struct {
	Critical             TierConfig    `json:"critical"`
	High                 TierConfig    `json:"high"`
	Normal               TierConfig    `json:"normal"`
	Low                  TierConfig    `json:"low"`
	ScoreRecomputeEvery  time.Duration `json:"score_recompute_every"`
	RecentActivityWindow time.Duration `json:"recent_activity_window"`
}

// FetcherConfig holds concurrency caps and timeouts for the parallel fetcher
type FetcherConfig struct {
	GlobalConcurrency int            `json:"global_concurrency"`
	ExchangeLimits    map[string]int `json:"exchange_limits"`
	ConnectTimeout    time.Duration  `json:"connect_timeout"`
	ReadTimeout       time.Duration  `json:"read_timeout"`
	PoolTimeout       time.Duration  `json:"pool_timeout"`
	MaxRetries        int            `json:"max_retries"`
}

// CircuitBreakerConfig holds per-service breaker defaults
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	FailureWindow    time.Duration `json:"failure_window"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	SuccessThreshold int           `json:"success_threshold"`
}

// RateLimitConfig holds per-exchange cooldown behavior
type RateLimitConfig struct {
	MaxBackoff    time.Duration `json:"max_backoff"`      // backoff cap (2^n up to this)
	MaxWaitPerTry time.Duration `json:"max_wait_per_try"` // callers never sleep longer than this per attempt
}

// QueueConfig holds signal queue settings
type QueueConfig struct {
	ExpirySeconds   int           `json:"expiry_seconds"`
	PollInterval    time.Duration `json:"poll_interval"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	Workers         int           `json:"workers"`
}

// RiskConfig holds the pre-trade risk gate constants
type RiskConfig struct {
	MinTradingBalanceUSDT  float64            `json:"min_trading_balance_usdt"`
	MinTradeSizeUSDT       float64            `json:"min_trade_size_usdt"`
	MaxTradeSizeUSDT       float64            `json:"max_trade_size_usdt"`
	TradeSizeBufferPercent float64            `json:"trade_size_buffer_percent"`
	ExchangeMinNotional    map[string]float64 `json:"exchange_min_notional"`         // spot min notional per exchange
	ExchangeMinNotionalFut map[string]float64 `json:"exchange_min_notional_futures"` // futures min notional per exchange
	DexMinSwapUSD          float64            `json:"dex_min_swap_usd"`
}

// PositionConfig drives the position manager loops
type PositionConfig struct {
	MarkInterval    time.Duration `json:"mark_interval"`
	TriggerInterval time.Duration `json:"trigger_interval"`
	UseMarkStream   bool          `json:"use_mark_stream"`
}

// ExchangeCredentials holds per-venue API credentials.
// OKX and Bitget additionally require a passphrase.
type ExchangeCredentials struct {
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase"`
	BaseURL    string `json:"base_url"`
	TestNet    bool   `json:"testnet"`
}

// ExchangesConfig holds adapter settings for every supported venue
type ExchangesConfig struct {
	Binance     ExchangeCredentials `json:"binance"`
	Bybit       ExchangeCredentials `json:"bybit"`
	OKX         ExchangeCredentials `json:"okx"`
	Bitget      ExchangeCredentials `json:"bitget"`
	Hyperliquid ExchangeCredentials `json:"hyperliquid"`
}

// ServerConfig holds the internal ops HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

type NotificationConfig struct {
	Enabled          bool   `json:"enabled"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`
	WebhookURL       string `json:"webhook_url"`
}

// EngineConfig holds copy-trade engine settings
type EngineConfig struct {
	DryRun            bool          `json:"dry_run"`
	FollowerWorkers   int           `json:"follower_workers"` // concurrent follower executions per signal
	ReconcileInterval time.Duration `json:"reconcile_interval"`
	StalePendingAge   time.Duration `json:"stale_pending_age"` // PENDING trades older than this are cancelled
}

func Load() (*Config, error) {
	// Best effort; absence of .env is normal in production
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.SchedulerConfig = SchedulerConfig{
		Critical:             TierConfig{Interval: 2 * time.Second, BatchCap: 10},
		High:                 TierConfig{Interval: 5 * time.Second, BatchCap: 50},
		Normal:               TierConfig{Interval: 15 * time.Second, BatchCap: 100},
		Low:                  TierConfig{Interval: 60 * time.Second, BatchCap: 200},
		ScoreRecomputeEvery:  5 * time.Minute,
		RecentActivityWindow: time.Hour,
	}
	cfg.FetcherConfig = FetcherConfig{
		GlobalConcurrency: 25,
		ExchangeLimits: map[string]int{
			"binance":     10,
			"bybit":       5,
			"okx":         3,
			"bitget":      3,
			"hyperliquid": 10,
		},
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    15 * time.Second,
		PoolTimeout:    10 * time.Second,
		MaxRetries:     1,
	}
	cfg.CircuitBreakerConfig = CircuitBreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
	cfg.RateLimitConfig = RateLimitConfig{
		MaxBackoff:    60 * time.Second,
		MaxWaitPerTry: 10 * time.Second,
	}
	cfg.QueueConfig = QueueConfig{
		ExpirySeconds:   60,
		PollInterval:    500 * time.Millisecond,
		CleanupInterval: 30 * time.Second,
		Workers:         4,
	}
	cfg.RiskConfig = RiskConfig{
		MinTradingBalanceUSDT:  10,
		MinTradeSizeUSDT:       5,
		MaxTradeSizeUSDT:       100000,
		TradeSizeBufferPercent: 1.0,
		ExchangeMinNotional: map[string]float64{
			"binance": 5, "bybit": 1, "okx": 1, "bitget": 1, "hyperliquid": 10,
		},
		ExchangeMinNotionalFut: map[string]float64{
			"binance": 5, "bybit": 5, "okx": 5, "bitget": 5, "hyperliquid": 10,
		},
		DexMinSwapUSD: 10000,
	}
	cfg.PositionConfig = PositionConfig{
		MarkInterval:    10 * time.Second,
		TriggerInterval: 5 * time.Second,
		UseMarkStream:   true,
	}
	cfg.ProxyConfig.MaxConsecutiveFails = 5
	cfg.ProxyConfig.RateLimitCooldown = 60
	cfg.EngineConfig = EngineConfig{
		FollowerWorkers:   10,
		ReconcileInterval: 30 * time.Second,
		StalePendingAge:   5 * time.Minute,
	}
}

func applyEnvOverrides(cfg *Config) {
	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultStr(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultStr(cfg.DatabaseConfig.Database, "whalecopy"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultStr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis shared state store
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.URL = getEnvOrDefault("REDIS_URL", cfg.RedisConfig.URL)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Proxy pool
	if list := os.Getenv("PROXY_LIST"); list != "" {
		cfg.ProxyConfig.ProxyList = splitNonEmpty(list, ",")
	}
	cfg.ProxyConfig.ProxyPoolFile = getEnvOrDefault("PROXY_POOL_FILE", cfg.ProxyConfig.ProxyPoolFile)
	cfg.ProxyConfig.MaxConsecutiveFails = getEnvIntOrDefault("PROXY_MAX_CONSECUTIVE_FAILS", cfg.ProxyConfig.MaxConsecutiveFails)
	cfg.ProxyConfig.RateLimitCooldown = getEnvIntOrDefault("PROXY_RATE_LIMIT_COOLDOWN", cfg.ProxyConfig.RateLimitCooldown)

	// Scheduler tier overrides
	cfg.SchedulerConfig.Critical.Interval = getEnvDurationOrDefault("TIER_CRITICAL_INTERVAL", cfg.SchedulerConfig.Critical.Interval)
	cfg.SchedulerConfig.Critical.BatchCap = getEnvIntOrDefault("TIER_CRITICAL_BATCH", cfg.SchedulerConfig.Critical.BatchCap)
	cfg.SchedulerConfig.High.Interval = getEnvDurationOrDefault("TIER_HIGH_INTERVAL", cfg.SchedulerConfig.High.Interval)
	cfg.SchedulerConfig.High.BatchCap = getEnvIntOrDefault("TIER_HIGH_BATCH", cfg.SchedulerConfig.High.BatchCap)
	cfg.SchedulerConfig.Normal.Interval = getEnvDurationOrDefault("TIER_NORMAL_INTERVAL", cfg.SchedulerConfig.Normal.Interval)
	cfg.SchedulerConfig.Normal.BatchCap = getEnvIntOrDefault("TIER_NORMAL_BATCH", cfg.SchedulerConfig.Normal.BatchCap)
	cfg.SchedulerConfig.Low.Interval = getEnvDurationOrDefault("TIER_LOW_INTERVAL", cfg.SchedulerConfig.Low.Interval)
	cfg.SchedulerConfig.Low.BatchCap = getEnvIntOrDefault("TIER_LOW_BATCH", cfg.SchedulerConfig.Low.BatchCap)

	// Fetcher
	cfg.FetcherConfig.GlobalConcurrency = getEnvIntOrDefault("FETCHER_GLOBAL_CONCURRENCY", cfg.FetcherConfig.GlobalConcurrency)
	cfg.FetcherConfig.ConnectTimeout = getEnvDurationOrDefault("FETCHER_CONNECT_TIMEOUT", cfg.FetcherConfig.ConnectTimeout)
	cfg.FetcherConfig.ReadTimeout = getEnvDurationOrDefault("FETCHER_READ_TIMEOUT", cfg.FetcherConfig.ReadTimeout)

	// Circuit breaker defaults
	cfg.CircuitBreakerConfig.FailureThreshold = getEnvIntOrDefault("CB_FAILURE_THRESHOLD", cfg.CircuitBreakerConfig.FailureThreshold)
	cfg.CircuitBreakerConfig.FailureWindow = getEnvDurationOrDefault("CB_FAILURE_WINDOW", cfg.CircuitBreakerConfig.FailureWindow)
	cfg.CircuitBreakerConfig.ResetTimeout = getEnvDurationOrDefault("CB_RESET_TIMEOUT", cfg.CircuitBreakerConfig.ResetTimeout)
	cfg.CircuitBreakerConfig.SuccessThreshold = getEnvIntOrDefault("CB_SUCCESS_THRESHOLD", cfg.CircuitBreakerConfig.SuccessThreshold)

	// Queue
	cfg.QueueConfig.ExpirySeconds = getEnvIntOrDefault("SIGNAL_EXPIRY_SECONDS", cfg.QueueConfig.ExpirySeconds)
	cfg.QueueConfig.Workers = getEnvIntOrDefault("QUEUE_WORKERS", cfg.QueueConfig.Workers)

	// Risk gate constants
	cfg.RiskConfig.MinTradingBalanceUSDT = getEnvFloatOrDefault("MIN_TRADING_BALANCE_USDT", cfg.RiskConfig.MinTradingBalanceUSDT)
	cfg.RiskConfig.MinTradeSizeUSDT = getEnvFloatOrDefault("MIN_TRADE_SIZE_USDT", cfg.RiskConfig.MinTradeSizeUSDT)
	cfg.RiskConfig.MaxTradeSizeUSDT = getEnvFloatOrDefault("MAX_TRADE_SIZE_USDT", cfg.RiskConfig.MaxTradeSizeUSDT)
	cfg.RiskConfig.TradeSizeBufferPercent = getEnvFloatOrDefault("TRADE_SIZE_BUFFER_PERCENT", cfg.RiskConfig.TradeSizeBufferPercent)

	// Exchange credentials
	loadExchangeEnv("BINANCE", &cfg.ExchangesConfig.Binance, "https://api.binance.com")
	loadExchangeEnv("BYBIT", &cfg.ExchangesConfig.Bybit, "https://api.bybit.com")
	loadExchangeEnv("OKX", &cfg.ExchangesConfig.OKX, "https://www.okx.com")
	loadExchangeEnv("BITGET", &cfg.ExchangesConfig.Bitget, "https://api.bitget.com")
	loadExchangeEnv("HYPERLIQUID", &cfg.ExchangesConfig.Hyperliquid, "https://api.hyperliquid.xyz")

	// Ops server
	cfg.ServerConfig.Enabled = getEnvOrDefault("OPS_SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Host = getEnvOrDefault("OPS_SERVER_HOST", defaultStr(cfg.ServerConfig.Host, "127.0.0.1"))
	cfg.ServerConfig.Port = getEnvIntOrDefault("OPS_SERVER_PORT", defaultInt(cfg.ServerConfig.Port, 8090))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("OPS_SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Notification
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.TelegramBotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.TelegramBotToken)
	cfg.NotificationConfig.TelegramChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.TelegramChatID)
	cfg.NotificationConfig.WebhookURL = getEnvOrDefault("NOTIFY_WEBHOOK_URL", cfg.NotificationConfig.WebhookURL)

	// Engine
	cfg.EngineConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", "false") == "true"
	cfg.EngineConfig.FollowerWorkers = getEnvIntOrDefault("ENGINE_FOLLOWER_WORKERS", cfg.EngineConfig.FollowerWorkers)
	cfg.EngineConfig.ReconcileInterval = getEnvDurationOrDefault("RECONCILE_INTERVAL", cfg.EngineConfig.ReconcileInterval)
}

func loadExchangeEnv(prefix string, creds *ExchangeCredentials, defaultBaseURL string) {
	creds.APIKey = getEnvOrDefault(prefix+"_API_KEY", creds.APIKey)
	creds.SecretKey = getEnvOrDefault(prefix+"_SECRET_KEY", creds.SecretKey)
	creds.Passphrase = getEnvOrDefault(prefix+"_PASSPHRASE", creds.Passphrase)
	creds.BaseURL = getEnvOrDefault(prefix+"_BASE_URL", defaultStr(creds.BaseURL, defaultBaseURL))
	creds.TestNet = getEnvOrDefault(prefix+"_TESTNET", "false") == "true"
}

// Validate rejects configurations the engine cannot safely run with
func (c *Config) Validate() error {
	if c.RiskConfig.MinTradeSizeUSDT <= 0 {
		return fmt.Errorf("MIN_TRADE_SIZE_USDT must be positive, got %v", c.RiskConfig.MinTradeSizeUSDT)
	}
	if c.RiskConfig.MaxTradeSizeUSDT < c.RiskConfig.MinTradeSizeUSDT {
		return fmt.Errorf("MAX_TRADE_SIZE_USDT (%v) below MIN_TRADE_SIZE_USDT (%v)",
			c.RiskConfig.MaxTradeSizeUSDT, c.RiskConfig.MinTradeSizeUSDT)
	}
	if c.QueueConfig.ExpirySeconds <= 0 {
		return fmt.Errorf("SIGNAL_EXPIRY_SECONDS must be positive, got %d", c.QueueConfig.ExpirySeconds)
	}
	if c.FetcherConfig.GlobalConcurrency <= 0 {
		return fmt.Errorf("FETCHER_GLOBAL_CONCURRENCY must be positive, got %d", c.FetcherConfig.GlobalConcurrency)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultStr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func defaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
