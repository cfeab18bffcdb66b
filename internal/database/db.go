package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"whale-copy-trader/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to postgres")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Tracked whale accounts
		`CREATE TABLE IF NOT EXISTS whales (
			id BIGSERIAL PRIMARY KEY,
			exchange VARCHAR(20) NOT NULL,
			exchange_uid VARCHAR(128) NOT NULL,
			chain VARCHAR(32),
			address VARCHAR(128),
			display_name VARCHAR(100) NOT NULL DEFAULT '',
			priority_score INTEGER NOT NULL DEFAULT 50,
			data_status VARCHAR(10) NOT NULL DEFAULT 'ACTIVE',
			last_position_found TIMESTAMPTZ,
			last_checked_at TIMESTAMPTZ,
			follower_count INTEGER NOT NULL DEFAULT 0,
			win_rate DOUBLE PRECISION,
			avg_win_loss DOUBLE PRECISION,
			roi_percent DOUBLE PRECISION,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (exchange, exchange_uid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_whales_priority ON whales(priority_score) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_whales_data_status ON whales(data_status)`,

		// Users (trading-relevant projection)
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			available_balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			subscription_tier VARCHAR(20) NOT NULL DEFAULT 'free',
			futures_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			max_positions INTEGER NOT NULL DEFAULT 5,
			whales_limit INTEGER NOT NULL DEFAULT 3,
			auto_copy_allowed BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_banned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			default_trade_size_usdt DECIMAL(20, 8) NOT NULL DEFAULT 0,
			max_trade_size_usdt DECIMAL(20, 8) NOT NULL DEFAULT 0,
			daily_loss_limit_usdt DECIMAL(20, 8),
			stop_loss_percent DECIMAL(10, 4),
			take_profit_percent DECIMAL(10, 4),
			max_leverage INTEGER NOT NULL DEFAULT 10,
			preferred_exchange VARCHAR(20) NOT NULL DEFAULT 'binance',
			trading_mode VARCHAR(10) NOT NULL DEFAULT 'SPOT',
			sizing_strategy VARCHAR(20),
			kelly_fraction DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			notify_trades BOOLEAN NOT NULL DEFAULT TRUE,
			notify_positions BOOLEAN NOT NULL DEFAULT TRUE,
			notify_errors BOOLEAN NOT NULL DEFAULT TRUE
		)`,

		// Follow relationships with per-follow copy settings
		`CREATE TABLE IF NOT EXISTS whale_follows (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			whale_id BIGINT NOT NULL REFERENCES whales(id) ON DELETE CASCADE,
			auto_copy_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			trade_size_usdt DECIMAL(20, 8),
			trade_size_percent DECIMAL(10, 4),
			trading_mode_override VARCHAR(10),
			sizing_override VARCHAR(20),
			kelly_fraction_override DOUBLE PRECISION,
			trades_copied INTEGER NOT NULL DEFAULT 0,
			total_pnl_usdt DECIMAL(20, 8) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, whale_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_follows_whale ON whale_follows(whale_id) WHERE auto_copy_enabled`,

		// Signals
		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			whale_id BIGINT NOT NULL REFERENCES whales(id),
			source VARCHAR(12) NOT NULL DEFAULT 'WHALE',
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			trade_type VARCHAR(15) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			size_usd DECIMAL(20, 2) NOT NULL,
			is_close BOOLEAN NOT NULL DEFAULT FALSE,
			priority VARCHAR(8) NOT NULL DEFAULT 'MEDIUM',
			status VARCHAR(12) NOT NULL DEFAULT 'PENDING',
			dedup_token VARCHAR(200) NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			processing_started_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ,
			trades_executed INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			version INTEGER NOT NULL DEFAULT 0,
			UNIQUE (dedup_token)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals(priority, detected_at) WHERE status = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_signals_whale ON signals(whale_id, detected_at)`,

		// Trades
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			signal_id BIGINT REFERENCES signals(id),
			exchange VARCHAR(20) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			trade_type VARCHAR(15) NOT NULL,
			size_usdt DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(28, 12) NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			status VARCHAR(22) NOT NULL DEFAULT 'PENDING',
			exchange_order_id VARCHAR(64),
			executed_price DECIMAL(20, 8),
			filled_quantity DECIMAL(28, 12) NOT NULL DEFAULT 0,
			fee_amount DECIMAL(20, 8) NOT NULL DEFAULT 0,
			fee_currency VARCHAR(10) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			executed_at TIMESTAMPTZ,
			error_message TEXT,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_signal ON trades(signal_id)`,

		// Positions
		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			whale_id BIGINT REFERENCES whales(id),
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(5) NOT NULL,
			position_type VARCHAR(10) NOT NULL,
			quantity DECIMAL(28, 12) NOT NULL,
			remaining_quantity DECIMAL(28, 12) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8),
			exit_price DECIMAL(20, 8),
			entry_value_usdt DECIMAL(20, 8) NOT NULL,
			current_value_usdt DECIMAL(20, 8),
			leverage INTEGER NOT NULL DEFAULT 1,
			liquidation_price DECIMAL(20, 8),
			stop_loss_price DECIMAL(20, 8),
			take_profit_price DECIMAL(20, 8),
			unrealized_pnl DECIMAL(20, 8),
			unrealized_pnl_percent DECIMAL(10, 4),
			realized_pnl DECIMAL(20, 8),
			status VARCHAR(12) NOT NULL DEFAULT 'OPEN',
			close_reason VARCHAR(12),
			entry_trade_id BIGINT REFERENCES trades(id),
			exit_trade_id BIGINT REFERENCES trades(id),
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(user_id, symbol) WHERE status = 'OPEN'`,
		`CREATE INDEX IF NOT EXISTS idx_positions_merge ON positions(user_id, symbol, whale_id) WHERE status = 'OPEN'`,
		`CREATE INDEX IF NOT EXISTS idx_positions_whale ON positions(whale_id) WHERE status = 'OPEN'`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}
