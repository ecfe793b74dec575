package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies WINDOWARB_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known WINDOWARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setFloat64(&cfg.Engine.PollIntervalSeconds, "WINDOWARB_ENGINE_POLL_INTERVAL_SECONDS")
	setInt(&cfg.Engine.WindowDurationMinutes, "WINDOWARB_ENGINE_WINDOW_DURATION_MINUTES")
	setFloat64(&cfg.Engine.MinEdgeMargin, "WINDOWARB_ENGINE_MIN_EDGE_MARGIN")
	setFloat64(&cfg.Engine.PerTradeRiskCeiling, "WINDOWARB_ENGINE_PER_TRADE_RISK_CEILING")
	setFloat64(&cfg.Engine.RiskCeilingFraction, "WINDOWARB_ENGINE_RISK_CEILING_FRACTION")
	setInt(&cfg.Engine.MaxConcurrentPositionsPerMarketSet, "WINDOWARB_ENGINE_MAX_CONCURRENT_POSITIONS_PER_MARKET_SET")
	setInt64(&cfg.Engine.QuoteStalenessMs, "WINDOWARB_ENGINE_QUOTE_STALENESS_MS")
	setInt64(&cfg.Engine.SyncWindowMs, "WINDOWARB_ENGINE_SYNC_WINDOW_MS")
	setBool(&cfg.Engine.DryRun, "WINDOWARB_ENGINE_DRY_RUN")
	setInt(&cfg.Engine.ExpiryBufferSeconds, "WINDOWARB_ENGINE_EXPIRY_BUFFER_SECONDS")
	setFloat64(&cfg.Engine.MinTradeAmount, "WINDOWARB_ENGINE_MIN_TRADE_AMOUNT")
	setFloat64(&cfg.Engine.LotSize, "WINDOWARB_ENGINE_LOT_SIZE")
	setFloat64(&cfg.Engine.MinOrderSize, "WINDOWARB_ENGINE_MIN_ORDER_SIZE")
	setFloat64(&cfg.Engine.MaxSlippage, "WINDOWARB_ENGINE_MAX_SLIPPAGE")
	setFloat64(&cfg.Engine.InitialBankroll, "WINDOWARB_ENGINE_INITIAL_BANKROLL")
	setStringSlice(&cfg.Engine.Assets, "WINDOWARB_ENGINE_ASSETS")
	setBool(&cfg.Engine.CrossAssetPairs, "WINDOWARB_ENGINE_CROSS_ASSET_PAIRS")
	setFloat64(&cfg.Engine.MinLegPriceFloor, "WINDOWARB_ENGINE_MIN_LEG_PRICE_FLOOR")
	setBool(&cfg.Engine.SellArbEnabled, "WINDOWARB_ENGINE_SELL_ARB_ENABLED")
	setInt(&cfg.Engine.SubmitMaxAttempts, "WINDOWARB_ENGINE_SUBMIT_MAX_ATTEMPTS")
	setInt(&cfg.Engine.FetchMaxAttempts, "WINDOWARB_ENGINE_FETCH_MAX_ATTEMPTS")
	setDuration(&cfg.Engine.RetryBaseDelay, "WINDOWARB_ENGINE_RETRY_BASE_DELAY")
	setDuration(&cfg.Engine.OrderPollInterval, "WINDOWARB_ENGINE_ORDER_POLL_INTERVAL")
	setDuration(&cfg.Engine.DrainTimeout, "WINDOWARB_ENGINE_DRAIN_TIMEOUT")
	setDuration(&cfg.Engine.SettlementPollInterval, "WINDOWARB_ENGINE_SETTLEMENT_POLL_INTERVAL")

	// ── Fees / Paper ──
	setFloat64(&cfg.Fees.DefaultBps, "WINDOWARB_FEES_DEFAULT_BPS")
	setFloat64(&cfg.Paper.FillRatio, "WINDOWARB_PAPER_FILL_RATIO")
	setDuration(&cfg.Paper.FillLatency, "WINDOWARB_PAPER_FILL_LATENCY")
	setFloat64(&cfg.Paper.RejectRate, "WINDOWARB_PAPER_REJECT_RATE")
	setInt64(&cfg.Paper.Seed, "WINDOWARB_PAPER_SEED")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "WINDOWARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.FunderAddress, "WINDOWARB_WALLET_FUNDER_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "WINDOWARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "WINDOWARB_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "WINDOWARB_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "WINDOWARB_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "WINDOWARB_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "WINDOWARB_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "WINDOWARB_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.SlugTemplate, "WINDOWARB_POLYMARKET_SLUG_TEMPLATE")
	setInt(&cfg.Polymarket.RequestsPerSec, "WINDOWARB_POLYMARKET_REQUESTS_PER_SEC")

	// ── API ──
	setStr(&cfg.API.Key, "WINDOWARB_API_KEY")
	setStr(&cfg.API.Secret, "WINDOWARB_API_SECRET")
	setStr(&cfg.API.Passphrase, "WINDOWARB_API_PASSPHRASE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "WINDOWARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setInt(&cfg.Postgres.MaxConns, "WINDOWARB_POSTGRES_MAX_CONNS")
	setInt(&cfg.Postgres.MinConns, "WINDOWARB_POSTGRES_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "WINDOWARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "WINDOWARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "WINDOWARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "WINDOWARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "WINDOWARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "WINDOWARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "WINDOWARB_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "WINDOWARB_REDIS_LOCK_TTL")
	setDuration(&cfg.Redis.QuoteTTL, "WINDOWARB_REDIS_QUOTE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "WINDOWARB_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "WINDOWARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "WINDOWARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "WINDOWARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "WINDOWARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "WINDOWARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "WINDOWARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "WINDOWARB_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "WINDOWARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "WINDOWARB_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "WINDOWARB_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "WINDOWARB_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMinute, "WINDOWARB_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "WINDOWARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "WINDOWARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "WINDOWARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "WINDOWARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "WINDOWARB_MODE")
	setStr(&cfg.Log.Level, "WINDOWARB_LOG_LEVEL")
	setStr(&cfg.Log.Format, "WINDOWARB_LOG_FORMAT")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
