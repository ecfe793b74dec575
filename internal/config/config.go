// Package config defines the top-level configuration for the window arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by WINDOWARB_* environment variables.
type Config struct {
	Engine     EngineConfig     `toml:"engine"`
	Fees       FeeConfig        `toml:"fees"`
	Paper      PaperConfig      `toml:"paper"`
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	API        APIConfig        `toml:"api"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Log        LogConfig        `toml:"log"`
	Mode       string           `toml:"mode"`
}

// EngineConfig holds the decision engine parameters.
type EngineConfig struct {
	PollIntervalSeconds                float64  `toml:"poll_interval_seconds"`
	WindowDurationMinutes              int      `toml:"window_duration_minutes"`
	MinEdgeMargin                      float64  `toml:"min_edge_margin"`
	PerTradeRiskCeiling                float64  `toml:"per_trade_risk_ceiling"`
	RiskCeilingFraction                float64  `toml:"risk_ceiling_fraction"`
	MaxConcurrentPositionsPerMarketSet int      `toml:"max_concurrent_positions_per_market_set"`
	QuoteStalenessMs                   int64    `toml:"quote_staleness_ms"`
	SyncWindowMs                       int64    `toml:"sync_window_ms"`
	DryRun                             bool     `toml:"dry_run"`
	ExpiryBufferSeconds                int      `toml:"expiry_buffer_seconds"`
	MinTradeAmount                     float64  `toml:"min_trade_amount"`
	LotSize                            float64  `toml:"lot_size"`
	MinOrderSize                       float64  `toml:"min_order_size"`
	MaxSlippage                        float64  `toml:"max_slippage"`
	InitialBankroll                    float64  `toml:"initial_bankroll"`
	Assets                             []string `toml:"assets"`
	CrossAssetPairs                    bool     `toml:"cross_asset_pairs"`
	MinLegPriceFloor                   float64  `toml:"min_leg_price_floor"`
	SellArbEnabled                     bool     `toml:"sell_arb_enabled"`
	SubmitMaxAttempts                  int      `toml:"submit_max_attempts"`
	FetchMaxAttempts                   int      `toml:"fetch_max_attempts"`
	RetryBaseDelay                     duration `toml:"retry_base_delay"`
	OrderPollInterval                  duration `toml:"order_poll_interval"`
	DrainTimeout                       duration `toml:"drain_timeout"`
	SettlementPollInterval             duration `toml:"settlement_poll_interval"`
}

// PollInterval returns the fast tick interval.
func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSeconds * float64(time.Second))
}

// WindowDuration returns the settlement window length.
func (e EngineConfig) WindowDuration() time.Duration {
	return time.Duration(e.WindowDurationMinutes) * time.Minute
}

// QuoteStaleness returns the maximum quote age.
func (e EngineConfig) QuoteStaleness() time.Duration {
	return time.Duration(e.QuoteStalenessMs) * time.Millisecond
}

// SyncWindow returns the maximum timestamp spread between legs.
func (e EngineConfig) SyncWindow() time.Duration {
	return time.Duration(e.SyncWindowMs) * time.Millisecond
}

// ExpiryBuffer returns the safety buffer before window close.
func (e EngineConfig) ExpiryBuffer() time.Duration {
	return time.Duration(e.ExpiryBufferSeconds) * time.Second
}

// FeeConfig holds the fee schedule applied by the normalizer.
type FeeConfig struct {
	DefaultBps float64            `toml:"default_bps"`
	VenueBps   map[string]float64 `toml:"venue_bps"`
}

// PaperConfig tunes the dry-run simulated fill model.
type PaperConfig struct {
	FillRatio   float64  `toml:"fill_ratio"`
	FillLatency duration `toml:"fill_latency"`
	RejectRate  float64  `toml:"reject_rate"`
	Seed        int64    `toml:"seed"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	FunderAddress    string `toml:"funder_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost       string `toml:"clob_host"`
	GammaHost      string `toml:"gamma_host"`
	WsHost         string `toml:"ws_host"`
	ChainID        int    `toml:"chain_id"`
	SignatureType  int    `toml:"signature_type"`
	SlugTemplate   string `toml:"slug_template"`
	RequestsPerSec int    `toml:"requests_per_sec"`
}

// APIConfig holds CLOB L2 API credentials. When empty they are derived from
// the wallet at startup.
type APIConfig struct {
	Key        string `toml:"key"`
	Secret     string `toml:"secret"`
	Passphrase string `toml:"passphrase"`
}

// PostgresConfig holds PostgreSQL connection parameters. An empty DSN keeps
// engine state in memory.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	MinConns      int    `toml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty address disables
// the distributed lock, event bus and quote cache.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	LockTTL      duration `toml:"lock_ttl"`
	QuoteTTL     duration `toml:"quote_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters. An empty bucket
// disables archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP command server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimitPerMinute caps requests per client IP when Redis is
	// configured. Zero disables the limit.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			PollIntervalSeconds:                2,
			WindowDurationMinutes:              15,
			MinEdgeMargin:                      0.01,
			PerTradeRiskCeiling:                20,
			MaxConcurrentPositionsPerMarketSet: 1,
			QuoteStalenessMs:                   2000,
			SyncWindowMs:                       1000,
			DryRun:                             true,
			ExpiryBufferSeconds:                20,
			MinTradeAmount:                     1,
			LotSize:                            1,
			MinOrderSize:                       5,
			MaxSlippage:                        0.02,
			InitialBankroll:                    100,
			Assets:                             []string{"BTC", "ETH"},
			CrossAssetPairs:                    true,
			MinLegPriceFloor:                   0.6,
			SubmitMaxAttempts:                  3,
			FetchMaxAttempts:                   3,
			RetryBaseDelay:                     duration{200 * time.Millisecond},
			OrderPollInterval:                  duration{time.Second},
			DrainTimeout:                       duration{10 * time.Second},
			SettlementPollInterval:             duration{30 * time.Second},
		},
		Fees: FeeConfig{
			VenueBps: map[string]float64{
				"polymarket": 0,
				"paper":      0,
			},
		},
		Paper: PaperConfig{
			FillRatio:   0.5,
			FillLatency: duration{500 * time.Millisecond},
			Seed:        1,
		},
		Polymarket: PolymarketConfig{
			ClobHost:       "https://clob.polymarket.com",
			GammaHost:      "https://gamma-api.polymarket.com",
			WsHost:         "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:        137,
			SignatureType:  2,
			SlugTemplate:   "{asset}-updown-15m-{start}",
			RequestsPerSec: 10,
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			MinConns:      1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:     20,
			MaxRetries:   3,
			LockTTL:      duration{30 * time.Second},
			QuoteTTL:     duration{10 * time.Second},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000"},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"exposure_alert", "engine_halted", "order_filled", "ledger_settled"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Mode: "run",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true, // detect, size and execute
	"monitor": true, // detect and publish only
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validAssets = map[string]bool{
	"BTC": true,
	"ETH": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("unknown log format %q (valid: json, text)", c.Log.Format))
	}

	// Engine
	e := c.Engine
	if e.PollIntervalSeconds <= 0 {
		errs = append(errs, "engine: poll_interval_seconds must be > 0")
	}
	if e.WindowDurationMinutes <= 0 {
		errs = append(errs, "engine: window_duration_minutes must be > 0")
	}
	if e.MinEdgeMargin < 0 || e.MinEdgeMargin >= 1 {
		errs = append(errs, "engine: min_edge_margin must be in [0,1)")
	}
	if e.PerTradeRiskCeiling <= 0 && e.RiskCeilingFraction <= 0 {
		errs = append(errs, "engine: per_trade_risk_ceiling or risk_ceiling_fraction must be > 0")
	}
	if e.RiskCeilingFraction < 0 || e.RiskCeilingFraction > 1 {
		errs = append(errs, "engine: risk_ceiling_fraction must be in [0,1]")
	}
	if e.MaxConcurrentPositionsPerMarketSet < 1 {
		errs = append(errs, "engine: max_concurrent_positions_per_market_set must be >= 1")
	}
	if e.QuoteStalenessMs <= 0 {
		errs = append(errs, "engine: quote_staleness_ms must be > 0")
	}
	if e.SyncWindowMs <= 0 {
		errs = append(errs, "engine: sync_window_ms must be > 0")
	}
	if e.ExpiryBufferSeconds < 0 || e.ExpiryBuffer() >= e.WindowDuration() {
		errs = append(errs, "engine: expiry_buffer_seconds must be >= 0 and shorter than the window")
	}
	if e.LotSize <= 0 {
		errs = append(errs, "engine: lot_size must be > 0")
	}
	if e.MaxSlippage < 0 || e.MaxSlippage >= 1 {
		errs = append(errs, "engine: max_slippage must be in [0,1)")
	}
	if e.InitialBankroll < 0 {
		errs = append(errs, "engine: initial_bankroll must be >= 0")
	}
	if len(e.Assets) == 0 {
		errs = append(errs, "engine: at least one asset is required")
	}
	for _, a := range e.Assets {
		if !validAssets[strings.ToUpper(a)] {
			errs = append(errs, fmt.Sprintf("engine: unknown asset %q (valid: BTC, ETH)", a))
		}
	}
	if e.SubmitMaxAttempts < 1 || e.FetchMaxAttempts < 1 {
		errs = append(errs, "engine: submit_max_attempts and fetch_max_attempts must be >= 1")
	}
	if e.OrderPollInterval.Duration <= 0 {
		errs = append(errs, "engine: order_poll_interval must be > 0")
	}

	// Fees
	if c.Fees.DefaultBps < 0 {
		errs = append(errs, "fees: default_bps must be >= 0")
	}
	for venue, bps := range c.Fees.VenueBps {
		if bps < 0 {
			errs = append(errs, fmt.Sprintf("fees: venue_bps[%s] must be >= 0", venue))
		}
	}

	// Paper
	if e.DryRun {
		if c.Paper.FillRatio <= 0 || c.Paper.FillRatio > 1 {
			errs = append(errs, "paper: fill_ratio must be in (0,1]")
		}
		if c.Paper.RejectRate < 0 || c.Paper.RejectRate >= 1 {
			errs = append(errs, "paper: reject_rate must be in [0,1)")
		}
	}

	// Wallet is only needed for live order submission.
	if !e.DryRun && c.Mode == "run" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when dry_run is false")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Postgres.DSN == "" {
			errs = append(errs, "postgres: dsn is required when dry_run is false (open orders must survive restart)")
		}
		if c.Server.Enabled && c.Server.APIKey == "" {
			errs = append(errs, "server: api_key is required when dry_run is false")
		}
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0, 1 or 2, got %d", c.Polymarket.SignatureType))
	}
	if !strings.Contains(c.Polymarket.SlugTemplate, "{asset}") || !strings.Contains(c.Polymarket.SlugTemplate, "{start}") {
		errs = append(errs, "polymarket: slug_template must contain {asset} and {start}")
	}

	// API credentials must be set together, or all empty.
	ak := c.API.Key != ""
	as := c.API.Secret != ""
	ap := c.API.Passphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "api: key, secret, and passphrase must all be set together")
	}

	// Postgres
	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns < 1 {
			errs = append(errs, "postgres: max_conns must be >= 1")
		}
		if c.Postgres.MinConns < 0 || c.Postgres.MinConns > c.Postgres.MaxConns {
			errs = append(errs, "postgres: min_conns must be in [0, max_conns]")
		}
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region must not be empty when bucket is set")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
