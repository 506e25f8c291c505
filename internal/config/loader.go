// Package config loads the service configuration from YAML with
// environment overrides. Durations are written as Go duration strings
// ("30s", "2m") and normalized at load time.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	ListenAddr        string `mapstructure:"listen_addr"`
	ReadTimeoutRaw    string `mapstructure:"read_timeout"`
	WriteTimeoutRaw   string `mapstructure:"write_timeout"`
	ShutdownGraceRaw  string `mapstructure:"shutdown_grace"`
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownGrace     time.Duration
}

type StoreConfig struct {
	// Backend is "memory" or "leveldb".
	Backend     string `mapstructure:"backend"`
	LevelDBPath string `mapstructure:"leveldb_path"`
}

type LedgerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	RPCURL         string `mapstructure:"rpc_url"`
	TokenAddress   string `mapstructure:"token_address"`
	ChainID        int64  `mapstructure:"chain_id"`
	Decimals       int32  `mapstructure:"decimals"`
	ConfirmTimeoutRaw string `mapstructure:"confirm_timeout"`
	PollIntervalRaw   string `mapstructure:"poll_interval"`
	CacheTTLRaw       string `mapstructure:"cache_ttl"`
	CacheSize         int    `mapstructure:"cache_size"`
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	CacheTTL       time.Duration
}

type PaymentsConfig struct {
	ServiceWallet string `mapstructure:"service_wallet"`
	// ServiceKey is the platform wallet's hex private key. Prefer the
	// INTENTCAST_PAYMENTS_SERVICE_KEY environment variable over the file.
	ServiceKey string `mapstructure:"service_key"`
	Network    string `mapstructure:"network"`
	Asset      string `mapstructure:"asset"`
}

type AuthConfig struct {
	Prefix string `mapstructure:"prefix"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type ExpiryConfig struct {
	SweepIntervalRaw string `mapstructure:"sweep_interval"`
	SweepInterval    time.Duration
}

type AppConfig struct {
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Payments PaymentsConfig `mapstructure:"payments"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Expiry   ExpiryConfig   `mapstructure:"expiry"`
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func (c *HTTPConfig) normalize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	var err error
	if c.ReadTimeout, err = parseDuration(c.ReadTimeoutRaw, 15*time.Second); err != nil {
		return fmt.Errorf("invalid http.read_timeout: %w", err)
	}
	if c.WriteTimeout, err = parseDuration(c.WriteTimeoutRaw, 120*time.Second); err != nil {
		return fmt.Errorf("invalid http.write_timeout: %w", err)
	}
	if c.ShutdownGrace, err = parseDuration(c.ShutdownGraceRaw, 10*time.Second); err != nil {
		return fmt.Errorf("invalid http.shutdown_grace: %w", err)
	}
	return nil
}

func (c *StoreConfig) normalize() error {
	switch c.Backend {
	case "":
		c.Backend = "memory"
	case "memory":
	case "leveldb":
		if c.LevelDBPath == "" {
			return fmt.Errorf("store.leveldb_path required for leveldb backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Backend)
	}
	return nil
}

func (c *LedgerConfig) normalize() error {
	if !c.Enabled {
		return nil
	}
	if c.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url required when ledger is enabled")
	}
	if c.TokenAddress == "" {
		return fmt.Errorf("ledger.token_address required when ledger is enabled")
	}
	var err error
	if c.ConfirmTimeout, err = parseDuration(c.ConfirmTimeoutRaw, 90*time.Second); err != nil {
		return fmt.Errorf("invalid ledger.confirm_timeout: %w", err)
	}
	if c.PollInterval, err = parseDuration(c.PollIntervalRaw, 2*time.Second); err != nil {
		return fmt.Errorf("invalid ledger.poll_interval: %w", err)
	}
	if c.CacheTTL, err = parseDuration(c.CacheTTLRaw, 30*time.Second); err != nil {
		return fmt.Errorf("invalid ledger.cache_ttl: %w", err)
	}
	return nil
}

func (c *ExpiryConfig) normalize() error {
	var err error
	if c.SweepInterval, err = parseDuration(c.SweepIntervalRaw, time.Minute); err != nil {
		return fmt.Errorf("invalid expiry.sweep_interval: %w", err)
	}
	return nil
}

// Load reads the config file at path and applies environment overrides
// with the INTENTCAST_ prefix (INTENTCAST_HTTP_LISTEN_ADDR and so on).
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INTENTCAST")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: memory
// store, no ledger, listening on :8080.
func Default() *AppConfig {
	cfg := &AppConfig{}
	if err := cfg.normalize(); err != nil {
		panic(err)
	}
	return cfg
}

func (c *AppConfig) normalize() error {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if err := c.HTTP.normalize(); err != nil {
		return err
	}
	if err := c.Store.normalize(); err != nil {
		return err
	}
	if err := c.Ledger.normalize(); err != nil {
		return err
	}
	if err := c.Expiry.normalize(); err != nil {
		return err
	}
	if c.Payments.Network == "" {
		c.Payments.Network = "eip155:84532"
	}
	if c.Payments.Asset == "" {
		c.Payments.Asset = "USDC"
	}
	if c.Auth.Prefix == "" {
		c.Auth.Prefix = "IntentCast"
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	return nil
}
