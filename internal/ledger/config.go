package ledger

import "time"

const (
	defaultDecimals       = 6
	defaultConfirmTimeout = 90 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultCacheTTL       = 30 * time.Second
	defaultCacheSize      = 512
)

// Config tunes the ledger client. Zero values fall back to defaults
// suitable for USDC on an L2 testnet.
type Config struct {
	RPCURL       string
	TokenAddress string
	ChainID      int64

	// Decimals is the token's decimal count (6 for USDC).
	Decimals int32

	// ServiceKey is the hex-encoded private key of the platform wallet.
	// Required for ExecuteTransfer; read-only callers may omit it.
	ServiceKey string

	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	CacheTTL  time.Duration
	CacheSize int
}

func (c *Config) normalize() {
	if c.Decimals <= 0 {
		c.Decimals = defaultDecimals
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
}
