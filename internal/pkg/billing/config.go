package billing

import (
	"time"

	"github.com/cmehub/billing/internal/pkg/env"
)

type Config struct {
	GatewayTimeout      time.Duration
	GatewayMaxRetries   int
	GatewayRetryBackoff time.Duration
	LockTimeout         time.Duration
	DaysInYear          int
}

func DefaultConfig() Config {
	return Config{
		GatewayTimeout:      15 * time.Second,
		GatewayMaxRetries:   2,
		GatewayRetryBackoff: 500 * time.Millisecond,
		LockTimeout:         30 * time.Second,
		DaysInYear:          365,
	}
}

// ConfigFromEnv reads the billing knobs, falling back to DefaultConfig.
func ConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		GatewayTimeout:      env.GetDuration("GATEWAY_TIMEOUT", def.GatewayTimeout),
		GatewayMaxRetries:   env.GetInt("GATEWAY_MAX_RETRIES", def.GatewayMaxRetries),
		GatewayRetryBackoff: env.GetDuration("GATEWAY_RETRY_BACKOFF", def.GatewayRetryBackoff),
		LockTimeout:         env.GetDuration("BILLING_LOCK_TTL", def.LockTimeout),
		DaysInYear:          env.GetInt("DEFAULT_DAYS_IN_YEAR", def.DaysInYear),
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = def.GatewayTimeout
	}
	if c.GatewayMaxRetries < 0 {
		c.GatewayMaxRetries = 0
	}
	if c.GatewayRetryBackoff < 0 {
		c.GatewayRetryBackoff = 0
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.DaysInYear <= 0 {
		c.DaysInYear = def.DaysInYear
	}
	return c
}
