package reliability

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config groups the tunables of an Executor. Values are read from
// environment variables sharing a prefix, e.g. INVENTORY_RETRY_MAX_ATTEMPTS.
type Config struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// LoadConfigFromEnv reads PREFIX_RETRY_*, PREFIX_BREAKER_* and
// PREFIX_RATE_LIMIT_* variables. Unset variables keep the value in defaults.
func LoadConfigFromEnv(prefix string, defaults Config) (Config, error) {
	cfg := defaults
	prefix = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(prefix)), "_")
	name := func(suffix string) string {
		if prefix == "" {
			return suffix
		}
		return prefix + "_" + suffix
	}
	var err error

	if cfg.RetryMaxAttempts, err = parseInt(name("RETRY_MAX_ATTEMPTS"), cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = parseDuration(name("RETRY_BASE_DELAY"), cfg.RetryBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = parseDuration(name("RETRY_MAX_DELAY"), cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = parseInt(name("BREAKER_MAX_FAILURES"), cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseDuration(name("BREAKER_RESET_TIMEOUT"), cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseDuration(name("RATE_LIMIT_INTERVAL"), cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseInt(name("RATE_LIMIT_BURST"), cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay > 0 && cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		return cfg, fmt.Errorf("%s must be <= %s", name("RETRY_BASE_DELAY"), name("RETRY_MAX_DELAY"))
	}

	return cfg, nil
}

// Executor builds an Executor from the config. A zero breaker threshold or
// rate interval leaves that control disabled.
func (c Config) Executor() Executor {
	exec := Executor{
		Retry: RetryPolicy{
			MaxAttempts: c.RetryMaxAttempts,
			BaseDelay:   c.RetryBaseDelay,
			MaxDelay:    c.RetryMaxDelay,
		},
	}
	if c.BreakerMaxFailures > 0 {
		exec.Breaker = NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  c.BreakerMaxFailures,
			ResetTimeout: c.BreakerResetTimeout,
		})
	}
	if c.RateLimitInterval > 0 && c.RateLimitBurst > 0 {
		exec.Limiter = NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
	}
	return exec
}

func parseDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
