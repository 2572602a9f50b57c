// Package retry provides bounded retry with transient-failure
// classification for LLM and datasource calls.
package retry

import (
	"context"
	"strings"
	"time"
)

// Config defines retry behavior. If Delays is set, it is used verbatim
// (attempt N waits Delays[N] before retrying); otherwise exponential
// backoff from InitialDelay is applied.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Delays       []time.Duration
}

// DefaultConfig returns sensible defaults for datasource operations:
// 3 retries with 100ms initial delay, capped at 5s, doubling each time.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// LLMConfig returns the retry schedule for the external LLM
// collaborator: 3 retries with fixed 5s, 15s, 30s delays.
func LLMConfig() *Config {
	return &Config{
		MaxRetries: 3,
		Delays:     []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second},
	}
}

func (cfg *Config) delayFor(attempt int, current time.Duration) (next time.Duration, wait time.Duration) {
	if len(cfg.Delays) > 0 {
		i := attempt
		if i >= len(cfg.Delays) {
			i = len(cfg.Delays) - 1
		}
		return current, cfg.Delays[i]
	}
	wait = current
	next = time.Duration(float64(current) * cfg.Multiplier)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next, wait
}

// RetryableError is an interface for errors that explicitly declare
// their retryability. LLM errors implement this so the retry package
// can check retryability without importing the llm package.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable determines if an error is transient and worth retrying.
// This prevents wasting retries on permanent failures (auth errors,
// malformed requests, etc.).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"i/o timeout",
		"network is unreachable",
		"429",
		"500",
		"502",
		"503",
		"504",
		"rate limit",
		"service unavailable",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// DoIfRetryable executes fn, retrying only while the returned error is
// transient. Permanent errors surface immediately. Respects context
// cancellation during wait periods.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if attempt < cfg.MaxRetries {
			var wait time.Duration
			delay, wait = cfg.delayFor(attempt, delay)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// DoWithResult executes fn under the same policy as DoIfRetryable and
// returns both result and error. Useful for functions that return
// values (like an LLM completion).
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	var result T
	err := DoIfRetryable(ctx, cfg, func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
