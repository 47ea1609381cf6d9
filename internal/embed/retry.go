package embed

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures retry behavior for embedder requests.
type RetryConfig struct {
	Attempts     int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Ceiling for the backoff delay
	Multiplier   float64       // Backoff multiplier
}

// DefaultRetryConfig returns the standard embedder retry schedule:
// 5 attempts, 200ms -> 3.2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     RetryAttempts,
		InitialDelay: RetryInitialDelay,
		MaxDelay:     RetryMaxDelay,
		Multiplier:   2.0,
	}
}

// WithRetry executes fn with exponential backoff. Context cancellation is
// honored both before each attempt and while waiting between attempts.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err != nil {
			lastErr = err
			if attempt == cfg.Attempts {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("failed after %d attempts: %w", cfg.Attempts, lastErr)
}
