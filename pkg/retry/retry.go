// Package retry runs operations with exponential backoff and classifies
// transient storage and lock errors.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor in [0, 1] spreads each delay by +/- that fraction.
	JitterFactor float64
}

// DefaultConfig is used for database connects:
// 3 retries starting at 100ms, doubling, capped at 5s, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Backoff returns the wait before retry number attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, then jittered.
func Backoff(cfg *Config, attempt int) time.Duration {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
		if cfg.MaxDelay > 0 && delay >= float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	if cfg.JitterFactor > 0 {
		delay += delay * cfg.JitterFactor * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// run calls fn until it succeeds, retries are exhausted, shouldRetry
// rejects the error or ctx ends.
func run[T any](ctx context.Context, cfg *Config, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil || attempt >= cfg.MaxRetries || !shouldRetry(err) {
			return result, err
		}

		timer := time.NewTimer(Backoff(cfg, attempt+1))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		}
	}
}

// DoWithResult retries fn on any error and returns the last result.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	return run(ctx, cfg, func(error) bool { return true }, fn)
}

// DoIfRetryable retries fn only while IsRetryable accepts its error.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := run(ctx, cfg, IsRetryable, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryableError is implemented by errors that declare their retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

var retryablePatterns = []string{
	// connection
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"temporary failure",
	"too many connections",
	"network is unreachable",
	// postgres serialization and startup
	"deadlock",
	"could not serialize access",
	"40001",
	"40p01",
	"the database system is starting up",
	"the database system is shutting down",
	// sqlite and redis contention
	"database is locked",
	"sqlite_busy",
	"redis is loading",
	"service unavailable",
}

// IsRetryable reports whether err is transient. Domain errors (validation,
// not found, conflict, insufficient data) never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	if errors.Is(err, apperrors.ErrValidation) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrConflict) ||
		errors.Is(err, apperrors.ErrInsufficientData) ||
		errors.Is(err, apperrors.ErrAmbiguousReference) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
