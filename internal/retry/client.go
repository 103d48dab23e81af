// Package retry wraps gateway calls with bounded retries on transient
// failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when no config is supplied.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries an operation while the error looks transient. Permanent
// errors (rejections, validation failures) abort immediately.
type Client struct {
	logger *logrus.Logger
	config Config
}

// NewClient creates a retry client with the given config, or DefaultConfig.
func NewClient(logger *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Client{logger: logger, config: cfg}
}

// Do runs op until it succeeds, fails permanently, or the retry budget is
// exhausted. The op receives a context bounded by the client timeout.
func Do[T any](ctx context.Context, c *Client, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out after %v: %w", name, c.config.Timeout, opCtx.Err())
		default:
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s canceled: %w", name, ctx.Err())
		}

		res, err := op(opCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.WithFields(logrus.Fields{"op": name, "attempt": attempt + 1}).
					Info("operation succeeded after retry")
			}
			return res, nil
		}

		lastErr = err
		c.logger.WithFields(logrus.Fields{"op": name, "attempt": attempt + 1}).
			WithError(err).Warn("operation failed")

		if !IsTransient(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.WithFields(logrus.Fields{"op": name, "backoff": backoff}).
			Debug("transient error, backing off")
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", name, opCtx.Err())
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", name, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, c.config.MaxRetries+1, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransient classifies an error as retryable. Gateway errors carry an
// HTTP status; anything else falls back to message pattern matching.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError:
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
