package utils

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// DefaultBackoff returns the exponential backoff used for connection attempts:
// 1s, 2s, 4s, ... capped at 16s with 10% jitter.
func DefaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 16 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	return b
}

// RetryWithBackoff runs fn until it succeeds, returns a non-retryable error,
// maxRetries retries are used up, or ctx is cancelled.
//
// maxRetries == 0 runs fn exactly once.
// The returned error is the last error returned by fn (or the context error).
func RetryWithBackoff(ctx context.Context, b backoff.BackOff, maxRetries int, fn func() error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			klog.V(4).Infof("Operation succeeded on attempt %d", attempt)
			return nil
		}
		if !IsRetryableError(err) {
			klog.V(4).Infof("Attempt %d failed with non-retryable error: %v", attempt, err)
			return backoff.Permanent(err)
		}
		klog.V(4).Infof("Attempt %d failed with retryable error: %v", attempt, err)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
	err := backoff.Retry(op, policy)
	if err != nil && attempt > 1 {
		klog.V(2).Infof("Giving up after %d attempts: %v", attempt, err)
	}
	return err
}

// IsRetryableError determines if an error is transient and worth retrying
// Returns true for network-related errors that may succeed on retry
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Never retry credential problems
	for _, pattern := range []string{"unable to authenticate", "permission denied", "no supported methods"} {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"connection timed out",
		"no route to host",
		"network unreachable",
		"network is unreachable",
		"host is unreachable",
		"i/o timeout",
		"eof",
		"temporary failure",
		"resource temporarily unavailable",
		"try again",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
