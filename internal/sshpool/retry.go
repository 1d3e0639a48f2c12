package sshpool

import (
	"context"
	"errors"
	"strings"
	"time"
)

// transientSubstrings are error-message fragments that classify a failure
// as a transient network hiccup worth retrying, rather than a
// configuration problem (bad host key, missing identity file) that will
// never succeed on its own.
var transientSubstrings = []string{
	"could not resolve hostname",
	"connection refused",
	"connection timed out",
	"no route to host",
	"broken pipe",
	"kex_exchange_identification",
	"connection reset by peer",
	"in backoff for",
}

// IsTransient reports whether err's message matches a known-transient
// SSH/network failure class.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// retryMaxAttempts and retryMaxElapsed bound WithRetry so a permanently
// unreachable host fails within about two minutes rather than retrying
// forever.
const (
	retryMaxAttempts = 8
	retryMaxElapsed  = 2 * time.Minute
	retryBaseDelay   = 1 * time.Second
	retryMaxDelay    = 10 * time.Second
)

// WithRetry calls fn, retrying on transient errors with exponential
// backoff (1s, 2s, 4s, ... capped at 10s) until retryMaxAttempts is
// reached, retryMaxElapsed has passed, or ctx is cancelled. Non-transient
// errors are returned immediately without retrying.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if time.Since(start) >= retryMaxElapsed {
			return lastErr
		}
		if attempt == retryMaxAttempts {
			break
		}

		var backoffErr *BackoffError
		var delay time.Duration
		if errors.As(lastErr, &backoffErr) {
			delay = backoffErr.Duration
		} else {
			delay = retryBaseDelay << uint(attempt-1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
