// Package retry provides the exponential back-off policy shared by the
// BLE scanner's reconnect loop and the orchestrator's initial MQTT
// connect: both treat their transport as essential and retry transient
// failures forever, never fatally.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	baseInterval        = 1 * time.Second
	maxInterval         = 30 * time.Second
	randomizationFactor = 0.2
	backOffMultiplier   = 2.0
)

// NewBackOff returns the daemon-standard exponential back-off: base
// 1s, doubling to a 30s cap, ±20% jitter, retried forever (the caller
// controls termination via ctx or by breaking out of its own loop).
func NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseInterval
	b.MaxInterval = maxInterval
	b.RandomizationFactor = randomizationFactor
	b.Multiplier = backOffMultiplier
	b.MaxElapsedTime = 0 // unbounded: BLE and MQTT are both essential
	return b
}

// Do retries operation with the standard back-off policy until it
// succeeds, ctx is cancelled, or operation returns a non-retryable
// error wrapped with backoff.Permanent. Each retry is logged at WARN
// with the component name and the upcoming back-off delay.
func Do(ctx context.Context, logger *slog.Logger, component string, operation func() error) error {
	b := backoff.WithContext(NewBackOff(), ctx)

	attempt := 0
	notify := func(err error, wait time.Duration) {
		attempt++
		logger.Warn("retrying after transient error",
			"component", component, "attempt", attempt, "backoff", wait, "err", err)
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err != nil && errors.Is(err, context.Canceled) {
		return err
	}
	return err
}

// Permanent marks err as non-retryable: Do returns it immediately
// instead of continuing the back-off loop. Use it inside an operation
// to distinguish a fatal failure (e.g. rejected credentials) from a
// transient one.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
