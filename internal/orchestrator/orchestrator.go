// Package orchestrator wires the Scanner, Cache and Publisher into the
// daemon's single Scanner -> Cache -> Publisher pipeline and owns
// startup ordering, the periodic cache tick, and graceful shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jenicek001/mijiableht-daemon/internal/cache"
	"github.com/jenicek001/mijiableht-daemon/internal/mqttpub"
	"github.com/jenicek001/mijiableht-daemon/internal/retry"
	"github.com/jenicek001/mijiableht-daemon/internal/scanner"
)

// shutdownDrainTimeout bounds how long Run waits for in-flight
// CompleteReadings to reach the Publisher once shutdown begins.
const shutdownDrainTimeout = 5 * time.Second

// scannerClient is the subset of *scanner.Scanner the Orchestrator
// drives; narrowed to an interface so tests can substitute a fake.
type scannerClient interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan scanner.Event
}

// publisherClient is the subset of *mqttpub.Publisher the Orchestrator
// drives; narrowed to an interface so tests can substitute a fake.
type publisherClient interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, r cache.CompleteReading) error
	Stop()
}

// Orchestrator owns the Scanner, Cache and Publisher for the lifetime
// of the process.
type Orchestrator struct {
	scanner   scannerClient
	cache     *cache.Cache
	publisher publisherClient
	logger    *slog.Logger
	cron      *cron.Cron
}

// New builds an Orchestrator over an already-constructed Scanner,
// Cache and Publisher.
func New(s *scanner.Scanner, c *cache.Cache, p *mqttpub.Publisher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		scanner:   s,
		cache:     c,
		publisher: p,
		logger:    logger.With("component", "orchestrator"),
		cron:      cron.New(cron.WithSeconds()),
	}
}

// Run connects the Publisher, starts the Scanner, pumps Scanner events
// through the Cache, and publishes every resulting CompleteReading
// until ctx is cancelled, at which point it drains and shuts down
// cleanly. It returns the fatal error that ended the run, or nil on a
// clean shutdown via ctx cancellation.
//
// The initial connect is retried forever through internal/retry —
// a DNS hiccup or broker restart at boot must not be fatal, per
// spec.md's "max attempts unbounded for BLE and MQTT because both are
// essential" — stopping only on a rejected-credentials error or ctx
// cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := retry.Do(ctx, o.logger, "mqtt-connect", func() error {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		err := o.publisher.Connect(connectCtx)
		if err != nil && errors.Is(err, mqttpub.ErrAuthFailed) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, mqttpub.ErrAuthFailed) {
			return err
		}
		return fmt.Errorf("orchestrator: initial mqtt connect: %w", err)
	}
	o.logger.Info("publisher connected")

	if err := o.scanner.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start scanner: %w", err)
	}
	o.logger.Info("scanner started")

	if _, err := o.cron.AddFunc("@every 5s", o.runTick); err != nil {
		return fmt.Errorf("orchestrator: schedule tick: %w", err)
	}
	o.cron.Start()

	o.pumpEvents(ctx)

	o.logger.Info("shutting down")
	cronCtx := o.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(shutdownDrainTimeout):
	}

	o.scanner.Stop()
	o.drain(shutdownDrainTimeout)
	o.publisher.Stop()
	o.logger.Info("shutdown complete")
	return nil
}

// pumpEvents is the Scanner -> Cache -> Publisher loop; it returns
// once ctx is cancelled.
func (o *Orchestrator) pumpEvents(ctx context.Context) {
	events := o.scanner.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			reading := o.cache.Ingest(ev.MAC, ev.RSSI, ev.ServiceData, ev.ReceivedAt)
			if reading != nil {
				o.publishOne(ctx, *reading)
			}
		}
	}
}

// runTick fires on the cron schedule and publishes any devices due for
// a periodic heartbeat.
func (o *Orchestrator) runTick() {
	readings := o.cache.Tick(time.Now())
	for _, r := range readings {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		o.publishOne(ctx, r)
		cancel()
	}
}

func (o *Orchestrator) publishOne(ctx context.Context, r cache.CompleteReading) {
	if err := o.publisher.Publish(ctx, r); err != nil {
		o.logger.Warn("publish failed", "mac", r.MAC, "err", err)
	}
}

// drain gives any final periodic readings up to timeout to reach the
// Publisher before Stop disconnects it.
func (o *Orchestrator) drain(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, r := range o.cache.Tick(time.Now()) {
		o.publishOne(ctx, r)
	}
}
