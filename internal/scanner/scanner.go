// Package scanner owns the host Bluetooth adapter and runs a single,
// continuous passive scan for Xiaomi MiBeacon advertisements,
// publishing raw events to a bounded, drop-oldest channel.
package scanner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"tinygo.org/x/bluetooth"

	"github.com/jenicek001/mijiableht-daemon/internal/retry"
)

// channelCapacity is the minimum bound the spec requires (≥256); the
// oldest pending event is dropped once the channel fills, since
// sensors re-advertise every ~2s and losing one frame is cheap.
const channelCapacity = 256

// xiaomiServiceData is the 16-bit service-data UUID MiBeacon
// advertisements are carried under.
var xiaomiServiceData = bluetooth.New16BitUUID(0xFE95)

// State is one node of the scanner's lifecycle state machine.
type State int32

const (
	StateInitial State = iota
	StateScanning
	StateStopped
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateScanning:
		return "scanning"
	case StateStopped:
		return "stopped"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Fatal adapter errors. Start returns them when the adapter cannot be
// enabled; the Orchestrator ends the run with them and the daemon
// exits with the BLE-adapter exit code. ErrAdapterUnavailable met while
// reconnecting ends the scan loop in StateFailed; that failure is
// logged and is not reported to the Orchestrator.
var (
	ErrAdapterUnavailable = errors.New("scanner: bluetooth adapter does not exist")
	ErrPermissionDenied   = errors.New("scanner: permission denied enabling bluetooth adapter")
	ErrAdapterBusy        = errors.New("scanner: bluetooth adapter busy")
)

// Event is a single Xiaomi service-data advertisement observed during
// a scan, handed downstream to the Cache unparsed.
type Event struct {
	MAC         [6]byte
	RSSI        *int8
	ServiceData []byte
	ReceivedAt  time.Time
}

// Scanner owns the adapter exclusively and is safe to Start/Stop once
// per process; it is not safe to Start concurrently with itself.
type Scanner struct {
	adapterIndex int
	adapter      *bluetooth.Adapter
	logger       *slog.Logger

	events chan Event

	state   atomic.Int32
	dropped atomic.Uint64

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// New creates a Scanner bound to the given adapter index. tinygo's
// bluetooth package exposes only a single process-wide adapter on
// Linux (bluetooth.DefaultAdapter, backed by the first usable BlueZ
// HCI device); the index is stored on the Scanner but does not select
// an adapter, and it is not checked.
func New(adapterIndex int, logger *slog.Logger) *Scanner {
	return &Scanner{
		adapterIndex: adapterIndex,
		adapter:      bluetooth.DefaultAdapter,
		logger:       logger,
		events:       make(chan Event, channelCapacity),
	}
}

// Events returns the channel of observed Xiaomi advertisements.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// State reports the current lifecycle state.
func (s *Scanner) State() State {
	return State(s.state.Load())
}

// DroppedCount reports how many events were discarded because the
// channel was full (the ScannerBacklog counter).
func (s *Scanner) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Start acquires the adapter and begins scanning in the background.
// It is idempotent: calling Start on an already-scanning Scanner is a
// no-op. It returns promptly. Any failure to enable the adapter here is
// returned; scan failures after that are retried internally
// (Reconnecting).
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.enable(); err != nil {
		s.state.Store(int32(StateFailed))
		return err
	}

	go s.run(ctx)
	return nil
}

// Stop ends the scan and releases the adapter. Idempotent.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	started := s.started
	s.started = false
	stopCh := s.stopCh
	done := s.done
	s.mu.Unlock()

	if !started {
		return
	}
	close(stopCh)
	s.adapter.StopScan()
	<-done
	s.state.Store(int32(StateStopped))
}

func (s *Scanner) enable() error {
	if err := s.adapter.Enable(); err != nil {
		return classifyEnableError(err)
	}
	return nil
}

// classifyEnableError maps the handful of adapter failures the spec
// names onto sentinel errors; anything else is returned unchanged.
// Start returns every enable failure to its caller; in the reconnect
// loop only ErrAdapterUnavailable ends the loop, and every other
// failure is retried.
func classifyEnableError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such device") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrAdapterBusy, err)
	default:
		return err
	}
}

// run drives the Scanning ⇄ Reconnecting state machine described in
// the component design: transient scan failures back off exponentially
// (1s base, 30s cap, ±20% jitter) and retry forever; an adapter that
// genuinely does not exist is a hard failure.
func (s *Scanner) run(ctx context.Context) {
	defer close(s.done)

	b := retry.NewBackOff()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.state.Store(int32(StateScanning))
		err := s.scanOnce(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrAdapterUnavailable) {
			s.logger.Error("scanner fatal error", "err", err)
			s.state.Store(int32(StateFailed))
			return
		}

		s.state.Store(int32(StateReconnecting))
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			s.state.Store(int32(StateFailed))
			return
		}
		s.logger.Warn("scanner reconnecting after transient error", "err", err, "backoff", wait)

		select {
		case <-time.After(wait):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}

		if err := s.enable(); err != nil {
			if errors.Is(err, ErrAdapterUnavailable) {
				s.logger.Error("scanner fatal error", "err", err)
				s.state.Store(int32(StateFailed))
				return
			}
			s.logger.Warn("adapter re-enable failed, will retry", "err", err)
			continue
		}
		b.Reset()
	}
}

// scanOnce blocks for the duration of one scan session. A nil error
// means the scan ended because Stop was called or ctx was cancelled;
// any other error is a transient adapter failure to be retried.
func (s *Scanner) scanOnce(ctx context.Context) error {
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			s.adapter.StopScan()
		case <-s.stopCh:
			s.adapter.StopScan()
		case <-watcherDone:
		}
	}()

	err := s.adapter.Scan(s.handleResult)

	select {
	case <-watcherDone:
	default:
		close(watcherDone)
	}

	if ctx.Err() != nil {
		return nil
	}
	select {
	case <-s.stopCh:
		return nil
	default:
	}
	return err
}

func (s *Scanner) handleResult(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
	for _, sd := range result.ServiceData() {
		if sd.UUID != xiaomiServiceData {
			continue
		}
		mac, err := parseMAC(result.Address.String())
		if err != nil {
			continue
		}
		rssi := clipRSSI(result.RSSI)
		s.publish(Event{
			MAC:         mac,
			RSSI:        &rssi,
			ServiceData: append([]byte(nil), sd.Data...),
			ReceivedAt:  time.Now(),
		})
	}
}

// publish is the bounded, drop-oldest channel send the spec mandates:
// never block the scan loop, drop the oldest pending event instead.
func (s *Scanner) publish(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}

	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
	s.dropped.Add(1)
	s.logger.Warn("scanner backlog full, dropped oldest event")
}

func parseMAC(addr string) ([6]byte, error) {
	var mac [6]byte
	cleaned := strings.NewReplacer(":", "", "-", "").Replace(addr)
	raw, err := hex.DecodeString(cleaned)
	if err != nil || len(raw) != 6 {
		return mac, fmt.Errorf("scanner: malformed address %q", addr)
	}
	copy(mac[:], raw)
	return mac, nil
}

func clipRSSI(rssi int16) int8 {
	if rssi > 0 {
		return 0
	}
	if rssi < -128 {
		return -128
	}
	return int8(rssi)
}
