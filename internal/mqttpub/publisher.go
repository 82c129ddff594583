package mqttpub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jenicek001/mijiableht-daemon/internal/cache"
)

// ErrAuthFailed is a fatal failure: the broker rejected the
// configured credentials. The Orchestrator surfaces this as the
// MQTT-auth exit code rather than retrying.
var ErrAuthFailed = errors.New("mqttpub: broker authentication rejected")

// Publisher owns the broker connection for the lifetime of the
// process. Discovery is published at most once per mac per run.
type Publisher struct {
	cfg      Config
	location *time.Location
	logger   *slog.Logger

	client pahomqtt.Client

	mu         sync.Mutex
	discovered map[string]bool

	connected atomic.Bool
	dropped   atomic.Uint64
}

// New builds a Publisher. Connect must be called before Publish.
func New(cfg Config, location *time.Location, logger *slog.Logger) *Publisher {
	if location == nil {
		location = time.Local
	}
	return &Publisher{
		cfg:        cfg,
		location:   location,
		logger:     logger.With("component", "mqttpub"),
		discovered: make(map[string]bool),
	}
}

// Connect dials the broker, waiting up to cfg.ConnectTimeout. A
// credential rejection is returned as ErrAuthFailed, which the caller
// should treat as fatal; any other error is transient and safe to
// retry (the Orchestrator wraps the initial call in internal/retry).
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.brokerURL()).
		SetClientID(p.cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(1 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetWill(availabilityTopic(p.cfg), "offline", p.cfg.QoS, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.connected.Store(true)
			p.logger.Info("mqtt connected", "broker", p.cfg.brokerURL())
			p.publishAvailability("online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.connected.Store(false)
			p.logger.Warn("mqtt connection lost", "err", err)
		})

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		return fmt.Errorf("mqttpub: connect timeout after %s", p.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		if isAuthError(err) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return fmt.Errorf("mqttpub: connect: %w", err)
	}
	p.connected.Store(true)
	return nil
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "bad user name or password") ||
		strings.Contains(msg, "unauthorized")
}

// IsConnected reports the current connection state.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// DroppedCount reports how many CompleteReadings were discarded
// because the broker connection was down at publish time.
func (p *Publisher) DroppedCount() uint64 {
	return p.dropped.Load()
}

// Publish sends the discovery configs (first time only) and the
// state payload for one CompleteReading. While disconnected, the
// reading is dropped and the counter incremented: there is no
// unbounded outbox, because the next emission — threshold or
// periodic — will carry forward the latest value under MQTT's
// retained-message semantics.
func (p *Publisher) Publish(ctx context.Context, r cache.CompleteReading) error {
	if !p.connected.Load() {
		p.dropped.Add(1)
		return nil
	}

	p.mu.Lock()
	firstForDevice := !p.discovered[r.MAC]
	if firstForDevice {
		p.discovered[r.MAC] = true
	}
	p.mu.Unlock()

	if firstForDevice {
		for _, msg := range buildDiscovery(p.cfg, r.MAC, r.FriendlyName, r.DeviceModel.String()) {
			if err := p.publishRaw(msg.Topic, msg.Payload); err != nil {
				p.logger.Warn("discovery publish failed", "mac", r.MAC, "err", err)
			}
		}
		p.logger.Info("published ha discovery", "mac", r.MAC, "model", r.DeviceModel.String())
	}

	id := deviceID(r.MAC)
	payload := buildStatePayload(p.cfg, p.location, r)
	if err := p.publishRaw(stateTopic(p.cfg, id), payload); err != nil {
		return fmt.Errorf("mqttpub: publish state for %s: %w", r.MAC, err)
	}
	return nil
}

func (p *Publisher) publishAvailability(state string) {
	if err := p.publishRaw(availabilityTopic(p.cfg), []byte(state)); err != nil {
		p.logger.Warn("availability publish failed", "err", err)
	}
}

// publishRaw publishes with the configured QoS/retain, waiting up to
// PublishTimeout; a nil payload publishes an empty retained message
// (the MQTT convention for removing a discovery entity). A timeout is
// retried once before giving up, per the daemon's PublishTimeout
// failure mode.
func (p *Publisher) publishRaw(topic string, payload []byte) error {
	err := p.publishOnce(topic, payload)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish timed out, retrying once", "topic", topic, "err", err)
	return p.publishOnce(topic, payload)
}

func (p *Publisher) publishOnce(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	return token.Error()
}

// Stop optionally clears discovery entities, publishes the offline
// availability state, and disconnects cleanly.
func (p *Publisher) Stop() {
	if p.client == nil {
		return
	}

	if p.cfg.DiscoveryCleanupOnShutdown {
		p.mu.Lock()
		macs := make([]string, 0, len(p.discovered))
		for mac := range p.discovered {
			macs = append(macs, mac)
		}
		p.mu.Unlock()

		for _, mac := range macs {
			for _, msg := range buildRemoveDiscovery(p.cfg, mac) {
				_ = p.publishRaw(msg.Topic, msg.Payload)
			}
		}
	}

	p.publishAvailability("offline")
	p.client.Disconnect(250)
	p.connected.Store(false)
}
