package cache

import (
	"math"
	"sync"
	"time"

	"github.com/jenicek001/mijiableht-daemon/internal/mibeacon"
)

// Config carries the Cache's policy knobs, sourced from the daemon's
// configuration file/environment.
type Config struct {
	TemperatureThreshold float64           // °C; default 0.2
	HumidityThreshold    float64           // %RH; default 1.0
	PublishInterval      time.Duration     // default 300s
	FriendlyNames        map[string]string // mac (upper, colon-separated) -> name
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TemperatureThreshold: 0.2,
		HumidityThreshold:    1.0,
		PublishInterval:      300 * time.Second,
	}
}

// Cache is the single stateful hub of the daemon. It is safe for
// concurrent use, but callers should feed it from one logical writer
// per mac to preserve the per-device ordering guarantee.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	devices map[string]*DeviceRecord
	dedup   *mibeacon.DedupWindow
}

// New builds an empty Cache from the given policy configuration.
func New(cfg Config) *Cache {
	if cfg.FriendlyNames == nil {
		cfg.FriendlyNames = map[string]string{}
	}
	return &Cache{
		cfg:     cfg,
		devices: make(map[string]*DeviceRecord),
		dedup:   mibeacon.NewDedupWindow(),
	}
}

// Ingest decodes a raw advertisement, folds any partial readings into
// the device's record, and returns a CompleteReading if this event
// triggers a publish. A nil result is the common case: the data was
// absorbed into the cache without crossing a publish threshold.
//
// Ingest never panics and never returns an error: malformed or
// encrypted frames degrade to a no-op update of rssi/last_seen, per
// the codec's own soft-failure contract.
func (c *Cache) Ingest(mac [6]byte, rssi *int8, serviceData []byte, receivedAt time.Time) *CompleteReading {
	readings, model, counter, err := mibeacon.Decode(serviceData, mac, receivedAt)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil && len(readings) > 0 && c.dedup.IsDuplicate(mac, counter, receivedAt) {
		return nil
	}

	dr := c.deviceLocked(mac, receivedAt)
	if model != mibeacon.UnknownModel {
		dr.DeviceModel = model
	}

	if len(readings) == 0 {
		c.observeRSSILocked(dr, rssi)
		dr.latest.LastSeen = receivedAt
		return nil
	}

	for _, r := range readings {
		if r.Temperature != nil {
			t := *r.Temperature
			dr.latest.Temperature = &t
			dr.temperatureStats.Observe(t)
		}
		if r.Humidity != nil {
			h := *r.Humidity
			dr.latest.Humidity = &h
			dr.humidityStats.Observe(h)
		}
		if r.Battery != nil {
			b := float64(*r.Battery)
			dr.latest.Battery = &b
			dr.batteryStats.Observe(b)
		}
		if r.VoltageMilli != nil {
			v := float64(*r.VoltageMilli)
			dr.latest.VoltageMilli = &v
		}
	}
	dr.latest.LastSeen = receivedAt
	c.observeRSSILocked(dr, rssi)

	return c.maybeEmitLocked(dr, receivedAt)
}

// Tick surfaces periodic heartbeat publishes for every device whose
// publish interval has elapsed without a fresh threshold breach. It
// is the Orchestrator's catch-up path for sensors that keep
// re-advertising RSSI-only or unchanged readings.
func (c *Cache) Tick(now time.Time) []CompleteReading {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []CompleteReading
	for _, dr := range c.devices {
		if !dr.latest.complete() || !dr.hasPublishedOnce {
			continue
		}
		if now.Sub(dr.lastPublishAt) >= c.cfg.PublishInterval {
			out = append(out, *c.markPublishedLocked(dr, Periodic, now))
		}
	}
	return out
}

// Snapshot returns a diagnostic, read-only copy of every known device record.
func (c *Cache) Snapshot() []DeviceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DeviceRecord, 0, len(c.devices))
	for _, dr := range c.devices {
		out = append(out, *dr)
	}
	return out
}

func (c *Cache) deviceLocked(mac [6]byte, receivedAt time.Time) *DeviceRecord {
	key := MACString(mac)
	dr, ok := c.devices[key]
	if !ok {
		dr = &DeviceRecord{
			MAC:          key,
			FriendlyName: c.cfg.FriendlyNames[key],
			FirstSeen:    receivedAt,
		}
		c.devices[key] = dr
	}
	return dr
}

func (c *Cache) observeRSSILocked(dr *DeviceRecord, rssi *int8) {
	if rssi == nil {
		return
	}
	f := float64(*rssi)
	dr.latest.RSSI = &f
	dr.rssiStats.Observe(f)
}

// maybeEmitLocked applies the emit decision: first emission and
// threshold breaches are threshold-based; threshold-based wins over
// a simultaneously-due periodic heartbeat.
func (c *Cache) maybeEmitLocked(dr *DeviceRecord, now time.Time) *CompleteReading {
	if !dr.latest.complete() {
		return nil
	}

	// Readings are decoded from tenths, so a delta exactly equal to the
	// threshold can come out a hair below it in float64 (23.0-22.8);
	// the epsilon keeps such a delta counting as a breach.
	const thresholdEpsilon = 1e-9

	thresholdBreach := !dr.hasPublishedOnce
	if !thresholdBreach {
		dt := math.Abs(*dr.latest.Temperature - *dr.lastPublishedTemperature)
		dh := math.Abs(*dr.latest.Humidity - *dr.lastPublishedHumidity)
		if dt+thresholdEpsilon >= c.cfg.TemperatureThreshold || dh+thresholdEpsilon >= c.cfg.HumidityThreshold {
			thresholdBreach = true
		}
	}

	switch {
	case thresholdBreach:
		return c.markPublishedLocked(dr, ThresholdBased, now)
	case dr.hasPublishedOnce && now.Sub(dr.lastPublishAt) >= c.cfg.PublishInterval:
		return c.markPublishedLocked(dr, Periodic, now)
	default:
		return nil
	}
}

// markPublishedLocked snapshots the current reading and statistics,
// then atomically resets last-published values and statistics — the
// interval they describe always runs from this point forward.
func (c *Cache) markPublishedLocked(dr *DeviceRecord, mt MessageType, now time.Time) *CompleteReading {
	reading := CompleteReading{
		MAC:              dr.MAC,
		FriendlyName:     dr.FriendlyName,
		DeviceModel:      dr.DeviceModel,
		Temperature:      *dr.latest.Temperature,
		Humidity:         *dr.latest.Humidity,
		Battery:          *dr.latest.Battery,
		LastSeen:         dr.latest.LastSeen,
		MessageType:      mt,
		TemperatureStats: snapshotStat(dr.temperatureStats),
		HumidityStats:    snapshotStat(dr.humidityStats),
		BatteryStats:     snapshotStat(dr.batteryStats),
		RSSIStats:        snapshotStat(dr.rssiStats),
	}
	if dr.latest.VoltageMilli != nil {
		v := *dr.latest.VoltageMilli / 1000.0
		reading.Voltage = &v
	}
	if dr.latest.RSSI != nil {
		i := int8(*dr.latest.RSSI)
		reading.RSSI = &i
		reading.Signal = mibeacon.ClassifyRSSI(&i)
	} else {
		reading.Signal = mibeacon.ClassifyRSSI(nil)
	}

	t, h := *dr.latest.Temperature, *dr.latest.Humidity
	dr.lastPublishedTemperature = &t
	dr.lastPublishedHumidity = &h
	dr.lastPublishAt = now
	dr.hasPublishedOnce = true
	dr.temperatureStats.Reset()
	dr.humidityStats.Reset()
	dr.batteryStats.Reset()
	dr.rssiStats.Reset()

	return &reading
}
