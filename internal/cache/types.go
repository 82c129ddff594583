// Package cache holds the single stateful hub of the daemon: one
// DeviceRecord per sensor MAC, merged from partial MiBeacon readings,
// with per-field statistics and the threshold/periodic publish policy
// that decides when a CompleteReading is emitted.
package cache

import (
	"fmt"
	"time"

	"github.com/jenicek001/mijiableht-daemon/internal/mibeacon"
)

// MessageType labels why a CompleteReading was emitted.
type MessageType string

const (
	ThresholdBased MessageType = "threshold-based"
	Periodic       MessageType = "periodic"
)

// ValueStatistics accumulates count/min/max/sum for one numeric field
// since the last publish. It resets to zero atomically with the
// publish that reads it.
type ValueStatistics struct {
	Count uint32
	Min   float64
	Max   float64
	Sum   float64
}

// Observe folds a new sample into the running statistics.
func (s *ValueStatistics) Observe(x float64) {
	if s.Count == 0 {
		s.Min, s.Max = x, x
	} else {
		if x < s.Min {
			s.Min = x
		}
		if x > s.Max {
			s.Max = x
		}
	}
	s.Sum += x
	s.Count++
}

// Avg reports sum/count, or ok=false if no samples were observed.
func (s ValueStatistics) Avg() (avg float64, ok bool) {
	if s.Count == 0 {
		return 0, false
	}
	return s.Sum / float64(s.Count), true
}

// Reset zeroes the accumulator; called as part of mark_published.
func (s *ValueStatistics) Reset() {
	*s = ValueStatistics{}
}

// latestValues is the freshest known reading for a device, updated
// field-by-field as partials arrive. Fields are nil until first seen.
type latestValues struct {
	Temperature  *float64
	Humidity     *float64
	Battery      *float64
	VoltageMilli *float64
	RSSI         *float64
	LastSeen     time.Time
}

// complete reports whether temperature, humidity and battery are all present.
func (l latestValues) complete() bool {
	return l.Temperature != nil && l.Humidity != nil && l.Battery != nil
}

// DeviceRecord is the cache's per-mac state. The Cache is its only
// writer; callers of Snapshot receive a copy.
type DeviceRecord struct {
	MAC          string // colon-separated, uppercase, e.g. "4C:65:A8:DC:84:01"
	FriendlyName string // empty if not configured
	DeviceModel  mibeacon.DeviceModel
	FirstSeen    time.Time

	latest latestValues

	lastPublishedTemperature *float64
	lastPublishedHumidity    *float64
	lastPublishAt            time.Time
	hasPublishedOnce         bool

	temperatureStats ValueStatistics
	humidityStats    ValueStatistics
	batteryStats     ValueStatistics
	rssiStats        ValueStatistics
}

// StatSnapshot is a read-only copy of a ValueStatistics at publish time.
type StatSnapshot struct {
	Count uint32
	Min   float64
	Max   float64
	Avg   float64
}

func snapshotStat(s ValueStatistics) StatSnapshot {
	avg, _ := s.Avg()
	return StatSnapshot{Count: s.Count, Min: s.Min, Max: s.Max, Avg: avg}
}

// CompleteReading is the unit of work handed to the publisher: a
// fully-populated sensor reading plus the statistics accumulated
// since the previous publish for the same device.
type CompleteReading struct {
	MAC          string
	FriendlyName string
	DeviceModel  mibeacon.DeviceModel

	Temperature float64
	Humidity    float64
	Battery     float64
	Voltage     *float64 // volts
	RSSI        *int8
	Signal      mibeacon.SignalLabel

	LastSeen    time.Time
	MessageType MessageType

	TemperatureStats StatSnapshot
	HumidityStats    StatSnapshot
	BatteryStats     StatSnapshot
	RSSIStats        StatSnapshot
}

// MACString formats a raw 6-byte MAC as "AA:BB:CC:DD:EE:FF".
func MACString(mac [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
