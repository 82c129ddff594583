package mqttpub

import (
	"math"
	"time"

	"github.com/jenicek001/mijiableht-daemon/internal/cache"
)

// lastSeenLayout renders a timezone-aware instant with millisecond
// precision and a numeric UTC offset, matching the daemon's published
// state payloads (e.g. "2025-10-02T10:03:03.816+02:00").
const lastSeenLayout = "2006-01-02T15:04:05.000Z07:00"

// buildStatePayload renders one CompleteReading as the retained state
// JSON object published to {base_topic}/{device_id}/state.
func buildStatePayload(cfg Config, loc *time.Location, r cache.CompleteReading) []byte {
	if loc == nil {
		loc = time.Local
	}

	m := map[string]interface{}{
		"temperature":  roundTo(r.Temperature, 1),
		"humidity":     roundTo(r.Humidity, 1),
		"battery":      int(r.Battery),
		"last_seen":    r.LastSeen.In(loc).Format(lastSeenLayout),
		"signal":       string(r.Signal),
		"message_type": string(r.MessageType),
	}
	if r.Voltage != nil {
		m["voltage"] = roundTo(*r.Voltage, 2)
	}
	if r.RSSI != nil {
		m["rssi"] = int(*r.RSSI)
	}
	if r.FriendlyName != "" {
		m["friendly_name"] = r.FriendlyName
	}

	if cfg.StatisticsEnabled {
		addStat(m, "temperature", r.TemperatureStats)
		addStat(m, "humidity", r.HumidityStats)
		addStat(m, "battery", r.BatteryStats)
		addStat(m, "rssi", r.RSSIStats)
	}

	return mustJSON(m)
}

func addStat(m map[string]interface{}, prefix string, s cache.StatSnapshot) {
	m[prefix+"_count"] = s.Count
	if s.Count == 0 {
		return
	}
	m[prefix+"_min"] = roundTo(s.Min, 2)
	m[prefix+"_max"] = roundTo(s.Max, 2)
	m[prefix+"_avg"] = roundTo(s.Avg, 2)
}

func roundTo(x float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(x*scale) / scale
}
