package mqttpub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jenicek001/mijiableht-daemon/internal/cache"
	"github.com/jenicek001/mijiableht-daemon/internal/mibeacon"
)

func TestDeviceID(t *testing.T) {
	if got := deviceID("4c:65:a8:dc:84:01"); got != "4C65A8DC8401" {
		t.Fatalf("deviceID = %q", got)
	}
}

func TestBuildDiscoveryRequiredSensors(t *testing.T) {
	cfg := DefaultConfig()
	msgs := buildDiscovery(cfg, "4C:65:A8:DC:84:01", "Living Room", "LYWSD03MMC")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 required-sensor discovery messages, got %d", len(msgs))
	}

	wantTopic := "homeassistant/sensor/mijiableht_4C65A8DC8401_temperature/config"
	if msgs[0].Topic != wantTopic {
		t.Fatalf("topic = %q, want %q", msgs[0].Topic, wantTopic)
	}

	var payload haSensorDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal discovery payload: %v", err)
	}
	if payload.DeviceClass != "temperature" || payload.UnitOfMeasurement != "°C" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Device.Identifiers[0] != "4C:65:A8:DC:84:01" {
		t.Fatalf("device identifiers = %v", payload.Device.Identifiers)
	}
}

func TestBuildDiscoveryWithStatistics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatisticsEnabled = true
	msgs := buildDiscovery(cfg, "4C:65:A8:DC:84:01", "", "LYWSD03MMC")
	// 3 required + (3 aggregates + 1 count) * 2 fields (temperature, humidity) = 3 + 8 = 11
	if len(msgs) != 11 {
		t.Fatalf("expected 11 discovery messages with statistics enabled, got %d", len(msgs))
	}
}

func TestBuildStatePayloadShape(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatisticsEnabled = true

	rssi := int8(-70)
	volt := 2.98
	seen := time.Date(2025, 10, 2, 10, 3, 3, 816000000, time.UTC)
	loc := time.FixedZone("CEST", 2*3600)

	r := cache.CompleteReading{
		MAC:          "4C:65:A8:DC:84:01",
		FriendlyName: "Living Room",
		DeviceModel:  mibeacon.LYWSD03MMC,
		Temperature:  23.5,
		Humidity:     45.2,
		Battery:      78,
		Voltage:      &volt,
		RSSI:         &rssi,
		Signal:       mibeacon.SignalFair,
		LastSeen:     seen,
		MessageType:  cache.ThresholdBased,
		TemperatureStats: cache.StatSnapshot{Count: 25, Min: 23.2, Max: 23.7, Avg: 23.45},
		HumidityStats:    cache.StatSnapshot{Count: 25, Min: 44.8, Max: 45.6, Avg: 45.15},
		BatteryStats:     cache.StatSnapshot{Count: 5, Min: 78, Max: 78, Avg: 78},
		RSSIStats:        cache.StatSnapshot{Count: 25, Min: -72, Max: -68, Avg: -70.1},
	}

	raw := buildStatePayload(cfg, loc, r)
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("state payload is not valid JSON: %v", err)
	}

	if m["temperature"] != 23.5 || m["humidity"] != 45.2 {
		t.Errorf("m = %+v", m)
	}
	if m["message_type"] != "threshold-based" {
		t.Errorf("message_type = %v", m["message_type"])
	}
	if m["friendly_name"] != "Living Room" {
		t.Errorf("friendly_name = %v", m["friendly_name"])
	}
	if m["voltage"] != 2.98 {
		t.Errorf("voltage = %v", m["voltage"])
	}
	if m["temperature_count"].(float64) != 25 {
		t.Errorf("temperature_count = %v", m["temperature_count"])
	}
	lastSeen, _ := m["last_seen"].(string)
	if lastSeen != "2025-10-02T12:03:03.816+02:00" {
		t.Errorf("last_seen = %q", lastSeen)
	}
}

func TestPublishWhileDisconnectedDropsAndCounts(t *testing.T) {
	p := New(DefaultConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := cache.CompleteReading{MAC: "4C:65:A8:DC:84:01", Temperature: 20, Humidity: 50, Battery: 80}
	if err := p.Publish(context.Background(), r); err != nil {
		t.Fatalf("Publish while disconnected should not error, got %v", err)
	}
	if p.DroppedCount() != 1 {
		t.Fatalf("DroppedCount = %d, want 1", p.DroppedCount())
	}
}

func TestBuildRemoveDiscoveryCoversAllObjects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatisticsEnabled = true
	msgs := buildRemoveDiscovery(cfg, "4C:65:A8:DC:84:01")
	if len(msgs) != 11 {
		t.Fatalf("expected 11 removal messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal payload must be nil (empty retained message), got %v", m.Payload)
		}
	}
}
