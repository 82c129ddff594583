// Package mibeacon decodes Xiaomi MiBeacon BLE service-data payloads
// (service UUID 0xFE95) into partial sensor readings, and classifies
// RSSI values into human-readable signal labels. It performs no I/O.
package mibeacon

import (
	"errors"
	"time"
)

// DeviceModel identifies the sensor hardware variant inferred from the
// MiBeacon frame's product ID.
type DeviceModel int

const (
	UnknownModel DeviceModel = iota
	LYWSD03MMC
	LYWSDCGQ
)

func (m DeviceModel) String() string {
	switch m {
	case LYWSD03MMC:
		return "LYWSD03MMC"
	case LYWSDCGQ:
		return "LYWSDCGQ/01ZM"
	default:
		return "unknown_model"
	}
}

// Product IDs embedded in the MiBeacon frame header (bytes 2-3, LE),
// right after the 2-byte frame control field.
const (
	productIDLYWSDCGQ   uint16 = 0x045B
	productIDLYWSD03MMC uint16 = 0x055B
)

// Errors returned by Decode. All three are soft failures: the caller
// should log at DEBUG and treat the event as yielding zero readings,
// never propagate them as ingest-path errors.
var (
	ErrEncryptedFrame = errors.New("mibeacon: encrypted frame")
	ErrShortFrame     = errors.New("mibeacon: frame shorter than 11 bytes")
	ErrMACMismatch    = errors.New("mibeacon: advertisement mac does not match embedded mac")
)

// PartialReading is the sensor data decoded from one MiBeacon frame,
// with every TLV of that frame merged into it. At least one optional
// field is always populated by Decode.
type PartialReading struct {
	MAC          [6]byte
	ReceivedAt   time.Time
	Temperature  *float64 // °C, tenths resolution, -40..85
	Humidity     *float64 // %RH, tenths resolution, 0..100
	Battery      *int     // %, 0..100
	VoltageMilli *int     // mV
}

// HasAny reports whether at least one field is populated, the
// invariant Decode and the cache both rely on.
func (p PartialReading) HasAny() bool {
	return p.Temperature != nil || p.Humidity != nil || p.Battery != nil || p.VoltageMilli != nil
}

const (
	minTemperatureC = -40.0
	maxTemperatureC = 85.0
	minHumidityPct  = 0.0
	maxHumidityPct  = 100.0
	minBatteryPct   = 0
	maxBatteryPct   = 100
)

func temperatureInRange(c float64) bool {
	return c >= minTemperatureC && c <= maxTemperatureC
}

func humidityInRange(h float64) bool {
	return h >= minHumidityPct && h <= maxHumidityPct
}

func batteryInRange(b int) bool {
	return b >= minBatteryPct && b <= maxBatteryPct
}
