package mibeacon

import (
	"encoding/binary"
	"time"
)

// TLV type identifiers decoded from the MiBeacon payload.
const (
	tlvTemperature     uint16 = 0x1004
	tlvHumidity        uint16 = 0x1006
	tlvBattery         uint16 = 0x100A
	tlvTempHumidity    uint16 = 0x100D
	tlvVoltage         uint16 = 0x100B
)

const (
	frameControlEncryptedBit  uint16 = 0x0008
	frameControlCapabilityBit uint16 = 0x0020
	minFrameLen                      = 11
)

// Decode parses a raw MiBeacon service-data blob (the payload carried
// under advertisement service UUID 0xFE95) into zero or more partial
// readings plus a device-model hint.
//
// The advertisement's own MAC (as reported by the scanner) is passed
// in separately and cross-checked against the MAC embedded in the
// frame; a mismatch is a soft failure (ErrMACMismatch) and yields no
// readings. Truncated TLVs at the end of the buffer terminate parsing
// without error — whatever was decoded before the truncation is still
// returned.
func Decode(serviceData []byte, advertisedMAC [6]byte, receivedAt time.Time) ([]PartialReading, DeviceModel, byte, error) {
	if len(serviceData) < minFrameLen {
		return nil, UnknownModel, 0, ErrShortFrame
	}

	frameControl := binary.LittleEndian.Uint16(serviceData[0:2])
	if frameControl&frameControlEncryptedBit != 0 {
		return nil, UnknownModel, 0, ErrEncryptedFrame
	}

	productID := binary.LittleEndian.Uint16(serviceData[2:4])
	model := modelForProductID(productID)
	frameCounter := serviceData[4]

	var frameMAC [6]byte
	for i := 0; i < 6; i++ {
		// MAC is transmitted little-endian (least-significant octet first).
		frameMAC[i] = serviceData[10-i]
	}
	if frameMAC != advertisedMAC {
		return nil, model, frameCounter, ErrMACMismatch
	}

	tail := serviceData[11:]
	if frameControl&frameControlCapabilityBit != 0 && len(tail) > 0 {
		tail = tail[1:] // skip capability byte
	}
	readings := parseTLVs(tail, advertisedMAC, receivedAt)
	return readings, model, frameCounter, nil
}

func modelForProductID(id uint16) DeviceModel {
	switch id {
	case productIDLYWSD03MMC:
		return LYWSD03MMC
	case productIDLYWSDCGQ:
		return LYWSDCGQ
	default:
		return UnknownModel
	}
}

// parseTLVs walks type(u16 LE) || length(u8) || value[length] entries.
// Unknown types are skipped; duplicated types within one frame let the
// last occurrence win; a truncated trailing TLV stops the walk without
// discarding readings already collected. The caller (Decode) has
// already stripped any leading capability byte, so data here always
// starts at the first TLV's type field.
func parseTLVs(data []byte, mac [6]byte, receivedAt time.Time) []PartialReading {
	var temperature, humidity *float64
	var battery *int
	var voltage *int

	offset := 0
	for offset+3 <= len(data) {
		tlvType := binary.LittleEndian.Uint16(data[offset : offset+2])
		length := int(data[offset+2])
		valueStart := offset + 3
		valueEnd := valueStart + length
		if valueEnd > len(data) {
			// Truncated TLV: stop, keep what we already decoded.
			break
		}
		value := data[valueStart:valueEnd]

		switch tlvType {
		case tlvTemperature:
			if t, ok := decodeTemperature(value); ok {
				temperature = &t
			}
		case tlvHumidity:
			if h, ok := decodeHumidity(value); ok {
				humidity = &h
			}
		case tlvBattery:
			if b, ok := decodeBattery(value); ok {
				battery = &b
			}
		case tlvTempHumidity:
			if len(value) >= 4 {
				if t, ok := decodeTemperature(value[0:2]); ok {
					temperature = &t
				}
				if h, ok := decodeHumidity(value[2:4]); ok {
					humidity = &h
				}
			}
		case tlvVoltage:
			if len(value) >= 2 {
				mv := int(binary.LittleEndian.Uint16(value[0:2]))
				voltage = &mv
			}
		}
		// unknown TLV types: skip, not fatal.

		offset = valueEnd
	}

	var out []PartialReading
	if temperature != nil || humidity != nil || battery != nil || voltage != nil {
		out = append(out, PartialReading{
			MAC:          mac,
			ReceivedAt:   receivedAt,
			Temperature:  temperature,
			Humidity:     humidity,
			Battery:      battery,
			VoltageMilli: voltage,
		})
	}
	return out
}

func decodeTemperature(value []byte) (float64, bool) {
	if len(value) < 2 {
		return 0, false
	}
	raw := int16(binary.LittleEndian.Uint16(value[0:2]))
	c := float64(raw) / 10.0
	if !temperatureInRange(c) {
		return 0, false
	}
	return c, true
}

func decodeHumidity(value []byte) (float64, bool) {
	if len(value) < 2 {
		return 0, false
	}
	raw := binary.LittleEndian.Uint16(value[0:2])
	h := float64(raw) / 10.0
	if !humidityInRange(h) {
		return 0, false
	}
	return h, true
}

func decodeBattery(value []byte) (int, bool) {
	if len(value) < 1 {
		return 0, false
	}
	b := int(value[0])
	if !batteryInRange(b) {
		return 0, false
	}
	return b, true
}
