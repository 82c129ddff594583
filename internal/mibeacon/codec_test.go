package mibeacon

import (
	"encoding/binary"
	"testing"
	"time"
)

var testMAC = [6]byte{0x4C, 0x65, 0xA8, 0xDC, 0x84, 0x01}

// buildFrame constructs a MiBeacon service-data blob: frame control,
// product id, frame counter, mac (LE), capability byte, then TLVs.
func buildFrame(t *testing.T, productID uint16, counter byte, mac [6]byte, encrypted bool, tlvs ...[]byte) []byte {
	t.Helper()
	buf := make([]byte, 0, 32)

	fc := frameControlCapabilityBit
	if encrypted {
		fc |= frameControlEncryptedBit
	}
	fcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(fcBytes, fc)
	buf = append(buf, fcBytes...)

	pidBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(pidBytes, productID)
	buf = append(buf, pidBytes...)

	buf = append(buf, counter)

	for i := 5; i >= 0; i-- {
		buf = append(buf, mac[i])
	}

	buf = append(buf, 0x00) // capability byte

	for _, tlv := range tlvs {
		buf = append(buf, tlv...)
	}
	return buf
}

func tlvTemp(c float64) []byte {
	raw := int16(c * 10)
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, uint16(raw))
	return append([]byte{0x04, 0x10, 0x02}, v...)
}

func tlvHum(h float64) []byte {
	raw := uint16(h * 10)
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, raw)
	return append([]byte{0x06, 0x10, 0x02}, v...)
}

func tlvBatt(b int) []byte {
	return []byte{0x0A, 0x10, 0x01, byte(b)}
}

func tlvVolt(mv int) []byte {
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, uint16(mv))
	return append([]byte{0x0B, 0x10, 0x02}, v...)
}

func tlvCombo(c, h float64) []byte {
	tRaw := int16(c * 10)
	hRaw := uint16(h * 10)
	v := make([]byte, 4)
	binary.LittleEndian.PutUint16(v[0:2], uint16(tRaw))
	binary.LittleEndian.PutUint16(v[2:4], hRaw)
	return append([]byte{0x0D, 0x10, 0x04}, v...)
}

func TestDecodeTemperatureHumidityBattery(t *testing.T) {
	now := time.Now()
	frame := buildFrame(t, 0x055B, 1, testMAC, false, tlvTemp(23.5), tlvHum(45.2), tlvBatt(78))

	readings, model, counter, err := Decode(frame, testMAC, now)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if model != LYWSD03MMC {
		t.Errorf("model = %v, want LYWSD03MMC", model)
	}
	if counter != 1 {
		t.Errorf("counter = %d, want 1", counter)
	}
	if len(readings) != 1 {
		t.Fatalf("readings = %d, want 1", len(readings))
	}
	r := readings[0]
	if r.Temperature == nil || *r.Temperature != 23.5 {
		t.Errorf("temperature = %v, want 23.5", r.Temperature)
	}
	if r.Humidity == nil || *r.Humidity != 45.2 {
		t.Errorf("humidity = %v, want 45.2", r.Humidity)
	}
	if r.Battery == nil || *r.Battery != 78 {
		t.Errorf("battery = %v, want 78", r.Battery)
	}
}

func TestDecodeCombinedTempHumidityTLV(t *testing.T) {
	frame := buildFrame(t, 0x045B, 2, testMAC, false, tlvCombo(21.3, 55.6))

	readings, model, _, err := Decode(frame, testMAC, time.Now())
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if model != LYWSDCGQ {
		t.Errorf("model = %v, want LYWSDCGQ", model)
	}
	if len(readings) != 1 {
		t.Fatalf("readings = %d, want 1", len(readings))
	}
	r := readings[0]
	if r.Temperature == nil || *r.Temperature != 21.3 {
		t.Errorf("temperature = %v, want 21.3", r.Temperature)
	}
	if r.Humidity == nil || *r.Humidity != 55.6 {
		t.Errorf("humidity = %v, want 55.6", r.Humidity)
	}
}

func TestDecodeVoltage(t *testing.T) {
	frame := buildFrame(t, 0x055B, 3, testMAC, false, tlvVolt(2980))
	readings, _, _, err := Decode(frame, testMAC, time.Now())
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(readings) != 1 || readings[0].VoltageMilli == nil || *readings[0].VoltageMilli != 2980 {
		t.Fatalf("voltage reading = %+v", readings)
	}
}

func TestDecodeEncryptedFrameYieldsNoReadings(t *testing.T) {
	frame := buildFrame(t, 0x055B, 1, testMAC, true, tlvTemp(23.5))
	readings, _, _, err := Decode(frame, testMAC, time.Now())
	if err != ErrEncryptedFrame {
		t.Fatalf("err = %v, want ErrEncryptedFrame", err)
	}
	if len(readings) != 0 {
		t.Errorf("readings = %d, want 0", len(readings))
	}
}

func TestDecodeShortFrame(t *testing.T) {
	_, _, _, err := Decode([]byte{0x00, 0x00, 0x5B, 0x05}, testMAC, time.Now())
	if err != ErrShortFrame {
		t.Fatalf("err = %v, want ErrShortFrame", err)
	}
}

func TestDecodeMACMismatch(t *testing.T) {
	frame := buildFrame(t, 0x055B, 1, testMAC, false, tlvTemp(23.5))
	otherMAC := [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	_, _, _, err := Decode(frame, otherMAC, time.Now())
	if err != ErrMACMismatch {
		t.Fatalf("err = %v, want ErrMACMismatch", err)
	}
}

func TestDecodeUnknownProductIDSoftFailure(t *testing.T) {
	frame := buildFrame(t, 0x1234, 1, testMAC, false, tlvTemp(20.0))
	readings, model, _, err := Decode(frame, testMAC, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != UnknownModel {
		t.Errorf("model = %v, want UnknownModel", model)
	}
	if len(readings) != 1 {
		t.Fatalf("readings = %d, want 1 (still parsed TLVs)", len(readings))
	}
}

func TestDecodeTruncatedTLVKeepsPriorReadings(t *testing.T) {
	frame := buildFrame(t, 0x055B, 1, testMAC, false, tlvTemp(23.5))
	// Append a truncated trailing TLV: type+length claims 4 bytes, only 1 present.
	frame = append(frame, 0x0A, 0x10, 0x04, 0x01)

	readings, _, _, err := Decode(frame, testMAC, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(readings) != 1 || readings[0].Temperature == nil || *readings[0].Temperature != 23.5 {
		t.Fatalf("readings = %+v, want the temperature decoded before truncation", readings)
	}
}

func TestDecodeDuplicateTLVLastWins(t *testing.T) {
	frame := buildFrame(t, 0x055B, 1, testMAC, false, tlvTemp(20.0), tlvTemp(25.0))
	readings, _, _, err := Decode(frame, testMAC, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(readings) != 1 || *readings[0].Temperature != 25.0 {
		t.Fatalf("readings = %+v, want last TLV (25.0) to win", readings)
	}
}

func TestDecodeUnknownTLVSkipped(t *testing.T) {
	unknown := []byte{0x99, 0x20, 0x02, 0x01, 0x02}
	frame := buildFrame(t, 0x055B, 1, testMAC, false, unknown, tlvBatt(50))
	readings, _, _, err := Decode(frame, testMAC, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(readings) != 1 || readings[0].Battery == nil || *readings[0].Battery != 50 {
		t.Fatalf("readings = %+v, want battery=50 despite unknown TLV", readings)
	}
}

func TestTemperatureBoundaries(t *testing.T) {
	cases := []struct {
		c    float64
		want bool
	}{
		{-40.0, true},
		{85.0, true},
		{-40.1, false},
		{85.1, false},
	}
	for _, tc := range cases {
		frame := buildFrame(t, 0x055B, 1, testMAC, false, tlvTemp(tc.c))
		readings, _, _, err := Decode(frame, testMAC, time.Now())
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", tc.c, err)
		}
		got := len(readings) == 1 && readings[0].Temperature != nil
		if got != tc.want {
			t.Errorf("temperature %.1f accepted = %v, want %v", tc.c, got, tc.want)
		}
	}
}

func TestDecodeNoPanicOnArbitraryBytes(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0x00},
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	}
	for _, in := range inputs {
		_, _, _, _ = Decode(in, testMAC, time.Now())
	}
}
