package mqttpub

import (
	"encoding/json"
	"fmt"
	"strings"
)

// discoveryMsg is a single Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string
	Payload []byte // nil means an empty retained message (removal)
}

// haDevice is the "device" block shared by every sensor belonging to
// one physical thermometer.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haSensorDiscovery is the HA MQTT discovery schema for a `sensor` component.
type haSensorDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	ExpireAfter       int      `json:"expire_after"`
	AvailabilityTopic string   `json:"availability_topic"`
	Device            haDevice `json:"device"`
}

const discoveryExpireAfterSeconds = 15 * 60

// requiredSensor describes one of the always-present discovery entities.
type requiredSensor struct {
	objectID    string
	suffix      string
	deviceClass string
	unit        string
	valueTmpl   string
}

var requiredSensors = []requiredSensor{
	{"temperature", "Temperature", "temperature", "°C", "{{ value_json.temperature }}"},
	{"humidity", "Humidity", "humidity", "%", "{{ value_json.humidity }}"},
	{"battery", "Battery", "battery", "%", "{{ value_json.battery }}"},
}

// statAuxSensor describes one of the optional min/max/avg/count
// auxiliary sensors published only when statistics are enabled.
type statAuxSensor struct {
	objectID  string
	suffix    string
	unit      string
	valueTmpl string
}

func statAuxSensors() []statAuxSensor {
	var out []statAuxSensor
	for _, field := range []struct{ name, unit string }{{"temperature", "°C"}, {"humidity", "%"}} {
		for _, agg := range []string{"min", "max", "avg"} {
			out = append(out, statAuxSensor{
				objectID:  field.name + "_" + agg,
				suffix:    titleCase(field.name) + " " + titleCase(agg),
				unit:      field.unit,
				valueTmpl: fmt.Sprintf("{{ value_json.%s_%s }}", field.name, agg),
			})
		}
		out = append(out, statAuxSensor{
			objectID:  field.name + "_count",
			suffix:    titleCase(field.name) + " Count",
			unit:      "",
			valueTmpl: fmt.Sprintf("{{ value_json.%s_count }}", field.name),
		})
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// deviceID is the MAC uppercased with colons stripped, the stable
// identifier used throughout topic names and unique_ids.
func deviceID(mac string) string {
	return strings.ReplaceAll(strings.ToUpper(mac), ":", "")
}

func stateTopic(cfg Config, id string) string {
	return cfg.BaseTopic + "/" + id + "/state"
}

func availabilityTopic(cfg Config) string {
	return cfg.BaseTopic + "/bridge/state"
}

func discoveryTopic(cfg Config, id, objectID string) string {
	return fmt.Sprintf("%s/sensor/mijiableht_%s_%s/config", cfg.DiscoveryPrefix, id, objectID)
}

// buildDiscovery returns every discovery message for one device: the
// three required sensors, plus the statistics auxiliaries if enabled.
func buildDiscovery(cfg Config, mac, friendlyName, model string) []discoveryMsg {
	id := deviceID(mac)
	displayName := friendlyName
	if displayName == "" {
		displayName = mac
	}
	dev := haDevice{
		Identifiers:  []string{mac},
		Manufacturer: "Xiaomi",
		Model:        model,
		Name:         displayName,
	}

	var msgs []discoveryMsg
	for _, s := range requiredSensors {
		msgs = append(msgs, discoveryMsg{
			Topic: discoveryTopic(cfg, id, s.objectID),
			Payload: mustJSON(haSensorDiscovery{
				Name:              displayName + " " + s.suffix,
				UniqueID:          "mijiableht_" + id + "_" + s.objectID,
				StateTopic:        stateTopic(cfg, id),
				ValueTemplate:     s.valueTmpl,
				DeviceClass:       s.deviceClass,
				UnitOfMeasurement: s.unit,
				ExpireAfter:       discoveryExpireAfterSeconds,
				AvailabilityTopic: availabilityTopic(cfg),
				Device:            dev,
			}),
		})
	}

	if cfg.StatisticsEnabled {
		for _, s := range statAuxSensors() {
			msgs = append(msgs, discoveryMsg{
				Topic: discoveryTopic(cfg, id, s.objectID),
				Payload: mustJSON(haSensorDiscovery{
					Name:              displayName + " " + s.suffix,
					UniqueID:          "mijiableht_" + id + "_" + s.objectID,
					StateTopic:        stateTopic(cfg, id),
					ValueTemplate:     s.valueTmpl,
					UnitOfMeasurement: s.unit,
					ExpireAfter:       discoveryExpireAfterSeconds,
					AvailabilityTopic: availabilityTopic(cfg),
					Device:            dev,
				}),
			})
		}
	}
	return msgs
}

// buildRemoveDiscovery returns empty retained payloads clearing every
// discovery entity this device could have published.
func buildRemoveDiscovery(cfg Config, mac string) []discoveryMsg {
	id := deviceID(mac)
	objectIDs := []string{"temperature", "humidity", "battery"}
	for _, s := range statAuxSensors() {
		objectIDs = append(objectIDs, s.objectID)
	}

	var msgs []discoveryMsg
	for _, obj := range objectIDs {
		msgs = append(msgs, discoveryMsg{Topic: discoveryTopic(cfg, id, obj), Payload: nil})
	}
	return msgs
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
