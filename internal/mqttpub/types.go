// Package mqttpub owns the MQTT broker connection: it publishes
// Home Assistant discovery configs once per device and a retained
// state JSON payload for every CompleteReading the Cache emits.
package mqttpub

import (
	"strconv"
	"time"
)

// Config carries the Publisher's connection and topic-layout policy.
type Config struct {
	BrokerHost string
	BrokerPort int
	Username   string
	Password   string
	ClientID   string

	BaseTopic       string // default "mijiableht"
	DiscoveryPrefix string // default "homeassistant"

	QoS    byte // default 1
	Retain bool // default true

	PublishInterval time.Duration // periodic heartbeat P, informational only here
	ConnectTimeout  time.Duration // default 15s
	PublishTimeout  time.Duration // default 5s

	StatisticsEnabled          bool
	DiscoveryCleanupOnShutdown bool // default false, per design note (c)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ClientID:        "mijiableht-daemon",
		BaseTopic:       "mijiableht",
		DiscoveryPrefix: "homeassistant",
		QoS:             1,
		Retain:          true,
		PublishInterval: 300 * time.Second,
		ConnectTimeout:  15 * time.Second,
		PublishTimeout:  5 * time.Second,
	}
}

func (c Config) brokerURL() string {
	port := c.BrokerPort
	if port == 0 {
		port = 1883
	}
	return "tcp://" + c.BrokerHost + ":" + strconv.Itoa(port)
}
