package mqtt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaunagostinho/somfy-rts/internal/dongle"
)

const (
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultNodeID          = "somfy-rts"
	component              = "cover"

	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// BrokerSpec is the "id:host:port" form accepted on the command line.
type BrokerSpec struct {
	ClientID string
	Host     string
	Port     uint16
}

// ParseBrokerSpec parses "id:host:port".
func ParseBrokerSpec(s string) (BrokerSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 1 || parts[0] == "" {
		return BrokerSpec{}, errors.New("missing 'id' in MQTT option string")
	}
	if len(parts) < 2 || parts[1] == "" {
		return BrokerSpec{}, errors.New("missing 'host' in MQTT option string")
	}
	if len(parts) < 3 {
		return BrokerSpec{}, errors.New("missing 'port' in MQTT option string")
	}
	port, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return BrokerSpec{}, fmt.Errorf("bad 'port' value in MQTT option string: %w", err)
	}
	return BrokerSpec{ClientID: parts[0], Host: parts[1], Port: uint16(port)}, nil
}

// URL is the broker address in the form paho expects.
func (b BrokerSpec) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}

// Topics builds the topic names for one node.
type Topics struct {
	DiscoveryPrefix string
	NodeID          string
}

func (t Topics) node() string {
	if t.NodeID == "" {
		return DefaultNodeID
	}
	return t.NodeID
}

// Availability is where online/offline is published, retained.
func (t Topics) Availability() string {
	return t.node() + "/dongle/state"
}

// Command is the topic Home Assistant publishes orders for blind id to.
func (t Topics) Command(id uint8) string {
	return fmt.Sprintf("%s/%s/%d/set", t.node(), component, id)
}

// CommandFilter matches every Command topic.
func (t Topics) CommandFilter() string {
	return fmt.Sprintf("%s/%s/+/set", t.node(), component)
}

// Config is the retained discovery topic for one blind.
func (t Topics) Config(dongleID, address string) string {
	prefix := t.DiscoveryPrefix
	if prefix == "" {
		prefix = DefaultDiscoveryPrefix
	}
	return fmt.Sprintf("%s/%s/%s/%s/config", prefix, component, dongleID, address)
}

// Availability entry of a discovery payload.
type Availability struct {
	Topic string `json:"topic"`
}

// Device groups entities in Home Assistant.
type Device struct {
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Name         string   `json:"name"`
	Identifiers  []string `json:"identifiers"`
}

// CoverConfig is the Home Assistant MQTT discovery payload for a shutter.
type CoverConfig struct {
	Availability []Availability `json:"availability"`
	DeviceClass  string         `json:"device_class"`
	Device       Device         `json:"device"`
	Name         string         `json:"name"`
	Retain       bool           `json:"retain"`
	PayloadClose string         `json:"payload_close"`
	PayloadOpen  string         `json:"payload_open"`
	PayloadStop  string         `json:"payload_stop"`
	CommandTopic string         `json:"command_topic"`
}

// CoverConfigFor describes blind id with radio address addr on the dongle
// with serial dongleID.
func (t Topics) CoverConfigFor(id uint8, dongleID, addr string) CoverConfig {
	return CoverConfig{
		Availability: []Availability{{Topic: t.Availability()}},
		DeviceClass:  "shutter",
		Device: Device{
			Manufacturer: "Somfy",
			Model:        "Shutter",
			Name:         "Somfy RTS Shutter",
			Identifiers:  []string{dongleID + "_" + addr},
		},
		Name:         fmt.Sprintf("Somfy Shutter n°%d (%s)", id, addr),
		Retain:       true,
		PayloadClose: "DOWN",
		PayloadOpen:  "UP",
		PayloadStop:  "STOP",
		CommandTopic: t.Command(id),
	}
}

var (
	ErrBadTopic   = errors.New("bad topic")
	ErrBadBlindID = errors.New("bad blind id")
	ErrBadOrder   = errors.New("unknown order")
)

// ParseOrder reads the blind id from the third topic segment and the order
// from the payload. Only the three cover orders are accepted.
func ParseOrder(topic string, payload []byte) (uint8, dongle.RtsAction, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	id, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadBlindID, topic)
	}
	switch string(payload) {
	case "UP":
		return uint8(id), dongle.Up, nil
	case "DOWN":
		return uint8(id), dongle.Down, nil
	case "STOP":
		return uint8(id), dongle.Stop, nil
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrBadOrder, payload)
}
