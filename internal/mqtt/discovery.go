//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"shelly-go-home/internal/probe"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/shelly_A8032AB12345/switch_0_power/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	Name         string      `json:"name"`
	SWVersion    string      `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// topicName sanitizes s for use as an MQTT topic level.
func topicName(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(id probe.Identity) string {
	return "shelly_" + probe.NormalizeMAC(id.MAC)
}

// component is one "<kind>:<n>" entry of a status snapshot.
type component struct {
	key  string // "switch:0"
	kind string // "switch"
	id   int
	data map[string]any
}

// objectID is the discovery object id for a field of the component.
func (c component) objectID(field string) string {
	return c.kind + "_" + strconv.Itoa(c.id) + "_" + field
}

func (c component) label(suffix string) string {
	return fmt.Sprintf("%s %d %s", strings.ToUpper(c.kind[:1])+c.kind[1:], c.id, suffix)
}

// value renders a Jinja accessor for a field of the component.
func (c component) value(path ...string) string {
	expr := "value_json['" + c.key + "']"
	for _, p := range path {
		expr += "." + p
	}
	return "{{ " + expr + " }}"
}

func (c component) has(field string) bool {
	_, ok := c.data[field]
	return ok
}

// components lists the numbered components of a status snapshot in key order.
func components(status map[string]any) []component {
	var out []component
	for key, v := range status {
		kind, idx, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		data, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, component{key: key, kind: kind, id: n, data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// buildDiscovery generates HA discovery messages for the components found in
// a status snapshot.
func buildDiscovery(id probe.Identity, name string, status map[string]any, base string) []discoveryMsg {
	if id.MAC == "" || status == nil {
		return nil
	}

	avail := base + "/availability"
	stateTopic := base + "/status"
	nodeID := deviceIdentifier(id)
	if name == "" {
		name = id.ID
	}

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Connections:  [][2]string{{"mac", id.MAC}},
		Manufacturer: "Shelly",
		Model:        id.Model,
		Name:         name,
		SWVersion:    id.Version,
	}
	e := entityBase{nodeID: nodeID, name: name, stateTopic: stateTopic, avail: avail, dev: haDev}

	var msgs []discoveryMsg
	for _, c := range components(status) {
		switch c.kind {
		case "switch":
			msgs = append(msgs, e.switchEntity(c, base+"/"+c.kind+"/"+strconv.Itoa(c.id)+"/set"))
			if c.has("apower") {
				msgs = append(msgs, e.sensor(c, "power", "Power", "power", "W", c.value("apower")))
			}
			if c.has("voltage") {
				msgs = append(msgs, e.sensor(c, "voltage", "Voltage", "voltage", "V", c.value("voltage")))
			}
			if c.has("aenergy") {
				msgs = append(msgs, e.sensor(c, "energy", "Energy", "energy", "Wh", c.value("aenergy", "total")))
			}
			if c.has("temperature") {
				msgs = append(msgs, e.sensor(c, "temperature", "Temperature", "temperature", "°C", c.value("temperature", "tC")))
			}
		case "input":
			if c.has("state") {
				msgs = append(msgs, e.binarySensor(c, "state", "State", "",
					"{{ 'ON' if value_json['"+c.key+"'].state else 'OFF' }}"))
			}
		case "temperature":
			msgs = append(msgs, e.sensor(c, "tc", "Temperature", "temperature", "°C", c.value("tC")))
		case "humidity":
			msgs = append(msgs, e.sensor(c, "rh", "Humidity", "humidity", "%", c.value("rh")))
		case "devicepower":
			msgs = append(msgs, e.sensor(c, "battery", "Battery", "battery", "%", c.value("battery", "percent")))
		}
	}

	if wifi, ok := status["wifi"].(map[string]any); ok {
		if _, ok := wifi["rssi"]; ok {
			msgs = append(msgs, e.message("sensor", "rssi", haDiscovery{
				Name:              name + " RSSI",
				ValueTemplate:     "{{ value_json.wifi.rssi }}",
				UnitOfMeasurement: "dBm",
				DeviceClass:       "signal_strength",
				StateClass:        "measurement",
			}))
		}
	}
	return msgs
}

// entityBase holds what every entity of one device shares.
type entityBase struct {
	nodeID     string
	name       string
	stateTopic string
	avail      string
	dev        haDevice
}

func (e entityBase) message(kind, objectID string, p haDiscovery) discoveryMsg {
	p.UniqueID = e.nodeID + "_" + objectID
	p.StateTopic = e.stateTopic
	p.AvailabilityTopic = e.avail
	p.Device = e.dev
	topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", kind, e.nodeID, objectID)
	return discoveryMsg{Topic: topic, Payload: mustJSON(p)}
}

func (e entityBase) sensor(c component, field, suffix, deviceClass, unit, valueTmpl string) discoveryMsg {
	stateClass := "measurement"
	if deviceClass == "energy" {
		stateClass = "total_increasing"
	}
	return e.message("sensor", c.objectID(field), haDiscovery{
		Name:              e.name + " " + c.label(suffix),
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
	})
}

func (e entityBase) binarySensor(c component, field, suffix, deviceClass, valueTmpl string) discoveryMsg {
	return e.message("binary_sensor", c.objectID(field), haDiscovery{
		Name:          e.name + " " + c.label(suffix),
		ValueTemplate: valueTmpl,
		DeviceClass:   deviceClass,
		PayloadOn:     "ON",
		PayloadOff:    "OFF",
	})
}

func (e entityBase) switchEntity(c component, cmdTopic string) discoveryMsg {
	return e.message("switch", c.kind+"_"+strconv.Itoa(c.id), haDiscovery{
		Name:          e.name + " " + c.label("Output"),
		CommandTopic:  cmdTopic,
		ValueTemplate: "{{ 'ON' if value_json['" + c.key + "'].output else 'OFF' }}",
		PayloadOn:     "ON",
		PayloadOff:    "OFF",
	})
}

// buildRemoveDiscovery generates empty retained messages that remove
// previously announced entities from HA.
func buildRemoveDiscovery(announced []discoveryMsg) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(announced))
	for _, m := range announced {
		msgs = append(msgs, discoveryMsg{Topic: m.Topic, Payload: nil})
	}
	return msgs
}
