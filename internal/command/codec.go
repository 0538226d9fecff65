// Package command translates between application intents and the wire
// formats the device fleet understands. The fleet is heterogeneous: older
// firmware expects text tokens ("RELAY1_ON") on the shared control topic,
// newer firmware expects JSON on per-device topics.
//
// Every relay index inside the application is 0-based. The legacy token is
// the only 1-based representation, and the conversion lives here and nowhere
// else.
package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Fixed topics shared by the whole fleet.
const (
	ControlTopic        = "smarthome/control"
	NewDeviceTopic      = "smarthome/newdevice"
	DiscoveryTopic      = "smarthome/discovery"
	LegacyStatusTopic   = "smarthome/status/#"
	ClapResponseTopic   = "smarthome/clap_response"
	ClapSettingTopic    = "smarthome/clap_setting"
	ClapSettingGetTopic = "smarthome/clap_setting/get"
)

// DeviceControlTopic is the per-device structured command topic.
func DeviceControlTopic(deviceID string) string {
	return "smarthome/" + deviceID + "/control"
}

// StatusTopic is the per-device status topic.
func StatusTopic(deviceID string) string {
	return "smarthome/" + deviceID + "/status"
}

// StatusRequestTopic is published with an empty payload to ask a device to
// re-announce its status.
func StatusRequestTopic(deviceID string) string {
	return "smarthome/" + deviceID + "/get_status"
}

// DeviceIDFromTopic extracts the device identity from a "smarthome/<id>/..."
// topic. Returns "" for topics that do not carry one.
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "smarthome" {
		return ""
	}
	return parts[1]
}

// DecodeError reports an inbound payload that could not be parsed. Callers
// log and drop; it never propagates past the projector.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeRelayToken produces the legacy text command for the shared control
// topic. index is 0-based; the token carries the 1-based relay number.
func EncodeRelayToken(index int, on bool) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("relay index %d out of range", index)
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	return fmt.Sprintf("RELAY%d_%s", index+1, state), nil
}

// ParseRelayToken inverts EncodeRelayToken, yielding the 0-based index.
func ParseRelayToken(token string) (int, bool, error) {
	rest, ok := strings.CutPrefix(token, "RELAY")
	if !ok {
		return 0, false, &DecodeError{What: "relay token", Err: fmt.Errorf("no RELAY prefix in %q", token)}
	}
	num, state, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, false, &DecodeError{What: "relay token", Err: fmt.Errorf("no state suffix in %q", token)}
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return 0, false, &DecodeError{What: "relay token", Err: fmt.Errorf("bad relay number in %q", token)}
	}
	switch state {
	case "ON":
		return n - 1, true, nil
	case "OFF":
		return n - 1, false, nil
	}
	return 0, false, &DecodeError{What: "relay token", Err: fmt.Errorf("bad state %q in %q", state, token)}
}

// relayCommand is the structured per-device command form.
type relayCommand struct {
	Relay int  `json:"relay"`
	State bool `json:"state"`
}

type allCommand struct {
	All bool `json:"all"`
}

// EncodeRelayJSON produces the structured command for per-device topics.
// index stays 0-based on the wire.
func EncodeRelayJSON(index int, on bool) ([]byte, error) {
	if index < 0 {
		return nil, fmt.Errorf("relay index %d out of range", index)
	}
	return json.Marshal(relayCommand{Relay: index, State: on})
}

// EncodeAllRelays produces the {"all": <bool>} command.
func EncodeAllRelays(on bool) []byte {
	payload, _ := json.Marshal(allCommand{All: on})
	return payload
}

// StatusUpdate is a device's self-reported runtime state.
type StatusUpdate struct {
	Online bool   `json:"online"`
	Relays []bool `json:"relays"`
}

// DecodeStatus parses a per-device status payload. Malformed payloads yield
// a *DecodeError, never a panic.
func DecodeStatus(payload []byte) (StatusUpdate, error) {
	var status StatusUpdate
	if err := json.Unmarshal(payload, &status); err != nil {
		return StatusUpdate{}, &DecodeError{What: "status", Err: err}
	}
	return status, nil
}

// DiscoveryAnnouncement is an unsolicited broadcast from an unregistered
// device announcing its presence.
type DiscoveryAnnouncement struct {
	DeviceID  string `json:"deviceId"`
	IP        string `json:"ip"`
	Type      string `json:"type,omitempty"`
	NumRelays int    `json:"numRelays,omitempty"`
}

// DecodeDiscovery parses a discovery payload.
func DecodeDiscovery(payload []byte) (DiscoveryAnnouncement, error) {
	var ann DiscoveryAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil {
		return DiscoveryAnnouncement{}, &DecodeError{What: "discovery", Err: err}
	}
	if ann.DeviceID == "" {
		return DiscoveryAnnouncement{}, &DecodeError{What: "discovery", Err: fmt.Errorf("missing deviceId")}
	}
	return ann, nil
}
