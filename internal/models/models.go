package models

import (
	"encoding/json"
	"time"
)

// Device types understood by the dashboard.
const (
	DeviceTypeRelay  = "relay"
	DeviceTypeSensor = "sensor"
	DeviceTypeBulb   = "bulb"
	DeviceTypeStrip  = "strip"
	DeviceTypeOther  = "other"
)

// FeatureLegacyControl marks devices whose firmware only understands the
// text-token dialect on the shared control topic.
const FeatureLegacyControl = "legacy-control"

// Device is the persisted device record. Runtime state (online flag, relay
// states) lives in the projector, not here; IsOnline/LastSeen are best-effort
// mirrors written on status transitions.
type Device struct {
	ID         int             `json:"id"`
	DeviceID   string          `json:"device_id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	RelayCount int             `json:"relay_count"`
	Location   string          `json:"location"`
	Features   []string        `json:"features"`
	Settings   json.RawMessage `json:"settings"`
	IsOnline   bool            `json:"is_online"`
	LastSeen   *time.Time      `json:"last_seen"`
}

// Topic returns the device's base MQTT topic.
func (d Device) Topic() string {
	return "smarthome/" + d.DeviceID
}

// Schedule fires its actions at Time on every weekday listed in Days.
// Days uses ISO numbering (Monday=1 .. Sunday=7); an empty set never fires.
// Time is "HH:mm", "sunrise" or "sunset".
type Schedule struct {
	ID      int              `json:"id"`
	Name    string           `json:"name"`
	Time    string           `json:"time"`
	Days    []int            `json:"days"`
	Actions []ScheduleAction `json:"device_actions"`
	Active  bool             `json:"active"`
}

// ScheduleAction is one step of a schedule: an encoded command for a device.
type ScheduleAction struct {
	DeviceID string          `json:"device_id"`
	Action   json.RawMessage `json:"action"`
}

// CustomCommand is a named, reusable action sequence.
type CustomCommand struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Actions     []CommandAction `json:"actions"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CommandAction switches a single relay. Relay is 0-based everywhere inside
// the application; the command codec owns the conversion to wire forms.
type CommandAction struct {
	Relay int  `json:"relay"`
	State bool `json:"state"`
}

// ClapSetting is the clap-trigger singleton, replicated to all UI sessions
// over the bus. TargetRelay is a 0-based relay index, or -1 to target every
// relay of each device. The wire field is "deviceId" for compatibility with
// the deployed firmware and UI.
type ClapSetting struct {
	Enabled     bool `json:"enabled"`
	TargetRelay int  `json:"deviceId"`
}

// User is the dashboard account record used by the auth module.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}
