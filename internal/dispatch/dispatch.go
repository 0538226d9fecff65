// Package dispatch turns application intents into guarded publishes. It is
// the only caller of the command codec on the outbound path: the UI layer,
// the automation engine and the task workers all funnel through here.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"homehub/internal/command"
	"homehub/internal/guard"
	"homehub/internal/models"
)

// ErrUnknownDevice is a fatal (non-retryable) dispatch failure.
var ErrUnknownDevice = errors.New("device not registered")

// LegacyControlFeature marks devices whose firmware only understands the
// text-token dialect on the shared control topic.
const LegacyControlFeature = models.FeatureLegacyControl

// sender is the slice of the guard the dispatcher needs.
type sender interface {
	Send(ctx context.Context, target guard.Target, cmd guard.Command) error
}

// deviceLookup resolves wire identities against the registry.
type deviceLookup interface {
	Device(deviceID string) (models.Device, bool)
}

// Dispatcher encodes and sends device commands through the guard.
type Dispatcher struct {
	guard   sender
	devices deviceLookup
}

// New creates a dispatcher.
func New(g sender, devices deviceLookup) *Dispatcher {
	return &Dispatcher{guard: g, devices: devices}
}

// SwitchRelay sets one relay of a registered device. relay is 0-based.
func (d *Dispatcher) SwitchRelay(ctx context.Context, deviceID string, relay int, on bool) error {
	dev, ok := d.devices.Device(deviceID)
	if !ok {
		return &guard.SendError{
			Kind:   guard.Fatal,
			Target: guard.Target{DeviceID: deviceID, Relay: relay},
			Err:    ErrUnknownDevice,
		}
	}
	if relay < 0 || relay >= dev.RelayCount {
		return &guard.SendError{
			Kind:   guard.Fatal,
			Target: guard.Target{DeviceID: deviceID, Relay: relay},
			Err:    fmt.Errorf("relay %d out of range for %s (%d relays)", relay, deviceID, dev.RelayCount),
		}
	}

	target := guard.Target{DeviceID: deviceID, Relay: relay}
	if hasFeature(dev, LegacyControlFeature) {
		token, err := command.EncodeRelayToken(relay, on)
		if err != nil {
			return &guard.SendError{Kind: guard.Fatal, Target: target, Err: err}
		}
		return d.guard.Send(ctx, target, guard.Command{Topic: command.ControlTopic, Payload: []byte(token)})
	}

	payload, err := command.EncodeRelayJSON(relay, on)
	if err != nil {
		return &guard.SendError{Kind: guard.Fatal, Target: target, Err: err}
	}
	return d.guard.Send(ctx, target, guard.Command{Topic: command.DeviceControlTopic(deviceID), Payload: payload})
}

// SwitchAll sets every relay of a registered device at once.
func (d *Dispatcher) SwitchAll(ctx context.Context, deviceID string, on bool) error {
	target := guard.Target{DeviceID: deviceID, Relay: -1}
	if _, ok := d.devices.Device(deviceID); !ok {
		return &guard.SendError{Kind: guard.Fatal, Target: target, Err: ErrUnknownDevice}
	}
	return d.guard.Send(ctx, target, guard.Command{
		Topic:   command.DeviceControlTopic(deviceID),
		Payload: command.EncodeAllRelays(on),
	})
}

// SwitchShared publishes a legacy token on the shared control topic. Custom
// commands and interpreter output address the shared bus, not a device.
func (d *Dispatcher) SwitchShared(ctx context.Context, relay int, on bool) error {
	target := guard.Target{Relay: relay}
	token, err := command.EncodeRelayToken(relay, on)
	if err != nil {
		return &guard.SendError{Kind: guard.Fatal, Target: target, Err: err}
	}
	return d.guard.Send(ctx, target, guard.Command{Topic: command.ControlTopic, Payload: []byte(token)})
}

// scheduleAction is the persisted opaque action shape: either a single
// relay switch or an all-relays switch.
type scheduleAction struct {
	Relay *int  `json:"relay"`
	State bool  `json:"state"`
	All   *bool `json:"all"`
}

// RunEncoded interprets a persisted opaque action against its device.
func (d *Dispatcher) RunEncoded(ctx context.Context, deviceID string, raw json.RawMessage) error {
	var action scheduleAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return &guard.SendError{
			Kind:   guard.Fatal,
			Target: guard.Target{DeviceID: deviceID, Relay: -1},
			Err:    fmt.Errorf("malformed action: %w", err),
		}
	}
	switch {
	case action.All != nil:
		return d.SwitchAll(ctx, deviceID, *action.All)
	case action.Relay != nil:
		return d.SwitchRelay(ctx, deviceID, *action.Relay, action.State)
	}
	return &guard.SendError{
		Kind:   guard.Fatal,
		Target: guard.Target{DeviceID: deviceID, Relay: -1},
		Err:    errors.New("action carries neither relay nor all"),
	}
}

func hasFeature(dev models.Device, feature string) bool {
	for _, f := range dev.Features {
		if f == feature {
			return true
		}
	}
	return false
}
