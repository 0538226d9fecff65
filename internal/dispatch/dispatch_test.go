package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homehub/internal/guard"
	"homehub/internal/models"
)

type sentCommand struct {
	target guard.Target
	cmd    guard.Command
}

type fakeSender struct {
	sent []sentCommand
	err  error
}

func (f *fakeSender) Send(_ context.Context, target guard.Target, cmd guard.Command) error {
	f.sent = append(f.sent, sentCommand{target, cmd})
	return f.err
}

type fakeLookup struct {
	devices map[string]models.Device
}

func (f *fakeLookup) Device(deviceID string) (models.Device, bool) {
	dev, ok := f.devices[deviceID]
	return dev, ok
}

func newTestDispatcher(devices ...models.Device) (*Dispatcher, *fakeSender) {
	lookup := &fakeLookup{devices: map[string]models.Device{}}
	for _, dev := range devices {
		lookup.devices[dev.DeviceID] = dev
	}
	sender := &fakeSender{}
	return New(sender, lookup), sender
}

func TestSwitchRelayModernDevice(t *testing.T) {
	d, sender := newTestDispatcher(models.Device{DeviceID: "ESP_ab12cd", RelayCount: 4})

	err := d.SwitchRelay(context.Background(), "ESP_ab12cd", 2, true)

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "smarthome/ESP_ab12cd/control", sender.sent[0].cmd.Topic)
	assert.JSONEq(t, `{"relay":2,"state":true}`, string(sender.sent[0].cmd.Payload))
	assert.Equal(t, guard.Target{DeviceID: "ESP_ab12cd", Relay: 2}, sender.sent[0].target)
}

func TestSwitchRelayLegacyDevice(t *testing.T) {
	d, sender := newTestDispatcher(models.Device{
		DeviceID:   "ESP_ab12cd",
		RelayCount: 4,
		Features:   []string{"power", LegacyControlFeature},
	})

	err := d.SwitchRelay(context.Background(), "ESP_ab12cd", 0, true)

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "smarthome/control", sender.sent[0].cmd.Topic)
	assert.Equal(t, "RELAY1_ON", string(sender.sent[0].cmd.Payload))
}

func TestSwitchRelayUnknownDeviceIsFatal(t *testing.T) {
	d, sender := newTestDispatcher()

	err := d.SwitchRelay(context.Background(), "ghost", 0, true)

	var sendErr *guard.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, guard.Fatal, sendErr.Kind)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Empty(t, sender.sent)
}

func TestSwitchRelayOutOfRangeIsFatal(t *testing.T) {
	d, sender := newTestDispatcher(models.Device{DeviceID: "ESP_ab12cd", RelayCount: 2})

	err := d.SwitchRelay(context.Background(), "ESP_ab12cd", 2, true)

	var sendErr *guard.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, guard.Fatal, sendErr.Kind)
	assert.Empty(t, sender.sent)
}

func TestSwitchAll(t *testing.T) {
	d, sender := newTestDispatcher(models.Device{DeviceID: "ESP_ab12cd", RelayCount: 4})

	err := d.SwitchAll(context.Background(), "ESP_ab12cd", false)

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.JSONEq(t, `{"all":false}`, string(sender.sent[0].cmd.Payload))
	assert.Equal(t, -1, sender.sent[0].target.Relay)
}

func TestSwitchShared(t *testing.T) {
	d, sender := newTestDispatcher()

	err := d.SwitchShared(context.Background(), 3, false)

	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "smarthome/control", sender.sent[0].cmd.Topic)
	assert.Equal(t, "RELAY4_OFF", string(sender.sent[0].cmd.Payload))
}

func TestRunEncoded(t *testing.T) {
	tests := []struct {
		name        string
		action      string
		wantTopic   string
		wantPayload string
	}{
		{"single relay", `{"relay":1,"state":true}`, "smarthome/ESP_ab12cd/control", `{"relay":1,"state":true}`},
		{"all relays", `{"all":true}`, "smarthome/ESP_ab12cd/control", `{"all":true}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, sender := newTestDispatcher(models.Device{DeviceID: "ESP_ab12cd", RelayCount: 4})

			err := d.RunEncoded(context.Background(), "ESP_ab12cd", json.RawMessage(tc.action))

			require.NoError(t, err)
			require.Len(t, sender.sent, 1)
			assert.Equal(t, tc.wantTopic, sender.sent[0].cmd.Topic)
			assert.JSONEq(t, tc.wantPayload, string(sender.sent[0].cmd.Payload))
		})
	}
}

func TestRunEncodedMalformedActionIsFatal(t *testing.T) {
	d, sender := newTestDispatcher(models.Device{DeviceID: "ESP_ab12cd", RelayCount: 4})

	for _, raw := range []string{`not json`, `{"state":true}`, `{}`} {
		err := d.RunEncoded(context.Background(), "ESP_ab12cd", json.RawMessage(raw))
		var sendErr *guard.SendError
		require.ErrorAs(t, err, &sendErr, "payload %q", raw)
		assert.Equal(t, guard.Fatal, sendErr.Kind)
	}
	assert.Empty(t, sender.sent)
}

func TestSendErrorPassesThrough(t *testing.T) {
	lookup := &fakeLookup{devices: map[string]models.Device{
		"ESP_ab12cd": {DeviceID: "ESP_ab12cd", RelayCount: 4},
	}}
	sender := &fakeSender{err: errors.New("broker gone")}
	d := New(sender, lookup)

	err := d.SwitchRelay(context.Background(), "ESP_ab12cd", 0, true)

	assert.EqualError(t, err, "broker gone")
}
