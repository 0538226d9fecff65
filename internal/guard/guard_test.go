package guard_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homehub/internal/guard"
	"homehub/internal/mqttbus"
)

// fakeBus records publishes and fails according to a script.
type fakeBus struct {
	mu       sync.Mutex
	errs     []error // error per attempt, nil-padded after
	attempts int
	events   []string
	block    chan struct{} // when set, publishes wait here
}

func (b *fakeBus) Publish(topic string, payload []byte, qos byte, ackTimeout time.Duration) error {
	b.mu.Lock()
	b.events = append(b.events, "start "+topic)
	attempt := b.attempts
	b.attempts++
	block := b.block
	b.mu.Unlock()

	if block != nil {
		<-block
	}

	b.mu.Lock()
	b.events = append(b.events, "end "+topic)
	b.mu.Unlock()

	if attempt < len(b.errs) {
		return b.errs[attempt]
	}
	return nil
}

func Test_Send_Success(t *testing.T) {
	bus := &fakeBus{}
	g := guard.New(bus, guard.Options{Backoff: time.Millisecond})

	err := g.Send(context.Background(), guard.Target{DeviceID: "ESP_1", Relay: 0},
		guard.Command{Topic: "smarthome/ESP_1/control", Payload: []byte(`{"relay":0,"state":true}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.attempts)
}

func Test_Send_RetriesOnAckTimeout(t *testing.T) {
	bus := &fakeBus{errs: []error{mqttbus.ErrAckTimeout, mqttbus.ErrNotConnected}}
	g := guard.New(bus, guard.Options{Backoff: time.Millisecond})

	err := g.Send(context.Background(), guard.Target{DeviceID: "ESP_1", Relay: 1},
		guard.Command{Topic: "smarthome/ESP_1/control", Payload: []byte(`{"relay":1,"state":false}`)})
	require.NoError(t, err)
	assert.Equal(t, 3, bus.attempts, "two retryable failures then success")
}

func Test_Send_ExhaustsRetries(t *testing.T) {
	bus := &fakeBus{errs: []error{
		mqttbus.ErrAckTimeout, mqttbus.ErrAckTimeout, mqttbus.ErrAckTimeout, mqttbus.ErrAckTimeout,
	}}
	g := guard.New(bus, guard.Options{MaxRetries: 3, Backoff: time.Millisecond})

	err := g.Send(context.Background(), guard.Target{DeviceID: "ESP_1", Relay: 0},
		guard.Command{Topic: "smarthome/ESP_1/control", Payload: []byte(`{"relay":0,"state":true}`)})

	var sendErr *guard.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, guard.Retryable, sendErr.Kind)
	assert.ErrorIs(t, err, mqttbus.ErrAckTimeout)
	assert.Equal(t, 4, bus.attempts, "initial attempt plus three retries")
}

func Test_Send_FatalNotRetried(t *testing.T) {
	bus := &fakeBus{errs: []error{errors.New("unknown target")}}
	g := guard.New(bus, guard.Options{Backoff: time.Millisecond})

	err := g.Send(context.Background(), guard.Target{DeviceID: "ESP_gone", Relay: 0},
		guard.Command{Topic: "smarthome/ESP_gone/control", Payload: []byte(`{"relay":0,"state":true}`)})

	var sendErr *guard.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, guard.Fatal, sendErr.Kind)
	assert.Equal(t, 1, bus.attempts)
}

func Test_Send_MalformedCommandIsFatal(t *testing.T) {
	bus := &fakeBus{}
	g := guard.New(bus, guard.Options{})

	err := g.Send(context.Background(), guard.Target{DeviceID: "ESP_1", Relay: 0}, guard.Command{})

	var sendErr *guard.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, guard.Fatal, sendErr.Kind)
	assert.Zero(t, bus.attempts, "nothing reaches the wire")
}

func Test_Send_AtMostOneInFlightPerTarget(t *testing.T) {
	bus := &fakeBus{block: make(chan struct{})}
	g := guard.New(bus, guard.Options{Backoff: time.Millisecond})
	target := guard.Target{DeviceID: "ESP_1", Relay: 2}
	cmd := guard.Command{Topic: "smarthome/ESP_1/control", Payload: []byte(`{"relay":2,"state":true}`)}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = g.Send(context.Background(), target, cmd)
	}()
	// let the first send reach the wire and park there
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return bus.attempts == 1
	}, time.Second, time.Millisecond)

	go func() {
		defer wg.Done()
		_ = g.Send(context.Background(), target, cmd)
	}()
	// the second send must stay queued while the first is outstanding
	time.Sleep(20 * time.Millisecond)
	bus.mu.Lock()
	assert.Equal(t, 1, bus.attempts, "second send deferred, not interleaved")
	bus.mu.Unlock()

	close(bus.block)
	wg.Wait()

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, []string{
		"start smarthome/ESP_1/control", "end smarthome/ESP_1/control",
		"start smarthome/ESP_1/control", "end smarthome/ESP_1/control",
	}, bus.events, "publishes never overlap on the wire")
}

func Test_Send_DifferentTargetsRunIndependently(t *testing.T) {
	bus := &fakeBus{block: make(chan struct{})}
	g := guard.New(bus, guard.Options{Backoff: time.Millisecond})

	go g.Send(context.Background(), guard.Target{DeviceID: "ESP_1", Relay: 0},
		guard.Command{Topic: "smarthome/ESP_1/control", Payload: []byte(`{"relay":0,"state":true}`)})
	go g.Send(context.Background(), guard.Target{DeviceID: "ESP_2", Relay: 0},
		guard.Command{Topic: "smarthome/ESP_2/control", Payload: []byte(`{"relay":0,"state":true}`)})

	// both reach the wire concurrently: per-target lanes do not serialize
	// across devices
	assert.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return bus.attempts == 2
	}, time.Second, time.Millisecond)
	close(bus.block)
}
