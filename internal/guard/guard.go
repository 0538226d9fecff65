// Package guard wraps command publishes with bounded retry and
// at-most-one-in-flight-per-target semantics. Racing toggles for the same
// relay (rapid double-click in the UI, scheduler overlap) queue behind each
// other instead of interleaving on the wire.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"homehub/internal/mqttbus"
)

// Kind classifies a send failure. Only Retryable failures re-enter the
// retry loop; Fatal ones surface to the caller immediately.
type Kind int

const (
	Retryable Kind = iota
	Fatal
)

func (k Kind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Target identifies the wire endpoint a command is bound for. Relay is the
// 0-based relay index, or -1 when the command addresses the whole device
// (all-relays, legacy shared topic).
type Target struct {
	DeviceID string
	Relay    int
}

func (t Target) String() string {
	if t.Relay < 0 {
		return t.DeviceID
	}
	return fmt.Sprintf("%s/%d", t.DeviceID, t.Relay)
}

// Command is a fully encoded publish.
type Command struct {
	Topic   string
	Payload []byte
}

// SendError is the terminal failure of one command dispatch.
type SendError struct {
	Kind   Kind
	Target Target
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s (%s): %v", e.Target, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// publisher is the slice of the bus session the guard needs.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, ackTimeout time.Duration) error
}

// Options tune the retry loop.
type Options struct {
	MaxRetries int           // retries after the first attempt
	Backoff    time.Duration // fixed delay between attempts
	AckTimeout time.Duration // per-attempt acknowledgement bound
}

func (o *Options) applyDefaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.Backoff == 0 {
		o.Backoff = time.Second
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 5 * time.Second
	}
}

// Guard serializes and retries command publishes per target.
type Guard struct {
	bus  publisher
	opts Options

	mu    sync.Mutex
	lanes map[Target]*sync.Mutex
}

// New creates a guard over the given bus session.
func New(bus publisher, opts Options) *Guard {
	opts.applyDefaults()
	return &Guard{
		bus:   bus,
		opts:  opts,
		lanes: make(map[Target]*sync.Mutex),
	}
}

func (g *Guard) lane(target Target) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lane, ok := g.lanes[target]
	if !ok {
		lane = &sync.Mutex{}
		g.lanes[target] = lane
	}
	return lane
}

// classify maps a publish error to a failure kind.
func classify(err error) Kind {
	if errors.Is(err, mqttbus.ErrAckTimeout) || errors.Is(err, mqttbus.ErrNotConnected) {
		return Retryable
	}
	return Fatal
}

// Send publishes the command at QoS 1, awaiting acknowledgement. A second
// Send for the same target while one is outstanding queues behind it.
// Retryable failures are retried with a fixed backoff; the last error is
// returned once retries exhaust.
func (g *Guard) Send(ctx context.Context, target Target, cmd Command) error {
	if cmd.Topic == "" || len(cmd.Payload) == 0 {
		return &SendError{Kind: Fatal, Target: target, Err: errors.New("malformed command")}
	}

	lane := g.lane(target)
	lane.Lock()
	defer lane.Unlock()

	var lastErr error
	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("GUARD: Retrying %s (attempt %d/%d)", target, attempt+1, g.opts.MaxRetries+1)
			select {
			case <-ctx.Done():
				return &SendError{Kind: Retryable, Target: target, Err: ctx.Err()}
			case <-time.After(g.opts.Backoff):
			}
		}

		err := g.bus.Publish(cmd.Topic, cmd.Payload, 1, g.opts.AckTimeout)
		if err == nil {
			return nil
		}
		if classify(err) == Fatal {
			return &SendError{Kind: Fatal, Target: target, Err: err}
		}
		lastErr = err
	}

	log.Printf("GUARD: Giving up on %s after %d attempts: %v", target, g.opts.MaxRetries+1, lastErr)
	return &SendError{Kind: Retryable, Target: target, Err: lastErr}
}
