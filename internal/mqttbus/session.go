// Package mqttbus owns the single live connection to the pub/sub broker.
// Consumers (projector, automation engine, web layer) never touch the
// transport directly; they see subscriptions, publishes and state
// transitions.
package mqttbus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// State is the session connection state. A session never surfaces transport
// errors as Go errors past this package; it parks in Reconnecting instead.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Publish errors. Both are retryable from the guard's point of view.
var (
	ErrNotConnected = errors.New("bus session not connected")
	ErrAckTimeout   = errors.New("publish acknowledgement timed out")
)

// Handler receives every inbound message matching an active subscription.
// Handlers must not block; per-topic delivery order follows the transport.
type Handler func(topic string, payload []byte)

// Config holds broker connection settings.
type Config struct {
	BrokerURL       string
	ClientID        string
	Username        string
	Password        string
	KeepAlive       time.Duration
	ReconnectPeriod time.Duration
	ConnectTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeepAlive == 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ReconnectPeriod == 0 {
		c.ReconnectPeriod = 5 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// newPahoClient builds the underlying transport client. Tests substitute a
// fake; the paho Client type is an interface.
var newPahoClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// Session is one persistent, reconnecting broker connection.
type Session struct {
	cfg    Config
	client mqtt.Client

	state atomic.Int32

	mu            sync.Mutex
	subscriptions map[string]byte // topic pattern -> qos
	handlers      []Handler
	stateHooks    []func(State)
	connectHooks  []func()
}

// Connect establishes the session. Connection failures do not surface as an
// error: the session parks in Reconnecting and the transport keeps retrying
// on a fixed period.
func Connect(cfg Config) *Session {
	cfg.applyDefaults()

	// The paho internal loggers are noisy at the default level.
	mqtt.ERROR = log.New(io.Discard, "", 0)
	mqtt.CRITICAL = log.New(io.Discard, "", 0)
	mqtt.WARN = log.New(io.Discard, "", 0)

	s := &Session{
		cfg:           cfg,
		subscriptions: make(map[string]byte),
	}

	broker := cfg.BrokerURL
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.ReconnectPeriod).
		SetMaxReconnectInterval(cfg.ReconnectPeriod)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(s.handleConnect)
	opts.SetConnectionLostHandler(s.handleConnectionLost)

	s.client = newPahoClient(opts)

	s.setState(Connecting)
	log.Printf("BUS: Connecting to broker %s as %s", broker, cfg.ClientID)
	token := s.client.Connect()
	go func() {
		// Connect retries internally; this only reports the first outcome.
		if token.Wait() && token.Error() != nil {
			log.Printf("BUS: Initial connect failed: %v", token.Error())
			s.setState(Reconnecting)
		}
	}()
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.mu.Lock()
	hooks := make([]func(State), len(s.stateHooks))
	copy(hooks, s.stateHooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(next)
	}
}

// OnStateChange registers a hook invoked on every state transition.
func (s *Session) OnStateChange(hook func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHooks = append(s.stateHooks, hook)
}

// OnConnected registers a hook invoked after every (re)connect, once all
// subscriptions have been restored. Used to re-request device status.
func (s *Session) OnConnected(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectHooks = append(s.connectHooks, hook)
}

// Handle registers an inbound message handler.
func (s *Session) Handle(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// handleConnect restores all tracked subscriptions before the session
// reports Connected, so a consumer never observes Connected with a
// subscription gap after a reconnect.
func (s *Session) handleConnect(client mqtt.Client) {
	s.mu.Lock()
	patterns := make(map[string]byte, len(s.subscriptions))
	for pattern, qos := range s.subscriptions {
		patterns[pattern] = qos
	}
	s.mu.Unlock()

	for pattern, qos := range patterns {
		token := client.Subscribe(pattern, qos, s.route)
		if token.Wait() && token.Error() != nil {
			log.Printf("BUS: Failed to restore subscription %s: %v", pattern, token.Error())
		}
	}

	s.setState(Connected)
	log.Printf("BUS: Connected, %d subscriptions active", len(patterns))

	s.mu.Lock()
	hooks := make([]func(), len(s.connectHooks))
	copy(hooks, s.connectHooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

func (s *Session) handleConnectionLost(_ mqtt.Client, err error) {
	log.Printf("BUS: Connection lost: %v", err)
	s.setState(Reconnecting)
}

func (s *Session) route(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(msg.Topic(), msg.Payload())
	}
}

// Subscribe adds a topic pattern (supports + and # wildcards). Idempotent:
// re-subscribing to an already-tracked pattern is a no-op.
func (s *Session) Subscribe(pattern string, qos byte) {
	s.mu.Lock()
	if _, exists := s.subscriptions[pattern]; exists {
		s.mu.Unlock()
		return
	}
	s.subscriptions[pattern] = qos
	s.mu.Unlock()

	token := s.client.Subscribe(pattern, qos, s.route)
	go func() {
		if token.Wait() && token.Error() != nil {
			// Kept in the tracked set; it will be restored on reconnect.
			log.Printf("BUS: Subscribe %s failed: %v", pattern, token.Error())
		}
	}()
}

// Unsubscribe removes a topic pattern.
func (s *Session) Unsubscribe(pattern string) {
	s.mu.Lock()
	if _, exists := s.subscriptions[pattern]; !exists {
		s.mu.Unlock()
		return
	}
	delete(s.subscriptions, pattern)
	s.mu.Unlock()
	s.client.Unsubscribe(pattern)
}

// Publish sends a payload. QoS 1 publishes wait for the broker
// acknowledgement up to ackTimeout; QoS 0 is fire-and-forget and only valid
// for best-effort informational topics.
func (s *Session) Publish(topic string, payload []byte, qos byte, ackTimeout time.Duration) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := s.client.Publish(topic, qos, false, payload)
	if qos == 0 {
		return nil
	}
	if !token.WaitTimeout(ackTimeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrAckTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Disconnect unsubscribes all tracked patterns and closes the transport.
// Pending publishes are not flushed. Safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	patterns := make([]string, 0, len(s.subscriptions))
	for pattern := range s.subscriptions {
		patterns = append(patterns, pattern)
	}
	s.subscriptions = make(map[string]byte)
	s.mu.Unlock()

	if len(patterns) > 0 && s.client.IsConnectionOpen() {
		s.client.Unsubscribe(patterns...)
	}
	s.client.Disconnect(250)
	s.setState(Disconnected)
	log.Printf("BUS: Disconnected")
}
