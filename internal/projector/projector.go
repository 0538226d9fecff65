// Package projector consumes status and discovery events from the bus and
// reconciles them against the device registry into a consistent, in-memory
// runtime view. In-memory state is the source of truth for the live UI;
// persistence writes are best-effort side effects that never gate a state
// transition.
package projector

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"homehub/internal/command"
	"homehub/internal/models"
)

// ErrNotPending is returned when accepting a device that never announced
// itself (or was already registered).
var ErrNotPending = errors.New("device is not pending registration")

// RuntimeState is the live view of one device. Relays is indexed by the
// 0-based physical relay number.
type RuntimeState struct {
	DeviceID string    `json:"device_id"`
	Online   bool      `json:"online"`
	Relays   []bool    `json:"relays"`
	LastSeen time.Time `json:"last_seen"`
}

// store is the slice of the persistence layer the projector needs.
type store interface {
	GetAllDevices(ctx context.Context) ([]models.Device, error)
	InsertDevice(ctx context.Context, dev *models.Device) (int, error)
	MarkDeviceOnline(ctx context.Context, deviceID string, online bool, seen time.Time) error
}

// Observer is notified after every accepted state change. Must not block.
type Observer func(deviceID string, state RuntimeState)

// Projector holds the canonical runtime state for all registered devices
// and the transient set of discovered-but-unregistered ones.
type Projector struct {
	store store
	now   func() time.Time

	mu        sync.RWMutex
	devices   map[string]models.Device
	runtime   map[string]*RuntimeState
	pending   map[string]command.DiscoveryAnnouncement
	observers []Observer
	mirror    func(deviceID string, state RuntimeState)
}

// New creates a projector over the given device store.
func New(s store) *Projector {
	return &Projector{
		store:   s,
		now:     time.Now,
		devices: make(map[string]models.Device),
		runtime: make(map[string]*RuntimeState),
		pending: make(map[string]command.DiscoveryAnnouncement),
	}
}

// SetMirror installs a best-effort cache write invoked on every accepted
// state change (e.g. the redis device:<id> mirror). Must not block.
func (p *Projector) SetMirror(mirror func(deviceID string, state RuntimeState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mirror = mirror
}

// Observe registers a change observer.
func (p *Projector) Observe(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

// Load seeds the registry from the persisted device store.
func (p *Projector) Load(ctx context.Context) error {
	devices, err := p.store.GetAllDevices(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dev := range devices {
		p.devices[dev.DeviceID] = dev
		if _, ok := p.runtime[dev.DeviceID]; !ok {
			p.runtime[dev.DeviceID] = &RuntimeState{
				DeviceID: dev.DeviceID,
				Relays:   make([]bool, dev.RelayCount),
			}
		}
	}
	log.Printf("PROJECTOR: Loaded %d registered devices", len(devices))
	return nil
}

// HandleMessage is the bus entry point: routes status and discovery topics.
// Other topics are ignored here (generic listeners see them regardless).
func (p *Projector) HandleMessage(topic string, payload []byte) {
	switch {
	case topic == command.NewDeviceTopic || topic == command.DiscoveryTopic:
		ann, err := command.DecodeDiscovery(payload)
		if err != nil {
			log.Printf("PROJECTOR: Dropping discovery message: %v", err)
			return
		}
		p.ApplyDiscovery(ann)
	case topic == "smarthome/status" || strings.HasPrefix(topic, "smarthome/status/"):
		relay, on, err := command.ParseRelayToken(strings.TrimSpace(string(payload)))
		if err != nil {
			log.Printf("PROJECTOR: Dropping legacy status echo on %s: %v", topic, err)
			return
		}
		p.ApplyLegacyEcho(relay, on)
	case strings.HasSuffix(topic, "/status"):
		deviceID := command.DeviceIDFromTopic(topic)
		if deviceID == "" {
			return
		}
		status, err := command.DecodeStatus(payload)
		if err != nil {
			log.Printf("PROJECTOR: Dropping status message on %s: %v", topic, err)
			return
		}
		p.ApplyStatus(deviceID, status)
	}
}

// ApplyLegacyEcho applies a relay-token echo from the shared control bus to
// every registered legacy device that has the relay.
func (p *Projector) ApplyLegacyEcho(relay int, on bool) {
	type update struct {
		deviceID string
		snapshot RuntimeState
	}

	p.mu.Lock()
	var updates []update
	for id, dev := range p.devices {
		if !hasFeature(dev, models.FeatureLegacyControl) || relay >= dev.RelayCount {
			continue
		}
		state, ok := p.runtime[id]
		if !ok {
			state = &RuntimeState{DeviceID: id}
			p.runtime[id] = state
		}
		state.Relays = normalizeRelays(state.Relays, dev.RelayCount)
		state.Relays[relay] = on
		state.LastSeen = p.now()
		snapshot := *state
		snapshot.Relays = append([]bool(nil), state.Relays...)
		updates = append(updates, update{deviceID: id, snapshot: snapshot})
	}
	p.mu.Unlock()

	for _, u := range updates {
		p.notify(u.deviceID, u.snapshot)
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

// ApplyStatus merges a status update into the runtime registry. Status for
// an unknown device_id is ignored for projection purposes. The first
// offline-to-online transition is mirrored to the store fire-and-forget;
// a store failure never reverts in-memory state.
func (p *Projector) ApplyStatus(deviceID string, status command.StatusUpdate) {
	p.mu.Lock()
	dev, known := p.devices[deviceID]
	if !known {
		p.mu.Unlock()
		log.Printf("PROJECTOR: Status for unregistered device %s ignored", deviceID)
		return
	}

	state, ok := p.runtime[deviceID]
	if !ok {
		state = &RuntimeState{DeviceID: deviceID}
		p.runtime[deviceID] = state
	}
	wasOnline := state.Online
	state.Online = status.Online
	state.LastSeen = p.now()
	state.Relays = normalizeRelays(status.Relays, dev.RelayCount)
	snapshot := *state
	snapshot.Relays = append([]bool(nil), state.Relays...)
	p.mu.Unlock()

	if !wasOnline && snapshot.Online {
		go func() {
			if err := p.store.MarkDeviceOnline(context.Background(), deviceID, true, snapshot.LastSeen); err != nil {
				log.Printf("PROJECTOR: Failed to persist online flag for %s: %v", deviceID, err)
			}
		}()
	}
	p.notify(deviceID, snapshot)
}

// normalizeRelays pads or trims the reported relay vector so its length
// always equals the registered relay count.
func normalizeRelays(relays []bool, count int) []bool {
	if count <= 0 {
		return append([]bool(nil), relays...)
	}
	normalized := make([]bool, count)
	copy(normalized, relays)
	return normalized
}

// ApplyDiscovery records an announcement. Unregistered devices land in the
// transient pending set (duplicates replace, not append); announcements for
// registered devices count as an online signal.
func (p *Projector) ApplyDiscovery(ann command.DiscoveryAnnouncement) {
	p.mu.Lock()
	dev, known := p.devices[ann.DeviceID]
	if !known {
		p.pending[ann.DeviceID] = ann
		p.mu.Unlock()
		log.Printf("PROJECTOR: Device %s (%s) pending registration", ann.DeviceID, ann.IP)
		return
	}

	state, ok := p.runtime[ann.DeviceID]
	if !ok {
		state = &RuntimeState{DeviceID: ann.DeviceID, Relays: make([]bool, dev.RelayCount)}
		p.runtime[ann.DeviceID] = state
	}
	wasOnline := state.Online
	state.Online = true
	state.LastSeen = p.now()
	snapshot := *state
	snapshot.Relays = append([]bool(nil), state.Relays...)
	p.mu.Unlock()

	if !wasOnline {
		go func() {
			if err := p.store.MarkDeviceOnline(context.Background(), ann.DeviceID, true, snapshot.LastSeen); err != nil {
				log.Printf("PROJECTOR: Failed to persist online flag for %s: %v", ann.DeviceID, err)
			}
		}()
	}
	p.notify(ann.DeviceID, snapshot)
}

// Pending returns the discovered-but-unregistered announcements.
func (p *Projector) Pending() []command.DiscoveryAnnouncement {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pending := make([]command.DiscoveryAnnouncement, 0, len(p.pending))
	for _, ann := range p.pending {
		pending = append(pending, ann)
	}
	return pending
}

// AcceptPending registers a pending device: persists the record, moves it
// into the runtime registry and clears it from the pending set.
func (p *Projector) AcceptPending(ctx context.Context, deviceID, name, location string) (*models.Device, error) {
	p.mu.Lock()
	ann, ok := p.pending[deviceID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNotPending
	}

	devType := ann.Type
	if devType == "" {
		devType = models.DeviceTypeRelay
	}
	relayCount := ann.NumRelays
	if relayCount == 0 {
		relayCount = 4
	}
	dev := &models.Device{
		DeviceID:   deviceID,
		Name:       name,
		Type:       devType,
		RelayCount: relayCount,
		Location:   location,
		Features:   []string{"power"},
		Settings:   []byte("{}"),
	}
	id, err := p.store.InsertDevice(ctx, dev)
	if err != nil {
		return nil, err
	}
	dev.ID = id

	p.mu.Lock()
	delete(p.pending, deviceID)
	p.devices[deviceID] = *dev
	p.runtime[deviceID] = &RuntimeState{
		DeviceID: deviceID,
		Online:   true,
		Relays:   make([]bool, relayCount),
		LastSeen: p.now(),
	}
	snapshot := *p.runtime[deviceID]
	snapshot.Relays = append([]bool(nil), p.runtime[deviceID].Relays...)
	p.mu.Unlock()

	log.Printf("PROJECTOR: Registered device %s as %q (%d relays)", deviceID, name, relayCount)
	p.notify(deviceID, snapshot)
	return dev, nil
}

// Register makes a device created through the API visible to the projector.
func (p *Projector) Register(dev models.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[dev.DeviceID] = dev
	if _, ok := p.runtime[dev.DeviceID]; !ok {
		p.runtime[dev.DeviceID] = &RuntimeState{
			DeviceID: dev.DeviceID,
			Relays:   make([]bool, dev.RelayCount),
		}
	}
}

// Forget drops a deleted device from the runtime registry. Prior commands
// are not retroactively un-published.
func (p *Projector) Forget(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, deviceID)
	delete(p.runtime, deviceID)
}

// Device returns the registered device record for a wire identity.
func (p *Projector) Device(deviceID string) (models.Device, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dev, ok := p.devices[deviceID]
	return dev, ok
}

// Snapshot returns the latest merged view of one device.
func (p *Projector) Snapshot(deviceID string) (RuntimeState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.runtime[deviceID]
	if !ok {
		return RuntimeState{}, false
	}
	snapshot := *state
	snapshot.Relays = append([]bool(nil), state.Relays...)
	return snapshot, true
}

// Snapshots returns the latest merged view of every registered device.
func (p *Projector) Snapshots() []RuntimeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snapshots := make([]RuntimeState, 0, len(p.runtime))
	for _, state := range p.runtime {
		snapshot := *state
		snapshot.Relays = append([]bool(nil), state.Relays...)
		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}

// GoOffline marks one device offline. Last known relay values are retained
// for display.
func (p *Projector) GoOffline(deviceID string) {
	p.mu.Lock()
	state, ok := p.runtime[deviceID]
	if !ok || !state.Online {
		p.mu.Unlock()
		return
	}
	state.Online = false
	snapshot := *state
	snapshot.Relays = append([]bool(nil), state.Relays...)
	p.mu.Unlock()

	go func() {
		if err := p.store.MarkDeviceOnline(context.Background(), deviceID, false, snapshot.LastSeen); err != nil {
			log.Printf("PROJECTOR: Failed to persist offline flag for %s: %v", deviceID, err)
		}
	}()
	p.notify(deviceID, snapshot)
}

// AllOffline marks every device offline. Invoked on bus session loss.
func (p *Projector) AllOffline() {
	p.mu.RLock()
	ids := make([]string, 0, len(p.runtime))
	for id := range p.runtime {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	for _, id := range ids {
		p.GoOffline(id)
	}
}

func (p *Projector) notify(deviceID string, snapshot RuntimeState) {
	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	mirror := p.mirror
	p.mu.RUnlock()

	if mirror != nil {
		mirror(deviceID, snapshot)
	}
	for _, obs := range observers {
		obs(deviceID, snapshot)
	}
}
