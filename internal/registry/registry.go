package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/models"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

const defaultStripes = 64

// Event is an availability change notification. Callers that prefer waiting
// over polling subscribe to these.
type Event struct {
	DeviceID string
	State    models.DeviceState
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	State       models.DeviceState
	HostAgentID string
}

// Registry tracks host agents and the devices they report. All state is in
// memory: agents re-register on broker restart, which is the recovery path.
// Mutations of a given device are serialized through a per-key stripe.
type Registry struct {
	keys *keyMutex

	mu      sync.RWMutex
	devices map[string]*models.Device
	agents  map[string]*models.HostAgent

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func New() *Registry {
	return &Registry{
		keys:    newKeyMutex(defaultStripes),
		devices: make(map[string]*models.Device),
		agents:  make(map[string]*models.HostAgent),
		subs:    make(map[int]chan Event),
	}
}

// RegisterAgent records (or refreshes) a host agent. Re-registration with
// the same ID after an agent restart updates the address in place.
func (r *Registry) RegisterAgent(id, dataAddr string) *models.HostAgent {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	agent, ok := r.agents[id]
	if !ok {
		agent = &models.HostAgent{ID: id, RegisteredAt: now}
		r.agents[id] = agent
	}
	agent.DataAddr = dataAddr
	agent.LastHeartbeat = now
	return agent
}

// HeartbeatAgent refreshes an agent's liveness timestamp.
func (r *Registry) HeartbeatAgent(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return srvErrors.NewAgentNotFoundError(id)
	}
	agent.LastHeartbeat = time.Now()
	return nil
}

// Agent returns the registration record for a host agent.
func (r *Registry) Agent(id string) (models.HostAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return models.HostAgent{}, srvErrors.NewAgentNotFoundError(id)
	}
	return *agent, nil
}

// Register records a device reported by a host agent and returns its ID.
// The ID is derived from (hostAgentID, bus path), so reporting the same
// physical device after a reconnect updates the existing record instead of
// creating a duplicate.
func (r *Registry) Register(hostAgentID string, desc models.DeviceDescriptor) (string, error) {
	r.mu.RLock()
	_, agentKnown := r.agents[hostAgentID]
	r.mu.RUnlock()
	if !agentKnown {
		return "", srvErrors.NewAgentNotFoundError(hostAgentID)
	}

	id := desc.Key(hostAgentID)
	m := r.keys.lock(id)
	defer m.Unlock()

	r.mu.Lock()
	dev, exists := r.devices[id]
	if !exists {
		dev = &models.Device{
			ID:           id,
			HostAgentID:  hostAgentID,
			State:        models.DeviceStateFree,
			RegisteredAt: time.Now(),
		}
		r.devices[id] = dev
	}
	dev.Descriptor = desc
	if exists && dev.State == models.DeviceStateUnreachable {
		// Physical reconnect: back in service, grace timer cancelled.
		dev.State = models.DeviceStateFree
		dev.UnreachableSince = time.Time{}
	}
	free := dev.State == models.DeviceStateFree
	r.mu.Unlock()

	if !exists || free {
		r.notify(Event{DeviceID: id, State: models.DeviceStateFree})
	}

	zap.S().Named("registry").Infow("device registered",
		"device", id, "vendor", desc.VendorID, "product", desc.ProductID, "update", exists)
	return id, nil
}

// Deregister marks a device unreachable. The record survives a grace period
// so in-flight operations see a device-removed fault rather than a bare
// NotFound; PurgeStale removes it afterwards. The caller is responsible for
// revoking an active lease first.
func (r *Registry) Deregister(deviceID string) error {
	m := r.keys.lock(deviceID)
	defer m.Unlock()

	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return srvErrors.NewDeviceNotFoundError(deviceID)
	}
	dev.State = models.DeviceStateUnreachable
	dev.UnreachableSince = time.Now()
	r.mu.Unlock()

	r.notify(Event{DeviceID: deviceID, State: models.DeviceStateUnreachable})

	zap.S().Named("registry").Infow("device deregistered", "device", deviceID)
	return nil
}

// Get returns a copy of the device record.
func (r *Registry) Get(deviceID string) (models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return models.Device{}, srvErrors.NewDeviceNotFoundError(deviceID)
	}
	return *dev, nil
}

// List returns summaries of devices matching the filter.
func (r *Registry) List(filter ListFilter) []models.DeviceSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceSummary, 0, len(r.devices))
	for _, dev := range r.devices {
		if filter.State != "" && dev.State != filter.State {
			continue
		}
		if filter.HostAgentID != "" && dev.HostAgentID != filter.HostAgentID {
			continue
		}
		out = append(out, dev.Summary())
	}
	return out
}

// WithDevice runs fn on the live device record under the device's stripe
// lock. The lease coordinator funnels every state transition through here so
// acquire, release and the TTL sweep can never race on one device.
func (r *Registry) WithDevice(deviceID string, fn func(dev *models.Device) error) error {
	m := r.keys.lock(deviceID)
	defer m.Unlock()

	// The stripe serializes logical operations per device; r.mu additionally
	// guards the record fields against concurrent Get/List copies. fn bodies
	// are short state transitions, never I/O.
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return srvErrors.NewDeviceNotFoundError(deviceID)
	}
	prev := dev.State
	err := fn(dev)
	state := dev.State
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if state != prev {
		r.notify(Event{DeviceID: deviceID, State: state})
	}
	return nil
}

// StaleAgents returns agents that have not heartbeated within staleAfter.
func (r *Registry) StaleAgents(staleAfter time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	cutoff := time.Now().Add(-staleAfter)
	for id, agent := range r.agents {
		if agent.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// DevicesOfAgent returns the device IDs currently attributed to an agent.
func (r *Registry) DevicesOfAgent(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, dev := range r.devices {
		if dev.HostAgentID == agentID {
			ids = append(ids, id)
		}
	}
	return ids
}

// PurgeStale removes unreachable devices whose grace period has elapsed and
// returns their IDs.
func (r *Registry) PurgeStale(grace time.Duration) []string {
	r.mu.RLock()
	var candidates []string
	cutoff := time.Now().Add(-grace)
	for id, dev := range r.devices {
		if dev.State == models.DeviceStateUnreachable && dev.UnreachableSince.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	var purged []string
	for _, id := range candidates {
		m := r.keys.lock(id)
		r.mu.Lock()
		dev, ok := r.devices[id]
		// Re-check under the stripe: the device may have re-registered.
		if ok && dev.State == models.DeviceStateUnreachable && dev.UnreachableSince.Before(cutoff) {
			delete(r.devices, id)
			purged = append(purged, id)
		}
		r.mu.Unlock()
		m.Unlock()
	}

	if len(purged) > 0 {
		zap.S().Named("registry").Infow("purged unreachable devices", "devices", purged)
	}
	return purged
}

// Subscribe returns a channel of availability events and a cancel func.
// Events are dropped, not blocked on, if the subscriber falls behind.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, 16)
	r.subs[id] = ch

	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
}

func (r *Registry) notify(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
