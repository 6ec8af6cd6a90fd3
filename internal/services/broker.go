package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/lease"
	"github.com/pvl-labs/usbip-broker/internal/metrics"
	"github.com/pvl-labs/usbip-broker/internal/models"
	"github.com/pvl-labs/usbip-broker/internal/registry"
)

// Broker glues the device registry and the lease coordinator together and
// runs their background sweeps. It also buffers teardown directives per
// host agent until the agent's next heartbeat drains them.
type Broker struct {
	reg  *registry.Registry
	coor *lease.Coordinator

	sweepInterval   time.Duration
	agentStaleAfter time.Duration
	purgeGrace      time.Duration

	mu         sync.Mutex
	directives map[string][]models.Directive // host agent ID -> pending
}

type BrokerOptions struct {
	SweepInterval   time.Duration
	AgentStaleAfter time.Duration
	PurgeGrace      time.Duration
}

func NewBroker(reg *registry.Registry, coor *lease.Coordinator, opts BrokerOptions) *Broker {
	b := &Broker{
		reg:             reg,
		coor:            coor,
		sweepInterval:   opts.SweepInterval,
		agentStaleAfter: opts.AgentStaleAfter,
		purgeGrace:      opts.PurgeGrace,
		directives:      make(map[string][]models.Directive),
	}
	coor.OnRevoked(b.queueTeardown)
	return b
}

func (b *Broker) Registry() *registry.Registry    { return b.reg }
func (b *Broker) Coordinator() *lease.Coordinator { return b.coor }

// queueTeardown records a directive for the agent owning deviceID. Delivered
// with the agent's next heartbeat response.
func (b *Broker) queueTeardown(deviceID string, l models.Lease, reason models.RevokeReason) {
	dev, err := b.reg.Get(deviceID)
	if err != nil {
		// Device already purged; there is no session left to tear down.
		return
	}

	b.mu.Lock()
	b.directives[dev.HostAgentID] = append(b.directives[dev.HostAgentID], models.Directive{
		DeviceID: deviceID,
		Reason:   reason,
	})
	b.mu.Unlock()
}

// Heartbeat refreshes agent liveness and drains its pending directives.
func (b *Broker) Heartbeat(agentID string) ([]models.Directive, error) {
	if err := b.reg.HeartbeatAgent(agentID); err != nil {
		metrics.AgentHeartbeatTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.AgentHeartbeatTotal.WithLabelValues("success").Inc()

	b.mu.Lock()
	pending := b.directives[agentID]
	delete(b.directives, agentID)
	b.mu.Unlock()
	return pending, nil
}

// DeviceRemoved handles the export agent reporting a physical detach:
// revoke whatever lease is active, then mark the device unreachable so the
// grace period starts. The agent already killed the session locally, so no
// directive is queued for this one.
func (b *Broker) DeviceRemoved(deviceID string) error {
	if err := b.coor.Revoke(deviceID, models.RevokeReasonDeviceRemoved); err != nil {
		// AlreadyFree is the common case for an idle device.
		zap.S().Named("broker").Debugw("no lease to revoke on removal", "device", deviceID, "error", err)
	}
	b.mu.Lock()
	// The removing agent gets no directive for this device.
	if dev, err := b.reg.Get(deviceID); err == nil {
		rest := b.directives[dev.HostAgentID][:0]
		for _, d := range b.directives[dev.HostAgentID] {
			if d.DeviceID != deviceID {
				rest = append(rest, d)
			}
		}
		b.directives[dev.HostAgentID] = rest
	}
	b.mu.Unlock()
	return b.reg.Deregister(deviceID)
}

// Run drives the lease TTL sweep and the registry staleness sweep until ctx
// is cancelled.
func (b *Broker) Run(ctx context.Context) {
	go b.coor.Run(ctx, b.sweepInterval)

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepAgents()
			b.reg.PurgeStale(b.purgeGrace)
			b.updateDeviceGauges()
		}
	}
}

// sweepAgents marks devices of silent agents unreachable and revokes their
// leases. Liveness here is pure heartbeat age, nothing else.
func (b *Broker) sweepAgents() {
	for _, agentID := range b.reg.StaleAgents(b.agentStaleAfter) {
		for _, deviceID := range b.reg.DevicesOfAgent(agentID) {
			dev, err := b.reg.Get(deviceID)
			if err != nil || dev.State == models.DeviceStateUnreachable {
				continue
			}
			if err := b.coor.Revoke(deviceID, models.RevokeReasonAgentLost); err == nil {
				zap.S().Named("broker").Warnw("revoked lease of lost agent",
					"agent", agentID, "device", deviceID)
			}
			if err := b.reg.Deregister(deviceID); err != nil {
				zap.S().Named("broker").Errorw("failed to deregister device of lost agent",
					"agent", agentID, "device", deviceID, "error", err)
			}
		}
	}
}

func (b *Broker) updateDeviceGauges() {
	counts := map[models.DeviceState]int{
		models.DeviceStateFree:        0,
		models.DeviceStateLeased:      0,
		models.DeviceStateBound:       0,
		models.DeviceStateUnreachable: 0,
	}
	for _, summary := range b.reg.List(registry.ListFilter{}) {
		counts[summary.State]++
	}
	for state, n := range counts {
		metrics.DevicesRegistered.WithLabelValues(string(state)).Set(float64(n))
	}
}
