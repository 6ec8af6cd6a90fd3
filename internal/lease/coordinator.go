package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/metrics"
	"github.com/pvl-labs/usbip-broker/internal/models"
	"github.com/pvl-labs/usbip-broker/internal/registry"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
	"github.com/pvl-labs/usbip-broker/pkg/monotime"
)

// RevokedFunc is called after a lease is removed for any reason other than
// an explicit release by its holder. The broker uses it to queue teardown
// directives for the export agent.
type RevokedFunc func(deviceID string, lease models.Lease, reason models.RevokeReason)

// Coordinator mediates exclusive device access. Acquisition is an atomic
// compare-and-set from Free to Leased under the registry's per-device
// stripe; a losing caller gets Busy immediately, never a queue slot.
// Deadlines live on the monotonic clock so wall-clock adjustments cannot
// expire or resurrect a lease.
type Coordinator struct {
	reg   *registry.Registry
	clock *monotime.Clock

	mu     sync.Mutex
	leases map[string]*models.Lease

	onRevoked RevokedFunc
}

func NewCoordinator(reg *registry.Registry) *Coordinator {
	return &Coordinator{
		reg:    reg,
		clock:  monotime.NewClock(),
		leases: make(map[string]*models.Lease),
	}
}

// OnRevoked installs the forced-revocation callback. Must be set before the
// coordinator starts handling traffic.
func (c *Coordinator) OnRevoked(fn RevokedFunc) {
	c.onRevoked = fn
}

// Acquire leases deviceID to consumerID for ttl. Returns Busy if another
// consumer holds the lease, NotFound for unknown devices, Unreachable for
// devices whose agent has gone away.
// ErrInvalidTTL rejects acquisitions with a non-positive TTL.
var ErrInvalidTTL = errors.New("lease ttl must be positive")

func (c *Coordinator) Acquire(deviceID, consumerID string, ttl time.Duration) (models.Lease, error) {
	if ttl <= 0 {
		return models.Lease{}, ErrInvalidTTL
	}

	var lease models.Lease
	err := c.reg.WithDevice(deviceID, func(dev *models.Device) error {
		switch dev.State {
		case models.DeviceStateUnreachable:
			return srvErrors.NewUnreachableError("device "+deviceID, 0, nil)
		case models.DeviceStateLeased, models.DeviceStateBound:
			holder := ""
			c.mu.Lock()
			if cur, ok := c.leases[deviceID]; ok {
				holder = cur.ConsumerID
			}
			c.mu.Unlock()
			return srvErrors.NewDeviceBusyError(deviceID, holder)
		}

		// Free -> Leased. Token counter lives on the device record so it
		// stays monotonic across lease lifetimes.
		dev.LastToken++
		dev.State = models.DeviceStateLeased

		lease = models.Lease{
			DeviceID:   deviceID,
			ConsumerID: consumerID,
			Token:      dev.LastToken,
			TTL:        ttl,
			AcquiredAt: time.Now(),
			Deadline:   c.clock.Deadline(ttl),
		}
		c.mu.Lock()
		c.leases[deviceID] = &lease
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		metrics.LeaseAcquireTotal.WithLabelValues("failure").Inc()
		return models.Lease{}, err
	}

	metrics.LeaseAcquireTotal.WithLabelValues("success").Inc()
	metrics.LeasesActive.Inc()
	zap.S().Named("lease").Infow("lease acquired",
		"device", deviceID, "consumer", consumerID, "token", lease.Token, "ttl", ttl)
	return lease, nil
}

// Renew extends the lease deadline by its TTL from now. Strict expiry: a
// lease whose deadline has already passed cannot be renewed even if the
// sweep has not collected it yet, so two consumers can never both believe
// they hold the device.
func (c *Coordinator) Renew(deviceID string, token uint64) (time.Duration, error) {
	var remaining time.Duration
	err := c.reg.WithDevice(deviceID, func(dev *models.Device) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		cur, ok := c.leases[deviceID]
		if !ok || cur.Token != token {
			return srvErrors.NewInvalidTokenError(deviceID, token)
		}
		if cur.Expired(c.clock.Elapsed()) {
			return srvErrors.NewLeaseExpiredError(deviceID, token)
		}
		cur.Deadline = c.clock.Deadline(cur.TTL)
		remaining = cur.TTL
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.LeaseRenewTotal.Inc()
	return remaining, nil
}

// Release ends a lease explicitly. A stale token (an earlier lease on the
// same device, or one already collected) yields InvalidToken.
func (c *Coordinator) Release(deviceID string, token uint64) error {
	err := c.reg.WithDevice(deviceID, func(dev *models.Device) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		cur, ok := c.leases[deviceID]
		if !ok || cur.Token != token {
			return srvErrors.NewInvalidTokenError(deviceID, token)
		}
		delete(c.leases, deviceID)
		if dev.State == models.DeviceStateLeased || dev.State == models.DeviceStateBound {
			dev.State = models.DeviceStateFree
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.LeasesActive.Dec()
	zap.S().Named("lease").Infow("lease released", "device", deviceID, "token", token)
	return nil
}

// Revoke force-releases whatever lease deviceID holds, regardless of
// holder. Used by operators and when the agent reports physical removal.
// Returns AlreadyFree when there is nothing to revoke.
func (c *Coordinator) Revoke(deviceID string, reason models.RevokeReason) error {
	var revoked models.Lease
	err := c.reg.WithDevice(deviceID, func(dev *models.Device) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		cur, ok := c.leases[deviceID]
		if !ok {
			return srvErrors.NewAlreadyFreeError(deviceID)
		}
		revoked = *cur
		delete(c.leases, deviceID)
		if dev.State == models.DeviceStateLeased || dev.State == models.DeviceStateBound {
			dev.State = models.DeviceStateFree
		}
		return nil
	})
	if err != nil {
		// Revoking a purged device still clears coordinator state.
		if srvErrors.IsNotFoundError(err) {
			c.mu.Lock()
			cur, ok := c.leases[deviceID]
			if ok {
				revoked = *cur
				delete(c.leases, deviceID)
			}
			c.mu.Unlock()
			if !ok {
				return err
			}
		} else {
			return err
		}
	}

	metrics.LeasesActive.Dec()
	zap.S().Named("lease").Warnw("lease revoked",
		"device", deviceID, "consumer", revoked.ConsumerID, "token", revoked.Token, "reason", reason)
	if c.onRevoked != nil {
		c.onRevoked(deviceID, revoked, reason)
	}
	return nil
}

// Lookup returns the current lease on deviceID, if any. Export agents use
// it to validate session-open requests.
func (c *Coordinator) Lookup(deviceID string) (models.Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.leases[deviceID]
	if !ok {
		return models.Lease{}, srvErrors.NewLeaseNotFoundError(deviceID)
	}
	return *cur, nil
}

// MarkBound transitions a leased device to bound once the export agent has
// claimed it and opened the session. Token must match the current lease.
func (c *Coordinator) MarkBound(deviceID string, token uint64) error {
	return c.reg.WithDevice(deviceID, func(dev *models.Device) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		cur, ok := c.leases[deviceID]
		if !ok || cur.Token != token {
			return srvErrors.NewInvalidTokenError(deviceID, token)
		}
		if cur.Expired(c.clock.Elapsed()) {
			return srvErrors.NewLeaseExpiredError(deviceID, token)
		}
		dev.State = models.DeviceStateBound
		return nil
	})
}

// Sweep expires leases whose renewal deadline has passed. Each expiry goes
// through the same per-device serialization as a normal release, so a
// concurrent renew either lands before the sweep (and saves the lease) or
// fails with Expired, never both.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	now := c.clock.Elapsed()
	var due []string
	for id, l := range c.leases {
		if l.Expired(now) {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	expired := 0
	for _, deviceID := range due {
		var gone models.Lease
		err := c.reg.WithDevice(deviceID, func(dev *models.Device) error {
			c.mu.Lock()
			defer c.mu.Unlock()

			cur, ok := c.leases[deviceID]
			if !ok || !cur.Expired(c.clock.Elapsed()) {
				// Renewed (or released) between scan and sweep.
				return srvErrors.NewLeaseNotFoundError(deviceID)
			}
			gone = *cur
			delete(c.leases, deviceID)
			if dev.State == models.DeviceStateLeased || dev.State == models.DeviceStateBound {
				dev.State = models.DeviceStateFree
			}
			return nil
		})
		if err != nil {
			continue
		}

		expired++
		metrics.LeasesActive.Dec()
		metrics.LeaseExpireTotal.Inc()
		zap.S().Named("lease").Warnw("lease expired",
			"device", deviceID, "consumer", gone.ConsumerID, "token", gone.Token)
		if c.onRevoked != nil {
			c.onRevoked(deviceID, gone, models.RevokeReasonExpired)
		}
	}
	return expired
}

// Run drives the TTL sweep on its own ticker until ctx is cancelled. This
// is deliberately decoupled from request handling.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
