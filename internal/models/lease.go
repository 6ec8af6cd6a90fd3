package models

import "time"

// Lease binds one device to one consumer for a bounded time. Token is
// strictly monotonic per device so a stale release can always be told apart
// from the current lease. Deadline is monotonic time relative to broker
// start (see pkg/monotime); wall-clock jumps never expire or revive a lease.
type Lease struct {
	DeviceID   string
	ConsumerID string
	Token      uint64
	TTL        time.Duration

	AcquiredAt time.Time
	// Deadline is monotonic elapsed time at which the lease expires unless
	// renewed first.
	Deadline time.Duration
}

// Expired reports whether the lease deadline has passed at monotonic
// elapsed time now.
func (l *Lease) Expired(now time.Duration) bool {
	return now >= l.Deadline
}

type RevokeReason string

const (
	RevokeReasonExpired       RevokeReason = "expired"
	RevokeReasonDeviceRemoved RevokeReason = "device-removed"
	RevokeReasonAgentLost     RevokeReason = "agent-lost"
	RevokeReasonAdmin         RevokeReason = "administrative"
)
