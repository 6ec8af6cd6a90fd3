package models

import "time"

// HostAgent is the registration record for one machine running an export
// agent. DataAddr is where import agents dial sessions.
type HostAgent struct {
	ID       string
	DataAddr string

	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// Directive instructs an export agent, in a heartbeat response, to tear a
// session down. Directives are how lease expiry and administrative
// revocation reach the agent holding the device.
type Directive struct {
	DeviceID string
	Reason   RevokeReason
}
