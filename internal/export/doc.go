// Package export implements the host-side agent: device registration and
// heartbeating against the broker, OS-level claim and release around each
// session, and the transfer relay between the session transport and the
// device backend.
package export
