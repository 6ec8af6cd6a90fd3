// Package transport implements the framed data-plane protocol spoken
// between import and export agents: a fixed binary header per frame,
// JSON hello handshake, and heartbeat-based liveness supervision.
package transport
