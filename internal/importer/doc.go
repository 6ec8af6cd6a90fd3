// Package importer implements the consumer-side agent: lease acquisition
// and renewal, the session handshake with the export agent, and the local
// handle that consumer software drives transfers through.
package importer
