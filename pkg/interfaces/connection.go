package interfaces

import "litepost/pkg/types"

// Connection is a live client transport as seen by the registry and dispatcher.
// ARCHITECTURAL DISCOVERY: Pure abstraction keeps group bookkeeping testable without sockets
type Connection interface {
	// ID is unique for the lifetime of the process.
	ID() string

	// Principal returns the identity attached at handshake, or nil when unauthenticated.
	Principal() *types.Principal

	// Send queues an encoded frame without blocking. Implementations must
	// return an error instead of waiting when the peer cannot keep up.
	Send(frame []byte) error

	// Close tears the transport down. Safe to call more than once.
	Close() error
}
