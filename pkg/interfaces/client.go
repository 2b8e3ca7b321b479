package interfaces

import "context"

// ClientHandler receives the lifecycle and client events of one connection.
// The transport calls Connect once, any number of event methods, then Disconnect exactly once.
type ClientHandler interface {
	Connect(conn Connection)
	Join(ctx context.Context, conn Connection, eventID string) error
	Leave(conn Connection, eventID string)
	Typing(conn Connection) error
	StopTyping(conn Connection) error
	Disconnect(conn Connection)
}
