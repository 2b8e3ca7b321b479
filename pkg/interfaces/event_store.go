//go:generate go run go.uber.org/mock/mockgen -source=event_store.go -destination=../../internal/mocks/mock_event_store.go -package=mocks
package interfaces

import "context"

// EventStore is the only persistence call made while admitting a connection.
type EventStore interface {
	EventExists(ctx context.Context, eventID string) (bool, error)
}
