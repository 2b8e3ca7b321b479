package interfaces

import (
	"context"

	"litepost/pkg/types"
)

// DatabaseManager handles all persistence used by the write API
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management
type DatabaseManager interface {
	EventStore

	// CreateUser stores a new account together with its email verification token.
	CreateUser(ctx context.Context, user *types.User, verificationToken string) error
	GetUser(ctx context.Context, userID string) (*types.User, error)
	// VerifyUser consumes a verification token and marks its account verified.
	VerifyUser(ctx context.Context, verificationToken string) (*types.User, error)

	CreateEvent(ctx context.Context, event *types.Event) error
	GetEvent(ctx context.Context, eventID string) (*types.Event, error)

	// Message writes return only after the transaction has committed, which is
	// the point at which the write path may publish a change event.
	CreateMessage(ctx context.Context, message *types.Message) error
	GetMessage(ctx context.Context, eventID, messageID string) (*types.Message, error)
	UpdateMessage(ctx context.Context, message *types.Message) error
	DeleteMessage(ctx context.Context, eventID, messageID string) error
	ListMessages(ctx context.Context, eventID string) ([]*types.Message, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
