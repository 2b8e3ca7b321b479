//go:generate go run go.uber.org/mock/mockgen -source=notifier.go -destination=../../internal/mocks/mock_notifier.go -package=mocks
package interfaces

import (
	"context"

	"litepost/pkg/types"
)

// Mailer receives new-user notices from the dispatcher.
type Mailer interface {
	SendWelcome(ctx context.Context, notice *types.NewUserNotice) error
}

// ChangePublisher is the write side of the change feed.
type ChangePublisher interface {
	Publish(ctx context.Context, event types.ChangeEvent) error
}
