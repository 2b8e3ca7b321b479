package feed

import (
	"context"
	"errors"

	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

var errNilPayload = errors.New("change payload cannot be nil")

var _ interfaces.ChangePublisher = (*Feed)(nil)

// Emitter turns committed writes into typed change events on any publisher.
type Emitter struct {
	Publisher interfaces.ChangePublisher
}

// NewMessage announces a committed message creation to its event's group.
func (e Emitter) NewMessage(ctx context.Context, msg *types.Message) error {
	return e.publishMessage(ctx, types.NewMessage, msg)
}

// UpdateMessage announces a committed message edit.
func (e Emitter) UpdateMessage(ctx context.Context, msg *types.Message) error {
	return e.publishMessage(ctx, types.UpdatedMessage, msg)
}

// DeleteMessage announces a committed message deletion.
func (e Emitter) DeleteMessage(ctx context.Context, msg *types.Message) error {
	return e.publishMessage(ctx, types.DeletedMessage, msg)
}

// NewUser announces a sign-up along with the token for its verification link.
func (e Emitter) NewUser(ctx context.Context, user *types.User, verificationToken string) error {
	if user == nil {
		return errNilPayload
	}
	return e.Publisher.Publish(ctx, types.ChangeEvent{
		Kind:    types.NewUser,
		Payload: &types.NewUserNotice{User: *user, VerificationToken: verificationToken},
	})
}

func (e Emitter) publishMessage(ctx context.Context, kind types.ChangeKind, msg *types.Message) error {
	if msg == nil {
		return errNilPayload
	}
	return e.Publisher.Publish(ctx, types.ChangeEvent{
		Kind:    kind,
		GroupID: types.GroupIDFor(msg.EventID),
		Payload: msg,
	})
}

func (f *Feed) NewMessage(ctx context.Context, msg *types.Message) error {
	return Emitter{Publisher: f}.NewMessage(ctx, msg)
}

func (f *Feed) UpdateMessage(ctx context.Context, msg *types.Message) error {
	return Emitter{Publisher: f}.UpdateMessage(ctx, msg)
}

func (f *Feed) DeleteMessage(ctx context.Context, msg *types.Message) error {
	return Emitter{Publisher: f}.DeleteMessage(ctx, msg)
}

func (f *Feed) NewUser(ctx context.Context, user *types.User, verificationToken string) error {
	return Emitter{Publisher: f}.NewUser(ctx, user, verificationToken)
}
