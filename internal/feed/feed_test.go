package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"litepost/pkg/types"
)

type recorder struct {
	mu     sync.Mutex
	events []types.ChangeEvent
}

func (r *recorder) HandleChange(_ context.Context, event types.ChangeEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []types.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ChangeEvent(nil), r.events...)
}

func TestFeed_StartTwice(t *testing.T) {
	req := require.New(t)
	f := New(8, nil, nil)

	req.NoError(f.Start(context.Background()))
	req.ErrorIs(f.Start(context.Background()), ErrFeedAlreadyRunning)
	req.NoError(f.Close())
	req.NoError(f.Close(), "close is idempotent")
	req.ErrorIs(f.Start(context.Background()), ErrFeedClosed)
}

func TestFeed_PreservesPublicationOrder(t *testing.T) {
	req := require.New(t)
	f := New(4, nil, nil)
	rec := &recorder{}
	f.Subscribe(rec)
	req.NoError(f.Start(context.Background()))

	ctx := context.Background()
	msg := &types.Message{ID: "m1", EventID: "evt-1", Content: "first"}
	req.NoError(f.NewMessage(ctx, msg))
	req.NoError(f.UpdateMessage(ctx, msg))
	req.NoError(f.DeleteMessage(ctx, msg))
	for i := 0; i < 50; i++ {
		req.NoError(f.NewMessage(ctx, &types.Message{ID: "bulk", EventID: "evt-2"}))
	}
	req.NoError(f.Close())

	events := rec.snapshot()
	req.Len(events, 53)
	req.Equal(types.NewMessage, events[0].Kind)
	req.Equal(types.UpdatedMessage, events[1].Kind)
	req.Equal(types.DeletedMessage, events[2].Kind)
	req.Equal(types.GroupID("event:evt-1"), events[0].GroupID)
	req.False(events[0].PublishedAt.IsZero())
}

func TestFeed_CloseDrainsQueuedEvents(t *testing.T) {
	req := require.New(t)
	f := New(16, nil, nil)
	rec := &recorder{}
	f.Subscribe(rec)

	// Published before Start; Close must still deliver them.
	for i := 0; i < 5; i++ {
		req.NoError(f.NewMessage(context.Background(), &types.Message{EventID: "evt-1"}))
	}
	req.Equal(5, f.Pending())
	req.NoError(f.Close())
	req.Len(rec.snapshot(), 5)
}

func TestFeed_PublishAfterClose(t *testing.T) {
	f := New(1, nil, nil)
	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Close())

	err := f.Publish(context.Background(), types.ChangeEvent{Kind: types.NewMessage})
	require.ErrorIs(t, err, ErrFeedClosed)
}

func TestFeed_PublishRespectsContextWhenFull(t *testing.T) {
	f := New(1, nil, nil)
	require.NoError(t, f.Publish(context.Background(), types.ChangeEvent{Kind: types.NewMessage}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.Publish(ctx, types.ChangeEvent{Kind: types.NewMessage})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, f.Close())
}

func TestFeed_SubscriberPanicDoesNotStopDispatch(t *testing.T) {
	req := require.New(t)
	f := New(8, nil, nil)
	f.Subscribe(SubscriberFunc(func(context.Context, types.ChangeEvent) {
		panic("boom")
	}))
	rec := &recorder{}
	f.Subscribe(rec)
	req.NoError(f.Start(context.Background()))

	req.NoError(f.NewMessage(context.Background(), &types.Message{EventID: "evt-1"}))
	req.NoError(f.NewMessage(context.Background(), &types.Message{EventID: "evt-1"}))
	req.NoError(f.Close())

	req.Len(rec.snapshot(), 2)
}

func TestFeed_NewUserCarriesVerificationToken(t *testing.T) {
	req := require.New(t)
	f := New(1, nil, nil)
	rec := &recorder{}
	f.Subscribe(rec)

	req.NoError(f.NewUser(context.Background(), &types.User{ID: "u1", Username: "ada"}, "tok"))
	req.Error(f.NewUser(context.Background(), nil, "tok"))
	req.Error(f.NewMessage(context.Background(), nil))
	req.NoError(f.Close())

	events := rec.snapshot()
	req.Len(events, 1)
	req.Equal(types.NewUser, events[0].Kind)
	req.Empty(events[0].GroupID)

	notice, ok := events[0].Payload.(*types.NewUserNotice)
	req.True(ok)
	req.Equal("tok", notice.VerificationToken)
	req.Equal("ada", notice.User.Username)
}

func TestFeed_ConcurrentPublishAndClose(t *testing.T) {
	f := New(8, nil, nil)
	rec := &recorder{}
	f.Subscribe(rec)
	require.NoError(t, f.Start(context.Background()))

	var wg sync.WaitGroup
	var accepted sync.Map
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := f.NewMessage(context.Background(), &types.Message{EventID: "evt-1"}); err == nil {
					accepted.Store([2]int{i, j}, true)
				}
			}
		}(i)
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, f.Close())
	wg.Wait()

	n := 0
	accepted.Range(func(_, _ any) bool { n++; return true })
	require.Len(t, rec.snapshot(), n, "every accepted publish is delivered exactly once")
}
