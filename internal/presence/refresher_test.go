package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"litepost/pkg/types"
)

type staticGroups map[types.GroupID]int

func (s staticGroups) Groups() []types.GroupID {
	out := make([]types.GroupID, 0, len(s))
	for g := range s {
		out = append(out, g)
	}
	return out
}

func (s staticGroups) MemberCount(group types.GroupID) int { return s[group] }

type recordingBroadcaster struct {
	mu    sync.Mutex
	sent  map[types.GroupID][]types.EventMeta
	fail  map[types.GroupID]error
	panic types.GroupID
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{
		sent: make(map[types.GroupID][]types.EventMeta),
		fail: make(map[types.GroupID]error),
	}
}

func (b *recordingBroadcaster) Broadcast(group types.GroupID, event string, payload any) (int, error) {
	if group == b.panic {
		panic("transport exploded")
	}
	if err := b.fail[group]; err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if event != types.EventMetaUpdate {
		return 0, errors.New("unexpected event " + event)
	}
	b.sent[group] = append(b.sent[group], payload.(types.EventMeta))
	return 1, nil
}

func (b *recordingBroadcaster) count(group types.GroupID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent[group])
}

func TestViewers(t *testing.T) {
	require.Equal(t, 1, Viewers(0))
	require.Equal(t, 1, Viewers(1))
	require.Equal(t, 3, Viewers(3))
}

func TestRefresh_ReportsMemberCountWithFloor(t *testing.T) {
	req := require.New(t)
	groups := staticGroups{"event:a": 3, "event:racing": 0}
	b := newRecordingBroadcaster()
	r := NewRefresher(groups, b, time.Hour, nil, nil)

	req.Equal(2, r.Refresh())
	req.Equal([]types.EventMeta{{Viewers: 3}}, b.sent["event:a"])
	req.Equal([]types.EventMeta{{Viewers: 1}}, b.sent["event:racing"], "a group that just emptied still reports one viewer")
}

func TestRefresh_IsolatesFailingGroups(t *testing.T) {
	req := require.New(t)
	groups := staticGroups{"event:ok": 2, "event:err": 1, "event:panic": 1}
	b := newRecordingBroadcaster()
	b.fail["event:err"] = errors.New("queue full")
	b.panic = "event:panic"
	r := NewRefresher(groups, b, time.Hour, nil, nil)

	req.NotPanics(func() {
		req.Equal(1, r.Refresh())
	})
	req.Equal(1, b.count("event:ok"))
}

func TestRefresh_NoGroups(t *testing.T) {
	r := NewRefresher(staticGroups{}, newRecordingBroadcaster(), time.Hour, nil, nil)
	require.Zero(t, r.Refresh())
}

func TestRefresher_Lifecycle(t *testing.T) {
	req := require.New(t)
	groups := staticGroups{"event:a": 2}
	b := newRecordingBroadcaster()
	r := NewRefresher(groups, b, 10*time.Millisecond, nil, nil)

	req.ErrorIs(r.Stop(), ErrNotRunning)
	req.NoError(r.Start(context.Background()))
	req.ErrorIs(r.Start(context.Background()), ErrAlreadyRunning)

	req.Eventually(func() bool { return b.count("event:a") >= 2 }, time.Second, 5*time.Millisecond)

	req.NoError(r.Stop())
	after := b.count("event:a")
	time.Sleep(40 * time.Millisecond)
	req.Equal(after, b.count("event:a"), "no ticks after Stop")

	// Restartable after Stop.
	req.NoError(r.Start(context.Background()))
	req.NoError(r.Stop())
}

func TestRefresher_StopsWithContext(t *testing.T) {
	b := newRecordingBroadcaster()
	r := NewRefresher(staticGroups{"event:a": 1}, b, 5*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return b.count("event:a") >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	// Stop still reports running; it releases the handle and returns once the loop exited.
	require.NoError(t, r.Stop())
}
