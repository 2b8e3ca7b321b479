package hub

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"litepost/internal/admission"
	"litepost/internal/mocks"
	"litepost/internal/observability"
	"litepost/internal/registry"
	tu "litepost/internal/testutil"
	"litepost/pkg/types"
)

type hubFixture struct {
	hub     *Hub
	reg     *registry.Registry
	store   *mocks.MockEventStore
	metrics *observability.Metrics
}

func newHubFixture(t *testing.T, typingTimeout time.Duration) *hubFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockEventStore(ctrl)
	store.EXPECT().EventExists(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, id string) (bool, error) {
		return id != "missing", nil
	}).AnyTimes()

	reg := registry.NewRegistry()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	gate := admission.NewGate(store, reg, admission.Options{Metrics: metrics})
	dispatcher := NewDispatcher(reg, nil, nil, metrics)
	h := NewHub(reg, gate, dispatcher, typingTimeout, nil, metrics)
	t.Cleanup(h.Close)

	return &hubFixture{hub: h, reg: reg, store: store, metrics: metrics}
}

func (f *hubFixture) connectAndJoin(t *testing.T, id, eventID string, principal *types.Principal) *tu.FakeConn {
	t.Helper()
	conn := tu.NewFakeConn(id, principal)
	f.hub.Connect(conn)
	if eventID != "" {
		require.NoError(t, f.hub.Join(context.Background(), conn, eventID))
	}
	conn.Reset()
	return conn
}

var ada = &types.Principal{ID: "u1", Username: "ada", Name: "Ada Lovelace"}

func TestHub_TypingRelayIncludesSender(t *testing.T) {
	req := require.New(t)
	f := newHubFixture(t, time.Minute)

	author := f.connectAndJoin(t, "a", "evt-123", ada)
	viewer := f.connectAndJoin(t, "b", "evt-123", nil)
	elsewhere := f.connectAndJoin(t, "c", "evt-999", nil)

	req.NoError(f.hub.Typing(author))

	for _, conn := range []*tu.FakeConn{author, viewer} {
		frame, ok := conn.Last()
		req.True(ok)
		req.Equal(types.EventTyping, frame.Event)
		var payload types.TypingPayload
		req.NoError(tu.DecodeData(frame, &payload))
		req.Equal("Ada Lovelace", payload.Author.DisplayName)
		req.Equal("ada", payload.Author.Username)
	}
	req.Empty(elsewhere.Frames())

	req.NoError(f.hub.StopTyping(author))
	for _, conn := range []*tu.FakeConn{author, viewer} {
		frame, _ := conn.Last()
		req.Equal(types.EventStopTyping, frame.Event)
		req.Empty(frame.Data, "stop-typing carries no author")
	}
	req.Zero(f.hub.typing.Active())
}

func TestHub_TypingRejectedForAnonymousOrUnjoined(t *testing.T) {
	req := require.New(t)
	f := newHubFixture(t, time.Minute)

	anon := f.connectAndJoin(t, "anon", "evt-123", nil)
	unjoined := f.connectAndJoin(t, "solo", "", ada)

	req.ErrorIs(f.hub.Typing(anon), ErrTypingNotAllowed)
	req.ErrorIs(f.hub.Typing(unjoined), ErrTypingNotAllowed)
	req.ErrorIs(f.hub.StopTyping(anon), ErrTypingNotAllowed)
	req.Empty(anon.Frames())
	req.Zero(f.hub.typing.Active())
}

func TestHub_TypingExpires(t *testing.T) {
	f := newHubFixture(t, 20*time.Millisecond)

	author := f.connectAndJoin(t, "a", "evt-123", ada)
	viewer := f.connectAndJoin(t, "b", "evt-123", nil)

	require.NoError(t, f.hub.Typing(author))
	require.Eventually(t, func() bool {
		frame, ok := viewer.Last()
		return ok && frame.Event == types.EventStopTyping
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, f.hub.typing.Active())
}

func TestHub_RepeatedTypingExtendsIndicator(t *testing.T) {
	f := newHubFixture(t, 60*time.Millisecond)
	author := f.connectAndJoin(t, "a", "evt-123", ada)

	for i := 0; i < 4; i++ {
		require.NoError(t, f.hub.Typing(author))
		time.Sleep(25 * time.Millisecond)
	}
	require.NotContains(t, author.Events(), types.EventStopTyping)
	require.Equal(t, 1, f.hub.typing.Active())
}

func TestHub_DisconnectWhileTypingClearsIndicator(t *testing.T) {
	req := require.New(t)
	f := newHubFixture(t, time.Minute)

	author := f.connectAndJoin(t, "a", "evt-123", ada)
	viewer := f.connectAndJoin(t, "b", "evt-123", nil)
	req.NoError(f.hub.Typing(author))
	viewer.Reset()

	f.hub.Disconnect(author)
	f.hub.Disconnect(author)

	req.Equal([]string{types.EventStopTyping}, viewer.Events())
	req.Equal(1, f.reg.MemberCount(types.GroupIDFor("evt-123")))
	req.Equal(1.0, testutil.ToFloat64(f.metrics.Connections))
}

func TestHub_LeaveWhileTypingClearsIndicator(t *testing.T) {
	req := require.New(t)
	f := newHubFixture(t, time.Minute)

	author := f.connectAndJoin(t, "a", "evt-123", ada)
	viewer := f.connectAndJoin(t, "b", "evt-123", nil)
	req.NoError(f.hub.Typing(author))
	viewer.Reset()

	f.hub.Leave(author, "ignored")

	req.Equal([]string{types.EventStopTyping}, viewer.Events())
	_, inGroup := f.reg.GroupOf("a")
	req.False(inGroup)
	req.False(author.Closed(), "leave keeps the transport open")
}

func TestHub_SwitchingGroupsWhileTyping(t *testing.T) {
	req := require.New(t)
	f := newHubFixture(t, time.Minute)

	author := f.connectAndJoin(t, "a", "evt-1", ada)
	oldViewer := f.connectAndJoin(t, "b", "evt-1", nil)
	req.NoError(f.hub.Typing(author))
	oldViewer.Reset()

	req.NoError(f.hub.Join(context.Background(), author, "evt-2"))

	req.Equal([]string{types.EventStopTyping}, oldViewer.Events())
	group, _ := f.reg.GroupOf("a")
	req.Equal(types.GroupIDFor("evt-2"), group)
}

func TestHub_RefusedJoinDisconnects(t *testing.T) {
	req := require.New(t)
	f := newHubFixture(t, time.Minute)

	conn := f.connectAndJoin(t, "a", "", nil)
	req.Equal(1.0, testutil.ToFloat64(f.metrics.Connections))

	err := f.hub.Join(context.Background(), conn, "missing")
	var admissionErr *types.AdmissionError
	req.ErrorAs(err, &admissionErr)
	req.True(conn.Closed())
	req.Empty(f.reg.Groups())
	req.Equal(0.0, testutil.ToFloat64(f.metrics.Connections))

	// The transport's own teardown follows; it must not double count.
	f.hub.Disconnect(conn)
	req.Equal(0.0, testutil.ToFloat64(f.metrics.Connections))
}

func TestHub_RapidJoinsEndInLastGroup(t *testing.T) {
	req := require.New(t)
	f := newHubFixture(t, time.Minute)
	conn := f.connectAndJoin(t, "a", "", nil)

	req.NoError(f.hub.Join(context.Background(), conn, "evt-1"))
	req.NoError(f.hub.Join(context.Background(), conn, "evt-2"))

	group, ok := f.reg.GroupOf("a")
	req.True(ok)
	req.Equal(types.GroupIDFor("evt-2"), group)
	req.ElementsMatch([]types.GroupID{types.GroupIDFor("evt-2")}, f.reg.Groups())
}

func TestHub_ConnectRejectsDuplicateID(t *testing.T) {
	f := newHubFixture(t, time.Minute)
	f.connectAndJoin(t, "a", "", nil)

	dup := tu.NewFakeConn("a", nil)
	f.hub.Connect(dup)
	require.True(t, dup.Closed())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Connections))

	f.hub.Disconnect(dup)
	_, ok := f.reg.Lookup("a")
	require.True(t, ok, "original connection must survive the duplicate's teardown")
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Connections))
}
