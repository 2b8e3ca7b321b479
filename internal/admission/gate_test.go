package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"litepost/internal/mocks"
	"litepost/internal/registry"
	"litepost/internal/testutil"
	"litepost/pkg/types"
)

func setup(t *testing.T) (*Gate, *registry.Registry, *mocks.MockEventStore) {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockEventStore(ctrl)
	reg := registry.NewRegistry()
	return NewGate(store, reg, Options{}), reg, store
}

func connect(t *testing.T, reg *registry.Registry, id string) *testutil.FakeConn {
	t.Helper()
	conn := testutil.NewFakeConn(id, nil)
	require.NoError(t, reg.Register(conn))
	return conn
}

func requireViewers(t *testing.T, conn *testutil.FakeConn, want int) {
	t.Helper()
	frame, ok := conn.Last()
	require.True(t, ok, "expected a presence snapshot")
	require.Equal(t, types.EventMetaUpdate, frame.Event)
	var meta types.EventMeta
	require.NoError(t, testutil.DecodeData(frame, &meta))
	require.Equal(t, want, meta.Viewers)
}

func TestGate_SlowPathAdmitsExistingEvent(t *testing.T) {
	req := require.New(t)
	gate, reg, store := setup(t)
	conn := connect(t, reg, "c1")

	store.EXPECT().EventExists(gomock.Any(), "evt-123").Return(true, nil).Times(1)

	group, err := gate.Join(context.Background(), conn, "evt-123")
	req.NoError(err)
	req.Equal(types.GroupID("event:evt-123"), group)

	current, ok := reg.GroupOf("c1")
	req.True(ok)
	req.Equal(group, current)
	requireViewers(t, conn, 1)
}

func TestGate_FastPathSkipsPersistence(t *testing.T) {
	req := require.New(t)
	gate, reg, store := setup(t)
	first := connect(t, reg, "c1")
	second := connect(t, reg, "c2")

	store.EXPECT().EventExists(gomock.Any(), "evt-123").Return(true, nil).Times(1)

	_, err := gate.Join(context.Background(), first, "evt-123")
	req.NoError(err)
	first.Reset()

	// Same event, different spelling: normalized into the populated group.
	_, err = gate.Join(context.Background(), second, "  EVT-123 ")
	req.NoError(err)

	requireViewers(t, second, 2)
	req.Empty(first.Frames(), "the snapshot goes only to the joining connection")
}

func TestGate_UnknownEventDisconnects(t *testing.T) {
	req := require.New(t)
	gate, reg, store := setup(t)
	conn := connect(t, reg, "c1")

	store.EXPECT().EventExists(gomock.Any(), "missing").Return(false, nil)

	_, err := gate.Join(context.Background(), conn, "missing")

	var admissionErr *types.AdmissionError
	req.ErrorAs(err, &admissionErr)
	req.Equal(types.EventNotFound, admissionErr.Reason)
	req.True(conn.Closed())
	req.Empty(conn.Frames(), "no error payload is sent")
	req.Empty(reg.Groups())
	_, registered := reg.Lookup("c1")
	req.False(registered)
}

func TestGate_UnknownEventLeavesPreviousGroupClean(t *testing.T) {
	req := require.New(t)
	gate, reg, store := setup(t)
	conn := connect(t, reg, "c1")
	other := connect(t, reg, "c2")

	store.EXPECT().EventExists(gomock.Any(), "evt-a").Return(true, nil)
	store.EXPECT().EventExists(gomock.Any(), "missing").Return(false, nil)

	_, err := gate.Join(context.Background(), conn, "evt-a")
	req.NoError(err)
	_, err = gate.Join(context.Background(), other, "evt-a")
	req.NoError(err)

	_, err = gate.Join(context.Background(), conn, "missing")
	req.Error(err)
	req.Equal(1, reg.MemberCount(types.GroupIDFor("evt-a")))
}

func TestGate_LookupFailureDisconnects(t *testing.T) {
	req := require.New(t)
	gate, reg, store := setup(t)
	conn := connect(t, reg, "c1")
	boom := errors.New("database is locked")

	store.EXPECT().EventExists(gomock.Any(), "evt-1").Return(false, boom)

	_, err := gate.Join(context.Background(), conn, "evt-1")
	var admissionErr *types.AdmissionError
	req.ErrorAs(err, &admissionErr)
	req.Equal(types.LookupFailed, admissionErr.Reason)
	req.ErrorIs(err, boom)
	req.True(conn.Closed())
}

func TestGate_MalformedIdentifierNeverReachesPersistence(t *testing.T) {
	gate, reg, _ := setup(t)

	for _, raw := range []string{"", "   ", "room with spaces", "../../etc/passwd"} {
		conn := connect(t, reg, "c-"+raw)
		_, err := gate.Join(context.Background(), conn, raw)

		var admissionErr *types.AdmissionError
		require.ErrorAs(t, err, &admissionErr, raw)
		require.Equal(t, types.EventNotFound, admissionErr.Reason)
		require.ErrorIs(t, err, types.ErrInvalidEventID)
		require.True(t, conn.Closed())
	}
}

func TestGate_SecondJoinMovesConnection(t *testing.T) {
	req := require.New(t)
	gate, reg, store := setup(t)
	conn := connect(t, reg, "c1")

	store.EXPECT().EventExists(gomock.Any(), "evt-a").Return(true, nil)
	store.EXPECT().EventExists(gomock.Any(), "evt-b").Return(true, nil)

	_, err := gate.Join(context.Background(), conn, "evt-a")
	req.NoError(err)
	_, err = gate.Join(context.Background(), conn, "evt-b")
	req.NoError(err)

	group, _ := reg.GroupOf("c1")
	req.Equal(types.GroupIDFor("evt-b"), group)
	req.False(reg.HasMembers(types.GroupIDFor("evt-a")))
}

func TestGate_LookupRunsWithoutRegistryLock(t *testing.T) {
	req := require.New(t)
	gate, reg, store := setup(t)
	conn := connect(t, reg, "c1")

	store.EXPECT().EventExists(gomock.Any(), "evt-1").DoAndReturn(func(ctx context.Context, _ string) (bool, error) {
		// Would deadlock if the gate held the registry's write or read lock here.
		other := testutil.NewFakeConn("c2", nil)
		req.NoError(reg.Register(other))
		_, deadline := ctx.Deadline()
		req.True(deadline, "lookup must be bounded")
		return true, nil
	})

	_, err := gate.Join(context.Background(), conn, "evt-1")
	req.NoError(err)
}

func TestGate_ConnectionGoneDuringLookup(t *testing.T) {
	req := require.New(t)
	gate, reg, store := setup(t)
	conn := connect(t, reg, "c1")

	store.EXPECT().EventExists(gomock.Any(), "evt-1").DoAndReturn(func(context.Context, string) (bool, error) {
		reg.Disconnect("c1")
		return true, nil
	})

	_, err := gate.Join(context.Background(), conn, "evt-1")
	req.ErrorIs(err, registry.ErrConnectionNotRegistered)
	req.Empty(reg.Groups(), "no membership for a connection that already left")
}
