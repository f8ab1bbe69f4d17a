package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/events"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if credential == "" || credential == "bad" {
		return "", errors.New("invalid credential")
	}
	return "user-" + credential, nil
}

type fakeMembership struct {
	mu      sync.Mutex
	members map[string]map[string]bool
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{members: map[string]map[string]bool{}}
}

func (f *fakeMembership) add(roomID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[roomID] == nil {
		f.members[roomID] = map[string]bool{}
	}
	f.members[roomID][userID] = true
}

func (f *fakeMembership) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID][userID], nil
}

func newTestRegistry(t *testing.T, membership *fakeMembership, opts ...Option) *Registry {
	t.Helper()
	return New(fakeVerifier{}, membership, zap.NewNop(), opts...)
}

func TestRegisterRejectsBadCredential(t *testing.T) {
	reg := newTestRegistry(t, newFakeMembership())

	_, err := reg.Register(context.Background(), "bad")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestJoinRequiresParticipant(t *testing.T) {
	membership := newFakeMembership()
	reg := newTestRegistry(t, membership)

	conn, err := reg.Register(context.Background(), "alice")
	require.NoError(t, err)

	err = reg.JoinRoom(context.Background(), conn.ID, "room-1")
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)

	membership.add("room-1", conn.UserID)
	require.NoError(t, reg.JoinRoom(context.Background(), conn.ID, "room-1"))
	assert.Equal(t, 1, reg.Subscribers("room-1"))

	// idempotent
	require.NoError(t, reg.JoinRoom(context.Background(), conn.ID, "room-1"))
	assert.Equal(t, 1, reg.Subscribers("room-1"))
}

func TestLeaveRemovesIndexOnly(t *testing.T) {
	membership := newFakeMembership()
	reg := newTestRegistry(t, membership)

	conn, err := reg.Register(context.Background(), "alice")
	require.NoError(t, err)
	membership.add("room-1", conn.UserID)
	require.NoError(t, reg.JoinRoom(context.Background(), conn.ID, "room-1"))

	require.NoError(t, reg.LeaveRoom(conn.ID))
	assert.Equal(t, 0, reg.Subscribers("room-1"))
	assert.Empty(t, conn.RoomID())

	// connection itself survives a room leave
	_, err = reg.Get(conn.ID)
	assert.NoError(t, err)

	// idempotent
	assert.NoError(t, reg.LeaveRoom(conn.ID))
}

func TestUnregisterNotifiesOffline(t *testing.T) {
	membership := newFakeMembership()
	reg := newTestRegistry(t, membership)

	var gotRoom, gotUser string
	reg.SetOfflineFunc(func(roomID, userID string) {
		gotRoom, gotUser = roomID, userID
	})

	conn, err := reg.Register(context.Background(), "alice")
	require.NoError(t, err)
	membership.add("room-1", conn.UserID)
	require.NoError(t, reg.JoinRoom(context.Background(), conn.ID, "room-1"))

	reg.Unregister(conn.ID)

	assert.Equal(t, "room-1", gotRoom)
	assert.Equal(t, conn.UserID, gotUser)
	assert.Equal(t, 0, reg.Subscribers("room-1"))
	_, err = reg.Get(conn.ID)
	assert.ErrorIs(t, err, apperr.ErrConnectionNotFound)

	// safe to repeat
	reg.Unregister(conn.ID)
}

func TestExplicitLeaveDoesNotFireOffline(t *testing.T) {
	membership := newFakeMembership()
	reg := newTestRegistry(t, membership)

	fired := false
	reg.SetOfflineFunc(func(roomID, userID string) { fired = true })

	conn, err := reg.Register(context.Background(), "alice")
	require.NoError(t, err)
	membership.add("room-1", conn.UserID)
	require.NoError(t, reg.JoinRoom(context.Background(), conn.ID, "room-1"))
	require.NoError(t, reg.LeaveRoom(conn.ID))

	reg.Unregister(conn.ID)
	assert.False(t, fired)
}

func TestSweepStaleDropsIdleConnections(t *testing.T) {
	membership := newFakeMembership()
	clock := time.Unix(0, 0)
	reg := newTestRegistry(t, membership,
		WithInactivityWindow(10*time.Minute),
		WithClock(func() time.Time { return clock }))

	idle, err := reg.Register(context.Background(), "idle")
	require.NoError(t, err)
	stale, err := reg.Register(context.Background(), "stale")
	require.NoError(t, err)

	clock = clock.Add(11 * time.Minute)
	active, err := reg.Register(context.Background(), "active")
	require.NoError(t, err)

	swept := reg.SweepStale()
	assert.Equal(t, 2, swept)
	_, err = reg.Get(stale.ID)
	assert.ErrorIs(t, err, apperr.ErrConnectionNotFound)

	_, err = reg.Get(idle.ID)
	assert.ErrorIs(t, err, apperr.ErrConnectionNotFound)
	_, err = reg.Get(active.ID)
	assert.NoError(t, err)
}

func TestDeliverTargets(t *testing.T) {
	membership := newFakeMembership()
	reg := newTestRegistry(t, membership)

	a, err := reg.Register(context.Background(), "alice")
	require.NoError(t, err)
	b, err := reg.Register(context.Background(), "bob")
	require.NoError(t, err)

	membership.add("room-1", a.UserID)
	require.NoError(t, reg.JoinRoom(context.Background(), a.ID, "room-1"))

	// room scope reaches only subscribed connections
	n := reg.Deliver(events.RoomTarget("room-1"), []byte("room msg"), false)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("room msg"), <-a.Outbound)

	// user scope reaches every connection of that user
	n = reg.Deliver(events.UserTarget(b.UserID), []byte("user msg"), false)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("user msg"), <-b.Outbound)

	// global reaches everyone
	n = reg.Deliver(events.GlobalTarget(), []byte("all"), false)
	assert.Equal(t, 2, n)
}

func TestDroppableDeliveryUnderBackpressure(t *testing.T) {
	membership := newFakeMembership()
	reg := newTestRegistry(t, membership)

	conn, err := reg.Register(context.Background(), "alice")
	require.NoError(t, err)
	membership.add("room-1", conn.UserID)
	require.NoError(t, reg.JoinRoom(context.Background(), conn.ID, "room-1"))

	// fill the outbound queue without a reader
	for i := 0; i < cap(conn.Outbound); i++ {
		require.Equal(t, 1, reg.Deliver(events.RoomTarget("room-1"), []byte("x"), true))
	}

	// droppable frames are discarded instead of blocking
	assert.Equal(t, 0, reg.Deliver(events.RoomTarget("room-1"), []byte("overflow"), true))
}
