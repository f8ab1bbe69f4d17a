package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/events"
)

type capturingPublisher struct {
	mu        sync.Mutex
	envelopes []*events.Envelope
}

func (p *capturingPublisher) Publish(eventType events.EventType, target events.Target, payload interface{}, priority events.Priority) (*events.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env := &events.Envelope{
		EventID:  uuid.New().String(),
		Type:     eventType,
		Target:   target,
		Priority: priority,
	}
	p.envelopes = append(p.envelopes, env)
	return env, nil
}

func (p *capturingPublisher) byType(t events.EventType) []*events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Envelope
	for _, env := range p.envelopes {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *capturingPublisher) {
	t.Helper()
	pub := &capturingPublisher{}
	coord := New(newMemStore(), pub, zap.NewNop())
	return coord, pub
}

func TestCreateRoomOwnerIsAdminAndParticipant(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	owner := uuid.New()

	room, err := coord.CreateRoom(context.Background(), owner, "listening party")
	require.NoError(t, err)
	assert.Equal(t, owner, room.AdminID)

	ok, err := coord.IsParticipant(context.Background(), room.ID.String(), owner.String())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJoinConflicts(t *testing.T) {
	coord, pub := newTestCoordinator(t)
	owner, guest := uuid.New(), uuid.New()
	room, err := coord.CreateRoom(context.Background(), owner, "r")
	require.NoError(t, err)
	roomID := room.ID.String()

	require.NoError(t, coord.AddParticipant(context.Background(), roomID, guest))
	assert.ErrorIs(t, coord.AddParticipant(context.Background(), roomID, guest), apperr.ErrAlreadyParticipant)

	assert.Len(t, pub.byType(events.EventTypeUserJoined), 1)

	assert.ErrorIs(t, coord.RemoveParticipant(context.Background(), roomID, uuid.New()), apperr.ErrNotParticipant)
	require.NoError(t, coord.RemoveParticipant(context.Background(), roomID, guest))
	assert.Len(t, pub.byType(events.EventTypeUserLeft), 1)
}

func TestAdministratorCannotLeave(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	owner := uuid.New()
	room, err := coord.CreateRoom(context.Background(), owner, "r")
	require.NoError(t, err)

	err = coord.RemoveParticipant(context.Background(), room.ID.String(), owner)
	assert.ErrorIs(t, err, apperr.ErrAdministratorCannotLeave)

	// participant set unchanged
	ok, err := coord.IsParticipant(context.Background(), room.ID.String(), owner.String())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnqueueTrackPositionMatchesSnapshot(t *testing.T) {
	coord, pub := newTestCoordinator(t)
	owner := uuid.New()
	room, err := coord.CreateRoom(context.Background(), owner, "r")
	require.NoError(t, err)
	roomID := room.ID.String()

	track, position, err := coord.EnqueueTrack(context.Background(), roomID, owner, "song", "artist", 180)
	require.NoError(t, err)
	assert.Equal(t, 0, position)
	assert.Len(t, pub.byType(events.EventTypeTrackAdded), 1)

	snap, err := coord.Snapshot(context.Background(), roomID)
	require.NoError(t, err)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, track.ID, snap.Queue[0].Track.ID)
	assert.Equal(t, position, snap.Queue[0].Position)
}

func TestVoteConflicts(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	owner := uuid.New()
	room, err := coord.CreateRoom(context.Background(), owner, "r")
	require.NoError(t, err)
	roomID := room.ID.String()

	track, _, err := coord.EnqueueTrack(context.Background(), roomID, owner, "song", "artist", 180)
	require.NoError(t, err)
	trackID := track.ID.String()

	require.NoError(t, coord.ApplyVote(context.Background(), roomID, trackID, owner, VoteAdd))
	assert.ErrorIs(t, coord.ApplyVote(context.Background(), roomID, trackID, owner, VoteAdd), apperr.ErrDuplicateVote)

	require.NoError(t, coord.ApplyVote(context.Background(), roomID, trackID, owner, VoteRemove))
	assert.ErrorIs(t, coord.ApplyVote(context.Background(), roomID, trackID, owner, VoteRemove), apperr.ErrNoVote)

	assert.ErrorIs(t, coord.ApplyVote(context.Background(), roomID, uuid.New().String(), owner, VoteAdd), apperr.ErrTrackNotFound)
}

func TestVoteReordersQueueAndRevertRestores(t *testing.T) {
	coord, pub := newTestCoordinator(t)
	owner := uuid.New()
	room, err := coord.CreateRoom(context.Background(), owner, "r")
	require.NoError(t, err)
	roomID := room.ID.String()

	// T1 submitted before T2, both at zero votes: order [T1, T2]
	t1, _, err := coord.EnqueueTrack(context.Background(), roomID, owner, "t1", "a", 100)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	t2, _, err := coord.EnqueueTrack(context.Background(), roomID, owner, "t2", "a", 100)
	require.NoError(t, err)

	snap, err := coord.Snapshot(context.Background(), roomID)
	require.NoError(t, err)
	require.Len(t, snap.Queue, 2)
	assert.Equal(t, t1.ID, snap.Queue[0].Track.ID)

	// voting T2 moves it to the front and emits queue_reordered
	require.NoError(t, coord.ApplyVote(context.Background(), roomID, t2.ID.String(), owner, VoteAdd))
	assert.Len(t, pub.byType(events.EventTypeQueueReordered), 1)

	snap, err = coord.Snapshot(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, t2.ID, snap.Queue[0].Track.ID)

	// retracting the vote restores [T1, T2] and emits another reorder
	require.NoError(t, coord.ApplyVote(context.Background(), roomID, t2.ID.String(), owner, VoteRemove))
	assert.Len(t, pub.byType(events.EventTypeQueueReordered), 2)

	snap, err = coord.Snapshot(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, snap.Queue[0].Track.ID)

	// every vote change also emitted the vote event itself
	assert.Len(t, pub.byType(events.EventTypeTrackVoted), 2)
}

func TestScoreOnlyVoteDoesNotEmitReorder(t *testing.T) {
	coord, pub := newTestCoordinator(t)
	owner, guest := uuid.New(), uuid.New()
	room, err := coord.CreateRoom(context.Background(), owner, "r")
	require.NoError(t, err)
	roomID := room.ID.String()
	require.NoError(t, coord.AddParticipant(context.Background(), roomID, guest))

	t1, _, err := coord.EnqueueTrack(context.Background(), roomID, owner, "t1", "a", 100)
	require.NoError(t, err)

	// with a single track, votes change the score but never the order
	require.NoError(t, coord.ApplyVote(context.Background(), roomID, t1.ID.String(), owner, VoteAdd))
	require.NoError(t, coord.ApplyVote(context.Background(), roomID, t1.ID.String(), guest, VoteAdd))

	assert.Len(t, pub.byType(events.EventTypeTrackVoted), 2)
	assert.Empty(t, pub.byType(events.EventTypeQueueReordered))
}

func TestConcurrentVotesSerializePerRoom(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	owner := uuid.New()
	room, err := coord.CreateRoom(context.Background(), owner, "r")
	require.NoError(t, err)
	roomID := room.ID.String()

	track, _, err := coord.EnqueueTrack(context.Background(), roomID, owner, "t", "a", 100)
	require.NoError(t, err)

	const voters = 20
	var wg sync.WaitGroup
	userIDs := make([]uuid.UUID, voters)
	for i := range userIDs {
		userIDs[i] = uuid.New()
		require.NoError(t, coord.AddParticipant(context.Background(), roomID, userIDs[i]))
	}

	for _, userID := range userIDs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			assert.NoError(t, coord.ApplyVote(context.Background(), roomID, track.ID.String(), id, VoteAdd))
		}(userID)
	}
	wg.Wait()

	snap, err := coord.Snapshot(context.Background(), roomID)
	require.NoError(t, err)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, voters, snap.Queue[0].Track.VoteScore)
}

func TestColdLoadFromStore(t *testing.T) {
	store := newMemStore()
	pub := &capturingPublisher{}
	first := New(store, pub, zap.NewNop())

	owner := uuid.New()
	room, err := first.CreateRoom(context.Background(), owner, "r")
	require.NoError(t, err)
	roomID := room.ID.String()
	track, _, err := first.EnqueueTrack(context.Background(), roomID, owner, "t", "a", 100)
	require.NoError(t, err)
	require.NoError(t, first.ApplyVote(context.Background(), roomID, track.ID.String(), owner, VoteAdd))

	// a fresh coordinator over the same store sees the persisted state,
	// including who voted
	second := New(store, pub, zap.NewNop())
	snap, err := second.Snapshot(context.Background(), roomID)
	require.NoError(t, err)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, 1, snap.Queue[0].Track.VoteScore)

	err = second.ApplyVote(context.Background(), roomID, track.ID.String(), owner, VoteAdd)
	assert.ErrorIs(t, err, apperr.ErrDuplicateVote)
}

func TestRoomByCode(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	owner := uuid.New()
	room, err := coord.CreateRoom(context.Background(), owner, "r")
	require.NoError(t, err)
	require.Len(t, room.Code, 6)

	found, err := coord.RoomByCode(context.Background(), room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, found.ID)

	_, err = coord.RoomByCode(context.Background(), "NOPE42")
	assert.ErrorIs(t, err, apperr.ErrRoomNotFound)
}

func TestSnapshotUnknownRoom(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	_, err := coord.Snapshot(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, apperr.ErrRoomNotFound)
}
