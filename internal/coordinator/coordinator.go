// Package coordinator owns the authoritative in-memory state of every
// room. All mutations to one room run under that room's lock, so two
// concurrent votes or joins can never interleave; different rooms mutate
// independently. A mutation is committed only once the store write
// succeeded, and its event is handed to the broadcaster before the lock is
// released so per-room event order matches mutation order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/listening-room-system/internal/ranker"
	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/events"
	"github.com/listening-room-system/pkg/models"
)

const codeLength = 6

// Store is the durable write-through backend. *database.MySQLDB satisfies
// it; tests use an in-memory double.
type Store interface {
	CreateRoom(room *models.Room) error
	GetRoomByID(id string) (*models.Room, error)
	GetRoomByCode(code string) (*models.Room, error)
	AddParticipant(p *models.Participant) error
	RemoveParticipant(roomID, userID string) error
	GetParticipants(roomID string) ([]*models.Participant, error)
	AddTrack(track *models.Track) error
	GetQueue(roomID string) ([]*models.Track, error)
	MarkTrackPlayed(trackID string) error
	AddVote(vote *models.Vote) (int, error)
	RemoveVote(trackID, userID string) (int, error)
	GetVotesForRoom(roomID string) ([]*models.Vote, error)
	SavePlaybackState(state *models.PlaybackState) error
	GetPlaybackState(roomID string) (*models.PlaybackState, error)
}

// Publisher hands a committed mutation's event to the broadcaster. The call
// only enqueues, so it is safe inside the per-room critical section.
type Publisher interface {
	Publish(eventType events.EventType, target events.Target, payload interface{}, priority events.Priority) (*events.Envelope, error)
}

// SnapshotCache is the optional Redis-backed cache for room snapshots.
type SnapshotCache interface {
	Put(ctx context.Context, roomID string, snapshot interface{}) error
	Invalidate(ctx context.Context, roomID string) error
}

type roomState struct {
	mu           sync.Mutex
	room         models.Room
	participants map[string]*models.Participant
	tracks       map[string]*models.Track
	votes        map[string]map[string]bool
	ranked       []*models.Track
	playback     models.PlaybackState
}

// QueueEntry pairs a track with its current rank.
type QueueEntry struct {
	Track    models.Track `json:"track"`
	Position int          `json:"position"`
}

// Snapshot is an immutable read of one room, enough for a late-joining
// client to catch up without replaying event history.
type Snapshot struct {
	Room         models.Room          `json:"room"`
	Participants []models.Participant `json:"participants"`
	Queue        []QueueEntry         `json:"queue"`
	Playback     models.PlaybackState `json:"playback"`
	Position     float64              `json:"position"`
	ServerTime   time.Time            `json:"server_time"`
}

type Coordinator struct {
	store  Store
	pub    Publisher
	cache  SnapshotCache
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	rooms map[string]*roomState
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithSnapshotCache(cache SnapshotCache) Option {
	return func(c *Coordinator) { c.cache = cache }
}

func New(store Store, pub Publisher, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		pub:    pub,
		logger: logger,
		now:    time.Now,
		rooms:  make(map[string]*roomState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetPublisher wires the broadcaster after construction; the broadcaster's
// direct path needs the registry, which needs this coordinator, so the
// publisher arrives last. Called once during startup.
func (c *Coordinator) SetPublisher(pub Publisher) {
	c.pub = pub
}

// CreateRoom creates a room with owner as its sole administrator and
// participant.
func (c *Coordinator) CreateRoom(ctx context.Context, ownerID uuid.UUID, name string) (*models.Room, error) {
	now := c.now()
	room := &models.Room{
		ID:        uuid.New(),
		Code:      generateRoomCode(),
		AdminID:   ownerID,
		Name:      name,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.store.CreateRoom(room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	owner := &models.Participant{
		ID:       uuid.New(),
		RoomID:   room.ID,
		UserID:   ownerID,
		JoinedAt: now,
	}
	if err := c.store.AddParticipant(owner); err != nil {
		return nil, fmt.Errorf("failed to add owner as participant: %w", err)
	}

	state := &roomState{
		room:         *room,
		participants: map[string]*models.Participant{ownerID.String(): owner},
		tracks:       make(map[string]*models.Track),
		votes:        make(map[string]map[string]bool),
		playback:     models.PlaybackState{RoomID: room.ID, UpdatedAt: now},
	}

	c.mu.Lock()
	c.rooms[room.ID.String()] = state
	c.mu.Unlock()

	c.logger.Info("room created",
		zap.String("room_id", room.ID.String()),
		zap.String("admin_id", ownerID.String()))
	return room, nil
}

// RoomByCode resolves a room from its share code, so clients can join
// without knowing the room id.
func (c *Coordinator) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	room, err := c.store.GetRoomByCode(code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrRoomNotFound
		}
		return nil, apperr.Internal(fmt.Errorf("load room by code: %w", err))
	}
	return room, nil
}

// AddParticipant joins a user to a room. Fails with AlreadyParticipant if
// present.
func (c *Coordinator) AddParticipant(ctx context.Context, roomID string, userID uuid.UUID) error {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, exists := state.participants[userID.String()]; exists {
		return apperr.ErrAlreadyParticipant
	}

	p := &models.Participant{
		ID:       uuid.New(),
		RoomID:   state.room.ID,
		UserID:   userID,
		JoinedAt: c.now(),
	}
	if err := c.store.AddParticipant(p); err != nil {
		return apperr.Internal(fmt.Errorf("persist participant: %w", err))
	}
	state.participants[userID.String()] = p

	c.invalidateSnapshot(ctx, roomID)
	c.publish(events.EventTypeUserJoined, roomID, map[string]interface{}{
		"room_id":   roomID,
		"user_id":   userID.String(),
		"joined_at": p.JoinedAt,
	}, events.PriorityCritical)
	return nil
}

// RemoveParticipant removes a user from a room. The administrator cannot
// leave their own room.
func (c *Coordinator) RemoveParticipant(ctx context.Context, roomID string, userID uuid.UUID) error {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, exists := state.participants[userID.String()]; !exists {
		return apperr.ErrNotParticipant
	}
	if state.room.AdminID == userID {
		return apperr.ErrAdministratorCannotLeave
	}

	if err := c.store.RemoveParticipant(roomID, userID.String()); err != nil {
		return apperr.Internal(fmt.Errorf("remove participant: %w", err))
	}
	delete(state.participants, userID.String())

	c.invalidateSnapshot(ctx, roomID)
	c.publish(events.EventTypeUserLeft, roomID, map[string]interface{}{
		"room_id": roomID,
		"user_id": userID.String(),
	}, events.PriorityCritical)
	return nil
}

// EnqueueTrack inserts a track, re-ranks the queue and reports the track's
// position in the new order.
func (c *Coordinator) EnqueueTrack(ctx context.Context, roomID string, uploaderID uuid.UUID, title, artist string, duration float64) (*models.Track, int, error) {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return nil, 0, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, exists := state.participants[uploaderID.String()]; !exists {
		return nil, 0, apperr.ErrNotParticipant
	}

	now := c.now()
	track := &models.Track{
		ID:          uuid.New(),
		RoomID:      state.room.ID,
		UploaderID:  uploaderID,
		Title:       title,
		Artist:      artist,
		Duration:    duration,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := c.store.AddTrack(track); err != nil {
		return nil, 0, apperr.Internal(fmt.Errorf("persist track: %w", err))
	}

	state.tracks[track.ID.String()] = track
	state.votes[track.ID.String()] = make(map[string]bool)
	state.ranked = ranker.Rank(trackList(state.tracks))
	position := ranker.Position(state.ranked, track.ID.String())

	c.invalidateSnapshot(ctx, roomID)
	c.publish(events.EventTypeTrackAdded, roomID, map[string]interface{}{
		"room_id":  roomID,
		"track":    track,
		"position": position,
		"queue":    trackIDs(state.ranked),
	}, events.PriorityHigh)

	return track, position, nil
}

// VoteDirection selects between casting and retracting a vote.
type VoteDirection string

const (
	VoteAdd    VoteDirection = "add"
	VoteRemove VoteDirection = "remove"
)

// ApplyVote casts or retracts a user's vote on a track, recomputes the
// cached score transactionally, and re-ranks. The vote event is always
// emitted; queue_reordered only goes out when the ranked id sequence
// actually changed, so score-only changes do not trigger redundant
// broadcasts.
func (c *Coordinator) ApplyVote(ctx context.Context, roomID, trackID string, userID uuid.UUID, direction VoteDirection) error {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, exists := state.participants[userID.String()]; !exists {
		return apperr.ErrNotParticipant
	}
	track, exists := state.tracks[trackID]
	if !exists {
		return apperr.ErrTrackNotFound
	}

	voters := state.votes[trackID]
	if voters == nil {
		voters = make(map[string]bool)
		state.votes[trackID] = voters
	}

	var score int
	switch direction {
	case VoteAdd:
		if voters[userID.String()] {
			return apperr.ErrDuplicateVote
		}
		vote := &models.Vote{
			ID:        uuid.New(),
			TrackID:   track.ID,
			UserID:    userID,
			CreatedAt: c.now(),
		}
		score, err = c.store.AddVote(vote)
		if err != nil {
			return apperr.Internal(fmt.Errorf("persist vote: %w", err))
		}
		voters[userID.String()] = true
	case VoteRemove:
		if !voters[userID.String()] {
			return apperr.ErrNoVote
		}
		score, err = c.store.RemoveVote(trackID, userID.String())
		if err != nil {
			return apperr.Internal(fmt.Errorf("remove vote: %w", err))
		}
		delete(voters, userID.String())
	default:
		return apperr.Internal(fmt.Errorf("unknown vote direction %q", direction))
	}

	track.VoteScore = score
	before := state.ranked
	state.ranked = ranker.Rank(trackList(state.tracks))

	c.invalidateSnapshot(ctx, roomID)
	c.publish(events.EventTypeTrackVoted, roomID, map[string]interface{}{
		"room_id":    roomID,
		"track_id":   trackID,
		"user_id":    userID.String(),
		"direction":  string(direction),
		"vote_score": score,
	}, events.PriorityHigh)

	if ranker.OrderChanged(before, state.ranked) {
		c.publish(events.EventTypeQueueReordered, roomID, map[string]interface{}{
			"room_id": roomID,
			"queue":   trackIDs(state.ranked),
		}, events.PriorityHigh)
	}
	return nil
}

// Snapshot returns an immutable view of the room for late joiners.
func (c *Coordinator) Snapshot(ctx context.Context, roomID string) (*Snapshot, error) {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	snap := &Snapshot{
		Room:       state.room,
		Playback:   state.playback,
		ServerTime: c.now(),
	}
	for _, p := range state.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	for i, t := range state.ranked {
		snap.Queue = append(snap.Queue, QueueEntry{Track: *t, Position: i})
	}
	snap.Position = playbackPosition(&state.playback, snap.ServerTime)

	if c.cache != nil {
		if err := c.cache.Put(ctx, roomID, snap); err != nil {
			c.logger.Warn("failed to cache snapshot", zap.Error(err))
		}
	}
	return snap, nil
}

// IsParticipant implements the registry's membership check.
func (c *Coordinator) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		if errors.Is(err, apperr.ErrRoomNotFound) {
			return false, nil
		}
		return false, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	_, exists := state.participants[userID]
	return exists, nil
}

// RequireAdministrator rejects with an authorization error unless userID is
// the room's administrator. The playback service calls this before every
// transition.
func (c *Coordinator) RequireAdministrator(ctx context.Context, roomID, userID string) error {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.room.AdminID.String() != userID {
		return apperr.ErrNotAdministrator
	}
	return nil
}

// RankedQueue returns the current ranked order of unplayed tracks.
func (c *Coordinator) RankedQueue(ctx context.Context, roomID string) ([]*models.Track, error) {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	out := make([]*models.Track, len(state.ranked))
	copy(out, state.ranked)
	return out, nil
}

// CommitPlayback write-through persists a playback transition and updates
// the room's in-memory view, under the room lock like any other mutation.
func (c *Coordinator) CommitPlayback(ctx context.Context, roomID string, pb *models.PlaybackState) error {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if err := c.store.SavePlaybackState(pb); err != nil {
		return apperr.Internal(fmt.Errorf("persist playback state: %w", err))
	}
	state.playback = *pb
	c.invalidateSnapshot(ctx, roomID)
	return nil
}

// MarkTrackPlayed retires a track from the queue after playback advances
// past it.
func (c *Coordinator) MarkTrackPlayed(ctx context.Context, roomID, trackID string) error {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, exists := state.tracks[trackID]; !exists {
		return apperr.ErrTrackNotFound
	}
	if err := c.store.MarkTrackPlayed(trackID); err != nil {
		return apperr.Internal(fmt.Errorf("mark track played: %w", err))
	}
	delete(state.tracks, trackID)
	delete(state.votes, trackID)
	state.ranked = ranker.Rank(trackList(state.tracks))
	c.invalidateSnapshot(ctx, roomID)
	return nil
}

// NotifyOffline emits a user_offline event when a live connection drops
// without an explicit leave. Membership is untouched.
func (c *Coordinator) NotifyOffline(roomID, userID string) {
	c.publish(events.EventTypeUserOffline, roomID, map[string]interface{}{
		"room_id": roomID,
		"user_id": userID,
	}, events.PriorityNormal)
}

// PlaybackView returns the room's current persisted playback state.
func (c *Coordinator) PlaybackView(ctx context.Context, roomID string) (models.PlaybackState, error) {
	state, err := c.roomFor(ctx, roomID)
	if err != nil {
		return models.PlaybackState{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.playback, nil
}

// roomFor returns the in-memory state for a room, cold-loading it from the
// store on first touch.
func (c *Coordinator) roomFor(ctx context.Context, roomID string) (*roomState, error) {
	c.mu.RLock()
	state, exists := c.rooms[roomID]
	c.mu.RUnlock()
	if exists {
		return state, nil
	}

	room, err := c.store.GetRoomByID(roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrRoomNotFound
		}
		return nil, apperr.Internal(fmt.Errorf("load room: %w", err))
	}

	participants, err := c.store.GetParticipants(roomID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("load participants: %w", err))
	}
	tracks, err := c.store.GetQueue(roomID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("load queue: %w", err))
	}

	state = &roomState{
		room:         *room,
		participants: make(map[string]*models.Participant, len(participants)),
		tracks:       make(map[string]*models.Track, len(tracks)),
		votes:        make(map[string]map[string]bool, len(tracks)),
		playback:     models.PlaybackState{RoomID: room.ID},
	}
	for _, p := range participants {
		state.participants[p.UserID.String()] = p
	}
	for _, t := range tracks {
		state.tracks[t.ID.String()] = t
		state.votes[t.ID.String()] = make(map[string]bool)
	}
	votes, err := c.store.GetVotesForRoom(roomID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("load votes: %w", err))
	}
	for _, v := range votes {
		if voters := state.votes[v.TrackID.String()]; voters != nil {
			voters[v.UserID.String()] = true
		}
	}
	state.ranked = ranker.Rank(tracks)

	if pb, err := c.store.GetPlaybackState(roomID); err == nil {
		state.playback = *pb
	}

	c.mu.Lock()
	if existing, raced := c.rooms[roomID]; raced {
		state = existing
	} else {
		c.rooms[roomID] = state
	}
	c.mu.Unlock()

	return state, nil
}

func (c *Coordinator) publish(eventType events.EventType, roomID string, payload interface{}, priority events.Priority) {
	if c.pub == nil {
		return
	}
	if _, err := c.pub.Publish(eventType, events.RoomTarget(roomID), payload, priority); err != nil {
		c.logger.Error("failed to publish event",
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}

func (c *Coordinator) invalidateSnapshot(ctx context.Context, roomID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, roomID); err != nil {
		c.logger.Warn("failed to invalidate snapshot cache", zap.Error(err))
	}
}

func playbackPosition(pb *models.PlaybackState, now time.Time) float64 {
	switch {
	case pb.IsPlaying && pb.StartedAt != nil:
		pos := now.Sub(*pb.StartedAt).Seconds()
		if pos < 0 {
			return 0
		}
		return pos
	case pb.PausedPosition != nil:
		return *pb.PausedPosition
	default:
		return 0
	}
}

func trackList(m map[string]*models.Track) []*models.Track {
	out := make([]*models.Track, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

func trackIDs(ranked []*models.Track) []string {
	out := make([]string, len(ranked))
	for i, t := range ranked {
		out[i] = t.ID.String()
	}
	return out
}

func generateRoomCode() string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	code := make([]byte, codeLength)
	for i := range code {
		code[i] = charset[rand.Intn(len(charset))]
	}
	return string(code)
}
