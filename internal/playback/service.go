// Package playback drives the per-room playback state machine. Every
// transition is administrator-only; authorization is checked through the
// coordinator before the machine moves, and the new state is committed to
// the coordinator before its critical event is emitted.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/listening-room-system/internal/ranker"
	"github.com/listening-room-system/pkg/events"
	"github.com/listening-room-system/pkg/models"
)

// RoomAuthority is the slice of the coordinator the playback service needs.
type RoomAuthority interface {
	RequireAdministrator(ctx context.Context, roomID, userID string) error
	RankedQueue(ctx context.Context, roomID string) ([]*models.Track, error)
	CommitPlayback(ctx context.Context, roomID string, pb *models.PlaybackState) error
	MarkTrackPlayed(ctx context.Context, roomID, trackID string) error
	PlaybackView(ctx context.Context, roomID string) (models.PlaybackState, error)
}

type Publisher interface {
	Publish(eventType events.EventType, target events.Target, payload interface{}, priority events.Priority) (*events.Envelope, error)
}

// Result reports a transition back to the transport layer, including the
// server timestamp the transition was computed with.
type Result struct {
	State      string     `json:"state"`
	TrackID    *uuid.UUID `json:"track_id"`
	Position   float64    `json:"position"`
	ServerTime time.Time  `json:"server_time"`
}

type Service struct {
	rooms  RoomAuthority
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	machines map[string]*machine
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(rooms RoomAuthority, pub Publisher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		rooms:    rooms,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
		machines: make(map[string]*machine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins playing a track from any state.
func (s *Service) Start(ctx context.Context, roomID, userID string, trackID uuid.UUID) (*Result, error) {
	return s.transition(ctx, roomID, userID, func(m *machine, now time.Time) (events.EventType, interface{}, error) {
		m.start(trackID, now)
		return events.EventTypePlaybackStarted, map[string]interface{}{
			"room_id":     roomID,
			"track_id":    trackID.String(),
			"started_at":  now,
			"server_time": now,
		}, nil
	})
}

// Pause freezes the position. Invalid unless Playing.
func (s *Service) Pause(ctx context.Context, roomID, userID string) (*Result, error) {
	return s.transition(ctx, roomID, userID, func(m *machine, now time.Time) (events.EventType, interface{}, error) {
		pos, err := m.pause(now)
		if err != nil {
			return "", nil, err
		}
		return events.EventTypePlaybackPaused, map[string]interface{}{
			"room_id":     roomID,
			"position":    pos,
			"server_time": now,
		}, nil
	})
}

// Resume continues from the paused position. Invalid unless Paused.
func (s *Service) Resume(ctx context.Context, roomID, userID string) (*Result, error) {
	return s.transition(ctx, roomID, userID, func(m *machine, now time.Time) (events.EventType, interface{}, error) {
		pos, err := m.resume(now)
		if err != nil {
			return "", nil, err
		}
		return events.EventTypePlaybackResumed, map[string]interface{}{
			"room_id":     roomID,
			"position":    pos,
			"server_time": now,
		}, nil
	})
}

// Seek moves the position within the current mode.
func (s *Service) Seek(ctx context.Context, roomID, userID string, position float64) (*Result, error) {
	return s.transition(ctx, roomID, userID, func(m *machine, now time.Time) (events.EventType, interface{}, error) {
		if err := m.seek(position, now); err != nil {
			return "", nil, err
		}
		return events.EventTypePlaybackSeeked, map[string]interface{}{
			"room_id":     roomID,
			"position":    m.position(now),
			"server_time": now,
		}, nil
	})
}

// Stop clears the current track from any state.
func (s *Service) Stop(ctx context.Context, roomID, userID string) (*Result, error) {
	return s.transition(ctx, roomID, userID, func(m *machine, now time.Time) (events.EventType, interface{}, error) {
		m.stop()
		return events.EventTypePlaybackStopped, map[string]interface{}{
			"room_id":     roomID,
			"server_time": now,
		}, nil
	})
}

// Skip advances to the track ranked after the current one. The current
// track is retired from the queue. With nothing left to play the room
// stops, and the emitted event is playback_stopped, never playback_started.
func (s *Service) Skip(ctx context.Context, roomID, userID string) (*Result, error) {
	if err := s.rooms.RequireAdministrator(ctx, roomID, userID); err != nil {
		return nil, err
	}

	queue, err := s.rooms.RankedQueue(ctx, roomID)
	if err != nil {
		return nil, err
	}

	current := s.machineFor(ctx, roomID)

	s.mu.Lock()
	now := s.now()
	next := current.clone()

	var playing string
	if next.trackID != nil {
		playing = next.trackID.String()
	}

	var upNext *models.Track
	if playing == "" {
		if len(queue) > 0 {
			upNext = queue[0]
		}
	} else {
		upNext = ranker.NextAfter(queue, playing)
	}

	var eventType events.EventType
	payload := map[string]interface{}{
		"room_id":     roomID,
		"server_time": now,
	}
	if upNext != nil {
		next.start(upNext.ID, now)
		eventType = events.EventTypePlaybackStarted
		payload["track_id"] = upNext.ID.String()
		payload["started_at"] = now
	} else {
		next.stop()
		eventType = events.EventTypePlaybackStopped
	}
	pb := next.model(now)
	result := &Result{
		State:      next.state.String(),
		TrackID:    pb.TrackID,
		Position:   next.position(now),
		ServerTime: now,
	}
	s.mu.Unlock()

	if err := s.rooms.CommitPlayback(ctx, roomID, pb); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.machines[roomID] = next
	s.mu.Unlock()

	// the skipped track is retired only once the new state is durable
	if playing != "" {
		if err := s.rooms.MarkTrackPlayed(ctx, roomID, playing); err != nil {
			s.logger.Warn("failed to retire skipped track",
				zap.String("track_id", playing),
				zap.Error(err))
		}
	}
	s.publish(eventType, roomID, payload)
	return result, nil
}

// Position recomputes the current position from the stored timestamps.
func (s *Service) Position(ctx context.Context, roomID string) float64 {
	m := s.machineFor(ctx, roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.position(s.now())
}

// transition runs one authorized state change. The move is applied to a
// copy of the machine and persisted; the copy is installed as the visible
// state only once the store write succeeded, so a failed commit leaves the
// machine exactly as it was. The critical event goes out after install.
func (s *Service) transition(ctx context.Context, roomID, userID string, fn func(m *machine, now time.Time) (events.EventType, interface{}, error)) (*Result, error) {
	if err := s.rooms.RequireAdministrator(ctx, roomID, userID); err != nil {
		return nil, err
	}

	current := s.machineFor(ctx, roomID)

	s.mu.Lock()
	now := s.now()
	next := current.clone()

	eventType, payload, err := fn(next, now)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	pb := next.model(now)
	result := &Result{
		State:      next.state.String(),
		TrackID:    pb.TrackID,
		Position:   next.position(now),
		ServerTime: now,
	}
	s.mu.Unlock()

	if err := s.rooms.CommitPlayback(ctx, roomID, pb); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.machines[roomID] = next
	s.mu.Unlock()

	s.publish(eventType, roomID, payload)
	return result, nil
}

// machineFor returns the room's machine, restoring it from the persisted
// playback record on first touch so a restarted server resumes with the
// same timestamps.
func (s *Service) machineFor(ctx context.Context, roomID string) *machine {
	s.mu.Lock()
	if m, exists := s.machines[roomID]; exists {
		s.mu.Unlock()
		return m
	}
	s.mu.Unlock()

	id, err := uuid.Parse(roomID)
	if err != nil {
		id = uuid.Nil
	}
	m := newMachine(id)
	if pb, err := s.rooms.PlaybackView(ctx, roomID); err == nil {
		m = restore(id, &pb)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, raced := s.machines[roomID]; raced {
		return existing
	}
	s.machines[roomID] = m
	return m
}

func (s *Service) publish(eventType events.EventType, roomID string, payload interface{}) {
	if s.pub == nil {
		return
	}
	if _, err := s.pub.Publish(eventType, events.RoomTarget(roomID), payload, events.PriorityCritical); err != nil {
		s.logger.Error("failed to publish playback event",
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}
