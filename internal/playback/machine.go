package playback

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/models"
)

// State is the playback mode of a room.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

var ErrInvalidTransition = &apperr.Error{Kind: apperr.KindConflict, Message: "invalid playback transition"}

// machine models one room's playback. Position is always recomputed from
// two timestamps rather than accumulated on a timer: Playing keeps a
// started_at, Paused keeps the position at pause, Stopped keeps neither.
// Recomputing tolerates restarts and cannot drift with timer ticks.
type machine struct {
	roomID    uuid.UUID
	state     State
	trackID   *uuid.UUID
	startedAt *time.Time
	pausedPos *float64
}

func newMachine(roomID uuid.UUID) *machine {
	return &machine{roomID: roomID, state: StateStopped}
}

// clone returns an independent copy of the machine.
func (m *machine) clone() *machine {
	c := &machine{roomID: m.roomID, state: m.state}
	if m.trackID != nil {
		t := *m.trackID
		c.trackID = &t
	}
	if m.startedAt != nil {
		s := *m.startedAt
		c.startedAt = &s
	}
	if m.pausedPos != nil {
		p := *m.pausedPos
		c.pausedPos = &p
	}
	return c
}

// restore rebuilds the machine from a persisted record.
func restore(roomID uuid.UUID, pb *models.PlaybackState) *machine {
	m := newMachine(roomID)
	switch {
	case pb.IsPlaying && pb.StartedAt != nil:
		m.state = StatePlaying
		m.trackID = pb.TrackID
		t := *pb.StartedAt
		m.startedAt = &t
	case pb.TrackID != nil && pb.PausedPosition != nil:
		m.state = StatePaused
		m.trackID = pb.TrackID
		p := *pb.PausedPosition
		m.pausedPos = &p
	}
	return m
}

// start moves to Playing(track, now) from any state.
func (m *machine) start(trackID uuid.UUID, now time.Time) {
	m.state = StatePlaying
	m.trackID = &trackID
	m.startedAt = &now
	m.pausedPos = nil
}

// pause freezes the current position. Only valid while Playing.
func (m *machine) pause(now time.Time) (float64, error) {
	if m.state != StatePlaying {
		return 0, ErrInvalidTransition
	}
	pos := m.position(now)
	m.state = StatePaused
	m.startedAt = nil
	m.pausedPos = &pos
	return pos, nil
}

// resume recomputes started_at as now minus the stored position, so later
// position queries stay exact without carrying an elapsed-time counter.
func (m *machine) resume(now time.Time) (float64, error) {
	if m.state != StatePaused || m.pausedPos == nil {
		return 0, ErrInvalidTransition
	}
	pos := *m.pausedPos
	startedAt := now.Add(-time.Duration(pos * float64(time.Second)))
	m.state = StatePlaying
	m.startedAt = &startedAt
	m.pausedPos = nil
	return pos, nil
}

// seek adjusts the stored timestamps in the current mode so position()
// returns pos.
func (m *machine) seek(pos float64, now time.Time) error {
	pos = clamp(pos)
	switch m.state {
	case StatePlaying:
		startedAt := now.Add(-time.Duration(pos * float64(time.Second)))
		m.startedAt = &startedAt
	case StatePaused:
		m.pausedPos = &pos
	default:
		return ErrInvalidTransition
	}
	return nil
}

// stop clears the current track from any state.
func (m *machine) stop() {
	m.state = StateStopped
	m.trackID = nil
	m.startedAt = nil
	m.pausedPos = nil
}

// position is recomputed fresh on every call, never cached.
func (m *machine) position(now time.Time) float64 {
	switch m.state {
	case StatePlaying:
		if m.startedAt == nil {
			return 0
		}
		return clamp(now.Sub(*m.startedAt).Seconds())
	case StatePaused:
		if m.pausedPos == nil {
			return 0
		}
		return clamp(*m.pausedPos)
	default:
		return 0
	}
}

// model renders the machine as the persisted record shape.
func (m *machine) model(now time.Time) *models.PlaybackState {
	pb := &models.PlaybackState{
		RoomID:    m.roomID,
		IsPlaying: m.state == StatePlaying,
		UpdatedAt: now,
	}
	if m.trackID != nil {
		t := *m.trackID
		pb.TrackID = &t
	}
	if m.startedAt != nil {
		s := *m.startedAt
		pb.StartedAt = &s
	}
	if m.pausedPos != nil {
		p := *m.pausedPos
		pb.PausedPosition = &p
	}
	return pb
}

func clamp(pos float64) float64 {
	if math.IsNaN(pos) || pos < 0 {
		return 0
	}
	return pos
}
