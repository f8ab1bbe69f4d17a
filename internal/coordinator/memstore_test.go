package coordinator

import (
	"sync"

	"gorm.io/gorm"

	"github.com/listening-room-system/pkg/models"
)

// memStore is an in-memory Store used by tests in place of MySQL.
type memStore struct {
	mu           sync.Mutex
	rooms        map[string]*models.Room
	participants map[string][]*models.Participant
	tracks       map[string]*models.Track
	votes        map[string]map[string]*models.Vote
	playback     map[string]*models.PlaybackState
}

func newMemStore() *memStore {
	return &memStore{
		rooms:        map[string]*models.Room{},
		participants: map[string][]*models.Participant{},
		tracks:       map[string]*models.Track{},
		votes:        map[string]map[string]*models.Vote{},
		playback:     map[string]*models.PlaybackState{},
	}
}

func (s *memStore) CreateRoom(room *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID.String()] = room
	return nil
}

func (s *memStore) GetRoomByID(id string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return room, nil
}

func (s *memStore) GetRoomByCode(code string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		if room.Code == code {
			return room, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *memStore) AddParticipant(p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.RoomID.String()
	s.participants[key] = append(s.participants[key], p)
	return nil
}

func (s *memStore) RemoveParticipant(roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.participants[roomID][:0]
	for _, p := range s.participants[roomID] {
		if p.UserID.String() != userID {
			kept = append(kept, p)
		}
	}
	s.participants[roomID] = kept
	return nil
}

func (s *memStore) GetParticipants(roomID string) ([]*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Participant(nil), s.participants[roomID]...), nil
}

func (s *memStore) AddTrack(track *models.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[track.ID.String()] = track
	return nil
}

func (s *memStore) GetQueue(roomID string) ([]*models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Track
	for _, t := range s.tracks {
		if t.RoomID.String() == roomID && !t.Played {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) MarkTrackPlayed(trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tracks[trackID]; ok {
		t.Played = true
	}
	return nil
}

func (s *memStore) AddVote(vote *models.Vote) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := vote.TrackID.String()
	if s.votes[key] == nil {
		s.votes[key] = map[string]*models.Vote{}
	}
	s.votes[key][vote.UserID.String()] = vote
	return s.recount(key), nil
}

func (s *memStore) RemoveVote(trackID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.votes[trackID][userID]; !ok {
		return 0, gorm.ErrRecordNotFound
	}
	delete(s.votes[trackID], userID)
	return s.recount(trackID), nil
}

func (s *memStore) GetVotesForRoom(roomID string) ([]*models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Vote
	for trackID, byUser := range s.votes {
		track, ok := s.tracks[trackID]
		if !ok || track.RoomID.String() != roomID {
			continue
		}
		for _, v := range byUser {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memStore) SavePlaybackState(state *models.PlaybackState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playback[state.RoomID.String()] = state
	return nil
}

func (s *memStore) GetPlaybackState(roomID string) (*models.PlaybackState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.playback[roomID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return state, nil
}

// caller holds s.mu
func (s *memStore) recount(trackID string) int {
	count := len(s.votes[trackID])
	if t, ok := s.tracks[trackID]; ok {
		t.VoteScore = count
	}
	return count
}
