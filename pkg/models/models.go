package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email" gorm:"unique"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Room struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Code      string    `json:"code" gorm:"unique"`
	AdminID   uuid.UUID `json:"admin_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Participant struct {
	ID       uuid.UUID `json:"id" gorm:"primaryKey"`
	RoomID   uuid.UUID `json:"room_id" gorm:"uniqueIndex:idx_room_user"`
	UserID   uuid.UUID `json:"user_id" gorm:"uniqueIndex:idx_room_user"`
	JoinedAt time.Time `json:"joined_at"`
}

type Track struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey"`
	RoomID     uuid.UUID `json:"room_id" gorm:"index"`
	UploaderID uuid.UUID `json:"uploader_id"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	// Duration of the audio in seconds.
	Duration float64 `json:"duration"`
	// VoteScore is a cached aggregate; the store keeps it equal to the
	// live vote count inside the same transaction as any vote change.
	VoteScore   int       `json:"vote_score"`
	Played      bool      `json:"played"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Vote struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	TrackID   uuid.UUID `json:"track_id" gorm:"uniqueIndex:idx_track_user"`
	UserID    uuid.UUID `json:"user_id" gorm:"uniqueIndex:idx_track_user"`
	CreatedAt time.Time `json:"created_at"`
}

// PlaybackState is the persisted playback record for a room, one row per
// room. Exactly one of the following holds: playing with StartedAt set,
// paused with PausedPosition set, or stopped with both null.
type PlaybackState struct {
	RoomID         uuid.UUID  `json:"room_id" gorm:"primaryKey"`
	TrackID        *uuid.UUID `json:"track_id"`
	IsPlaying      bool       `json:"is_playing"`
	StartedAt      *time.Time `json:"started_at"`
	PausedPosition *float64   `json:"paused_position"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
