package database

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/listening-room-system/pkg/models"
)

type MySQLDB struct {
	*gorm.DB
}

func NewMySQLDB(host, port, user, password, dbname string) (*MySQLDB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &MySQLDB{DB: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	return db.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.Participant{},
		&models.Track{},
		&models.Vote{},
		&models.PlaybackState{},
	)
}

// User operations
func (db *MySQLDB) CreateUser(user *models.User) error {
	return db.Create(user).Error
}

func (db *MySQLDB) GetUserByID(id string) (*models.User, error) {
	var user models.User
	if err := db.First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Room operations
func (db *MySQLDB) CreateRoom(room *models.Room) error {
	return db.Create(room).Error
}

func (db *MySQLDB) GetRoomByID(id string) (*models.Room, error) {
	var room models.Room
	if err := db.First(&room, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func (db *MySQLDB) GetRoomByCode(code string) (*models.Room, error) {
	var room models.Room
	if err := db.First(&room, "code = ?", code).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func (db *MySQLDB) UpdateRoom(room *models.Room) error {
	return db.Save(room).Error
}

// Participant operations
func (db *MySQLDB) AddParticipant(p *models.Participant) error {
	return db.Create(p).Error
}

func (db *MySQLDB) RemoveParticipant(roomID, userID string) error {
	return db.Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&models.Participant{}).Error
}

func (db *MySQLDB) GetParticipants(roomID string) ([]*models.Participant, error) {
	var participants []*models.Participant
	if err := db.Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}

// Track operations
func (db *MySQLDB) AddTrack(track *models.Track) error {
	return db.Create(track).Error
}

func (db *MySQLDB) GetQueue(roomID string) ([]*models.Track, error) {
	var tracks []*models.Track
	if err := db.Where("room_id = ? AND played = ?", roomID, false).
		Order("vote_score DESC, submitted_at ASC").
		Find(&tracks).Error; err != nil {
		return nil, err
	}
	return tracks, nil
}

func (db *MySQLDB) MarkTrackPlayed(trackID string) error {
	return db.Model(&models.Track{}).
		Where("id = ?", trackID).
		Update("played", true).Error
}

// Vote operations. Both mutations recompute the cached vote score from the
// live vote rows inside the same transaction, so the cache can never drift.
func (db *MySQLDB) AddVote(vote *models.Vote) (int, error) {
	var score int
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(vote).Error; err != nil {
			return err
		}
		return recomputeScore(tx, vote.TrackID.String(), &score)
	})
	if err != nil {
		return 0, err
	}
	return score, nil
}

func (db *MySQLDB) RemoveVote(trackID, userID string) (int, error) {
	var score int
	err := db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("track_id = ? AND user_id = ?", trackID, userID).
			Delete(&models.Vote{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return recomputeScore(tx, trackID, &score)
	})
	if err != nil {
		return 0, err
	}
	return score, nil
}

func (db *MySQLDB) GetVotesForRoom(roomID string) ([]*models.Vote, error) {
	var votes []*models.Vote
	if err := db.
		Joins("JOIN tracks ON tracks.id = votes.track_id").
		Where("tracks.room_id = ?", roomID).
		Find(&votes).Error; err != nil {
		return nil, err
	}
	return votes, nil
}

func recomputeScore(tx *gorm.DB, trackID string, score *int) error {
	var count int64
	if err := tx.Model(&models.Vote{}).
		Where("track_id = ?", trackID).
		Count(&count).Error; err != nil {
		return err
	}

	*score = int(count)
	return tx.Model(&models.Track{}).
		Where("id = ?", trackID).
		Update("vote_score", *score).Error
}

// Playback operations
func (db *MySQLDB) SavePlaybackState(state *models.PlaybackState) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		UpdateAll: true,
	}).Create(state).Error
}

func (db *MySQLDB) GetPlaybackState(roomID string) (*models.PlaybackState, error) {
	var state models.PlaybackState
	if err := db.First(&state, "room_id = ?", roomID).Error; err != nil {
		return nil, err
	}
	return &state, nil
}
