// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for room messages.
//
// Every read takes a room id and filters on it.
package repo

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
)

// CreateMessage inserts a new message row. The id and creation timestamp are
// assigned here, under the writer slot, so that ids and timestamps grow
// together inside a room.
func CreateMessage(db *gorm.DB, roomID int64, username, content string) (*domain.Message, error) {
	now := time.Now().UTC()

	// Clamp to the newest timestamp already in the room so a wall-clock step
	// backwards cannot reorder created_at against id.
	var last domain.Message
	err := db.Select("created_at").Where("room_id = ?", roomID).Order("id DESC").Limit(1).Take(&last).Error
	if err == nil && last.CreatedAt.After(now) {
		now = last.CreatedAt
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	m := &domain.Message{
		RoomID:    roomID,
		Username:  username,
		Content:   content,
		CreatedAt: now,
	}
	return m, db.Create(m).Error
}

// GetMessage fetches a message by id, including soft-deleted rows.
func GetMessage(db *gorm.DB, id int64) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessageContent rewrites the content of a live message owned by
// username and stamps edited_at. It returns the number of rows changed, which
// is 0 when the message is absent, deleted, or owned by someone else.
func UpdateMessageContent(db *gorm.DB, id int64, username, content string) (int64, error) {
	res := db.Model(&domain.Message{}).
		Where("id = ? AND username = ? AND deleted_at IS NULL", id, username).
		Updates(map[string]any{"content": content, "edited_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// SoftDeleteMessage stamps deleted_at on a live message owned by username.
// The row is kept. It returns the number of rows changed.
func SoftDeleteMessage(db *gorm.DB, id int64, username string) (int64, error) {
	res := db.Model(&domain.Message{}).
		Where("id = ? AND username = ? AND deleted_at IS NULL", id, username).
		Update("deleted_at", time.Now().UTC())
	return res.RowsAffected, res.Error
}

// PageDesc returns live messages of roomID with id < beforeID, newest first.
func PageDesc(db *gorm.DB, roomID, beforeID int64, limit int) ([]domain.Message, error) {
	out := []domain.Message{}
	err := db.
		Where("room_id = ? AND id < ? AND deleted_at IS NULL", roomID, beforeID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// PageAsc returns live messages of roomID with id > afterID, oldest first.
func PageAsc(db *gorm.DB, roomID, afterID int64, limit int) ([]domain.Message, error) {
	out := []domain.Message{}
	err := db.
		Where("room_id = ? AND id > ? AND deleted_at IS NULL", roomID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// PageLatest returns the newest live messages of roomID, newest first.
func PageLatest(db *gorm.DB, roomID int64, limit int) ([]domain.Message, error) {
	out := []domain.Message{}
	err := db.
		Where("room_id = ? AND deleted_at IS NULL", roomID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
