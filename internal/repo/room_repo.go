// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for rooms.
package repo

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
)

// CreateRoom inserts a room. A taken name surfaces as a unique violation.
func CreateRoom(db *gorm.DB, r *domain.Room) error {
	if r.Type == "" {
		r.Type = domain.RoomTypeText
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return db.Create(r).Error
}

// EnsureRoom returns the room named r.Name, creating it from r when absent.
func EnsureRoom(db *gorm.DB, r *domain.Room) (*domain.Room, error) {
	existing, err := GetRoomByName(db, r.Name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := CreateRoom(db, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetRoom fetches a room by id.
func GetRoom(db *gorm.DB, id int64) (*domain.Room, error) {
	var r domain.Room
	if err := db.Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRoomByName fetches a room by its unique name.
func GetRoomByName(db *gorm.DB, name string) (*domain.Room, error) {
	var r domain.Room
	if err := db.Where("name = ?", name).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRooms returns all rooms ordered by id.
func ListRooms(db *gorm.DB) ([]domain.Room, error) {
	out := []domain.Room{}
	err := db.Order("id ASC").Find(&out).Error
	return out, err
}
