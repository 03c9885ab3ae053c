// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used by badge
// counters in the HTTP layer.
package repo

import (
	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
)

// RoomStats returns the number of live messages in roomID and the highest
// live message id (0 when the room is empty).
func RoomStats(db *gorm.DB, roomID int64) (count int64, maxID int64, err error) {
	q := db.Model(&domain.Message{}).Where("room_id = ? AND deleted_at IS NULL", roomID)

	if err = q.Count(&count).Error; err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}

	var row struct{ ID int64 }
	if err = db.Model(&domain.Message{}).
		Where("room_id = ? AND deleted_at IS NULL", roomID).
		Select("id").Order("id DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, 0, err
	}
	return count, row.ID, nil
}
