// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for encrypted
// direct messages. Rows only ever carry ciphertext; decryption happens in
// the service layer.
package repo

import (
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
)

// visibleTo filters rows to those the viewer has not side-deleted.
func visibleTo(db *gorm.DB, viewerID int64) *gorm.DB {
	return db.Where(
		"((sender_id = ? AND deleted_by_sender = ?) OR (recipient_id = ? AND deleted_by_recipient = ?))",
		viewerID, false, viewerID, false,
	)
}

// CreateDirectMessage inserts an encrypted DM row.
func CreateDirectMessage(db *gorm.DB, dm *domain.DirectMessage) error {
	if dm.CreatedAt.IsZero() {
		dm.CreatedAt = time.Now().UTC()
	}
	return db.Create(dm).Error
}

// GetDirectMessage fetches a DM row by id.
func GetDirectMessage(db *gorm.DB, id int64) (*domain.DirectMessage, error) {
	var dm domain.DirectMessage
	if err := db.Where("id = ?", id).First(&dm).Error; err != nil {
		return nil, err
	}
	return &dm, nil
}

// ConversationPageDesc returns rows of a conversation visible to viewerID,
// newest first. beforeID <= 0 means "from the newest row".
func ConversationPageDesc(db *gorm.DB, conversationID string, viewerID, beforeID int64, limit int) ([]domain.DirectMessage, error) {
	out := []domain.DirectMessage{}
	q := visibleTo(db.Where("conversation_id = ?", conversationID), viewerID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	err := q.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// MarkRead stamps read_at on every unread row addressed to viewerID with
// id <= upToID. Rows that already carry read_at are left untouched.
func MarkRead(db *gorm.DB, viewerID, upToID int64) (int64, error) {
	res := db.Model(&domain.DirectMessage{}).
		Where("recipient_id = ? AND id <= ? AND read_at IS NULL", viewerID, upToID).
		Update("read_at", time.Now().UTC())
	return res.RowsAffected, res.Error
}

// SideDelete sets the deletion flag for one participant side.
func SideDelete(db *gorm.DB, id int64, asSender bool) (int64, error) {
	col := "deleted_by_recipient"
	if asSender {
		col = "deleted_by_sender"
	}
	res := db.Model(&domain.DirectMessage{}).Where("id = ?", id).Update(col, true)
	return res.RowsAffected, res.Error
}

// LatestPerConversation returns, for every conversation viewerID takes part
// in, the newest row still visible to viewerID. Newest conversation first.
func LatestPerConversation(db *gorm.DB, viewerID int64) ([]domain.DirectMessage, error) {
	latest := visibleTo(db.Model(&domain.DirectMessage{}), viewerID).
		Select("MAX(id)").
		Group("conversation_id")

	out := []domain.DirectMessage{}
	err := db.Where("id IN (?)", latest).Order("id DESC").Find(&out).Error
	return out, err
}

// UnreadByConversation counts rows addressed to viewerID with no read_at,
// grouped by conversation id.
func UnreadByConversation(db *gorm.DB, viewerID int64) (map[string]int64, error) {
	var rows []struct {
		ConversationID string
		N              int64
	}
	err := db.Model(&domain.DirectMessage{}).
		Select("conversation_id, COUNT(*) AS n").
		Where("recipient_id = ? AND read_at IS NULL", viewerID).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.ConversationID] = r.N
	}
	return out, nil
}

// UnreadTotal counts every unread row addressed to viewerID.
func UnreadTotal(db *gorm.DB, viewerID int64) (int64, error) {
	var n int64
	err := db.Model(&domain.DirectMessage{}).
		Where("recipient_id = ? AND read_at IS NULL", viewerID).
		Count(&n).Error
	return n, err
}
