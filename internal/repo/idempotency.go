// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for send endpoints.
package repo

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
)

// GetIdempotency returns a non-expired record or gorm.ErrRecordNotFound.
func GetIdempotency(db *gorm.DB, userID int64, scope, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(key) == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var rec domain.Idempotency
	err := db.
		Where("user_id = ? AND scope = ? AND key = ? AND expires_at > ?", userID, scope, key, now).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency inserts a record. An expired record for the same tuple
// is replaced.
func CreateIdempotency(db *gorm.DB, userID int64, scope, key string, resourceID int64, extra string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	if err := db.Where("user_id = ? AND scope = ? AND key = ? AND expires_at <= ?", userID, scope, key, now).
		Delete(&domain.Idempotency{}).Error; err != nil {
		return nil, err
	}
	rec := &domain.Idempotency{
		ID:         uuid.NewString(),
		UserID:     userID,
		Scope:      scope,
		Key:        key,
		ResourceID: resourceID,
		Extra:      extra,
		Status:     status,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := db.Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredIdempotency removes records whose TTL has passed.
func PurgeExpiredIdempotency(db *gorm.DB, now time.Time) (int64, error) {
	res := db.Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
