package domain

import "time"

// Idempotency scopes.
const (
	ScopeRoomSend = "room_send"
	ScopeDMSend   = "dm_send"
)

// Idempotency represents a recorded result of a previously processed send,
// keyed by (user_id, scope, key). A retried request carrying the same
// Idempotency-Key returns the originally persisted resource id instead of
// appending a second record.
type Idempotency struct {
	ID         string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID     int64     `gorm:"type:INTEGER NOT NULL;uniqueIndex:ux_user_scope_key,priority:1"`
	Scope      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:2"`
	Key        string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:3"`
	ResourceID int64     `gorm:"type:INTEGER NOT NULL"`
	Extra      string    `gorm:"type:TEXT NOT NULL;default:''"` // e.g. conversation id for DM sends
	Status     int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt  time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
