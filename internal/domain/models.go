// Package domain defines the persistence models for users, rooms, room
// messages, encrypted direct messages, and the follow graph. These types are
// mapped with GORM and form the core data layer of the chat backend.
package domain

import "time"

// DM policies a user can set for inbound direct messages.
const (
	DMPolicyEveryone = "everyone"
	DMPolicyMutuals  = "mutuals"
	DMPolicyNobody   = "nobody"
)

// Room types.
const (
	RoomTypeText         = "text"
	RoomTypeAnnouncement = "announcement"
)

// Default rooms seeded at startup.
const (
	RoomGeneral       = "general"
	RoomAnnouncements = "announcements"
)

// User is an account known to the chat core. Users are created by
// registration (or the admin CLI) and never destroyed.
//
// Fields:
//   - ID: integer identity assigned by the store.
//   - Username: unique, case-sensitive display name.
//   - PasswordHash: bcrypt verifier; never serialized.
//   - Banned: banned users fail session re-verification.
//   - IsBot: marks automated accounts.
//   - DMPolicy: who may open a direct conversation with this user.
type User struct {
	ID           int64     `json:"id"         gorm:"primaryKey;autoIncrement"`
	Username     string    `json:"username"   gorm:"type:varchar(64);not null;uniqueIndex:ux_users_username"`
	PasswordHash string    `json:"-"          gorm:"type:varchar(255);not null;default:''"`
	Banned       bool      `json:"banned"     gorm:"not null;default:false"`
	IsBot        bool      `json:"is_bot"     gorm:"not null;default:false"`
	DMPolicy     string    `json:"dm_policy"  gorm:"type:varchar(16);not null;default:'everyone';check:dm_policy IN ('everyone','mutuals','nobody')"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Room is a named channel. The name is lowercase, immutable after creation,
// and unique.
type Room struct {
	ID          int64     `json:"id"          gorm:"primaryKey;autoIncrement"`
	Name        string    `json:"name"        gorm:"type:varchar(32);not null;uniqueIndex:ux_rooms_name"`
	Description string    `json:"description" gorm:"type:varchar(255);not null;default:''"`
	Type        string    `json:"type"        gorm:"type:varchar(16);not null;default:'text';check:type IN ('text','announcement')"`
	IsDefault   bool      `json:"is_default"  gorm:"not null;default:false"`
	CreatedBy   *int64    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	Creator *User `json:"-" gorm:"foreignKey:CreatedBy;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

// TableName returns the database table name for Room.
func (Room) TableName() string { return "rooms" }

// Message is a single room chat record. Content is stored post-escape.
// DeletedAt is an explicit soft-delete marker: every read path filters on it.
//
// (room_id, id) is the canonical scroll cursor; ids are assigned by the
// store and increase with creation time inside a room.
type Message struct {
	ID        int64      `json:"id"         gorm:"primaryKey;autoIncrement;index:idx_messages_room_id,priority:2"`
	RoomID    int64      `json:"room_id"    gorm:"not null;index:idx_messages_room_created,priority:1;index:idx_messages_room_id,priority:1"`
	Username  string     `json:"user"       gorm:"type:varchar(64);not null"`
	Content   string     `json:"content"    gorm:"type:text;not null"`
	CreatedAt time.Time  `json:"created_at" gorm:"not null;index:idx_messages_room_created,priority:2"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	DeletedAt *time.Time `json:"-"          gorm:"index"`

	Room Room `json:"-" gorm:"foreignKey:RoomID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Edited reports whether the message was edited at least once.
func (m Message) Edited() bool { return m.EditedAt != nil }

// Deleted reports whether the message was soft-deleted.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// DirectMessage is one encrypted message between two users. No plaintext is
// ever stored: Ciphertext, IV and Tag are the AES-GCM output, kept in
// separate columns.
type DirectMessage struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement"`
	ConversationID     string     `gorm:"type:varchar(64);not null;index:idx_dm_conversation_created,priority:1"`
	SenderID           int64      `gorm:"not null;index"`
	RecipientID        int64      `gorm:"not null;index:idx_dm_recipient_read,priority:1"`
	Ciphertext         []byte     `gorm:"type:blob;not null"`
	IV                 []byte     `gorm:"type:blob;not null"`
	Tag                []byte     `gorm:"type:blob;not null"`
	CreatedAt          time.Time  `gorm:"not null;index:idx_dm_conversation_created,priority:2"`
	ReadAt             *time.Time `gorm:"index:idx_dm_recipient_read,priority:2"`
	DeletedBySender    bool       `gorm:"not null;default:false"`
	DeletedByRecipient bool       `gorm:"not null;default:false"`

	Sender    User `gorm:"foreignKey:SenderID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Recipient User `gorm:"foreignKey:RecipientID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DirectMessage.
func (DirectMessage) TableName() string { return "direct_messages" }

// Follow is one directed edge of the social graph. The graph itself is
// mutated by an external collaborator; the chat core only reads it for the
// "mutuals" DM policy.
type Follow struct {
	FollowerID int64     `gorm:"primaryKey;autoIncrement:false"`
	FolloweeID int64     `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt  time.Time `gorm:"not null"`

	Follower User `gorm:"foreignKey:FollowerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Followee User `gorm:"foreignKey:FolloweeID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Follow.
func (Follow) TableName() string { return "follows" }

// All returns every model the store migrates at startup, parents first.
func All() []any {
	return []any{&User{}, &Room{}, &Message{}, &DirectMessage{}, &Follow{}, &Idempotency{}}
}
