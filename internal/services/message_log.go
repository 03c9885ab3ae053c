// Package services – MessageLog
//
// This file implements MessageLog, the component that owns room chat
// records: append with sanitization, author-only edit and soft delete, and
// the room-scoped cursor reads used by backfill.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// the room, message, and user identifiers.
package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/repo"
)

// MessageLog manages room messages.
type MessageLog struct {
	Store *repo.Store

	// MaxRunes bounds stored (escaped) content. 0 disables the check.
	MaxRunes int

	// IdempotencyTTL is how long an Idempotency-Key is honored.
	IdempotencyTTL time.Duration
}

func (l *MessageLog) tracer() trace.Tracer { return otel.Tracer("services/MessageLog") }

// Send sanitizes content and appends it to roomID as the caller. It returns
// the persisted record with its store-assigned id and timestamp.
func (l *MessageLog) Send(ctx context.Context, rc RequestContext, roomID int64, content string) (*domain.Message, error) {
	m, _, err := l.send(ctx, rc, roomID, content, "")
	return m, err
}

// SendIdempotent is Send keyed by a client-supplied idempotency key. A
// repeated key within the TTL returns the original record and replay=true.
func (l *MessageLog) SendIdempotent(ctx context.Context, rc RequestContext, roomID int64, content, key string) (*domain.Message, bool, error) {
	return l.send(ctx, rc, roomID, content, key)
}

func (l *MessageLog) send(ctx context.Context, rc RequestContext, roomID int64, content, key string) (*domain.Message, bool, error) {
	ctx, span := l.tracer().Start(ctx, "Send",
		trace.WithAttributes(
			attribute.Int64("room.id", roomID),
			attribute.Int64("user.id", rc.UserID),
			attribute.Bool("idempotent", key != ""),
		),
	)
	defer span.End()

	if !rc.Valid() {
		return nil, false, ErrUnauthenticated
	}
	if roomID <= 0 {
		return nil, false, ErrMissingRoom
	}
	clean, err := prepareRoomContent(content, l.MaxRunes)
	if err != nil {
		return nil, false, err
	}

	var (
		msg    *domain.Message
		replay bool
	)
	err = l.Store.Write(ctx, "message.send", func(tx *gorm.DB) error {
		msg, replay = nil, false
		if key != "" {
			rec, err := repo.GetIdempotency(tx, rc.UserID, domain.ScopeRoomSend, key, time.Now().UTC())
			if err == nil {
				m, err := repo.GetMessage(tx, rec.ResourceID)
				if err != nil {
					return err
				}
				msg, replay = m, true
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		if _, err := repo.GetRoom(tx, roomID); err != nil {
			return err
		}
		m, err := repo.CreateMessage(tx, roomID, rc.Username, clean)
		if err != nil {
			return err
		}
		msg = m
		if key != "" {
			_, err = repo.CreateIdempotency(tx, rc.UserID, domain.ScopeRoomSend, key, m.ID, "", http.StatusCreated, l.ttl())
		}
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, ErrRoomNotFound
	}
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(attribute.Int64("message.id", msg.ID))
	return msg, replay, nil
}

func (l *MessageLog) ttl() time.Duration {
	if l.IdempotencyTTL > 0 {
		return l.IdempotencyTTL
	}
	return 24 * time.Hour
}

// Edit replaces the content of message id if the caller is its author and it
// is not deleted. edited_at reflects the last edit.
func (l *MessageLog) Edit(ctx context.Context, rc RequestContext, id int64, content string) (*domain.Message, error) {
	ctx, span := l.tracer().Start(ctx, "Edit",
		trace.WithAttributes(attribute.Int64("message.id", id), attribute.Int64("user.id", rc.UserID)))
	defer span.End()

	if !rc.Valid() {
		return nil, ErrUnauthenticated
	}
	if id <= 0 {
		return nil, ErrMessageNotFound
	}
	clean, err := prepareRoomContent(content, l.MaxRunes)
	if err != nil {
		return nil, err
	}

	var (
		n   int64
		msg *domain.Message
	)
	err = l.Store.Write(ctx, "message.edit", func(tx *gorm.DB) (err error) {
		if n, err = repo.UpdateMessageContent(tx, id, rc.Username, clean); err != nil {
			return err
		}
		msg, err = repo.GetMessage(tx, id)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ownershipError(msg, rc)
	}
	return msg, nil
}

// Delete soft-deletes message id if the caller is its author and it is not
// already deleted. The row is kept. It returns the (now hidden) record so
// transports can notify the room.
func (l *MessageLog) Delete(ctx context.Context, rc RequestContext, id int64) (*domain.Message, error) {
	ctx, span := l.tracer().Start(ctx, "Delete",
		trace.WithAttributes(attribute.Int64("message.id", id), attribute.Int64("user.id", rc.UserID)))
	defer span.End()

	if !rc.Valid() {
		return nil, ErrUnauthenticated
	}
	if id <= 0 {
		return nil, ErrMessageNotFound
	}

	var (
		n   int64
		msg *domain.Message
	)
	err := l.Store.Write(ctx, "message.delete", func(tx *gorm.DB) (err error) {
		if n, err = repo.SoftDeleteMessage(tx, id, rc.Username); err != nil {
			return err
		}
		msg, err = repo.GetMessage(tx, id)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ownershipError(msg, rc)
	}
	return msg, nil
}

// ownershipError explains why a conditional update matched no row.
func ownershipError(m *domain.Message, rc RequestContext) error {
	if m.Username != rc.Username {
		return ErrNotAuthor
	}
	return ErrMessageNotFound
}

// Get returns a live message by id.
func (l *MessageLog) Get(ctx context.Context, id int64) (*domain.Message, error) {
	var msg *domain.Message
	err := l.Store.Read(ctx, "message.get", func(db *gorm.DB) (err error) {
		msg, err = repo.GetMessage(db, id)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) || (err == nil && msg.Deleted()) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

// PageDesc returns live messages of roomID older than beforeID, newest first.
func (l *MessageLog) PageDesc(ctx context.Context, roomID, beforeID int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := l.Store.Read(ctx, "message.page_desc", func(db *gorm.DB) (err error) {
		out, err = repo.PageDesc(db, roomID, beforeID, limit)
		return err
	})
	return out, err
}

// PageAsc returns live messages of roomID newer than afterID, oldest first.
func (l *MessageLog) PageAsc(ctx context.Context, roomID, afterID int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := l.Store.Read(ctx, "message.page_asc", func(db *gorm.DB) (err error) {
		out, err = repo.PageAsc(db, roomID, afterID, limit)
		return err
	})
	return out, err
}

// PageLatest returns the newest live messages of roomID, newest first.
func (l *MessageLog) PageLatest(ctx context.Context, roomID int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := l.Store.Read(ctx, "message.page_latest", func(db *gorm.DB) (err error) {
		out, err = repo.PageLatest(db, roomID, limit)
		return err
	})
	return out, err
}

// CountLive returns the number of non-deleted messages in roomID.
func (l *MessageLog) CountLive(ctx context.Context, roomID int64) (int64, error) {
	if roomID <= 0 {
		return 0, ErrMissingRoom
	}
	var n int64
	err := l.Store.Read(ctx, "message.count", func(db *gorm.DB) (err error) {
		n, _, err = repo.RoomStats(db, roomID)
		return err
	})
	return n, err
}
