// Package services – Backfill
//
// Backfill serves ordered slices of a room's history. Every result is in
// chronological order regardless of the cursor direction, never includes
// deleted messages, and never crosses rooms.
package services

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-roomchat/internal/domain"
)

// Page bounds for backfill.
const (
	DefaultBackfillLimit = 50
	MaxBackfillLimit     = 100
)

// Direction selects which side of a cursor to read.
type Direction int

const (
	// Latest reads the newest page.
	Latest Direction = iota
	// Before reads ids strictly below the cursor.
	Before
	// After reads ids strictly above the cursor.
	After
)

func (d Direction) String() string {
	switch d {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "latest"
	}
}

// Cursor is a position in a room's id sequence.
type Cursor struct {
	Direction Direction
	ID        int64
}

// CursorFrom builds a cursor from optional after/before ids (0 = absent).
// after wins when both are set.
func CursorFrom(afterID, beforeID int64) Cursor {
	switch {
	case afterID > 0:
		return Cursor{Direction: After, ID: afterID}
	case beforeID > 0:
		return Cursor{Direction: Before, ID: beforeID}
	default:
		return Cursor{Direction: Latest}
	}
}

// Backfill reads history pages through a MessageLog.
type Backfill struct {
	Messages *MessageLog
}

// Fetch returns up to limit live messages of roomID around cur, oldest
// first. limit 0 means DefaultBackfillLimit; other values are clamped to
// [1, MaxBackfillLimit].
func (b *Backfill) Fetch(ctx context.Context, roomID int64, limit int, cur Cursor) ([]domain.Message, error) {
	ctx, span := otel.Tracer("services/Backfill").Start(ctx, "Fetch",
		trace.WithAttributes(
			attribute.Int64("room.id", roomID),
			attribute.Int("limit", limit),
			attribute.String("direction", cur.Direction.String()),
			attribute.Int64("cursor", cur.ID),
		),
	)
	defer span.End()

	if roomID <= 0 {
		return nil, ErrMissingRoom
	}
	if (cur.Direction == Before && cur.ID <= 0) || (cur.Direction == After && cur.ID < 0) {
		return nil, ErrInvalidCursor
	}
	limit = clampLimit(limit, DefaultBackfillLimit, MaxBackfillLimit)

	var (
		out []domain.Message
		err error
	)
	switch cur.Direction {
	case After:
		out, err = b.Messages.PageAsc(ctx, roomID, cur.ID, limit)
	case Before:
		out, err = b.Messages.PageDesc(ctx, roomID, cur.ID, limit)
		slices.Reverse(out)
	case Latest:
		out, err = b.Messages.PageLatest(ctx, roomID, limit)
		slices.Reverse(out)
	default:
		return nil, ErrInvalidCursor
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}
