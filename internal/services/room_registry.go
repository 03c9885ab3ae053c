// Package services – RoomRegistry
//
// RoomRegistry seeds the default rooms, resolves room names for joins (with
// a fallback to "general"), and creates rooms on behalf of callers.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/repo"
)

var roomNameRe = regexp.MustCompile(`^[a-z0-9_-]{2,32}$`)

// ValidRoomName reports whether name is an acceptable room name.
func ValidRoomName(name string) bool { return roomNameRe.MatchString(name) }

// RoomRegistry manages rooms.
type RoomRegistry struct {
	Store *repo.Store
}

// NewRoomRegistry builds a registry over the store.
func NewRoomRegistry(s *repo.Store) *RoomRegistry { return &RoomRegistry{Store: s} }

// Seed ensures the default rooms exist. It is idempotent.
func (r *RoomRegistry) Seed(ctx context.Context) error {
	defaults := []domain.Room{
		{Name: domain.RoomGeneral, Description: "General discussion", Type: domain.RoomTypeText, IsDefault: true},
		{Name: domain.RoomAnnouncements, Description: "Announcements", Type: domain.RoomTypeAnnouncement, IsDefault: true},
	}
	return r.Store.Write(ctx, "room.seed", func(tx *gorm.DB) error {
		for i := range defaults {
			if _, err := repo.EnsureRoom(tx, &defaults[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Default returns the "general" room.
func (r *RoomRegistry) Default(ctx context.Context) (*domain.Room, error) {
	var room *domain.Room
	err := r.Store.Read(ctx, "room.default", func(db *gorm.DB) (err error) {
		room, err = repo.GetRoomByName(db, domain.RoomGeneral)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return room, err
}

// LookupByName resolves a room by name. Unknown or malformed names fall back
// to the "general" room.
func (r *RoomRegistry) LookupByName(ctx context.Context, name string) (*domain.Room, error) {
	ctx, span := otel.Tracer("services/RoomRegistry").Start(ctx, "LookupByName",
		trace.WithAttributes(attribute.String("room.name", name)))
	defer span.End()

	name = strings.ToLower(strings.TrimSpace(name))
	if !ValidRoomName(name) {
		return r.Default(ctx)
	}
	var room *domain.Room
	err := r.Store.Read(ctx, "room.by_name", func(db *gorm.DB) (err error) {
		room, err = repo.GetRoomByName(db, name)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return r.Default(ctx)
	}
	return room, err
}

// Get returns a room by id.
func (r *RoomRegistry) Get(ctx context.Context, id int64) (*domain.Room, error) {
	if id <= 0 {
		return nil, ErrMissingRoom
	}
	var room *domain.Room
	err := r.Store.Read(ctx, "room.get", func(db *gorm.DB) (err error) {
		room, err = repo.GetRoom(db, id)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return room, err
}

// List returns every room ordered by id.
func (r *RoomRegistry) List(ctx context.Context) ([]domain.Room, error) {
	var rooms []domain.Room
	err := r.Store.Read(ctx, "room.list", func(db *gorm.DB) (err error) {
		rooms, err = repo.ListRooms(db)
		return err
	})
	return rooms, err
}

// Create validates and persists a new room owned by the caller.
func (r *RoomRegistry) Create(ctx context.Context, rc RequestContext, name, description, typ string) (*domain.Room, error) {
	ctx, span := otel.Tracer("services/RoomRegistry").Start(ctx, "Create",
		trace.WithAttributes(attribute.String("room.name", name), attribute.Int64("user.id", rc.UserID)))
	defer span.End()

	if !rc.Valid() {
		return nil, ErrUnauthenticated
	}
	name = strings.TrimSpace(name)
	if !ValidRoomName(name) {
		return nil, ErrInvalidRoomName
	}
	if typ == "" {
		typ = domain.RoomTypeText
	}
	if typ != domain.RoomTypeText && typ != domain.RoomTypeAnnouncement {
		return nil, ErrInvalidRoomType
	}
	description = normalizeText(description)
	if len([]rune(description)) > 255 {
		return nil, ErrContentTooLong
	}

	creator := rc.UserID
	room := &domain.Room{
		Name:        name,
		Description: EscapeHTML(description),
		Type:        typ,
		CreatedBy:   &creator,
	}
	err := r.Store.Write(ctx, "room.create", func(tx *gorm.DB) error {
		return repo.CreateRoom(tx, room)
	})
	if repo.IsUniqueViolation(err) {
		return nil, ErrRoomNameTaken
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}
