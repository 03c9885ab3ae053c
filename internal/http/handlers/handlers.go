// Package handlers provides HTTP handler implementations for the public API.
//
// The HTTP surface is an adjunct to the real-time endpoint: it covers room
// send/edit/delete for clients that cannot hold a socket, paged backfill,
// the encrypted direct-message API, and room administration. Every write
// that the real-time endpoint would broadcast is published to the hub here
// too, so both paths behave the same for connected clients.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/http/middleware"
	"github.com/tbourn/go-roomchat/internal/services"
)

// Publisher fans committed room changes out to live sessions. Sequence
// runs an append and its broadcast under the room's publish lock.
type Publisher interface {
	Sequence(roomID int64, write func() (*domain.Message, bool, error)) (*domain.Message, error)
	PublishEdit(m *domain.Message) int
	PublishDelete(m *domain.Message) int
}

// Handlers bundles the services used by the HTTP endpoints.
type Handlers struct {
	Rooms    *services.RoomRegistry
	Messages *services.MessageLog
	Backfill *services.Backfill
	DMs      *services.DMLog
	Hub      Publisher
}

// New constructs a Handlers. A nil hub disables live fan-out.
func New(rooms *services.RoomRegistry, msgs *services.MessageLog, bf *services.Backfill, dms *services.DMLog, hub Publisher) *Handlers {
	if hub == nil {
		hub = nopPublisher{}
	}
	return &Handlers{Rooms: rooms, Messages: msgs, Backfill: bf, DMs: dms, Hub: hub}
}

type nopPublisher struct{}

func (nopPublisher) Sequence(_ int64, write func() (*domain.Message, bool, error)) (*domain.Message, error) {
	m, _, err := write()
	return m, err
}
func (nopPublisher) PublishEdit(*domain.Message) int   { return 0 }
func (nopPublisher) PublishDelete(*domain.Message) int { return 0 }

// caller returns the authenticated identity or writes a 401.
func caller(c *gin.Context) (services.RequestContext, bool) {
	rc, ok := middleware.CurrentUser(c)
	if !ok {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthenticated, services.ErrUnauthenticated.Error())
	}
	return rc, ok
}

// idemKey returns the validated Idempotency-Key, or "".
func idemKey(c *gin.Context) string {
	k, _ := middleware.GetIdempotencyKey(c)
	return k
}

// markReplay sets the replay header on idempotent responses.
func markReplay(c *gin.Context, replayed bool) {
	if replayed {
		c.Header("Idempotency-Replayed", "true")
	}
}

// OKResponse acknowledges a mutation of a single record.
type OKResponse struct {
	OK bool  `json:"ok" example:"true"`
	ID int64 `json:"id" example:"42"`
}

// CountResponse carries a single counter.
type CountResponse struct {
	Count int64 `json:"count" example:"3"`
}
