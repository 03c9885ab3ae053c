package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-roomchat/internal/domain"
)

// CreateRoomRequest is the payload of POST /rooms. Type defaults to text.
type CreateRoomRequest struct {
	Name        string `json:"name" example:"random"`
	Description string `json:"description" example:"off-topic"`
	Type        string `json:"type" example:"text"`
}

// ListRoomsResponse lists every room ordered by id.
type ListRoomsResponse struct {
	Rooms []domain.Room `json:"rooms"`
}

// ListRooms godoc
// @ID          listRooms
// @Summary     List rooms
// @Tags        Rooms
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.ListRoomsResponse
// @Router      /rooms [get]
func (h *Handlers) ListRooms(c *gin.Context) {
	if _, authed := caller(c); !authed {
		return
	}
	rooms, err := h.Rooms.List(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListRoomsResponse{Rooms: rooms})
}

// CreateRoom godoc
// @ID          createRoom
// @Summary     Create a room
// @Description Names must match ^[a-z0-9_-]{2,32}$ and are immutable.
// @Tags        Rooms
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.CreateRoomRequest  true  "Room"
// @Success     201  {object}  domain.Room
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse
// @Router      /rooms [post]
func (h *Handlers) CreateRoom(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	room, err := h.Rooms.Create(c.Request.Context(), rc, req.Name, req.Description, req.Type)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, room)
}
