// Room message HTTP handlers.
//
// These mirror the real-time events for clients without a socket:
//   - POST /send      append a message (idempotent with Idempotency-Key)
//   - POST /edit      edit an own message
//   - POST /delete    soft-delete an own message
//   - GET  /backfill  page history by cursor
//   - GET  /unread    live message count of the default room
//
// Each committed change is published to the hub so connected sessions see
// it exactly as if it had been sent over the socket.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/services"
	"github.com/tbourn/go-roomchat/internal/utils"
	"github.com/tbourn/go-roomchat/internal/ws"
)

// SendRequest is the payload of POST /send. A zero RoomID targets the
// default room.
type SendRequest struct {
	RoomID  int64  `json:"room_id" example:"1"`
	Content string `json:"content" example:"hello there"`
}

// SendResponse carries the id of the persisted message.
type SendResponse struct {
	ID int64 `json:"id" example:"42"`
}

// EditRequest is the payload of POST /edit.
type EditRequest struct {
	ID      int64  `json:"id" example:"42"`
	Content string `json:"content" example:"fixed typo"`
}

// DeleteRequest is the payload of POST /delete.
type DeleteRequest struct {
	ID int64 `json:"id" example:"42"`
}

// BackfillResponse is a chronological page of room messages.
type BackfillResponse struct {
	Messages []ws.MessagePayload `json:"messages"`
}

// Send godoc
// @ID          sendMessage
// @Summary     Send a room message
// @Description Persists a message and broadcasts it to the room. With an
// @Description Idempotency-Key header a retry returns the original id.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries"
// @Param       body             body    handlers.SendRequest  true  "Message"
// @Success     200  {object}  handlers.SendResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /send [post]
func (h *Handlers) Send(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	ctx := c.Request.Context()

	roomID := req.RoomID
	if roomID == 0 {
		room, err := h.Rooms.Default(ctx)
		if err != nil {
			failErr(c, err)
			return
		}
		roomID = room.ID
	}

	var replayed bool
	m, err := h.Hub.Sequence(roomID, func() (*domain.Message, bool, error) {
		m, r, err := h.Messages.SendIdempotent(ctx, rc, roomID, req.Content, idemKey(c))
		replayed = r
		return m, !r, err
	})
	if err != nil {
		failErr(c, err)
		return
	}
	markReplay(c, replayed)
	ok(c, http.StatusOK, SendResponse{ID: m.ID})
}

// Edit godoc
// @ID          editMessage
// @Summary     Edit an own room message
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.EditRequest  true  "Edit"
// @Success     200  {object}  handlers.OKResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /edit [post]
func (h *Handlers) Edit(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ID <= 0 {
		badRequest(c, "id and content are required")
		return
	}
	m, err := h.Messages.Edit(c.Request.Context(), rc, req.ID, req.Content)
	if err != nil {
		failErr(c, err)
		return
	}
	h.Hub.PublishEdit(m)
	ok(c, http.StatusOK, OKResponse{OK: true, ID: m.ID})
}

// Delete godoc
// @ID          deleteMessage
// @Summary     Soft-delete an own room message
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.DeleteRequest  true  "Delete"
// @Success     200  {object}  handlers.OKResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /delete [post]
func (h *Handlers) Delete(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	var req DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ID <= 0 {
		badRequest(c, "id is required")
		return
	}
	m, err := h.Messages.Delete(c.Request.Context(), rc, req.ID)
	if err != nil {
		failErr(c, err)
		return
	}
	h.Hub.PublishDelete(m)
	ok(c, http.StatusOK, OKResponse{OK: true, ID: m.ID})
}

// GetBackfill godoc
// @ID          backfill
// @Summary     Page room history
// @Description Returns up to limit live messages oldest first. after_id
// @Description wins over before_id; without either the latest page is returned.
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
// @Param       room_id    query  int  true   "Room id"
// @Param       limit      query  int  false  "Page size (default 50, max 100)"
// @Param       after_id   query  int  false  "Return messages newer than this id"
// @Param       before_id  query  int  false  "Return messages older than this id"
// @Success     200  {object}  handlers.BackfillResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /backfill [get]
func (h *Handlers) GetBackfill(c *gin.Context) {
	if _, authed := caller(c); !authed {
		return
	}
	roomID, err1 := utils.ParseID(c.Query("room_id"))
	afterID, err2 := utils.ParseID(c.Query("after_id"))
	beforeID, err3 := utils.ParseID(c.Query("before_id"))
	if err1 != nil || err2 != nil || err3 != nil {
		failErr(c, services.ErrInvalidCursor)
		return
	}
	limit := utils.AtoiDefault(c.Query("limit"), 0)

	ctx := c.Request.Context()
	if _, err := h.Rooms.Get(ctx, roomID); err != nil {
		failErr(c, err)
		return
	}
	msgs, err := h.Backfill.Fetch(ctx, roomID, limit, services.CursorFrom(afterID, beforeID))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, BackfillResponse{Messages: ws.MessagePayloads(msgs)})
}

// Unread godoc
// @ID          unread
// @Summary     Live message count of the default room
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.CountResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /unread [get]
func (h *Handlers) Unread(c *gin.Context) {
	if _, authed := caller(c); !authed {
		return
	}
	ctx := c.Request.Context()
	room, err := h.Rooms.Default(ctx)
	if err != nil {
		failErr(c, err)
		return
	}
	n, err := h.Messages.CountLive(ctx, room.ID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, CountResponse{Count: n})
}
