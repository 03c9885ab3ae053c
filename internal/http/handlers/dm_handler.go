// Direct message HTTP handlers.
//
// DMs are HTTP-only; there is no live push. Content is encrypted at rest by
// the DM log and decrypted per viewer on read. Authorization at the record
// level (participant checks, DM policy) lives in the service.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-roomchat/internal/metrics"
	"github.com/tbourn/go-roomchat/internal/services"
	"github.com/tbourn/go-roomchat/internal/utils"
)

// DMSendRequest is the payload of POST /dm/send.
type DMSendRequest struct {
	RecipientID int64  `json:"recipient_id" example:"7"`
	Content     string `json:"content" example:"hey"`
}

// DMMessageRequest addresses a single direct message.
type DMMessageRequest struct {
	MessageID int64 `json:"message_id" example:"12"`
}

// DMPageResponse is a chronological page of one conversation.
type DMPageResponse struct {
	Messages []services.DMView `json:"messages"`
}

// DMListResponse is the caller's inbox, newest conversation first.
type DMListResponse struct {
	Conversations []services.ConversationSummary `json:"conversations"`
}

// DMReadResponse reports how many messages were newly marked read.
type DMReadResponse struct {
	OK      bool  `json:"ok" example:"true"`
	Updated int64 `json:"updated" example:"3"`
}

// SendDM godoc
// @ID          sendDM
// @Summary     Send a direct message
// @Description Encrypts and stores a message for the recipient, subject to
// @Description the recipient's DM policy. Supports Idempotency-Key.
// @Tags        DirectMessages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries"
// @Param       body             body    handlers.DMSendRequest  true  "Message"
// @Success     200  {object}  services.DMSendResult
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /dm/send [post]
func (h *Handlers) SendDM(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	var req DMSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	res, replayed, err := h.DMs.SendIdempotent(c.Request.Context(), rc, req.RecipientID, req.Content, idemKey(c))
	if err != nil {
		failErr(c, err)
		return
	}
	markReplay(c, replayed)
	if !replayed {
		metrics.DirectMessages.Inc()
	}
	ok(c, http.StatusOK, res)
}

// Conversation godoc
// @ID          dmConversation
// @Summary     Read a conversation page
// @Tags        DirectMessages
// @Produce     json
// @Security    BearerAuth
// @Param       with_user  query  int  true   "Peer user id"
// @Param       limit      query  int  false  "Page size (default 50, max 100)"
// @Param       before_id  query  int  false  "Return messages older than this id"
// @Success     200  {object}  handlers.DMPageResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /dm/conversation [get]
func (h *Handlers) Conversation(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	peerID, err1 := utils.ParseID(c.Query("with_user"))
	beforeID, err2 := utils.ParseID(c.Query("before_id"))
	if err1 != nil || err2 != nil {
		badRequest(c, "with_user and before_id must be non-negative integers")
		return
	}
	limit := utils.AtoiDefault(c.Query("limit"), 0)

	page, err := h.DMs.ReadPage(c.Request.Context(), rc, peerID, beforeID, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, DMPageResponse{Messages: page})
}

// MarkDMRead godoc
// @ID          dmRead
// @Summary     Mark direct messages read up to an id
// @Tags        DirectMessages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.DMMessageRequest  true  "Watermark"
// @Success     200  {object}  handlers.DMReadResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /dm/read [post]
func (h *Handlers) MarkDMRead(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	var req DMMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	n, err := h.DMs.MarkRead(c.Request.Context(), rc, req.MessageID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, DMReadResponse{OK: true, Updated: n})
}

// DeleteDM godoc
// @ID          dmDelete
// @Summary     Hide a direct message from the caller's side
// @Tags        DirectMessages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.DMMessageRequest  true  "Message"
// @Success     200  {object}  handlers.OKResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /dm/delete [post]
func (h *Handlers) DeleteDM(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	var req DMMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if err := h.DMs.Delete(c.Request.Context(), rc, req.MessageID); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, OKResponse{OK: true, ID: req.MessageID})
}

// ListDMs godoc
// @ID          dmList
// @Summary     List conversations
// @Tags        DirectMessages
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.DMListResponse
// @Router      /dm/list [get]
func (h *Handlers) ListDMs(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	list, err := h.DMs.ListConversations(c.Request.Context(), rc)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, DMListResponse{Conversations: list})
}

// UnreadDMs godoc
// @ID          dmUnread
// @Summary     Unread direct messages across all conversations
// @Tags        DirectMessages
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.CountResponse
// @Router      /dm/unread [get]
func (h *Handlers) UnreadDMs(c *gin.Context) {
	rc, authed := caller(c)
	if !authed {
		return
	}
	n, err := h.DMs.UnreadTotal(c.Request.Context(), rc)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, CountResponse{Count: n})
}
