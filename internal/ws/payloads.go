package ws

import (
	"encoding/json"
	"time"

	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/services"
)

// Outbound event names.
const (
	EvMessage        = "message"
	EvMessageEdited  = "message_edited"
	EvMessageDeleted = "message_deleted"
	EvRoomJoined     = "room_joined"
	EvRoomLeft       = "room_left"
	EvBackfill       = "backfill"
	EvLatencyPong    = "latency_pong"
	EvError          = "error"
)

// MessagePayload is the broadcast shape of a room message.
type MessagePayload struct {
	Event     string    `json:"event"`
	ID        int64     `json:"id"`
	User      string    `json:"user"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	RoomID    int64     `json:"room_id"`
	Deleted   bool      `json:"deleted"`
	Edited    bool      `json:"edited"`
}

// NewMessagePayload renders a live message.
func NewMessagePayload(m *domain.Message) MessagePayload {
	return MessagePayload{
		Event:     EvMessage,
		ID:        m.ID,
		User:      m.Username,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		RoomID:    m.RoomID,
		Deleted:   false,
		Edited:    m.Edited(),
	}
}

// MessagePayloads renders a page of messages, chronological order kept.
func MessagePayloads(ms []domain.Message) []MessagePayload {
	out := make([]MessagePayload, 0, len(ms))
	for i := range ms {
		out = append(out, NewMessagePayload(&ms[i]))
	}
	return out
}

type editedPayload struct {
	Event   string `json:"event"`
	ID      int64  `json:"id"`
	Content string `json:"content"`
	RoomID  int64  `json:"room_id"`
	Edited  bool   `json:"edited"`
}

func editedFrame(m *domain.Message) []byte {
	return encode(editedPayload{Event: EvMessageEdited, ID: m.ID, Content: m.Content, RoomID: m.RoomID, Edited: true})
}

type deletedPayload struct {
	Event  string `json:"event"`
	ID     int64  `json:"id"`
	RoomID int64  `json:"room_id"`
}

func deletedFrame(m *domain.Message) []byte {
	return encode(deletedPayload{Event: EvMessageDeleted, ID: m.ID, RoomID: m.RoomID})
}

type roomPayload struct {
	Event  string `json:"event"`
	Room   string `json:"room"`
	RoomID int64  `json:"room_id"`
}

type backfillPayload struct {
	Event    string           `json:"event"`
	Phase    string           `json:"phase"`
	Messages []MessagePayload `json:"messages"`
}

type typingPayload struct {
	Event string `json:"event"`
	User  string `json:"user"`
}

type pongPayload struct {
	Event string `json:"event"`
	TS    int64  `json:"ts"`
}

// ErrorPayload carries a machine kind plus a human message.
type ErrorPayload struct {
	Event   string `json:"event"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorPayload(err error) ErrorPayload {
	return ErrorPayload{Event: EvError, Kind: services.Kind(err), Message: services.PublicMessage(err)}
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// all payloads are plain structs
		panic(err)
	}
	return b
}
