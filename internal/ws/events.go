// Package ws implements the real-time channel: per-connection sessions over
// gorilla/websocket and the hub that fans room events out to them.
//
// Wire frames are JSON objects tagged by "event". Inbound frames are decoded
// exactly once, by ParseClientEvent, into a closed set of typed events; the
// dispatcher never sees raw JSON.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/tbourn/go-roomchat/internal/services"
)

// Inbound event names.
const (
	EvJoinRoom        = "join_room"
	EvLeaveRoom       = "leave_room"
	EvSendMessage     = "send_message"
	EvEditMessage     = "edit_message"
	EvDeleteMessage   = "delete_message"
	EvRequestBackfill = "request_backfill"
	EvTyping          = "typing"
	EvStopTyping      = "stop_typing"
	EvLatencyPing     = "latency_ping"
)

// ErrMalformedFrame is returned for frames that are not a JSON object with a
// known "event".
var ErrMalformedFrame = fmt.Errorf("%w: malformed frame", services.ErrInvalid)

// ClientEvent is an inbound event. The set is closed: only types in this
// package implement it.
type ClientEvent interface {
	Name() string
	clientEvent()
}

// JoinRoom asks to move the session to Room.
type JoinRoom struct{ Room string }

// LeaveRoom returns the session to no room.
type LeaveRoom struct{}

// Send posts Content to the current room.
type Send struct{ Content string }

// EditMessage replaces the content of one of the caller's messages.
type EditMessage struct {
	ID      int64
	Content string
}

// DeleteMessage soft-deletes one of the caller's messages.
type DeleteMessage struct{ ID int64 }

// RequestBackfill asks for history of the current room.
type RequestBackfill struct {
	Cursor services.Cursor
	Limit  int
}

// Typing marks the caller as typing in the current room.
type Typing struct{}

// StopTyping clears the typing indicator.
type StopTyping struct{}

// Ping measures round-trip latency; TS is echoed back untouched.
type Ping struct{ TS int64 }

func (JoinRoom) Name() string        { return EvJoinRoom }
func (LeaveRoom) Name() string       { return EvLeaveRoom }
func (Send) Name() string            { return EvSendMessage }
func (EditMessage) Name() string     { return EvEditMessage }
func (DeleteMessage) Name() string   { return EvDeleteMessage }
func (RequestBackfill) Name() string { return EvRequestBackfill }
func (Typing) Name() string          { return EvTyping }
func (StopTyping) Name() string      { return EvStopTyping }
func (Ping) Name() string            { return EvLatencyPing }

func (JoinRoom) clientEvent()        {}
func (LeaveRoom) clientEvent()       {}
func (Send) clientEvent()            {}
func (EditMessage) clientEvent()     {}
func (DeleteMessage) clientEvent()   {}
func (RequestBackfill) clientEvent() {}
func (Typing) clientEvent()          {}
func (StopTyping) clientEvent()      {}
func (Ping) clientEvent()            {}

// frame is the union of all inbound fields.
type frame struct {
	Event    string `json:"event"`
	Room     string `json:"room"`
	Content  string `json:"content"`
	ID       int64  `json:"id"`
	AfterID  int64  `json:"after_id"`
	BeforeID int64  `json:"before_id"`
	Limit    int    `json:"limit"`
	TS       int64  `json:"ts"`
}

// ParseClientEvent decodes one inbound frame.
func ParseClientEvent(raw []byte) (ClientEvent, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Event {
	case EvJoinRoom:
		return JoinRoom{Room: f.Room}, nil
	case EvLeaveRoom:
		return LeaveRoom{}, nil
	case EvSendMessage:
		return Send{Content: f.Content}, nil
	case EvEditMessage:
		if f.ID <= 0 {
			return nil, fmt.Errorf("%w: id is required", ErrMalformedFrame)
		}
		return EditMessage{ID: f.ID, Content: f.Content}, nil
	case EvDeleteMessage:
		if f.ID <= 0 {
			return nil, fmt.Errorf("%w: id is required", ErrMalformedFrame)
		}
		return DeleteMessage{ID: f.ID}, nil
	case EvRequestBackfill:
		if f.AfterID < 0 || f.BeforeID < 0 {
			return nil, services.ErrInvalidCursor
		}
		return RequestBackfill{Cursor: services.CursorFrom(f.AfterID, f.BeforeID), Limit: f.Limit}, nil
	case EvTyping:
		return Typing{}, nil
	case EvStopTyping:
		return StopTyping{}, nil
	case EvLatencyPing:
		return Ping{TS: f.TS}, nil
	case "":
		return nil, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformedFrame, f.Event)
	}
}
