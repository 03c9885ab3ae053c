package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/metrics"
	"github.com/tbourn/go-roomchat/internal/services"
)

// Verifier re-checks an identity against the store.
type Verifier interface {
	Verify(ctx context.Context, rc services.RequestContext) (*domain.User, error)
}

// IdentifyFunc extracts the authenticated caller from the upgrade request.
// It reports false when the request carries no valid identity.
type IdentifyFunc func(r *http.Request) (services.RequestContext, bool)

// Deps are the collaborators of a Server.
type Deps struct {
	Hub      *Hub
	Rooms    *services.RoomRegistry
	Messages *services.MessageLog
	Backfill *services.Backfill
	Users    Verifier
	Identify IdentifyFunc
}

// Options tune the real-time endpoint. Zero values take defaults.
type Options struct {
	// AllowedOrigins lists accepted Origin headers. "*" accepts any. When
	// empty only same-host origins are accepted.
	AllowedOrigins []string

	SessionTTL        time.Duration // re-verify identity after this long
	MessagesPerMinute int           // per-connection bucket for message events
	DisconnectAfter   int           // consecutive rate-limit hits before close
	SendBuffer        int           // per-session outbound frames
	MaxFrameBytes     int64
	PongWait          time.Duration
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 5 * time.Minute
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	return o
}

// Server upgrades HTTP requests to sessions and dispatches their events.
type Server struct {
	Deps
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer builds the real-time endpoint.
func NewServer(d Deps, o Options) *Server {
	o = o.withDefaults()
	return &Server{
		Deps: d,
		opts: o,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(o.AllowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	_, anyOrigin := set["*"]
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || anyOrigin {
			return true
		}
		if len(set) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP upgrades the connection and runs the session until it closes.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("origin", r.Header.Get("Origin")).Msg("ws upgrade failed")
		return
	}

	// ctx is cancelled when the session closes, not when the handler's
	// request context ends.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	rc, ok := services.RequestContext{}, false
	if srv.Identify != nil {
		rc, ok = srv.Identify(r)
	}
	if !ok {
		reject(conn, services.ErrUnauthenticated)
		return
	}
	if _, err := srv.Users.Verify(ctx, rc); err != nil {
		reject(conn, err)
		return
	}

	s := newSession(conn, rc, srv.opts.SendBuffer, srv.opts.MessagesPerMinute)
	srv.Hub.Register(s)
	go s.writePump(srv.opts.PongWait * 9 / 10)
	go func() {
		<-s.done
		cancel()
	}()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("ws connected")

	if room, err := srv.Rooms.Default(ctx); err == nil {
		srv.join(s, room)
	} else {
		s.log.Error().Err(err).Msg("default room unavailable")
	}

	srv.readLoop(ctx, s)
}

// reject sends a single error frame on a connection that never became a
// session, then closes it.
func reject(conn *websocket.Conn, err error) {
	deadline := time.Now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, encode(errorPayload(err)))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, services.Kind(err)),
		deadline)
	_ = conn.Close()
}

func (srv *Server) readLoop(ctx context.Context, s *Session) {
	defer func() {
		s.close()
		srv.Hub.Unregister(s)
		_ = s.conn.Close()
		s.log.Info().Msg("ws disconnected")
	}()

	s.conn.SetReadLimit(srv.opts.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(srv.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(srv.opts.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Debug().Err(err).Msg("ws read")
			}
			return
		}
		if !srv.handle(ctx, s, raw) {
			return
		}
	}
}

// handle processes one inbound frame. It reports false when the session
// must end.
func (srv *Server) handle(ctx context.Context, s *Session, raw []byte) bool {
	if time.Since(s.lastAuth) >= srv.opts.SessionTTL {
		if _, err := srv.Users.Verify(ctx, s.User); err != nil {
			if services.Kind(err) == services.KindBusy {
				return srv.fail(s, err)
			}
			s.log.Info().Err(err).Msg("session re-verification failed")
			s.finish(encode(errorPayload(err)))
			return false
		}
		s.lastAuth = time.Now()
	}

	ev, err := ParseClientEvent(raw)
	if err != nil {
		return srv.fail(s, err)
	}
	metrics.WSEvents.WithLabelValues(ev.Name()).Inc()

	if limited(ev) {
		if !s.limiter.Allow() {
			metrics.RateLimited.Inc()
			s.strikes++
			if srv.opts.DisconnectAfter > 0 && s.strikes >= srv.opts.DisconnectAfter {
				s.log.Warn().Int("strikes", s.strikes).Msg("rate limit exceeded repeatedly; closing")
				s.finish(encode(errorPayload(services.ErrRateLimited)))
				return false
			}
			return srv.fail(s, services.ErrRateLimited)
		}
		s.strikes = 0
	}

	switch e := ev.(type) {
	case JoinRoom:
		room, err := srv.Rooms.LookupByName(ctx, e.Room)
		if err != nil {
			return srv.fail(s, err)
		}
		srv.join(s, room)

	case LeaveRoom:
		prev := srv.Hub.Leave(s)
		s.reply(srv.Hub, roomPayload{Event: EvRoomLeft, Room: s.roomName, RoomID: prev})
		s.roomID, s.roomName = 0, ""

	case Send:
		if s.roomID == 0 {
			return srv.fail(s, services.ErrMissingRoom)
		}
		_, err := srv.Hub.Sequence(s.roomID, func() (*domain.Message, bool, error) {
			m, err := srv.Messages.Send(ctx, s.User, s.roomID, e.Content)
			return m, true, err
		})
		if err != nil {
			return srv.fail(s, err)
		}

	case EditMessage:
		m, err := srv.Messages.Edit(ctx, s.User, e.ID, e.Content)
		if err != nil {
			return srv.fail(s, err)
		}
		srv.notify(s, m.RoomID, editedFrame(m))

	case DeleteMessage:
		m, err := srv.Messages.Delete(ctx, s.User, e.ID)
		if err != nil {
			return srv.fail(s, err)
		}
		srv.notify(s, m.RoomID, deletedFrame(m))

	case RequestBackfill:
		if s.roomID == 0 {
			return srv.fail(s, services.ErrMissingRoom)
		}
		ms, err := srv.Backfill.Fetch(ctx, s.roomID, e.Limit, e.Cursor)
		if err != nil {
			return srv.fail(s, err)
		}
		s.reply(srv.Hub, backfillPayload{Event: EvBackfill, Phase: "continuity", Messages: MessagePayloads(ms)})

	case Typing, StopTyping:
		if s.roomID != 0 {
			srv.Hub.Broadcast(s.roomID, encode(typingPayload{Event: ev.Name(), User: s.User.Username}), s)
		}

	case Ping:
		s.reply(srv.Hub, pongPayload{Event: EvLatencyPong, TS: e.TS})
	}
	return !s.isClosed()
}

// limited reports whether ev draws from the per-connection bucket.
func limited(ev ClientEvent) bool {
	switch ev.(type) {
	case Send, EditMessage, DeleteMessage:
		return true
	}
	return false
}

func (srv *Server) join(s *Session, room *domain.Room) {
	srv.Hub.Join(s, room.ID)
	s.roomID, s.roomName = room.ID, room.Name
	s.reply(srv.Hub, roomPayload{Event: EvRoomJoined, Room: room.Name, RoomID: room.ID})
}

// notify broadcasts to roomID and makes sure the caller sees the outcome
// even when it is joined elsewhere.
func (srv *Server) notify(s *Session, roomID int64, payload []byte) {
	srv.Hub.publishOrdered(roomID, payload)
	if srv.Hub.RoomOf(s) != roomID {
		s.reply(srv.Hub, payload)
	}
}

// fail reports err to the caller only. Unauthenticated and fatal errors end
// the session; everything else keeps it open.
func (srv *Server) fail(s *Session, err error) bool {
	switch services.Kind(err) {
	case services.KindFatal:
		s.log.Error().Err(err).Msg("ws dispatch failed")
		s.finish(encode(errorPayload(err)))
		return false
	case services.KindUnauthenticated:
		s.finish(encode(errorPayload(err)))
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	s.reply(srv.Hub, errorPayload(err))
	return true
}

// reply queues v for the session alone. A full buffer drops the session.
func (s *Session) reply(h *Hub, v any) {
	var b []byte
	switch p := v.(type) {
	case []byte:
		b = p
	default:
		b = encode(v)
	}
	if !s.enqueue(b) {
		h.drop(s)
	}
}
