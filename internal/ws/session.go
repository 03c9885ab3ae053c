package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-roomchat/internal/services"
)

const (
	writeWait = 10 * time.Second
)

// Session is the server side of one real-time connection. Fields below the
// marker are owned by the connection's read loop and need no locking.
type Session struct {
	ID   string
	User services.RequestContext

	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	// read loop state
	roomID   int64
	roomName string
	lastAuth time.Time
	limiter  *rate.Limiter
	strikes  int

	log zerolog.Logger
}

// newSession builds a session for rc. conn may be nil in tests that only
// exercise the hub.
func newSession(conn *websocket.Conn, rc services.RequestContext, buffer, perMinute int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
		burst = perMinute
	}
	id := uuid.NewString()
	return &Session{
		ID:         id,
		User:       rc,
		conn:       conn,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		lastAuth:   time.Now(),
		limiter:    rate.NewLimiter(limit, burst),
		log: log.With().
			Str("conn_id", id).
			Int64("user_id", rc.UserID).
			Str("username", rc.Username).
			Logger(),
	}
}

// enqueue queues a frame without blocking. It reports false when the
// session is closed or its buffer is full.
func (s *Session) enqueue(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

// close stops the writer. Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// finish queues a last frame followed by a close, then waits briefly for
// the writer to flush it.
func (s *Session) finish(payload []byte) {
	if s.enqueue(payload) && s.enqueue(nil) {
		select {
		case <-s.writerDone:
		case <-time.After(writeWait):
		}
	}
	s.close()
}

// writePump is the only goroutine that writes to conn.
func (s *Session) writePump(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case msg := <-s.send:
			if msg == nil {
				s.writeClose(websocket.CloseNormalClosure)
				return
			}
			if !s.write(websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		case <-s.done:
			s.writeClose(websocket.CloseGoingAway)
			return
		}
	}
}

func (s *Session) write(kind int, msg []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(kind, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.log.Debug().Err(err).Msg("ws write")
		}
		return false
	}
	return true
}

func (s *Session) writeClose(code int) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(writeWait))
}
