package ws

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/metrics"
)

// Hub tracks live sessions and their room membership. A session is in at
// most one room. All membership changes go through mu; broadcasts snapshot
// the recipients and write outside the lock.
//
// Each room also has a publish lock that orders appends and their fan-out.
// It is always taken before mu, never while holding it.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]int64 // session -> room id (0 = none)
	rooms    map[int64]map[*Session]struct{}

	pubMu sync.Mutex
	pub   map[int64]*sync.Mutex
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]int64),
		rooms:    make(map[int64]map[*Session]struct{}),
		pub:      make(map[int64]*sync.Mutex),
	}
}

// Register adds a session with no room.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; ok {
		return
	}
	h.sessions[s] = 0
	metrics.WSConnections.Inc()
}

// Unregister removes a session and its room membership. It is idempotent.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.sessions[s]
	if !ok {
		return
	}
	h.removeLocked(s, room)
	delete(h.sessions, s)
	metrics.WSConnections.Dec()
}

// Join moves s into roomID, leaving its previous room. It returns the
// previous room id (0 if none).
func (h *Hub) Join(s *Session, roomID int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.sessions[s]
	if !ok {
		return 0
	}
	if prev == roomID {
		return prev
	}
	h.removeLocked(s, prev)
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[roomID] = members
		metrics.WSRooms.Inc()
	}
	members[s] = struct{}{}
	h.sessions[s] = roomID
	return prev
}

// Leave takes s out of its room and returns that room id (0 if none).
func (h *Hub) Leave(s *Session) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.sessions[s]
	if !ok {
		return 0
	}
	h.removeLocked(s, prev)
	h.sessions[s] = 0
	return prev
}

// removeLocked drops s from roomID's group and deletes the group when it
// becomes empty. Callers hold h.mu.
func (h *Hub) removeLocked(s *Session, roomID int64) {
	if roomID == 0 {
		return
	}
	members := h.rooms[roomID]
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		metrics.WSRooms.Dec()
	}
}

// RoomOf returns the room s is joined to (0 if none).
func (h *Hub) RoomOf(s *Session) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[s]
}

// Online returns the number of sessions joined to roomID.
func (h *Hub) Online(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Rooms returns the number of materialized room groups.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Sessions returns the number of registered sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast queues payload to every session in roomID except skip (may be
// nil). A recipient whose buffer is full is closed and unregistered; the
// others are unaffected. It returns the number of sessions reached.
func (h *Hub) Broadcast(roomID int64, payload []byte, skip *Session) int {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[roomID]))
	for s := range h.rooms[roomID] {
		if s != skip {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if s.enqueue(payload) {
			n++
			continue
		}
		h.drop(s)
	}
	return n
}

// publishLock returns roomID's publish lock. Locks live as long as the hub;
// there is one per room that has ever been written to.
func (h *Hub) publishLock(roomID int64) *sync.Mutex {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	l, ok := h.pub[roomID]
	if !ok {
		l = new(sync.Mutex)
		h.pub[roomID] = l
	}
	return l
}

// Sequence runs write under roomID's publish lock and, if write reports
// publish, broadcasts the returned message before releasing it. Two appends
// to the same room therefore reach every recipient in id order. Idempotent
// replays return publish=false and are not re-broadcast.
func (h *Hub) Sequence(roomID int64, write func() (m *domain.Message, publish bool, err error)) (*domain.Message, error) {
	l := h.publishLock(roomID)
	l.Lock()
	defer l.Unlock()
	m, publish, err := write()
	if err != nil {
		return nil, err
	}
	if publish {
		h.publishMessage(m)
	}
	return m, nil
}

// PublishMessage broadcasts a newly persisted message to its room.
func (h *Hub) PublishMessage(m *domain.Message) int {
	l := h.publishLock(m.RoomID)
	l.Lock()
	defer l.Unlock()
	return h.publishMessage(m)
}

func (h *Hub) publishMessage(m *domain.Message) int {
	metrics.MessagesTotal.Inc()
	return h.Broadcast(m.RoomID, encode(NewMessagePayload(m)), nil)
}

// PublishEdit tells m's room that m was edited. It waits for an in-flight
// append to the room so the edit never overtakes the message itself.
func (h *Hub) PublishEdit(m *domain.Message) int {
	return h.publishOrdered(m.RoomID, editedFrame(m))
}

// PublishDelete tells m's room that m was deleted.
func (h *Hub) PublishDelete(m *domain.Message) int {
	return h.publishOrdered(m.RoomID, deletedFrame(m))
}

func (h *Hub) publishOrdered(roomID int64, payload []byte) int {
	l := h.publishLock(roomID)
	l.Lock()
	defer l.Unlock()
	return h.Broadcast(roomID, payload, nil)
}

// drop closes a session that cannot keep up.
func (h *Hub) drop(s *Session) {
	if s.isClosed() {
		h.Unregister(s)
		return
	}
	metrics.BroadcastDrops.Inc()
	log.Warn().
		Str("conn_id", s.ID).
		Int64("user_id", s.User.UserID).
		Msg("send buffer full; closing session")
	s.close()
	h.Unregister(s)
}

// CloseAll closes every session. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.close()
		h.Unregister(s)
	}
}
