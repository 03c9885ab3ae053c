package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-roomchat/internal/dmcrypto"
	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/http/middleware"
	"github.com/tbourn/go-roomchat/internal/repo"
	"github.com/tbourn/go-roomchat/internal/services"
)

var signingKey = []byte("handlers-test-signing-key-32byte")

type recordingHub struct {
	mu      sync.Mutex
	sent    []int64
	edited  []int64
	deleted []int64
}

func (r *recordingHub) Sequence(_ int64, write func() (*domain.Message, bool, error)) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, publish, err := write()
	if err != nil {
		return nil, err
	}
	if publish {
		r.sent = append(r.sent, m.ID)
	}
	return m, nil
}

func (r *recordingHub) PublishEdit(m *domain.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edited = append(r.edited, m.ID)
	return 1
}

func (r *recordingHub) PublishDelete(m *domain.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, m.ID)
	return 1
}

type apiEnv struct {
	r       *gin.Engine
	hub     *recordingHub
	users   *services.UserDirectory
	general *domain.Room
	tokens  map[string]string
	ids     map[string]int64
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), repo.OpenOptions{BusyTimeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.NewStore(db)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	rooms := services.NewRoomRegistry(store)
	if err := rooms.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	general, err := rooms.Default(ctx)
	if err != nil {
		t.Fatalf("default: %v", err)
	}

	kr, err := dmcrypto.NewKeyring(dmcrypto.DevMasterKey("handlers-test"), 8)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	t.Cleanup(kr.Close)

	msgs := &services.MessageLog{Store: store, MaxRunes: 40, IdempotencyTTL: time.Hour}
	dms := &services.DMLog{Store: store, Keys: kr, Follows: services.StoreFollowGraph{Store: store}, MaxRunes: 100, IdempotencyTTL: time.Hour}
	hub := &recordingHub{}
	h := New(rooms, msgs, &services.Backfill{Messages: msgs}, dms, hub)

	env := &apiEnv{
		hub:     hub,
		users:   services.NewUserDirectory(store),
		general: general,
		tokens:  map[string]string{},
		ids:     map[string]int64{},
	}
	for _, name := range []string{"alice", "bob"} {
		u, err := env.users.Register(ctx, name, "password123", false)
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		tok, err := middleware.IssueToken(signingKey, services.RequestContext{UserID: u.ID, Username: u.Username}, time.Hour)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		env.tokens[name] = tok
		env.ids[name] = u.ID
	}

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Authenticate(signingKey), middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/send", h.Send)
	r.POST("/edit", h.Edit)
	r.POST("/delete", h.Delete)
	r.GET("/backfill", h.GetBackfill)
	r.GET("/unread", h.Unread)
	r.POST("/dm/send", h.SendDM)
	r.GET("/dm/conversation", h.Conversation)
	r.POST("/dm/read", h.MarkDMRead)
	r.POST("/dm/delete", h.DeleteDM)
	r.GET("/dm/list", h.ListDMs)
	r.GET("/dm/unread", h.UnreadDMs)
	r.GET("/rooms", h.ListRooms)
	r.POST("/rooms", h.CreateRoom)
	env.r = r
	return env
}

func (e *apiEnv) do(t *testing.T, user, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status=%d want %d body=%s", w.Code, status, w.Body.String())
	}
	if er := decode[ErrorResponse](t, w); er.Code != code {
		t.Fatalf("code=%q want %q", er.Code, code)
	}
}

func TestSend_DefaultRoomAndPublish(t *testing.T) {
	e := newAPI(t)

	w := e.do(t, "alice", http.MethodPost, "/send", SendRequest{Content: "<b>hi</b>"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	id := decode[SendResponse](t, w).ID
	if id <= 0 || len(e.hub.sent) != 1 || e.hub.sent[0] != id {
		t.Fatalf("id=%d published=%v", id, e.hub.sent)
	}

	w = e.do(t, "alice", http.MethodGet, "/backfill?room_id="+itoa(e.general.ID), nil)
	page := decode[BackfillResponse](t, w)
	if len(page.Messages) != 1 || page.Messages[0].Content != "&lt;b&gt;hi&lt;/b&gt;" || page.Messages[0].User != "alice" {
		t.Fatalf("backfill=%+v", page.Messages)
	}
}

func TestSend_Errors(t *testing.T) {
	e := newAPI(t)

	expectError(t, e.do(t, "", http.MethodPost, "/send", SendRequest{Content: "x"}), http.StatusUnauthorized, ErrCodeUnauthenticated)
	expectError(t, e.do(t, "alice", http.MethodPost, "/send", SendRequest{Content: "   "}), http.StatusBadRequest, ErrCodeInvalid)
	expectError(t, e.do(t, "alice", http.MethodPost, "/send", SendRequest{Content: strings.Repeat("x", 41)}), http.StatusBadRequest, ErrCodeInvalid)
	expectError(t, e.do(t, "alice", http.MethodPost, "/send", SendRequest{RoomID: 999, Content: "x"}), http.StatusNotFound, ErrCodeNotFound)
	if len(e.hub.sent) != 0 {
		t.Fatalf("failed sends were published: %v", e.hub.sent)
	}
}

func TestSend_IdempotentReplay(t *testing.T) {
	e := newAPI(t)

	first := e.do(t, "alice", http.MethodPost, "/send", SendRequest{Content: "once"}, middleware.HeaderIdempotencyKey, "k-1")
	second := e.do(t, "alice", http.MethodPost, "/send", SendRequest{Content: "once"}, middleware.HeaderIdempotencyKey, "k-1")
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("codes=%d,%d", first.Code, second.Code)
	}
	if decode[SendResponse](t, first).ID != decode[SendResponse](t, second).ID {
		t.Fatalf("replay returned a new id")
	}
	if second.Header().Get("Idempotency-Replayed") != "true" || first.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("replay header wrong")
	}
	if len(e.hub.sent) != 1 {
		t.Fatalf("replay was published again: %v", e.hub.sent)
	}

	w := e.do(t, "alice", http.MethodGet, "/unread", nil)
	if got := decode[CountResponse](t, w).Count; got != 1 {
		t.Fatalf("unread=%d", got)
	}
}

func TestEditDelete_OwnershipAndPublish(t *testing.T) {
	e := newAPI(t)
	id := decode[SendResponse](t, e.do(t, "alice", http.MethodPost, "/send", SendRequest{Content: "draft"})).ID

	expectError(t, e.do(t, "bob", http.MethodPost, "/edit", EditRequest{ID: id, Content: "hijack"}), http.StatusForbidden, ErrCodeForbidden)
	expectError(t, e.do(t, "alice", http.MethodPost, "/edit", EditRequest{Content: "no id"}), http.StatusBadRequest, ErrCodeInvalid)
	expectError(t, e.do(t, "alice", http.MethodPost, "/edit", EditRequest{ID: 424242, Content: "x"}), http.StatusNotFound, ErrCodeNotFound)

	w := e.do(t, "alice", http.MethodPost, "/edit", EditRequest{ID: id, Content: "final"})
	if res := decode[OKResponse](t, w); !res.OK || res.ID != id {
		t.Fatalf("edit=%s", w.Body.String())
	}
	expectError(t, e.do(t, "bob", http.MethodPost, "/delete", DeleteRequest{ID: id}), http.StatusForbidden, ErrCodeForbidden)
	w = e.do(t, "alice", http.MethodPost, "/delete", DeleteRequest{ID: id})
	if res := decode[OKResponse](t, w); !res.OK || res.ID != id {
		t.Fatalf("delete=%s", w.Body.String())
	}
	if len(e.hub.edited) != 1 || len(e.hub.deleted) != 1 {
		t.Fatalf("edited=%v deleted=%v", e.hub.edited, e.hub.deleted)
	}

	w = e.do(t, "alice", http.MethodGet, "/unread", nil)
	if got := decode[CountResponse](t, w).Count; got != 0 {
		t.Fatalf("deleted message still counted: %d", got)
	}
}

func TestBackfill_Cursors(t *testing.T) {
	e := newAPI(t)
	var ids []int64
	for _, s := range []string{"m1", "m2", "m3", "m4", "m5"} {
		ids = append(ids, decode[SendResponse](t, e.do(t, "alice", http.MethodPost, "/send", SendRequest{Content: s})).ID)
	}
	room := itoa(e.general.ID)

	cases := []struct {
		query string
		want  []string
	}{
		{"room_id=" + room + "&limit=2", []string{"m4", "m5"}},
		{"room_id=" + room + "&before_id=" + itoa(ids[3]) + "&limit=2", []string{"m2", "m3"}},
		{"room_id=" + room + "&after_id=" + itoa(ids[1]), []string{"m3", "m4", "m5"}},
		{"room_id=" + room + "&after_id=" + itoa(ids[3]) + "&before_id=" + itoa(ids[1]), []string{"m5"}},
	}
	for _, tc := range cases {
		w := e.do(t, "bob", http.MethodGet, "/backfill?"+tc.query, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status=%d", tc.query, w.Code)
		}
		got := decode[BackfillResponse](t, w).Messages
		if len(got) != len(tc.want) {
			t.Fatalf("%s: got %d messages", tc.query, len(got))
		}
		for i := range got {
			if got[i].Content != tc.want[i] {
				t.Fatalf("%s: [%d]=%q want %q", tc.query, i, got[i].Content, tc.want[i])
			}
		}
	}

	expectError(t, e.do(t, "bob", http.MethodGet, "/backfill", nil), http.StatusBadRequest, ErrCodeInvalid)
	expectError(t, e.do(t, "bob", http.MethodGet, "/backfill?room_id="+room+"&before_id=-1", nil), http.StatusBadRequest, ErrCodeInvalid)
	expectError(t, e.do(t, "bob", http.MethodGet, "/backfill?room_id=777", nil), http.StatusNotFound, ErrCodeNotFound)
}

func TestDM_Flow(t *testing.T) {
	e := newAPI(t)
	bob := e.ids["bob"]
	alice := e.ids["alice"]

	w := e.do(t, "alice", http.MethodPost, "/dm/send", DMSendRequest{RecipientID: bob, Content: "secret <hi>"}, middleware.HeaderIdempotencyKey, "dm-1")
	if w.Code != http.StatusOK {
		t.Fatalf("dm send: %d %s", w.Code, w.Body.String())
	}
	sent := decode[services.DMSendResult](t, w)
	if sent.ID <= 0 || sent.ConversationID != dmcrypto.ConversationID(alice, bob) {
		t.Fatalf("send result=%+v", sent)
	}
	replay := e.do(t, "alice", http.MethodPost, "/dm/send", DMSendRequest{RecipientID: bob, Content: "secret <hi>"}, middleware.HeaderIdempotencyKey, "dm-1")
	if decode[services.DMSendResult](t, replay).ID != sent.ID || replay.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("dm replay=%s", replay.Body.String())
	}

	expectError(t, e.do(t, "alice", http.MethodPost, "/dm/send", DMSendRequest{RecipientID: alice, Content: "me"}), http.StatusBadRequest, ErrCodeInvalid)
	expectError(t, e.do(t, "alice", http.MethodPost, "/dm/send", DMSendRequest{RecipientID: 9999, Content: "ghost"}), http.StatusNotFound, ErrCodeNotFound)

	w = e.do(t, "bob", http.MethodGet, "/dm/unread", nil)
	if got := decode[CountResponse](t, w).Count; got != 1 {
		t.Fatalf("bob unread=%d", got)
	}

	w = e.do(t, "bob", http.MethodGet, "/dm/conversation?with_user="+itoa(alice), nil)
	page := decode[DMPageResponse](t, w).Messages
	if len(page) != 1 || page[0].Content != "secret &lt;hi&gt;" || page[0].IsMine {
		t.Fatalf("bob page=%+v", page)
	}

	w = e.do(t, "bob", http.MethodGet, "/dm/list", nil)
	list := decode[DMListResponse](t, w).Conversations
	if len(list) != 1 || list[0].Peer.Username != "alice" || list[0].Unread != 1 {
		t.Fatalf("bob list=%+v", list)
	}

	w = e.do(t, "bob", http.MethodPost, "/dm/read", DMMessageRequest{MessageID: sent.ID})
	if res := decode[DMReadResponse](t, w); !res.OK || res.Updated != 1 {
		t.Fatalf("read=%s", w.Body.String())
	}
	w = e.do(t, "bob", http.MethodGet, "/dm/unread", nil)
	if got := decode[CountResponse](t, w).Count; got != 0 {
		t.Fatalf("unread after read=%d", got)
	}

	w = e.do(t, "bob", http.MethodPost, "/dm/delete", DMMessageRequest{MessageID: sent.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	w = e.do(t, "bob", http.MethodGet, "/dm/conversation?with_user="+itoa(alice), nil)
	if got := decode[DMPageResponse](t, w).Messages; len(got) != 0 {
		t.Fatalf("bob still sees deleted message: %+v", got)
	}
	w = e.do(t, "alice", http.MethodGet, "/dm/conversation?with_user="+itoa(bob), nil)
	if got := decode[DMPageResponse](t, w).Messages; len(got) != 1 || !got[0].IsMine {
		t.Fatalf("alice side changed: %+v", got)
	}

	expectError(t, e.do(t, "bob", http.MethodGet, "/dm/conversation?with_user=abc", nil), http.StatusBadRequest, ErrCodeInvalid)
	expectError(t, e.do(t, "bob", http.MethodPost, "/dm/delete", DMMessageRequest{MessageID: 0}), http.StatusNotFound, ErrCodeNotFound)
}

func TestDM_PolicyForbidden(t *testing.T) {
	e := newAPI(t)
	if err := e.users.SetDMPolicy(context.Background(), e.ids["bob"], domain.DMPolicyNobody); err != nil {
		t.Fatalf("policy: %v", err)
	}
	expectError(t, e.do(t, "alice", http.MethodPost, "/dm/send", DMSendRequest{RecipientID: e.ids["bob"], Content: "hi"}), http.StatusForbidden, ErrCodeForbidden)
}

func TestRooms_ListAndCreate(t *testing.T) {
	e := newAPI(t)

	w := e.do(t, "alice", http.MethodPost, "/rooms", CreateRoomRequest{Name: "random", Description: "misc"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	if room := decode[domain.Room](t, w); room.Name != "random" || room.Type != domain.RoomTypeText {
		t.Fatalf("room=%+v", room)
	}
	expectError(t, e.do(t, "bob", http.MethodPost, "/rooms", CreateRoomRequest{Name: "random"}), http.StatusConflict, ErrCodeConflict)
	expectError(t, e.do(t, "bob", http.MethodPost, "/rooms", CreateRoomRequest{Name: "Bad Name"}), http.StatusBadRequest, ErrCodeInvalid)
	expectError(t, e.do(t, "bob", http.MethodPost, "/rooms", CreateRoomRequest{Name: "news", Type: "voice"}), http.StatusBadRequest, ErrCodeInvalid)

	w = e.do(t, "bob", http.MethodGet, "/rooms", nil)
	rooms := decode[ListRoomsResponse](t, w).Rooms
	if len(rooms) != 3 || rooms[0].Name != domain.RoomGeneral || rooms[2].Name != "random" {
		t.Fatalf("rooms=%+v", rooms)
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[error]int{
		services.ErrUnauthenticated: http.StatusUnauthorized,
		services.ErrNotAuthor:       http.StatusForbidden,
		services.ErrRoomNotFound:    http.StatusNotFound,
		services.ErrEmptyContent:    http.StatusBadRequest,
		services.ErrRateLimited:     http.StatusTooManyRequests,
		repo.ErrBusy:                http.StatusServiceUnavailable,
		services.ErrRoomNameTaken:   http.StatusConflict,
		context.DeadlineExceeded:    http.StatusServiceUnavailable,
	}
	for err, want := range cases {
		if got := StatusOf(err); got != want {
			t.Fatalf("StatusOf(%v)=%d want %d", err, got, want)
		}
	}
}

func TestFailErr_HidesBusyDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/busy", func(c *gin.Context) { failErr(c, repo.ErrBusy) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/busy", nil))
	expectError(t, w, http.StatusServiceUnavailable, ErrCodeBusy)
	if w.Header().Get("Retry-After") != "1" {
		t.Fatalf("missing Retry-After")
	}
	if er := decode[ErrorResponse](t, w); er.Message != "service busy, retry" {
		t.Fatalf("message=%q", er.Message)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
