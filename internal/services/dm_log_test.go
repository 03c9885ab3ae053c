package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-roomchat/internal/dmcrypto"
	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/repo"
)

func newDMLog(t *testing.T, s *repo.Store) *DMLog {
	t.Helper()
	kr, err := dmcrypto.NewKeyring(dmcrypto.DevMasterKey("dm-log-test-secret"), 16)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	t.Cleanup(kr.Close)
	return &DMLog{
		Store:          s,
		Keys:           kr,
		Follows:        StoreFollowGraph{Store: s},
		MaxRunes:       4000,
		IdempotencyTTL: time.Hour,
	}
}

func setPolicy(t *testing.T, s *repo.Store, id int64, policy string) {
	t.Helper()
	if _, err := repo.SetDMPolicy(s.DB(), id, policy); err != nil {
		t.Fatalf("SetDMPolicy: %v", err)
	}
}

func follow(t *testing.T, s *repo.Store, from, to int64) {
	t.Helper()
	if err := s.DB().Create(&domain.Follow{FollowerID: from, FolloweeID: to}).Error; err != nil {
		t.Fatalf("follow: %v", err)
	}
}

func countDMs(t *testing.T, s *repo.Store) int64 {
	t.Helper()
	var n int64
	if err := s.DB().Model(&domain.DirectMessage{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestDMLog_SendAndRead(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	l := newDMLog(t, s)
	ctx := context.Background()

	res, err := l.Send(ctx, alice, bob.UserID, "hey")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ID <= 0 || res.ConversationID != dmcrypto.ConversationID(alice.UserID, bob.UserID) {
		t.Fatalf("unexpected result: %+v", res)
	}

	var row domain.DirectMessage
	if err := s.DB().First(&row, res.ID).Error; err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if len(row.Ciphertext) == 0 || len(row.IV) != dmcrypto.NonceSize || len(row.Tag) != dmcrypto.TagSize {
		t.Fatalf("bad sealed row: ct=%d iv=%d tag=%d", len(row.Ciphertext), len(row.IV), len(row.Tag))
	}
	if bytes.Equal(row.Ciphertext, []byte("hey")) {
		t.Fatalf("plaintext stored at rest")
	}

	page, err := l.ReadPage(ctx, bob, alice.UserID, 0, 0)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if len(page) != 1 || page[0].Content != "hey" || page[0].IsMine {
		t.Fatalf("bob view: %+v", page)
	}
	mine, _ := l.ReadPage(ctx, alice, bob.UserID, 0, 0)
	if len(mine) != 1 || !mine[0].IsMine {
		t.Fatalf("alice view: %+v", mine)
	}
}

func TestDMLog_Send_EscapesBeforeSealing(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	l := newDMLog(t, s)
	ctx := context.Background()

	if _, err := l.Send(ctx, alice, bob.UserID, "<script>&"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	page, _ := l.ReadPage(ctx, bob, alice.UserID, 0, 10)
	if len(page) != 1 || page[0].Content != "&lt;script&gt;&amp;" {
		t.Fatalf("got %+v", page)
	}
}

func TestDMLog_Send_Validation(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	l := newDMLog(t, s)
	l.MaxRunes = 5
	ctx := context.Background()

	cases := []struct {
		name      string
		recipient int64
		content   string
		want      error
	}{
		{"empty", bob.UserID, "  ", ErrEmptyContent},
		{"too long", bob.UserID, "abcdef", ErrContentTooLong},
		{"self", alice.UserID, "hi", ErrSelfMessage},
		{"unknown recipient", 9999, "hi", ErrUserNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := l.Send(ctx, alice, tc.recipient, tc.content); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}

	// length is measured before escaping
	if _, err := l.Send(ctx, alice, bob.UserID, "<<<<<"); err != nil {
		t.Fatalf("5 runes pre-escape should pass: %v", err)
	}
}

func TestDMLog_Policy(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	l := newDMLog(t, s)
	ctx := context.Background()

	setPolicy(t, s, bob.UserID, domain.DMPolicyNobody)
	if _, err := l.Send(ctx, alice, bob.UserID, "hi"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("nobody: want forbidden, got %v", err)
	}
	if n := countDMs(t, s); n != 0 {
		t.Fatalf("nobody: %d rows written", n)
	}

	setPolicy(t, s, bob.UserID, domain.DMPolicyMutuals)
	follow(t, s, alice.UserID, bob.UserID)
	if _, err := l.Send(ctx, alice, bob.UserID, "hi"); !errors.Is(err, ErrDMNotAllowed) {
		t.Fatalf("one-way follow: want not allowed, got %v", err)
	}
	follow(t, s, bob.UserID, alice.UserID)
	if _, err := l.Send(ctx, alice, bob.UserID, "hi"); err != nil {
		t.Fatalf("mutuals: %v", err)
	}

	setPolicy(t, s, bob.UserID, domain.DMPolicyEveryone)
	carol := mkUser(t, s, "carol")
	if _, err := l.Send(ctx, carol, bob.UserID, "hi"); err != nil {
		t.Fatalf("everyone: %v", err)
	}
}

func TestDMLog_SendIdempotent(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	l := newDMLog(t, s)
	ctx := context.Background()

	first, replay, err := l.SendIdempotent(ctx, alice, bob.UserID, "once", "dm-key")
	if err != nil || replay {
		t.Fatalf("first: replay=%v err=%v", replay, err)
	}
	again, replay, err := l.SendIdempotent(ctx, alice, bob.UserID, "once", "dm-key")
	if err != nil || !replay || again != first {
		t.Fatalf("second: %+v replay=%v err=%v", again, replay, err)
	}
	if n := countDMs(t, s); n != 1 {
		t.Fatalf("want 1 row, got %d", n)
	}
}

func TestDMLog_ReadPage_OrderAndCursor(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	carol := mkUser(t, s, "carol")
	l := newDMLog(t, s)
	ctx := context.Background()

	var sent []int64
	for _, body := range []string{"1", "2", "3", "4"} {
		r, err := l.Send(ctx, alice, bob.UserID, body)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		sent = append(sent, r.ID)
	}
	// another conversation must not leak in
	if _, err := l.Send(ctx, carol, bob.UserID, "other"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	page, err := l.ReadPage(ctx, bob, alice.UserID, 0, 2)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if len(page) != 2 || page[0].ID != sent[2] || page[1].ID != sent[3] {
		t.Fatalf("latest page: %+v", page)
	}
	older, _ := l.ReadPage(ctx, bob, alice.UserID, sent[2], 10)
	if len(older) != 2 || older[0].Content != "1" || older[1].Content != "2" {
		t.Fatalf("older page: %+v", older)
	}
	if _, err := l.ReadPage(ctx, bob, alice.UserID, -1, 10); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("want invalid cursor, got %v", err)
	}
}

func TestDMLog_ReadPage_DecryptionFailureIsLocal(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	l := newDMLog(t, s)
	ctx := context.Background()

	bad, _ := l.Send(ctx, alice, bob.UserID, "tampered")
	good, _ := l.Send(ctx, alice, bob.UserID, "fine")

	var row domain.DirectMessage
	if err := s.DB().First(&row, bad.ID).Error; err != nil {
		t.Fatalf("read: %v", err)
	}
	row.Tag[0] ^= 0xff
	if err := s.DB().Model(&row).Update("tag", row.Tag).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	page, err := l.ReadPage(ctx, bob, alice.UserID, 0, 10)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("want 2 rows, got %d", len(page))
	}
	if page[0].ID != bad.ID || page[0].Content != DecryptionFailed {
		t.Fatalf("tampered row: %+v", page[0])
	}
	if page[1].ID != good.ID || page[1].Content != "fine" {
		t.Fatalf("good row: %+v", page[1])
	}
}

func TestDMLog_MarkRead_Monotone(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	l := newDMLog(t, s)
	ctx := context.Background()

	a, _ := l.Send(ctx, alice, bob.UserID, "a")
	b, _ := l.Send(ctx, alice, bob.UserID, "b")

	// sender cannot mark their own outgoing messages
	if n, err := l.MarkRead(ctx, alice, b.ID); err != nil || n != 0 {
		t.Fatalf("sender mark: n=%d err=%v", n, err)
	}

	n, err := l.MarkRead(ctx, bob, a.ID)
	if err != nil || n != 1 {
		t.Fatalf("MarkRead: n=%d err=%v", n, err)
	}
	total, _ := l.UnreadTotal(ctx, bob)
	if total != 1 {
		t.Fatalf("unread after first mark: %d", total)
	}

	var first domain.DirectMessage
	_ = s.DB().First(&first, a.ID).Error
	if first.ReadAt == nil {
		t.Fatalf("read_at not set")
	}

	if n, _ := l.MarkRead(ctx, bob, b.ID); n != 1 {
		t.Fatalf("second mark should only touch the unread row, n=%d", n)
	}
	var again domain.DirectMessage
	_ = s.DB().First(&again, a.ID).Error
	if again.ReadAt == nil || !again.ReadAt.Equal(*first.ReadAt) {
		t.Fatalf("read_at changed: %v -> %v", first.ReadAt, again.ReadAt)
	}
	if total, _ := l.UnreadTotal(ctx, bob); total != 0 {
		t.Fatalf("unread after full mark: %d", total)
	}
}

func TestDMLog_Delete_SideVisibility(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	carol := mkUser(t, s, "carol")
	l := newDMLog(t, s)
	ctx := context.Background()

	r, _ := l.Send(ctx, alice, bob.UserID, "secret")

	if err := l.Delete(ctx, carol, r.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider delete: want not participant, got %v", err)
	}
	if err := l.Delete(ctx, alice, 9999); !errors.Is(err, ErrDirectMsgNotFound) {
		t.Fatalf("missing: got %v", err)
	}

	if err := l.Delete(ctx, alice, r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if page, _ := l.ReadPage(ctx, alice, bob.UserID, 0, 10); len(page) != 0 {
		t.Fatalf("sender still sees deleted row: %+v", page)
	}
	if page, _ := l.ReadPage(ctx, bob, alice.UserID, 0, 10); len(page) != 1 {
		t.Fatalf("recipient lost row: %+v", page)
	}

	if err := l.Delete(ctx, bob, r.ID); err != nil {
		t.Fatalf("recipient Delete: %v", err)
	}
	if page, _ := l.ReadPage(ctx, bob, alice.UserID, 0, 10); len(page) != 0 {
		t.Fatalf("recipient still sees deleted row: %+v", page)
	}
	if n := countDMs(t, s); n != 1 {
		t.Fatalf("row must be kept, got %d", n)
	}
}

func TestDMLog_ListConversations(t *testing.T) {
	s := newStore(t)
	alice := mkUser(t, s, "alice")
	bob := mkUser(t, s, "bob")
	carol := mkUser(t, s, "carol")
	l := newDMLog(t, s)
	ctx := context.Background()

	_, _ = l.Send(ctx, bob, alice.UserID, "from bob 1")
	_, _ = l.Send(ctx, bob, alice.UserID, "from bob 2")
	_, _ = l.Send(ctx, alice, carol.UserID, "to carol")
	last, _ := l.Send(ctx, carol, alice.UserID, "from carol")

	list, err := l.ListConversations(ctx, alice)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("want 2 conversations, got %d", len(list))
	}
	if list[0].Peer.Username != "carol" || list[0].Last.ID != last.ID || list[0].Last.Content != "from carol" || list[0].Unread != 1 {
		t.Fatalf("first: %+v", list[0])
	}
	if list[1].Peer.Username != "bob" || list[1].Last.Content != "from bob 2" || list[1].Unread != 2 {
		t.Fatalf("second: %+v", list[1])
	}

	// hiding the newest row falls back to the previous visible one
	if err := l.Delete(ctx, alice, last.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, _ = l.ListConversations(ctx, alice)
	if len(list) != 2 || list[0].Peer.Username != "carol" || list[0].Last.Content != "to carol" || !list[0].Last.IsMine {
		t.Fatalf("after delete: %+v", list)
	}

	total, err := l.UnreadTotal(ctx, alice)
	if err != nil || total != 3 {
		t.Fatalf("UnreadTotal: %d err=%v", total, err)
	}
}

func TestDMLog_Unauthenticated(t *testing.T) {
	s := newStore(t)
	l := newDMLog(t, s)
	ctx := context.Background()
	var anon RequestContext

	if _, err := l.Send(ctx, anon, 1, "x"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Send: %v", err)
	}
	if _, err := l.ReadPage(ctx, anon, 1, 0, 10); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("ReadPage: %v", err)
	}
	if _, err := l.ListConversations(ctx, anon); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("ListConversations: %v", err)
	}
}
