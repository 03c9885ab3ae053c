// Package services – DMLog
//
// DMLog implements encrypted one-to-one messaging. Plaintext only exists in
// memory: it is escaped, sealed with the conversation key, and stored as a
// ciphertext/iv/tag triple. Reads decrypt per row; a row that fails
// authentication is returned with a sentinel body instead of failing the
// page.
//
// Visibility rules:
//   - each participant may hide a row from their own reads (side delete);
//   - the read watermark is set by the recipient and never cleared.
package services

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/dmcrypto"
	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/repo"
)

// DecryptionFailed replaces the body of a row whose tag does not verify.
const DecryptionFailed = "[decryption failed]"

// Page bounds for conversation reads.
const (
	DefaultDMPageLimit = 50
	MaxDMPageLimit     = 100
)

// PublicUser is the peer identity shown in conversation listings.
type PublicUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

// DMView is a decrypted direct message as seen by one participant.
type DMView struct {
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       int64      `json:"sender_id"`
	RecipientID    int64      `json:"recipient_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	IsMine         bool       `json:"is_mine"`
}

// ConversationSummary is one row of a viewer's inbox.
type ConversationSummary struct {
	ConversationID string     `json:"conversation_id"`
	Peer           PublicUser `json:"peer"`
	Last           DMView     `json:"last"`
	Unread         int64      `json:"unread"`
}

// DMSendResult is returned to the sender only.
type DMSendResult struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// DMLog manages encrypted direct messages.
type DMLog struct {
	Store   *repo.Store
	Keys    *dmcrypto.Keyring
	Follows FollowGraph

	// MaxRunes bounds plaintext length before escaping. 0 disables it.
	MaxRunes int

	IdempotencyTTL time.Duration
}

func (l *DMLog) tracer() trace.Tracer { return otel.Tracer("services/DMLog") }

// Send encrypts content for the pair (caller, recipientID) and stores it.
func (l *DMLog) Send(ctx context.Context, rc RequestContext, recipientID int64, content string) (DMSendResult, error) {
	res, _, err := l.send(ctx, rc, recipientID, content, "")
	return res, err
}

// SendIdempotent is Send keyed by an idempotency key; a replay returns the
// original result and replay=true without writing a row.
func (l *DMLog) SendIdempotent(ctx context.Context, rc RequestContext, recipientID int64, content, key string) (DMSendResult, bool, error) {
	return l.send(ctx, rc, recipientID, content, key)
}

func (l *DMLog) send(ctx context.Context, rc RequestContext, recipientID int64, content, key string) (DMSendResult, bool, error) {
	ctx, span := l.tracer().Start(ctx, "Send",
		trace.WithAttributes(
			attribute.Int64("user.id", rc.UserID),
			attribute.Int64("recipient.id", recipientID),
			attribute.Bool("idempotent", key != ""),
		),
	)
	defer span.End()

	if !rc.Valid() {
		return DMSendResult{}, false, ErrUnauthenticated
	}
	if recipientID <= 0 {
		return DMSendResult{}, false, ErrUserNotFound
	}
	if recipientID == rc.UserID {
		return DMSendResult{}, false, ErrSelfMessage
	}
	clean, err := prepareDMContent(content, l.MaxRunes)
	if err != nil {
		return DMSendResult{}, false, err
	}

	if key != "" {
		if res, ok, err := l.replay(ctx, rc, key); err != nil || ok {
			return res, ok, err
		}
	}

	if err := l.checkPolicy(ctx, rc.UserID, recipientID); err != nil {
		return DMSendResult{}, false, err
	}

	sealed, err := l.Keys.Encrypt(rc.UserID, recipientID, []byte(clean))
	if err != nil {
		return DMSendResult{}, false, err
	}

	var (
		res    DMSendResult
		replay bool
	)
	err = l.Store.Write(ctx, "dm.send", func(tx *gorm.DB) error {
		res, replay = DMSendResult{}, false
		if key != "" {
			rec, err := repo.GetIdempotency(tx, rc.UserID, domain.ScopeDMSend, key, time.Now().UTC())
			if err == nil {
				res, replay = DMSendResult{ID: rec.ResourceID, ConversationID: rec.Extra}, true
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		row := &domain.DirectMessage{
			ConversationID: sealed.ConversationID,
			SenderID:       rc.UserID,
			RecipientID:    recipientID,
			Ciphertext:     sealed.Ciphertext,
			IV:             sealed.IV,
			Tag:            sealed.Tag,
		}
		if err := repo.CreateDirectMessage(tx, row); err != nil {
			return err
		}
		res = DMSendResult{ID: row.ID, ConversationID: row.ConversationID}
		if key != "" {
			_, err := repo.CreateIdempotency(tx, rc.UserID, domain.ScopeDMSend, key, row.ID, row.ConversationID, http.StatusCreated, l.ttl())
			return err
		}
		return nil
	})
	if err != nil {
		return DMSendResult{}, false, err
	}
	span.SetAttributes(attribute.Int64("dm.id", res.ID))
	return res, replay, nil
}

// replay resolves a previously recorded send for key.
func (l *DMLog) replay(ctx context.Context, rc RequestContext, key string) (DMSendResult, bool, error) {
	var rec *domain.Idempotency
	err := l.Store.Read(ctx, "dm.idempotency", func(db *gorm.DB) (err error) {
		rec, err = repo.GetIdempotency(db, rc.UserID, domain.ScopeDMSend, key, time.Now().UTC())
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return DMSendResult{}, false, nil
	}
	if err != nil {
		return DMSendResult{}, false, err
	}
	return DMSendResult{ID: rec.ResourceID, ConversationID: rec.Extra}, true, nil
}

// checkPolicy applies the recipient's dm_policy to sender.
func (l *DMLog) checkPolicy(ctx context.Context, senderID, recipientID int64) error {
	var recipient *domain.User
	err := l.Store.Read(ctx, "dm.recipient", func(db *gorm.DB) (err error) {
		recipient, err = repo.GetUser(db, recipientID)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	switch recipient.DMPolicy {
	case domain.DMPolicyEveryone:
		return nil
	case domain.DMPolicyMutuals:
		if l.Follows == nil {
			return ErrDMNotAllowed
		}
		ok, err := l.Follows.IsMutual(ctx, senderID, recipientID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDMNotAllowed
		}
		return nil
	default:
		return ErrDMNotAllowed
	}
}

func (l *DMLog) ttl() time.Duration {
	if l.IdempotencyTTL > 0 {
		return l.IdempotencyTTL
	}
	return 24 * time.Hour
}

// ReadPage returns the viewer's side of the conversation with peerID in
// chronological order. beforeID <= 0 reads the newest page.
func (l *DMLog) ReadPage(ctx context.Context, rc RequestContext, peerID, beforeID int64, limit int) ([]DMView, error) {
	ctx, span := l.tracer().Start(ctx, "ReadPage",
		trace.WithAttributes(
			attribute.Int64("user.id", rc.UserID),
			attribute.Int64("peer.id", peerID),
			attribute.Int64("before_id", beforeID),
		),
	)
	defer span.End()

	if !rc.Valid() {
		return nil, ErrUnauthenticated
	}
	if peerID <= 0 {
		return nil, ErrUserNotFound
	}
	if beforeID < 0 {
		return nil, ErrInvalidCursor
	}
	limit = clampLimit(limit, DefaultDMPageLimit, MaxDMPageLimit)
	conv := dmcrypto.ConversationID(rc.UserID, peerID)

	var rows []domain.DirectMessage
	err := l.Store.Read(ctx, "dm.page", func(db *gorm.DB) (err error) {
		rows, err = repo.ConversationPageDesc(db, conv, rc.UserID, beforeID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(rows)

	out := make([]DMView, 0, len(rows))
	for i := range rows {
		out = append(out, l.view(&rows[i], rc.UserID))
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}

// view decrypts a row for viewerID.
func (l *DMLog) view(row *domain.DirectMessage, viewerID int64) DMView {
	v := DMView{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		RecipientID:    row.RecipientID,
		CreatedAt:      row.CreatedAt,
		ReadAt:         row.ReadAt,
		IsMine:         row.SenderID == viewerID,
	}
	pt, err := l.Keys.Decrypt(dmcrypto.Sealed{
		ConversationID: row.ConversationID,
		Ciphertext:     row.Ciphertext,
		IV:             row.IV,
		Tag:            row.Tag,
	})
	if err != nil {
		log.Warn().Int64("dm_id", row.ID).Str("conversation_id", row.ConversationID).Err(err).Msg("dm decrypt failed")
		v.Content = DecryptionFailed
		return v
	}
	v.Content = string(pt)
	return v
}

// MarkRead sets the read watermark on every unread message addressed to the
// caller with id <= upToID. It returns the number of rows newly marked.
func (l *DMLog) MarkRead(ctx context.Context, rc RequestContext, upToID int64) (int64, error) {
	if !rc.Valid() {
		return 0, ErrUnauthenticated
	}
	if upToID <= 0 {
		return 0, ErrDirectMsgNotFound
	}
	var n int64
	err := l.Store.Write(ctx, "dm.mark_read", func(tx *gorm.DB) (err error) {
		n, err = repo.MarkRead(tx, rc.UserID, upToID)
		return err
	})
	return n, err
}

// Delete hides message id from the caller's side of the conversation. The
// peer keeps seeing it.
func (l *DMLog) Delete(ctx context.Context, rc RequestContext, id int64) error {
	ctx, span := l.tracer().Start(ctx, "Delete",
		trace.WithAttributes(attribute.Int64("user.id", rc.UserID), attribute.Int64("dm.id", id)))
	defer span.End()

	if !rc.Valid() {
		return ErrUnauthenticated
	}
	if id <= 0 {
		return ErrDirectMsgNotFound
	}
	var participant = true
	err := l.Store.Write(ctx, "dm.delete", func(tx *gorm.DB) error {
		row, err := repo.GetDirectMessage(tx, id)
		if err != nil {
			return err
		}
		switch rc.UserID {
		case row.SenderID:
			_, err = repo.SideDelete(tx, id, true)
		case row.RecipientID:
			_, err = repo.SideDelete(tx, id, false)
		default:
			participant = false
		}
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return ErrDirectMsgNotFound
	}
	if err != nil {
		return err
	}
	if !participant {
		return ErrNotParticipant
	}
	return nil
}

// ListConversations returns the caller's inbox: the newest visible message
// of each conversation, the peer identity, and the unread count. Newest
// conversation first.
func (l *DMLog) ListConversations(ctx context.Context, rc RequestContext) ([]ConversationSummary, error) {
	ctx, span := l.tracer().Start(ctx, "ListConversations",
		trace.WithAttributes(attribute.Int64("user.id", rc.UserID)))
	defer span.End()

	if !rc.Valid() {
		return nil, ErrUnauthenticated
	}

	var (
		latest []domain.DirectMessage
		unread map[string]int64
		peers  map[int64]domain.User
	)
	err := l.Store.Read(ctx, "dm.list", func(db *gorm.DB) (err error) {
		if latest, err = repo.LatestPerConversation(db, rc.UserID); err != nil {
			return err
		}
		if unread, err = repo.UnreadByConversation(db, rc.UserID); err != nil {
			return err
		}
		ids := make([]int64, 0, len(latest))
		for _, m := range latest {
			ids = append(ids, peerOf(&m, rc.UserID))
		}
		peers, err = repo.GetUsers(db, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(latest))
	for i := range latest {
		m := &latest[i]
		pid := peerOf(m, rc.UserID)
		peer := PublicUser{ID: pid, Username: "user-" + strconv.FormatInt(pid, 10)}
		if u, ok := peers[pid]; ok {
			peer = PublicUser{ID: u.ID, Username: u.Username, IsBot: u.IsBot}
		}
		out = append(out, ConversationSummary{
			ConversationID: m.ConversationID,
			Peer:           peer,
			Last:           l.view(m, rc.UserID),
			Unread:         unread[m.ConversationID],
		})
	}
	return out, nil
}

// UnreadTotal counts unread messages addressed to the caller across all
// conversations.
func (l *DMLog) UnreadTotal(ctx context.Context, rc RequestContext) (int64, error) {
	if !rc.Valid() {
		return 0, ErrUnauthenticated
	}
	var n int64
	err := l.Store.Read(ctx, "dm.unread", func(db *gorm.DB) (err error) {
		n, err = repo.UnreadTotal(db, rc.UserID)
		return err
	})
	return n, err
}

func peerOf(m *domain.DirectMessage, viewerID int64) int64 {
	if m.SenderID == viewerID {
		return m.RecipientID
	}
	return m.SenderID
}
