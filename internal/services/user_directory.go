// Package services – UserDirectory
//
// UserDirectory answers identity questions for the real-time and HTTP
// adapters (does this user still exist, are they banned) and backs the
// admin command that registers users with a bcrypt verifier.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/repo"
)

// FollowGraph is the read side of the social graph collaborator.
type FollowGraph interface {
	IsMutual(ctx context.Context, a, b int64) (bool, error)
}

// StoreFollowGraph reads the follows table.
type StoreFollowGraph struct {
	Store *repo.Store
}

// IsMutual reports whether a and b follow each other.
func (g StoreFollowGraph) IsMutual(ctx context.Context, a, b int64) (bool, error) {
	var ok bool
	err := g.Store.Read(ctx, "follow.mutual", func(db *gorm.DB) (err error) {
		ok, err = repo.IsMutualFollow(db, a, b)
		return err
	})
	return ok, err
}

// UserDirectory resolves and registers users.
type UserDirectory struct {
	Store *repo.Store
}

// NewUserDirectory builds a directory over the store.
func NewUserDirectory(s *repo.Store) *UserDirectory { return &UserDirectory{Store: s} }

// Get returns the user with id.
func (d *UserDirectory) Get(ctx context.Context, id int64) (*domain.User, error) {
	var u *domain.User
	err := d.Store.Read(ctx, "user.get", func(db *gorm.DB) (err error) {
		u, err = repo.GetUser(db, id)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// Verify re-checks an authenticated identity against the store: the user
// must still exist, keep the same username, and not be banned.
func (d *UserDirectory) Verify(ctx context.Context, rc RequestContext) (*domain.User, error) {
	if !rc.Valid() {
		return nil, ErrUnauthenticated
	}
	u, err := d.Get(ctx, rc.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrUnknownIdentity
	}
	if err != nil {
		return nil, err
	}
	if u.Username != rc.Username {
		return nil, ErrUnknownIdentity
	}
	if u.Banned {
		return nil, ErrBanned
	}
	return u, nil
}

// Register creates a user with a bcrypt password verifier.
func (d *UserDirectory) Register(ctx context.Context, username, password string, isBot bool) (*domain.User, error) {
	if !validUsername(username) {
		return nil, ErrInvalidUsername
	}
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &domain.User{Username: username, PasswordHash: string(hash), IsBot: isBot}
	err = d.Store.Write(ctx, "user.create", func(tx *gorm.DB) error {
		return repo.CreateUser(tx, u)
	})
	if repo.IsUniqueViolation(err) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate checks a username/password pair.
func (d *UserDirectory) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	var u *domain.User
	err := d.Store.Read(ctx, "user.by_name", func(db *gorm.DB) (err error) {
		u, err = repo.GetUserByUsername(db, username)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		// equalize timing with the known-user path
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	if u.Banned {
		return nil, ErrBanned
	}
	return u, nil
}

// SetDMPolicy changes who may open direct conversations with the user.
func (d *UserDirectory) SetDMPolicy(ctx context.Context, id int64, policy string) error {
	switch policy {
	case domain.DMPolicyEveryone, domain.DMPolicyMutuals, domain.DMPolicyNobody:
	default:
		return ErrInvalid
	}
	var n int64
	err := d.Store.Write(ctx, "user.dm_policy", func(tx *gorm.DB) (err error) {
		n, err = repo.SetDMPolicy(tx, id, policy)
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetBanned bans or unbans a user. Live sessions notice on their next
// freshness check.
func (d *UserDirectory) SetBanned(ctx context.Context, id int64, banned bool) error {
	var n int64
	err := d.Store.Write(ctx, "user.ban", func(tx *gorm.DB) (err error) {
		n, err = repo.SetBanned(tx, id, banned)
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	return h
})

func validUsername(s string) bool {
	if s == "" || utf8.RuneCountInString(s) > 64 || strings.TrimSpace(s) != s {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
