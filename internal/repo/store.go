package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store error classes. Every error returned by Store.Write and Store.Read
// matches exactly one of these with errors.Is, except context cancellation
// which is returned unchanged.
var (
	// ErrBusy means the engine stayed locked after the retry budget was spent.
	ErrBusy = errors.New("store busy")
	// ErrIntegrity is a unique, check or foreign-key violation.
	ErrIntegrity = errors.New("store integrity violation")
	// ErrNotFound means a point read matched no row.
	ErrNotFound = errors.New("not found")
	// ErrFatal is anything else the engine reported.
	ErrFatal = errors.New("store failure")
)

// RetryPolicy is the contention policy: exponential backoff starting at
// Initial, doubling, for at most Attempts tries in total.
type RetryPolicy struct {
	Initial  time.Duration
	Attempts int
}

// DefaultRetryPolicy is 50ms doubling, 5 attempts.
var DefaultRetryPolicy = RetryPolicy{Initial: 50 * time.Millisecond, Attempts: 5}

// Store serializes writes and retries on contention. It is safe for
// concurrent use.
type Store struct {
	db      *gorm.DB
	writeMu chan struct{} // one write in flight
	policy  RetryPolicy
	onRetry func(op string)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) StoreOption {
	return func(s *Store) {
		if p.Initial > 0 {
			s.policy.Initial = p.Initial
		}
		if p.Attempts > 0 {
			s.policy.Attempts = p.Attempts
		}
	}
}

// WithRetryHook registers a callback invoked once per retried attempt.
func WithRetryHook(fn func(op string)) StoreOption {
	return func(s *Store) { s.onRetry = fn }
}

// NewStore wraps an open database handle.
func NewStore(db *gorm.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:      db,
		writeMu: make(chan struct{}, 1),
		policy:  DefaultRetryPolicy,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying handle. Callers outside this package should go
// through Write and Read.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Write runs fn inside a transaction while holding the single writer slot.
// A busy engine is retried under the policy; fn must therefore be safe to
// run more than once (it is, since a failed attempt rolls back).
func (s *Store) Write(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.writeMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writeMu }()

	return s.retry(ctx, op, func() error {
		return s.db.WithContext(ctx).Transaction(fn)
	})
}

// Read runs fn against the pool without taking the writer slot.
func (s *Store) Read(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	return s.retry(ctx, op, func() error {
		return fn(s.db.WithContext(ctx))
	})
}

func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.Initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.policy.Initial << s.policy.Attempts

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err == nil || isBusy(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.policy.Attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Debug().Str("op", op).Dur("wait", wait).Err(err).Msg("store busy, retrying")
			if s.onRetry != nil {
				s.onRetry(op)
			}
		}),
	)
	return classify(op, err)
}

// storeError carries the operation name, the class and the driver error.
type storeError struct {
	op    string
	class error
	err   error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, e.class, e.err)
}

func (e *storeError) Unwrap() []error { return []error{e.class, e.err} }

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		err = pe.Unwrap()
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrBusy), errors.Is(err, ErrIntegrity), errors.Is(err, ErrNotFound), errors.Is(err, ErrFatal):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &storeError{op: op, class: ErrNotFound, err: err}
	case isBusy(err):
		return &storeError{op: op, class: ErrBusy, err: err}
	case isConstraint(err):
		return &storeError{op: op, class: ErrIntegrity, err: err}
	default:
		return &storeError{op: op, class: ErrFatal, err: err}
	}
}

func isBusy(err error) bool {
	var se *gosqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "database is locked") || strings.Contains(low, "database table is locked")
}

func isConstraint(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) || errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}
	var se *gosqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	// glebarez/sqlite often returns plain-text errors for constraint violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "constraint failed")
}

// IsUniqueViolation reports whether err is an integrity error caused by a
// unique index, as opposed to a foreign-key or check failure.
func IsUniqueViolation(err error) bool {
	if !errors.Is(err, ErrIntegrity) {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique")
}
