// Package services defines the business logic for rooms, room messages,
// backfill, encrypted direct messages, and users. This file centralizes
// service-level error values and maps every error to a stable machine kind
// that transports use for status codes and client control flow.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/go-roomchat/internal/dmcrypto"
	"github.com/tbourn/go-roomchat/internal/repo"
)

// Error classes. Specific errors below wrap one of these.
var (
	// ErrUnauthenticated means the caller identity is missing or expired.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrForbidden means the caller is known but may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound means the target entity does not exist (or is hidden).
	ErrNotFound = errors.New("not found")

	// ErrInvalid means the input is malformed.
	ErrInvalid = errors.New("invalid input")

	// ErrRateLimited means the caller's budget is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrAlreadyExists means a unique name is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Specific errors.
var (
	ErrEmptyContent    = fmt.Errorf("%w: content is empty", ErrInvalid)
	ErrContentTooLong  = fmt.Errorf("%w: content too long", ErrInvalid)
	ErrInvalidRoomName = fmt.Errorf("%w: room name must match ^[a-z0-9_-]{2,32}$", ErrInvalid)
	ErrInvalidRoomType = fmt.Errorf("%w: room type must be text or announcement", ErrInvalid)
	ErrInvalidCursor   = fmt.Errorf("%w: bad cursor", ErrInvalid)
	ErrMissingRoom     = fmt.Errorf("%w: room_id is required", ErrInvalid)
	ErrSelfMessage     = fmt.Errorf("%w: cannot message yourself", ErrInvalid)
	ErrInvalidUsername = fmt.Errorf("%w: username must be 1-64 characters without spaces", ErrInvalid)
	ErrWeakPassword    = fmt.Errorf("%w: password must be at least 8 characters", ErrInvalid)

	ErrNotAuthor       = fmt.Errorf("%w: only the author may change this message", ErrForbidden)
	ErrDMNotAllowed    = fmt.Errorf("%w: recipient does not accept direct messages from you", ErrForbidden)
	ErrNotParticipant  = fmt.Errorf("%w: not a participant of this conversation", ErrForbidden)
	ErrBanned          = fmt.Errorf("%w: account is banned", ErrForbidden)
	ErrBadCredentials  = fmt.Errorf("%w: bad credentials", ErrUnauthenticated)
	ErrUnknownIdentity = fmt.Errorf("%w: user no longer exists", ErrUnauthenticated)

	ErrMessageNotFound   = fmt.Errorf("%w: message", ErrNotFound)
	ErrRoomNotFound      = fmt.Errorf("%w: room", ErrNotFound)
	ErrUserNotFound      = fmt.Errorf("%w: user", ErrNotFound)
	ErrRoomNameTaken     = fmt.Errorf("%w: room name", ErrAlreadyExists)
	ErrUsernameTaken     = fmt.Errorf("%w: username", ErrAlreadyExists)
	ErrDirectMsgNotFound = fmt.Errorf("%w: direct message", ErrNotFound)
)

// Machine kinds carried on every error reply.
const (
	KindUnauthenticated = "unauthenticated"
	KindForbidden       = "forbidden"
	KindNotFound        = "not_found"
	KindInvalid         = "invalid"
	KindRateLimited     = "rate_limit"
	KindBusy            = "busy"
	KindConflict        = "conflict"
	KindFatal           = "fatal"
)

// Kind maps err to its stable machine kind. nil maps to "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalid), errors.Is(err, dmcrypto.ErrBadMasterKey):
		return KindInvalid
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, repo.ErrBusy), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindBusy
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, repo.ErrIntegrity):
		return KindConflict
	default:
		return KindFatal
	}
}

// PublicMessage returns the text shown to clients for err. Internal details
// of fatal and busy errors are not exposed.
func PublicMessage(err error) string {
	switch Kind(err) {
	case "":
		return ""
	case KindBusy:
		return "service busy, retry"
	case KindFatal:
		return "internal error"
	case KindNotFound:
		if errors.Is(err, ErrNotFound) {
			return err.Error()
		}
		return "not found"
	case KindConflict:
		if errors.Is(err, ErrAlreadyExists) {
			return err.Error()
		}
		return "conflict"
	default:
		return err.Error()
	}
}
