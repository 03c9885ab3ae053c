// Package handlers maps service failures onto the HTTP error envelope.
//
// Codes are the service error kinds (see services.Kind) plus
// method_not_allowed for router fallbacks. Clients branch on the code; the
// message is informational.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "forbidden",
//	  "message": "forbidden: only the author may change this message"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-roomchat/internal/services"
)

const (
	ErrCodeUnauthenticated  = services.KindUnauthenticated
	ErrCodeForbidden        = services.KindForbidden
	ErrCodeNotFound         = services.KindNotFound
	ErrCodeInvalid          = services.KindInvalid
	ErrCodeRateLimited      = services.KindRateLimited
	ErrCodeBusy             = services.KindBusy
	ErrCodeConflict         = services.KindConflict
	ErrCodeFatal            = services.KindFatal
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

var statusByKind = map[string]int{
	services.KindUnauthenticated: http.StatusUnauthorized,
	services.KindForbidden:       http.StatusForbidden,
	services.KindNotFound:        http.StatusNotFound,
	services.KindInvalid:         http.StatusBadRequest,
	services.KindRateLimited:     http.StatusTooManyRequests,
	services.KindBusy:            http.StatusServiceUnavailable,
	services.KindConflict:        http.StatusConflict,
	services.KindFatal:           http.StatusInternalServerError,
}

// StatusOf returns the HTTP status for a service error.
func StatusOf(err error) int {
	if s, ok := statusByKind[services.Kind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// failErr writes the envelope for a service error. Busy and fatal details
// never reach the client.
func failErr(c *gin.Context, err error) {
	kind := services.Kind(err)
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	if kind == services.KindBusy {
		c.Header("Retry-After", "1")
	}
	fail(c, status, kind, services.PublicMessage(err))
}

// badRequest rejects a malformed request body or query.
func badRequest(c *gin.Context, msg string) {
	fail(c, http.StatusBadRequest, ErrCodeInvalid, msg)
}
