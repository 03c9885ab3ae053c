package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-roomchat/internal/http/middleware"
)

// ErrorResponse is the error envelope of every endpoint. Code is one of the
// ErrCode constants; Message is safe to show to users.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"e1b9be03-4999-4289-9f03-999b042d65d6"`
	Code      string `json:"code" example:"forbidden"`
	Message   string `json:"message" example:"forbidden: only the author may change this message"`
}

// fail aborts with the envelope. Server-side failures are logged with the
// request-scoped logger together with any errors recorded on the context.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		ev := middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code)
		if len(c.Errors) > 0 {
			ev = ev.Str("cause", c.Errors.Last().Error())
		}
		ev.Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail lets the router write the same envelope for its fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
