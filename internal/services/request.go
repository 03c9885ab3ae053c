package services

import "strings"

// RequestContext is the authenticated caller on whose behalf a service call
// runs. Transports build it from the verified identity and pass it
// explicitly; services never look it up from ambient state.
type RequestContext struct {
	UserID   int64
	Username string
}

// Valid reports whether the context carries an identity.
func (rc RequestContext) Valid() bool {
	return rc.UserID > 0 && strings.TrimSpace(rc.Username) != ""
}
