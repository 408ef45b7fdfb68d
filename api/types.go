package api

import (
	"taskboard-api/session"
)

// Sessions hands out per-viewer task sessions.
type Sessions interface {
	Acquire(owner string) (*session.Session, func(), error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}
