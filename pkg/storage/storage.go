// Package storage persists authentication sessions between runs so the proxy
// does not log in to the gateway or the cloud on every restart.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNoSession is returned when no session has been persisted yet; the
	// caller performs a fresh authentication in that case.
	ErrNoSession = errors.New("no persisted session")
	// ErrNoSite is returned when no site id has been persisted yet.
	ErrNoSite = errors.New("no persisted site id")
)

// Session is the serialized authentication artifact. Exactly one of the
// cookie pair, the bearer token, or the cloud token record is populated,
// depending on the backend and its auth mode.
type Session struct {
	// Local gateway, cookie mode.
	AuthCookie string `json:"auth_cookie,omitempty"`
	UserRecord string `json:"user_record,omitempty"`

	// Local gateway, token mode.
	Token string `json:"token,omitempty"`

	// Cloud mode.
	Email        string `json:"email,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// Empty reports whether the session carries no credentials at all.
func (s Session) Empty() bool {
	return s == Session{}
}

// Store defines the interface for persisting sessions and the cloud site
// selection.
type Store interface {
	LoadSession(ctx context.Context) (Session, error)
	SaveSession(ctx context.Context, s Session) error

	LoadSiteID(ctx context.Context) (string, error)
	SaveSiteID(ctx context.Context, siteID string) error
}
