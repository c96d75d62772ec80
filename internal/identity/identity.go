// Package identity resolves session credentials to user identities through
// the Kratos public API. Verified sessions are cached with a TTL so the hot
// sync path does not take a network round trip per request.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

// SessionCookieName is the cookie carrying the session credential.
const SessionCookieName = "mo_session"

// SessionHeaderName is the header carrying the session token.
const SessionHeaderName = "x-session-token"

// Credential is a raw session credential as extracted from a request.
// Exactly one of Token or Cookie is set.
type Credential struct {
	Token  string
	Cookie string
}

// Empty reports whether no credential was presented.
func (c Credential) Empty() bool {
	return c.Token == "" && c.Cookie == ""
}

// fingerprint keys the session cache without holding raw credentials.
func (c Credential) fingerprint() string {
	h := sha256.Sum256([]byte(c.Token + "\x00" + c.Cookie))
	return hex.EncodeToString(h[:])
}

// Session is a verified session.
type Session struct {
	UserID    ids.UserID
	SessionID string
	ExpiresAt time.Time
}

// Verifier resolves a credential to a session.
type Verifier interface {
	Verify(ctx context.Context, cred Credential) (Session, error)
}

type contextKey string

const sessionKey contextKey = "session"

// WithSession attaches a verified session to the request context.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFrom returns the verified session attached by the auth middleware.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// StaticVerifier maps tokens to sessions. Used in tests and local tooling.
type StaticVerifier map[string]Session

func (v StaticVerifier) Verify(_ context.Context, cred Credential) (Session, error) {
	key := cred.Token
	if key == "" {
		key = cred.Cookie
	}
	if s, ok := v[key]; ok {
		return s, nil
	}
	return Session{}, syncerr.New(syncerr.Unauthenticated, "session rejected")
}
