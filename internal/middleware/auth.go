// Package middleware carries the HTTP cross-cutting layers: session
// authentication, rate limiting, CORS, request logging and metrics.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/syncerr"
)

// CredentialFrom extracts the session credential from a request. The
// x-session-token header wins over the mo_session cookie when both are set.
func CredentialFrom(r *http.Request) identity.Credential {
	if tok := r.Header.Get(identity.SessionHeaderName); tok != "" {
		return identity.Credential{Token: tok}
	}
	if c, err := r.Cookie(identity.SessionCookieName); err == nil && c.Value != "" {
		return identity.Credential{Cookie: c.Value}
	}
	return identity.Credential{}
}

// Auth verifies the request's session credential and injects the resolved
// session into the request context. Requests without a valid session are
// rejected with 401 before reaching a handler.
func Auth(verifier identity.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := CredentialFrom(r)
			if cred.Empty() {
				writeAuthError(w, "missing session credential")
				return
			}

			session, err := verifier.Verify(r.Context(), cred)
			if err != nil {
				if syncerr.KindOf(err) == syncerr.Unauthenticated {
					writeAuthError(w, "session rejected")
					return
				}
				// Identity provider trouble must not read as a logout.
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `{"ok":false,"error":{"kind":"internal","message":"session verification unavailable"}}`)
				return
			}

			ctx := identity.WithSession(r.Context(), session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"ok":false,"error":{"kind":"unauthenticated","message":%q}}`, msg)
}
