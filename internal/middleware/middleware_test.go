package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/monitoring"
)

var sessions = identity.StaticVerifier{
	"tok-alice":    {UserID: "user-alice", SessionID: "s-1", ExpiresAt: time.Now().Add(time.Hour)},
	"cookie-alice": {UserID: "user-alice", SessionID: "s-2", ExpiresAt: time.Now().Add(time.Hour)},
	"tok-bob":      {UserID: "user-bob", SessionID: "s-3", ExpiresAt: time.Now().Add(time.Hour)},
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := identity.SessionFrom(r.Context())
		if !ok {
			http.Error(w, "no session", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(s.UserID))
	})
}

func TestAuthHeaderToken(t *testing.T) {
	h := Auth(sessions)(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set(identity.SessionHeaderName, "tok-alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-alice", rec.Body.String())
}

func TestAuthCookie(t *testing.T) {
	h := Auth(sessions)(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.AddCookie(&http.Cookie{Name: identity.SessionCookieName, Value: "cookie-alice"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-alice", rec.Body.String())
}

func TestAuthMissingCredential(t *testing.T) {
	h := Auth(sessions)(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthenticated")
}

func TestAuthRejectedToken(t *testing.T) {
	h := Auth(sessions)(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set(identity.SessionHeaderName, "tok-expired")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiterBudget(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Close()

	assert.True(t, rl.Allow("user:a"))
	assert.True(t, rl.Allow("user:a"))
	assert.False(t, rl.Allow("user:a"))

	// A different key has its own window.
	assert.True(t, rl.Allow("user:b"))
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Close()

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := Auth(sessions)(rl.Middleware(okHandler))

	send := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
		req.Header.Set(identity.SessionHeaderName, token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send("tok-alice").Code)

	rec := send("tok-alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Bob is keyed separately even from the same address.
	assert.Equal(t, http.StatusNoContent, send("tok-bob").Code)
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/sync/push", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called, "preflight must not reach the handler")
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-session-token")
}

func TestMetricsByRouteTemplate(t *testing.T) {
	m := monitoring.NewMetricsWith(prometheus.NewRegistry())

	r := mux.NewRouter()
	r.Use(Metrics(m))
	r.HandleFunc("/scopes/{scopeId}/state", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)

	for _, scope := range []string{"scope-1", "scope-2"} {
		req := httptest.NewRequest(http.MethodPost, "/scopes/"+scope+"/state", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/scopes/{scopeId}/state", http.MethodPost, "201"))
	assert.Equal(t, 2.0, got, "both requests collapse onto one route label")
}

func TestLoggingPassesThrough(t *testing.T) {
	h := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
