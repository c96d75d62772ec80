package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

func whoamiServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		require.Equal(t, "/sessions/whoami", r.URL.Path)

		token := r.Header.Get("X-Session-Token")
		cookie, _ := r.Cookie(SessionCookieName)

		switch {
		case token == "good-token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"sess-1","active":true,"identity":{"id":"user-1"}}`))
		case cookie != nil && cookie.Value == "good-cookie":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"sess-2","active":true,"identity":{"id":"user-2"}}`))
		case token == "inactive":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"sess-3","active":false,"identity":{"id":"user-3"}}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
}

func TestKratosVerify(t *testing.T) {
	srv := whoamiServer(t, nil)
	defer srv.Close()
	k := NewKratosClient(srv.URL)
	ctx := context.Background()

	sess, err := k.Verify(ctx, Credential{Token: "good-token"})
	require.NoError(t, err)
	assert.Equal(t, ids.UserID("user-1"), sess.UserID)
	assert.Equal(t, "sess-1", sess.SessionID)

	sess, err = k.Verify(ctx, Credential{Cookie: "good-cookie"})
	require.NoError(t, err)
	assert.Equal(t, ids.UserID("user-2"), sess.UserID)

	_, err = k.Verify(ctx, Credential{Token: "bad-token"})
	assert.Equal(t, syncerr.Unauthenticated, syncerr.KindOf(err))

	_, err = k.Verify(ctx, Credential{Token: "inactive"})
	assert.Equal(t, syncerr.Unauthenticated, syncerr.KindOf(err))

	_, err = k.Verify(ctx, Credential{})
	assert.Equal(t, syncerr.Unauthenticated, syncerr.KindOf(err))
}

func TestKratosUnreachableIsServerError(t *testing.T) {
	srv := whoamiServer(t, nil)
	srv.Close()
	k := NewKratosClient(srv.URL)

	_, err := k.Verify(context.Background(), Credential{Token: "good-token"})
	assert.Equal(t, syncerr.Internal, syncerr.KindOf(err),
		"an unreachable identity provider must not read as a logout")
}

func TestCachingVerifier(t *testing.T) {
	var calls atomic.Int64
	srv := whoamiServer(t, &calls)
	defer srv.Close()

	v := NewCachingVerifier(NewKratosClient(srv.URL), 30*time.Second)
	defer v.Close()
	ctx := context.Background()

	cred := Credential{Token: "good-token"}
	for i := 0; i < 5; i++ {
		sess, err := v.Verify(ctx, cred)
		require.NoError(t, err)
		assert.Equal(t, ids.UserID("user-1"), sess.UserID)
	}
	assert.Equal(t, int64(1), calls.Load(), "repeat verifies hit the cache")
	assert.Equal(t, 1, v.Size())

	v.Invalidate(cred)
	_, err := v.Verify(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCachingVerifierDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int64
	srv := whoamiServer(t, &calls)
	defer srv.Close()

	v := NewCachingVerifier(NewKratosClient(srv.URL), 30*time.Second)
	defer v.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := v.Verify(ctx, Credential{Token: "bad-token"})
		require.Error(t, err)
	}
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 0, v.Size())
}

func TestCachingVerifierTTLExpiry(t *testing.T) {
	var calls atomic.Int64
	srv := whoamiServer(t, &calls)
	defer srv.Close()

	v := NewCachingVerifier(NewKratosClient(srv.URL), 20*time.Millisecond)
	defer v.Close()
	ctx := context.Background()

	cred := Credential{Token: "good-token"}
	_, err := v.Verify(ctx, cred)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = v.Verify(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "expired entries re-verify upstream")
}

func TestStaticVerifier(t *testing.T) {
	v := StaticVerifier{"tok": {UserID: "user-9"}}

	sess, err := v.Verify(context.Background(), Credential{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, ids.UserID("user-9"), sess.UserID)

	_, err = v.Verify(context.Background(), Credential{Token: "nope"})
	assert.Equal(t, syncerr.Unauthenticated, syncerr.KindOf(err))
}
