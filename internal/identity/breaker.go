package identity

import (
	"context"
	"errors"
	"time"

	"github.com/mosync/backend/internal/circuitbreaker"
	"github.com/mosync/backend/internal/syncerr"
)

// BreakerVerifier stops hammering an identity provider that is down. A
// rejected credential is an answer, not a failure; only provider trouble
// counts toward the trip. While the breaker is open every verification
// reports the provider as unavailable, which the auth middleware surfaces
// as a 500, never as a logout.
type BreakerVerifier struct {
	inner Verifier
	cb    *circuitbreaker.Breaker
}

// NewBreakerVerifier wraps a verifier with a circuit breaker. Stack the TTL
// cache outside this wrapper so cached sessions keep resolving while the
// provider is down.
func NewBreakerVerifier(inner Verifier) *BreakerVerifier {
	return &BreakerVerifier{
		inner: inner,
		cb: circuitbreaker.New(circuitbreaker.Config{
			Name:     "identity-provider",
			Trip:     5,
			CoolDown: 15 * time.Second,
			Probes:   1,
			Failure: func(err error) bool {
				return err != nil && syncerr.KindOf(err) != syncerr.Unauthenticated
			},
		}),
	}
}

// Verify resolves the credential through the wrapped verifier unless the
// breaker is open.
func (v *BreakerVerifier) Verify(ctx context.Context, cred Credential) (Session, error) {
	var session Session
	err := v.cb.Do(func() error {
		var err error
		session, err = v.inner.Verify(ctx, cred)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Session{}, syncerr.Wrap(syncerr.Internal, err, "identity provider unavailable")
	}
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// BreakerState exposes the breaker for health reporting.
func (v *BreakerVerifier) BreakerState() circuitbreaker.State {
	return v.cb.State()
}
