package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type cacheEntry struct {
	session    Session
	expiresAt  time.Time
	lastAccess time.Time
}

// CachingVerifier wraps a Verifier with a TTL cache keyed by credential
// fingerprint. Failures are never cached. When the upstream session expires
// before the TTL the entry expires with it.
type CachingVerifier struct {
	mu      sync.RWMutex
	inner   Verifier
	ttl     time.Duration
	maxSize int
	entries map[string]*cacheEntry
	stop    chan struct{}
}

// NewCachingVerifier starts a caching verifier with a background sweep of
// expired entries.
func NewCachingVerifier(inner Verifier, ttl time.Duration) *CachingVerifier {
	v := &CachingVerifier{
		inner:   inner,
		ttl:     ttl,
		maxSize: 10000,
		entries: make(map[string]*cacheEntry),
		stop:    make(chan struct{}),
	}
	go v.cleanupLoop()
	return v
}

// Verify returns the cached session for the credential or asks the inner
// verifier and caches the result.
func (v *CachingVerifier) Verify(ctx context.Context, cred Credential) (Session, error) {
	key := cred.fingerprint()

	v.mu.RLock()
	entry, ok := v.entries[key]
	v.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		v.mu.Lock()
		entry.lastAccess = time.Now()
		v.mu.Unlock()
		return entry.session, nil
	}

	sess, err := v.inner.Verify(ctx, cred)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	expires := now.Add(v.ttl)
	if !sess.ExpiresAt.IsZero() && sess.ExpiresAt.Before(expires) {
		expires = sess.ExpiresAt
	}

	v.mu.Lock()
	if len(v.entries) >= v.maxSize {
		v.evictLRU()
	}
	v.entries[key] = &cacheEntry{session: sess, expiresAt: expires, lastAccess: now}
	v.mu.Unlock()

	return sess, nil
}

// Invalidate drops the cached entry for a credential.
func (v *CachingVerifier) Invalidate(cred Credential) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, cred.fingerprint())
}

// Size reports the number of cached sessions.
func (v *CachingVerifier) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Close stops the background sweep.
func (v *CachingVerifier) Close() {
	close(v.stop)
}

func (v *CachingVerifier) evictLRU() {
	var oldestKey string
	oldestTime := time.Now()
	for key, entry := range v.entries {
		if entry.lastAccess.Before(oldestTime) {
			oldestTime = entry.lastAccess
			oldestKey = key
		}
	}
	if oldestKey != "" {
		delete(v.entries, oldestKey)
	}
}

func (v *CachingVerifier) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			v.cleanup()
		}
	}
}

func (v *CachingVerifier) cleanup() {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	expired := 0
	for key, entry := range v.entries {
		if now.After(entry.expiresAt) {
			delete(v.entries, key)
			expired++
		}
	}
	if expired > 0 {
		slog.Debug("session cache sweep", "expired", expired, "remaining", len(v.entries))
	}
}
