// Package syncsvc orchestrates push and pull over the event store, the
// sharing ledger, the access policy, and the change bus. It owns conflict
// shaping: storage-level head mismatches leave here as wire-shaped results.
package syncsvc

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mosync/backend/internal/access"
	"github.com/mosync/backend/internal/config"
	"github.com/mosync/backend/internal/events"
	"github.com/mosync/backend/internal/eventstore"
	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/ledger"
	"github.com/mosync/backend/internal/monitoring"
	"github.com/mosync/backend/internal/syncerr"
)

// ChangeBus is the notification surface the service publishes to and pulls
// park on. Both the in-process bus and the Redis bridge satisfy it.
type ChangeBus interface {
	events.Notifier
	Subscribe(topics ...string) chan events.Change
	Unsubscribe(ch chan events.Change)
}

// Service composes the sync server's moving parts.
type Service struct {
	store   eventstore.Store
	ledger  ledger.Ledger
	policy  access.Policy
	bus     ChangeBus
	metrics *monitoring.Metrics
	tuning  config.TuningConfig
}

// New wires a sync service.
func New(store eventstore.Store, led ledger.Ledger, policy access.Policy, bus ChangeBus, m *monitoring.Metrics, tuning config.TuningConfig) *Service {
	return &Service{
		store:   store,
		ledger:  led,
		policy:  policy,
		bus:     bus,
		metrics: m,
		tuning:  tuning,
	}
}

// PushEvent is one event offered by a push, with its optional sharing
// dependencies. An event referencing any dependency field must carry all
// of scopeId, resourceId, grantId, and scopeStateRef.
type PushEvent struct {
	EventID        ids.EventID
	RecordJSON     string
	ScopeID        ids.ScopeID
	ResourceID     ids.ResourceID
	ResourceKeyID  ids.ResourceKeyID
	GrantID        ids.GrantID
	ScopeStateRef  []byte
	AuthorDeviceID ids.DeviceID
}

func (e PushEvent) referencesSharing() bool {
	return e.ScopeID != "" || e.ResourceID != "" || e.GrantID != "" || len(e.ScopeStateRef) > 0
}

func (e PushEvent) sharingComplete() bool {
	return e.ScopeID != "" && e.ResourceID != "" && e.GrantID != "" && len(e.ScopeStateRef) > 0
}

// PushResult is the wire-shaped outcome of a push. OK=false carries the
// rejection reason and the server's current head; server_ahead additionally
// carries the events the client is missing.
type PushResult struct {
	OK       bool
	Head     ids.Seq
	Assigned []eventstore.Assignment
	Reason   syncerr.Reason
	Missing  []eventstore.Event
}

// PullResult is the outcome of a pull. Head is the last returned sequence
// when events are present, otherwise the store head. HasMore implies
// NextSince is non-nil.
type PullResult struct {
	Events    []eventstore.Event
	Head      ids.Seq
	HasMore   bool
	NextSince *ids.Seq
}

// Push validates, persists, and acknowledges a batch of client events.
// Dependency rejections and head conflicts return as OK=false results with
// nothing committed; only access, validation, and storage failures return
// as errors.
func (s *Service) Push(ctx context.Context, actor identity.Session, store ids.StoreID, expectedHead ids.Seq, batch []PushEvent) (PushResult, error) {
	start := time.Now()
	owner := ids.OwnerID(actor.UserID)

	if err := s.policy.CanPush(ctx, actor, owner, store); err != nil {
		s.record("denied", 0, start)
		return PushResult{}, err
	}
	if err := s.store.EnsureStoreOwner(ctx, store, owner); err != nil {
		s.record("denied", 0, start)
		return PushResult{}, err
	}

	for _, ev := range batch {
		if !ev.referencesSharing() {
			continue
		}
		if !ev.sharingComplete() {
			s.record("error", 0, start)
			return PushResult{}, syncerr.New(syncerr.Validation,
				"event %s carries a partial sharing reference", ev.EventID)
		}
		reason, err := s.checkSharingDeps(ctx, ev)
		if err != nil {
			s.record("error", 0, start)
			return PushResult{}, err
		}
		if reason != "" {
			head, err := s.store.Head(ctx, owner, store)
			if err != nil {
				s.record("error", 0, start)
				return PushResult{}, err
			}
			slog.Info("push rejected",
				"owner_id", owner, "store_id", store, "event_id", ev.EventID, "reason", reason)
			s.record("rejected", 0, start)
			return PushResult{Head: head, Reason: reason}, nil
		}
	}

	incoming := make([]eventstore.Incoming, len(batch))
	for i, ev := range batch {
		incoming[i] = eventstore.Incoming{EventID: ev.EventID, RecordJSON: ev.RecordJSON}
	}

	res, err := s.store.Append(ctx, owner, store, expectedHead, incoming)
	if err != nil {
		var hm *syncerr.HeadMismatch
		if errors.As(err, &hm) {
			return s.shapeConflict(ctx, owner, store, expectedHead, len(batch), hm, start)
		}
		s.record("error", 0, start)
		return PushResult{}, err
	}

	if res.Head > expectedHead {
		s.bus.Notify(events.Change{
			Topic: events.StoreTopic(owner, store),
			Owner: owner,
			Head:  res.Head,
			At:    time.Now(),
		})
	}

	slog.Info("push committed",
		"owner_id", owner, "store_id", store, "events", len(batch), "head", res.Head)
	s.record("ok", len(batch), start)
	return PushResult{OK: true, Head: res.Head, Assigned: res.Assigned}, nil
}

// checkSharingDeps verifies one event's sharing references against the
// ledger heads. An empty reason means the references are current.
func (s *Service) checkSharingDeps(ctx context.Context, ev PushEvent) (syncerr.Reason, error) {
	st, err := s.ledger.ScopeStateByRef(ctx, ev.ScopeStateRef)
	if err != nil {
		return "", err
	}
	if st == nil {
		return syncerr.ReasonMissingDeps, nil
	}

	head, ok, err := s.ledger.ScopeHead(ctx, ev.ScopeID)
	if err != nil {
		return "", err
	}
	if !ok {
		return syncerr.ReasonMissingDeps, nil
	}
	if !bytes.Equal(head.HeadRef, ev.ScopeStateRef) {
		return syncerr.ReasonStaleScopeState, nil
	}

	grant, err := s.ledger.ActiveGrantFor(ctx, ev.ScopeID, ev.ResourceID)
	if err != nil {
		return "", err
	}
	if grant == nil {
		return syncerr.ReasonMissingDeps, nil
	}
	if grant.GrantID != ev.GrantID {
		return syncerr.ReasonStaleGrant, nil
	}
	return "", nil
}

func (s *Service) shapeConflict(ctx context.Context, owner ids.OwnerID, store ids.StoreID, expectedHead ids.Seq, batchLen int, hm *syncerr.HeadMismatch, start time.Time) (PushResult, error) {
	s.record("conflict", 0, start)

	if hm.Current < hm.Expected {
		slog.Warn("push conflict, server behind client",
			"owner_id", owner, "store_id", store, "head", hm.Current, "expected", hm.Expected)
		return PushResult{Head: hm.Current, Reason: syncerr.ReasonServerBehind}, nil
	}

	maxMissing := s.tuning.ConflictMissingCap
	if maxMissing <= 0 {
		maxMissing = config.DefaultConflictMissingCap
	}
	if batchLen > maxMissing {
		maxMissing = batchLen
	}
	missing, err := s.store.LoadSince(ctx, owner, store, expectedHead, maxMissing)
	if err != nil {
		return PushResult{}, err
	}
	slog.Info("push conflict, server ahead",
		"owner_id", owner, "store_id", store, "head", hm.Current, "expected", hm.Expected,
		"missing", len(missing))
	return PushResult{Head: hm.Current, Reason: syncerr.ReasonServerAhead, Missing: missing}, nil
}

// Pull reads events past since, long-polling up to waitMs when the store
// has nothing new. It parks on the change bus and re-checks on notify, on
// poll ticks, and at the deadline; client disconnect aborts the wait.
func (s *Service) Pull(ctx context.Context, actor identity.Session, store ids.StoreID, since ids.Seq, limit int, waitMs int) (PullResult, error) {
	start := time.Now()
	owner := ids.OwnerID(actor.UserID)

	if err := s.policy.CanPull(ctx, actor, owner, store); err != nil {
		return PullResult{}, err
	}
	if err := s.store.EnsureStoreOwner(ctx, store, owner); err != nil {
		return PullResult{}, err
	}

	limit = s.clampLimit(limit)
	wait := s.clampWait(waitMs)
	deadline := start.Add(wait)
	interval := s.pollInterval()

	var sub chan events.Change
	if wait > 0 {
		// Subscribe before the first read so a commit landing between the
		// read and the park still wakes this request.
		sub = s.bus.Subscribe(events.StoreTopic(owner, store))
		defer s.bus.Unsubscribe(sub)
	}

	for {
		evs, err := s.store.LoadSince(ctx, owner, store, since, limit)
		if err != nil {
			return PullResult{}, err
		}
		if len(evs) > 0 {
			last := evs[len(evs)-1].GlobalSequence
			head, err := s.store.Head(ctx, owner, store)
			if err != nil {
				return PullResult{}, err
			}
			next := last
			s.metrics.RecordPull(true, time.Since(start).Seconds())
			return PullResult{
				Events:    evs,
				Head:      last,
				HasMore:   len(evs) == limit && head > last,
				NextSince: &next,
			}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			head, err := s.store.Head(ctx, owner, store)
			if err != nil {
				return PullResult{}, err
			}
			s.metrics.RecordPull(false, time.Since(start).Seconds())
			return PullResult{Head: head}, nil
		}

		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		s.metrics.PullWaiters.Inc()
		select {
		case <-ctx.Done():
			timer.Stop()
			s.metrics.PullWaiters.Dec()
			return PullResult{}, ctx.Err()
		case <-sub:
		case <-timer.C:
		}
		timer.Stop()
		s.metrics.PullWaiters.Dec()
	}
}

// Watch authorizes a head-notification feed for a store. The caller owns
// the returned channel until it calls cancel.
func (s *Service) Watch(ctx context.Context, actor identity.Session, store ids.StoreID) (ids.Seq, <-chan events.Change, func(), error) {
	owner := ids.OwnerID(actor.UserID)
	if err := s.policy.CanPull(ctx, actor, owner, store); err != nil {
		return 0, nil, nil, err
	}
	if err := s.store.EnsureStoreOwner(ctx, store, owner); err != nil {
		return 0, nil, nil, err
	}
	head, err := s.store.Head(ctx, owner, store)
	if err != nil {
		return 0, nil, nil, err
	}
	ch := s.bus.Subscribe(events.StoreTopic(owner, store))
	return head, ch, func() { s.bus.Unsubscribe(ch) }, nil
}

// Reset wipes a store outside production. Guarded by the access policy on
// top of the process-wide flag.
func (s *Service) Reset(ctx context.Context, actor identity.Session, store ids.StoreID) error {
	owner := ids.OwnerID(actor.UserID)
	if err := s.policy.CanReset(ctx, actor, owner, store); err != nil {
		return err
	}
	if err := s.store.EnsureStoreOwner(ctx, store, owner); err != nil {
		return err
	}
	return s.store.ResetStore(ctx, owner, store)
}

func (s *Service) clampLimit(limit int) int {
	def, max := s.tuning.PullDefaultLimit, s.tuning.PullMaxLimit
	if def <= 0 {
		def = config.DefaultPullLimit
	}
	if max <= 0 {
		max = config.DefaultPullMaxLimit
	}
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (s *Service) clampWait(waitMs int) time.Duration {
	maxWait := s.tuning.PullMaxWaitMs
	if maxWait <= 0 {
		maxWait = config.DefaultPullMaxWaitMs
	}
	if waitMs <= 0 {
		return 0
	}
	if waitMs > maxWait {
		waitMs = maxWait
	}
	return time.Duration(waitMs) * time.Millisecond
}

func (s *Service) pollInterval() time.Duration {
	ms := s.tuning.PullPollIntervalMs
	if ms <= 0 {
		ms = config.DefaultPullPollIntervalMs
	}
	if ms < config.MinPullPollIntervalMs {
		ms = config.MinPullPollIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Service) record(status string, events int, start time.Time) {
	s.metrics.RecordPush(status, events, time.Since(start).Seconds())
}
