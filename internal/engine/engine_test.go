package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosync/backend/internal/access"
	"github.com/mosync/backend/internal/config"
	"github.com/mosync/backend/internal/events"
	"github.com/mosync/backend/internal/eventstore"
	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/ledger"
	"github.com/mosync/backend/internal/localstore"
	"github.com/mosync/backend/internal/monitoring"
	"github.com/mosync/backend/internal/syncerr"
	"github.com/mosync/backend/internal/syncsvc"
	"github.com/mosync/backend/internal/transport"
	"github.com/mosync/backend/internal/wire"
)

const waitLong = 5 * time.Second

// harness runs a real sync service in-process so the engine is tested
// against the server's actual conflict shaping, not a scripted copy of it.
type harness struct {
	svc    *syncsvc.Service
	events *eventstore.MemStore
	store  ids.StoreID
	actor  identity.Session
	owner  ids.OwnerID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := eventstore.NewMemStore()
	svc := syncsvc.New(
		mem,
		ledger.NewMemLedger(),
		access.OwnerOnly{AllowReset: true},
		events.NewBus(),
		monitoring.NewMetricsWith(prometheus.NewRegistry()),
		config.TuningConfig{PullPollIntervalMs: 50},
	)
	actor := identity.Session{UserID: "user-1", SessionID: "sess-1"}
	return &harness{
		svc:    svc,
		events: mem,
		store:  ids.NewStoreID(),
		actor:  actor,
		owner:  ids.OwnerID(actor.UserID),
	}
}

// svcTransport adapts the service to the engine's transport, mirroring the
// conversions the HTTP layer performs.
type svcTransport struct {
	svc   *syncsvc.Service
	actor identity.Session
}

func (tr svcTransport) Push(ctx context.Context, store ids.StoreID, expectedHead ids.Seq, evs []transport.PushEvent) (transport.PushResult, error) {
	batch := make([]syncsvc.PushEvent, len(evs))
	for i, ev := range evs {
		pe := syncsvc.PushEvent{
			EventID:        ids.EventID(ev.EventID),
			RecordJSON:     ev.RecordJSON,
			ScopeID:        ids.ScopeID(ev.ScopeID),
			ResourceID:     ids.ResourceID(ev.ResourceID),
			ResourceKeyID:  ids.ResourceKeyID(ev.ResourceKeyID),
			GrantID:        ids.GrantID(ev.GrantID),
			AuthorDeviceID: ids.DeviceID(ev.AuthorDeviceID),
		}
		if ev.ScopeStateRef != "" {
			ref, err := wire.ParseRef("scopeStateRef", ev.ScopeStateRef)
			if err != nil {
				return transport.PushResult{}, err
			}
			pe.ScopeStateRef = ref
		}
		batch[i] = pe
	}

	res, err := tr.svc.Push(ctx, tr.actor, store, expectedHead, batch)
	if err != nil {
		return transport.PushResult{}, err
	}
	out := transport.PushResult{OK: res.OK, Head: res.Head, Reason: res.Reason}
	for _, a := range res.Assigned {
		out.Assigned = append(out.Assigned, transport.Assignment{
			EventID:        string(a.EventID),
			GlobalSequence: a.GlobalSequence,
		})
	}
	out.Missing = toWire(res.Missing)
	return out, nil
}

func (tr svcTransport) Pull(ctx context.Context, store ids.StoreID, since ids.Seq, limit, waitMs int) (transport.PullResult, error) {
	res, err := tr.svc.Pull(ctx, tr.actor, store, since, limit, waitMs)
	if err != nil {
		return transport.PullResult{}, err
	}
	return transport.PullResult{
		Events:    toWire(res.Events),
		Head:      res.Head,
		HasMore:   res.HasMore,
		NextSince: res.NextSince,
	}, nil
}

func toWire(evs []eventstore.Event) []transport.Event {
	out := make([]transport.Event, len(evs))
	for i, ev := range evs {
		out[i] = transport.Event{
			GlobalSequence: ev.GlobalSequence,
			EventID:        string(ev.EventID),
			RecordJSON:     ev.RecordJSON,
		}
	}
	return out
}

// pullBlocker parks every pull until the engine stops, forcing the push
// loop to act without pull-side help.
type pullBlocker struct {
	Transport
}

func (p pullBlocker) Pull(ctx context.Context, _ ids.StoreID, _ ids.Seq, _, _ int) (transport.PullResult, error) {
	<-ctx.Done()
	return transport.PullResult{}, ctx.Err()
}

func newLog(t *testing.T) *localstore.Log {
	t.Helper()
	l, err := localstore.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func fastOpts() Options {
	return Options{
		PullWait:     time.Millisecond,
		PullInterval: 10 * time.Millisecond,
		PushInterval: time.Hour,
		PushFallback: 5 * time.Millisecond,
		Debounce:     20 * time.Millisecond,
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
	}
}

func appendLocal(t *testing.T, l *localstore.Log, id, aggType, aggID string, version uint64) {
	t.Helper()
	require.NoError(t, l.Append(context.Background(), localstore.Event{
		ID:                ids.EventID(id),
		AggregateType:     aggType,
		AggregateID:       aggID,
		Version:           version,
		EventType:         "noted",
		PayloadCiphertext: "b64:" + id,
		OccurredAt:        "2026-08-25T10:00:00Z",
	}))
}

// seedRemote plays the part of another device of the same user pushing
// directly through the service.
func (h *harness) seedRemote(t *testing.T, expectedHead ids.Seq, id, aggType, aggID string, version uint64) {
	t.Helper()
	rec, err := wire.Record{
		ID:                id,
		AggregateType:     aggType,
		AggregateID:       aggID,
		Version:           version,
		EventType:         "noted",
		PayloadCiphertext: "b64:" + id,
		OccurredAt:        "2026-08-25T10:00:00Z",
	}.Encode()
	require.NoError(t, err)

	res, err := h.svc.Push(context.Background(), h.actor, h.store, expectedHead,
		[]syncsvc.PushEvent{{EventID: ids.EventID(id), RecordJSON: rec}})
	require.NoError(t, err)
	require.True(t, res.OK, "seed push must land, got %s", res.Reason)
}

func (h *harness) serverEventIDs(t *testing.T) []string {
	t.Helper()
	evs, err := h.events.LoadSince(context.Background(), h.owner, h.store, 0, 100)
	require.NoError(t, err)
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.EventID)
	}
	return out
}

func TestEnginePushesLocalAppends(t *testing.T) {
	h := newHarness(t)
	l := newLog(t)
	e := New(svcTransport{h.svc, h.actor}, l, h.store, fastOpts())
	e.Start()
	defer e.Stop()

	appendLocal(t, l, "e1", "goal", "goal-1", 1)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		head, err := h.events.Head(ctx, h.owner, h.store)
		if err != nil || head != 1 {
			return false
		}
		pending, err := l.HasPending(ctx)
		return err == nil && !pending
	}, waitLong, 10*time.Millisecond, "local append must reach the server")

	seq, ok, err := l.Acked(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids.Seq(1), seq)

	cursor, err := l.Cursor(ctx, h.store)
	require.NoError(t, err)
	assert.Equal(t, ids.Seq(1), cursor, "push success advances the cursor")
}

func TestEnginePullsRemoteEvents(t *testing.T) {
	h := newHarness(t)
	h.seedRemote(t, 0, "r1", "note", "note-1", 1)
	h.seedRemote(t, 1, "r2", "note", "note-1", 2)

	l := newLog(t)
	e := New(svcTransport{h.svc, h.actor}, l, h.store, fastOpts())
	e.Start()
	defer e.Stop()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		cursor, err := l.Cursor(ctx, h.store)
		return err == nil && cursor == 2
	}, waitLong, 10*time.Millisecond, "pull must drain the server log")

	evs, err := l.Aggregate(ctx, "note", "note-1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, ids.EventID("r1"), evs[0].ID)
	assert.Equal(t, ids.EventID("r2"), evs[1].ID)

	pending, err := l.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending, "pulled events arrive acknowledged")
}

func TestEngineResolvesServerAheadWithMissing(t *testing.T) {
	h := newHarness(t)
	l := newLog(t)
	appendLocal(t, l, "mine", "goal", "goal-1", 1)
	h.seedRemote(t, 0, "theirs", "note", "note-1", 1)

	// The pull side is parked, so only the push conflict path can learn
	// about the seeded event.
	e := New(pullBlocker{svcTransport{h.svc, h.actor}}, l, h.store, fastOpts())
	e.Start()
	defer e.Stop()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		pending, err := l.HasPending(ctx)
		return err == nil && !pending
	}, waitLong, 10*time.Millisecond, "conflicted push must catch up and land")

	assert.Equal(t, []string{"theirs", "mine"}, h.serverEventIDs(t))

	evs, err := l.Aggregate(ctx, "note", "note-1")
	require.NoError(t, err)
	require.Len(t, evs, 1, "missing events apply through the pull path")
	assert.Equal(t, ids.EventID("theirs"), evs[0].ID)

	cursor, err := l.Cursor(ctx, h.store)
	require.NoError(t, err)
	assert.Equal(t, ids.Seq(2), cursor)
}

func TestEngineRebasesVersionCollision(t *testing.T) {
	h := newHarness(t)
	h.seedRemote(t, 0, "theirs", "goal", "goal-1", 1)

	l := newLog(t)
	appendLocal(t, l, "mine", "goal", "goal-1", 1)

	var rebases []Rebase
	var mu sync.Mutex
	opts := fastOpts()
	opts.OnRebase = func(ctx context.Context, r Rebase) error {
		mu.Lock()
		rebases = append(rebases, r)
		mu.Unlock()
		_, err := l.ShiftPendingVersions(ctx, r.AggregateType, r.AggregateID, r.FromVersion, r.Count)
		return err
	}

	e := New(svcTransport{h.svc, h.actor}, l, h.store, opts)
	e.Start()
	defer e.Stop()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		pending, err := l.HasPending(ctx)
		if err != nil || pending {
			return false
		}
		head, err := h.events.Head(ctx, h.owner, h.store)
		return err == nil && head == 2
	}, waitLong, 10*time.Millisecond, "both events must land on both sides")

	evs, err := l.Aggregate(ctx, "goal", "goal-1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, ids.EventID("theirs"), evs[0].ID, "remote keeps the contested version")
	assert.Equal(t, uint64(1), evs[0].Version)
	assert.Equal(t, ids.EventID("mine"), evs[1].ID, "pending event moved up")
	assert.Equal(t, uint64(2), evs[1].Version)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, rebases)
	assert.Equal(t, Rebase{AggregateType: "goal", AggregateID: "goal-1", FromVersion: 1, Count: 1}, rebases[0])
}

func TestEngineDefaultRebaseShiftsVersions(t *testing.T) {
	h := newHarness(t)
	h.seedRemote(t, 0, "theirs", "goal", "goal-1", 1)

	l := newLog(t)
	appendLocal(t, l, "mine", "goal", "goal-1", 1)

	e := New(svcTransport{h.svc, h.actor}, l, h.store, fastOpts())
	e.Start()
	defer e.Stop()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		evs, err := l.Aggregate(ctx, "goal", "goal-1")
		if err != nil || len(evs) != 2 {
			return false
		}
		pending, err := l.HasPending(ctx)
		return err == nil && !pending
	}, waitLong, 10*time.Millisecond, "default hook must resolve the collision")

	evs, err := l.Aggregate(ctx, "goal", "goal-1")
	require.NoError(t, err)
	assert.Equal(t, ids.EventID("theirs"), evs[0].ID)
	assert.Equal(t, ids.EventID("mine"), evs[1].ID)
}

func TestEngineServerBehindIsSurfaced(t *testing.T) {
	h := newHarness(t)
	l := newLog(t)
	ctx := context.Background()

	// A cursor ahead of an empty server means the store was reset upstream.
	require.NoError(t, l.AdvanceCursor(ctx, h.store, 5))
	appendLocal(t, l, "mine", "goal", "goal-1", 1)

	e := New(pullBlocker{svcTransport{h.svc, h.actor}}, l, h.store, fastOpts())
	e.Start()
	defer e.Stop()

	require.Eventually(t, func() bool {
		st := e.Status()
		return st.State == StateError && st.Code == "conflict"
	}, waitLong, 10*time.Millisecond, "server_behind must surface as an error status")

	st := e.Status()
	require.Error(t, st.Err)
	assert.Contains(t, st.Err.Error(), "behind")

	// Nothing was reset silently: the event is still pending and the server
	// still empty.
	pending, err := l.HasPending(ctx)
	require.NoError(t, err)
	assert.True(t, pending)
	head, err := h.events.Head(ctx, h.owner, h.store)
	require.NoError(t, err)
	assert.Equal(t, ids.Seq(0), head)
}

// aheadNoMissing strips missing events from push conflicts, standing in for
// a server that caps them away, and holds pulls back until the first
// conflict so the push loop must lean on the pull loop to catch up.
type aheadNoMissing struct {
	inner Transport
	gate  chan struct{}
	once  sync.Once
}

func (a *aheadNoMissing) Push(ctx context.Context, store ids.StoreID, expectedHead ids.Seq, evs []transport.PushEvent) (transport.PushResult, error) {
	res, err := a.inner.Push(ctx, store, expectedHead, evs)
	if err == nil && !res.OK && res.Reason == syncerr.ReasonServerAhead {
		res.Missing = nil
		a.once.Do(func() { close(a.gate) })
	}
	return res, err
}

func (a *aheadNoMissing) Pull(ctx context.Context, store ids.StoreID, since ids.Seq, limit, waitMs int) (transport.PullResult, error) {
	select {
	case <-a.gate:
	case <-ctx.Done():
		return transport.PullResult{}, ctx.Err()
	}
	return a.inner.Pull(ctx, store, since, limit, waitMs)
}

func TestEngineServerAheadWithoutMissingWaitsForPull(t *testing.T) {
	h := newHarness(t)
	h.seedRemote(t, 0, "theirs", "note", "note-1", 1)

	l := newLog(t)
	appendLocal(t, l, "mine", "goal", "goal-1", 1)

	tr := &aheadNoMissing{inner: svcTransport{h.svc, h.actor}, gate: make(chan struct{})}
	e := New(tr, l, h.store, fastOpts())
	e.Start()
	defer e.Stop()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		pending, err := l.HasPending(ctx)
		return err == nil && !pending
	}, waitLong, 10*time.Millisecond, "push must land once the pull loop caught up")

	assert.Equal(t, []string{"theirs", "mine"}, h.serverEventIDs(t))

	evs, err := l.Aggregate(ctx, "note", "note-1")
	require.NoError(t, err)
	require.Len(t, evs, 1, "the gap arrived through pull, not through missing[]")
}

// scripted answers each call with a canned function, for failure paths the
// real service cannot produce on demand.
type scripted struct {
	push func(expectedHead ids.Seq) (transport.PushResult, error)
	pull func(since ids.Seq) (transport.PullResult, error)
}

func (s scripted) Push(_ context.Context, _ ids.StoreID, expectedHead ids.Seq, _ []transport.PushEvent) (transport.PushResult, error) {
	if s.push == nil {
		return transport.PushResult{OK: true}, nil
	}
	return s.push(expectedHead)
}

func (s scripted) Pull(_ context.Context, _ ids.StoreID, since ids.Seq, _, _ int) (transport.PullResult, error) {
	if s.pull == nil {
		return transport.PullResult{}, nil
	}
	return s.pull(since)
}

func TestEngineFatalProtocolOnRecordMismatch(t *testing.T) {
	l := newLog(t)
	next := ids.Seq(1)
	tr := scripted{
		pull: func(since ids.Seq) (transport.PullResult, error) {
			rec, _ := wire.Record{
				ID:                "other-id",
				AggregateType:     "goal",
				AggregateID:       "goal-1",
				Version:           1,
				EventType:         "noted",
				PayloadCiphertext: "x",
				OccurredAt:        "2026-08-25T10:00:00Z",
			}.Encode()
			n := next
			return transport.PullResult{
				Events:    []transport.Event{{GlobalSequence: 1, EventID: "e1", RecordJSON: rec}},
				Head:      1,
				NextSince: &n,
			}, nil
		},
	}

	store := ids.NewStoreID()
	e := New(tr, l, store, fastOpts())
	e.Start()
	defer e.Stop()

	require.Eventually(t, func() bool {
		st := e.Status()
		return st.State == StateError && st.Code == "protocol"
	}, waitLong, 10*time.Millisecond, "record id mismatch is a protocol error")

	cursor, err := l.Cursor(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, ids.Seq(0), cursor, "nothing applied, nothing advanced")
}

func TestEnginePushConflictExhaustsRetries(t *testing.T) {
	l := newLog(t)

	rec, err := wire.Record{
		ID:                "r1",
		AggregateType:     "note",
		AggregateID:       "note-1",
		Version:           1,
		EventType:         "noted",
		PayloadCiphertext: "x",
		OccurredAt:        "2026-08-25T10:00:00Z",
	}.Encode()
	require.NoError(t, err)

	var pushes atomic.Int64
	tr := pullBlocker{scripted{
		push: func(ids.Seq) (transport.PushResult, error) {
			pushes.Add(1)
			return transport.PushResult{
				Head:    5,
				Reason:  syncerr.ReasonServerAhead,
				Missing: []transport.Event{{GlobalSequence: 1, EventID: "r1", RecordJSON: rec}},
			}, nil
		},
	}}

	e := New(tr, l, ids.NewStoreID(), fastOpts())
	e.Start()
	defer e.Stop()

	// Let the initial kick drain first so the debounced append is the only
	// trigger and the push count stays exact.
	time.Sleep(50 * time.Millisecond)
	appendLocal(t, l, "mine", "goal", "goal-1", 1)

	require.Eventually(t, func() bool {
		st := e.Status()
		return st.State == StateError && st.Code == "conflict"
	}, waitLong, 10*time.Millisecond, "persistent conflict must give up")

	assert.Equal(t, int64(3), pushes.Load(), "initial attempt plus two retries")
	st := e.Status()
	assert.Contains(t, st.Err.Error(), "3 attempts")
}

func TestEngineTransportErrorsBackOffAndRecover(t *testing.T) {
	var calls atomic.Int64
	tr := scripted{
		pull: func(ids.Seq) (transport.PullResult, error) {
			if calls.Add(1) <= 2 {
				return transport.PullResult{}, syncerr.New(syncerr.Transport, "connection refused")
			}
			return transport.PullResult{}, nil
		},
	}

	var mu sync.Mutex
	var seen []Status
	opts := fastOpts()
	opts.OnStatus = func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	e := New(tr, newLog(t), ids.NewStoreID(), opts)
	e.Start()
	defer e.Stop()

	require.Eventually(t, func() bool {
		return calls.Load() >= 3 && e.Status().State == StateIdle
	}, waitLong, 10*time.Millisecond, "engine must recover once the transport does")

	mu.Lock()
	defer mu.Unlock()
	var sawNetworkError bool
	for _, s := range seen {
		if s.State == StateError {
			assert.Equal(t, "network", s.Code)
			assert.False(t, s.RetryAt.IsZero(), "transport errors carry a retry time")
			sawNetworkError = true
		}
	}
	assert.True(t, sawNetworkError, "error status must be observable")
}

func TestEngineDebounceCoalescesPushes(t *testing.T) {
	h := newHarness(t)
	l := newLog(t)

	var pushes atomic.Int64
	tr := countingTransport{inner: svcTransport{h.svc, h.actor}, pushes: &pushes}

	opts := fastOpts()
	opts.Debounce = 40 * time.Millisecond
	e := New(tr, l, h.store, opts)
	e.Start()
	defer e.Stop()

	time.Sleep(30 * time.Millisecond) // let the initial kick find nothing

	for i := 1; i <= 5; i++ {
		appendLocal(t, l, "e"+string(rune('0'+i)), "goal", "goal-1", uint64(i))
		time.Sleep(3 * time.Millisecond)
	}

	ctx := context.Background()
	require.Eventually(t, func() bool {
		head, err := h.events.Head(ctx, h.owner, h.store)
		return err == nil && head == 5
	}, waitLong, 10*time.Millisecond, "burst must reach the server")

	assert.LessOrEqual(t, pushes.Load(), int64(2), "debounce coalesces the burst")
}

type countingTransport struct {
	inner  Transport
	pushes *atomic.Int64
}

func (c countingTransport) Push(ctx context.Context, store ids.StoreID, expectedHead ids.Seq, evs []transport.PushEvent) (transport.PushResult, error) {
	c.pushes.Add(1)
	return c.inner.Push(ctx, store, expectedHead, evs)
}

func (c countingTransport) Pull(ctx context.Context, store ids.StoreID, since ids.Seq, limit, waitMs int) (transport.PullResult, error) {
	return c.inner.Pull(ctx, store, since, limit, waitMs)
}

func TestEngineStopAbortsLongPoll(t *testing.T) {
	h := newHarness(t)
	l := newLog(t)

	opts := fastOpts()
	opts.PullWait = 10 * time.Second
	e := New(svcTransport{h.svc, h.actor}, l, h.store, opts)
	e.Start()

	time.Sleep(100 * time.Millisecond) // land inside the long poll

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop must abort the in-flight poll promptly")
	}
}

func TestAwaitCursorPastUsesImmediatePull(t *testing.T) {
	l := newLog(t)
	store := ids.NewStoreID()
	e := New(scripted{}, l, store, fastOpts())
	ctx := context.Background()

	// Stand-in pull loop: waits for the immediate-pull signal, advances the
	// cursor, and completes one pass.
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-e.pullSignal
		e.beginPullPass()
		if err := l.AdvanceCursor(ctx, store, 5); err != nil {
			t.Error(err)
		}
		e.endPullPass()
	}()

	require.NoError(t, e.awaitCursorPast(ctx, 2))
	<-done

	cursor, err := l.Cursor(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, ids.Seq(5), cursor)
}

func TestAwaitCursorPastFailsWithoutProgress(t *testing.T) {
	l := newLog(t)
	e := New(scripted{}, l, ids.NewStoreID(), fastOpts())
	ctx := context.Background()

	go func() {
		<-e.pullSignal
		e.beginPullPass()
		e.endPullPass() // pass completes but the cursor never moves
	}()

	err := e.awaitCursorPast(ctx, 2)
	require.Error(t, err)
	assert.Equal(t, syncerr.Conflict, syncerr.KindOf(err))
	assert.Contains(t, err.Error(), "did not advance")
}

func TestEngineStartTwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	e := New(svcTransport{h.svc, h.actor}, newLog(t), h.store, fastOpts())
	e.Start()
	e.Start()
	e.Stop()
}
