// Package engine replicates a local event log against the sync server. One
// engine runs two loops: a pull loop that long-polls the server and folds
// remote events into the local store, and a push loop that drains pending
// local events, woken by debounced local-change signals. Conflicts between
// local and remote aggregate versions are resolved by rebasing pending
// events onto versions above the remote arrivals.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/localstore"
	"github.com/mosync/backend/internal/syncerr"
	"github.com/mosync/backend/internal/transport"
	"github.com/mosync/backend/internal/wire"
)

// Transport moves batches between the local log and the server. The HTTP
// client satisfies it; tests swap in in-process fakes.
type Transport interface {
	Push(ctx context.Context, storeID ids.StoreID, expectedHead ids.Seq, events []transport.PushEvent) (transport.PushResult, error)
	Pull(ctx context.Context, storeID ids.StoreID, since ids.Seq, limit, waitMs int) (transport.PullResult, error)
}

var _ Transport = (*transport.Client)(nil)

// Rebase asks the application to renumber the pending events of one
// aggregate: every pending version at or above FromVersion moves up by
// Count, highest first, so the remote events that claimed those versions
// can land. Acknowledged events never move.
type Rebase struct {
	AggregateType string
	AggregateID   string
	FromVersion   uint64
	Count         uint64
}

// RebaseFunc is the application hook invoked on version collisions. When
// nil the engine shifts the versions itself through the local store.
type RebaseFunc func(ctx context.Context, r Rebase) error

// Options tunes one engine. Zero values take the defaults below.
type Options struct {
	PullLimit    int           // events per pull, default 200
	PullWait     time.Duration // long-poll wait, default 20s
	PullInterval time.Duration // pause between empty polls, default 1s

	PushBatchSize int           // events per push, default 100
	PushInterval  time.Duration // periodic pending check, default 2s
	PushFallback  time.Duration // re-arm delay while draining, default 50ms
	Debounce      time.Duration // local-change coalescing window, default 100ms

	BackoffMin     time.Duration // default 1s
	BackoffMax     time.Duration // default 20s
	MaxPushRetries int           // conflict retries per attempt, default 2

	OnStatus func(Status)
	OnRebase RebaseFunc
	Rand     func() float64 // jitter source, default math/rand
}

func (o *Options) fill() {
	if o.PullLimit <= 0 {
		o.PullLimit = 200
	}
	if o.PullWait <= 0 {
		o.PullWait = 20 * time.Second
	}
	if o.PullInterval <= 0 {
		o.PullInterval = time.Second
	}
	if o.PushBatchSize <= 0 {
		o.PushBatchSize = 100
	}
	if o.PushInterval <= 0 {
		o.PushInterval = 2 * time.Second
	}
	if o.PushFallback <= 0 {
		o.PushFallback = 50 * time.Millisecond
	}
	if o.Debounce <= 0 {
		o.Debounce = 100 * time.Millisecond
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 20 * time.Second
	}
	if o.MaxPushRetries == 0 {
		o.MaxPushRetries = 2
	}
}

// Engine syncs one store of one owner against the server.
type Engine struct {
	transport Transport
	log       *localstore.Log
	store     ids.StoreID
	opts      Options

	pushSignal chan struct{}
	pullSignal chan struct{}

	mu         sync.Mutex
	status     Status
	head       ids.Seq
	headKnown  bool
	pullActive bool
	pullPass   chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds an engine over a transport and a local log. Call Start to
// begin syncing.
func New(t Transport, log *localstore.Log, store ids.StoreID, opts Options) *Engine {
	opts.fill()
	return &Engine{
		transport:  t,
		log:        log,
		store:      store,
		opts:       opts,
		pushSignal: make(chan struct{}, 1),
		pullSignal: make(chan struct{}, 1),
		pullPass:   make(chan struct{}),
		status:     Status{State: StateIdle},
	}
}

// Start launches the pull loop, the push loop, and the debounce watcher,
// and kicks an initial push. Starting twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(3)
	go e.pullLoop(ctx)
	go e.pushLoop(ctx)
	go e.debounceLoop(ctx)
	e.RequestPush()
}

// Stop signals both loops to exit at their next suspension point, aborts
// in-flight requests, and waits for the loops to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// RequestPush wakes the push loop. Safe from any goroutine; signals
// coalesce.
func (e *Engine) RequestPush() {
	select {
	case e.pushSignal <- struct{}{}:
	default:
	}
}

// RequestImmediatePull wakes the pull loop without waiting for the poll
// interval or a backoff to elapse.
func (e *Engine) RequestImmediatePull() {
	select {
	case e.pullSignal <- struct{}{}:
	default:
	}
}

// --- Pull side ---

func (e *Engine) pullLoop(ctx context.Context) {
	defer e.wg.Done()
	bo := newBackoff(e.opts.BackoffMin, e.opts.BackoffMax, e.opts.Rand)
	waitMs := int(e.opts.PullWait / time.Millisecond)

	for {
		if ctx.Err() != nil {
			return
		}
		e.setSyncing(DirectionPull)
		e.beginPullPass()
		progress, err := e.pullOnce(ctx, waitMs)
		e.endPullPass()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d := bo.next()
			e.setError(err, time.Now().Add(d))
			select {
			case <-ctx.Done():
				return
			case <-e.pullSignal:
			case <-time.After(d):
			}
			continue
		}

		bo.reset()
		e.setIdle()
		if progress {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-e.pullSignal:
		case <-time.After(e.opts.PullInterval):
		}
	}
}

// pullOnce runs one poll: fetch events past the cursor, fold them in, and
// advance the cursor. Progress means the server had something for us and
// the next poll should follow immediately.
func (e *Engine) pullOnce(ctx context.Context, waitMs int) (bool, error) {
	since, err := e.log.Cursor(ctx, e.store)
	if err != nil {
		return false, err
	}

	res, err := e.transport.Pull(ctx, e.store, since, e.opts.PullLimit, waitMs)
	if err != nil {
		return false, err
	}
	if res.HasMore && res.NextSince == nil {
		return false, syncerr.New(syncerr.Protocol, "server reports more events but no cursor")
	}

	if _, err := e.applyRemote(ctx, res.Events); err != nil {
		return false, err
	}
	if res.NextSince != nil {
		if err := e.log.AdvanceCursor(ctx, e.store, *res.NextSince); err != nil {
			return false, err
		}
	}
	e.setHead(res.Head)
	return len(res.Events) > 0 || res.HasMore, nil
}

// applyRemote folds server events into the local log. Collisions with
// pending local versions trigger the rebase hook per aggregate, after which
// the batch is applied once more so the displaced events land in the freed
// slots. The count of newly applied rows is returned.
func (e *Engine) applyRemote(ctx context.Context, events []transport.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	batch := make([]localstore.Remote, len(events))
	for i, ev := range events {
		rec, err := wire.DecodeRecord(ev.EventID, ev.RecordJSON)
		if err != nil {
			return 0, err
		}
		batch[i] = localstore.Remote{Event: localstore.FromRecord(rec), GlobalSequence: ev.GlobalSequence}
	}

	res, err := e.log.ApplyRemote(ctx, batch)
	if err != nil {
		return 0, err
	}
	applied := res.Inserted + res.Acked
	if len(res.Rebases) == 0 {
		return applied, nil
	}

	for _, span := range res.Rebases {
		r := Rebase{
			AggregateType: span.AggregateType,
			AggregateID:   span.AggregateID,
			FromVersion:   span.FromVersion,
			Count:         span.Count,
		}
		if err := e.rebase(ctx, r); err != nil {
			return applied, fmt.Errorf("rebase %s/%s: %w", r.AggregateType, r.AggregateID, err)
		}
	}
	again, err := e.log.ApplyRemote(ctx, batch)
	if err != nil {
		return applied, err
	}
	return applied + again.Inserted + again.Acked, nil
}

func (e *Engine) rebase(ctx context.Context, r Rebase) error {
	if e.opts.OnRebase != nil {
		return e.opts.OnRebase(ctx, r)
	}
	_, err := e.log.ShiftPendingVersions(ctx, r.AggregateType, r.AggregateID, r.FromVersion, r.Count)
	return err
}

// --- Push side ---

func (e *Engine) pushLoop(ctx context.Context) {
	defer e.wg.Done()
	bo := newBackoff(e.opts.BackoffMin, e.opts.BackoffMax, e.opts.Rand)
	ticker := time.NewTicker(e.opts.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.pushSignal:
		case <-ticker.C:
		}

		if pending, err := e.log.HasPending(ctx); err == nil && !pending {
			continue
		}

		e.setSyncing(DirectionPush)
		more, err := e.pushOnce(ctx)
		switch {
		case err == nil:
			bo.reset()
			e.setIdle()
			if more {
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.opts.PushFallback):
				}
				e.RequestPush()
			}
		case ctx.Err() != nil:
			return
		case syncerr.KindOf(err) == syncerr.Conflict:
			// Replaying the same batch cannot clear a conflict; wait for
			// the next local change or periodic tick instead of hammering.
			bo.reset()
			e.setError(err, time.Time{})
		default:
			d := bo.next()
			e.setError(err, time.Now().Add(d))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			e.RequestPush()
		}
	}
}

// pushOnce drains one batch of pending events, resolving server_ahead
// conflicts by catching up and retrying. It reports whether pending events
// remain after a successful push.
func (e *Engine) pushOnce(ctx context.Context) (bool, error) {
	for attempt := 0; ; attempt++ {
		pending, err := e.log.Pending(ctx, e.opts.PushBatchSize)
		if err != nil {
			return false, err
		}
		if len(pending) == 0 {
			return false, nil
		}
		events, err := encodePush(pending)
		if err != nil {
			return false, err
		}
		expectedHead, err := e.expectedHead(ctx)
		if err != nil {
			return false, err
		}

		res, err := e.transport.Push(ctx, e.store, expectedHead, events)
		if err != nil {
			return false, err
		}
		if res.OK {
			asgs := make(map[ids.EventID]ids.Seq, len(res.Assigned))
			for _, a := range res.Assigned {
				asgs[ids.EventID(a.EventID)] = a.GlobalSequence
			}
			if err := e.log.MapAssignments(ctx, asgs); err != nil {
				return false, err
			}
			if err := e.log.AdvanceCursor(ctx, e.store, res.Head); err != nil {
				return false, err
			}
			e.setHead(res.Head)
			return e.log.HasPending(ctx)
		}

		switch res.Reason {
		case syncerr.ReasonServerAhead:
			if err := e.catchUp(ctx, res, expectedHead); err != nil {
				return false, err
			}
			if attempt >= e.opts.MaxPushRetries {
				return false, syncerr.New(syncerr.Conflict,
					"push conflict persisted after %d attempts", attempt+1)
			}
		case syncerr.ReasonServerBehind:
			return false, syncerr.New(syncerr.Conflict,
				"server head %d is behind the local cursor %d; the store was reset upstream and needs reconciliation",
				res.Head, expectedHead)
		default:
			return false, syncerr.New(syncerr.Conflict, "push rejected: %s", res.Reason)
		}
	}
}

// catchUp resolves a server_ahead conflict. With missing events attached
// the gap is applied directly, the same path pulled events take. The server
// caps missing, so the cursor advances only past what was applied; the pull
// loop fetches any remainder. Without missing events the pull loop must
// close the gap before the push can retry.
func (e *Engine) catchUp(ctx context.Context, res transport.PushResult, expectedHead ids.Seq) error {
	if len(res.Missing) > 0 {
		if _, err := e.applyRemote(ctx, res.Missing); err != nil {
			return err
		}
		last := res.Missing[len(res.Missing)-1].GlobalSequence
		if err := e.log.AdvanceCursor(ctx, e.store, last); err != nil {
			return err
		}
		e.setHead(res.Head)
		return nil
	}
	return e.awaitCursorPast(ctx, expectedHead)
}

// awaitCursorPast blocks until the pull loop has moved the cursor beyond
// head: it lets any in-flight pull finish, then requests an immediate one.
func (e *Engine) awaitCursorPast(ctx context.Context, head ids.Seq) error {
	if err := e.awaitInflightPull(ctx); err != nil {
		return err
	}
	cur, err := e.log.Cursor(ctx, e.store)
	if err != nil {
		return err
	}
	if cur > head {
		return nil
	}

	e.RequestImmediatePull()
	if err := e.awaitNextPull(ctx); err != nil {
		return err
	}
	cur, err = e.log.Cursor(ctx, e.store)
	if err != nil {
		return err
	}
	if cur <= head {
		return syncerr.New(syncerr.Conflict, "conflict did not advance cursor past %d", head)
	}
	return nil
}

func encodePush(pending []localstore.Event) ([]transport.PushEvent, error) {
	out := make([]transport.PushEvent, len(pending))
	for i, ev := range pending {
		rec, err := ev.Record().Encode()
		if err != nil {
			return nil, err
		}
		out[i] = transport.PushEvent{
			EventID:        string(ev.ID),
			RecordJSON:     rec,
			ScopeID:        ev.ScopeID,
			ResourceID:     ev.ResourceID,
			ResourceKeyID:  ev.ResourceKeyID,
			GrantID:        ev.GrantID,
			ScopeStateRef:  ev.ScopeStateRef,
			AuthorDeviceID: ev.AuthorDeviceID,
		}
	}
	return out, nil
}

// expectedHead is the head the next push claims: the last head any response
// reported, or the pull cursor before the first response arrives.
func (e *Engine) expectedHead(ctx context.Context) (ids.Seq, error) {
	e.mu.Lock()
	known, head := e.headKnown, e.head
	e.mu.Unlock()
	if known {
		return head, nil
	}
	return e.log.Cursor(ctx, e.store)
}

func (e *Engine) setHead(head ids.Seq) {
	e.mu.Lock()
	if !e.headKnown || head > e.head {
		e.head = head
		e.headKnown = true
	}
	e.mu.Unlock()
}

// --- Pull-pass tracking ---
//
// The push loop parks on these when a conflict needs the pull loop to catch
// up first. The pass channel closes when the current iteration completes
// and is replaced immediately, so a waiter always observes the end of one
// full pass that started no earlier than its wait.

func (e *Engine) beginPullPass() {
	e.mu.Lock()
	e.pullActive = true
	e.mu.Unlock()
}

func (e *Engine) endPullPass() {
	e.mu.Lock()
	e.pullActive = false
	close(e.pullPass)
	e.pullPass = make(chan struct{})
	e.mu.Unlock()
}

func (e *Engine) awaitInflightPull(ctx context.Context) error {
	e.mu.Lock()
	active, pass := e.pullActive, e.pullPass
	e.mu.Unlock()
	if !active {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-pass:
		return nil
	}
}

func (e *Engine) awaitNextPull(ctx context.Context) error {
	e.mu.Lock()
	pass := e.pullPass
	e.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-pass:
		return nil
	}
}

// --- Debounce ---

// debounceLoop turns bursts of local appends into single push signals,
// trailing edge: the timer restarts on every change and fires once the
// burst pauses.
func (e *Engine) debounceLoop(ctx context.Context) {
	defer e.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.log.Changes():
			if timer == nil {
				timer = time.NewTimer(e.opts.Debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-fire:
					default:
					}
				}
				timer.Reset(e.opts.Debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			e.RequestPush()
		}
	}
}
