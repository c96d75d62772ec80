package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func local(id, aggType, aggID string, version uint64) Event {
	return Event{
		ID:                ids.EventID(id),
		AggregateType:     aggType,
		AggregateID:       aggID,
		Version:           version,
		EventType:         "noted",
		PayloadCiphertext: "b64:" + id,
		OccurredAt:        "2026-08-25T09:00:00Z",
	}
}

func remote(id, aggType, aggID string, version uint64, seq ids.Seq) Remote {
	return Remote{Event: local(id, aggType, aggID, version), GlobalSequence: seq}
}

func TestAppendAndPendingOrder(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, local("e1", "goal", "goal-1", 1)))
	require.NoError(t, l.Append(ctx, local("e2", "note", "note-1", 1)))
	require.NoError(t, l.Append(ctx, local("e3", "goal", "goal-1", 2)))

	pending, err := l.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, ids.EventID("e1"), pending[0].ID)
	assert.Equal(t, ids.EventID("e2"), pending[1].ID)
	assert.Equal(t, ids.EventID("e3"), pending[2].ID)
	assert.Less(t, pending[0].CommitSequence, pending[1].CommitSequence)

	has, err := l.HasPending(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	capped, err := l.Pending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestAppendRejectsCollisions(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, local("e1", "goal", "goal-1", 1)))

	err := l.Append(ctx, local("e1", "goal", "goal-1", 2))
	assert.Equal(t, syncerr.Validation, syncerr.KindOf(err), "duplicate id")

	err = l.Append(ctx, local("e2", "goal", "goal-1", 1))
	assert.Equal(t, syncerr.Validation, syncerr.KindOf(err), "occupied version")

	err = l.Append(ctx, Event{ID: "e9"})
	assert.Equal(t, syncerr.Validation, syncerr.KindOf(err), "missing aggregate identity")
}

func TestApplyRemoteIsIdempotent(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	batch := []Remote{
		remote("r1", "goal", "goal-1", 1, 1),
		remote("r2", "goal", "goal-1", 2, 2),
	}

	first, err := l.ApplyRemote(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 2, first.Acked)
	assert.Empty(t, first.Rebases)

	again, err := l.ApplyRemote(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, again.Inserted)
	assert.Zero(t, again.Acked)
	assert.Empty(t, again.Rebases)

	has, err := l.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, has, "remote events arrive acknowledged")
}

func TestApplyRemoteAcksOwnEcho(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	// The device pushed e1 but crashed before recording the assignment. The
	// event comes back through pull and only the acknowledgment is new.
	require.NoError(t, l.Append(ctx, local("e1", "goal", "goal-1", 1)))

	res, err := l.ApplyRemote(ctx, []Remote{remote("e1", "goal", "goal-1", 1, 1)})
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 1, res.Acked)
	assert.Empty(t, res.Rebases, "own events never displace themselves")

	has, err := l.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	seq, ok, err := l.Acked(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids.Seq(1), seq)
}

func TestApplyRemoteReportsRebase(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, local("mine", "goal", "goal-1", 1)))

	batch := []Remote{remote("theirs", "goal", "goal-1", 1, 1)}
	res, err := l.ApplyRemote(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted, "occupied version leaves the existing row")
	assert.Equal(t, 1, res.Acked)
	require.Len(t, res.Rebases, 1)
	assert.Equal(t, Span{
		AggregateType: "goal",
		AggregateID:   "goal-1",
		FromVersion:   1,
		Count:         1,
	}, res.Rebases[0])

	moved, err := l.ShiftPendingVersions(ctx, "goal", "goal-1", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	again, err := l.ApplyRemote(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Inserted, "freed slot admits the remote event")
	assert.Empty(t, again.Rebases)

	evs, err := l.Aggregate(ctx, "goal", "goal-1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, ids.EventID("theirs"), evs[0].ID)
	assert.Equal(t, uint64(1), evs[0].Version)
	assert.Equal(t, ids.EventID("mine"), evs[1].ID)
	assert.Equal(t, uint64(2), evs[1].Version)

	pending, err := l.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids.EventID("mine"), pending[0].ID, "shifted event still awaits push")
}

func TestApplyRemoteShiftCountsAllForeignEvents(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	// Pending local v1 collides with the first remote event; the second
	// remote lands on a free slot. The shift must still be two so the
	// pending row clears both claimed versions.
	require.NoError(t, l.Append(ctx, local("mine", "goal", "goal-1", 1)))

	batch := []Remote{
		remote("r1", "goal", "goal-1", 1, 1),
		remote("r2", "goal", "goal-1", 2, 2),
	}
	res, err := l.ApplyRemote(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Rebases, 1)
	assert.Equal(t, uint64(1), res.Rebases[0].FromVersion)
	assert.Equal(t, uint64(2), res.Rebases[0].Count)

	_, err = l.ShiftPendingVersions(ctx, "goal", "goal-1", 1, 2)
	require.NoError(t, err)

	again, err := l.ApplyRemote(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Inserted)

	evs, err := l.Aggregate(ctx, "goal", "goal-1")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{evs[0].Version, evs[1].Version, evs[2].Version})
	assert.Equal(t, ids.EventID("mine"), evs[2].ID)
}

func TestShiftPendingVersionsSkipsAcked(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, local("e1", "goal", "goal-1", 1)))
	require.NoError(t, l.Append(ctx, local("e2", "goal", "goal-1", 2)))
	require.NoError(t, l.Append(ctx, local("e3", "goal", "goal-1", 3)))
	require.NoError(t, l.MapAssignments(ctx, map[ids.EventID]ids.Seq{"e1": 1}))

	moved, err := l.ShiftPendingVersions(ctx, "goal", "goal-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, moved, "acknowledged rows never move")

	evs, err := l.Aggregate(ctx, "goal", "goal-1")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(1), evs[0].Version)
	assert.Equal(t, ids.EventID("e1"), evs[0].ID)
	assert.Equal(t, uint64(4), evs[1].Version)
	assert.Equal(t, ids.EventID("e2"), evs[1].ID)
	assert.Equal(t, uint64(5), evs[2].Version)
	assert.Equal(t, ids.EventID("e3"), evs[2].ID)
}

func TestShiftPendingVersionsNoop(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	moved, err := l.ShiftPendingVersions(ctx, "goal", "goal-1", 1, 1)
	require.NoError(t, err)
	assert.Zero(t, moved)

	moved, err = l.ShiftPendingVersions(ctx, "goal", "goal-1", 1, 0)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestMapAssignmentsDrainsPending(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, local("e1", "goal", "goal-1", 1)))
	require.NoError(t, l.Append(ctx, local("e2", "goal", "goal-1", 2)))

	require.NoError(t, l.MapAssignments(ctx, map[ids.EventID]ids.Seq{"e1": 4, "e2": 5}))
	require.NoError(t, l.MapAssignments(ctx, map[ids.EventID]ids.Seq{"e1": 4}), "replays are ignored")

	has, err := l.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	seq, ok, err := l.Acked(ctx, "e2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids.Seq(5), seq)

	_, ok, err = l.Acked(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorAdvancesMonotonically(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	store := ids.NewStoreID()

	seq, err := l.Cursor(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, ids.Seq(0), seq, "fresh store starts at zero")

	require.NoError(t, l.AdvanceCursor(ctx, store, 7))
	require.NoError(t, l.AdvanceCursor(ctx, store, 3), "stale advance is ignored")

	seq, err = l.Cursor(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, ids.Seq(7), seq)

	require.NoError(t, l.AdvanceCursor(ctx, store, 12))
	seq, err = l.Cursor(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, ids.Seq(12), seq)
}

func TestChangesSignalCoalesces(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, local("e1", "goal", "goal-1", 1)))
	require.NoError(t, l.Append(ctx, local("e2", "goal", "goal-1", 2)))

	select {
	case <-l.Changes():
	default:
		t.Fatal("append did not signal")
	}
	select {
	case <-l.Changes():
		t.Fatal("signals are coalesced, one wake per burst")
	default:
	}

	// Remote application is not a local change and must not wake the push
	// side.
	_, err := l.ApplyRemote(ctx, []Remote{remote("r1", "note", "note-1", 1, 1)})
	require.NoError(t, err)
	select {
	case <-l.Changes():
		t.Fatal("remote apply must not signal")
	default:
	}
}

func TestRecordRoundTrip(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	e := Event{
		ID:                "e1",
		AggregateType:     "resource",
		AggregateID:       "res-1",
		Version:           1,
		EventType:         "shared",
		PayloadCiphertext: "b64:payload",
		OccurredAt:        "2026-08-25T09:00:00Z",
		ActorID:           "user-1",
		CausationID:       "e0",
		CorrelationID:     "corr-1",
		ScopeID:           "scope-1",
		ResourceID:        "res-1",
		ResourceKeyID:     "rk-1",
		GrantID:           "grant-1",
		ScopeStateRef:     "aa11",
		AuthorDeviceID:    "dev-1",
		SigSuite:          "ed25519-v1",
		Signature:         "sig",
	}
	require.NoError(t, l.Append(ctx, e))

	evs, err := l.Aggregate(ctx, "resource", "res-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)

	got := evs[0]
	got.CommitSequence = 0
	assert.Equal(t, e, got)
	assert.Equal(t, e.Record(), FromRecord(got.Record()).Record())
}

func BenchmarkApplyRemote(b *testing.B) {
	l, err := Open(filepath.Join(b.TempDir(), "client.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer l.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("e%d", i)
		_, err := l.ApplyRemote(ctx, []Remote{
			remote(id, "goal", "goal-1", uint64(i+1), ids.Seq(i+1)),
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
