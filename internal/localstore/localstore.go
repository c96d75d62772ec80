// Package localstore is the client-side replica: a SQLite event log ordered
// by local commit sequence, the acknowledgment map recording which events the
// server has sequenced, and the per-store pull cursor. One Log backs one sync
// engine instance; the application appends domain events through it and the
// engine moves them to and from the server.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
	"github.com/mosync/backend/internal/wire"
)

//go:embed schema.sql
var schemaSQL string

// Event is one row of the client log. Version is the application-assigned
// aggregate version; CommitSequence is the local insertion order and carries
// no meaning beyond this device.
type Event struct {
	CommitSequence    uint64
	ID                ids.EventID
	AggregateType     string
	AggregateID       string
	Version           uint64
	EventType         string
	PayloadCiphertext string
	OccurredAt        string
	ActorID           string
	CausationID       string
	CorrelationID     string
	ScopeID           string
	ResourceID        string
	ResourceKeyID     string
	GrantID           string
	ScopeStateRef     string
	AuthorDeviceID    string
	SigSuite          string
	Signature         string
}

// Record converts the row to its canonical wire form.
func (e Event) Record() wire.Record {
	return wire.Record{
		ID:                string(e.ID),
		AggregateType:     e.AggregateType,
		AggregateID:       e.AggregateID,
		Version:           e.Version,
		EventType:         e.EventType,
		PayloadCiphertext: e.PayloadCiphertext,
		OccurredAt:        e.OccurredAt,
		ActorID:           e.ActorID,
		CausationID:       e.CausationID,
		CorrelationID:     e.CorrelationID,
		ScopeID:           e.ScopeID,
		ResourceID:        e.ResourceID,
		ResourceKeyID:     e.ResourceKeyID,
		GrantID:           e.GrantID,
		ScopeStateRef:     e.ScopeStateRef,
		AuthorDeviceID:    e.AuthorDeviceID,
		SigSuite:          e.SigSuite,
		Signature:         e.Signature,
	}
}

// FromRecord builds a row from a decoded wire record.
func FromRecord(r wire.Record) Event {
	return Event{
		ID:                ids.EventID(r.ID),
		AggregateType:     r.AggregateType,
		AggregateID:       r.AggregateID,
		Version:           r.Version,
		EventType:         r.EventType,
		PayloadCiphertext: r.PayloadCiphertext,
		OccurredAt:        r.OccurredAt,
		ActorID:           r.ActorID,
		CausationID:       r.CausationID,
		CorrelationID:     r.CorrelationID,
		ScopeID:           r.ScopeID,
		ResourceID:        r.ResourceID,
		ResourceKeyID:     r.ResourceKeyID,
		GrantID:           r.GrantID,
		ScopeStateRef:     r.ScopeStateRef,
		AuthorDeviceID:    r.AuthorDeviceID,
		SigSuite:          r.SigSuite,
		Signature:         r.Signature,
	}
}

// Remote pairs a decoded server event with the global sequence the server
// assigned to it.
type Remote struct {
	Event          Event
	GlobalSequence ids.Seq
}

// Span summarizes the foreign events one aggregate received in a single
// remote batch. FromVersion is the lowest version those events claimed from
// a pending local row; Count is the total number of foreign events the batch
// carried for the aggregate, which is the amount pending versions must shift
// by for every arrival to have a free slot.
type Span struct {
	AggregateType string
	AggregateID   string
	FromVersion   uint64
	Count         uint64
}

// ApplyResult reports what one remote batch changed. Rebases lists the
// aggregates where a foreign event claimed a version still held by a pending
// local row; those rows must be renumbered before the batch can apply fully.
type ApplyResult struct {
	Inserted int
	Acked    int
	Rebases  []Span
}

// Log is the SQLite-backed client store.
type Log struct {
	db      *sql.DB
	changes chan struct{}
}

// Open creates or opens the client database at path and applies the schema.
// WAL keeps reads concurrent with the writer, and the single connection
// serializes the engine's loops against application appends.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply local schema: %w", err)
	}
	return &Log{db: db, changes: make(chan struct{}, 1)}, nil
}

// Close releases the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Changes delivers a coalesced signal whenever the application appends a
// local event. The channel never blocks a writer; a pending signal stands
// for any number of appends.
func (l *Log) Changes() <-chan struct{} {
	return l.changes
}

func (l *Log) signal() {
	select {
	case l.changes <- struct{}{}:
	default:
	}
}

const insertEventSQL = `
	INSERT OR IGNORE INTO events (
		id, aggregate_type, aggregate_id, version, event_type,
		payload_ciphertext, occurred_at, actor_id, causation_id,
		correlation_id, scope_id, resource_id, resource_key_id, grant_id,
		scope_state_ref, author_device_id, sig_suite, signature
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func eventArgs(e Event) []any {
	return []any{
		string(e.ID), e.AggregateType, e.AggregateID, e.Version, e.EventType,
		e.PayloadCiphertext, e.OccurredAt, e.ActorID, e.CausationID,
		e.CorrelationID, e.ScopeID, e.ResourceID, e.ResourceKeyID, e.GrantID,
		e.ScopeStateRef, e.AuthorDeviceID, e.SigSuite, e.Signature,
	}
}

// Append records a new application event and wakes the push side. The event
// must carry a fresh id and the next free version of its aggregate; reusing
// either is a programming error and is rejected.
func (l *Log) Append(ctx context.Context, e Event) error {
	if e.ID == "" || e.AggregateType == "" || e.AggregateID == "" {
		return syncerr.New(syncerr.Validation, "append needs id and aggregate identity")
	}
	res, err := l.db.ExecContext(ctx, insertEventSQL, eventArgs(e)...)
	if err != nil {
		return fmt.Errorf("append local event %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append local event %s: %w", e.ID, err)
	}
	if n == 0 {
		return syncerr.New(syncerr.Validation,
			"event %s collides with an existing id or version %s/%s@%d",
			e.ID, e.AggregateType, e.AggregateID, e.Version)
	}
	l.signal()
	return nil
}

// ApplyRemote folds a batch of pulled events into the log inside one
// transaction. Every insert is idempotent: replays of already-applied events
// and acknowledgments of this device's own pushes fall through without
// effect. A foreign event whose (aggregate, version) slot is held by a
// pending local row cannot land yet; it is reported in Rebases so the engine
// can renumber the pending rows and apply the batch again.
func (l *Log) ApplyRemote(ctx context.Context, batch []Remote) (ApplyResult, error) {
	var out ApplyResult
	if len(batch) == 0 {
		return out, nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("apply remote batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	type aggKey struct{ typ, id string }
	type aggStat struct {
		foreign  uint64
		minClash uint64
		clashed  bool
	}
	stats := map[aggKey]*aggStat{}
	order := []aggKey{}

	for _, r := range batch {
		e := r.Event

		ins, err := tx.ExecContext(ctx, insertEventSQL, eventArgs(e)...)
		if err != nil {
			return out, fmt.Errorf("apply remote event %s: %w", e.ID, err)
		}
		inserted, err := ins.RowsAffected()
		if err != nil {
			return out, fmt.Errorf("apply remote event %s: %w", e.ID, err)
		}

		foreign := inserted > 0
		pendingHolder := false
		if inserted == 0 {
			// The insert lost to either the id index (we already have this
			// event) or the aggregate-version index (another row holds the
			// slot). Only the second case is a foreign arrival.
			var known bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM events WHERE id = ?)`, string(e.ID),
			).Scan(&known)
			if err != nil {
				return out, fmt.Errorf("apply remote event %s: %w", e.ID, err)
			}
			foreign = !known
			if foreign {
				var holder string
				err := tx.QueryRowContext(ctx,
					`SELECT id FROM events
					 WHERE aggregate_type = ? AND aggregate_id = ? AND version = ?`,
					e.AggregateType, e.AggregateID, e.Version,
				).Scan(&holder)
				if err != nil {
					return out, fmt.Errorf("apply remote event %s: %w", e.ID, err)
				}
				var acked bool
				err = tx.QueryRowContext(ctx,
					`SELECT EXISTS(SELECT 1 FROM sync_event_map WHERE event_id = ?)`, holder,
				).Scan(&acked)
				if err != nil {
					return out, fmt.Errorf("apply remote event %s: %w", e.ID, err)
				}
				pendingHolder = !acked
			}
		}
		out.Inserted += int(inserted)

		if foreign {
			k := aggKey{e.AggregateType, e.AggregateID}
			s, ok := stats[k]
			if !ok {
				s = &aggStat{}
				stats[k] = s
				order = append(order, k)
			}
			s.foreign++
			if pendingHolder && (!s.clashed || e.Version < s.minClash) {
				s.clashed = true
				s.minClash = e.Version
			}
		}

		ack, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO sync_event_map (event_id, global_sequence, inserted_at)
			 VALUES (?, ?, ?)`,
			string(e.ID), uint64(r.GlobalSequence), now)
		if err != nil {
			return out, fmt.Errorf("acknowledge remote event %s: %w", e.ID, err)
		}
		n, err := ack.RowsAffected()
		if err != nil {
			return out, fmt.Errorf("acknowledge remote event %s: %w", e.ID, err)
		}
		out.Acked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("apply remote batch: %w", err)
	}
	for _, k := range order {
		s := stats[k]
		if !s.clashed {
			continue
		}
		out.Rebases = append(out.Rebases, Span{
			AggregateType: k.typ,
			AggregateID:   k.id,
			FromVersion:   s.minClash,
			Count:         s.foreign,
		})
	}
	return out, nil
}

const selectEventCols = `
	commit_sequence, id, aggregate_type, aggregate_id, version, event_type,
	payload_ciphertext, occurred_at, actor_id, causation_id, correlation_id,
	scope_id, resource_id, resource_key_id, grant_id, scope_state_ref,
	author_device_id, sig_suite, signature`

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var id string
	err := rows.Scan(
		&e.CommitSequence, &id, &e.AggregateType, &e.AggregateID, &e.Version,
		&e.EventType, &e.PayloadCiphertext, &e.OccurredAt, &e.ActorID,
		&e.CausationID, &e.CorrelationID, &e.ScopeID, &e.ResourceID,
		&e.ResourceKeyID, &e.GrantID, &e.ScopeStateRef, &e.AuthorDeviceID,
		&e.SigSuite, &e.Signature,
	)
	e.ID = ids.EventID(id)
	return e, err
}

// Pending returns events the server has not acknowledged, oldest first,
// capped at limit.
func (l *Log) Pending(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+selectEventCols+`
		FROM events e
		LEFT JOIN sync_event_map m ON m.event_id = e.id
		WHERE m.event_id IS NULL
		ORDER BY e.commit_sequence ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load pending events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasPending reports whether any unacknowledged local events remain.
func (l *Log) HasPending(ctx context.Context) (bool, error) {
	var pending bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM events e
			LEFT JOIN sync_event_map m ON m.event_id = e.id
			WHERE m.event_id IS NULL
		)`).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("check pending events: %w", err)
	}
	return pending, nil
}

// MapAssignments records the sequences the server assigned to a pushed
// batch. Replays are ignored.
func (l *Log) MapAssignments(ctx context.Context, asgs map[ids.EventID]ids.Seq) error {
	if len(asgs) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("map assignments: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for id, seq := range asgs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO sync_event_map (event_id, global_sequence, inserted_at)
			 VALUES (?, ?, ?)`,
			string(id), uint64(seq), now)
		if err != nil {
			return fmt.Errorf("map assignment for %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("map assignments: %w", err)
	}
	return nil
}

// Acked reports the global sequence assigned to an event, if the server has
// acknowledged it.
func (l *Log) Acked(ctx context.Context, id ids.EventID) (ids.Seq, bool, error) {
	var seq uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT global_sequence FROM sync_event_map WHERE event_id = ?`,
		string(id)).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("look up acknowledgment for %s: %w", id, err)
	}
	return ids.Seq(seq), true, nil
}

// Cursor returns the highest contiguous global sequence this device has
// pulled for the store, zero when it has never pulled.
func (l *Log) Cursor(ctx context.Context, storeID ids.StoreID) (ids.Seq, error) {
	var seq uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT last_pulled_global_seq FROM sync_meta WHERE store_id = ?`,
		string(storeID)).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor for %s: %w", storeID, err)
	}
	return ids.Seq(seq), nil
}

// AdvanceCursor moves the pull cursor forward. The cursor never moves
// backward, so replayed pulls and push acknowledgments can both advance it
// without coordination.
func (l *Log) AdvanceCursor(ctx context.Context, storeID ids.StoreID, seq ids.Seq) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sync_meta (store_id, last_pulled_global_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (store_id) DO UPDATE SET
			last_pulled_global_seq = MAX(last_pulled_global_seq, excluded.last_pulled_global_seq),
			updated_at = excluded.updated_at`,
		string(storeID), uint64(seq), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("advance cursor for %s: %w", storeID, err)
	}
	return nil
}

// ShiftPendingVersions renumbers the pending rows of one aggregate whose
// version is at or above fromVersion, adding shiftBy to each. Rows move
// highest first so the unique aggregate-version index never sees a
// transient collision. Acknowledged rows are immutable and never move.
func (l *Log) ShiftPendingVersions(ctx context.Context, aggregateType, aggregateID string, fromVersion, shiftBy uint64) (int, error) {
	if shiftBy == 0 {
		return 0, nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("shift pending versions: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT e.id, e.version
		FROM events e
		LEFT JOIN sync_event_map m ON m.event_id = e.id
		WHERE m.event_id IS NULL
		  AND e.aggregate_type = ? AND e.aggregate_id = ? AND e.version >= ?
		ORDER BY e.version DESC`,
		aggregateType, aggregateID, fromVersion)
	if err != nil {
		return 0, fmt.Errorf("shift pending versions: %w", err)
	}
	type move struct {
		id      string
		version uint64
	}
	var moves []move
	for rows.Next() {
		var m move
		if err := rows.Scan(&m.id, &m.version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("shift pending versions: %w", err)
		}
		moves = append(moves, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("shift pending versions: %w", err)
	}
	rows.Close()

	for _, m := range moves {
		_, err := tx.ExecContext(ctx,
			`UPDATE events SET version = ? WHERE id = ?`,
			m.version+shiftBy, m.id)
		if err != nil {
			return 0, fmt.Errorf("shift event %s: %w", m.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("shift pending versions: %w", err)
	}
	return len(moves), nil
}

// Aggregate returns every event of one aggregate ordered by version. This is
// the read the application materializes state from.
func (l *Log) Aggregate(ctx context.Context, aggregateType, aggregateID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+selectEventCols+`
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY version ASC`,
		aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load aggregate %s/%s: %w", aggregateType, aggregateID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan aggregate event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
