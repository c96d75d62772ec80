package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

// PGStore is the Postgres-backed event store. Mutations serialize per store
// through a SELECT ... FOR UPDATE on the sync.stores row; reads run against
// the committed snapshot without locks.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Head(ctx context.Context, owner ids.OwnerID, store ids.StoreID) (ids.Seq, error) {
	var head int64
	err := s.db.QueryRowContext(ctx,
		`SELECT head FROM sync.stores WHERE store_id = $1 AND owner_id = $2`,
		string(store), string(owner)).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, syncerr.Wrap(syncerr.Internal, err, "read head of store %s", store)
	}
	return ids.Seq(head), nil
}

func (s *PGStore) Append(ctx context.Context, owner ids.OwnerID, store ids.StoreID, expectedHead ids.Seq, batch []Incoming) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, syncerr.Wrap(syncerr.Internal, err, "begin append tx")
	}
	defer tx.Rollback()

	var rowOwner string
	var head int64
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, head FROM sync.stores WHERE store_id = $1 FOR UPDATE`,
		string(store)).Scan(&rowOwner, &head)
	if errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, syncerr.New(syncerr.Forbidden, "store %s is not provisioned", store)
	}
	if err != nil {
		return AppendResult{}, syncerr.Wrap(syncerr.Internal, err, "lock store %s", store)
	}
	if rowOwner != string(owner) {
		return AppendResult{}, syncerr.New(syncerr.Forbidden, "store %s belongs to another owner", store)
	}
	if ids.Seq(head) != expectedHead {
		return AppendResult{}, &syncerr.HeadMismatch{Current: ids.Seq(head), Expected: expectedHead}
	}
	if len(batch) == 0 {
		return AppendResult{Head: ids.Seq(head), Assigned: []Assignment{}}, nil
	}

	assigned := make([]Assignment, 0, len(batch))
	next := head
	for _, ev := range batch {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT global_sequence FROM sync.events
			  WHERE owner_id = $1 AND store_id = $2 AND event_id = $3`,
			string(owner), string(store), string(ev.EventID)).Scan(&existing)
		switch {
		case err == nil:
			assigned = append(assigned, Assignment{EventID: ev.EventID, GlobalSequence: ids.Seq(existing)})
		case errors.Is(err, sql.ErrNoRows):
			next++
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sync.events (owner_id, store_id, global_sequence, event_id, record_json)
				 VALUES ($1, $2, $3, $4, $5)`,
				string(owner), string(store), next, string(ev.EventID), ev.RecordJSON); err != nil {
				return AppendResult{}, classifyStorage(err, "insert event %s", ev.EventID)
			}
			assigned = append(assigned, Assignment{EventID: ev.EventID, GlobalSequence: ids.Seq(next)})
		default:
			return AppendResult{}, syncerr.Wrap(syncerr.Internal, err, "look up event %s", ev.EventID)
		}
	}

	if next != head {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync.stores SET head = $1 WHERE store_id = $2`,
			next, string(store)); err != nil {
			return AppendResult{}, classifyStorage(err, "advance head of store %s", store)
		}
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, classifyStorage(err, "commit append to store %s", store)
	}
	return AppendResult{Head: ids.Seq(next), Assigned: assigned}, nil
}

func (s *PGStore) LoadSince(ctx context.Context, owner ids.OwnerID, store ids.StoreID, since ids.Seq, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT global_sequence, event_id, record_json, created_at FROM sync.events
		  WHERE owner_id = $1 AND store_id = $2 AND global_sequence > $3
		  ORDER BY global_sequence ASC
		  LIMIT $4`,
		string(owner), string(store), int64(since), limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Internal, err, "load events of store %s since %d", store, since)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev := Event{OwnerID: owner, StoreID: store}
		var seq int64
		if err := rows.Scan(&seq, &ev.EventID, &ev.RecordJSON, &ev.CreatedAt); err != nil {
			return nil, syncerr.Wrap(syncerr.Internal, err, "scan event row")
		}
		ev.GlobalSequence = ids.Seq(seq)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.Internal, err, "iterate event rows")
	}
	return out, nil
}

func (s *PGStore) ResetStore(ctx context.Context, owner ids.OwnerID, store ids.StoreID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.Internal, err, "begin reset tx")
	}
	defer tx.Rollback()

	var rowOwner string
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id FROM sync.stores WHERE store_id = $1 FOR UPDATE`,
		string(store)).Scan(&rowOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return syncerr.Wrap(syncerr.Internal, err, "lock store %s", store)
	}
	if rowOwner != string(owner) {
		return syncerr.New(syncerr.Forbidden, "store %s belongs to another owner", store)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync.events WHERE owner_id = $1 AND store_id = $2`,
		string(owner), string(store)); err != nil {
		return classifyStorage(err, "delete events of store %s", store)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync.stores SET head = 0 WHERE store_id = $1`,
		string(store)); err != nil {
		return classifyStorage(err, "zero head of store %s", store)
	}
	if err := tx.Commit(); err != nil {
		return classifyStorage(err, "commit reset of store %s", store)
	}
	slog.Warn("store reset", "store_id", store, "owner_id", owner)
	return nil
}

func (s *PGStore) EnsureStoreOwner(ctx context.Context, store ids.StoreID, owner ids.OwnerID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.Internal, err, "begin ownership tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync.stores (store_id, owner_id, head) VALUES ($1, $2, 0)
		 ON CONFLICT (store_id) DO NOTHING`,
		string(store), string(owner)); err != nil {
		return classifyStorage(err, "provision store %s", store)
	}

	var rowOwner string
	if err := tx.QueryRowContext(ctx,
		`SELECT owner_id FROM sync.stores WHERE store_id = $1`,
		string(store)).Scan(&rowOwner); err != nil {
		return syncerr.Wrap(syncerr.Internal, err, "read owner of store %s", store)
	}
	if rowOwner != string(owner) {
		return syncerr.New(syncerr.Forbidden, "store %s belongs to another owner", store)
	}
	return tx.Commit()
}

// classifyStorage wraps a write failure as Internal. Transience stays
// detectable through the wrapped chain via syncerr.Transient.
func classifyStorage(err error, format string, args ...any) error {
	return syncerr.Wrap(syncerr.Internal, err, format, args...)
}

var _ Store = (*PGStore)(nil)
