// Package eventstore implements the per-(owner,store) append-only sync log.
// Appends assign dense global sequence numbers under a store-row lock and
// are idempotent by event id.
package eventstore

import (
	"context"
	"time"

	"github.com/mosync/backend/internal/ids"
)

// Event is one committed row of a store's log.
type Event struct {
	OwnerID        ids.OwnerID
	StoreID        ids.StoreID
	GlobalSequence ids.Seq
	EventID        ids.EventID
	RecordJSON     string
	CreatedAt      time.Time
}

// Incoming is one event offered by a push. RecordJSON is opaque and is
// persisted byte for byte.
type Incoming struct {
	EventID    ids.EventID
	RecordJSON string
}

// Assignment maps an offered event id to its global sequence, whether the
// sequence was newly assigned or found on an earlier append.
type Assignment struct {
	EventID        ids.EventID
	GlobalSequence ids.Seq
}

// AppendResult reports the store head after an append and the per-event
// assignments in input order.
type AppendResult struct {
	Head     ids.Seq
	Assigned []Assignment
}

// Store is the capability surface the sync service depends on.
//
// Append runs in one transaction: it locks the store row, compares the head
// against expectedHead, then admits the batch atomically. Events whose id is
// already present keep their existing sequence and insert nothing. An empty
// batch returns the current head and commits nothing. A missing store row is
// an access failure; EnsureStoreOwner provisions rows first-writer-wins.
type Store interface {
	Head(ctx context.Context, owner ids.OwnerID, store ids.StoreID) (ids.Seq, error)
	Append(ctx context.Context, owner ids.OwnerID, store ids.StoreID, expectedHead ids.Seq, batch []Incoming) (AppendResult, error)
	LoadSince(ctx context.Context, owner ids.OwnerID, store ids.StoreID, since ids.Seq, limit int) ([]Event, error)
	ResetStore(ctx context.Context, owner ids.OwnerID, store ids.StoreID) error
	EnsureStoreOwner(ctx context.Context, store ids.StoreID, owner ids.OwnerID) error
}
