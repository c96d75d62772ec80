package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

// MemStore is the in-memory event store used by tests and the local engine
// harness. It honors the same locking discipline as PGStore with one mutex
// per process, which is enough to keep per-store appends serial.
type MemStore struct {
	mu     sync.RWMutex
	stores map[ids.StoreID]*memStream
}

type memStream struct {
	owner   ids.OwnerID
	head    ids.Seq
	events  []Event
	byEvent map[ids.EventID]ids.Seq
}

func NewMemStore() *MemStore {
	return &MemStore{stores: make(map[ids.StoreID]*memStream)}
}

func (s *MemStore) Head(ctx context.Context, owner ids.OwnerID, store ids.StoreID) (ids.Seq, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[store]
	if !ok || st.owner != owner {
		return 0, nil
	}
	return st.head, nil
}

func (s *MemStore) Append(ctx context.Context, owner ids.OwnerID, store ids.StoreID, expectedHead ids.Seq, batch []Incoming) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stores[store]
	if !ok {
		return AppendResult{}, syncerr.New(syncerr.Forbidden, "store %s is not provisioned", store)
	}
	if st.owner != owner {
		return AppendResult{}, syncerr.New(syncerr.Forbidden, "store %s belongs to another owner", store)
	}
	if st.head != expectedHead {
		return AppendResult{}, &syncerr.HeadMismatch{Current: st.head, Expected: expectedHead}
	}
	if len(batch) == 0 {
		return AppendResult{Head: st.head, Assigned: []Assignment{}}, nil
	}

	assigned := make([]Assignment, 0, len(batch))
	for _, ev := range batch {
		if seq, ok := st.byEvent[ev.EventID]; ok {
			assigned = append(assigned, Assignment{EventID: ev.EventID, GlobalSequence: seq})
			continue
		}
		st.head++
		st.events = append(st.events, Event{
			OwnerID:        owner,
			StoreID:        store,
			GlobalSequence: st.head,
			EventID:        ev.EventID,
			RecordJSON:     ev.RecordJSON,
			CreatedAt:      time.Now().UTC(),
		})
		st.byEvent[ev.EventID] = st.head
		assigned = append(assigned, Assignment{EventID: ev.EventID, GlobalSequence: st.head})
	}
	return AppendResult{Head: st.head, Assigned: assigned}, nil
}

func (s *MemStore) LoadSince(ctx context.Context, owner ids.OwnerID, store ids.StoreID, since ids.Seq, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stores[store]
	if !ok || st.owner != owner {
		return nil, nil
	}
	var out []Event
	for _, ev := range st.events {
		if ev.GlobalSequence <= since {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) ResetStore(ctx context.Context, owner ids.OwnerID, store ids.StoreID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stores[store]
	if !ok {
		return nil
	}
	if st.owner != owner {
		return syncerr.New(syncerr.Forbidden, "store %s belongs to another owner", store)
	}
	st.head = 0
	st.events = nil
	st.byEvent = make(map[ids.EventID]ids.Seq)
	return nil
}

func (s *MemStore) EnsureStoreOwner(ctx context.Context, store ids.StoreID, owner ids.OwnerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stores[store]
	if !ok {
		s.stores[store] = &memStream{owner: owner, byEvent: make(map[ids.EventID]ids.Seq)}
		return nil
	}
	if st.owner != owner {
		return syncerr.New(syncerr.Forbidden, "store %s belongs to another owner", store)
	}
	return nil
}

var _ Store = (*MemStore)(nil)
