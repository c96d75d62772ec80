package ledger

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

// MemLedger is the in-memory sharing ledger used by tests and the engine
// harness.
type MemLedger struct {
	mu          sync.RWMutex
	scopes      map[ids.ScopeID][]ScopeState
	scopeOwners map[ids.ScopeID]ids.UserID
	grants      map[ids.ScopeID][]ResourceGrant
	grantIDs    map[ids.GrantID]bool
	active      map[activeKey]ActiveGrant
	envelopes   []KeyEnvelope
	envKeys     map[envKey]bool
	vaults      map[ids.UserID][]VaultRecord
}

type activeKey struct {
	scope    ids.ScopeID
	resource ids.ResourceID
}

type envKey struct {
	scope ids.ScopeID
	user  ids.UserID
	epoch ids.Epoch
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		scopes:      make(map[ids.ScopeID][]ScopeState),
		scopeOwners: make(map[ids.ScopeID]ids.UserID),
		grants:      make(map[ids.ScopeID][]ResourceGrant),
		grantIDs:    make(map[ids.GrantID]bool),
		active:      make(map[activeKey]ActiveGrant),
		envKeys:     make(map[envKey]bool),
		vaults:      make(map[ids.UserID][]VaultRecord),
	}
}

func (l *MemLedger) AppendScopeState(ctx context.Context, expectedHead ids.Seq, st ScopeState) (ids.Seq, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.scopes[st.ScopeID]
	var currentSeq ids.Seq
	var currentRef []byte
	if n := len(chain); n > 0 {
		currentSeq, currentRef = chain[n-1].Seq, chain[n-1].Ref
	}
	if err := checkChain("scope_state", expectedHead, currentSeq, currentRef, st.PrevHash); err != nil {
		return 0, nil, err
	}

	st.Seq = expectedHead + 1
	st.CreatedAt = time.Now().UTC()
	l.scopes[st.ScopeID] = append(chain, st)
	if st.Seq == 1 {
		l.scopeOwners[st.ScopeID] = st.OwnerUserID
	}
	return st.Seq, st.Ref, nil
}

func (l *MemLedger) ScopeStatesSince(ctx context.Context, scope ids.ScopeID, since ids.Seq, limit int) ([]ScopeState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ScopeState
	for _, st := range l.scopes[scope] {
		if st.Seq <= since {
			continue
		}
		out = append(out, st)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemLedger) ScopeHead(ctx context.Context, scope ids.ScopeID) (ScopeStateHead, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.scopes[scope]
	if len(chain) == 0 {
		return ScopeStateHead{}, false, nil
	}
	last := chain[len(chain)-1]
	return ScopeStateHead{
		ScopeID:     scope,
		OwnerUserID: l.scopeOwners[scope],
		HeadSeq:     last.Seq,
		HeadRef:     last.Ref,
	}, true, nil
}

func (l *MemLedger) ScopeStateByRef(ctx context.Context, ref []byte) (*ScopeState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, chain := range l.scopes {
		for i := range chain {
			if bytes.Equal(chain[i].Ref, ref) {
				st := chain[i]
				return &st, nil
			}
		}
	}
	return nil, nil
}

func (l *MemLedger) AppendGrant(ctx context.Context, expectedHead ids.Seq, g ResourceGrant) (ids.Seq, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.grantIDs[g.GrantID] {
		return 0, nil, syncerr.New(syncerr.Validation, "grant id %s already used", g.GrantID)
	}
	chain := l.grants[g.ScopeID]
	var currentSeq ids.Seq
	var currentHash []byte
	if n := len(chain); n > 0 {
		currentSeq, currentHash = chain[n-1].Seq, chain[n-1].GrantHash
	}
	if err := checkChain("resource_grant", expectedHead, currentSeq, currentHash, g.PrevHash); err != nil {
		return 0, nil, err
	}

	g.Seq = expectedHead + 1
	g.CreatedAt = time.Now().UTC()
	l.grants[g.ScopeID] = append(chain, g)
	l.grantIDs[g.GrantID] = true
	if g.Status == GrantActive {
		l.active[activeKey{g.ScopeID, g.ResourceID}] = ActiveGrant{
			ScopeID:    g.ScopeID,
			ResourceID: g.ResourceID,
			GrantID:    g.GrantID,
			HeadSeq:    g.Seq,
			HeadHash:   g.GrantHash,
		}
	}
	return g.Seq, g.GrantHash, nil
}

func (l *MemLedger) GrantsSince(ctx context.Context, scope ids.ScopeID, since ids.Seq, limit int) ([]ResourceGrant, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ResourceGrant
	for _, g := range l.grants[scope] {
		if g.Seq <= since {
			continue
		}
		out = append(out, g)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemLedger) GrantHead(ctx context.Context, scope ids.ScopeID) (ids.Seq, []byte, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.grants[scope]
	if len(chain) == 0 {
		return 0, nil, false, nil
	}
	last := chain[len(chain)-1]
	return last.Seq, last.GrantHash, true, nil
}

func (l *MemLedger) ActiveGrantFor(ctx context.Context, scope ids.ScopeID, resource ids.ResourceID) (*ResourceGrant, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	head, ok := l.active[activeKey{scope, resource}]
	if !ok {
		return nil, nil
	}
	for _, g := range l.grants[scope] {
		if g.GrantID == head.GrantID {
			out := g
			return &out, nil
		}
	}
	return nil, nil
}

func (l *MemLedger) PutEnvelopes(ctx context.Context, envs []KeyEnvelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range envs {
		key := envKey{e.ScopeID, e.RecipientUserID, e.ScopeEpoch}
		if l.envKeys[key] {
			continue
		}
		e.RowSeq = uint64(len(l.envelopes) + 1)
		e.CreatedAt = time.Now().UTC()
		l.envelopes = append(l.envelopes, e)
		l.envKeys[key] = true
	}
	return nil
}

func (l *MemLedger) EnvelopesForRecipient(ctx context.Context, scope ids.ScopeID, user ids.UserID, since uint64, limit int) ([]KeyEnvelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []KeyEnvelope
	for _, e := range l.envelopes {
		if e.ScopeID != scope || e.RecipientUserID != user || e.RowSeq <= since {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemLedger) AppendVaultRecord(ctx context.Context, expectedHead ids.Seq, r VaultRecord) (ids.Seq, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.vaults[r.UserID]
	var currentSeq ids.Seq
	var currentHash []byte
	if n := len(chain); n > 0 {
		currentSeq, currentHash = chain[n-1].RecordSeq, chain[n-1].RecordHash
	}
	if err := checkChain("key_vault", expectedHead, currentSeq, currentHash, r.PrevHash); err != nil {
		return 0, nil, err
	}

	r.RecordSeq = expectedHead + 1
	r.CreatedAt = time.Now().UTC()
	l.vaults[r.UserID] = append(chain, r)
	return r.RecordSeq, r.RecordHash, nil
}

func (l *MemLedger) VaultRecordsSince(ctx context.Context, user ids.UserID, since ids.Seq, limit int) ([]VaultRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []VaultRecord
	for _, r := range l.vaults[user] {
		if r.RecordSeq <= since {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ Ledger = (*MemLedger)(nil)
