// Package ledger implements the sharing ledger: hash-chained scope-state,
// resource-grant and key-vault streams plus the key-envelope table. Streams
// are append-only with optimistic concurrency on the stream head; the server
// enforces chain shape but never recomputes or verifies hashes, those are
// client duties.
package ledger

import (
	"bytes"
	"context"
	"time"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

// GrantStatus is the lifecycle state a grant is appended with.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
)

// ScopeState is one record of a scope's membership chain.
type ScopeState struct {
	ScopeID      ids.ScopeID
	Seq          ids.Seq
	PrevHash     []byte
	Ref          []byte
	OwnerUserID  ids.UserID
	ScopeEpoch   ids.Epoch
	SignedRecord []byte
	Members      []string
	Signers      []string
	SigSuite     string
	Signature    []byte
	CreatedAt    time.Time
}

// ScopeStateHead is the upserted head row of a scope chain.
type ScopeStateHead struct {
	ScopeID     ids.ScopeID
	OwnerUserID ids.UserID
	HeadSeq     ids.Seq
	HeadRef     []byte
}

// ResourceGrant is one record of a scope's grant chain.
type ResourceGrant struct {
	GrantID       ids.GrantID
	ScopeID       ids.ScopeID
	ResourceID    ids.ResourceID
	Seq           ids.Seq
	PrevHash      []byte
	GrantHash     []byte
	ScopeStateRef []byte
	ScopeEpoch    ids.Epoch
	ResourceKeyID ids.ResourceKeyID
	WrappedKey    []byte
	Policy        []byte
	Status        GrantStatus
	SignedGrant   []byte
	SigSuite      string
	Signature     []byte
	CreatedAt     time.Time
}

// ActiveGrant points at the grant currently in force for a resource. It is
// written only when an appended grant carries status active.
type ActiveGrant struct {
	ScopeID    ids.ScopeID
	ResourceID ids.ResourceID
	GrantID    ids.GrantID
	HeadSeq    ids.Seq
	HeadHash   []byte
}

// KeyEnvelope is a wrapped scope key for one recipient at one epoch.
// RowSeq is the server-assigned pagination cursor.
type KeyEnvelope struct {
	EnvelopeID                ids.EnvelopeID
	ScopeID                   ids.ScopeID
	RecipientUserID           ids.UserID
	ScopeEpoch                ids.Epoch
	RecipientUkPubFingerprint []byte
	Ciphersuite               string
	Ciphertext                []byte
	Metadata                  []byte
	RowSeq                    uint64
	CreatedAt                 time.Time
}

// VaultRecord is one record of a user's key-vault chain.
type VaultRecord struct {
	UserID     ids.UserID
	RecordSeq  ids.Seq
	PrevHash   []byte
	RecordHash []byte
	Ciphertext []byte
	Metadata   []byte
	CreatedAt  time.Time
}

// Ledger is the storage surface for the sharing subsystem. Every append
// follows the same protocol: lock the stream head, compare against
// expectedHead, check the chain predicate, insert at expectedHead+1, move
// the head. Head mismatches and chain violations are non-retryable; the
// caller must re-fetch the stream and rebuild its record.
type Ledger interface {
	AppendScopeState(ctx context.Context, expectedHead ids.Seq, st ScopeState) (ids.Seq, []byte, error)
	ScopeStatesSince(ctx context.Context, scope ids.ScopeID, since ids.Seq, limit int) ([]ScopeState, error)
	ScopeHead(ctx context.Context, scope ids.ScopeID) (ScopeStateHead, bool, error)
	ScopeStateByRef(ctx context.Context, ref []byte) (*ScopeState, error)

	AppendGrant(ctx context.Context, expectedHead ids.Seq, g ResourceGrant) (ids.Seq, []byte, error)
	GrantsSince(ctx context.Context, scope ids.ScopeID, since ids.Seq, limit int) ([]ResourceGrant, error)
	GrantHead(ctx context.Context, scope ids.ScopeID) (ids.Seq, []byte, bool, error)
	ActiveGrantFor(ctx context.Context, scope ids.ScopeID, resource ids.ResourceID) (*ResourceGrant, error)

	PutEnvelopes(ctx context.Context, envs []KeyEnvelope) error
	EnvelopesForRecipient(ctx context.Context, scope ids.ScopeID, user ids.UserID, since uint64, limit int) ([]KeyEnvelope, error)

	AppendVaultRecord(ctx context.Context, expectedHead ids.Seq, r VaultRecord) (ids.Seq, []byte, error)
	VaultRecordsSince(ctx context.Context, user ids.UserID, since ids.Seq, limit int) ([]VaultRecord, error)
}

// checkChain applies the shared append predicate for one stream. currentSeq
// and currentRef describe the locked head; prevHash is the caller's claim.
func checkChain(stream string, expectedHead, currentSeq ids.Seq, currentRef, prevHash []byte) error {
	if currentSeq != expectedHead {
		return &syncerr.HeadMismatch{Current: currentSeq, Expected: expectedHead}
	}
	if expectedHead == 0 {
		if len(prevHash) != 0 {
			return &syncerr.ChainViolation{Stream: stream, Seq: 1,
				Msg: "genesis record must carry a null prev hash"}
		}
		return nil
	}
	if len(prevHash) == 0 {
		return &syncerr.ChainViolation{Stream: stream, Seq: expectedHead + 1,
			Msg: "prev hash required past genesis"}
	}
	if !bytes.Equal(prevHash, currentRef) {
		return &syncerr.ChainViolation{Stream: stream, Seq: expectedHead + 1,
			Msg: "prev hash does not match the head ref"}
	}
	return nil
}
