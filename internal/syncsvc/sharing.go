package syncsvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mosync/backend/internal/access"
	"github.com/mosync/backend/internal/events"
	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/ledger"
	"github.com/mosync/backend/internal/syncerr"
)

// Rejection is a sharing-append refusal shaped for the wire: the reason,
// the refused stream's current head, and for stale scope references the
// ref the server expected.
type Rejection struct {
	Reason      syncerr.Reason
	Head        ids.Seq
	ExpectedRef []byte
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("append rejected: %s at head %d", r.Reason, r.Head)
}

// AppendScopeState appends one record to a scope's membership chain. The
// genesis append binds the scope to the session user; every later append
// is owner-only.
func (s *Service) AppendScopeState(ctx context.Context, actor identity.Session, scope ids.ScopeID, expectedHead ids.Seq, st ledger.ScopeState) (ids.Seq, []byte, error) {
	st.ScopeID = scope

	head, ok, err := s.ledger.ScopeHead(ctx, scope)
	if err != nil {
		s.metrics.RecordSharingAppend("scope_state", "error")
		return 0, nil, err
	}
	if ok {
		if head.OwnerUserID != actor.UserID {
			return 0, nil, syncerr.New(syncerr.Forbidden, "session user does not own this scope")
		}
	} else if st.OwnerUserID != actor.UserID {
		return 0, nil, syncerr.New(syncerr.Forbidden, "scope owner must match the session user")
	}

	seq, ref, err := s.ledger.AppendScopeState(ctx, expectedHead, st)
	if err != nil {
		s.metrics.RecordSharingAppend("scope_state", appendResult(err))
		return 0, nil, err
	}

	s.bus.Notify(events.Change{Topic: events.ScopeTopic(scope), Head: seq, At: time.Now()})
	slog.Info("scope state appended", "scope_id", scope, "seq", seq, "epoch", st.ScopeEpoch)
	s.metrics.RecordSharingAppend("scope_state", "ok")
	return seq, ref, nil
}

// AppendGrant appends one record to a scope's grant chain. Owner-only; the
// grant must reference the scope's current state head.
func (s *Service) AppendGrant(ctx context.Context, actor identity.Session, scope ids.ScopeID, expectedHead ids.Seq, g ledger.ResourceGrant) (ids.Seq, []byte, error) {
	g.ScopeID = scope

	scopeHead, ok, err := s.ledger.ScopeHead(ctx, scope)
	if err != nil {
		s.metrics.RecordSharingAppend("grant", "error")
		return 0, nil, err
	}
	if !ok {
		s.metrics.RecordSharingAppend("grant", "mismatch")
		return 0, nil, &Rejection{Reason: syncerr.ReasonMissingDeps}
	}
	if scopeHead.OwnerUserID != actor.UserID {
		return 0, nil, syncerr.New(syncerr.Forbidden, "session user does not own this scope")
	}
	if !bytes.Equal(g.ScopeStateRef, scopeHead.HeadRef) {
		grantSeq, _, _, herr := s.ledger.GrantHead(ctx, scope)
		if herr != nil {
			s.metrics.RecordSharingAppend("grant", "error")
			return 0, nil, herr
		}
		s.metrics.RecordSharingAppend("grant", "mismatch")
		return 0, nil, &Rejection{
			Reason:      syncerr.ReasonStaleScopeState,
			Head:        grantSeq,
			ExpectedRef: scopeHead.HeadRef,
		}
	}

	seq, hash, err := s.ledger.AppendGrant(ctx, expectedHead, g)
	if err != nil {
		s.metrics.RecordSharingAppend("grant", appendResult(err))
		return 0, nil, err
	}

	s.bus.Notify(events.Change{Topic: events.ScopeTopic(scope), Head: seq, At: time.Now()})
	slog.Info("grant appended",
		"scope_id", scope, "resource_id", g.ResourceID, "grant_id", g.GrantID,
		"seq", seq, "status", g.Status)
	s.metrics.RecordSharingAppend("grant", "ok")
	return seq, hash, nil
}

// AppendVaultRecord appends to the session user's key-vault chain. The
// stream key is always the authenticated user.
func (s *Service) AppendVaultRecord(ctx context.Context, actor identity.Session, expectedHead ids.Seq, r ledger.VaultRecord) (ids.Seq, []byte, error) {
	r.UserID = actor.UserID

	seq, hash, err := s.ledger.AppendVaultRecord(ctx, expectedHead, r)
	if err != nil {
		s.metrics.RecordSharingAppend("keyvault", appendResult(err))
		return 0, nil, err
	}

	s.bus.Notify(events.Change{Topic: events.VaultTopic(actor.UserID), Head: seq, At: time.Now()})
	s.metrics.RecordSharingAppend("keyvault", "ok")
	return seq, hash, nil
}

// Invite stores wrapped scope keys for recipients. Owner-only. Envelopes
// for an already-covered (recipient, epoch) are dropped silently, so
// re-sending an invite batch is harmless.
func (s *Service) Invite(ctx context.Context, actor identity.Session, scope ids.ScopeID, envs []ledger.KeyEnvelope) error {
	head, ok, err := s.ledger.ScopeHead(ctx, scope)
	if err != nil {
		return err
	}
	if !ok || head.OwnerUserID != actor.UserID {
		return syncerr.New(syncerr.Forbidden, "session user does not own this scope")
	}

	recipients := make(map[ids.UserID]bool)
	for i := range envs {
		if envs[i].RecipientUserID == "" {
			return syncerr.New(syncerr.Validation, "envelope %d has no recipient", i)
		}
		envs[i].ScopeID = scope
		if envs[i].EnvelopeID == "" {
			envs[i].EnvelopeID = ids.NewEnvelopeID()
		}
		recipients[envs[i].RecipientUserID] = true
	}

	if err := s.ledger.PutEnvelopes(ctx, envs); err != nil {
		return err
	}

	for user := range recipients {
		s.bus.Notify(events.Change{Topic: events.EnvelopeTopic(user), At: time.Now()})
	}
	slog.Info("invites stored", "scope_id", scope, "envelopes", len(envs), "recipients", len(recipients))
	return nil
}

// ScopeKey returns the session user's key envelopes for a scope. The read
// is self-scoped, so no membership check is needed.
func (s *Service) ScopeKey(ctx context.Context, actor identity.Session, scope ids.ScopeID, since uint64, limit int) ([]ledger.KeyEnvelope, error) {
	return s.ledger.EnvelopesForRecipient(ctx, scope, actor.UserID, since, s.clampLimit(limit))
}

// Membership returns a scope's state chain for members.
func (s *Service) Membership(ctx context.Context, actor identity.Session, scope ids.ScopeID, since ids.Seq, limit int) ([]ledger.ScopeState, error) {
	if err := s.requireMember(ctx, actor, scope); err != nil {
		return nil, err
	}
	return s.ledger.ScopeStatesSince(ctx, scope, since, s.clampLimit(limit))
}

// Grants returns a scope's grant chain for members.
func (s *Service) Grants(ctx context.Context, actor identity.Session, scope ids.ScopeID, since ids.Seq, limit int) ([]ledger.ResourceGrant, error) {
	if err := s.requireMember(ctx, actor, scope); err != nil {
		return nil, err
	}
	return s.ledger.GrantsSince(ctx, scope, since, s.clampLimit(limit))
}

// VaultUpdates returns the session user's vault chain past since.
func (s *Service) VaultUpdates(ctx context.Context, actor identity.Session, since ids.Seq, limit int) ([]ledger.VaultRecord, error) {
	return s.ledger.VaultRecordsSince(ctx, actor.UserID, since, s.clampLimit(limit))
}

// requireMember admits the scope owner and anyone on the head state's
// member list. Unknown scopes read as forbidden so reads are not an
// existence oracle.
func (s *Service) requireMember(ctx context.Context, actor identity.Session, scope ids.ScopeID) error {
	head, ok, err := s.ledger.ScopeHead(ctx, scope)
	if err != nil {
		return err
	}
	if !ok {
		return syncerr.New(syncerr.Forbidden, "not a member of this scope")
	}
	if head.OwnerUserID == actor.UserID {
		return nil
	}

	st, err := s.ledger.ScopeStateByRef(ctx, head.HeadRef)
	if err != nil {
		return err
	}
	if st == nil {
		return syncerr.New(syncerr.Internal, "scope %s head ref has no backing state", scope)
	}
	if !access.Member(st.Members, actor.UserID) {
		return syncerr.New(syncerr.Forbidden, "not a member of this scope")
	}
	return nil
}

func appendResult(err error) string {
	var hm *syncerr.HeadMismatch
	if errors.As(err, &hm) {
		return "mismatch"
	}
	var cv *syncerr.ChainViolation
	if errors.As(err, &cv) {
		return "violation"
	}
	return "error"
}
