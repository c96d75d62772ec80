package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

// PGLedger is the Postgres-backed sharing ledger. Appends serialize per
// stream on the head row; a genesis race has no head row to lock, so the
// loser is caught by the (stream, seq) unique index and reported as a head
// mismatch after a re-read.
type PGLedger struct {
	db *sql.DB
}

func NewPGLedger(db *sql.DB) *PGLedger {
	return &PGLedger{db: db}
}

func (l *PGLedger) AppendScopeState(ctx context.Context, expectedHead ids.Seq, st ScopeState) (ids.Seq, []byte, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "begin scope state append")
	}
	defer tx.Rollback()

	var headSeq int64
	var headRef []byte
	err = tx.QueryRowContext(ctx,
		`SELECT head_seq, head_ref FROM sharing.scope_state_heads WHERE scope_id = $1 FOR UPDATE`,
		string(st.ScopeID)).Scan(&headSeq, &headRef)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "lock scope %s head", st.ScopeID)
	}
	if err := checkChain("scope_state", expectedHead, ids.Seq(headSeq), headRef, st.PrevHash); err != nil {
		return 0, nil, err
	}

	seq := expectedHead + 1
	members, err := json.Marshal(st.Members)
	if err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "encode members")
	}
	signers, err := json.Marshal(st.Signers)
	if err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "encode signers")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sharing.scope_states
		   (scope_id, seq, prev_hash, ref, owner_user_id, scope_epoch,
		    signed_record, members, signers, sig_suite, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(st.ScopeID), int64(seq), nullBytes(st.PrevHash), st.Ref,
		string(st.OwnerUserID), int64(st.ScopeEpoch),
		st.SignedRecord, members, signers, st.SigSuite, st.Signature)
	if err != nil {
		return 0, nil, l.lostRace(ctx, err, scopeHeadQuery, string(st.ScopeID), expectedHead)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sharing.scope_state_heads (scope_id, owner_user_id, head_seq, head_ref)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (scope_id) DO UPDATE
		   SET head_seq = EXCLUDED.head_seq, head_ref = EXCLUDED.head_ref, updated_at = now()`,
		string(st.ScopeID), string(st.OwnerUserID), int64(seq), st.Ref)
	if err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "move scope %s head", st.ScopeID)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "commit scope state %s/%d", st.ScopeID, seq)
	}
	return seq, st.Ref, nil
}

func (l *PGLedger) ScopeStatesSince(ctx context.Context, scope ids.ScopeID, since ids.Seq, limit int) ([]ScopeState, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT scope_id, seq, prev_hash, ref, owner_user_id, scope_epoch,
		        signed_record, members, signers, sig_suite, signature, created_at
		   FROM sharing.scope_states
		  WHERE scope_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		string(scope), int64(since), limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Internal, err, "load scope states of %s", scope)
	}
	defer rows.Close()

	var out []ScopeState
	for rows.Next() {
		st, err := scanScopeState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (l *PGLedger) ScopeHead(ctx context.Context, scope ids.ScopeID) (ScopeStateHead, bool, error) {
	var h ScopeStateHead
	var seq int64
	err := l.db.QueryRowContext(ctx,
		`SELECT scope_id, owner_user_id, head_seq, head_ref
		   FROM sharing.scope_state_heads WHERE scope_id = $1`,
		string(scope)).Scan(&h.ScopeID, &h.OwnerUserID, &seq, &h.HeadRef)
	if errors.Is(err, sql.ErrNoRows) {
		return ScopeStateHead{}, false, nil
	}
	if err != nil {
		return ScopeStateHead{}, false, syncerr.Wrap(syncerr.Internal, err, "read scope %s head", scope)
	}
	h.HeadSeq = ids.Seq(seq)
	return h, true, nil
}

func (l *PGLedger) ScopeStateByRef(ctx context.Context, ref []byte) (*ScopeState, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT scope_id, seq, prev_hash, ref, owner_user_id, scope_epoch,
		        signed_record, members, signers, sig_suite, signature, created_at
		   FROM sharing.scope_states WHERE ref = $1`,
		ref)
	st, err := scanScopeState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (l *PGLedger) AppendGrant(ctx context.Context, expectedHead ids.Seq, g ResourceGrant) (ids.Seq, []byte, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "begin grant append")
	}
	defer tx.Rollback()

	var headSeq int64
	var headHash []byte
	err = tx.QueryRowContext(ctx,
		`SELECT head_seq, head_hash FROM sharing.grant_heads WHERE scope_id = $1 FOR UPDATE`,
		string(g.ScopeID)).Scan(&headSeq, &headHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "lock grant chain of scope %s", g.ScopeID)
	}
	if err := checkChain("resource_grant", expectedHead, ids.Seq(headSeq), headHash, g.PrevHash); err != nil {
		return 0, nil, err
	}

	var taken bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sharing.resource_grants WHERE grant_id = $1)`,
		string(g.GrantID)).Scan(&taken); err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "check grant id %s", g.GrantID)
	}
	if taken {
		return 0, nil, syncerr.New(syncerr.Validation, "grant id %s already used", g.GrantID)
	}

	seq := expectedHead + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sharing.resource_grants
		   (grant_id, scope_id, resource_id, seq, prev_hash, grant_hash, scope_state_ref,
		    scope_epoch, resource_key_id, wrapped_key, policy, status, signed_grant,
		    sig_suite, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		string(g.GrantID), string(g.ScopeID), string(g.ResourceID), int64(seq),
		nullBytes(g.PrevHash), g.GrantHash, g.ScopeStateRef, int64(g.ScopeEpoch),
		string(g.ResourceKeyID), g.WrappedKey, nullBytes(g.Policy), string(g.Status),
		g.SignedGrant, g.SigSuite, g.Signature)
	if err != nil {
		return 0, nil, l.lostRace(ctx, err, grantHeadQuery, string(g.ScopeID), expectedHead)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sharing.grant_heads (scope_id, head_seq, head_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (scope_id) DO UPDATE
		   SET head_seq = EXCLUDED.head_seq, head_hash = EXCLUDED.head_hash, updated_at = now()`,
		string(g.ScopeID), int64(seq), g.GrantHash)
	if err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "move grant head of scope %s", g.ScopeID)
	}

	if g.Status == GrantActive {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sharing.active_grants (scope_id, resource_id, grant_id, head_seq, head_hash)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (scope_id, resource_id) DO UPDATE
			   SET grant_id = EXCLUDED.grant_id, head_seq = EXCLUDED.head_seq,
			       head_hash = EXCLUDED.head_hash, updated_at = now()`,
			string(g.ScopeID), string(g.ResourceID), string(g.GrantID), int64(seq), g.GrantHash)
		if err != nil {
			return 0, nil, syncerr.Wrap(syncerr.Internal, err,
				"point active grant of %s/%s", g.ScopeID, g.ResourceID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "commit grant %s", g.GrantID)
	}
	return seq, g.GrantHash, nil
}

func (l *PGLedger) GrantsSince(ctx context.Context, scope ids.ScopeID, since ids.Seq, limit int) ([]ResourceGrant, error) {
	rows, err := l.db.QueryContext(ctx,
		grantColumns+` FROM sharing.resource_grants g
		  WHERE g.scope_id = $1 AND g.seq > $2
		  ORDER BY g.seq ASC
		  LIMIT $3`,
		string(scope), int64(since), limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Internal, err, "load grants of scope %s", scope)
	}
	defer rows.Close()

	var out []ResourceGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (l *PGLedger) GrantHead(ctx context.Context, scope ids.ScopeID) (ids.Seq, []byte, bool, error) {
	var seq int64
	var hash []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT head_seq, head_hash FROM sharing.grant_heads WHERE scope_id = $1`,
		string(scope)).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, syncerr.Wrap(syncerr.Internal, err, "read grant head %s", scope)
	}
	return ids.Seq(seq), hash, true, nil
}

func (l *PGLedger) ActiveGrantFor(ctx context.Context, scope ids.ScopeID, resource ids.ResourceID) (*ResourceGrant, error) {
	row := l.db.QueryRowContext(ctx,
		grantColumns+` FROM sharing.resource_grants g
		  JOIN sharing.active_grants a ON a.grant_id = g.grant_id
		 WHERE a.scope_id = $1 AND a.resource_id = $2`,
		string(scope), string(resource))
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (l *PGLedger) PutEnvelopes(ctx context.Context, envs []KeyEnvelope) error {
	if len(envs) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.Internal, err, "begin envelope put")
	}
	defer tx.Rollback()

	for _, e := range envs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sharing.key_envelopes
			   (envelope_id, scope_id, recipient_user_id, scope_epoch,
			    recipient_uk_pub_fingerprint, ciphersuite, ciphertext, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT DO NOTHING`,
			string(e.EnvelopeID), string(e.ScopeID), string(e.RecipientUserID),
			int64(e.ScopeEpoch), nullBytes(e.RecipientUkPubFingerprint),
			e.Ciphersuite, e.Ciphertext, nullBytes(e.Metadata))
		if err != nil {
			return syncerr.Wrap(syncerr.Internal, err, "put envelope %s", e.EnvelopeID)
		}
	}
	return tx.Commit()
}

func (l *PGLedger) EnvelopesForRecipient(ctx context.Context, scope ids.ScopeID, user ids.UserID, since uint64, limit int) ([]KeyEnvelope, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT row_seq, envelope_id, scope_id, recipient_user_id, scope_epoch,
		        recipient_uk_pub_fingerprint, ciphersuite, ciphertext, metadata, created_at
		   FROM sharing.key_envelopes
		  WHERE scope_id = $1 AND recipient_user_id = $2 AND row_seq > $3
		  ORDER BY row_seq ASC
		  LIMIT $4`,
		string(scope), string(user), int64(since), limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Internal, err, "load envelopes for %s", user)
	}
	defer rows.Close()

	var out []KeyEnvelope
	for rows.Next() {
		var e KeyEnvelope
		var rowSeq, epoch int64
		if err := rows.Scan(&rowSeq, &e.EnvelopeID, &e.ScopeID, &e.RecipientUserID, &epoch,
			&e.RecipientUkPubFingerprint, &e.Ciphersuite, &e.Ciphertext, &e.Metadata,
			&e.CreatedAt); err != nil {
			return nil, syncerr.Wrap(syncerr.Internal, err, "scan envelope")
		}
		e.RowSeq = uint64(rowSeq)
		e.ScopeEpoch = ids.Epoch(epoch)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PGLedger) AppendVaultRecord(ctx context.Context, expectedHead ids.Seq, r VaultRecord) (ids.Seq, []byte, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "begin vault append")
	}
	defer tx.Rollback()

	var headSeq int64
	var headHash []byte
	err = tx.QueryRowContext(ctx,
		`SELECT head_seq, head_hash FROM sharing.key_vault_heads WHERE user_id = $1 FOR UPDATE`,
		string(r.UserID)).Scan(&headSeq, &headHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "lock vault of %s", r.UserID)
	}
	if err := checkChain("key_vault", expectedHead, ids.Seq(headSeq), headHash, r.PrevHash); err != nil {
		return 0, nil, err
	}

	seq := expectedHead + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sharing.key_vault_records
		   (user_id, record_seq, prev_hash, record_hash, ciphertext, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(r.UserID), int64(seq), nullBytes(r.PrevHash), r.RecordHash,
		r.Ciphertext, nullBytes(r.Metadata))
	if err != nil {
		return 0, nil, l.lostRace(ctx, err, vaultHeadQuery, string(r.UserID), expectedHead)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sharing.key_vault_heads (user_id, head_seq, head_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		   SET head_seq = EXCLUDED.head_seq, head_hash = EXCLUDED.head_hash, updated_at = now()`,
		string(r.UserID), int64(seq), r.RecordHash)
	if err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "move vault head of %s", r.UserID)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, syncerr.Wrap(syncerr.Internal, err, "commit vault record %s/%d", r.UserID, seq)
	}
	return seq, r.RecordHash, nil
}

func (l *PGLedger) VaultRecordsSince(ctx context.Context, user ids.UserID, since ids.Seq, limit int) ([]VaultRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT user_id, record_seq, prev_hash, record_hash, ciphertext, metadata, created_at
		   FROM sharing.key_vault_records
		  WHERE user_id = $1 AND record_seq > $2
		  ORDER BY record_seq ASC
		  LIMIT $3`,
		string(user), int64(since), limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Internal, err, "load vault records of %s", user)
	}
	defer rows.Close()

	var out []VaultRecord
	for rows.Next() {
		var r VaultRecord
		var seq int64
		if err := rows.Scan(&r.UserID, &seq, &r.PrevHash, &r.RecordHash,
			&r.Ciphertext, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, syncerr.Wrap(syncerr.Internal, err, "scan vault record")
		}
		r.RecordSeq = ids.Seq(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

const (
	scopeHeadQuery = `SELECT head_seq FROM sharing.scope_state_heads WHERE scope_id = $1`
	grantHeadQuery = `SELECT head_seq FROM sharing.grant_heads WHERE scope_id = $1`
	vaultHeadQuery = `SELECT head_seq FROM sharing.key_vault_heads WHERE user_id = $1`

	grantColumns = `SELECT g.grant_id, g.scope_id, g.resource_id, g.seq, g.prev_hash, g.grant_hash,
	       g.scope_state_ref, g.scope_epoch, g.resource_key_id, g.wrapped_key, g.policy,
	       g.status, g.signed_grant, g.sig_suite, g.signature, g.created_at`
)

// lostRace translates a unique-index failure on insert into a head mismatch.
// Genesis appends race without a head row to lock; the loser lands here. The
// failed tx is already doomed, so the head is re-read on the pool.
func (l *PGLedger) lostRace(ctx context.Context, err error, headQuery, streamKey string, expected ids.Seq) error {
	if !syncerr.UniqueViolation(err) {
		return syncerr.Wrap(syncerr.Internal, err, "append to stream %s", streamKey)
	}
	var current int64
	if readErr := l.db.QueryRowContext(ctx, headQuery, streamKey).Scan(&current); readErr != nil {
		return syncerr.Wrap(syncerr.Internal, err, "append raced on stream %s", streamKey)
	}
	return &syncerr.HeadMismatch{Current: ids.Seq(current), Expected: expected}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScopeState(row rowScanner) (ScopeState, error) {
	var st ScopeState
	var seq, epoch int64
	var members, signers []byte
	err := row.Scan(&st.ScopeID, &seq, &st.PrevHash, &st.Ref, &st.OwnerUserID, &epoch,
		&st.SignedRecord, &members, &signers, &st.SigSuite, &st.Signature, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScopeState{}, err
		}
		return ScopeState{}, syncerr.Wrap(syncerr.Internal, err, "scan scope state")
	}
	st.Seq = ids.Seq(seq)
	st.ScopeEpoch = ids.Epoch(epoch)
	if err := json.Unmarshal(members, &st.Members); err != nil {
		return ScopeState{}, syncerr.Wrap(syncerr.Internal, err, "decode members")
	}
	if err := json.Unmarshal(signers, &st.Signers); err != nil {
		return ScopeState{}, syncerr.Wrap(syncerr.Internal, err, "decode signers")
	}
	return st, nil
}

func scanGrant(row rowScanner) (ResourceGrant, error) {
	var g ResourceGrant
	var seq, epoch int64
	var status string
	err := row.Scan(&g.GrantID, &g.ScopeID, &g.ResourceID, &seq, &g.PrevHash, &g.GrantHash,
		&g.ScopeStateRef, &epoch, &g.ResourceKeyID, &g.WrappedKey, &g.Policy,
		&status, &g.SignedGrant, &g.SigSuite, &g.Signature, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ResourceGrant{}, err
		}
		return ResourceGrant{}, syncerr.Wrap(syncerr.Internal, err, "scan grant")
	}
	g.Seq = ids.Seq(seq)
	g.ScopeEpoch = ids.Epoch(epoch)
	g.Status = GrantStatus(status)
	return g, nil
}

// nullBytes maps empty slices to NULL so genesis prev hashes and absent
// payloads stay null in the database.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ Ledger = (*PGLedger)(nil)
