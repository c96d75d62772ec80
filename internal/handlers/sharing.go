package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/ledger"
	"github.com/mosync/backend/internal/syncerr"
	"github.com/mosync/backend/internal/wire"
)

// appendAck is the 201 body on a successful sharing stream append.
type appendAck struct {
	OK  bool           `json:"ok"`
	Seq wire.U64String `json:"seq"`
	Ref string         `json:"ref"`
}

func scopeFromPath(w http.ResponseWriter, r *http.Request) (ids.ScopeID, bool) {
	scope := mux.Vars(r)["scopeId"]
	if scope == "" {
		writeErr(w, syncerr.New(syncerr.Validation, "scope id is empty"))
		return "", false
	}
	return ids.ScopeID(scope), true
}

// optRef parses an optional hash field; empty means absent.
func optRef(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return wire.ParseRef(field, s)
}

// optB64 parses an optional bytes field; empty means absent.
func optB64(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return wire.ParseB64(field, s)
}

// refOrNull renders a nullable hash: genesis records carry null prevHash.
func refOrNull(ref []byte) *string {
	if len(ref) == 0 {
		return nil
	}
	s := wire.RefHex(ref)
	return &s
}

// --- Scope state ---

type appendScopeStateRequest struct {
	ExpectedHead wire.U64String `json:"expectedHead"`
	PrevHash     string         `json:"prevHash,omitempty"`
	Ref          string         `json:"ref"`
	OwnerUserID  string         `json:"ownerUserId"`
	ScopeEpoch   wire.U64String `json:"scopeEpoch"`
	SignedRecord string         `json:"signedRecord"`
	Members      []string       `json:"members"`
	Signers      []string       `json:"signers,omitempty"`
	SigSuite     string         `json:"sigSuite"`
	Signature    string         `json:"signature"`
}

type scopeStateDTO struct {
	ScopeID      string         `json:"scopeId"`
	Seq          wire.U64String `json:"seq"`
	PrevHash     *string        `json:"prevHash"`
	Ref          string         `json:"ref"`
	OwnerUserID  string         `json:"ownerUserId"`
	ScopeEpoch   wire.U64String `json:"scopeEpoch"`
	SignedRecord string         `json:"signedRecord"`
	Members      []string       `json:"members"`
	Signers      []string       `json:"signers,omitempty"`
	SigSuite     string         `json:"sigSuite"`
	Signature    string         `json:"signature"`
	CreatedAt    time.Time      `json:"createdAt"`
}

func scopeStateDTOs(states []ledger.ScopeState) []scopeStateDTO {
	out := make([]scopeStateDTO, len(states))
	for i, st := range states {
		out[i] = scopeStateDTO{
			ScopeID:      string(st.ScopeID),
			Seq:          wire.U64String(st.Seq),
			PrevHash:     refOrNull(st.PrevHash),
			Ref:          wire.RefHex(st.Ref),
			OwnerUserID:  string(st.OwnerUserID),
			ScopeEpoch:   wire.U64String(st.ScopeEpoch),
			SignedRecord: wire.B64(st.SignedRecord),
			Members:      st.Members,
			Signers:      st.Signers,
			SigSuite:     st.SigSuite,
			Signature:    wire.B64(st.Signature),
			CreatedAt:    st.CreatedAt,
		}
	}
	return out
}

func (h *Handler) appendScopeState(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}
	scope, ok := scopeFromPath(w, r)
	if !ok {
		return
	}

	var req appendScopeStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ids.NonEmpty(
		"ref", req.Ref,
		"ownerUserId", req.OwnerUserID,
		"signedRecord", req.SignedRecord,
		"sigSuite", req.SigSuite,
		"signature", req.Signature,
	); err != nil {
		writeErr(w, syncerr.Wrap(syncerr.Validation, err, "invalid scope state"))
		return
	}

	st := ledger.ScopeState{
		OwnerUserID: ids.UserID(req.OwnerUserID),
		ScopeEpoch:  uint64(req.ScopeEpoch),
		Members:     req.Members,
		Signers:     req.Signers,
		SigSuite:    req.SigSuite,
	}
	var err error
	if st.PrevHash, err = optRef("prevHash", req.PrevHash); err != nil {
		writeErr(w, err)
		return
	}
	if st.Ref, err = wire.ParseRef("ref", req.Ref); err != nil {
		writeErr(w, err)
		return
	}
	if st.SignedRecord, err = wire.ParseB64("signedRecord", req.SignedRecord); err != nil {
		writeErr(w, err)
		return
	}
	if st.Signature, err = wire.ParseB64("signature", req.Signature); err != nil {
		writeErr(w, err)
		return
	}

	seq, ref, err := h.svc.AppendScopeState(r.Context(), actor, scope, uint64(req.ExpectedHead), st)
	if err != nil {
		writeSharingErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendAck{OK: true, Seq: wire.U64String(seq), Ref: wire.RefHex(ref)})
}

func (h *Handler) membership(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}
	scope, ok := scopeFromPath(w, r)
	if !ok {
		return
	}
	since, err := queryUint(r, "since")
	if err != nil {
		writeErr(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, err)
		return
	}

	states, err := h.svc.Membership(r.Context(), actor, scope, since, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"states": scopeStateDTOs(states)})
}

// --- Grants ---

type appendGrantRequest struct {
	ExpectedHead  wire.U64String `json:"expectedHead"`
	GrantID       string         `json:"grantId"`
	ResourceID    string         `json:"resourceId"`
	PrevHash      string         `json:"prevHash,omitempty"`
	GrantHash     string         `json:"grantHash"`
	ScopeStateRef string         `json:"scopeStateRef"`
	ScopeEpoch    wire.U64String `json:"scopeEpoch"`
	ResourceKeyID string         `json:"resourceKeyId"`
	WrappedKey    string         `json:"wrappedKey"`
	Policy        string         `json:"policy,omitempty"`
	Status        string         `json:"status"`
	SignedGrant   string         `json:"signedGrant"`
	SigSuite      string         `json:"sigSuite"`
	Signature     string         `json:"signature"`
}

type grantDTO struct {
	GrantID       string         `json:"grantId"`
	ScopeID       string         `json:"scopeId"`
	ResourceID    string         `json:"resourceId"`
	Seq           wire.U64String `json:"seq"`
	PrevHash      *string        `json:"prevHash"`
	GrantHash     string         `json:"grantHash"`
	ScopeStateRef string         `json:"scopeStateRef"`
	ScopeEpoch    wire.U64String `json:"scopeEpoch"`
	ResourceKeyID string         `json:"resourceKeyId"`
	WrappedKey    string         `json:"wrappedKey"`
	Policy        string         `json:"policy,omitempty"`
	Status        string         `json:"status"`
	SignedGrant   string         `json:"signedGrant"`
	SigSuite      string         `json:"sigSuite"`
	Signature     string         `json:"signature"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func grantDTOs(grants []ledger.ResourceGrant) []grantDTO {
	out := make([]grantDTO, len(grants))
	for i, g := range grants {
		out[i] = grantDTO{
			GrantID:       string(g.GrantID),
			ScopeID:       string(g.ScopeID),
			ResourceID:    string(g.ResourceID),
			Seq:           wire.U64String(g.Seq),
			PrevHash:      refOrNull(g.PrevHash),
			GrantHash:     wire.RefHex(g.GrantHash),
			ScopeStateRef: wire.RefHex(g.ScopeStateRef),
			ScopeEpoch:    wire.U64String(g.ScopeEpoch),
			ResourceKeyID: string(g.ResourceKeyID),
			WrappedKey:    wire.B64(g.WrappedKey),
			Policy:        wire.B64(g.Policy),
			Status:        string(g.Status),
			SignedGrant:   wire.B64(g.SignedGrant),
			SigSuite:      g.SigSuite,
			Signature:     wire.B64(g.Signature),
			CreatedAt:     g.CreatedAt,
		}
	}
	return out
}

func (h *Handler) appendGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}
	scope, ok := scopeFromPath(w, r)
	if !ok {
		return
	}

	var req appendGrantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ids.NonEmpty(
		"grantId", req.GrantID,
		"resourceId", req.ResourceID,
		"grantHash", req.GrantHash,
		"scopeStateRef", req.ScopeStateRef,
		"resourceKeyId", req.ResourceKeyID,
		"wrappedKey", req.WrappedKey,
		"signedGrant", req.SignedGrant,
		"sigSuite", req.SigSuite,
		"signature", req.Signature,
	); err != nil {
		writeErr(w, syncerr.Wrap(syncerr.Validation, err, "invalid grant"))
		return
	}
	status := ledger.GrantStatus(req.Status)
	if status != ledger.GrantActive && status != ledger.GrantRevoked {
		writeErr(w, syncerr.New(syncerr.Validation, "status must be active or revoked, got %q", req.Status))
		return
	}

	g := ledger.ResourceGrant{
		GrantID:       ids.GrantID(req.GrantID),
		ResourceID:    ids.ResourceID(req.ResourceID),
		ScopeEpoch:    uint64(req.ScopeEpoch),
		ResourceKeyID: ids.ResourceKeyID(req.ResourceKeyID),
		Status:        status,
		SigSuite:      req.SigSuite,
	}
	var err error
	if g.PrevHash, err = optRef("prevHash", req.PrevHash); err != nil {
		writeErr(w, err)
		return
	}
	if g.GrantHash, err = wire.ParseRef("grantHash", req.GrantHash); err != nil {
		writeErr(w, err)
		return
	}
	if g.ScopeStateRef, err = wire.ParseRef("scopeStateRef", req.ScopeStateRef); err != nil {
		writeErr(w, err)
		return
	}
	if g.WrappedKey, err = wire.ParseB64("wrappedKey", req.WrappedKey); err != nil {
		writeErr(w, err)
		return
	}
	if g.Policy, err = optB64("policy", req.Policy); err != nil {
		writeErr(w, err)
		return
	}
	if g.SignedGrant, err = wire.ParseB64("signedGrant", req.SignedGrant); err != nil {
		writeErr(w, err)
		return
	}
	if g.Signature, err = wire.ParseB64("signature", req.Signature); err != nil {
		writeErr(w, err)
		return
	}

	seq, hash, err := h.svc.AppendGrant(r.Context(), actor, scope, uint64(req.ExpectedHead), g)
	if err != nil {
		writeSharingErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendAck{OK: true, Seq: wire.U64String(seq), Ref: wire.RefHex(hash)})
}

func (h *Handler) grants(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}
	scope, ok := scopeFromPath(w, r)
	if !ok {
		return
	}
	since, err := queryUint(r, "since")
	if err != nil {
		writeErr(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, err)
		return
	}

	grants, err := h.svc.Grants(r.Context(), actor, scope, since, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grantDTOs(grants)})
}

// --- Key envelopes ---

type envelopeIn struct {
	EnvelopeID                string         `json:"envelopeId,omitempty"`
	RecipientUserID           string         `json:"recipientUserId"`
	ScopeEpoch                wire.U64String `json:"scopeEpoch"`
	RecipientUkPubFingerprint string         `json:"recipientUkPubFingerprint,omitempty"`
	Ciphersuite               string         `json:"ciphersuite"`
	Ciphertext                string         `json:"ciphertext"`
	Metadata                  string         `json:"metadata,omitempty"`
}

type invitesRequest struct {
	Envelopes []envelopeIn `json:"envelopes"`
}

type envelopeDTO struct {
	EnvelopeID                string         `json:"envelopeId"`
	ScopeID                   string         `json:"scopeId"`
	RecipientUserID           string         `json:"recipientUserId"`
	ScopeEpoch                wire.U64String `json:"scopeEpoch"`
	RecipientUkPubFingerprint string         `json:"recipientUkPubFingerprint,omitempty"`
	Ciphersuite               string         `json:"ciphersuite"`
	Ciphertext                string         `json:"ciphertext"`
	Metadata                  string         `json:"metadata,omitempty"`
	RowSeq                    wire.U64String `json:"rowSeq"`
	CreatedAt                 time.Time      `json:"createdAt"`
}

func (h *Handler) invites(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}
	scope, ok := scopeFromPath(w, r)
	if !ok {
		return
	}

	var req invitesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Envelopes) == 0 {
		writeErr(w, syncerr.New(syncerr.Validation, "invite carries no envelopes"))
		return
	}

	envs := make([]ledger.KeyEnvelope, len(req.Envelopes))
	for i, in := range req.Envelopes {
		env := ledger.KeyEnvelope{
			EnvelopeID:      ids.EnvelopeID(in.EnvelopeID),
			RecipientUserID: ids.UserID(in.RecipientUserID),
			ScopeEpoch:      uint64(in.ScopeEpoch),
			Ciphersuite:     in.Ciphersuite,
		}
		var err error
		if env.RecipientUkPubFingerprint, err = optRef("recipientUkPubFingerprint", in.RecipientUkPubFingerprint); err != nil {
			writeErr(w, err)
			return
		}
		if env.Ciphertext, err = wire.ParseB64("ciphertext", in.Ciphertext); err != nil {
			writeErr(w, err)
			return
		}
		if env.Metadata, err = optB64("metadata", in.Metadata); err != nil {
			writeErr(w, err)
			return
		}
		envs[i] = env
	}

	if err := h.svc.Invite(r.Context(), actor, scope, envs); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "stored": len(envs)})
}

func (h *Handler) scopeKey(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}
	scope, ok := scopeFromPath(w, r)
	if !ok {
		return
	}
	since, err := queryUint(r, "since")
	if err != nil {
		writeErr(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, err)
		return
	}

	envs, err := h.svc.ScopeKey(r.Context(), actor, scope, since, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]envelopeDTO, len(envs))
	for i, env := range envs {
		out[i] = envelopeDTO{
			EnvelopeID:      string(env.EnvelopeID),
			ScopeID:         string(env.ScopeID),
			RecipientUserID: string(env.RecipientUserID),
			ScopeEpoch:      wire.U64String(env.ScopeEpoch),
			Ciphersuite:     env.Ciphersuite,
			Ciphertext:      wire.B64(env.Ciphertext),
			RowSeq:          wire.U64String(env.RowSeq),
			CreatedAt:       env.CreatedAt,
		}
		if len(env.RecipientUkPubFingerprint) > 0 {
			out[i].RecipientUkPubFingerprint = wire.RefHex(env.RecipientUkPubFingerprint)
		}
		if len(env.Metadata) > 0 {
			out[i].Metadata = wire.B64(env.Metadata)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"envelopes": out})
}

// --- Key vault ---

type appendVaultRequest struct {
	ExpectedHead wire.U64String `json:"expectedHead"`
	PrevHash     string         `json:"prevHash,omitempty"`
	RecordHash   string         `json:"recordHash"`
	Ciphertext   string         `json:"ciphertext"`
	Metadata     string         `json:"metadata,omitempty"`
}

type vaultRecordDTO struct {
	UserID     string         `json:"userId"`
	RecordSeq  wire.U64String `json:"recordSeq"`
	PrevHash   *string        `json:"prevHash"`
	RecordHash string         `json:"recordHash"`
	Ciphertext string         `json:"ciphertext"`
	Metadata   string         `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (h *Handler) appendVaultRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}

	var req appendVaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ids.NonEmpty("recordHash", req.RecordHash, "ciphertext", req.Ciphertext); err != nil {
		writeErr(w, syncerr.Wrap(syncerr.Validation, err, "invalid vault record"))
		return
	}

	rec := ledger.VaultRecord{}
	var err error
	if rec.PrevHash, err = optRef("prevHash", req.PrevHash); err != nil {
		writeErr(w, err)
		return
	}
	if rec.RecordHash, err = wire.ParseRef("recordHash", req.RecordHash); err != nil {
		writeErr(w, err)
		return
	}
	if rec.Ciphertext, err = wire.ParseB64("ciphertext", req.Ciphertext); err != nil {
		writeErr(w, err)
		return
	}
	if rec.Metadata, err = optB64("metadata", req.Metadata); err != nil {
		writeErr(w, err)
		return
	}

	seq, hash, err := h.svc.AppendVaultRecord(r.Context(), actor, uint64(req.ExpectedHead), rec)
	if err != nil {
		writeSharingErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendAck{OK: true, Seq: wire.U64String(seq), Ref: wire.RefHex(hash)})
}

func (h *Handler) vaultUpdates(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}
	since, err := queryUint(r, "since")
	if err != nil {
		writeErr(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, err)
		return
	}

	records, err := h.svc.VaultUpdates(r.Context(), actor, since, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]vaultRecordDTO, len(records))
	for i, rec := range records {
		out[i] = vaultRecordDTO{
			UserID:     string(rec.UserID),
			RecordSeq:  wire.U64String(rec.RecordSeq),
			PrevHash:   refOrNull(rec.PrevHash),
			RecordHash: wire.RefHex(rec.RecordHash),
			Ciphertext: wire.B64(rec.Ciphertext),
			CreatedAt:  rec.CreatedAt,
		}
		if len(rec.Metadata) > 0 {
			out[i].Metadata = wire.B64(rec.Metadata)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": out})
}
