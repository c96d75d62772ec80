// Package wire holds the codecs shared by both ends of the sync protocol:
// the event record JSON shape, 32-byte chain refs, and the decimal-string
// form of 64-bit sequence numbers.
package wire

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/mosync/backend/internal/syncerr"
)

// Record is the decoded form of an event's recordJson. The server never
// parses it; only the client engine and test tooling do. Field order is the
// canonical serialization order, so encoding a Record always yields the same
// bytes for the same values.
type Record struct {
	ID                string `json:"id"`
	AggregateType     string `json:"aggregateType"`
	AggregateID       string `json:"aggregateId"`
	Version           uint64 `json:"version"`
	EventType         string `json:"eventType"`
	PayloadCiphertext string `json:"payloadCiphertext"`
	OccurredAt        string `json:"occurredAt"`
	ActorID           string `json:"actorId,omitempty"`
	CausationID       string `json:"causationId,omitempty"`
	CorrelationID     string `json:"correlationId,omitempty"`
	ScopeID           string `json:"scopeId,omitempty"`
	ResourceID        string `json:"resourceId,omitempty"`
	ResourceKeyID     string `json:"resourceKeyId,omitempty"`
	GrantID           string `json:"grantId,omitempty"`
	ScopeStateRef     string `json:"scopeStateRef,omitempty"`
	AuthorDeviceID    string `json:"authorDeviceId,omitempty"`
	SigSuite          string `json:"sigSuite,omitempty"`
	Signature         string `json:"signature,omitempty"`
}

// Encode serializes the record to its canonical JSON string.
func (r Record) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	return string(b), nil
}

// DecodeRecord parses recordJson and checks the embedded id against the
// envelope's event id. A mismatch means the stream is corrupt and is fatal.
func DecodeRecord(eventID, recordJSON string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(recordJSON), &r); err != nil {
		return Record{}, syncerr.Wrap(syncerr.Protocol, err, "parse record for event %s", eventID)
	}
	if r.ID != eventID {
		return Record{}, syncerr.New(syncerr.Protocol,
			"record id %q does not match event id %q", r.ID, eventID)
	}
	if r.AggregateType == "" || r.AggregateID == "" {
		return Record{}, syncerr.New(syncerr.Protocol,
			"record %s is missing aggregate identity", eventID)
	}
	return r, nil
}

// HasSharingDeps reports whether the record references sharing-ledger state
// that the server must validate before admitting the event.
func (r Record) HasSharingDeps() bool {
	return r.ScopeID != "" && r.ResourceID != "" && r.GrantID != "" && r.ScopeStateRef != ""
}

// ComputeRef derives a content ref for a signed record body. Chains store
// the sha256 of the canonical signed bytes.
func ComputeRef(signed []byte) []byte {
	h := sha256.Sum256(signed)
	return h[:]
}
