// Package ids defines the typed identifiers shared by the sync server,
// the sharing ledger, and the client engine.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// OwnerID identifies the account that owns a sync store. It is the
// identity id resolved from the session and is opaque to the sync core.
type OwnerID string

// StoreID addresses one per-owner partition of the sync log. Stores are
// client-minted UUIDv7 values so creation order is roughly sortable.
type StoreID string

// EventID is the client-minted id of a single sync event. Together with
// the owner and store it forms the idempotency key for appends.
type EventID string

// UserID identifies a user in the sharing ledger.
type UserID string

// DeviceID identifies the device that authored a signed record.
type DeviceID string

// ScopeID identifies a membership scope and its hash-chained state stream.
type ScopeID string

// ResourceID identifies an encrypted application object granted to a scope.
type ResourceID string

// ResourceKeyID identifies one version of a resource key.
type ResourceKeyID string

// GrantID is the globally unique id of a resource grant record.
type GrantID string

// EnvelopeID identifies a wrapped scope key destined for one recipient.
type EnvelopeID string

// Seq is a per-stream sequence number. Sync global sequences and sharing
// stream sequences are both dense 64-bit counters starting at 1.
type Seq = uint64

// Epoch is a scope key epoch, bumped on membership change.
type Epoch = uint64

// NewStoreID mints a fresh UUIDv7 store id.
func NewStoreID() StoreID {
	return StoreID(uuid.Must(uuid.NewV7()).String())
}

// NewEventID mints a fresh UUIDv7 event id.
func NewEventID() EventID {
	return EventID(uuid.Must(uuid.NewV7()).String())
}

// NewEnvelopeID mints a fresh UUIDv7 envelope id.
func NewEnvelopeID() EnvelopeID {
	return EnvelopeID(uuid.Must(uuid.NewV7()).String())
}

// ValidateStoreID checks that a store id is a well-formed UUIDv7.
func ValidateStoreID(id StoreID) error {
	if id == "" {
		return fmt.Errorf("store id is empty")
	}
	u, err := uuid.Parse(string(id))
	if err != nil {
		return fmt.Errorf("store id %q is not a uuid: %w", id, err)
	}
	if u.Version() != 7 {
		return fmt.Errorf("store id %q is uuid v%d, want v7", id, u.Version())
	}
	return nil
}

// NonEmpty reports a validation error when any of the named values is blank.
// Callers pass alternating name, value pairs.
func NonEmpty(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%s is empty", pairs[i])
		}
	}
	return nil
}
