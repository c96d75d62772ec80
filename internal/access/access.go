// Package access holds the authorization predicates consulted before store
// and scope operations. Policies decide who may act; the storage layers
// still enforce ownership rows independently.
package access

import (
	"context"

	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

// Policy gates the sync operations for one request.
type Policy interface {
	CanPush(ctx context.Context, actor identity.Session, owner ids.OwnerID, store ids.StoreID) error
	CanPull(ctx context.Context, actor identity.Session, owner ids.OwnerID, store ids.StoreID) error
	CanReset(ctx context.Context, actor identity.Session, owner ids.OwnerID, store ids.StoreID) error
}

// OwnerOnly admits only the owner of a store. Reset is additionally gated
// behind AllowReset, which stays false in production.
type OwnerOnly struct {
	AllowReset bool
}

func (p OwnerOnly) CanPush(_ context.Context, actor identity.Session, owner ids.OwnerID, _ ids.StoreID) error {
	return sameOwner(actor, owner)
}

func (p OwnerOnly) CanPull(_ context.Context, actor identity.Session, owner ids.OwnerID, _ ids.StoreID) error {
	return sameOwner(actor, owner)
}

func (p OwnerOnly) CanReset(_ context.Context, actor identity.Session, owner ids.OwnerID, _ ids.StoreID) error {
	if !p.AllowReset {
		return syncerr.New(syncerr.Forbidden, "store reset is disabled")
	}
	return sameOwner(actor, owner)
}

func sameOwner(actor identity.Session, owner ids.OwnerID) error {
	if string(actor.UserID) != string(owner) {
		return syncerr.New(syncerr.Forbidden, "session user is not the store owner")
	}
	return nil
}

// Member reports whether user appears in a scope's member list.
func Member(members []string, user ids.UserID) bool {
	for _, m := range members {
		if m == string(user) {
			return true
		}
	}
	return false
}
