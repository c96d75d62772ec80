// Package events distributes change notifications between the write path
// and the long-poll / watch surfaces. A Change carries no payload beyond
// the new head; consumers re-read the store after a wake, so a dropped
// notification costs one poll interval, never data.
package events

import (
	"fmt"
	"time"

	"github.com/mosync/backend/internal/ids"
)

// Change announces that one server-side stream advanced to Head.
type Change struct {
	Topic string      `json:"topic"`
	Owner ids.OwnerID `json:"ownerId,omitempty"`
	Head  ids.Seq     `json:"head"`
	At    time.Time   `json:"at"`
}

// StoreTopic keys the event log of one (owner, store) pair.
func StoreTopic(owner ids.OwnerID, store ids.StoreID) string {
	return fmt.Sprintf("events:%s/%s", owner, store)
}

// ScopeTopic keys both sharing chains of a scope.
func ScopeTopic(scope ids.ScopeID) string {
	return "scope:" + string(scope)
}

// VaultTopic keys one user's key-vault chain.
func VaultTopic(user ids.UserID) string {
	return "vault:" + string(user)
}

// EnvelopeTopic keys the envelope feed of one recipient.
func EnvelopeTopic(user ids.UserID) string {
	return "envelopes:" + string(user)
}

// Notifier is the publishing side of the bus. The in-process Bus and the
// Redis-bridged bus both satisfy it.
type Notifier interface {
	Notify(c Change)
}
