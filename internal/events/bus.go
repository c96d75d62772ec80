package events

import (
	"sync"
)

// Bus is an in-process fanout of stream changes. Subscribers receive on
// buffered channels; a full channel drops the notification rather than
// blocking the write path.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Change
	allSubs []chan Change
	buffer  int
}

// NewBus creates an in-process change bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string][]chan Change),
		buffer: 16,
	}
}

// Subscribe returns a channel that receives changes for the given topics.
// With no topics the channel receives every change.
func (b *Bus) Subscribe(topics ...string) chan Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Change, b.buffer)
	if len(topics) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	return ch
}

// Unsubscribe removes the channel from every topic and closes it.
func (b *Bus) Unsubscribe(ch chan Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subs {
		filtered := make([]chan Change, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = filtered
		}
	}

	filtered := make([]chan Change, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Notify delivers a change to topic subscribers and all-subscribers.
func (b *Bus) Notify(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[c.Topic] {
		select {
		case ch <- c:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- c:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}
