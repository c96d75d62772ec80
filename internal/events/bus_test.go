package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosync/backend/internal/ids"
)

func drain(t *testing.T, ch chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
		return Change{}
	}
}

func TestBusTopicFanout(t *testing.T) {
	b := NewBus()
	topic := StoreTopic("owner-1", "store-1")

	sub := b.Subscribe(topic)
	other := b.Subscribe(StoreTopic("owner-1", "store-2"))
	all := b.Subscribe()
	defer b.Unsubscribe(other)
	defer b.Unsubscribe(all)

	b.Notify(Change{Topic: topic, Owner: "owner-1", Head: 7})

	got := drain(t, sub)
	assert.Equal(t, ids.Seq(7), got.Head)
	got = drain(t, all)
	assert.Equal(t, topic, got.Topic)

	select {
	case <-other:
		t.Fatal("unrelated topic received the change")
	default:
	}

	b.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open, "unsubscribe closes the channel")
	assert.Equal(t, 2, b.SubscriberCount())
}

func TestBusFullChannelDropsNotBlocks(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("t")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Notify(Change{Topic: "t", Head: ids.Seq(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked on a full subscriber")
	}
}

// fakePubSub is an in-memory stand-in for Redis pub/sub.
type fakePubSub struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	fail     bool
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string][]func([]byte))}
}

func (f *fakePubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	if f.fail {
		f.mu.Unlock()
		return context.DeadlineExceeded
	}
	hs := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (f *fakePubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	return func() {}, nil
}

func TestRedisBusRoundTrip(t *testing.T) {
	ps := newFakePubSub()
	localA := NewBus()
	localB := NewBus()

	busA, err := NewRedisBus(ps, localA, "")
	require.NoError(t, err)
	defer busA.Close()
	busB, err := NewRedisBus(ps, localB, "")
	require.NoError(t, err)
	defer busB.Close()

	topic := ScopeTopic("scope-1")
	subA := busA.Subscribe(topic)
	subB := busB.Subscribe(topic)

	busA.Notify(Change{Topic: topic, Head: 3})

	// The publisher receives through the same subscription as everyone else.
	assert.Equal(t, ids.Seq(3), drain(t, subA).Head)
	assert.Equal(t, ids.Seq(3), drain(t, subB).Head)
}

func TestRedisBusFallsBackToLocal(t *testing.T) {
	ps := newFakePubSub()
	local := NewBus()
	bus, err := NewRedisBus(ps, local, "")
	require.NoError(t, err)
	defer bus.Close()

	sub := bus.Subscribe("t")
	ps.mu.Lock()
	ps.fail = true
	ps.mu.Unlock()

	bus.Notify(Change{Topic: "t", Head: 1})
	assert.Equal(t, ids.Seq(1), drain(t, sub).Head)
}
