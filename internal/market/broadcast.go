package market

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const broadcastCapacity = 1024

// Broadcaster is a multi-producer, multi-consumer fan-out of decoded ticks.
// Publish never blocks on a slow consumer: once a subscriber's channel is
// full, further ticks for that subscriber are dropped and its lag counter is
// incremented; other subscribers are unaffected.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	ch  chan Snapshot
	lag int64
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]*subscriber)}
}

// Subscribe registers a new consumer and returns its channel plus an
// unsubscribe function.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan Snapshot, broadcastCapacity)}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
}

// Publish fans s out to every subscriber, dropping for any subscriber whose
// buffer is full rather than blocking.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- s:
		default:
			atomic.AddInt64(&sub.lag, 1)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
