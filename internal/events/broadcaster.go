// Package events fans round events out to subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/vadiminshakov/crashgame/internal/domain"
)

// Broadcaster fans out events to all subscribers via buffered channels.
// Publish never blocks, a subscriber that falls behind misses events.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[chan domain.Event]*atomic.Uint64
	buffer  int
	dropped atomic.Uint64
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan domain.Event]*atomic.Uint64),
		buffer: buffer,
	}
}

// Publish sends the event to all subscribers, dropping if a reader is slow.
func (b *Broadcaster) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, missed := range b.subs {
		select {
		case ch <- ev:
		default:
			missed.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan domain.Event {
	ch := make(chan domain.Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = &atomic.Uint64{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel, closes it and returns how many events the
// subscriber missed.
func (b *Broadcaster) Unsubscribe(ch chan domain.Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	missed, ok := b.subs[ch]
	if !ok {
		return 0
	}
	delete(b.subs, ch)
	close(ch)
	return missed.Load()
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
