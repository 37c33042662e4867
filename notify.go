package vtrealtime

import "sync"

// Broadcaster fans value snapshots out to subscribers. Publish never blocks: a
// subscriber whose channel is full misses that snapshot.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool
	stats  BroadcastStats
}

// BroadcastStats holds delivery counters.
type BroadcastStats struct {
	Published         uint64
	Dropped           uint64
	ActiveSubscribers int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[uint64]chan T)}
}

// Subscribe registers a subscriber with the given channel buffer and returns
// the receive channel plus a function that unsubscribes and closes it.
func (b *Broadcaster[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Broadcaster[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers v to every subscriber with room in its buffer.
// It returns the number of subscribers that received it.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.stats.Published++
	sent := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			sent++
		default:
			b.stats.Dropped++
		}
	}
	return sent
}

// Stats returns delivery counters.
func (b *Broadcaster[T]) Stats() BroadcastStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.stats
	s.ActiveSubscribers = len(b.subs)
	return s
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
