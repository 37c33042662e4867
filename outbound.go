package vtrealtime

import "sync"

// OutboundQueue buffers messages sent while the connection is not ready.
// When full, the oldest message is evicted to make room.
type OutboundQueue struct {
	mu      sync.Mutex
	items   []any
	cap     int
	dropped uint64
	logger  *Logger
}

// NewOutboundQueue creates a queue holding at most capacity messages.
func NewOutboundQueue(capacity int, logger *Logger) *OutboundQueue {
	if capacity <= 0 {
		capacity = DefaultOutboundQueueSize
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &OutboundQueue{cap: capacity, logger: logger}
}

// Push appends msg, evicting from the head when the queue is full.
func (q *OutboundQueue) Push(msg any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	q.evictLocked()
}

// Requeue puts msgs back in front of the queue, preserving their order.
func (q *OutboundQueue) Requeue(msgs []any) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]any, 0, len(msgs)+len(q.items))
	items = append(items, msgs...)
	q.items = append(items, q.items...)
	q.evictLocked()
}

func (q *OutboundQueue) evictLocked() {
	for len(q.items) > q.cap {
		evicted := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
		q.logger.Warn("outbound_message_dropped", map[string]any{
			"type":     messageType(evicted),
			"capacity": q.cap,
			"dropped":  q.dropped,
		})
	}
}

// Drain removes and returns all messages in enqueue order.
func (q *OutboundQueue) Drain() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of buffered messages.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity.
func (q *OutboundQueue) Cap() int { return q.cap }

// Dropped returns how many messages have been evicted.
func (q *OutboundQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
