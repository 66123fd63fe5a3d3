package hub

import "sync"

// RingBuffer is a bounded, thread-safe buffer of recently published events.
// When full, the oldest events are dropped to make room for new ones. It backs
// the history command so late subscribers can catch up.
type RingBuffer struct {
	mu       sync.Mutex
	events   []Event
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int

	dropped int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBuffer{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an event, dropping the oldest if necessary.
func (b *RingBuffer) Enqueue(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
	}

	b.events[b.head] = event
	b.head = (b.head + 1) % b.capacity
	b.count++
}

// Snapshot returns buffered events oldest first, filtered to the tenant
// scope with the same predicate live delivery uses: an empty tenant id sees
// everything, a tenant sees only its own events. A non-empty beforeID cuts
// the replay at that event (exclusive); a positive count keeps only the
// newest count of what remains.
func (b *RingBuffer) Snapshot(tenantID string, count int, beforeID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		event := b.events[(b.tail+i)%b.capacity]
		if beforeID != "" && event.ID == beforeID {
			break
		}
		if tenantID != "" && event.TenantID != tenantID {
			continue
		}
		out = append(out, event)
	}
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out
}

// Len returns the current number of buffered events.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the total number of dropped events.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Capacity returns the fixed buffer capacity.
func (b *RingBuffer) Capacity() int {
	return b.capacity
}
