// SPDX-License-Identifier: MIT

package transcoder

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultRingCapacity is the default size of a record's backing ring
// buffer.
const DefaultRingCapacity = 8 << 20

// DefaultChunkSize is the default read size from the child's stdout.
const DefaultChunkSize = 64 << 10

// DefaultSubscriberQueueDepth is the default bounded subscriber queue
// length, in chunks. A subscriber gets this much slack before it is
// considered too slow to keep.
const DefaultSubscriberQueueDepth = 32

// Subscriber is a bounded delivery queue for one HTTP client attached to
// a non-segmented record. Chunks is closed when the subscriber is
// evicted or the record terminates; Err holds the reason.
type Subscriber struct {
	ID     string
	Chunks chan []byte

	mu     sync.Mutex
	closed bool
	Err    error
}

func newSubscriber(depth int) *Subscriber {
	return &Subscriber{
		ID:     uuid.NewString(),
		Chunks: make(chan []byte, depth),
	}
}

// close marks the subscriber closed and releases its channel exactly
// once, recording err as the reason a caller can inspect via Err.
func (s *Subscriber) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.Err = err
	close(s.Chunks)
}

// RingBuffer is a fixed-capacity byte ring plus a registry of bounded
// subscriber queues. One reader task (reader.go) is its only writer;
// HTTP handler goroutines are readers via Subscribe/Unsubscribe.
type RingBuffer struct {
	mu       sync.Mutex
	buf      []byte // logical contents, oldest first, capped at capacity
	capacity int

	subscribers map[string]*Subscriber
	queueDepth  int

	totalWritten int64
}

// NewRingBuffer constructs a ring with the given byte capacity and
// per-subscriber queue depth.
func NewRingBuffer(capacity, queueDepth int) *RingBuffer {
	return &RingBuffer{
		capacity:    capacity,
		subscribers: make(map[string]*Subscriber),
		queueDepth:  queueDepth,
	}
}

// Write appends chunk to the ring (evicting the oldest bytes if over
// capacity) and pushes it onto every subscriber's queue. The push is
// strictly non-blocking: a subscriber whose queue is full is evicted on
// the spot rather than waited on, so one stalled client can never hold
// up the reader task or delay delivery to the other subscribers.
// Eviction is never a silent skip; the evicted subscriber's channel is
// closed, so every subscriber sees either a gapless stream or a close.
func (r *RingBuffer) Write(chunk []byte) {
	r.mu.Lock()
	r.buf = append(r.buf, chunk...)
	if over := len(r.buf) - r.capacity; over > 0 {
		r.buf = r.buf[over:]
	}
	r.totalWritten += int64(len(chunk))

	subs := make([]*Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		select {
		case s.Chunks <- chunk:
		default:
			r.Unsubscribe(s.ID)
			s.close(errSubscriberLagging)
		}
	}
}

// Subscribe registers a new subscriber and, if bootstrap is true, seeds
// its queue with the current ring contents before returning, giving new
// players a fast start.
func (r *RingBuffer) Subscribe(bootstrap bool) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := newSubscriber(r.queueDepth)
	r.subscribers[s.ID] = s

	if bootstrap && len(r.buf) > 0 {
		snapshot := append([]byte(nil), r.buf...)
		select {
		case s.Chunks <- snapshot:
		default:
			// Queue too small for the whole ring snapshot: skip bootstrap
			// rather than block registration.
		}
	}
	return s
}

// Unsubscribe removes a subscriber from fan-out. Safe to call more than
// once or on an id that was already evicted.
func (r *RingBuffer) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, id)
}

// SubscriberCount reports the number of currently attached subscribers,
// used by the idle reaper.
func (r *RingBuffer) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// TotalWritten reports the cumulative byte count ever written to the
// ring, for the tuners CLI's human-readable throughput display.
func (r *RingBuffer) TotalWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalWritten
}

// CloseAll evicts every subscriber with err, used on record termination.
func (r *RingBuffer) CloseAll(err error) {
	r.mu.Lock()
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	r.subscribers = make(map[string]*Subscriber)
	r.mu.Unlock()

	for _, s := range subs {
		s.close(err)
	}
}
