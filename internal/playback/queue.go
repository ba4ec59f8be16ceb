// Package playback implements the per-call audio reassembly queue.
//
// TTS sentence chunks may complete out of order; the queue is the sole
// authority on the order audio reaches the carrier. It holds a sparse buffer
// keyed by sentence index and releases contiguous runs starting at the next
// expected index. Arrival order is treated as adversarial.
package playback

import (
	"context"
	"sync"

	"github.com/relayline/frontdesk/internal/observe"
	"github.com/relayline/frontdesk/pkg/audio"
)

// Queue reassembles sentence audio chunks into strict index order.
//
// The emit callback receives raw μ-law payloads in monotonic sentence order.
// Emission happens under the queue lock, so emit calls are never concurrent
// and never reordered; the callback must not call back into the Queue.
type Queue struct {
	mu      sync.Mutex
	next    int
	buf     map[int][]byte
	emit    func(mulaw []byte)
	metrics *observe.Metrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithMetrics samples the buffered-chunk count on every push.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a Queue releasing audio through emit.
func New(emit func(mulaw []byte), opts ...Option) *Queue {
	q := &Queue{
		buf:  make(map[int][]byte),
		emit: emit,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push stores the chunk for the given sentence index and releases every
// contiguous chunk starting at the next expected index.
//
// Index 0 marks a response boundary: when it arrives while a previous response
// is still in flight, the queue resets and stale chunks are dropped. Container
// headers (WAV, AU) are stripped before the chunk is stored.
func (q *Queue) Push(index int, samples []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index == 0 && q.next != 0 {
		q.next = 0
		clear(q.buf)
	}

	q.buf[index] = audio.StripContainer(samples)

	for {
		chunk, ok := q.buf[q.next]
		if !ok {
			break
		}
		delete(q.buf, q.next)
		q.next++
		q.emit(chunk)
	}

	// Depth after release: anything left is waiting on an earlier index.
	q.metrics.RecordQueueDepth(context.Background(), len(q.buf))
}

// Reset clears all buffered chunks and rewinds the expected index to 0.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next = 0
	clear(q.buf)
}

// Pending returns the number of buffered, not yet released chunks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
