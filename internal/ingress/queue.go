// Package ingress implements the fixed-count producer buffer pool and the
// bounded producer/consumer ingress queue that hands buffers from a source
// listener to the consumer loop (§3, §4.6).
package ingress

import (
	"context"
	"time"
)

// Buffer is one pool-owned producer buffer: a reusable byte slice plus the
// bookkeeping the spec requires (§3 "Producer buffer").
type Buffer struct {
	ID          int
	Size        int    // bytes actually filled
	ChannelInfo string // current URI, set by the source listener

	data []byte
}

// Bytes returns the filled portion of the buffer's backing array.
func (b *Buffer) Bytes() []byte { return b.data[:b.Size] }

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Reset clears size/channel info before the buffer is handed back to a
// producer via the empty half of the queue.
func (b *Buffer) Reset() {
	b.Size = 0
	b.ChannelInfo = ""
}

// Pool is a fixed-count set of producer buffers, all of BufferSize capacity.
// Every buffer is, at all times, either held by a caller or sitting idle in
// the pool's free list — never both (§3 ownership invariant).
type Pool struct {
	free []*Buffer
	all  []*Buffer
}

// NewPool allocates count buffers of the given capacity.
func NewPool(count, bufferSize int) *Pool {
	p := &Pool{
		free: make([]*Buffer, 0, count),
		all:  make([]*Buffer, 0, count),
	}
	for i := 0; i < count; i++ {
		b := &Buffer{ID: i, data: make([]byte, bufferSize)}
		p.all = append(p.all, b)
		p.free = append(p.free, b)
	}
	return p
}

// Acquire removes and returns one idle buffer, or nil if the pool is
// exhausted (callers must route through Queue's empty half, which blocks,
// rather than hammering Acquire directly).
func (p *Pool) Acquire() *Buffer {
	if len(p.free) == 0 {
		return nil
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return b
}

// Release returns a buffer to the idle list.
func (p *Pool) Release(b *Buffer) {
	b.Reset()
	p.free = append(p.free, b)
}

// Count returns the pool's fixed buffer count.
func (p *Pool) Count() int { return len(p.all) }

// Queue is the bounded SPSC hand-off (§3 "Ingress queue") between a source
// listener and the consumer loop: a "fill" half carrying buffers the source
// has written (source → consumer) and an "empty" half carrying buffers the
// consumer has drained back to the source (consumer → producer). Capacity
// equals the backing pool's buffer count, so Queue can never block a
// producer that always eventually releases what it acquires.
type Queue struct {
	fill  chan *Buffer
	empty chan *Buffer
}

// NewQueue creates a queue of the given capacity and seeds the empty half
// with every buffer in pool, so the first Acquire calls succeed immediately.
func NewQueue(pool *Pool) *Queue {
	capacity := pool.Count()
	q := &Queue{
		fill:  make(chan *Buffer, capacity),
		empty: make(chan *Buffer, capacity),
	}
	for _, b := range pool.all {
		q.empty <- b
	}
	return q
}

// AcquireEmpty blocks (honoring ctx) for a buffer from the empty half — the
// producer-side call that obtains a buffer to fill.
func (q *Queue) AcquireEmpty(ctx context.Context) (*Buffer, bool) {
	select {
	case b := <-q.empty:
		return b, true
	case <-ctx.Done():
		return nil, false
	}
}

// Fill hands a filled buffer to the consumer side.
func (q *Queue) Fill(b *Buffer) {
	q.fill <- b
}

// ConsumeTimeout waits up to timeout for a filled buffer (§4.6: consumer
// loop pulls with a 1-second timeout), returning ok=false on timeout or
// context cancellation.
func (q *Queue) ConsumeTimeout(ctx context.Context, timeout time.Duration) (*Buffer, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-q.fill:
		return b, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// ReleaseEmpty returns a drained buffer to the producer side.
func (q *Queue) ReleaseEmpty(b *Buffer) {
	q.empty <- b
}

// FillDepth and EmptyDepth expose current queue depths for metrics.
func (q *Queue) FillDepth() int  { return len(q.fill) }
func (q *Queue) EmptyDepth() int { return len(q.empty) }
