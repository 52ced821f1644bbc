package streaming

import (
	"sync"
)

// sendCompletion is invoked once the bytes a caller handed to
// SendBufferQueue.Add have either been fully placed on the wire (ok=true)
// or the stream was torn down before that happened (ok=false, err set).
type sendCompletion func(ok bool, err error)

// sendChunk is one Add() call's worth of staged data plus the callback to
// fire once it has been drained into outgoing packets.
type sendChunk struct {
	data []byte
	done sendCompletion
}

// SendBufferQueue sequences multiple Add calls so their bytes drain in the
// order they were queued, packet-by-packet from the front of the queue.
// Get starts each fully drained chunk's completion on its own goroutine,
// in queue order; the order in which those completions run is not fixed
// (spec §4.1: "a queue of pending outbound regions, each associated with
// a completion callback fired once that region has been fully placed on
// the wire").
type SendBufferQueue struct {
	mu     sync.Mutex
	chunks []*sendChunk
	offset int // bytes already drained from chunks[0]
}

// NewSendBufferQueue returns an empty queue.
func NewSendBufferQueue() *SendBufferQueue {
	return &SendBufferQueue{}
}

// Add appends data as a new pending region.
func (q *SendBufferQueue) Add(data []byte, done sendCompletion) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = append(q.chunks, &sendChunk{data: data, done: done})
}

// Get drains up to len(dst) bytes across as many queued chunks as
// necessary, firing completions for chunks fully drained along the way.
// Returns the number of bytes copied.
func (q *SendBufferQueue) Get(dst []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for total < len(dst) && len(q.chunks) > 0 {
		c := q.chunks[0]
		avail := c.data[q.offset:]
		n := copy(dst[total:], avail)
		total += n
		q.offset += n
		if q.offset >= len(c.data) {
			q.chunks = q.chunks[1:]
			q.offset = 0
			if c.done != nil {
				done := c.done
				go done(true, nil)
			}
		}
	}
	return total
}

// IsEmpty reports whether every queued region has been fully drained.
func (q *SendBufferQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks) == 0
}

// Size returns the total number of undrained bytes across all queued
// regions.
func (q *SendBufferQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for i, c := range q.chunks {
		if i == 0 {
			total += len(c.data) - q.offset
		} else {
			total += len(c.data)
		}
	}
	return total
}

// CleanUp aborts every pending completion with err, in queue order.
func (q *SendBufferQueue) CleanUp(err error) {
	q.mu.Lock()
	chunks := q.chunks
	q.chunks = nil
	q.offset = 0
	q.mu.Unlock()
	for _, c := range chunks {
		if c.done != nil {
			c.done(false, err)
		}
	}
}
