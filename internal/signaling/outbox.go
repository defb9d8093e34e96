package signaling

import "sync"

// outbox is a byte-bounded FIFO of outbound text frames.
//
// Enqueue never blocks, so a slow client can only lose its own messages.
// Unlike a plain drop-on-close queue, frames accepted before Close are still
// handed out by Dequeue so a final error message reaches the client.
type outbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte
}

func newOutbox(maxBytes int) *outbox {
	q := &outbox{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends frame if it fits within the byte budget.
func (q *outbox) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.curBytes+len(frame) > q.maxBytes {
		return false
	}
	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed and
// drained.
func (q *outbox) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.curBytes -= len(frame)
	return frame, true
}

// Close stops accepting frames. Frames already queued remain available.
func (q *outbox) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Discard drops every queued frame. Used when the connection is already
// dead and nothing can be written.
func (q *outbox) Discard() {
	q.mu.Lock()
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = nil
	q.curBytes = 0
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
