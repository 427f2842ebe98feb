package executor

import (
	"context"
	"sync"
)

// jobQueue is an unbounded FIFO of outbound frames. Producers never block;
// a single worker goroutine forwards frames to the transport in order.
type jobQueue struct {
	mu     sync.Mutex
	jobs   [][]byte
	signal chan struct{}
	closed bool
}

func newJobQueue() *jobQueue {
	return &jobQueue{signal: make(chan struct{}, 1)}
}

// push enqueues a frame. It reports false once the queue is closed.
func (q *jobQueue) push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, frame)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *jobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.jobs = nil
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *jobQueue) pop() (frame []byte, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false, true
	}
	if len(q.jobs) == 0 {
		return nil, false, false
	}
	frame = q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return frame, true, false
}

// worker delivers queued frames with send until the queue is closed, ctx is
// done or send fails.
func (q *jobQueue) worker(ctx context.Context, send func([]byte) error) error {
	for {
		frame, ok, closed := q.pop()
		if closed {
			return nil
		}
		if ok {
			if err := send(frame); err != nil {
				return err
			}
			continue
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
