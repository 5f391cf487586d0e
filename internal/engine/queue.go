package engine

import "sync"

// WriteQueue is the device write-back FIFO. The loop thread and the DoH
// workers both append; only the loop drains. A plain mutex-backed slice:
// the boundary is explicit and safe, not an incidental choice.
type WriteQueue struct {
	mu     sync.Mutex
	frames [][]byte
}

func NewWriteQueue() *WriteQueue {
	return &WriteQueue{}
}

// EnqueueWrite appends one frame. Safe for concurrent use.
func (q *WriteQueue) EnqueueWrite(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, frame)
}

// Dequeue pops the oldest frame.
func (q *WriteQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

// Requeue puts a frame back at the front after a short write.
func (q *WriteQueue) Requeue(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append([][]byte{frame}, q.frames...)
}

// Len returns the number of queued frames.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
