package engine

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func TestWriteQueue_FIFO(t *testing.T) {
	q := NewWriteQueue()
	q.EnqueueWrite([]byte("one"))
	q.EnqueueWrite([]byte("two"))
	q.EnqueueWrite([]byte("three"))

	for _, want := range []string{"one", "two", "three"} {
		frame, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue() empty, want %q", want)
		}
		if string(frame) != want {
			t.Fatalf("Dequeue() = %q, want %q", frame, want)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("Dequeue() on drained queue returned a frame")
	}
}

func TestWriteQueue_RequeuePutsFrameFirst(t *testing.T) {
	q := NewWriteQueue()
	q.EnqueueWrite([]byte("second"))
	q.Requeue([]byte("first"))

	frame, _ := q.Dequeue()
	if !bytes.Equal(frame, []byte("first")) {
		t.Fatalf("Dequeue() = %q, want requeued frame first", frame)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestWriteQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewWriteQueue()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.EnqueueWrite([]byte(fmt.Sprintf("%d-%d", g, i)))
			}
		}(g)
	}
	wg.Wait()

	if q.Len() != 400 {
		t.Fatalf("Len() = %d, want 400", q.Len())
	}
	seen := 0
	for {
		if _, ok := q.Dequeue(); !ok {
			break
		}
		seen++
	}
	if seen != 400 {
		t.Fatalf("drained %d frames, want 400", seen)
	}
}
