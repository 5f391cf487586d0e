package engine

import (
	"sync"

	"github.com/dnsfence/dnsfence/internal/log"
)

// Pool is the bounded worker pool for blocking DoH lookups. HTTPS calls
// must not stall the event loop, and an unbounded goroutine-per-query
// would let a flood of queries pile up connections.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts workers goroutines servicing a queue of depth queueDepth.
func NewPool(workers, queueDepth int) *Pool {
	p := &Pool{
		tasks: make(chan func(), queueDepth),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit queues a task without blocking. Returns false when the pool is
// saturated or shut down; callers drop the work and log.
func (p *Pool) Submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	select {
	case p.tasks <- task:
		return true
	default:
		log.Debugf("Worker pool saturated, dropping task")
		return false
	}
}

// Close rejects further submissions and waits for in-flight tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
