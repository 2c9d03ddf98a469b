package message

import "sync"

// serialQueue runs queued functions one at a time in push order. The
// goroutine that finds the queue idle drains it; everyone else only
// appends. A function pushed from inside a running function runs after it
// returns rather than recursively.
type serialQueue struct {
	mu       sync.Mutex
	pending  []func()
	draining bool
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

func (q *serialQueue) drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		next()
		q.mu.Lock()
	}
	q.pending = nil
	q.draining = false
	q.mu.Unlock()
}

func (q *serialQueue) run(fn func()) {
	q.push(fn)
	q.drain()
}
