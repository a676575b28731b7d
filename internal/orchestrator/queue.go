package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/asinwatch/harvester/internal/channel"
)

// pageQueue is a thread-safe FIFO of page requests with traversal
// accounting: outstanding counts pages pushed but not yet fully
// handled, so Pop can tell "momentarily empty" apart from "traversal
// complete". Workers must call Done once per popped page, after
// pushing any follow-up pages it produced.
type pageQueue struct {
	mu          sync.Mutex
	items       []channel.PageRequest
	seen        map[string]bool
	outstanding int
	completed   int
	closed      bool
}

func newPageQueue() *pageQueue {
	return &pageQueue{seen: make(map[string]bool)}
}

// Push enqueues requests, dropping URLs already seen this run. Returns
// the number actually enqueued.
func (q *pageQueue) Push(reqs ...channel.PageRequest) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	n := 0
	for _, req := range reqs {
		if q.seen[req.URL] {
			continue
		}
		q.seen[req.URL] = true
		q.items = append(q.items, req)
		q.outstanding++
		n++
	}
	return n
}

// Pop dequeues the next request. It blocks while the queue is empty but
// pages are still in flight, and returns false once the traversal is
// complete, the queue is closed, or ctx is done.
func (q *pageQueue) Pop(ctx context.Context) (channel.PageRequest, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			req := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return req, true
		}
		done := q.closed || q.outstanding == 0
		q.mu.Unlock()
		if done {
			return channel.PageRequest{}, false
		}

		// Poll with context support — no goroutine leak
		select {
		case <-ctx.Done():
			return channel.PageRequest{}, false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Done marks one popped page as fully handled.
func (q *pageQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	q.completed++
}

// Close wakes all blocked Pops and rejects further pushes.
func (q *pageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Visited returns the number of pages actually worked through: popped
// and marked done, whether the visit succeeded or failed. Enqueued but
// never-fetched pages of an aborted run do not count.
func (q *pageQueue) Visited() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}
