package trigger

import (
	"container/heap"
	"time"
)

// entry is one waiting trigger request. Lower priority values run first;
// equal priorities keep arrival order.
type entry struct {
	request  *Request
	id       string
	priority int
	seq      uint64
	queuedAt time.Time
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// waitQueue is the bounded admission queue. Not safe for concurrent use; the
// manager serializes access under its own lock.
type waitQueue struct {
	heap entryHeap
	seq  uint64
}

func newWaitQueue() *waitQueue {
	q := &waitQueue{}
	heap.Init(&q.heap)
	return q
}

func (q *waitQueue) push(e *entry) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.heap, e)
}

func (q *waitQueue) pop() *entry {
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*entry)
}

func (q *waitQueue) remove(e *entry) {
	if e.index >= 0 && e.index < q.heap.Len() && q.heap[e.index] == e {
		heap.Remove(&q.heap, e.index)
	}
}

func (q *waitQueue) len() int {
	return q.heap.Len()
}

// worst returns the entry that would be evicted first: the lowest-priority,
// most recently queued one.
func (q *waitQueue) worst() *entry {
	var w *entry
	for _, e := range q.heap {
		if w == nil || e.priority > w.priority || (e.priority == w.priority && e.seq > w.seq) {
			w = e
		}
	}
	return w
}

// position reports the 1-based rank of an entry in dispatch order.
func (q *waitQueue) position(target *entry) int {
	pos := 1
	for _, e := range q.heap {
		if e == target {
			continue
		}
		if e.priority < target.priority || (e.priority == target.priority && e.seq < target.seq) {
			pos++
		}
	}
	return pos
}

// expired collects entries queued before the cutoff.
func (q *waitQueue) expired(cutoff time.Time) []*entry {
	var out []*entry
	for _, e := range q.heap {
		if e.queuedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// findWorkflow returns the queued entry for a workflow, if any. Used by the
// merge-latest strategy.
func (q *waitQueue) findWorkflow(workflowID string) *entry {
	for _, e := range q.heap {
		if e.request.Snapshot.ID == workflowID {
			return e
		}
	}
	return nil
}
