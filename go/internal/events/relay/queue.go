package relay

import (
	"container/heap"
	"sync"
	"time"

	"github.com/mcdev12/taskhub/go/internal/events/stream"
)

type delayed struct {
	msg *stream.Message
	due time.Time
	seq uint64
}

// delayHeap orders by due time, then arrival.
type delayHeap []*delayed

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(*delayed)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayQueue holds messages until their wake time.
type delayQueue struct {
	mu      sync.Mutex
	items   delayHeap
	seq     uint64
	changed chan struct{}
}

func newDelayQueue() *delayQueue {
	return &delayQueue{changed: make(chan struct{}, 1)}
}

func (q *delayQueue) push(msg *stream.Message, due time.Time) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &delayed{msg: msg, due: due, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.changed <- struct{}{}:
	default:
	}
}

// popDue removes the earliest message if it is due at now. Otherwise it
// returns the earliest wake time, or the zero time when the queue is empty.
func (q *delayQueue) popDue(now time.Time) (*stream.Message, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, time.Time{}, false
	}
	next := q.items[0]
	if next.due.After(now) {
		return nil, next.due, false
	}
	heap.Pop(&q.items)
	return next.msg, next.due, true
}

func (q *delayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// positions returns the positions of every waiting message.
func (q *delayQueue) positions() []stream.Position {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]stream.Position, 0, len(q.items))
	for _, d := range q.items {
		out = append(out, d.msg.Position)
	}
	return out
}
