package gateway

import (
	"container/heap"

	"github.com/valetlabs/valet/pkg/models"
)

// queueItem pairs an event with its submission sequence number. seq is
// the tie-break: equal priorities pop in submission order.
type queueItem struct {
	event *models.Event
	seq   uint64
}

// eventHeap orders items by (priority ordinal, seq).
type eventHeap []*queueItem

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].event.Priority != h[j].event.Priority {
		return h[i].event.Priority < h[j].event.Priority
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// eventQueue is a bounded priority queue. Not safe for concurrent use;
// the gateway holds its own lock.
type eventQueue struct {
	heap    eventHeap
	nextSeq uint64
	maxSize int
}

func newEventQueue(maxSize int) *eventQueue {
	return &eventQueue{maxSize: maxSize}
}

// push enqueues an event, reporting false when the queue is full.
func (q *eventQueue) push(ev *models.Event) bool {
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return false
	}
	heap.Push(&q.heap, &queueItem{event: ev, seq: q.nextSeq})
	q.nextSeq++
	return true
}

// pop removes the highest-priority event, or nil when empty.
func (q *eventQueue) pop() *models.Event {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*queueItem).event
}

func (q *eventQueue) len() int { return len(q.heap) }
