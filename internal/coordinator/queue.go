package coordinator

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amq-cli/amq/internal/llm"
)

// Priority orders pending messages. High strictly precedes Low;
// within a priority, FIFO.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityLow
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "low"
}

// ErrQueueClosed is returned when enqueueing after shutdown.
var ErrQueueClosed = errors.New("message queue is closed")

// QueuedMessage is one pending user message. The reply channel
// receives chunk events and exactly one terminal event, then closes.
// Priority never mutates after enqueue.
type QueuedMessage struct {
	SessionID string
	Text      string
	Priority  Priority
	Reply     chan llm.Event
	Ctx       context.Context

	enqueuedAt time.Time
	seq        uint64
}

type msgHeap []*QueuedMessage

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *msgHeap) Push(x any) { *h = append(*h, x.(*QueuedMessage)) }
func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a priority queue of pending messages with a blocking pop
// for the single background worker.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  msgHeap
	seq    uint64
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a message.
func (q *Queue) Push(msg *QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.seq++
	msg.seq = q.seq
	msg.enqueuedAt = time.Now()
	heap.Push(&q.items, msg)
	q.cond.Signal()
	return nil
}

// Pop blocks until a message is available or the queue is closed.
// Returns (nil, false) once closed and drained.
func (q *Queue) Pop() (*QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*QueuedMessage), true
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue and returns any still-pending messages so the
// caller can fail their reply channels.
func (q *Queue) Close() []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	remaining := make([]*QueuedMessage, 0, len(q.items))
	for len(q.items) > 0 {
		remaining = append(remaining, heap.Pop(&q.items).(*QueuedMessage))
	}
	q.cond.Broadcast()
	return remaining
}
