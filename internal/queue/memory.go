package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
)

var _ PriorityQueue = (*MemoryQueue)(nil)

// MemoryQueue is the single process PriorityQueue used in tests and local runs.
type MemoryQueue struct {
	mu       sync.Mutex
	queues   map[domain.Priority]*entryHeap
	index    map[string]*entry
	leases   map[string]leased
	capacity Capacity
	seq      uint64
	now      func() time.Time
}

type leased struct {
	msg      Message
	deadline time.Time
}

type entry struct {
	msg        Message
	eligibleAt time.Time
	seq        uint64
	pos        int
}

func NewMemoryQueue(capacity Capacity) *MemoryQueue {
	queues := make(map[domain.Priority]*entryHeap, len(domain.Priorities))
	for _, priority := range domain.Priorities {
		queues[priority] = &entryHeap{}
	}

	return &MemoryQueue{
		queues:   queues,
		index:    make(map[string]*entry),
		leases:   make(map[string]leased),
		capacity: capacity,
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg Message, eligibleAt time.Time) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid queue message: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := q.capacity.For(msg.Priority)
	if capacity > 0 && q.queues[msg.Priority].Len() >= capacity {
		return saturatedError(msg.Priority, capacity)
	}
	q.push(msg, eligibleAt)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, msg Message, eligibleAt time.Time) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid queue message: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.leases, msg.JobID)
	if _, queued := q.index[msg.JobID]; queued {
		return nil
	}
	q.push(msg, eligibleAt)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, lease time.Duration) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, priority := range domain.Priorities {
		h := q.queues[priority]
		if h.Len() == 0 || (*h)[0].eligibleAt.After(now) {
			continue
		}

		e := heap.Pop(h).(*entry)
		delete(q.index, e.msg.JobID)
		q.leases[e.msg.JobID] = leased{msg: e.msg, deadline: now.Add(lease)}
		msg := e.msg
		return &msg, nil
	}

	return nil, nil
}

func (q *MemoryQueue) Ack(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.leases, msg.JobID)
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, msg Message) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[msg.JobID]
	if !ok {
		return false, nil
	}
	heap.Remove(q.queues[e.msg.Priority], e.pos)
	delete(q.index, msg.JobID)
	return true, nil
}

func (q *MemoryQueue) RecoverExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	recovered := 0
	for jobID, l := range q.leases {
		if l.deadline.After(now) {
			continue
		}
		delete(q.leases, jobID)
		q.push(l.msg, now)
		recovered++
	}
	return recovered, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Depth{
		High:   int64(q.queues[domain.PriorityHigh].Len()),
		Low:    int64(q.queues[domain.PriorityLow].Len()),
		Leased: int64(len(q.leases)),
	}, nil
}

// push must be called with mu held.
func (q *MemoryQueue) push(msg Message, eligibleAt time.Time) {
	q.seq++
	e := &entry{msg: msg, eligibleAt: eligibleAt, seq: q.seq}
	heap.Push(q.queues[msg.Priority], e)
	q.index[msg.JobID] = e
}

// entryHeap orders by eligibility time, then insertion order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].eligibleAt.Equal(h[j].eligibleAt) {
		return h[i].eligibleAt.Before(h[j].eligibleAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
