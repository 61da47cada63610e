package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
)

// PriorityQueue is a pair of bounded FIFO queues, high and low, drained with strict priority.
//
// Dequeue returns the oldest eligible high message, and only when no high message is eligible
// the oldest eligible low one. Sustained high load starves low. A dequeued message is held
// under a lease until Ack or Requeue; expired leases are returned by RecoverExpired.
type PriorityQueue interface {
	// Enqueue adds a fresh message. It fails with domain.ErrQueueSaturated when the
	// message's priority queue is at capacity.
	Enqueue(ctx context.Context, msg Message, eligibleAt time.Time) error
	// Requeue releases a leased message back to its queue, eligible at eligibleAt.
	// Capacity is not enforced for jobs that were already accepted.
	Requeue(ctx context.Context, msg Message, eligibleAt time.Time) error
	// Dequeue leases the next eligible message for the given duration. It returns nil, nil
	// when nothing is eligible.
	Dequeue(ctx context.Context, lease time.Duration) (*Message, error)
	// Ack drops the lease and forgets the message.
	Ack(ctx context.Context, msg Message) error
	// Remove deletes a message that has not been dequeued yet. It reports whether it was found.
	Remove(ctx context.Context, msg Message) (bool, error)
	// RecoverExpired returns messages whose lease has expired to their queue.
	RecoverExpired(ctx context.Context) (int, error)
	Depth(ctx context.Context) (Depth, error)
}

// Depth is a point in time size snapshot.
type Depth struct {
	High   int64 `json:"high"`
	Low    int64 `json:"low"`
	Leased int64 `json:"leased"`
}

// Capacity bounds each priority queue. Zero means unbounded.
type Capacity struct {
	High int
	Low  int
}

func (c Capacity) For(priority domain.Priority) int {
	if priority == domain.PriorityHigh {
		return c.High
	}
	return c.Low
}

// QueueName returns the logical queue name for a priority, e.g. high.
func QueueName(priority domain.Priority) string {
	return priority.String()
}

func saturatedError(priority domain.Priority, capacity int) error {
	return fmt.Errorf("%w: %s queue is at capacity %d", domain.ErrQueueSaturated, priority, capacity)
}
