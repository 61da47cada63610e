package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/dispatch-core/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type queueFactory func(t *testing.T, capacity Capacity, clock *testClock) PriorityQueue

func queueImplementations() map[string]queueFactory {
	return map[string]queueFactory{
		"redis": func(t *testing.T, capacity Capacity, clock *testClock) PriorityQueue {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			q, err := NewRedisQueue(client, capacity)
			if err != nil {
				t.Fatalf("NewRedisQueue() error = %v", err)
			}
			q.now = clock.Now
			return q
		},
		"memory": func(t *testing.T, capacity Capacity, clock *testClock) PriorityQueue {
			q := NewMemoryQueue(capacity)
			q.now = clock.Now
			return q
		},
	}
}

func newClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func msg(id string, priority domain.Priority) Message {
	return Message{JobID: id, Channel: domain.ChannelEmail, Priority: priority}
}

func mustDequeue(t *testing.T, q PriorityQueue) *Message {
	t.Helper()
	got, err := q.Dequeue(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	return got
}

func TestPriorityQueueStrictPriorityAndFIFO(t *testing.T) {
	t.Parallel()

	for name, factory := range queueImplementations() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newClock()
			q := factory(t, Capacity{}, clock)
			ctx := context.Background()

			// L1 is submitted first, yet both high jobs must drain before it.
			for _, m := range []Message{
				msg("0001-l1", domain.PriorityLow),
				msg("0002-h1", domain.PriorityHigh),
				msg("0003-h2", domain.PriorityHigh),
			} {
				if err := q.Enqueue(ctx, m, clock.Now()); err != nil {
					t.Fatalf("Enqueue(%s) error = %v", m.JobID, err)
				}
				clock.Advance(time.Millisecond)
			}

			want := []string{"0002-h1", "0003-h2", "0001-l1"}
			for _, id := range want {
				got := mustDequeue(t, q)
				if got == nil {
					t.Fatalf("Dequeue() = nil, want %s", id)
				}
				if got.JobID != id {
					t.Fatalf("Dequeue() = %s, want %s", got.JobID, id)
				}
			}

			if got := mustDequeue(t, q); got != nil {
				t.Fatalf("Dequeue() on empty queue = %+v, want nil", got)
			}
		})
	}
}

func TestPriorityQueueCapacity(t *testing.T) {
	t.Parallel()

	for name, factory := range queueImplementations() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newClock()
			q := factory(t, Capacity{High: 2, Low: 1}, clock)
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				if err := q.Enqueue(ctx, msg(fmt.Sprintf("h%d", i), domain.PriorityHigh), clock.Now()); err != nil {
					t.Fatalf("Enqueue() error = %v", err)
				}
			}
			err := q.Enqueue(ctx, msg("h-overflow", domain.PriorityHigh), clock.Now())
			if !errors.Is(err, domain.ErrQueueSaturated) {
				t.Fatalf("Enqueue() error = %v, want ErrQueueSaturated", err)
			}

			// Capacity is per priority.
			if err := q.Enqueue(ctx, msg("l0", domain.PriorityLow), clock.Now()); err != nil {
				t.Fatalf("Enqueue(low) error = %v", err)
			}

			// A dequeued job frees a slot, and its retry is accepted even when full.
			leasedMsg := mustDequeue(t, q)
			if err := q.Enqueue(ctx, msg("h2", domain.PriorityHigh), clock.Now()); err != nil {
				t.Fatalf("Enqueue() after dequeue error = %v", err)
			}
			if err := q.Requeue(ctx, *leasedMsg, clock.Now()); err != nil {
				t.Fatalf("Requeue() over capacity error = %v", err)
			}

			depth, err := q.Depth(ctx)
			if err != nil {
				t.Fatalf("Depth() error = %v", err)
			}
			if depth.High != 3 || depth.Low != 1 || depth.Leased != 0 {
				t.Fatalf("Depth() = %+v, want high=3 low=1 leased=0", depth)
			}
		})
	}
}

func TestPriorityQueueRespectsEligibility(t *testing.T) {
	t.Parallel()

	for name, factory := range queueImplementations() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newClock()
			q := factory(t, Capacity{}, clock)
			ctx := context.Background()

			if err := q.Enqueue(ctx, msg("delayed-high", domain.PriorityHigh), clock.Now().Add(5*time.Second)); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if err := q.Enqueue(ctx, msg("ready-low", domain.PriorityLow), clock.Now()); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}

			// A delayed high job does not block an eligible low job.
			got := mustDequeue(t, q)
			if got == nil || got.JobID != "ready-low" {
				t.Fatalf("Dequeue() = %+v, want ready-low", got)
			}
			if got := mustDequeue(t, q); got != nil {
				t.Fatalf("Dequeue() before eligibility = %+v, want nil", got)
			}

			clock.Advance(5 * time.Second)
			got = mustDequeue(t, q)
			if got == nil || got.JobID != "delayed-high" {
				t.Fatalf("Dequeue() after eligibility = %+v, want delayed-high", got)
			}
		})
	}
}

func TestPriorityQueueLeaseRecovery(t *testing.T) {
	t.Parallel()

	for name, factory := range queueImplementations() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newClock()
			q := factory(t, Capacity{}, clock)
			ctx := context.Background()

			if err := q.Enqueue(ctx, msg("j1", domain.PriorityHigh), clock.Now()); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if err := q.Enqueue(ctx, msg("j2", domain.PriorityHigh), clock.Now().Add(time.Millisecond)); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			clock.Advance(time.Millisecond)

			first := mustDequeue(t, q)
			second := mustDequeue(t, q)
			if first == nil || second == nil {
				t.Fatal("expected two leased messages")
			}
			if err := q.Ack(ctx, *second); err != nil {
				t.Fatalf("Ack() error = %v", err)
			}

			recovered, err := q.RecoverExpired(ctx)
			if err != nil {
				t.Fatalf("RecoverExpired() error = %v", err)
			}
			if recovered != 0 {
				t.Fatalf("RecoverExpired() before expiry = %d, want 0", recovered)
			}

			clock.Advance(2 * time.Minute)
			recovered, err = q.RecoverExpired(ctx)
			if err != nil {
				t.Fatalf("RecoverExpired() error = %v", err)
			}
			if recovered != 1 {
				t.Fatalf("RecoverExpired() = %d, want 1", recovered)
			}

			got := mustDequeue(t, q)
			if got == nil || got.JobID != first.JobID {
				t.Fatalf("Dequeue() after recovery = %+v, want %s", got, first.JobID)
			}
		})
	}
}

func TestPriorityQueueRemove(t *testing.T) {
	t.Parallel()

	for name, factory := range queueImplementations() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newClock()
			q := factory(t, Capacity{}, clock)
			ctx := context.Background()

			m := msg("cancel-me", domain.PriorityLow)
			if err := q.Enqueue(ctx, m, clock.Now()); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}

			removed, err := q.Remove(ctx, m)
			if err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if !removed {
				t.Fatal("Remove() = false, want true")
			}

			removed, err = q.Remove(ctx, m)
			if err != nil {
				t.Fatalf("Remove() second call error = %v", err)
			}
			if removed {
				t.Fatal("Remove() second call = true, want false")
			}

			if got := mustDequeue(t, q); got != nil {
				t.Fatalf("Dequeue() after remove = %+v, want nil", got)
			}
		})
	}
}

func TestPriorityQueueAckKeepsRequeuedMessage(t *testing.T) {
	t.Parallel()

	for name, factory := range queueImplementations() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newClock()
			q := factory(t, Capacity{}, clock)
			ctx := context.Background()

			m := msg("0001-h1", domain.PriorityHigh)
			m.Channel = domain.ChannelSMS
			if err := q.Enqueue(ctx, m, clock.Now()); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if got := mustDequeue(t, q); got == nil {
				t.Fatal("Dequeue() = nil, want the message")
			}

			// One worker puts the job back, then a slower one acks its stale copy.
			if err := q.Requeue(ctx, m, clock.Now()); err != nil {
				t.Fatalf("Requeue() error = %v", err)
			}
			if err := q.Ack(ctx, m); err != nil {
				t.Fatalf("Ack() error = %v", err)
			}

			got := mustDequeue(t, q)
			if got == nil {
				t.Fatal("Dequeue() = nil, want the requeued message")
			}
			if *got != m {
				t.Fatalf("Dequeue() = %+v, want %+v", *got, m)
			}

			if err := q.Ack(ctx, *got); err != nil {
				t.Fatalf("Ack() error = %v", err)
			}
			depth, err := q.Depth(ctx)
			if err != nil {
				t.Fatalf("Depth() error = %v", err)
			}
			if depth != (Depth{}) {
				t.Fatalf("depth = %+v, want empty", depth)
			}
		})
	}
}

func TestPriorityQueueConcurrentDequeueIsExclusive(t *testing.T) {
	t.Parallel()

	for name, factory := range queueImplementations() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newClock()
			q := factory(t, Capacity{}, clock)
			ctx := context.Background()

			const jobs = 50
			for i := 0; i < jobs; i++ {
				if err := q.Enqueue(ctx, msg(fmt.Sprintf("job-%03d", i), domain.PriorityHigh), clock.Now()); err != nil {
					t.Fatalf("Enqueue() error = %v", err)
				}
			}

			var mu sync.Mutex
			seen := make(map[string]int)
			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						got, err := q.Dequeue(ctx, time.Minute)
						if err != nil {
							t.Errorf("Dequeue() error = %v", err)
							return
						}
						if got == nil {
							return
						}
						mu.Lock()
						seen[got.JobID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(seen) != jobs {
				t.Fatalf("dequeued %d distinct jobs, want %d", len(seen), jobs)
			}
			for id, count := range seen {
				if count != 1 {
					t.Fatalf("job %s dequeued %d times", id, count)
				}
			}
		})
	}
}

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	m := msg("j1", domain.PriorityHigh)
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	m.JobID = ""
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for empty job id")
	}

	m.JobID = "j1"
	m.Channel = domain.Channel("fax")
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for invalid channel")
	}

	m.Channel = domain.ChannelSMS
	m.Priority = domain.Priority("normal")
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for invalid priority")
	}
}
