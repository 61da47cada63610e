package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/kursadbilgin/dispatch-core/internal/events"
	"github.com/kursadbilgin/dispatch-core/internal/provider"
	"github.com/kursadbilgin/dispatch-core/internal/queue"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
	"go.uber.org/zap"
)

const testCaller = "caller-1"

type fakeDispatcher struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, n domain.ResolvedNotification) (*provider.DeliveryReceipt, error)
	sent   []domain.ResolvedNotification
}

func (f *fakeDispatcher) Send(ctx context.Context, n domain.ResolvedNotification) (*provider.DeliveryReceipt, error) {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, n)
	}
	return &provider.DeliveryReceipt{StatusCode: 202, MessageID: "msg-" + n.JobID}, nil
}

func (f *fakeDispatcher) calls() []domain.ResolvedNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ResolvedNotification(nil), f.sent...)
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, channel domain.Channel) error
}

func (f *fakeRateLimiter) Wait(ctx context.Context, channel domain.Channel) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, channel)
	}
	return nil
}

type fakeLocker struct {
	acquireFn func(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, key, ttl)
	}
	return func(context.Context) error { return nil }, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, event events.Event) error
	published []events.Event
}

func (f *fakePublisher) Publish(ctx context.Context, event events.Event) error {
	f.mu.Lock()
	f.published = append(f.published, event)
	f.mu.Unlock()

	if f.publishFn != nil {
		return f.publishFn(ctx, event)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) types() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()

	types := make([]events.Type, 0, len(f.published))
	for _, event := range f.published {
		types = append(types, event.Type)
	}
	return types
}

// flakyStatuses lets a test fail status transitions while the rest of the ledger works.
type flakyStatuses struct {
	repository.StatusRepository
	transitionFn func(ctx context.Context, jobID string, change repository.StatusChange) error
}

func (f *flakyStatuses) Transition(ctx context.Context, jobID string, change repository.StatusChange) error {
	if f.transitionFn != nil {
		if err := f.transitionFn(ctx, jobID, change); err != nil {
			return err
		}
	}
	return f.StatusRepository.Transition(ctx, jobID, change)
}

// flakyDeadLetters lets a test fail dead-letter writes.
type flakyDeadLetters struct {
	repository.DeadLetterRepository
	createFn func(ctx context.Context, entry *domain.DeadLetterEntry) error
}

func (f *flakyDeadLetters) Create(ctx context.Context, entry *domain.DeadLetterEntry) error {
	if f.createFn != nil {
		if err := f.createFn(ctx, entry); err != nil {
			return err
		}
	}
	return f.DeadLetterRepository.Create(ctx, entry)
}

// newShortLeasePool builds a retry controller and pool over stores whose leases run out fast.
func newShortLeasePool(t *testing.T, h *harness, stores Stores, policy RetryPolicy, lease time.Duration) *WorkerPool {
	t.Helper()

	retries, err := NewRetryController(stores, h.queue, h.publisher, policy, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryController() error = %v", err)
	}
	pool, err := NewWorkerPool(stores, h.queue, h.dispatcher, nil, retries, h.publisher, WorkerPoolConfig{
		Concurrency:  1,
		PollInterval: time.Millisecond,
		Lease:        lease,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerPool() error = %v", err)
	}
	return pool
}

// processOne polls until pool takes a job and returns the outcome of processing it.
func processOne(t *testing.T, pool *WorkerPool) error {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		processed, err := pool.ProcessNext(context.Background(), "worker-test")
		if processed {
			return err
		}
		if err != nil {
			t.Fatalf("ProcessNext() error = %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no job became eligible in time")
	return nil
}

// harness wires the dispatch flow over the in-memory store and queue.
type harness struct {
	store      *repository.MemoryStore
	stores     Stores
	queue      *queue.MemoryQueue
	dispatcher *fakeDispatcher
	publisher  *fakePublisher
	gateway    *Gateway
	retries    *RetryController
	pool       *WorkerPool
}

func newHarness(t *testing.T, capacity queue.Capacity) *harness {
	t.Helper()

	store := repository.NewMemoryStore(time.Hour)
	stores := MemoryStores(store)
	q := queue.NewMemoryQueue(capacity)
	dispatcher := &fakeDispatcher{}
	publisher := &fakePublisher{}
	logger := zap.NewNop()

	gateway, err := NewGateway(stores, q, NewLocalLocker(), publisher, GatewayConfig{}, logger)
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}

	// Millisecond backoff keeps retried jobs eligible almost at once.
	retries, err := NewRetryController(stores, q, publisher, RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("NewRetryController() error = %v", err)
	}
	retries.writes.sleep = func(context.Context, time.Duration) error { return nil }

	pool, err := NewWorkerPool(stores, q, dispatcher, &fakeRateLimiter{}, retries, publisher, WorkerPoolConfig{
		Concurrency:  1,
		PollInterval: time.Millisecond,
		Lease:        time.Minute,
	}, logger)
	if err != nil {
		t.Fatalf("NewWorkerPool() error = %v", err)
	}
	pool.writes.sleep = func(context.Context, time.Duration) error { return nil }

	return &harness{
		store:      store,
		stores:     stores,
		queue:      q,
		dispatcher: dispatcher,
		publisher:  publisher,
		gateway:    gateway,
		retries:    retries,
		pool:       pool,
	}
}

func (h *harness) submit(t *testing.T, key string, channel domain.Channel, priority domain.Priority) *domain.SubmitResult {
	t.Helper()

	result, err := h.gateway.Submit(context.Background(), testCaller, newRequest(key, channel, priority))
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", key, err)
	}
	return result
}

// drain processes jobs until both queues are empty, waiting out short backoff delays.
func (h *harness) drain(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		processed, err := h.pool.ProcessNext(ctx, "worker-test")
		if err != nil {
			t.Fatalf("ProcessNext() error = %v", err)
		}
		if processed {
			continue
		}

		depth, err := h.queue.Depth(ctx)
		if err != nil {
			t.Fatalf("Depth() error = %v", err)
		}
		if depth.High == 0 && depth.Low == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("queue was not drained in time")
}

func newRequest(key string, channel domain.Channel, priority domain.Priority) domain.NotificationRequest {
	recipient := "user@example.com"
	if channel == domain.ChannelSMS {
		recipient = "+905551112233"
	}
	return domain.NotificationRequest{
		IdempotencyKey: key,
		RecipientID:    recipient,
		Channel:        channel,
		Priority:       priority,
		Template:       "welcome",
		Payload:        map[string]any{"subject": "Hi", "body": "hello"},
	}
}
