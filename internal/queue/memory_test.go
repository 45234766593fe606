package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMemoryQueue(t *testing.T, policy RetryPolicy) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(policy, zap.NewNop())
	t.Cleanup(func() { q.Close() })
	return q
}

type recorder struct {
	mu    sync.Mutex
	seen  []Ticket
	times []time.Time
}

func (r *recorder) handler(result func(Ticket) error) Handler {
	return func(_ context.Context, t Ticket) error {
		r.mu.Lock()
		r.seen = append(r.seen, t)
		r.times = append(r.times, time.Now())
		r.mu.Unlock()
		if result == nil {
			return nil
		}
		return result(t)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestMemoryQueueDeliversAtDueTime(t *testing.T) {
	q := newTestMemoryQueue(t, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	due := time.Now().Add(150 * time.Millisecond)
	id, err := q.Schedule(ctx, Ticket{JobID: "job-1", DueAt: due})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending, err := q.Pending(ctx, id)
	require.NoError(t, err)
	assert.True(t, pending)

	rec := &recorder{}
	go q.Consume(ctx, rec.handler(nil))

	// Not yet due.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, time.Now().Before(due), "delivery must not happen before due time")

	require.Eventually(t, func() bool {
		pending, err := q.Pending(ctx, id)
		return err == nil && !pending
	}, time.Second, 10*time.Millisecond, "a settled ticket must stop being pending")

	// Exactly once.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

// A due ticket that left the heap but has not been settled by a
// consumer is still live; Pending answering false here would let
// recovery hydration enqueue a duplicate.
func TestMemoryQueuePendingCoversReadyTickets(t *testing.T) {
	q := newTestMemoryQueue(t, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second})
	ctx := context.Background()

	// No consumer running: the ticket sits in the ready phase.
	id, err := q.Schedule(ctx, Ticket{JobID: "job-1", DueAt: time.Now()})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	pending, err := q.Pending(ctx, id)
	require.NoError(t, err)
	assert.True(t, pending, "an unsettled due ticket is still pending")
}

func TestMemoryQueueDeliversInDueOrder(t *testing.T) {
	q := newTestMemoryQueue(t, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	_, err := q.Schedule(ctx, Ticket{JobID: "late", DueAt: now.Add(120 * time.Millisecond)})
	require.NoError(t, err)
	_, err = q.Schedule(ctx, Ticket{JobID: "early", DueAt: now.Add(40 * time.Millisecond)})
	require.NoError(t, err)

	rec := &recorder{}
	go q.Consume(ctx, rec.handler(nil))

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "early", rec.seen[0].JobID)
	assert.Equal(t, "late", rec.seen[1].JobID)
}

func TestMemoryQueueRetriesWithBackoffUntilDrained(t *testing.T) {
	q := newTestMemoryQueue(t, RetryPolicy{MaxAttempts: 3, InitialBackoff: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	rec := &recorder{}
	go q.Consume(ctx, rec.handler(func(Ticket) error { return boom }))

	_, err := q.Schedule(ctx, Ticket{JobID: "job-1", DueAt: time.Now()})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	// Drained: the budget is spent, no further deliveries.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, rec.count())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 0, rec.seen[0].Attempt)
	assert.Equal(t, 1, rec.seen[1].Attempt)
	assert.Equal(t, 2, rec.seen[2].Attempt)
}

func TestMemoryQueueConcurrentConsumersShareTickets(t *testing.T) {
	q := newTestMemoryQueue(t, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	for i := 0; i < 4; i++ {
		go q.Consume(ctx, rec.handler(nil))
	}

	const n = 20
	for i := 0; i < n; i++ {
		_, err := q.Schedule(ctx, Ticket{JobID: "job", DueAt: time.Now()})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return rec.count() == n }, 2*time.Second, 10*time.Millisecond)

	// Each ticket went to exactly one consumer.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, rec.count())
}
