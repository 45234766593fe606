package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// redeliverDelay spaces out redelivery of abandoned tickets so an
// unreachable dependency is not hammered in a tight loop.
const redeliverDelay = 2 * time.Second

// MemoryQueue is an in-process DelayQueue for tests and the single-node
// dev profile. It honors the full delivery contract: due-time release,
// one consumer per ticket, bounded backoff retries. Being process-local
// it is lost on restart, which the recovery hydrator compensates for.
type MemoryQueue struct {
	policy RetryPolicy
	logger *zap.Logger

	mu      sync.Mutex
	tickets ticketHeap
	byID    map[string]struct{}

	ready chan Ticket
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewMemoryQueue(policy RetryPolicy, logger *zap.Logger) *MemoryQueue {
	q := &MemoryQueue{
		policy: policy,
		logger: logger,
		byID:   make(map[string]struct{}),
		ready:  make(chan Ticket),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

func (q *MemoryQueue) Schedule(_ context.Context, t Ticket) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	q.mu.Lock()
	heap.Push(&q.tickets, t)
	q.byID[t.ID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t.ID, nil
}

func (q *MemoryQueue) Pending(_ context.Context, ticketID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[ticketID]
	return ok, nil
}

// run releases due tickets to the ready channel in due-time order.
func (q *MemoryQueue) run() {
	for {
		q.mu.Lock()
		wait := time.Hour
		var due *Ticket
		if q.tickets.Len() > 0 {
			next := q.tickets[0]
			until := time.Until(next.DueAt)
			if until <= 0 {
				// The id stays in byID until the delivery settles, so
				// Pending keeps answering true for the in-flight phase.
				t := heap.Pop(&q.tickets).(Ticket)
				due = &t
			} else {
				wait = until
			}
		}
		q.mu.Unlock()

		if due != nil {
			select {
			case <-q.done:
				return
			case q.ready <- *due:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-q.done:
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case t := <-q.ready:
			q.handleTicket(ctx, t, handler)
		}
	}
}

// release retires a settled ticket id. Abandoned tickets are not
// released: they keep their id through the re-schedule.
func (q *MemoryQueue) release(id string) {
	q.mu.Lock()
	delete(q.byID, id)
	q.mu.Unlock()
}

func (q *MemoryQueue) handleTicket(ctx context.Context, t Ticket, handler Handler) {
	err := handler(ctx, t)
	if err == nil {
		q.release(t.ID)
		return
	}

	if IsAbandon(err) {
		q.logger.Warn("Attempt abandoned, redelivering",
			zap.String("ticket_id", t.ID),
			zap.String("job_id", t.JobID),
			zap.Error(err),
		)
		t.DueAt = time.Now().Add(redeliverDelay)
		_, _ = q.Schedule(ctx, t)
		return
	}

	retry, ok := q.policy.NextRetry(t, time.Now())
	if !ok {
		q.logger.Warn("Ticket drained after final attempt",
			zap.String("ticket_id", t.ID),
			zap.String("job_id", t.JobID),
			zap.Int("attempt", t.Attempt),
			zap.Error(err),
		)
		q.release(t.ID)
		return
	}

	if _, schedErr := q.Schedule(ctx, retry); schedErr != nil {
		q.logger.Error("Failed to schedule retry ticket", zap.Error(schedErr))
		q.release(t.ID)
		return
	}
	q.release(t.ID)
	q.logger.Info("Retry ticket scheduled",
		zap.String("job_id", t.JobID),
		zap.String("ticket_id", retry.ID),
		zap.Int("attempt", retry.Attempt),
		zap.Time("due_at", retry.DueAt),
	)
}

type ticketHeap []Ticket

func (h ticketHeap) Len() int            { return len(h) }
func (h ticketHeap) Less(i, j int) bool  { return h[i].DueAt.Before(h[j].DueAt) }
func (h ticketHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *ticketHeap) Push(x interface{}) { *h = append(*h, x.(Ticket)) }
func (h *ticketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
