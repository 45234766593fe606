package hydrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sendlater/internal/model"
	"sendlater/internal/queue"
	"sendlater/pkg/metrics"
)

// JobStore is the slice of the job repository the hydrator reads and
// writes through.
type JobStore interface {
	FindByStatus(ctx context.Context, statuses []model.Status) ([]model.EmailJob, error)
	MarkQueued(ctx context.Context, id, ticketID string) error
}

// Hydrator rebuilds the delay queue from durable job rows at startup.
// The queue is a derived, disposable scheduling index; the job store is
// the source of truth, so any ticket lost to a crash is recreated here.
type Hydrator struct {
	store  JobStore
	queue  queue.DelayQueue
	logger *zap.Logger
	now    func() time.Time
}

func New(store JobStore, q queue.DelayQueue, logger *zap.Logger) *Hydrator {
	return &Hydrator{store: store, queue: q, logger: logger, now: time.Now}
}

// Run re-enqueues every non-terminal job exactly once. It must complete
// before the dispatcher starts consuming. Jobs still due in the future
// keep their original due time; jobs that came due during downtime are
// scheduled for immediate dispatch. ScheduledAt itself is never touched.
func (h *Hydrator) Run(ctx context.Context) error {
	jobs, err := h.store.FindByStatus(ctx, model.NonTerminalStatuses)
	if err != nil {
		return fmt.Errorf("failed to load non-terminal jobs: %w", err)
	}

	hydrated := 0
	for _, job := range jobs {
		// A row whose ticket still waits in the queue was not lost;
		// re-enqueueing it would double-deliver. This is what makes a
		// second back-to-back run a no-op.
		if job.QueueTicketID != nil {
			pending, err := h.queue.Pending(ctx, *job.QueueTicketID)
			if err != nil {
				return fmt.Errorf("failed to check ticket %s: %w", *job.QueueTicketID, err)
			}
			if pending {
				continue
			}
		}

		now := h.now()
		due := job.ScheduledAt
		if due.Before(now) {
			due = now
		}

		ticketID, err := h.queue.Schedule(ctx, queue.Ticket{
			JobID:     job.ID,
			Sender:    job.Sender,
			Recipient: job.Recipient,
			Subject:   job.Subject,
			Body:      job.Body,
			DueAt:     due,
		})
		if err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", job.ID, err)
		}
		metrics.TicketsScheduled.Inc()

		if err := h.store.MarkQueued(ctx, job.ID, ticketID); err != nil {
			return fmt.Errorf("failed to mark job %s queued: %w", job.ID, err)
		}

		hydrated++
		metrics.JobsHydrated.Inc()
	}

	h.logger.Info("Hydration complete",
		zap.Int("examined", len(jobs)),
		zap.Int("hydrated", hydrated),
	)
	return nil
}
