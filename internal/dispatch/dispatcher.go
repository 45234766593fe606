package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sendlater/internal/model"
	"sendlater/internal/queue"
	"sendlater/pkg/metrics"
)

const rateLimitReason = "hourly rate limit reached; will retry"

// JobStore is the slice of the job repository the dispatcher writes
// through. Each Mark* call persists its full field set in one statement.
type JobStore interface {
	Get(ctx context.Context, id string) (*model.EmailJob, error)
	MarkQueued(ctx context.Context, id, ticketID string) error
	MarkSending(ctx context.Context, id string) error
	MarkRateLimited(ctx context.Context, id, reason, ticketID string) error
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// RateGate claims one send slot across both limit scopes, rolling back
// on refusal.
type RateGate interface {
	AcquireSend(ctx context.Context, sender string) (bool, error)
}

// Transport matches mailer.Transport without importing it.
type Transport interface {
	Send(ctx context.Context, from, to, subject, htmlBody, textBody string) (string, error)
}

type Config struct {
	// Workers is the fixed number of concurrent ticket consumers.
	Workers int
	// MinSendInterval is the per-worker spacing between transport calls.
	MinSendInterval time.Duration
	// RateLimitRetryInterval is the fixed re-delay after a capacity
	// refusal. Deliberately not exponential: a full window is a capacity
	// condition, not a fault.
	RateLimitRetryInterval time.Duration
}

// Dispatcher runs the worker pool that turns due tickets into transport
// calls and job state transitions.
type Dispatcher struct {
	queue     queue.DelayQueue
	store     JobStore
	gate      RateGate
	transport Transport
	cfg       Config
	logger    *zap.Logger
}

func New(q queue.DelayQueue, store JobStore, gate RateGate, transport Transport, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:     q,
		store:     store,
		gate:      gate,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run starts the configured number of workers and blocks until ctx ends
// and all in-flight leases have completed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			d.logger.Info("Worker started", zap.Int("worker_id", id))
			pacer := rate.NewLimiter(rate.Every(d.cfg.MinSendInterval), 1)

			if err := d.queue.Consume(ctx, d.handler(id, pacer)); err != nil {
				d.logger.Error("Worker consume loop failed",
					zap.Int("worker_id", id),
					zap.Error(err),
				)
			}
			d.logger.Info("Worker shutting down", zap.Int("worker_id", id))
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) handler(workerID int, pacer *rate.Limiter) queue.Handler {
	return func(ctx context.Context, t queue.Ticket) error {
		start := time.Now()
		defer func() { metrics.ObserveDispatch(time.Since(start)) }()
		return d.process(ctx, workerID, pacer, t)
	}
}

func (d *Dispatcher) process(ctx context.Context, workerID int, pacer *rate.Limiter, t queue.Ticket) error {
	log := d.logger.With(
		zap.Int("worker_id", workerID),
		zap.String("job_id", t.JobID),
		zap.String("ticket_id", t.ID),
	)

	job, err := d.store.Get(ctx, t.JobID)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Warn("Ticket references missing job, dropping")
		return nil
	}
	if err != nil {
		return queue.Abandon(err)
	}

	// A stale ticket can outlive a delivered job after crash recovery
	// re-enqueued it; the row is the source of truth.
	if job.Status == model.StatusSent {
		log.Info("Job already sent, dropping duplicate ticket")
		return nil
	}

	// A firing deferral re-enters the queue before anything else. The
	// SCHEDULED case covers a ticket racing ahead of the creator's
	// MarkQueued write: being dequeued proves the job was enqueued.
	if job.Status == model.StatusRateLimited || job.Status == model.StatusScheduled {
		if err := d.store.MarkQueued(ctx, job.ID, t.ID); err != nil {
			return queue.Abandon(err)
		}
		job.Status = model.StatusQueued
	}

	allowed, err := d.gate.AcquireSend(ctx, t.Sender)
	if err != nil {
		return queue.Abandon(err)
	}
	if !allowed {
		return d.deferJob(ctx, log, job, t)
	}

	if model.CanTransition(job.Status, model.StatusSending) {
		if err := d.store.MarkSending(ctx, job.ID); err != nil {
			return queue.Abandon(err)
		}
	}

	// Soft pacing so one worker never bursts into the downstream server.
	if err := pacer.Wait(ctx); err != nil {
		return queue.Abandon(err)
	}

	messageID, err := d.transport.Send(ctx, t.Sender, t.Recipient, t.Subject, t.Body, "")
	if err != nil {
		log.Error("Transport send failed",
			zap.Int("attempt", t.Attempt),
			zap.Error(err),
		)
		if markErr := d.store.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			return queue.Abandon(markErr)
		}
		metrics.IncOutcome("failed")
		// Hand the failure to the queue layer; its bounded backoff decides
		// whether another attempt happens.
		return err
	}

	if err := d.store.MarkSent(ctx, job.ID, time.Now()); err != nil {
		// The mail is out; redelivery will land on the SENT guard once
		// the row write eventually succeeds, so do not fail the attempt
		// all the way to a queue retry.
		return queue.Abandon(err)
	}

	metrics.IncOutcome("sent")
	log.Info("Email sent",
		zap.String("recipient", t.Recipient),
		zap.String("message_id", messageID),
	)
	return nil
}

// deferJob schedules a brand-new ticket at now + RateLimitRetryInterval
// and acknowledges the current one. The attempt count carries over
// unchanged: a capacity deferral is not a failed attempt.
func (d *Dispatcher) deferJob(ctx context.Context, log *zap.Logger, job *model.EmailJob, t queue.Ticket) error {
	next := t
	next.ID = ""
	next.DueAt = time.Now().Add(d.cfg.RateLimitRetryInterval)

	ticketID, err := d.queue.Schedule(ctx, next)
	if err != nil {
		return queue.Abandon(err)
	}
	metrics.TicketsScheduled.Inc()

	if model.CanTransition(job.Status, model.StatusRateLimited) {
		if err := d.store.MarkRateLimited(ctx, job.ID, rateLimitReason, ticketID); err != nil {
			// The deferral ticket is already parked; the retry will still
			// fire, so only log the bookkeeping miss.
			log.Error("Failed to mark job rate limited", zap.Error(err))
		}
	}

	metrics.IncOutcome("rate_limited")
	log.Info("Job deferred by rate limit",
		zap.String("sender", t.Sender),
		zap.String("retry_ticket_id", ticketID),
		zap.Time("due_at", next.DueAt),
	)
	return nil
}
