package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Ticket is one scheduled delivery attempt for a job. A retry or
// re-delay always creates a fresh ticket; DueAt is never mutated in
// place, which keeps scheduling order auditable.
type Ticket struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Attempt   int       `json:"attempt"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	DueAt     time.Time `json:"due_at"`
}

// Handler processes one leased ticket. A nil return acknowledges the
// ticket. An error wrapped by Abandon returns the lease without counting
// an attempt (infrastructure trouble). Any other error counts as a
// failed attempt and is retried with backoff up to the policy bound.
type Handler func(ctx context.Context, t Ticket) error

// DelayQueue releases each scheduled ticket to exactly one concurrent
// consumer at or after its due time. The queue is a disposable scheduling
// index: its whole content can be rebuilt from the job store at startup.
type DelayQueue interface {
	// Schedule enqueues a ticket and returns its id, assigning one when
	// the ticket has none.
	Schedule(ctx context.Context, t Ticket) (string, error)
	// Pending reports whether the ticket is still live: parked until its
	// due time, released to the work queue, or in flight with a consumer.
	// A ticket stops being pending only once its delivery is settled.
	Pending(ctx context.Context, ticketID string) (bool, error)
	// Consume blocks delivering due tickets to handler until ctx ends.
	// One Consume call processes one ticket at a time; run several calls
	// for concurrent consumption.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// RetryPolicy bounds delivery retries after handler failures. The delay
// before attempt n is InitialBackoff * 2^n.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// NextRetry builds the follow-up ticket for a failed attempt. ok is
// false once the attempt budget is spent and the ticket drains.
func (p RetryPolicy) NextRetry(t Ticket, now time.Time) (Ticket, bool) {
	if t.Attempt+1 >= p.MaxAttempts {
		return Ticket{}, false
	}
	next := t
	next.ID = uuid.NewString()
	next.Attempt = t.Attempt + 1
	next.DueAt = now.Add(p.InitialBackoff << uint(t.Attempt))
	return next, true
}

type abandonError struct {
	err error
}

func (e *abandonError) Error() string { return "attempt abandoned: " + e.err.Error() }
func (e *abandonError) Unwrap() error { return e.err }

// Abandon marks err as an infrastructure failure: the current attempt is
// aborted without terminal bookkeeping and the ticket is redelivered
// after the lease returns.
func Abandon(err error) error {
	return &abandonError{err: err}
}

// IsAbandon reports whether err came from Abandon.
func IsAbandon(err error) bool {
	var a *abandonError
	return errors.As(err, &a)
}
