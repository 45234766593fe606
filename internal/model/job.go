package model

import "time"

// Status is the lifecycle state of an email job. Transitions only move
// forward along the edges in Transitions; the job store is the single
// source of truth for the current value.
type Status string

const (
	StatusScheduled   Status = "SCHEDULED"
	StatusQueued      Status = "QUEUED"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusSending     Status = "SENDING"
	StatusSent        Status = "SENT"
	StatusFailed      Status = "FAILED"
)

// NonTerminalStatuses are the states the recovery hydrator re-enqueues
// at startup.
var NonTerminalStatuses = []Status{StatusScheduled, StatusQueued, StatusRateLimited}

// Transitions holds the legal status edges.
//
// QUEUED -> QUEUED covers re-hydration after a restart (the row keeps its
// status but gets a fresh queue ticket). FAILED -> SENDING is the one
// queue-level exception: a bounded delivery retry re-attempts a job whose
// previous transport call failed without resurrecting it through QUEUED.
var Transitions = map[Status][]Status{
	StatusScheduled:   {StatusQueued},
	StatusQueued:      {StatusQueued, StatusRateLimited, StatusSending},
	StatusRateLimited: {StatusQueued},
	StatusSending:     {StatusSent, StatusFailed},
	StatusFailed:      {StatusSending},
	StatusSent:        {},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to Status) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state machine is done with the job.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// EmailJob is one scheduled email. ScheduledAt is set at creation and
// never mutated afterwards; recovery recomputes only the queue ticket's
// due time so the original intent stays auditable.
type EmailJob struct {
	ID            string     `json:"id"`
	Sender        string     `json:"sender"`
	Recipient     string     `json:"recipient"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	Status        Status     `json:"status"`
	Error         *string    `json:"error,omitempty"`
	QueueTicketID *string    `json:"queue_ticket_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
