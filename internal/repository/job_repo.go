package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"sendlater/internal/model"
)

type JobRepository struct {
	db *pgxpool.Pool
}

func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
        id, sender, recipient, subject, body, scheduled_at, sent_at,
        status, error, queue_ticket_id, created_at, updated_at
`

// Create inserts a new job in SCHEDULED state and returns its id.
func (r *JobRepository) Create(ctx context.Context, job *model.EmailJob) (string, error) {
	query := `
        INSERT INTO email_jobs (id, sender, recipient, subject, body, scheduled_at, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
        RETURNING id
    `
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	var id string
	err := r.db.QueryRow(ctx, query,
		job.ID,
		job.Sender,
		job.Recipient,
		job.Subject,
		job.Body,
		job.ScheduledAt,
		model.StatusScheduled,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert email job: %w", err)
	}
	return id, nil
}

// Get returns a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*model.EmailJob, error) {
	query := `SELECT` + jobColumns + `FROM email_jobs WHERE id = $1`
	var j model.EmailJob
	err := r.db.QueryRow(ctx, query, id).Scan(
		&j.ID,
		&j.Sender,
		&j.Recipient,
		&j.Subject,
		&j.Body,
		&j.ScheduledAt,
		&j.SentAt,
		&j.Status,
		&j.Error,
		&j.QueueTicketID,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkQueued records the queue ticket backing the job. Used on initial
// enqueue, on recovery hydration, and when a rate-limit deferral fires.
func (r *JobRepository) MarkQueued(ctx context.Context, id, ticketID string) error {
	query := `
        UPDATE email_jobs
        SET status = $1, queue_ticket_id = $2, updated_at = NOW()
        WHERE id = $3
    `
	_, err := r.db.Exec(ctx, query, model.StatusQueued, ticketID, id)
	return err
}

// MarkSending flags the job as claimed by a worker.
func (r *JobRepository) MarkSending(ctx context.Context, id string) error {
	query := `
        UPDATE email_jobs
        SET status = $1, updated_at = NOW()
        WHERE id = $2
    `
	_, err := r.db.Exec(ctx, query, model.StatusSending, id)
	return err
}

// MarkRateLimited records a capacity deferral together with the fresh
// ticket that will retry the job. Status, reason and ticket move in one
// statement so no partial state is ever observable.
func (r *JobRepository) MarkRateLimited(ctx context.Context, id, reason, ticketID string) error {
	query := `
        UPDATE email_jobs
        SET status = $1, error = $2, queue_ticket_id = $3, updated_at = NOW()
        WHERE id = $4
    `
	_, err := r.db.Exec(ctx, query, model.StatusRateLimited, reason, ticketID, id)
	return err
}

// MarkSent records a successful delivery and clears any previous error.
func (r *JobRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	query := `
        UPDATE email_jobs
        SET status = $1, sent_at = $2, error = NULL, updated_at = NOW()
        WHERE id = $3
    `
	_, err := r.db.Exec(ctx, query, model.StatusSent, sentAt, id)
	return err
}

// MarkFailed records a transport failure.
func (r *JobRepository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
        UPDATE email_jobs
        SET status = $1, error = $2, updated_at = NOW()
        WHERE id = $3
    `
	_, err := r.db.Exec(ctx, query, model.StatusFailed, reason, id)
	return err
}

// FindByStatus returns jobs in any of the given states ordered by
// scheduled_at ascending.
func (r *JobRepository) FindByStatus(ctx context.Context, statuses []model.Status) ([]model.EmailJob, error) {
	query := `
        SELECT` + jobColumns + `
        FROM email_jobs
        WHERE status = ANY($1)
        ORDER BY scheduled_at ASC
    `
	texts := make([]string, len(statuses))
	for i, s := range statuses {
		texts[i] = string(s)
	}

	rows, err := r.db.Query(ctx, query, texts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []model.EmailJob{}
	for rows.Next() {
		var j model.EmailJob
		err := rows.Scan(
			&j.ID,
			&j.Sender,
			&j.Recipient,
			&j.Subject,
			&j.Body,
			&j.ScheduledAt,
			&j.SentAt,
			&j.Status,
			&j.Error,
			&j.QueueTicketID,
			&j.CreatedAt,
			&j.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// FindSent returns delivered jobs, most recent first.
func (r *JobRepository) FindSent(ctx context.Context) ([]model.EmailJob, error) {
	query := `
        SELECT` + jobColumns + `
        FROM email_jobs
        WHERE status = $1
        ORDER BY sent_at DESC
    `
	rows, err := r.db.Query(ctx, query, model.StatusSent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []model.EmailJob{}
	for rows.Next() {
		var j model.EmailJob
		err := rows.Scan(
			&j.ID,
			&j.Sender,
			&j.Recipient,
			&j.Subject,
			&j.Body,
			&j.ScheduledAt,
			&j.SentAt,
			&j.Status,
			&j.Error,
			&j.QueueTicketID,
			&j.CreatedAt,
			&j.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
