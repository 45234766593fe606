package api

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"sendlater/internal/model"
	"sendlater/internal/queue"
	"sendlater/pkg/metrics"
)

// JobStore is the slice of the job repository the API uses.
type JobStore interface {
	Create(ctx context.Context, job *model.EmailJob) (string, error)
	Get(ctx context.Context, id string) (*model.EmailJob, error)
	FindByStatus(ctx context.Context, statuses []model.Status) ([]model.EmailJob, error)
	FindSent(ctx context.Context) ([]model.EmailJob, error)
	MarkQueued(ctx context.Context, id, ticketID string) error
}

type EmailHandler struct {
	store  JobStore
	queue  queue.DelayQueue
	logger *zap.Logger
}

func NewEmailHandler(store JobStore, q queue.DelayQueue, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{
		store:  store,
		queue:  q,
		logger: logger,
	}
}

type scheduleRequest struct {
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func validEmail(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}

// Schedule handles POST /api/emails/schedule
func (h *EmailHandler) Schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if !validEmail(req.Sender) || !validEmail(req.Recipient) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sender and recipient must be valid email addresses"})
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject must not be empty"})
		return
	}
	if !req.ScheduledAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_at must be in the future"})
		return
	}

	ctx := c.Request.Context()
	job := &model.EmailJob{
		Sender:      req.Sender,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		ScheduledAt: req.ScheduledAt,
	}

	id, err := h.store.Create(ctx, job)
	if err != nil {
		h.logger.Error("Failed to create email job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	ticketID, err := h.queue.Schedule(ctx, queue.Ticket{
		JobID:     id,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		DueAt:     req.ScheduledAt,
	})
	if err != nil {
		// The row survives as SCHEDULED; the recovery hydrator will
		// enqueue it on the next start.
		h.logger.Error("Failed to schedule ticket", zap.String("job_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule job"})
		return
	}
	metrics.TicketsScheduled.Inc()

	if err := h.store.MarkQueued(ctx, id, ticketID); err != nil {
		h.logger.Error("Failed to mark job queued", zap.String("job_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule job"})
		return
	}

	h.logger.Info("Email scheduled",
		zap.String("job_id", id),
		zap.String("sender", req.Sender),
		zap.Time("scheduled_at", req.ScheduledAt),
	)

	c.JSON(http.StatusCreated, gin.H{
		"id":           id,
		"scheduled_at": req.ScheduledAt.UTC().Format(time.RFC3339),
		"message":      "Email scheduled",
	})
}

// ListScheduled handles GET /api/emails/scheduled
func (h *EmailHandler) ListScheduled(c *gin.Context) {
	statuses := []model.Status{
		model.StatusScheduled,
		model.StatusQueued,
		model.StatusRateLimited,
		model.StatusSending,
	}
	jobs, err := h.store.FindByStatus(c.Request.Context(), statuses)
	if err != nil {
		h.logger.Error("Failed to list scheduled jobs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// ListSent handles GET /api/emails/sent
func (h *EmailHandler) ListSent(c *gin.Context) {
	jobs, err := h.store.FindSent(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list sent jobs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// GetByID handles GET /api/emails/:id
func (h *EmailHandler) GetByID(c *gin.Context) {
	job, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, pgx.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, job)
}
