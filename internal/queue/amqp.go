package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ExchangeName    = "dispatch"
	DLQExchangeName = "dispatch.dlq"

	sendRoutingKey = "email.send"
	sendQueueName  = "email.send.q"
	dlqQueueName   = "email.send.dlq"

	scheduledKey  = "delayq:scheduled"
	ticketBodyKey = "delayq:tickets"

	promoteInterval = 500 * time.Millisecond
	promoteBatch    = 100
)

// AMQPQueue is the production delay queue. Not-yet-due tickets wait in a
// Redis sorted set scored by due time; a promoter loop moves due tickets
// onto a durable RabbitMQ queue, where manual acknowledgement gives each
// delivery lease semantics: an unacked ticket returns to the queue when
// its consumer dies. Drained tickets land on a dead letter queue for
// inspection.
type AMQPQueue struct {
	conn   *amqp091.Connection
	rdb    *redis.Client
	policy RetryPolicy
	logger *zap.Logger

	pubMu sync.Mutex
	pub   *amqp091.Channel
}

func NewAMQPQueue(url string, rdb *redis.Client, policy RetryPolicy, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("Delay queue initialized",
		zap.String("queue", sendQueueName),
		zap.String("exchange", ExchangeName),
	)

	return &AMQPQueue{
		conn:   conn,
		rdb:    rdb,
		policy: policy,
		logger: logger,
		pub:    ch,
	}, nil
}

func declareTopology(ch *amqp091.Channel) error {
	err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(sendQueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, sendRoutingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	err = ch.ExchangeDeclare(DLQExchangeName, "topic", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	dq, err := ch.QueueDeclare(dlqQueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	if err := ch.QueueBind(dq.Name, sendRoutingKey, DLQExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ queue: %w", err)
	}

	return nil
}

func (q *AMQPQueue) Close() error {
	q.pubMu.Lock()
	if q.pub != nil {
		_ = q.pub.Close()
	}
	q.pubMu.Unlock()
	return q.conn.Close()
}

// Schedule parks a future ticket in the sorted set, or publishes it to
// the work queue directly when it is already due.
func (q *AMQPQueue) Schedule(ctx context.Context, t Ticket) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	body, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	if !t.DueAt.After(time.Now()) {
		// Record the payload before publishing so the ticket reads as
		// pending for its whole ready/in-flight phase.
		if err := q.rdb.HSet(ctx, ticketBodyKey, t.ID, body).Err(); err != nil {
			return "", fmt.Errorf("failed to record ticket: %w", err)
		}
		if err := q.publish(body); err != nil {
			q.rdb.HDel(ctx, ticketBodyKey, t.ID)
			return "", err
		}
		return t.ID, nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(t.DueAt.UnixMilli()),
		Member: t.ID,
	})
	pipe.HSet(ctx, ticketBodyKey, t.ID, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to schedule ticket: %w", err)
	}
	return t.ID, nil
}

// Pending covers every live phase: a ticket waiting in the scheduled
// set, promoted onto the work queue, or leased by a consumer. The
// payload hash entry exists for all of them and is deleted only when
// the delivery settles.
func (q *AMQPQueue) Pending(ctx context.Context, ticketID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, scheduledKey, ticketID).Result()
	if err == nil {
		return true, nil
	}
	if err != redis.Nil {
		return false, err
	}
	return q.rdb.HExists(ctx, ticketBodyKey, ticketID).Result()
}

func (q *AMQPQueue) publish(body []byte) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.Publish(
		ExchangeName,
		sendRoutingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
		},
	)
}

func (q *AMQPQueue) publishToDLQ(body []byte, reason string) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.Publish(
		DLQExchangeName,
		sendRoutingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
			Headers: amqp091.Table{
				"x-original-error": reason,
				"x-drained-at":     time.Now().UTC().Format(time.RFC3339),
			},
		},
	)
}

// RunPromoter moves due tickets from the sorted set to the work queue
// until ctx ends. Safe to run on several instances: the ZRem claim makes
// exactly one of them publish each ticket.
func (q *AMQPQueue) RunPromoter(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("Ticket promotion failed", zap.Error(err))
			}
		}
	}
}

func (q *AMQPQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		// The ZRem return value is the claim: whoever removes the member
		// owns the publish.
		removed, err := q.rdb.ZRem(ctx, scheduledKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}

		body, err := q.rdb.HGet(ctx, ticketBodyKey, id).Bytes()
		if err == redis.Nil {
			q.logger.Warn("Scheduled ticket has no payload, dropping", zap.String("ticket_id", id))
			continue
		}
		if err != nil {
			return err
		}

		if err := q.publish(body); err != nil {
			// Put the claim back so the ticket is not lost; it will be
			// retried on the next tick.
			q.rdb.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
			return fmt.Errorf("failed to publish due ticket: %w", err)
		}
		// The payload stays in the hash while the ticket rides the work
		// queue; the consumer retires it on settlement.

		q.logger.Debug("Ticket promoted", zap.String("ticket_id", id))
	}
	return nil
}

// Consume delivers work-queue tickets to handler one at a time. Each call
// opens its own channel with prefetch 1, so a worker never holds more
// than one lease.
func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(sendQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			q.handleDelivery(ctx, msg, handler)
		}
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, msg amqp091.Delivery, handler Handler) {
	// Panic in a handler must not leak the lease.
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Handler panic recovered", zap.Any("panic", r))
			if err := msg.Nack(false, true); err != nil {
				q.logger.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	var t Ticket
	if err := json.Unmarshal(msg.Body, &t); err != nil {
		// Malformed payloads never become deliverable; park them for
		// inspection instead of requeue-looping.
		q.logger.Error("Undecodable ticket, routing to DLQ", zap.Error(err))
		if dlqErr := q.publishToDLQ(msg.Body, err.Error()); dlqErr != nil {
			q.logger.Error("Failed to publish to DLQ", zap.Error(dlqErr))
		}
		_ = msg.Ack(false)
		return
	}

	err := handler(ctx, t)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			q.logger.Error("Failed to ack ticket", zap.String("ticket_id", t.ID), zap.Error(ackErr))
		}
		q.retire(ctx, t.ID)
		return
	}

	if IsAbandon(err) {
		// Infrastructure trouble: return the lease, the ticket will be
		// redelivered.
		q.logger.Warn("Attempt abandoned, returning lease",
			zap.String("ticket_id", t.ID),
			zap.String("job_id", t.JobID),
			zap.Error(err),
		)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			q.logger.Error("Failed to nack ticket", zap.Error(nackErr))
		}
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
		if dlqErr := q.publishToDLQ(msg.Body, err.Error()); dlqErr != nil {
			q.logger.Error("Failed to publish drained ticket to DLQ", zap.Error(dlqErr))
		}
		_ = msg.Ack(false)
		q.retire(ctx, t.ID)
		return
	}

	if _, schedErr := q.Schedule(ctx, retry); schedErr != nil {
		// Could not park the retry; keep the original delivery alive.
		q.logger.Error("Failed to schedule retry ticket", zap.Error(schedErr))
		if nackErr := msg.Nack(false, true); nackErr != nil {
			q.logger.Error("Failed to nack ticket", zap.Error(nackErr))
		}
		return
	}

	q.logger.Info("Retry ticket scheduled",
		zap.String("job_id", t.JobID),
		zap.String("ticket_id", retry.ID),
		zap.Int("attempt", retry.Attempt),
		zap.Time("due_at", retry.DueAt),
	)
	_ = msg.Ack(false)
	q.retire(ctx, t.ID)
}

// retire deletes the payload entry of a settled ticket. Unacked or
// requeued tickets keep theirs, which is what keeps them pending.
func (q *AMQPQueue) retire(ctx context.Context, ticketID string) {
	if err := q.rdb.HDel(ctx, ticketBodyKey, ticketID).Err(); err != nil {
		q.logger.Error("Failed to retire ticket payload",
			zap.String("ticket_id", ticketID),
			zap.Error(err),
		)
	}
}
