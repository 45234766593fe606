package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sendlater/internal/model"
	"sendlater/internal/queue"
)

// fakeStore keeps jobs in memory and rejects any status edge the model
// graph forbids, so a dispatcher bug surfaces as a test failure here.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*model.EmailJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*model.EmailJob)}
}

func (s *fakeStore) add(job model.EmailJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &job
}

func (s *fakeStore) transition(id string, to model.Status, mutate func(*model.EmailJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if !model.CanTransition(job.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", job.Status, to, id)
	}
	job.Status = to
	mutate(job)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*model.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) MarkQueued(_ context.Context, id, ticketID string) error {
	return s.transition(id, model.StatusQueued, func(j *model.EmailJob) {
		j.QueueTicketID = &ticketID
	})
}

func (s *fakeStore) MarkSending(_ context.Context, id string) error {
	return s.transition(id, model.StatusSending, func(*model.EmailJob) {})
}

func (s *fakeStore) MarkRateLimited(_ context.Context, id, reason, ticketID string) error {
	return s.transition(id, model.StatusRateLimited, func(j *model.EmailJob) {
		j.Error = &reason
		j.QueueTicketID = &ticketID
	})
}

func (s *fakeStore) MarkSent(_ context.Context, id string, sentAt time.Time) error {
	return s.transition(id, model.StatusSent, func(j *model.EmailJob) {
		j.SentAt = &sentAt
		j.Error = nil
	})
}

func (s *fakeStore) MarkFailed(_ context.Context, id, reason string) error {
	return s.transition(id, model.StatusFailed, func(j *model.EmailJob) {
		j.Error = &reason
	})
}

func (s *fakeStore) status(t *testing.T, id string) model.Status {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	require.True(t, ok)
	return job.Status
}

// fakeGate refuses the first refusals acquisitions, then allows everything.
type fakeGate struct {
	mu       sync.Mutex
	refusals int
}

func (g *fakeGate) AcquireSend(context.Context, string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refusals > 0 {
		g.refusals--
		return false, nil
	}
	return true, nil
}

// fakeTransport fails the first failures calls, then succeeds.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	calls    []time.Time
}

func (f *fakeTransport) Send(context.Context, string, string, string, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return "", errors.New("smtp send error: connection refused")
	}
	return "<msg@example.com>", nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type env struct {
	store     *fakeStore
	gate      *fakeGate
	transport *fakeTransport
	queue     *queue.MemoryQueue
	cancel    context.CancelFunc
}

func newEnv(t *testing.T, policy queue.RetryPolicy, cfg Config) *env {
	t.Helper()
	e := &env{
		store:     newFakeStore(),
		gate:      &fakeGate{},
		transport: &fakeTransport{},
		queue:     queue.NewMemoryQueue(policy, zap.NewNop()),
	}
	t.Cleanup(func() { e.queue.Close() })

	d := New(e.queue, e.store, e.gate, e.transport, cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	t.Cleanup(cancel)
	go d.Run(ctx)
	return e
}

func (e *env) scheduleJob(t *testing.T, id string, due time.Time) {
	t.Helper()
	ctx := context.Background()
	e.store.add(model.EmailJob{
		ID:          id,
		Sender:      "alice@example.com",
		Recipient:   "bob@example.com",
		Subject:     "hello",
		Body:        "<p>hi</p>",
		ScheduledAt: due,
		Status:      model.StatusScheduled,
	})
	ticketID, err := e.queue.Schedule(ctx, queue.Ticket{
		JobID:     id,
		Sender:    "alice@example.com",
		Recipient: "bob@example.com",
		Subject:   "hello",
		Body:      "<p>hi</p>",
		DueAt:     due,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.MarkQueued(ctx, id, ticketID))
}

func defaultConfig() Config {
	return Config{
		Workers:                2,
		MinSendInterval:        0,
		RateLimitRetryInterval: 50 * time.Millisecond,
	}
}

func TestDispatchHappyPath(t *testing.T) {
	e := newEnv(t, queue.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second}, defaultConfig())

	e.scheduleJob(t, "job-1", time.Now())

	require.Eventually(t, func() bool {
		return e.store.status(t, "job-1") == model.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	job, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.NotNil(t, job.SentAt)
	assert.Nil(t, job.Error)
	assert.Equal(t, 1, e.transport.callCount())
}

func TestRateLimitedJobDefersThenSends(t *testing.T) {
	e := newEnv(t, queue.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second}, defaultConfig())
	e.gate.refusals = 1

	e.scheduleJob(t, "job-1", time.Now())

	// First attempt is refused capacity: no transport call, deferred.
	require.Eventually(t, func() bool {
		return e.store.status(t, "job-1") == model.StatusRateLimited
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.transport.callCount())

	job, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "rate limit")

	// The fixed-interval retry ticket fires and goes through.
	require.Eventually(t, func() bool {
		return e.store.status(t, "job-1") == model.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, e.transport.callCount())
}

func TestTransportFailureExhaustsRetriesAndStaysFailed(t *testing.T) {
	e := newEnv(t, queue.RetryPolicy{MaxAttempts: 3, InitialBackoff: 20 * time.Millisecond}, defaultConfig())
	e.transport.failures = -1 // always fail

	e.scheduleJob(t, "job-1", time.Now())

	require.Eventually(t, func() bool {
		return e.transport.callCount() == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return e.store.status(t, "job-1") == model.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	job, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "smtp send error")

	// Budget spent: no further automatic attempts.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, e.transport.callCount())
	assert.Equal(t, model.StatusFailed, e.store.status(t, "job-1"))
}

func TestAlreadySentJobDropsDuplicateTicket(t *testing.T) {
	e := newEnv(t, queue.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second}, defaultConfig())

	sentAt := time.Now()
	e.store.add(model.EmailJob{
		ID:     "job-1",
		Status: model.StatusSent,
		SentAt: &sentAt,
	})

	_, err := e.queue.Schedule(context.Background(), queue.Ticket{JobID: "job-1", DueAt: time.Now()})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, e.transport.callCount(), "a stale ticket for a delivered job must not send again")
	assert.Equal(t, model.StatusSent, e.store.status(t, "job-1"))
}

func TestMissingJobDropsTicket(t *testing.T) {
	e := newEnv(t, queue.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second}, defaultConfig())

	_, err := e.queue.Schedule(context.Background(), queue.Ticket{JobID: "ghost", DueAt: time.Now()})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, e.transport.callCount())
}

func TestPerWorkerPacing(t *testing.T) {
	cfg := Config{
		Workers:                1,
		MinSendInterval:        200 * time.Millisecond,
		RateLimitRetryInterval: 50 * time.Millisecond,
	}
	e := newEnv(t, queue.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second}, cfg)

	e.scheduleJob(t, "job-1", time.Now())
	e.scheduleJob(t, "job-2", time.Now())

	require.Eventually(t, func() bool {
		return e.transport.callCount() == 2
	}, 3*time.Second, 10*time.Millisecond)

	e.transport.mu.Lock()
	gap := e.transport.calls[1].Sub(e.transport.calls[0])
	e.transport.mu.Unlock()
	assert.GreaterOrEqual(t, gap, 200*time.Millisecond,
		"consecutive sends by one worker must respect the pacing interval")
}
