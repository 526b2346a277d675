// Package queue owns the task lifecycle: durable priority ordering,
// lease-based claiming, and retry with backoff. Persistence goes through a
// Backend so single-node (SQLite) and multi-node (Redis) deployments share
// one contract.
package queue

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/minion-dev/minion/internal/models"
	"github.com/oklog/ulid/v2"
)

// Sentinel errors for queue operations.
var (
	ErrInvalidTaskType = errors.New("invalid task type")
	ErrNotClaimed      = errors.New("task not claimed by caller")
	ErrTaskNotFound    = errors.New("task not found")
)

// Backend is the persistence contract the queue runs on. Both the embedded
// SQLite store and the Redis broker satisfy it; the orchestrator never sees
// which one is underneath.
type Backend interface {
	InsertTask(task *models.Task) error
	GetTask(id string) (*models.Task, error)
	ListTasks(status models.TaskStatus) ([]models.Task, error)
	// ClaimNextTask atomically claims the highest-priority pending task.
	// Within equal priority, first-submitted wins. Returns (nil, nil) when
	// nothing is pending.
	ClaimNextTask(workerID string, lease time.Duration) (*models.Task, error)
	MarkRunning(id, workerID string) error
	AckTask(id, workerID, result string) error
	FailTask(id, workerID, errMsg string, backoff time.Duration, permanent bool) error
	ReapExpiredLeases() (int, error)
	ReleaseDueRetries() (int, error)
	CancelTask(id string) (models.TaskStatus, error)
}

// Options tune queue behavior.
type Options struct {
	// MaxAttempts is the per-task attempt budget applied at submit.
	MaxAttempts int
	// RetryBackoff is the base backoff for the first retry; it doubles per
	// attempt.
	RetryBackoff time.Duration
}

// DefaultOptions returns the default queue options.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Second,
	}
}

// Queue is the high-level task queue interface.
type Queue struct {
	backend Backend
	opts    Options

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a queue over the given backend.
func New(backend Backend, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}
	return &Queue{
		backend: backend,
		opts:    opts,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// newTaskID returns a lexicographically sortable task id. ULIDs embed the
// creation time, so id order doubles as the FIFO tie-break.
func (q *Queue) newTaskID(now time.Time) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), q.entropy).String()
}

// Submit validates and enqueues a new task. Task types outside the fixed
// enumeration are rejected here and never reach the backend.
func (q *Queue) Submit(taskType models.TaskType, priority models.Priority, payload models.Payload) (string, error) {
	if _, err := models.ParseTaskType(string(taskType)); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskType, taskType)
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:          q.newTaskID(now),
		Type:        taskType,
		Priority:    priority,
		Payload:     payload,
		Status:      models.TaskStatusPending,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   now,
	}
	if err := q.backend.InsertTask(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Claim atomically claims the next task for a worker under a lease.
func (q *Queue) Claim(workerID string, lease time.Duration) (*models.Task, error) {
	return q.backend.ClaimNextTask(workerID, lease)
}

// MarkRunning transitions a claimed task to running.
func (q *Queue) MarkRunning(taskID, workerID string) error {
	return q.backend.MarkRunning(taskID, workerID)
}

// Ack completes a task with its result. Fails with ErrNotClaimed unless the
// caller currently holds the lease.
func (q *Queue) Ack(taskID, workerID, result string) error {
	return q.backend.AckTask(taskID, workerID, result)
}

// Fail records a task failure. Recoverable failures retry with backoff while
// attempts remain; permanent failures (security violations) terminate
// immediately.
func (q *Queue) Fail(taskID, workerID, errMsg string, permanent bool) error {
	return q.backend.FailTask(taskID, workerID, errMsg, q.opts.RetryBackoff, permanent)
}

// ReapExpiredLeases returns expired claims to the pool and releases retrying
// tasks whose backoff has elapsed. The reaper is the only recovery path for
// crashed workers.
func (q *Queue) ReapExpiredLeases() (int, error) {
	reaped, err := q.backend.ReapExpiredLeases()
	if err != nil {
		return reaped, err
	}
	if _, err := q.backend.ReleaseDueRetries(); err != nil {
		return reaped, err
	}
	return reaped, nil
}

// Get returns a read-only snapshot of a task.
func (q *Queue) Get(taskID string) (*models.Task, error) {
	return q.backend.GetTask(taskID)
}

// List returns tasks in submission order, optionally filtered by status.
func (q *Queue) List(status models.TaskStatus) ([]models.Task, error) {
	return q.backend.ListTasks(status)
}

// Cancel cancels a task. Pending tasks are removed from the pool at once;
// claimed tasks are flagged and settle at the next lease boundary.
func (q *Queue) Cancel(taskID string) (models.TaskStatus, error) {
	return q.backend.CancelTask(taskID)
}
