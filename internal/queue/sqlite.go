package queue

import (
	"errors"
	"time"

	"github.com/minion-dev/minion/internal/models"
	"github.com/minion-dev/minion/internal/store"
)

// SQLiteBackend adapts the embedded store to the queue Backend contract.
// Claim atomicity comes from the store's single-transaction conditional
// update; this layer only translates sentinel errors into the queue's
// taxonomy.
type SQLiteBackend struct {
	store *store.Store
}

// NewSQLiteBackend wraps an open store as a queue backend.
func NewSQLiteBackend(s *store.Store) *SQLiteBackend {
	return &SQLiteBackend{store: s}
}

func (b *SQLiteBackend) InsertTask(task *models.Task) error {
	return b.store.InsertTask(task)
}

func (b *SQLiteBackend) GetTask(id string) (*models.Task, error) {
	task, err := b.store.GetTask(id)
	return task, mapErr(err)
}

func (b *SQLiteBackend) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	return b.store.ListTasks(status)
}

func (b *SQLiteBackend) ClaimNextTask(workerID string, lease time.Duration) (*models.Task, error) {
	return b.store.ClaimNextTask(workerID, lease)
}

func (b *SQLiteBackend) MarkRunning(id, workerID string) error {
	return mapErr(b.store.MarkRunning(id, workerID))
}

func (b *SQLiteBackend) AckTask(id, workerID, result string) error {
	return mapErr(b.store.AckTask(id, workerID, result))
}

func (b *SQLiteBackend) FailTask(id, workerID, errMsg string, backoff time.Duration, permanent bool) error {
	return mapErr(b.store.FailTask(id, workerID, errMsg, backoff, permanent))
}

func (b *SQLiteBackend) ReapExpiredLeases() (int, error) {
	return b.store.ReapExpiredLeases()
}

func (b *SQLiteBackend) ReleaseDueRetries() (int, error) {
	return b.store.ReleaseDueRetries()
}

func (b *SQLiteBackend) CancelTask(id string) (models.TaskStatus, error) {
	status, err := b.store.CancelTask(id)
	return status, mapErr(err)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotClaimed):
		return ErrNotClaimed
	case errors.Is(err, store.ErrTaskNotFound):
		return ErrTaskNotFound
	default:
		return err
	}
}
