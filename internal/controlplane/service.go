// Package controlplane provides the HTTP API and service layer for Minion.
package controlplane

import (
	"fmt"
	"log"

	"github.com/minion-dev/minion/internal/audit"
	"github.com/minion-dev/minion/internal/govern"
	"github.com/minion-dev/minion/internal/models"
	"github.com/minion-dev/minion/internal/queue"
)

// Service is the operator-facing business logic over the queue and the
// governance manager.
type Service struct {
	queue    *queue.Queue
	govern   *govern.Manager
	recorder *audit.Recorder
}

// NewService creates a new control plane service.
func NewService(q *queue.Queue, gov *govern.Manager, recorder *audit.Recorder) *Service {
	return &Service{
		queue:    q,
		govern:   gov,
		recorder: recorder,
	}
}

// --- Task Operations ---

// SubmitTask validates and enqueues a task.
func (s *Service) SubmitTask(taskType, priority string, payload models.Payload) (*models.Task, error) {
	pri, err := models.ParsePriority(priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	id, err := s.queue.Submit(models.TaskType(taskType), pri, payload)
	if err != nil {
		return nil, err
	}
	s.record("task_submitted", id, "operator", payload, "ok", taskType)
	return s.queue.Get(id)
}

// GetTask returns a read-only task snapshot.
func (s *Service) GetTask(id string) (*models.Task, error) {
	return s.queue.Get(id)
}

// ListTasks returns tasks in submission order, optionally filtered.
func (s *Service) ListTasks(status string) ([]models.Task, error) {
	return s.queue.List(models.TaskStatus(status))
}

// CancelTask cancels a task; in-flight tasks settle at the lease boundary.
func (s *Service) CancelTask(id string) (models.TaskStatus, error) {
	status, err := s.queue.Cancel(id)
	if err != nil {
		return "", err
	}
	s.record("task_cancelled", id, "operator", nil, "ok", string(status))
	return status, nil
}

// --- Update Operations ---

// GetUpdate returns one pending update.
func (s *Service) GetUpdate(id string) (*models.PendingUpdate, error) {
	return s.govern.Get(id)
}

// ListUpdates returns updates, optionally filtered by status.
func (s *Service) ListUpdates(status string) ([]models.PendingUpdate, error) {
	return s.govern.List(models.UpdateStatus(status))
}

// DecideUpdate records an approve/reject decision. Approval of a
// protected update applies it immediately.
func (s *Service) DecideUpdate(id string, approve bool, actor string) (*models.PendingUpdate, error) {
	if err := s.govern.Decide(id, approve, actor); err != nil {
		return nil, err
	}
	if approve {
		if err := s.govern.Apply(id, actor); err != nil {
			return nil, err
		}
	}
	return s.govern.Get(id)
}

// RollbackUpdate restores an applied update from its backup.
func (s *Service) RollbackUpdate(id, actor string) (*models.PendingUpdate, bool, error) {
	restored, err := s.govern.Rollback(id, actor)
	if err != nil {
		return nil, false, err
	}
	update, err := s.govern.Get(id)
	return update, restored, err
}

// --- Activity ---

// Activity returns recent audit entries, optionally scoped to a ref id.
func (s *Service) Activity(refID string, limit int) ([]models.ActivityEntry, error) {
	return s.recorder.Recent(refID, limit)
}

func (s *Service) record(kind, refID, actor string, inputs any, outcome, detail string) {
	if err := s.recorder.Record(kind, refID, actor, inputs, outcome, detail); err != nil {
		log.Printf("controlplane: audit record failed: %v", err)
	}
}
