package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/minion-dev/minion/internal/models"
	"github.com/minion-dev/minion/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(NewSQLiteBackend(s), DefaultOptions())
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Submit("launch_missiles", models.PriorityNormal, models.Payload{Description: "nope"})
	if !errors.Is(err, ErrInvalidTaskType) {
		t.Fatalf("Expected ErrInvalidTaskType, got %v", err)
	}

	tasks, err := q.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("Rejected task must not be persisted, found %d tasks", len(tasks))
	}
}

func TestSubmitAssignsSortableIDs(t *testing.T) {
	q := newTestQueue(t)

	var prev string
	for i := 0; i < 5; i++ {
		id, err := q.Submit(models.TaskGeneral, models.PriorityNormal, models.Payload{Description: "task"})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if id <= prev {
			t.Errorf("Expected ids to sort by submission order: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestLifecycle(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Submit(models.TaskWriteTests, models.PriorityHigh, models.Payload{Description: "write tests"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	task, err := q.Claim("w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if task == nil || task.ID != id {
		t.Fatalf("Expected to claim %s, got %+v", id, task)
	}

	if err := q.MarkRunning(id, "w1"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := q.Ack(id, "w1", "done"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	got, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.TaskStatusCompleted || got.Result != "done" {
		t.Errorf("Expected completed with result, got %+v", got)
	}
}

func TestPriorityBeatsSubmissionOrder(t *testing.T) {
	q := newTestQueue(t)

	normalID, _ := q.Submit(models.TaskGeneral, models.PriorityNormal, models.Payload{Description: "first in"})
	urgentID, _ := q.Submit(models.TaskGeneral, models.PriorityUrgent, models.Payload{Description: "last in"})

	task, err := q.Claim("w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if task.ID != urgentID {
		t.Errorf("Expected urgent task first, got %s", task.ID)
	}

	task, _ = q.Claim("w1", time.Minute)
	if task.ID != normalID {
		t.Errorf("Expected normal task second, got %s", task.ID)
	}
}

func TestAckWithoutClaim(t *testing.T) {
	q := newTestQueue(t)

	id, _ := q.Submit(models.TaskGeneral, models.PriorityNormal, models.Payload{Description: "task"})
	if err := q.Ack(id, "w1", "result"); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Expected ErrNotClaimed, got %v", err)
	}
}

func TestPermanentFailure(t *testing.T) {
	q := newTestQueue(t)

	id, _ := q.Submit(models.TaskGeneral, models.PriorityNormal, models.Payload{Description: "task"})
	if _, err := q.Claim("w1", time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := q.Fail(id, "w1", "blocked by policy", true); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	got, _ := q.Get(id)
	if got.Status != models.TaskStatusFailed {
		t.Errorf("Expected failed, got %s", got.Status)
	}
}

func TestReapMakesTaskClaimableAgain(t *testing.T) {
	q := newTestQueue(t)

	id, _ := q.Submit(models.TaskGeneral, models.PriorityNormal, models.Payload{Description: "task"})
	if _, err := q.Claim("w1", time.Millisecond); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := q.ReapExpiredLeases()
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 reaped task, got %d, %v", n, err)
	}

	task, err := q.Claim("w2", time.Minute)
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if task == nil || task.ID != id {
		t.Fatalf("Expected reaped task to be claimable, got %+v", task)
	}
	if task.AttemptCount != 1 {
		t.Errorf("Expected attempt_count 1 after reap, got %d", task.AttemptCount)
	}
}

func TestCancelPendingTask(t *testing.T) {
	q := newTestQueue(t)

	id, _ := q.Submit(models.TaskGeneral, models.PriorityNormal, models.Payload{Description: "task"})
	status, err := q.Cancel(id)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if status != models.TaskStatusCancelled {
		t.Errorf("Expected cancelled, got %s", status)
	}

	if _, err := q.Cancel("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestPendingScore(t *testing.T) {
	now := time.Now().UTC()

	// Higher priority always scores lower, regardless of age.
	urgent := pendingScore(models.PriorityUrgent, now)
	lowOld := pendingScore(models.PriorityLow, now.Add(-24*time.Hour))
	if urgent >= lowOld {
		t.Error("Urgent task must score below any lower-priority task")
	}

	// Within one priority, earlier submission scores lower.
	early := pendingScore(models.PriorityNormal, now.Add(-time.Second))
	late := pendingScore(models.PriorityNormal, now)
	if early >= late {
		t.Error("Earlier submission must score lower within a priority tier")
	}
}
