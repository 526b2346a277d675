package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minion-dev/minion/internal/audit"
	"github.com/minion-dev/minion/internal/govern"
	"github.com/minion-dev/minion/internal/guard"
	"github.com/minion-dev/minion/internal/llm"
	"github.com/minion-dev/minion/internal/models"
	"github.com/minion-dev/minion/internal/queue"
	"github.com/minion-dev/minion/internal/store"
	"github.com/spf13/afero"
)

type fixture struct {
	orch  *Orchestrator
	queue *queue.Queue
	fs    afero.Fs
	gov   *govern.Manager
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q := queue.New(queue.NewSQLiteBackend(s), queue.DefaultOptions())
	fs := afero.NewMemMapFs()
	recorder := audit.NewRecorder(s)
	gov := govern.New(fs, s, recorder, "/ws/agent", nil)
	engine := guard.New(guard.Config{WorkspaceRoot: "/ws"})

	cfg := DefaultConfig()
	cfg.WorkspaceRoot = "/ws"
	cfg.AgentRoot = "/ws/agent"

	return &fixture{
		orch:  New(q, engine, gov, client, recorder, fs, cfg),
		queue: q,
		fs:    fs,
		gov:   gov,
	}
}

func (f *fixture) runTask(t *testing.T, taskType models.TaskType, payload models.Payload) *models.Task {
	t.Helper()
	id, err := f.queue.Submit(taskType, models.PriorityNormal, payload)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	task, err := f.queue.Claim("w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("Claim failed: %v, task=%v", err, task)
	}
	f.orch.process("w1", task)

	got, err := f.queue.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return got
}

func stubClient(text string) llm.Client {
	return llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{GeneratedText: text}, nil
	})
}

func TestProcessCompletesBenignTask(t *testing.T) {
	f := newFixture(t, stubClient("func Add(a, b int) int { return a + b }"))

	got := f.runTask(t, models.TaskWriteTests, models.Payload{
		Description: "add a helper",
		TargetPath:  "project/helper.go",
	})
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.Status, got.Error)
	}

	content, err := afero.ReadFile(f.fs, "/ws/project/helper.go")
	if err != nil {
		t.Fatalf("Target was not written: %v", err)
	}
	if !strings.Contains(string(content), "Add") {
		t.Errorf("Unexpected target content: %q", content)
	}
}

func TestPreCheckBlocksBeforeExternalCall(t *testing.T) {
	var calls int32
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		atomic.AddInt32(&calls, 1)
		return llm.Response{GeneratedText: "ok"}, nil
	})
	f := newFixture(t, client)

	got := f.runTask(t, models.TaskDebugError, models.Payload{
		Description: "fix this",
		Code:        `eval(user_input)`,
	})
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "security violation") {
		t.Errorf("Expected security violation error, got %q", got.Error)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("External service must not be called for a blocked task")
	}
}

func TestPostCheckBlocksGeneratedOutput(t *testing.T) {
	f := newFixture(t, stubClient(`import subprocess; subprocess.run(["sh"])`))

	got := f.runTask(t, models.TaskGeneral, models.Payload{
		Description: "do something",
		TargetPath:  "project/out.py",
	})
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if exists, _ := afero.Exists(f.fs, "/ws/project/out.py"); exists {
		t.Error("Blocked output must never be written to the target")
	}
}

func TestTransportErrorRetries(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{}, llm.ErrExternalService
	})
	f := newFixture(t, client)

	got := f.runTask(t, models.TaskGeneral, models.Payload{Description: "flaky"})
	if got.Status != models.TaskStatusRetrying {
		t.Fatalf("Expected retrying after transport error, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("Expected attempt_count 1, got %d", got.AttemptCount)
	}
}

func TestSelfUpdateProtectedTargetNeedsApproval(t *testing.T) {
	f := newFixture(t, stubClient("package main\n\nfunc main() {}\n"))

	got := f.runTask(t, models.TaskRefactorFunction, models.Payload{
		Description: "improve the entry point",
		TargetPath:  "agent/cmd/minion/main.go",
	})
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.Status, got.Error)
	}
	if !strings.Contains(got.Result, "pending approval") {
		t.Errorf("Expected pending-approval result, got %q", got.Result)
	}
	if exists, _ := afero.Exists(f.fs, "/ws/agent/cmd/minion/main.go"); exists {
		t.Error("Protected target must not be written without approval")
	}

	updates, err := f.gov.List(models.UpdatePendingApproval)
	if err != nil {
		t.Fatalf("List updates failed: %v", err)
	}
	if len(updates) != 1 || !updates[0].Protected {
		t.Fatalf("Expected one protected pending update, got %+v", updates)
	}
}

func TestSelfUpdateUnprotectedAutoApplies(t *testing.T) {
	f := newFixture(t, stubClient("package util\n\nfunc Helper() {}\n"))

	got := f.runTask(t, models.TaskRefactorFunction, models.Payload{
		Description: "add a helper to the agent",
		TargetPath:  "agent/internal/util/helper.go",
	})
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.Status, got.Error)
	}
	if exists, _ := afero.Exists(f.fs, "/ws/agent/internal/util/helper.go"); !exists {
		t.Error("Unprotected self-update should auto-apply")
	}

	updates, _ := f.gov.List(models.UpdateApplied)
	if len(updates) != 1 {
		t.Fatalf("Expected one applied update, got %d", len(updates))
	}
}

func TestCancelDuringRunDiscardsGeneratedFile(t *testing.T) {
	f := newFixture(t, stubClient("package out\n\nfunc Out() {}\n"))

	id, err := f.queue.Submit(models.TaskGeneral, models.PriorityNormal, models.Payload{
		Description: "generate a file",
		TargetPath:  "project/out.go",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	task, err := f.queue.Claim("w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("Claim failed: %v, task=%v", err, task)
	}

	// Cancel while the task is in flight, then let the worker finish.
	if _, err := f.queue.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	f.orch.process("w1", task)

	got, err := f.queue.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.TaskStatusCancelled {
		t.Fatalf("Expected cancelled, got %s", got.Status)
	}
	if got.Result != "" {
		t.Errorf("Expected result discarded, got %q", got.Result)
	}
	if exists, _ := afero.Exists(f.fs, "/ws/project/out.go"); exists {
		t.Error("Cancelled task's generated content must not reach the target")
	}
}

func TestTargetlessTaskCarriesResult(t *testing.T) {
	f := newFixture(t, stubClient("here is your explanation"))

	got := f.runTask(t, models.TaskGenerateDocs, models.Payload{Description: "explain"})
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s", got.Status)
	}
	if got.Result != "here is your explanation" {
		t.Errorf("Expected generated text as result, got %q", got.Result)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, stubClient("ok"))

	f.orch.Start()
	id, err := f.queue.Submit(models.TaskGeneral, models.PriorityNormal, models.Payload{Description: "background"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, err := f.queue.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status == models.TaskStatusCompleted {
			break
		}
		select {
		case <-deadline:
			f.orch.Stop()
			t.Fatalf("Task never completed, status %s", got.Status)
		case <-time.After(50 * time.Millisecond):
		}
	}
	f.orch.Stop()
}

func TestExternalServiceErrorTaxonomy(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{}, llm.ErrExternalService
	})
	_, err := client.Complete(context.Background(), llm.Request{})
	if !errors.Is(err, llm.ErrExternalService) {
		t.Fatalf("Expected ErrExternalService, got %v", err)
	}
}
