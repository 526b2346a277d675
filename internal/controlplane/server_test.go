package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/minion-dev/minion/internal/audit"
	"github.com/minion-dev/minion/internal/govern"
	"github.com/minion-dev/minion/internal/models"
	"github.com/minion-dev/minion/internal/queue"
	"github.com/minion-dev/minion/internal/store"
	"github.com/spf13/afero"
)

func newTestServer(t *testing.T) (*httptest.Server, *govern.Manager, afero.Fs) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q := queue.New(queue.NewSQLiteBackend(s), queue.DefaultOptions())
	fs := afero.NewMemMapFs()
	recorder := audit.NewRecorder(s)
	gov := govern.New(fs, s, recorder, "/agent", nil)

	server := NewServer(NewService(q, gov, recorder), "")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, gov, fs
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return v
}

func TestSubmitAndGetTask(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/tasks", submitTaskRequest{
		Type:     "write_tests",
		Priority: "high",
		Payload:  models.Payload{Description: "cover the parser"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	task := decode[models.Task](t, resp)
	if task.ID == "" || task.Status != models.TaskStatusPending {
		t.Fatalf("Unexpected task: %+v", task)
	}

	getResp, err := http.Get(ts.URL + "/tasks/" + task.ID)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	got := decode[models.Task](t, getResp)
	if got.ID != task.ID || got.Priority != models.PriorityHigh {
		t.Errorf("Round trip mismatch: %+v", got)
	}
}

func TestSubmitInvalidType(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/tasks", submitTaskRequest{
		Type:    "rule_the_world",
		Payload: models.Payload{Description: "no"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestGetMissingTask(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/tasks/nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestListTasksByStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)

	for _, desc := range []string{"one", "two"} {
		resp := postJSON(t, ts.URL+"/tasks", submitTaskRequest{
			Type:    "general",
			Payload: models.Payload{Description: desc},
		})
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/tasks?status=pending")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	tasks := decode[[]models.Task](t, resp)
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 pending tasks, got %d", len(tasks))
	}
	if tasks[0].Payload.Description != "one" {
		t.Error("Expected submission order")
	}
}

func TestCancelTask(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/tasks", submitTaskRequest{
		Type:    "general",
		Payload: models.Payload{Description: "doomed"},
	})
	task := decode[models.Task](t, resp)

	cancelResp := postJSON(t, ts.URL+"/tasks/"+task.ID+"/cancel", struct{}{})
	result := decode[map[string]string](t, cancelResp)
	if result["status"] != string(models.TaskStatusCancelled) {
		t.Errorf("Expected cancelled, got %s", result["status"])
	}
}

func TestUpdateApprovalFlow(t *testing.T) {
	ts, gov, fs := newTestServer(t)

	update, err := gov.Propose("cmd/minion/main.go", "package main\n", "task-1")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	// Approving without an actor is rejected.
	resp := postJSON(t, ts.URL+"/updates/"+update.ID+"/approve", decisionRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing actor, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/updates/"+update.ID+"/approve", decisionRequest{Actor: "operator"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	decided := decode[models.PendingUpdate](t, resp)
	if decided.Status != models.UpdateApplied {
		t.Errorf("Expected applied after approval, got %s", decided.Status)
	}
	if exists, _ := afero.Exists(fs, "/agent/cmd/minion/main.go"); !exists {
		t.Error("Approved update was not written")
	}

	// A second approval is an invalid transition.
	resp = postJSON(t, ts.URL+"/updates/"+update.ID+"/approve", decisionRequest{Actor: "operator"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 on double approval, got %d", resp.StatusCode)
	}
}

func TestUpdateRejectAndRollback(t *testing.T) {
	ts, gov, _ := newTestServer(t)

	rejected, _ := gov.Propose("cmd/minion/main.go", "x", "task-1")
	resp := postJSON(t, ts.URL+"/updates/"+rejected.ID+"/reject", decisionRequest{Actor: "operator"})
	got := decode[models.PendingUpdate](t, resp)
	if got.Status != models.UpdateRejected {
		t.Errorf("Expected rejected, got %s", got.Status)
	}

	applied, _ := gov.Propose("pkg/x.go", "package pkg\n", "task-2")
	if err := gov.Apply(applied.ID, "system"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	resp = postJSON(t, ts.URL+"/updates/"+applied.ID+"/rollback", decisionRequest{Actor: "operator"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	rollback := decode[map[string]json.RawMessage](t, resp)
	var restored bool
	json.Unmarshal(rollback["restored"], &restored)
	if !restored {
		t.Error("Expected rollback to restore")
	}
}

func TestActivityEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/tasks", submitTaskRequest{
		Type:    "general",
		Payload: models.Payload{Description: "audit me"},
	})
	resp.Body.Close()

	actResp, err := http.Get(ts.URL + "/activity")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	entries := decode[[]models.ActivityEntry](t, actResp)
	if len(entries) == 0 {
		t.Fatal("Expected at least one activity entry")
	}
	if entries[0].EventKind != "task_submitted" {
		t.Errorf("Expected task_submitted, got %s", entries[0].EventKind)
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
