package govern

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/minion-dev/minion/internal/audit"
	"github.com/minion-dev/minion/internal/models"
	"github.com/minion-dev/minion/internal/store"
	"github.com/spf13/afero"
)

func newTestManager(t *testing.T) (*Manager, afero.Fs) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fs := afero.NewMemMapFs()
	return New(fs, s, audit.NewRecorder(s), "/agent", nil), fs
}

func TestProposeClassifiesProtected(t *testing.T) {
	m, _ := newTestManager(t)

	update, err := m.Propose("cmd/minion/main.go", "package main\n", "task-1")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if !update.Protected {
		t.Error("Expected entry point to be classified protected")
	}
	if update.Status != models.UpdatePendingApproval {
		t.Errorf("Expected pending_approval, got %s", update.Status)
	}

	update, err = m.Propose("pkg/util.go", "package pkg\n", "task-2")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if update.Protected {
		t.Error("Expected ordinary file to be unprotected")
	}
}

func TestUnprotectedAutoApply(t *testing.T) {
	m, fs := newTestManager(t)

	update, err := m.Propose("pkg/helper.go", "package pkg\n\nfunc Helper() {}\n", "task-1")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if err := m.Apply(update.ID, "system"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	content, err := afero.ReadFile(fs, "/agent/pkg/helper.go")
	if err != nil {
		t.Fatalf("Target was not written: %v", err)
	}
	if string(content) != update.ProposedContent {
		t.Error("Target content does not match proposal")
	}

	got, err := m.Get(update.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.UpdateApplied {
		t.Errorf("Expected applied, got %s", got.Status)
	}
	if got.BackupRef == "" {
		t.Error("Expected a backup reference after apply")
	}
}

func TestProtectedRequiresApproval(t *testing.T) {
	m, fs := newTestManager(t)

	update, err := m.Propose("cmd/minion/main.go", "package main\n// v2\n", "task-1")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	if err := m.Apply(update.ID, "system"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition before approval, got %v", err)
	}
	if exists, _ := afero.Exists(fs, "/agent/cmd/minion/main.go"); exists {
		t.Fatal("Target must not be written before approval")
	}

	if err := m.Decide(update.ID, true, "operator"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if err := m.Apply(update.ID, "operator"); err != nil {
		t.Fatalf("Apply after approval failed: %v", err)
	}

	got, _ := m.Get(update.ID)
	if got.Status != models.UpdateApplied {
		t.Errorf("Expected applied, got %s", got.Status)
	}
	if got.DecidedBy != "operator" {
		t.Errorf("Expected decided_by operator, got %q", got.DecidedBy)
	}
}

func TestDecideOnlyOnce(t *testing.T) {
	m, _ := newTestManager(t)

	update, _ := m.Propose("cmd/minion/main.go", "x", "task-1")
	if err := m.Decide(update.ID, false, "operator"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if err := m.Decide(update.ID, true, "operator"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition on second decide, got %v", err)
	}
}

func TestRejectedNeverApplies(t *testing.T) {
	m, fs := newTestManager(t)

	update, _ := m.Propose("cmd/minion/main.go", "package main\n", "task-1")
	if err := m.Decide(update.ID, false, "operator"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if err := m.Apply(update.ID, "operator"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition for rejected update, got %v", err)
	}
	if exists, _ := afero.Exists(fs, "/agent/cmd/minion/main.go"); exists {
		t.Error("Rejected update must never touch the target")
	}
}

func TestRollbackRestoresOriginal(t *testing.T) {
	m, fs := newTestManager(t)

	original := "package pkg\n\n// original\n"
	if err := afero.WriteFile(fs, "/agent/pkg/thing.go", []byte(original), 0o644); err != nil {
		t.Fatalf("Fixture write failed: %v", err)
	}

	update, err := m.Propose("pkg/thing.go", "package pkg\n\n// replaced\n", "task-1")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if err := m.Apply(update.ID, "system"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	restored, err := m.Rollback(update.ID, "operator")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !restored {
		t.Fatal("Expected first rollback to restore")
	}

	content, _ := afero.ReadFile(fs, "/agent/pkg/thing.go")
	if string(content) != original {
		t.Errorf("Expected original content restored, got %q", content)
	}

	got, _ := m.Get(update.ID)
	if got.Status != models.UpdateRolledBack {
		t.Errorf("Expected rolled_back, got %s", got.Status)
	}
}

func TestRollbackIsIdempotent(t *testing.T) {
	m, fs := newTestManager(t)

	afero.WriteFile(fs, "/agent/pkg/thing.go", []byte("v1"), 0o644)
	update, _ := m.Propose("pkg/thing.go", "v2", "task-1")
	if err := m.Apply(update.ID, "system"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := m.Rollback(update.ID, "operator"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	restored, err := m.Rollback(update.ID, "operator")
	if err != nil {
		t.Fatalf("Second rollback errored: %v", err)
	}
	if restored {
		t.Error("Second rollback must be a no-op")
	}
}

func TestRollbackRemovesCreatedFile(t *testing.T) {
	m, fs := newTestManager(t)

	update, _ := m.Propose("pkg/new.go", "package pkg\n", "task-1")
	if err := m.Apply(update.ID, "system"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := m.Rollback(update.ID, "operator"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if exists, _ := afero.Exists(fs, "/agent/pkg/new.go"); exists {
		t.Error("Rollback of a created file must remove it")
	}
}

func TestApplyRefusesDriftedTarget(t *testing.T) {
	m, fs := newTestManager(t)

	afero.WriteFile(fs, "/agent/pkg/thing.go", []byte("v1"), 0o644)
	update, _ := m.Propose("pkg/thing.go", "v2", "task-1")

	// Someone edits the target after the proposal was captured.
	afero.WriteFile(fs, "/agent/pkg/thing.go", []byte("v1-edited"), 0o644)

	if err := m.Apply(update.ID, "system"); !errors.Is(err, ErrTargetChanged) {
		t.Fatalf("Expected ErrTargetChanged, got %v", err)
	}

	content, _ := afero.ReadFile(fs, "/agent/pkg/thing.go")
	if string(content) != "v1-edited" {
		t.Error("Drifted target must not be overwritten")
	}
}

func TestRollbackNotApplied(t *testing.T) {
	m, _ := newTestManager(t)

	update, _ := m.Propose("pkg/thing.go", "v2", "task-1")
	if _, err := m.Rollback(update.ID, "operator"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestPruneBackupsKeepsApplied(t *testing.T) {
	m, fs := newTestManager(t)

	afero.WriteFile(fs, "/agent/pkg/a.go", []byte("v1"), 0o644)
	applied, _ := m.Propose("pkg/a.go", "v2", "task-1")
	if err := m.Apply(applied.ID, "system"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	afero.WriteFile(fs, "/agent/pkg/b.go", []byte("v1"), 0o644)
	rolled, _ := m.Propose("pkg/b.go", "v2", "task-2")
	if err := m.Apply(rolled.ID, "system"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := m.Rollback(rolled.ID, "operator"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	// Zero retention: everything eligible is pruned immediately.
	time.Sleep(10 * time.Millisecond)
	n, err := m.PruneBackups(0)
	if err != nil {
		t.Fatalf("PruneBackups failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned backup, got %d", n)
	}

	// The applied update's backup survives so rollback stays possible.
	if _, err := m.Rollback(applied.ID, "operator"); err != nil {
		t.Fatalf("Rollback after prune failed: %v", err)
	}
}
