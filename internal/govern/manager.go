// Package govern owns the lifecycle of proposed changes to the agent's own
// files: proposal, human approval for protected targets, backup-before-write
// application, and idempotent rollback.
package govern

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minion-dev/minion/internal/audit"
	"github.com/minion-dev/minion/internal/models"
	"github.com/minion-dev/minion/internal/store"
	"github.com/spf13/afero"
)

// Sentinel errors for governance operations.
var (
	ErrInvalidTransition = errors.New("invalid update transition")
	ErrTargetChanged     = errors.New("target changed since proposal")
	ErrUpdateNotFound    = errors.New("update not found")
)

// defaultProtected is the fixed protected-file list: the agent's entry
// points and the governance code itself. Changes here always require a
// human approval regardless of guardrail verdict.
var defaultProtected = []string{
	"cmd/minion/main.go",
	"cmd/minion/daemon.go",
	"internal/govern/manager.go",
	"config.yaml",
}

// Manager runs the self-update state machine. Transitions on one update
// are serialized; independent updates proceed in parallel.
type Manager struct {
	fs        afero.Fs
	store     *store.Store
	recorder  *audit.Recorder
	root      string
	protected map[string]bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a manager rooted at the agent's own source tree. An empty
// protected list falls back to the built-in defaults.
func New(fs afero.Fs, s *store.Store, recorder *audit.Recorder, root string, protected []string) *Manager {
	if len(protected) == 0 {
		protected = defaultProtected
	}
	set := make(map[string]bool, len(protected))
	for _, p := range protected {
		set[filepath.Clean(p)] = true
	}
	return &Manager{
		fs:        fs,
		store:     s,
		recorder:  recorder,
		root:      root,
		protected: set,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-update mutex, creating it on first use.
func (m *Manager) lockFor(updateID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[updateID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[updateID] = l
	}
	return l
}

func (m *Manager) resolve(targetPath string) string {
	return filepath.Join(m.root, filepath.Clean(targetPath))
}

// Propose registers a new pending update for one of the agent's files.
// The current content hash is captured now so a concurrent edit of the
// target is detected at apply time.
func (m *Manager) Propose(targetPath, content, originatingTask string) (*models.PendingUpdate, error) {
	cleaned := filepath.Clean(targetPath)
	update := &models.PendingUpdate{
		ID:              uuid.New().String(),
		TargetPath:      cleaned,
		ProposedContent: content,
		Reason:          originatingTask,
		Protected:       m.protected[cleaned],
		Status:          models.UpdatePendingApproval,
		CreatedAt:       time.Now().UTC(),
	}

	current, err := afero.ReadFile(m.fs, m.resolve(cleaned))
	if err == nil {
		update.CurrentHash = hashContent(current)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read current target: %w", err)
	}

	if err := m.store.InsertUpdate(update); err != nil {
		return nil, err
	}
	m.record("update_proposed", update.ID, originatingTask, update.TargetPath, "ok",
		fmt.Sprintf("protected=%v target=%s", update.Protected, cleaned))
	return update, nil
}

// Decide records the operator's approve/reject decision. Valid only while
// the update is pending approval.
func (m *Manager) Decide(updateID string, approve bool, actor string) error {
	l := m.lockFor(updateID)
	l.Lock()
	defer l.Unlock()

	to := models.UpdateRejected
	if approve {
		to = models.UpdateApproved
	}
	err := m.store.TransitionUpdate(updateID, models.UpdatePendingApproval, to, actor)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: update %s is not pending approval", ErrInvalidTransition, updateID)
	}
	if err != nil {
		return err
	}
	m.record("update_decided", updateID, actor, nil, "ok", string(to))
	return nil
}

// Apply writes the proposed content to the target. Protected updates must
// be approved first; unprotected ones apply straight from proposal. A
// backup of the current content is persisted before the overwrite, so a
// crash between the two never leaves the system without a restorable
// prior version.
func (m *Manager) Apply(updateID, actor string) error {
	l := m.lockFor(updateID)
	l.Lock()
	defer l.Unlock()

	update, err := m.getUpdate(updateID)
	if err != nil {
		return err
	}

	from := update.Status
	switch {
	case update.Protected && from != models.UpdateApproved:
		return fmt.Errorf("%w: protected update %s must be approved before apply", ErrInvalidTransition, updateID)
	case from != models.UpdateApproved && from != models.UpdatePendingApproval:
		return fmt.Errorf("%w: update %s is %s", ErrInvalidTransition, updateID, from)
	}

	target := m.resolve(update.TargetPath)
	current, readErr := afero.ReadFile(m.fs, target)
	existed := readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return fmt.Errorf("read target: %w", readErr)
	}

	// Refuse to clobber content that drifted since the proposal was made.
	currentHash := ""
	if existed {
		currentHash = hashContent(current)
	}
	if currentHash != update.CurrentHash {
		m.record("update_apply_refused", updateID, actor, nil, "refused", "target changed since proposal")
		return fmt.Errorf("%w: %s", ErrTargetChanged, update.TargetPath)
	}

	backup := &models.Backup{
		ID:              uuid.New().String(),
		UpdateRef:       updateID,
		OriginalContent: string(current),
		Existed:         existed,
		TakenAt:         time.Now().UTC(),
	}
	if err := m.store.InsertBackup(backup); err != nil {
		return err
	}
	if err := m.store.SetUpdateBackupRef(updateID, backup.ID); err != nil {
		return err
	}

	if err := m.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	if err := afero.WriteFile(m.fs, target, []byte(update.ProposedContent), 0o644); err != nil {
		return fmt.Errorf("write target: %w", err)
	}

	if err := m.store.TransitionUpdate(updateID, from, models.UpdateApplied, actor); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: update %s moved concurrently", ErrInvalidTransition, updateID)
		}
		return err
	}
	m.record("update_applied", updateID, actor, update.ProposedContent, "ok", update.TargetPath)
	return nil
}

// Rollback restores the target from the update's backup. Rolling back an
// already-rolled-back update is a no-op, reported via the returned flag.
func (m *Manager) Rollback(updateID, actor string) (bool, error) {
	l := m.lockFor(updateID)
	l.Lock()
	defer l.Unlock()

	update, err := m.getUpdate(updateID)
	if err != nil {
		return false, err
	}
	if update.Status == models.UpdateRolledBack {
		return false, nil
	}
	if update.Status != models.UpdateApplied {
		return false, fmt.Errorf("%w: update %s is %s, only applied updates roll back", ErrInvalidTransition, updateID, update.Status)
	}

	backup, err := m.store.GetBackup(update.BackupRef)
	if err != nil {
		return false, err
	}

	target := m.resolve(update.TargetPath)
	if backup.Existed {
		if err := afero.WriteFile(m.fs, target, []byte(backup.OriginalContent), 0o644); err != nil {
			return false, fmt.Errorf("restore target: %w", err)
		}
	} else {
		if err := m.fs.Remove(target); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("remove target: %w", err)
		}
	}

	if err := m.store.TransitionUpdate(updateID, models.UpdateApplied, models.UpdateRolledBack, actor); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, fmt.Errorf("%w: update %s moved concurrently", ErrInvalidTransition, updateID)
		}
		return false, err
	}
	m.record("update_rolled_back", updateID, actor, nil, "ok", update.TargetPath)
	return true, nil
}

// Get returns one update.
func (m *Manager) Get(updateID string) (*models.PendingUpdate, error) {
	return m.getUpdate(updateID)
}

// List returns updates, optionally filtered by status.
func (m *Manager) List(status models.UpdateStatus) ([]models.PendingUpdate, error) {
	return m.store.ListUpdates(status)
}

// PruneBackups drops backups older than the retention window whose update
// can no longer be rolled back. Backups of applied updates are never
// pruned.
func (m *Manager) PruneBackups(retention time.Duration) (int, error) {
	n, err := m.store.PruneBackups(time.Now().UTC().Add(-retention))
	if err == nil && n > 0 {
		m.record("backups_pruned", "", "system", nil, "ok", fmt.Sprintf("%d removed", n))
	}
	return n, err
}

func (m *Manager) getUpdate(updateID string) (*models.PendingUpdate, error) {
	update, err := m.store.GetUpdate(updateID)
	if errors.Is(err, store.ErrUpdateNotFound) {
		return nil, ErrUpdateNotFound
	}
	if err != nil {
		return nil, err
	}
	return update, nil
}

// record writes the audit entry; audit failures are logged, never allowed
// to fail the governed operation itself.
func (m *Manager) record(kind, refID, actor string, inputs any, outcome, detail string) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Record(kind, refID, actor, inputs, outcome, detail); err != nil {
		log.Printf("govern: audit record failed: %v", err)
	}
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
