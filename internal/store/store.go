// Package store provides SQLite-backed persistence for Minion.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minion-dev/minion/internal/models"
	_ "modernc.org/sqlite"
)

// Sentinel errors for store operations.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrUpdateNotFound = errors.New("update not found")
	ErrBackupNotFound = errors.New("backup not found")
	ErrNotClaimed     = errors.New("task not claimed by caller")
	ErrConflict       = errors.New("conditional update failed")
)

// Store provides access to the Minion SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 1,
		description TEXT NOT NULL,
		code TEXT,
		target_path TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		claimed_by TEXT,
		lease_expiry DATETIME,
		next_attempt_at DATETIME,
		completed_at DATETIME,
		result TEXT,
		error TEXT,
		cancel_wanted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS updates (
		id TEXT PRIMARY KEY,
		target_path TEXT NOT NULL,
		proposed_content TEXT NOT NULL,
		reason TEXT,
		protected INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending_approval',
		current_hash TEXT,
		backup_ref TEXT,
		created_at DATETIME NOT NULL,
		decided_at DATETIME,
		decided_by TEXT
	);

	CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		update_ref TEXT NOT NULL,
		original_content TEXT NOT NULL,
		existed INTEGER NOT NULL DEFAULT 1,
		taken_at DATETIME NOT NULL,
		FOREIGN KEY (update_ref) REFERENCES updates(id)
	);

	CREATE TABLE IF NOT EXISTS activity (
		id TEXT PRIMARY KEY,
		event_kind TEXT NOT NULL,
		ref_id TEXT,
		actor TEXT,
		inputs_hash TEXT,
		outcome TEXT NOT NULL,
		detail TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_updates_status ON updates(status);
	CREATE INDEX IF NOT EXISTS idx_activity_ref ON activity(ref_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Task Operations ---

// InsertTask persists a new pending task. The caller assigns the id.
func (s *Store) InsertTask(task *models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, type, priority, description, code, target_path, status, attempt_count, max_attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Type), int(task.Priority),
		task.Payload.Description, task.Payload.Code, task.Payload.TargetPath,
		string(task.Status), task.AttemptCount, task.MaxAttempts, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, type, priority, description, code, target_path, status,
	attempt_count, max_attempts, created_at, claimed_at, claimed_by, lease_expiry,
	completed_at, result, error, cancel_wanted`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	task := &models.Task{}
	var (
		typ, status                   string
		priority                      int
		code, targetPath              sql.NullString
		claimedAt, leaseExp, complete sql.NullTime
		claimedBy, result, errMsg     sql.NullString
		cancelWanted                  int
	)

	err := row.Scan(&task.ID, &typ, &priority, &task.Payload.Description, &code,
		&targetPath, &status, &task.AttemptCount, &task.MaxAttempts, &task.CreatedAt,
		&claimedAt, &claimedBy, &leaseExp, &complete, &result, &errMsg, &cancelWanted)
	if err != nil {
		return nil, err
	}

	task.Type = models.TaskType(typ)
	task.Priority = models.Priority(priority)
	task.Status = models.TaskStatus(status)
	task.Payload.Code = code.String
	task.Payload.TargetPath = targetPath.String
	task.ClaimedBy = claimedBy.String
	task.Result = result.String
	task.Error = errMsg.String
	task.CancelWanted = cancelWanted != 0
	if claimedAt.Valid {
		task.ClaimedAt = &claimedAt.Time
	}
	if leaseExp.Valid {
		task.LeaseExpiry = &leaseExp.Time
	}
	if complete.Valid {
		task.CompletedAt = &complete.Time
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks in submission order, optionally filtered by status.
func (s *Store) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ClaimNextTask atomically claims the highest-priority pending task for a
// worker and stamps a lease expiry. The conditional UPDATE guarded by a
// rows-affected check guarantees two concurrent claimers never get the same
// row. Returns (nil, nil) when no task is pending.
func (s *Store) ClaimNextTask(workerID string, lease time.Duration) (*models.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	task, err := scanTask(tx.QueryRow(
		`SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending'
		 ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending task: %w", err)
	}

	expiry := now.Add(lease)
	result, err := tx.Exec(
		`UPDATE tasks SET status = ?, claimed_by = ?, claimed_at = ?, lease_expiry = ?
		 WHERE id = ? AND status = 'pending'`,
		string(models.TaskStatusClaimed), workerID, now, expiry, task.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		// Another claimer won between the select and the update.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = models.TaskStatusClaimed
	task.ClaimedBy = workerID
	task.ClaimedAt = &now
	task.LeaseExpiry = &expiry
	return task, nil
}

// MarkRunning flips a claimed task to running while the lease is held.
func (s *Store) MarkRunning(id, workerID string) error {
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ? AND claimed_by = ? AND lease_expiry > ?`,
		string(models.TaskStatusRunning), id, string(models.TaskStatusClaimed), workerID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return requireAffected(result, ErrNotClaimed)
}

// AckTask completes a task held by workerID. A cancelled-while-running task
// discards the result and lands in cancelled instead of completed.
func (s *Store) AckTask(id, workerID, taskResult string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var cancelWanted int
	err = tx.QueryRow(
		`SELECT cancel_wanted FROM tasks
		 WHERE id = ? AND claimed_by = ? AND status IN ('claimed','running') AND lease_expiry > ?`,
		id, workerID, now,
	).Scan(&cancelWanted)
	if err == sql.ErrNoRows {
		return ErrNotClaimed
	}
	if err != nil {
		return fmt.Errorf("query claim: %w", err)
	}

	status := models.TaskStatusCompleted
	if cancelWanted != 0 {
		status = models.TaskStatusCancelled
		taskResult = ""
	}

	_, err = tx.Exec(
		`UPDATE tasks SET status = ?, result = ?, completed_at = ?, claimed_by = NULL, claimed_at = NULL, lease_expiry = NULL
		 WHERE id = ?`,
		string(status), taskResult, now, id,
	)
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return tx.Commit()
}

// FailTask records a failure for a task held by workerID. The task retries
// with backoff while attempts remain, otherwise fails terminally. When
// permanent is true the task fails regardless of remaining attempts
// (security violations are never retried).
func (s *Store) FailTask(id, workerID, errMsg string, backoff time.Duration, permanent bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var attempts, maxAttempts, cancelWanted int
	err = tx.QueryRow(
		`SELECT attempt_count, max_attempts, cancel_wanted FROM tasks
		 WHERE id = ? AND claimed_by = ? AND status IN ('claimed','running') AND lease_expiry > ?`,
		id, workerID, now,
	).Scan(&attempts, &maxAttempts, &cancelWanted)
	if err == sql.ErrNoRows {
		return ErrNotClaimed
	}
	if err != nil {
		return fmt.Errorf("query claim: %w", err)
	}

	attempts++
	switch {
	case cancelWanted != 0:
		_, err = tx.Exec(
			`UPDATE tasks SET status = 'cancelled', error = ?, attempt_count = ?, completed_at = ?,
			 claimed_by = NULL, claimed_at = NULL, lease_expiry = NULL WHERE id = ?`,
			errMsg, attempts, now, id)
	case permanent || attempts >= maxAttempts:
		_, err = tx.Exec(
			`UPDATE tasks SET status = 'failed', error = ?, attempt_count = ?, completed_at = ?,
			 claimed_by = NULL, claimed_at = NULL, lease_expiry = NULL WHERE id = ?`,
			errMsg, attempts, now, id)
	default:
		// Exponential backoff keyed off the attempt count.
		next := now.Add(backoff << (attempts - 1))
		_, err = tx.Exec(
			`UPDATE tasks SET status = 'retrying', error = ?, attempt_count = ?, next_attempt_at = ?,
			 claimed_by = NULL, claimed_at = NULL, lease_expiry = NULL WHERE id = ?`,
			errMsg, attempts, next, id)
	}
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return tx.Commit()
}

// ReapExpiredLeases returns expired claimed/running tasks to pending,
// incrementing attempt_count by one. created_at is untouched so the task
// keeps its place in the FIFO tie-break. This is the sole recovery path for
// crashed workers. An expired task whose cancellation was requested settles
// as cancelled instead of being re-queued: the lease boundary is where the
// cancel takes effect.
func (s *Store) ReapExpiredLeases() (int, error) {
	now := time.Now().UTC()
	cancelled, err := s.db.Exec(
		`UPDATE tasks SET status = 'cancelled', completed_at = ?,
		 claimed_by = NULL, claimed_at = NULL, lease_expiry = NULL
		 WHERE status IN ('claimed','running') AND lease_expiry <= ? AND cancel_wanted = 1`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("reap cancelled leases: %w", err)
	}
	nc, err := cancelled.RowsAffected()
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(
		`UPDATE tasks SET status = 'pending', attempt_count = attempt_count + 1,
		 claimed_by = NULL, claimed_at = NULL, lease_expiry = NULL
		 WHERE status IN ('claimed','running') AND lease_expiry <= ?`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("reap leases: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n + nc), err
}

// ReleaseDueRetries moves retrying tasks whose backoff elapsed back to pending.
func (s *Store) ReleaseDueRetries() (int, error) {
	result, err := s.db.Exec(
		`UPDATE tasks SET status = 'pending', next_attempt_at = NULL
		 WHERE status = 'retrying' AND next_attempt_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("release retries: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// CancelTask cancels a pending task immediately. A claimed or running task
// only gets a cancel flag; the worker honors it at the next lease boundary.
func (s *Store) CancelTask(id string) (models.TaskStatus, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query task: %w", err)
	}

	switch models.TaskStatus(status) {
	case models.TaskStatusPending, models.TaskStatusRetrying:
		_, err = tx.Exec(
			`UPDATE tasks SET status = 'cancelled', completed_at = ? WHERE id = ?`,
			time.Now().UTC(), id)
		status = string(models.TaskStatusCancelled)
	case models.TaskStatusClaimed, models.TaskStatusRunning:
		_, err = tx.Exec(`UPDATE tasks SET cancel_wanted = 1 WHERE id = ?`, id)
	default:
		// Terminal states are left alone.
	}
	if err != nil {
		return "", fmt.Errorf("cancel task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return models.TaskStatus(status), nil
}

// --- PendingUpdate Operations ---

// InsertUpdate persists a new pending update.
func (s *Store) InsertUpdate(u *models.PendingUpdate) error {
	_, err := s.db.Exec(
		`INSERT INTO updates (id, target_path, proposed_content, reason, protected, status, current_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TargetPath, u.ProposedContent, u.Reason, boolInt(u.Protected),
		string(u.Status), u.CurrentHash, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	return nil
}

const updateColumns = `id, target_path, proposed_content, reason, protected,
	status, current_hash, backup_ref, created_at, decided_at, decided_by`

func scanUpdate(row interface{ Scan(...any) error }) (*models.PendingUpdate, error) {
	u := &models.PendingUpdate{}
	var (
		protected              int
		status                 string
		currentHash, backupRef sql.NullString
		decidedAt              sql.NullTime
		decidedBy              sql.NullString
	)
	err := row.Scan(&u.ID, &u.TargetPath, &u.ProposedContent, &u.Reason, &protected,
		&status, &currentHash, &backupRef, &u.CreatedAt, &decidedAt, &decidedBy)
	if err != nil {
		return nil, err
	}
	u.Protected = protected != 0
	u.Status = models.UpdateStatus(status)
	u.CurrentHash = currentHash.String
	u.BackupRef = backupRef.String
	u.DecidedBy = decidedBy.String
	if decidedAt.Valid {
		u.DecidedAt = &decidedAt.Time
	}
	return u, nil
}

// GetUpdate retrieves a pending update by ID.
func (s *Store) GetUpdate(id string) (*models.PendingUpdate, error) {
	u, err := scanUpdate(s.db.QueryRow(`SELECT `+updateColumns+` FROM updates WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrUpdateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query update: %w", err)
	}
	return u, nil
}

// ListUpdates returns updates, optionally filtered by status, oldest first.
func (s *Store) ListUpdates(status models.UpdateStatus) ([]models.PendingUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM updates`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	var updates []models.PendingUpdate
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		updates = append(updates, *u)
	}
	return updates, rows.Err()
}

// TransitionUpdate moves an update from one status to another, recording the
// deciding actor. The conditional WHERE makes the transition atomic: if the
// update is not in the expected state, ErrConflict is returned.
func (s *Store) TransitionUpdate(id string, from, to models.UpdateStatus, actor string) error {
	result, err := s.db.Exec(
		`UPDATE updates SET status = ?, decided_at = ?, decided_by = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), actor, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition update: %w", err)
	}
	return requireAffected(result, ErrConflict)
}

// SetUpdateBackupRef attaches a backup reference to an update.
func (s *Store) SetUpdateBackupRef(id, backupRef string) error {
	result, err := s.db.Exec(`UPDATE updates SET backup_ref = ? WHERE id = ?`, backupRef, id)
	if err != nil {
		return fmt.Errorf("set backup ref: %w", err)
	}
	return requireAffected(result, ErrUpdateNotFound)
}

// --- Backup Operations ---

// InsertBackup persists an immutable pre-change snapshot.
func (s *Store) InsertBackup(b *models.Backup) error {
	_, err := s.db.Exec(
		`INSERT INTO backups (id, update_ref, original_content, existed, taken_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.UpdateRef, b.OriginalContent, boolInt(b.Existed), b.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

// GetBackup retrieves a backup by ID.
func (s *Store) GetBackup(id string) (*models.Backup, error) {
	b := &models.Backup{}
	var existed int
	err := s.db.QueryRow(
		`SELECT id, update_ref, original_content, existed, taken_at FROM backups WHERE id = ?`, id,
	).Scan(&b.ID, &b.UpdateRef, &b.OriginalContent, &existed, &b.TakenAt)
	if err == sql.ErrNoRows {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query backup: %w", err)
	}
	b.Existed = existed != 0
	return b, nil
}

// PruneBackups deletes backups taken before the cutoff whose owning update
// is in a terminal state other than applied. Backups of applied updates are
// kept so rollback stays possible.
func (s *Store) PruneBackups(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM backups WHERE taken_at < ? AND update_ref IN
		 (SELECT id FROM updates WHERE status IN ('rejected','rolled_back'))`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune backups: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// --- Activity Log ---

// AppendActivity appends one record to the activity log. The log is
// append-only; nothing in the codebase updates or deletes rows.
func (s *Store) AppendActivity(e *models.ActivityEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO activity (id, event_kind, ref_id, actor, inputs_hash, outcome, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventKind, e.RefID, e.Actor, e.InputsHash, e.Outcome, e.Detail, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// ListActivity returns the most recent activity entries, newest first.
func (s *Store) ListActivity(refID string, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_kind, ref_id, actor, inputs_hash, outcome, detail, timestamp FROM activity`
	var args []any
	if refID != "" {
		query += ` WHERE ref_id = ?`
		args = append(args, refID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var entries []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var refID, actor, hash, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.EventKind, &refID, &actor, &hash, &e.Outcome, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.RefID = refID.String
		e.Actor = actor.String
		e.InputsHash = hash.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- helpers ---

func requireAffected(result sql.Result, sentinel error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return sentinel
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
