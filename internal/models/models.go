// Package models defines the core domain types for Minion.
package models

import (
	"fmt"
	"time"
)

// TaskType is the closed set of operations the agent will perform.
type TaskType string

const (
	TaskWriteTests       TaskType = "write_tests"
	TaskTranslateCode    TaskType = "translate_code"
	TaskDebugError       TaskType = "debug_error"
	TaskFormatCode       TaskType = "format_code"
	TaskGenerateDocs     TaskType = "generate_docs"
	TaskRefactorFunction TaskType = "refactor_function"
	TaskGeneral          TaskType = "general"
)

// TaskTypes lists every valid task type. Adding a type is a deliberate
// code change, never configuration.
var TaskTypes = []TaskType{
	TaskWriteTests,
	TaskTranslateCode,
	TaskDebugError,
	TaskFormatCode,
	TaskGenerateDocs,
	TaskRefactorFunction,
	TaskGeneral,
}

// ParseTaskType validates a task type string against the closed set.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range TaskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Priority orders tasks across the queue. Higher claims first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// ParsePriority maps the CLI/API names onto priority tiers.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Payload carries the task input handed to the completion service.
type Payload struct {
	Description string `json:"description"`
	Code        string `json:"code,omitempty"`
	TargetPath  string `json:"target_path,omitempty"`
}

// Task is a unit of work moving through the queue.
type Task struct {
	ID           string     `json:"id"`
	Type         TaskType   `json:"type"`
	Priority     Priority   `json:"priority"`
	Payload      Payload    `json:"payload"`
	Status       TaskStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	LeaseExpiry  *time.Time `json:"lease_expiry,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	CancelWanted bool       `json:"cancel_wanted,omitempty"`
}

// Severity grades a guardrail violation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityBlock   Severity = "block"
)

// Violation is one failed guardrail rule.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Verdict is the aggregate guardrail decision for one evaluation.
// Computed fresh per call and attached to whatever it gates, never
// persisted on its own.
type Verdict struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Blocking returns the violations that caused a block verdict.
func (v Verdict) Blocking() []Violation {
	var out []Violation
	for _, viol := range v.Violations {
		if viol.Severity == SeverityBlock {
			out = append(out, viol)
		}
	}
	return out
}

// UpdateStatus represents the governance state of a proposed change.
type UpdateStatus string

const (
	UpdatePendingApproval UpdateStatus = "pending_approval"
	UpdateApproved        UpdateStatus = "approved"
	UpdateRejected        UpdateStatus = "rejected"
	UpdateApplied         UpdateStatus = "applied"
	UpdateRolledBack      UpdateStatus = "rolled_back"
)

// PendingUpdate is a proposed change to one of the agent's own files.
type PendingUpdate struct {
	ID              string       `json:"id"`
	TargetPath      string       `json:"target_path"`
	ProposedContent string       `json:"proposed_content"`
	Reason          string       `json:"reason"` // originating task id
	Protected       bool         `json:"protected"`
	Status          UpdateStatus `json:"status"`
	CurrentHash     string       `json:"current_hash,omitempty"` // sha256 of target at proposal time
	BackupRef       string       `json:"backup_ref,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	DecidedAt       *time.Time   `json:"decided_at,omitempty"`
	DecidedBy       string       `json:"decided_by,omitempty"`
}

// Backup is an immutable pre-change snapshot owned by one update.
type Backup struct {
	ID              string    `json:"id"`
	UpdateRef       string    `json:"update_ref"`
	OriginalContent string    `json:"original_content"`
	Existed         bool      `json:"existed"` // false when the target did not exist before apply
	TakenAt         time.Time `json:"taken_at"`
}

// ActivityEntry is one record in the append-only activity log.
type ActivityEntry struct {
	ID         string    `json:"id"`
	EventKind  string    `json:"event_kind"`
	RefID      string    `json:"ref_id,omitempty"` // task or update id
	Actor      string    `json:"actor,omitempty"`
	InputsHash string    `json:"inputs_hash,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
