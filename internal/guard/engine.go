// Package guard is the stateless policy engine that gates every task
// before and after the completion call. Rules are pure functions over an
// immutable Input; identical input always yields the identical verdict, so
// the orchestrator's pre/post double-check is meaningful.
package guard

import (
	"errors"
	"strings"
	"time"

	"github.com/minion-dev/minion/internal/models"
)

// ErrSecurityViolation marks a failure caused by a blocking verdict.
// Tasks failed with it are never retried.
var ErrSecurityViolation = errors.New("security violation")

// ContextKind says what an Input represents. Rules use it to decide
// whether they apply.
type ContextKind string

const (
	// ContextTaskInput is a task's declared type plus payload, checked
	// before any external call.
	ContextTaskInput ContextKind = "task_input"
	// ContextOutput is generated content checked after the external call.
	ContextOutput ContextKind = "generated_output"
	// ContextPath is a bare file-system target.
	ContextPath ContextKind = "target_path"
	// ContextCommand is a proposed shell command string.
	ContextCommand ContextKind = "command"
)

// Input is one evaluation context. Fields irrelevant to the kind stay
// zero; rules skip what does not apply to them.
type Input struct {
	Kind       ContextKind
	TaskType   models.TaskType
	Content    string
	TargetPath string
	Command    string
}

// Config holds the policy ceilings. Zero values fall back to the
// defaults below.
type Config struct {
	// WorkspaceRoot is the directory all target paths must resolve into.
	WorkspaceRoot string
	// MaxContentBytes caps payload and generated-content size.
	MaxContentBytes int
	// AllowedExtensions is the approved target-file extension set.
	AllowedExtensions []string
	// AllowedCommands is the approved base-command set.
	AllowedCommands []string
}

const defaultMaxContentBytes = 1 << 20

var defaultExtensions = []string{".go", ".py", ".js", ".ts", ".md", ".txt", ".json", ".yaml", ".yml"}

var defaultCommands = []string{
	"go", "python", "python3", "node", "npm", "git",
	"ls", "cat", "echo", "grep", "find", "wc", "sort",
}

// Rule is one named policy check. Check must be pure: no IO, no clock,
// no mutation of the input.
type Rule struct {
	Name  string
	Check func(cfg Config, in Input) []models.Violation
}

// Engine evaluates inputs against the fixed rule registry.
type Engine struct {
	cfg   Config
	rules []Rule
}

// New builds an engine. The rule set is fixed at construction; policy is
// tuned through Config, never by adding rules at runtime.
func New(cfg Config) *Engine {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = defaultExtensions
	}
	if len(cfg.AllowedCommands) == 0 {
		cfg.AllowedCommands = defaultCommands
	}
	return &Engine{
		cfg: cfg,
		rules: []Rule{
			{Name: "task_type_allowlist", Check: checkTaskType},
			{Name: "path_containment", Check: checkPathContainment},
			{Name: "extension_allowlist", Check: checkExtension},
			{Name: "size_limit", Check: checkSizeLimit},
			{Name: "dangerous_patterns", Check: checkDangerousPatterns},
			{Name: "syntax_scan", Check: checkSyntax},
			{Name: "credential_scan", Check: checkCredentials},
			{Name: "command_allowlist", Check: checkCommand},
		},
	}
}

// Evaluate runs every rule and aggregates. The verdict blocks iff any
// rule reports a block-severity violation; warnings and info never block
// on their own.
func (e *Engine) Evaluate(in Input) models.Verdict {
	verdict := models.Verdict{
		Allowed:     true,
		EvaluatedAt: time.Now().UTC(),
	}
	for _, rule := range e.rules {
		for _, v := range rule.Check(e.cfg, in) {
			v.Rule = rule.Name
			verdict.Violations = append(verdict.Violations, v)
			if v.Severity == models.SeverityBlock {
				verdict.Allowed = false
			}
		}
	}
	return verdict
}

// CheckTask is the pre-execution check over a task's declared type and
// payload. The payload's code and target path are each evaluated in their
// own context so path rules see the path and content rules see the text.
func (e *Engine) CheckTask(task *models.Task) models.Verdict {
	verdict := e.Evaluate(Input{
		Kind:       ContextTaskInput,
		TaskType:   task.Type,
		Content:    task.Payload.Description + "\n" + task.Payload.Code,
		TargetPath: task.Payload.TargetPath,
	})
	return verdict
}

// CheckOutput is the post-execution check over generated content.
func (e *Engine) CheckOutput(content, targetPath string) models.Verdict {
	return e.Evaluate(Input{
		Kind:       ContextOutput,
		Content:    content,
		TargetPath: targetPath,
	})
}

// Summarize flattens a verdict's blocking violations into one line for
// task errors and log output.
func Summarize(v models.Verdict) string {
	blocking := v.Blocking()
	if len(blocking) == 0 {
		return "allowed"
	}
	parts := make([]string, len(blocking))
	for i, viol := range blocking {
		parts[i] = viol.Rule + ": " + viol.Message
	}
	return strings.Join(parts, "; ")
}
