// Package agent runs the worker loop: claim, guard, dispatch, guard
// again, then governance or a direct result.
package agent

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minion-dev/minion/internal/audit"
	"github.com/minion-dev/minion/internal/govern"
	"github.com/minion-dev/minion/internal/guard"
	"github.com/minion-dev/minion/internal/llm"
	"github.com/minion-dev/minion/internal/models"
	"github.com/minion-dev/minion/internal/queue"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Config tunes the orchestrator pool.
type Config struct {
	Workers      int
	Lease        time.Duration
	PollInterval time.Duration
	LLMTimeout   time.Duration
	Model        string
	// WorkspaceRoot is where ordinary task results are written.
	WorkspaceRoot string
	// AgentRoot is the agent's own tree; targets resolving into it are
	// routed through governance instead of written directly.
	AgentRoot string
	// BackupRetention bounds how long rollback data for dead updates is
	// kept.
	BackupRetention time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         2,
		Lease:           5 * time.Minute,
		PollInterval:    time.Second,
		LLMTimeout:      2 * time.Minute,
		BackupRetention: 7 * 24 * time.Hour,
	}
}

// Orchestrator owns a fixed pool of worker slots, each running the claim
// loop independently. A task is owned by exactly one slot for its
// lifetime; the queue's lease enforces that.
type Orchestrator struct {
	queue    *queue.Queue
	engine   *guard.Engine
	govern   *govern.Manager
	client   llm.Client
	recorder *audit.Recorder
	fs       afero.Fs
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New assembles an orchestrator. The llm.Client is the only component
// allowed to block for a non-trivial duration, and only under its
// timeout.
func New(q *queue.Queue, engine *guard.Engine, gov *govern.Manager, client llm.Client, recorder *audit.Recorder, fs afero.Fs, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultConfig().Lease
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultConfig().LLMTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		queue:    q,
		engine:   engine,
		govern:   gov,
		client:   client,
		recorder: recorder,
		fs:       fs,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		group:    &errgroup.Group{},
	}
}

// Start launches the worker slots and the maintenance loop.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		o.group.Go(func() error {
			o.workerLoop(workerID)
			return nil
		})
	}
	o.group.Go(func() error {
		o.maintenanceLoop()
		return nil
	})
	log.Printf("Orchestrator started with %d workers", o.cfg.Workers)
}

// Stop cancels the loops and waits for in-flight tasks to settle.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.group.Wait()
	log.Println("Orchestrator stopped")
}

func (o *Orchestrator) workerLoop(workerID string) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			task, err := o.queue.Claim(workerID, o.cfg.Lease)
			if err != nil {
				log.Printf("%s: claim error: %v", workerID, err)
				continue
			}
			if task == nil {
				continue
			}
			o.process(workerID, task)
		}
	}
}

// maintenanceLoop reaps expired leases and prunes stale backups. Reaping
// is the sole recovery path for crashed workers.
func (o *Orchestrator) maintenanceLoop() {
	reapTicker := time.NewTicker(o.cfg.PollInterval * 5)
	defer reapTicker.Stop()
	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-reapTicker.C:
			n, err := o.queue.ReapExpiredLeases()
			if err != nil {
				log.Printf("Lease reap error: %v", err)
			} else if n > 0 {
				log.Printf("Reaped %d expired leases", n)
			}
		case <-pruneTicker.C:
			if o.govern == nil || o.cfg.BackupRetention <= 0 {
				continue
			}
			if _, err := o.govern.PruneBackups(o.cfg.BackupRetention); err != nil {
				log.Printf("Backup prune error: %v", err)
			}
		}
	}
}

// process drives one claimed task through the full pipeline.
func (o *Orchestrator) process(workerID string, task *models.Task) {
	// Pre-check before any external call is made.
	pre := o.engine.CheckTask(task)
	if !pre.Allowed {
		msg := fmt.Sprintf("%v: %s", guard.ErrSecurityViolation, guard.Summarize(pre))
		o.failTask(task.ID, workerID, msg, true)
		o.record("task_blocked", task.ID, workerID, task.Payload, "blocked", guard.Summarize(pre))
		return
	}

	if err := o.queue.MarkRunning(task.ID, workerID); err != nil {
		// Lease lost between claim and start; the reaper owns the task now.
		log.Printf("%s: task %s no longer held: %v", workerID, task.ID, err)
		return
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.LLMTimeout)
	resp, err := o.client.Complete(ctx, llm.Request{
		TaskType: task.Type,
		Payload:  task.Payload,
		Model:    o.cfg.Model,
	})
	cancel()
	if err != nil {
		o.failTask(task.ID, workerID, err.Error(), false)
		o.record("task_dispatch_failed", task.ID, workerID, nil, "error", err.Error())
		return
	}

	// Post-check on what came back. Blocked output is retained in the
	// audit trail as a hash but never written to any target.
	post := o.engine.CheckOutput(resp.GeneratedText, task.Payload.TargetPath)
	if !post.Allowed {
		msg := fmt.Sprintf("%v: %s", guard.ErrSecurityViolation, guard.Summarize(post))
		o.failTask(task.ID, workerID, msg, true)
		o.record("output_blocked", task.ID, workerID, resp.GeneratedText, "blocked", guard.Summarize(post))
		return
	}

	// A cancellation requested mid-flight must leave nothing behind: the
	// result is discarded before it reaches any target, and the ack
	// settles the task as cancelled.
	if cur, err := o.queue.Get(task.ID); err == nil && cur.CancelWanted {
		if err := o.queue.Ack(task.ID, workerID, ""); err != nil {
			log.Printf("%s: ack of cancelled task %s failed: %v", workerID, task.ID, err)
		}
		o.record("task_cancelled", task.ID, workerID, nil, "ok", "result discarded")
		return
	}

	result, err := o.deliver(task, resp.GeneratedText)
	if err != nil {
		o.failTask(task.ID, workerID, err.Error(), false)
		o.record("task_deliver_failed", task.ID, workerID, nil, "error", err.Error())
		return
	}

	if err := o.queue.Ack(task.ID, workerID, result); err != nil {
		log.Printf("%s: ack of task %s failed: %v", workerID, task.ID, err)
		return
	}
	o.record("task_completed", task.ID, workerID, resp.GeneratedText, "ok", task.Payload.TargetPath)
}

// deliver routes generated content: the agent's own files go through
// governance, other targets are written into the workspace, targetless
// tasks just carry the text as their result.
func (o *Orchestrator) deliver(task *models.Task, generated string) (string, error) {
	target := task.Payload.TargetPath
	if target == "" {
		return generated, nil
	}

	if selfPath, ok := o.selfTarget(target); ok {
		update, err := o.govern.Propose(selfPath, generated, task.ID)
		if err != nil {
			return "", fmt.Errorf("propose self-update: %w", err)
		}
		if !update.Protected {
			if err := o.govern.Apply(update.ID, "system"); err != nil {
				return "", fmt.Errorf("apply self-update: %w", err)
			}
			return fmt.Sprintf("self-update %s applied to %s", update.ID, target), nil
		}
		return fmt.Sprintf("self-update %s pending approval for %s", update.ID, target), nil
	}

	abs := filepath.Join(o.cfg.WorkspaceRoot, filepath.Clean(target))
	if err := o.fs.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}
	if err := afero.WriteFile(o.fs, abs, []byte(generated), 0o644); err != nil {
		return "", fmt.Errorf("write target: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(generated), target), nil
}

// selfTarget reports whether a workspace-relative target lands inside the
// agent's own tree, returning the path relative to that tree.
func (o *Orchestrator) selfTarget(target string) (string, bool) {
	if o.govern == nil || o.cfg.AgentRoot == "" {
		return "", false
	}
	abs := filepath.Join(o.cfg.WorkspaceRoot, filepath.Clean(target))
	rel, err := filepath.Rel(o.cfg.AgentRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

func (o *Orchestrator) failTask(taskID, workerID, msg string, permanent bool) {
	if err := o.queue.Fail(taskID, workerID, msg, permanent); err != nil {
		log.Printf("%s: fail of task %s errored: %v", workerID, taskID, err)
	}
}

func (o *Orchestrator) record(kind, refID, actor string, inputs any, outcome, detail string) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(kind, refID, actor, inputs, outcome, detail); err != nil {
		log.Printf("Audit record failed: %v", err)
	}
}
