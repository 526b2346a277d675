package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/minion-dev/minion/internal/models"
	"github.com/redis/go-redis/v9"
)

// priorityBand separates priority tiers in the pending zset score. Scores
// are (maxPriority - priority) * priorityBand + createdAtMillis, so a lower
// score is always a higher priority, and within a tier submission time
// breaks the tie. The band comfortably exceeds any millisecond timestamp.
const priorityBand = 1e13

const maxPriority = int(models.PriorityUrgent)

// RedisBackend is the distributed broker implementation of the queue
// Backend. The pending zset plus a claimed zset scored by lease deadline
// give at-least-once delivery with a visibility timeout standing in for the
// lease; all multi-key transitions run as Lua scripts so they are atomic
// under concurrent claimers on separate nodes.
type RedisBackend struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

// NewRedisBackend connects a queue backend to a Redis broker.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "minion"
	}
	return &RedisBackend{
		client:    client,
		prefix:    prefix,
		opTimeout: 5 * time.Second,
	}
}

func (b *RedisBackend) keyTask(id string) string { return b.prefix + ":task:" + id }
func (b *RedisBackend) keyPending() string       { return b.prefix + ":pending" }
func (b *RedisBackend) keyClaimed() string       { return b.prefix + ":claimed" }
func (b *RedisBackend) keyRetry() string         { return b.prefix + ":retry" }
func (b *RedisBackend) keyIndex() string         { return b.prefix + ":tasks" }

func (b *RedisBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.opTimeout)
}

// pendingScore computes the claim-order score for a task.
func pendingScore(priority models.Priority, createdAt time.Time) float64 {
	return float64(maxPriority-int(priority))*priorityBand + float64(createdAt.UnixMilli())
}

// claimScript pops the best pending task and moves it to the claimed zset
// under a lease deadline, atomically.
var claimScript = redis.NewScript(`
local id = redis.call('ZRANGE', KEYS[1], 0, 0)[1]
if not id then return false end
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3] .. id, 'status', 'claimed', 'claimed_by', ARGV[3], 'claimed_ms', ARGV[1], 'lease_ms', ARGV[2])
return id
`)

// ackScript completes a task if (and only if) the caller still holds a live
// lease. A cancel flag set mid-flight discards the result.
var ackScript = redis.NewScript(`
local key = KEYS[2]
local deadline = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not deadline or tonumber(deadline) <= tonumber(ARGV[2]) then return 0 end
if redis.call('HGET', key, 'claimed_by') ~= ARGV[3] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('HGET', key, 'cancel_wanted') == '1' then
  redis.call('HSET', key, 'status', 'cancelled', 'completed_ms', ARGV[2])
else
  redis.call('HSET', key, 'status', 'completed', 'result', ARGV[4], 'completed_ms', ARGV[2])
end
redis.call('HDEL', key, 'claimed_by', 'claimed_ms', 'lease_ms')
return 1
`)

// failScript records a failure under the same lease check, retrying with
// exponential backoff while attempts remain unless the failure is permanent.
var failScript = redis.NewScript(`
local key = KEYS[3]
local deadline = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not deadline or tonumber(deadline) <= tonumber(ARGV[2]) then return 0 end
if redis.call('HGET', key, 'claimed_by') ~= ARGV[3] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
local attempts = redis.call('HINCRBY', key, 'attempt_count', 1)
local max = tonumber(redis.call('HGET', key, 'max_attempts'))
redis.call('HSET', key, 'error', ARGV[4])
redis.call('HDEL', key, 'claimed_by', 'claimed_ms', 'lease_ms')
if redis.call('HGET', key, 'cancel_wanted') == '1' then
  redis.call('HSET', key, 'status', 'cancelled', 'completed_ms', ARGV[2])
elseif ARGV[6] == '1' or attempts >= max then
  redis.call('HSET', key, 'status', 'failed', 'completed_ms', ARGV[2])
else
  local delay = tonumber(ARGV[5]) * 2 ^ (attempts - 1)
  redis.call('HSET', key, 'status', 'retrying')
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + delay, ARGV[1])
end
return 1
`)

// reapScript sweeps expired leases back to pending. The pending score is
// rebuilt from the stored priority and original created_ms, so a reaped
// task keeps its place in the tie-break. A cancel-flagged task settles as
// cancelled at this boundary instead of being re-queued.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  local key = KEYS[3] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', key, 'claimed_by', 'claimed_ms', 'lease_ms')
  if redis.call('HGET', key, 'cancel_wanted') == '1' then
    redis.call('HSET', key, 'status', 'cancelled', 'completed_ms', ARGV[1])
  else
    redis.call('HINCRBY', key, 'attempt_count', 1)
    redis.call('HSET', key, 'status', 'pending')
    local pri = tonumber(redis.call('HGET', key, 'priority'))
    local created = tonumber(redis.call('HGET', key, 'created_ms'))
    redis.call('ZADD', KEYS[2], (ARGV[2] - pri) * ARGV[3] + created, id)
  end
end
return #ids
`)

// retryScript releases retrying tasks whose backoff elapsed.
var retryScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  local key = KEYS[3] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', key, 'status', 'pending')
  local pri = tonumber(redis.call('HGET', key, 'priority'))
  local created = tonumber(redis.call('HGET', key, 'created_ms'))
  redis.call('ZADD', KEYS[2], (ARGV[2] - pri) * ARGV[3] + created, id)
end
return #ids
`)

// cancelScript removes a waiting task outright or flags an in-flight one.
var cancelScript = redis.NewScript(`
local key = KEYS[4]
local status = redis.call('HGET', key, 'status')
if not status then return '' end
if status == 'pending' or status == 'retrying' then
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('ZREM', KEYS[3], ARGV[1])
  redis.call('HSET', key, 'status', 'cancelled', 'completed_ms', ARGV[2])
  return 'cancelled'
elseif status == 'claimed' or status == 'running' then
  redis.call('HSET', key, 'cancel_wanted', '1')
  return status
end
return status
`)

func (b *RedisBackend) InsertTask(task *models.Task) error {
	ctx, cancel := b.ctx()
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.keyTask(task.ID), map[string]any{
		"id":            task.ID,
		"type":          string(task.Type),
		"priority":      int(task.Priority),
		"description":   task.Payload.Description,
		"code":          task.Payload.Code,
		"target_path":   task.Payload.TargetPath,
		"status":        string(models.TaskStatusPending),
		"attempt_count": 0,
		"max_attempts":  task.MaxAttempts,
		"created_ms":    task.CreatedAt.UnixMilli(),
		"cancel_wanted": 0,
	})
	pipe.ZAdd(ctx, b.keyPending(), redis.Z{
		Score:  pendingScore(task.Priority, task.CreatedAt),
		Member: task.ID,
	})
	pipe.RPush(ctx, b.keyIndex(), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis insert task: %w", err)
	}
	return nil
}

func (b *RedisBackend) GetTask(id string) (*models.Task, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	fields, err := b.client.HGetAll(ctx, b.keyTask(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return taskFromHash(fields), nil
}

func (b *RedisBackend) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	ids, err := b.client.LRange(ctx, b.keyIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list tasks: %w", err)
	}

	var tasks []models.Task
	for _, id := range ids {
		fields, err := b.client.HGetAll(ctx, b.keyTask(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list tasks: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		task := taskFromHash(fields)
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

func (b *RedisBackend) ClaimNextTask(workerID string, lease time.Duration) (*models.Task, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.keyPending(), b.keyClaimed(), b.prefix + ":task:"},
		now.UnixMilli(), now.Add(lease).UnixMilli(), workerID,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis claim: %w", err)
	}

	id, _ := res.(string)
	if id == "" {
		return nil, nil
	}
	return b.GetTask(id)
}

func (b *RedisBackend) MarkRunning(id, workerID string) error {
	ctx, cancel := b.ctx()
	defer cancel()

	deadline, err := b.client.ZScore(ctx, b.keyClaimed(), id).Result()
	if err == redis.Nil {
		return ErrNotClaimed
	}
	if err != nil {
		return fmt.Errorf("redis mark running: %w", err)
	}
	if int64(deadline) <= time.Now().UTC().UnixMilli() {
		return ErrNotClaimed
	}

	owner, err := b.client.HGet(ctx, b.keyTask(id), "claimed_by").Result()
	if err == redis.Nil || (err == nil && owner != workerID) {
		return ErrNotClaimed
	}
	if err != nil {
		return fmt.Errorf("redis mark running: %w", err)
	}
	if err := b.client.HSet(ctx, b.keyTask(id), "status", string(models.TaskStatusRunning)).Err(); err != nil {
		return fmt.Errorf("redis mark running: %w", err)
	}
	return nil
}

func (b *RedisBackend) AckTask(id, workerID, result string) error {
	ctx, cancel := b.ctx()
	defer cancel()

	ok, err := ackScript.Run(ctx, b.client,
		[]string{b.keyClaimed(), b.keyTask(id)},
		id, time.Now().UTC().UnixMilli(), workerID, result,
	).Int()
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	if ok == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (b *RedisBackend) FailTask(id, workerID, errMsg string, backoff time.Duration, permanent bool) error {
	ctx, cancel := b.ctx()
	defer cancel()

	perm := "0"
	if permanent {
		perm = "1"
	}
	ok, err := failScript.Run(ctx, b.client,
		[]string{b.keyClaimed(), b.keyRetry(), b.keyTask(id)},
		id, time.Now().UTC().UnixMilli(), workerID, errMsg, backoff.Milliseconds(), perm,
	).Int()
	if err != nil {
		return fmt.Errorf("redis fail: %w", err)
	}
	if ok == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (b *RedisBackend) ReapExpiredLeases() (int, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	n, err := reapScript.Run(ctx, b.client,
		[]string{b.keyClaimed(), b.keyPending(), b.prefix + ":task:"},
		time.Now().UTC().UnixMilli(), maxPriority, int64(priorityBand),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis reap: %w", err)
	}
	return n, nil
}

func (b *RedisBackend) ReleaseDueRetries() (int, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	n, err := retryScript.Run(ctx, b.client,
		[]string{b.keyRetry(), b.keyPending(), b.prefix + ":task:"},
		time.Now().UTC().UnixMilli(), maxPriority, int64(priorityBand),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis release retries: %w", err)
	}
	return n, nil
}

func (b *RedisBackend) CancelTask(id string) (models.TaskStatus, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	status, err := cancelScript.Run(ctx, b.client,
		[]string{b.keyPending(), b.keyClaimed(), b.keyRetry(), b.keyTask(id)},
		id, time.Now().UTC().UnixMilli(),
	).Text()
	if err != nil {
		return "", fmt.Errorf("redis cancel: %w", err)
	}
	if status == "" {
		return "", ErrTaskNotFound
	}
	return models.TaskStatus(status), nil
}

// taskFromHash rebuilds a Task from its Redis hash fields.
func taskFromHash(fields map[string]string) *models.Task {
	task := &models.Task{
		ID:   fields["id"],
		Type: models.TaskType(fields["type"]),
		Payload: models.Payload{
			Description: fields["description"],
			Code:        fields["code"],
			TargetPath:  fields["target_path"],
		},
		Status:    models.TaskStatus(fields["status"]),
		ClaimedBy: fields["claimed_by"],
		Result:    fields["result"],
		Error:     fields["error"],
	}
	if v, err := strconv.Atoi(fields["priority"]); err == nil {
		task.Priority = models.Priority(v)
	}
	if v, err := strconv.Atoi(fields["attempt_count"]); err == nil {
		task.AttemptCount = v
	}
	if v, err := strconv.Atoi(fields["max_attempts"]); err == nil {
		task.MaxAttempts = v
	}
	task.CancelWanted = fields["cancel_wanted"] == "1"
	if ms := parseMillis(fields["created_ms"]); ms != nil {
		task.CreatedAt = *ms
	}
	if ms := parseMillis(fields["claimed_ms"]); ms != nil {
		task.ClaimedAt = ms
	}
	if ms := parseMillis(fields["lease_ms"]); ms != nil {
		task.LeaseExpiry = ms
	}
	if ms := parseMillis(fields["completed_ms"]); ms != nil {
		task.CompletedAt = ms
	}
	return task
}

func parseMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
