package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"support_agent/internal/logger"
	"support_agent/pkg"
)

const (
	taskPrefix    = "audit:task:"
	pendingPrefix = "audit:pending:" // one guard key per session
	queueKey      = "audit:queue"    // task ids FIFO
)

// statusScript moves a task's status key from PENDING to its terminal value.
// Exactly one concurrent decide wins; the rest see the terminal status.
var statusScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return -2 end
if cur ~= 'PENDING' then return -1 end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// RedisQueue is the durable escalation queue. Task records are JSON values,
// with a separate status key for the decide compare-and-swap and a per-session
// guard key enforcing at most one PENDING task.
type RedisQueue struct {
	client  *redis.Client
	handler DecisionHandler
}

// NewRedisQueue connects to Redis using the given URL.
func NewRedisQueue(ctx context.Context, redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisQueue{client: client}, nil
}

// SetDecisionHandler registers the engine's resume callback.
func (q *RedisQueue) SetDecisionHandler(handler DecisionHandler) {
	q.handler = handler
}

func taskKey(id string) string     { return taskPrefix + id }
func statusKey(id string) string   { return taskPrefix + id + ":status" }
func pendingKey(sid string) string { return pendingPrefix + sid }

// Enqueue adds a new PENDING task for the session. The per-session guard key
// is claimed first; losing the claim means a PENDING task already exists.
func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = TaskPending
	task.CreatedAt = time.Now()

	claimed, err := q.client.SetNX(ctx, pendingKey(task.SessionID), task.ID, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to claim pending guard: %w", err)
	}
	if !claimed {
		return "", ErrDuplicatePending
	}

	raw, err := sonic.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), raw, 0)
	pipe.Set(ctx, statusKey(task.ID), string(TaskPending), 0)
	pipe.RPush(ctx, queueKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.client.Del(ctx, pendingKey(task.SessionID))
		return "", fmt.Errorf("failed to store task: %w", err)
	}

	logger.Info().
		Str("task_id", task.ID).
		Str("session_id", task.SessionID).
		Str("risk_level", string(task.RiskLevel)).
		Msg("escalation task enqueued")
	return task.ID, nil
}

// Decide moves a PENDING task to its terminal status and triggers the
// decision handler. The status CAS makes repeat and concurrent calls lose.
func (q *RedisQueue) Decide(ctx context.Context, taskID string, verdict pkg.ReviewVerdict, reviewerID, note string) (*Task, error) {
	status := TaskRejected
	if verdict == pkg.VerdictApprove {
		status = TaskApproved
	}

	res, err := statusScript.Run(ctx, q.client, []string{statusKey(taskID)}, string(status)).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to decide task: %w", err)
	}
	switch res {
	case -2:
		return nil, ErrTaskNotFound
	case -1:
		return nil, ErrAlreadyDecided
	}

	task, err := q.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Status = status
	task.ReviewerID = reviewerID
	task.ReviewerNote = note
	task.DecidedAt = time.Now()

	raw, err := sonic.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(taskID), raw, 0)
	pipe.Del(ctx, pendingKey(task.SessionID))
	pipe.LRem(ctx, queueKey, 1, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to store decided task: %w", err)
	}

	logger.Info().
		Str("task_id", taskID).
		Str("verdict", string(verdict)).
		Str("reviewer_id", reviewerID).
		Msg("escalation task decided")

	if q.handler != nil {
		if err := q.handler(ctx, task); err != nil {
			logger.Error().Str("task_id", taskID).Err(err).Msg("decision handler failed")
			return task, err
		}
	}
	return task, nil
}

// Get returns the task with the given id.
func (q *RedisQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	return q.load(ctx, taskID)
}

// Pending lists PENDING tasks FIFO by creation.
func (q *RedisQueue) Pending(ctx context.Context) ([]*Task, error) {
	ids, err := q.client.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	var pending []*Task
	for _, id := range ids {
		task, err := q.load(ctx, id)
		if err != nil {
			continue
		}
		if task.Status == TaskPending {
			pending = append(pending, task)
		}
	}
	return pending, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) load(ctx context.Context, taskID string) (*Task, error) {
	raw, err := q.client.Get(ctx, taskKey(taskID)).Result()
	if err == redis.Nil {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	var task Task
	if err := sonic.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}
