package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"support_agent/internal/logger"
	"support_agent/pkg"
)

// TaskStatus is the lifecycle status of a human-review task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskApproved TaskStatus = "APPROVED"
	TaskRejected TaskStatus = "REJECTED"
)

// Task is a durable record of a refund awaiting human review. It references
// its session by id only; session state is never mutated through the queue.
type Task struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	UserID       string          `json:"user_id"`
	RiskLevel    pkg.RiskLevel   `json:"risk_level"`
	Reason       string          `json:"reason"`
	Draft        pkg.RefundDraft `json:"draft"`
	RefundID     string          `json:"refund_id"`
	Status       TaskStatus      `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	DecidedAt    time.Time       `json:"decided_at,omitempty"`
	ReviewerID   string          `json:"reviewer_id,omitempty"`
	ReviewerNote string          `json:"reviewer_note,omitempty"`
}

var (
	// ErrDuplicatePending means the session already has a PENDING task.
	// This is an invariant violation, never expected in correct operation.
	ErrDuplicatePending = errors.New("session already has a pending review task")

	// ErrAlreadyDecided means the task reached a terminal status earlier.
	ErrAlreadyDecided = errors.New("task has already been decided")

	// ErrTaskNotFound means no task exists with the given id.
	ErrTaskNotFound = errors.New("task not found")
)

// DecisionHandler is invoked exactly once per successful decide call; it is
// the sole trigger of the engine's resume path.
type DecisionHandler func(ctx context.Context, task *Task) error

// Queue is the durable set of pending human-review tasks.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) (string, error)
	Decide(ctx context.Context, taskID string, verdict pkg.ReviewVerdict, reviewerID, note string) (*Task, error)
	Get(ctx context.Context, taskID string) (*Task, error)
	Pending(ctx context.Context) ([]*Task, error)
	SetDecisionHandler(handler DecisionHandler)
}

// MemoryQueue is the in-memory queue implementation used in development and
// tests. Pending tasks are listed FIFO by creation.
type MemoryQueue struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	bySession map[string]string // session id -> pending task id
	order     []string
	handler   DecisionHandler
}

// NewMemoryQueue creates an empty in-memory escalation queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks:     make(map[string]*Task),
		bySession: make(map[string]string),
	}
}

// SetDecisionHandler registers the engine's resume callback.
func (q *MemoryQueue) SetDecisionHandler(handler DecisionHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

// Enqueue adds a new PENDING task for the session. At most one PENDING task
// per session may exist.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.bySession[task.SessionID]; exists {
		return "", ErrDuplicatePending
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = TaskPending
	task.CreatedAt = time.Now()

	stored := *task
	q.tasks[task.ID] = &stored
	q.bySession[task.SessionID] = task.ID
	q.order = append(q.order, task.ID)

	logger.Info().
		Str("task_id", task.ID).
		Str("session_id", task.SessionID).
		Str("risk_level", string(task.RiskLevel)).
		Msg("escalation task enqueued")
	return task.ID, nil
}

// Decide moves a PENDING task to its terminal status and triggers the
// decision handler. A repeat call returns ErrAlreadyDecided with no effect.
func (q *MemoryQueue) Decide(ctx context.Context, taskID string, verdict pkg.ReviewVerdict, reviewerID, note string) (*Task, error) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if task.Status != TaskPending {
		q.mu.Unlock()
		return nil, ErrAlreadyDecided
	}

	if verdict == pkg.VerdictApprove {
		task.Status = TaskApproved
	} else {
		task.Status = TaskRejected
	}
	task.ReviewerID = reviewerID
	task.ReviewerNote = note
	task.DecidedAt = time.Now()
	delete(q.bySession, task.SessionID)

	decided := *task
	handler := q.handler
	q.mu.Unlock()

	logger.Info().
		Str("task_id", taskID).
		Str("verdict", string(verdict)).
		Str("reviewer_id", reviewerID).
		Msg("escalation task decided")

	if handler != nil {
		if err := handler(ctx, &decided); err != nil {
			logger.Error().Str("task_id", taskID).Err(err).Msg("decision handler failed")
			return &decided, err
		}
	}
	return &decided, nil
}

// Get returns the task with the given id.
func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copied := *task
	return &copied, nil
}

// Pending lists PENDING tasks FIFO by creation time.
func (q *MemoryQueue) Pending(ctx context.Context) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*Task
	for _, id := range q.order {
		if task, ok := q.tasks[id]; ok && task.Status == TaskPending {
			copied := *task
			pending = append(pending, &copied)
		}
	}
	return pending, nil
}
