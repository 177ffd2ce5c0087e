package escalation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support_agent/pkg"
)

func newTask(sessionID string, amount float64) *Task {
	return &Task{
		SessionID: sessionID,
		UserID:    "u1",
		RiskLevel: pkg.RiskHigh,
		Reason:    "amount over threshold",
		Draft:     pkg.RefundDraft{OrderID: "o1", Amount: amount},
	}
}

func TestEnqueueAssignsIDAndPendingStatus(t *testing.T) {
	q := NewMemoryQueue()

	id, err := q.Enqueue(context.Background(), newTask("s1", 2500))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestEnqueueRejectsSecondPendingForSession(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, newTask("s1", 2500))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, newTask("s1", 800))
	assert.ErrorIs(t, err, ErrDuplicatePending)

	// A different session is unaffected.
	_, err = q.Enqueue(ctx, newTask("s2", 800))
	assert.NoError(t, err)
}

func TestDecideIsTerminalAndExactlyOnce(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, newTask("s1", 2500))
	require.NoError(t, err)

	calls := 0
	q.SetDecisionHandler(func(ctx context.Context, task *Task) error {
		calls++
		assert.Equal(t, TaskApproved, task.Status)
		assert.Equal(t, "rev-1", task.ReviewerID)
		return nil
	})

	task, err := q.Decide(ctx, id, pkg.VerdictApprove, "rev-1", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, TaskApproved, task.Status)
	assert.Equal(t, 1, calls)

	_, err = q.Decide(ctx, id, pkg.VerdictReject, "rev-2", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	assert.Equal(t, 1, calls)

	stored, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskApproved, stored.Status)
}

func TestDecideUnknownTask(t *testing.T) {
	q := NewMemoryQueue()

	_, err := q.Decide(context.Background(), "missing", pkg.VerdictApprove, "rev-1", "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDecideClearsPendingGuard(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, newTask("s1", 2500))
	require.NoError(t, err)
	_, err = q.Decide(ctx, id, pkg.VerdictReject, "rev-1", "")
	require.NoError(t, err)

	// The session may escalate again once the previous task is decided.
	_, err = q.Enqueue(ctx, newTask("s1", 900))
	assert.NoError(t, err)
}

func TestPendingListsFIFOAndSkipsDecided(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, newTask("s1", 2500))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, newTask("s2", 900))
	require.NoError(t, err)
	id3, err := q.Enqueue(ctx, newTask("s3", 3000))
	require.NoError(t, err)

	_, err = q.Decide(ctx, id2, pkg.VerdictApprove, "rev-1", "")
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, id3, pending[1].ID)
}
