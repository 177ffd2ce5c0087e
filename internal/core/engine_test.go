package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support_agent/internal/core"
	"support_agent/internal/escalation"
	"support_agent/internal/llm"
	"support_agent/internal/nodes"
	"support_agent/internal/notify"
	"support_agent/internal/services"
	"support_agent/internal/storage"
	"support_agent/pkg"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	payments []string
	sms      []string
}

func (d *fakeDispatcher) DispatchPayment(refundID string, amount float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payments = append(d.payments, refundID)
}

func (d *fakeDispatcher) DispatchSMS(refundID, userID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sms = append(d.sms, refundID)
}

// flakyStore wraps a real store and fails the next N Store calls with a
// version conflict, exercising the engine's retry paths.
type flakyStore struct {
	core.SessionStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) fail(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *flakyStore) Store(ctx context.Context, sessionID string, expectedVersion uint64, state *core.SessionState) (uint64, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return 0, fmt.Errorf("injected conflict: %w", core.ErrVersionConflict)
	}
	s.mu.Unlock()
	return s.SessionStore.Store(ctx, sessionID, expectedVersion, state)
}

type fixture struct {
	store      core.SessionStore
	queue      *escalation.MemoryQueue
	hub        *notify.Hub
	directory  *services.OrderDirectory
	dispatcher *fakeDispatcher
	engine     *core.Engine
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, storage.NewMemorySessionStore())
}

func newFixtureWith(t *testing.T, store core.SessionStore) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:      store,
		queue:      escalation.NewMemoryQueue(),
		hub:        notify.NewHub(),
		directory:  services.NewOrderDirectory(),
		dispatcher: &fakeDispatcher{},
	}

	now := time.Now()
	f.directory.AddOrder(pkg.Order{
		ID: "o-low", SN: "SN1001", UserID: "user-1",
		Status: pkg.OrderDelivered, TotalAmount: 120,
		Items:     []pkg.OrderItem{{Name: "mouse", Qty: 1, Category: "electronics", Price: 120}},
		CreatedAt: now.Add(-48 * time.Hour),
	})
	f.directory.AddOrder(pkg.Order{
		ID: "o-high", SN: "SN1002", UserID: "user-1",
		Status: pkg.OrderShipped, TotalAmount: 2899,
		Items:     []pkg.OrderItem{{Name: "keyboard", Qty: 1, Category: "electronics", Price: 2899}},
		CreatedAt: now.Add(-24 * time.Hour),
	})
	f.directory.AddOrder(pkg.Order{
		ID: "o-other", SN: "SN2001", UserID: "user-2",
		Status: pkg.OrderDelivered, TotalAmount: 159,
		Items:     []pkg.OrderItem{{Name: "t-shirt", Qty: 2, Category: "apparel", Price: 79.5}},
		CreatedAt: now.Add(-24 * time.Hour),
	})

	kb := services.NewKnowledgeBase(services.HashEmbedder{})
	require.NoError(t, kb.AddDocument(ctx, "shipping",
		"Standard shipping takes 3 to 5 business days."))
	require.NoError(t, kb.AddDocument(ctx, "warranty",
		"All electronics carry a 12-month manufacturer warranty."))

	f.engine = core.NewEngine(f.store, f.hub, f.directory, 8)

	checker := services.NewEligibilityChecker(f.directory, 7)
	policy := services.RiskPolicy{HighAmount: 2000, MediumAmount: 500, MaxPerMonth: 3}

	for _, node := range []core.Node{
		nodes.NewIntentNode(llm.RuleClassifier{}),
		nodes.NewKnowledgeNode(kb, llm.TemplateComposer{}, 4, 0.5, time.Second),
		nodes.NewOrderNode(f.directory),
		nodes.NewEligibilityNode(f.directory, checker),
		nodes.NewSubmitNode(f.directory, policy, f.queue, f.dispatcher),
		nodes.NewResumeDecisionNode(f.directory, f.dispatcher),
		nodes.NewReplyNode(),
	} {
		require.NoError(t, f.engine.Register(node))
	}

	f.queue.SetDecisionHandler(func(ctx context.Context, task *escalation.Task) error {
		verdict := pkg.VerdictReject
		if task.Status == escalation.TaskApproved {
			verdict = pkg.VerdictApprove
		}
		return f.engine.ResumeDecision(ctx, core.Decision{
			TaskID:     task.ID,
			SessionID:  task.SessionID,
			Verdict:    verdict,
			ReviewerID: task.ReviewerID,
			Note:       task.ReviewerNote,
		})
	})
	return f
}

func (f *fixture) version(t *testing.T, sessionID string) uint64 {
	t.Helper()
	_, version, err := f.store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	return version
}

func TestTurnCommitsExactlyOneVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.engine.HandleMessage(ctx, "s1", "user-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusActive, reply.Status)
	assert.Equal(t, uint64(1), f.version(t, "s1"))

	_, err = f.engine.HandleMessage(ctx, "s1", "user-1", "hello again")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.version(t, "s1"))

	state, _, err := f.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, state.Messages, 4) // two user turns, two replies
}

func TestPolicyQuestionAnsweredFromKnowledge(t *testing.T) {
	f := newFixture(t)

	reply, err := f.engine.HandleMessage(context.Background(), "s1", "user-1",
		"what is the shipping fee policy, standard shipping takes how many business days")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Standard shipping takes 3 to 5 business days.")
}

func TestPolicyQuestionWithoutRelevantKnowledge(t *testing.T) {
	f := newFixture(t)

	reply, err := f.engine.HandleMessage(context.Background(), "s1", "user-1",
		"what is your policy on dinosaurs")
	require.NoError(t, err)
	assert.Equal(t, core.NoKnowledgeReply, reply.Text)
	// The turn still commits: history is kept even for fallback answers.
	assert.Equal(t, uint64(1), f.version(t, "s1"))
}

func TestOrderQueryReturnsSummaryCard(t *testing.T) {
	f := newFixture(t)

	reply, err := f.engine.HandleMessage(context.Background(), "s1", "user-1",
		"where is my order SN1002")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "SN1002")
	require.Len(t, reply.Cards, 1)
	assert.Equal(t, pkg.CardOrderSummary, reply.Cards[0].Type)
	assert.Equal(t, "SN1002", reply.Cards[0].Data["order_sn"])
}

func TestOrderQueryForeignOrderGetsGenericNotFound(t *testing.T) {
	f := newFixture(t)

	reply, err := f.engine.HandleMessage(context.Background(), "s1", "user-1",
		"where is my order SN2001")
	require.NoError(t, err)
	assert.Equal(t, core.OrderNotFoundReply, reply.Text)
	assert.Empty(t, reply.Cards)
}

func TestLowAmountRefundAutoApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1001, it arrived broken")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusActive, reply.Status)
	assert.Contains(t, reply.Text, "approved")
	require.Len(t, reply.Cards, 1)
	assert.Equal(t, pkg.CardRefundProgress, reply.Cards[0].Type)

	history := f.directory.RefundHistory("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, pkg.RefundApproved, history[0].Status)
	assert.Equal(t, pkg.ReasonQualityIssue, history[0].ReasonCode)
	assert.InDelta(t, 120, history[0].Amount, 0.001)

	assert.Len(t, f.dispatcher.payments, 1)
	assert.Len(t, f.dispatcher.sms, 1)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHighAmountRefundSuspendsForReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	adminSub := f.hub.Subscribe(notify.AdminChannel)
	defer adminSub.Close()

	reply, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1002, wrong size")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusAwaitingReview, reply.Status)
	assert.Contains(t, reply.Text, "manual review")

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].SessionID)
	assert.Equal(t, pkg.RiskHigh, pending[0].RiskLevel)

	history := f.directory.RefundHistory("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, pkg.RefundPending, history[0].Status)
	assert.Empty(t, f.dispatcher.payments)

	ev := <-adminSub.Events()
	assert.Equal(t, pkg.EventEscalationCreated, ev.Type)
	assert.Equal(t, pending[0].ID, ev.Payload["task_id"])
}

func TestSuspendedSessionShortCircuitsWithoutCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1002, wrong size")
	require.NoError(t, err)
	versionBefore := f.version(t, "s1")

	reply, err := f.engine.HandleMessage(ctx, "s1", "user-1", "any update?")
	require.NoError(t, err)
	assert.Equal(t, core.ReviewPendingReply, reply.Text)
	assert.Equal(t, pkg.StatusAwaitingReview, reply.Status)
	assert.Equal(t, versionBefore, f.version(t, "s1"))
}

func TestDecisionApprovalResumesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	userSub := f.hub.Subscribe("user-1")
	defer userSub.Close()

	_, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1002, wrong size")
	require.NoError(t, err)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Drain the events of the suspension turn.
	for len(userSub.Events()) > 0 {
		<-userSub.Events()
	}

	_, err = f.queue.Decide(ctx, pending[0].ID, pkg.VerdictApprove, "rev-1", "verified with carrier")
	require.NoError(t, err)

	status, _, err := f.engine.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusActive, status)

	history := f.directory.RefundHistory("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, pkg.RefundApproved, history[0].Status)
	assert.Equal(t, "rev-1", history[0].ReviewedBy)
	assert.Len(t, f.dispatcher.payments, 1)

	types := map[pkg.EventType]bool{}
	for len(userSub.Events()) > 0 {
		types[(<-userSub.Events()).Type] = true
	}
	assert.True(t, types[pkg.EventDecisionApplied])
	assert.True(t, types[pkg.EventReply])

	// The session converses normally again.
	reply, err := f.engine.HandleMessage(ctx, "s1", "user-1", "thanks")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusActive, reply.Status)
}

func TestDecisionRejectionResumesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1002, wrong size")
	require.NoError(t, err)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.queue.Decide(ctx, pending[0].ID, pkg.VerdictReject, "rev-1", "outside policy")
	require.NoError(t, err)

	status, _, err := f.engine.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusActive, status)

	history := f.directory.RefundHistory("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, pkg.RefundRejected, history[0].Status)
	assert.Empty(t, f.dispatcher.payments)
}

func TestSecondDecisionIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1002, wrong size")
	require.NoError(t, err)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.queue.Decide(ctx, pending[0].ID, pkg.VerdictApprove, "rev-1", "")
	require.NoError(t, err)

	_, err = f.queue.Decide(ctx, pending[0].ID, pkg.VerdictReject, "rev-2", "")
	assert.ErrorIs(t, err, escalation.ErrAlreadyDecided)

	history := f.directory.RefundHistory("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, pkg.RefundApproved, history[0].Status)
}

func TestIneligibleRefundRepliesInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First refund succeeds, second hits the open-refund rule.
	_, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1002, wrong size")
	require.NoError(t, err)

	reply, err := f.engine.HandleMessage(ctx, "s2", "user-1",
		"refund order SN1002 again please")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "cannot process a refund")
	assert.Contains(t, reply.Text, "in progress")
	assert.Equal(t, pkg.StatusActive, reply.Status)
	assert.Equal(t, uint64(1), f.version(t, "s2"))
}

func TestSessionOwnershipEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleMessage(ctx, "s1", "user-1", "hello")
	require.NoError(t, err)

	_, err = f.engine.HandleMessage(ctx, "s1", "user-2", "hijack attempt")
	assert.Error(t, err)
}

func TestForeignCallerLearnsNothingFromSuspendedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1002, wrong size")
	require.NoError(t, err)

	// The ownership check fires before the review short-circuit, so another
	// user gets an error, not the review-pending reply.
	reply, err := f.engine.HandleMessage(ctx, "s1", "user-2", "any update?")
	assert.Error(t, err)
	assert.Nil(t, reply)
}

func TestOnTaskResultUpdatesLedgerAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	userSub := f.hub.Subscribe("user-1")
	defer userSub.Close()

	_, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1001, it arrived broken")
	require.NoError(t, err)

	history := f.directory.RefundHistory("user-1")
	require.Len(t, history, 1)
	for len(userSub.Events()) > 0 {
		<-userSub.Events()
	}

	f.engine.OnTaskResult(history[0].ID, pkg.OutcomeSent)

	record, err := f.directory.GetRefund(history[0].ID)
	require.NoError(t, err)
	assert.Equal(t, string(pkg.OutcomeSent), record.DeliveryStatus)

	ev := <-userSub.Events()
	assert.Equal(t, pkg.EventTaskResult, ev.Type)
	assert.Equal(t, "sent", ev.Payload["outcome"])
}

func TestConcurrentTurnsOnOneSessionStayConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.HandleMessage(ctx, "s1", "user-1", "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, version, err := f.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, uint64(1))
	assert.Equal(t, "user-1", state.UserID)
}

func TestTurnConflictRetriesTransparently(t *testing.T) {
	flaky := &flakyStore{SessionStore: storage.NewMemorySessionStore()}
	f := newFixtureWith(t, flaky)
	ctx := context.Background()

	flaky.fail(1)
	reply, err := f.engine.HandleMessage(ctx, "s1", "user-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusActive, reply.Status)
	assert.NotEqual(t, core.TransientReply, reply.Text)

	state, version, err := f.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Len(t, state.Messages, 2)
}

func TestSecondConflictAbandonsTurn(t *testing.T) {
	flaky := &flakyStore{SessionStore: storage.NewMemorySessionStore()}
	f := newFixtureWith(t, flaky)
	ctx := context.Background()

	flaky.fail(2)
	reply, err := f.engine.HandleMessage(ctx, "s1", "user-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, core.TransientReply, reply.Text)

	// Nothing was committed for the abandoned turn.
	_, version, err := f.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), version)
}

func TestSuspensionConflictRetryCreatesOneTaskAndRecord(t *testing.T) {
	flaky := &flakyStore{SessionStore: storage.NewMemorySessionStore()}
	f := newFixtureWith(t, flaky)
	ctx := context.Background()

	flaky.fail(1)
	reply, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1002, wrong size")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusAwaitingReview, reply.Status)

	// The abandoned attempt left no refund record and no review task behind.
	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	history := f.directory.RefundHistory("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, pkg.RefundPending, history[0].Status)

	// The surviving task matches the committed state, so the decision lands.
	state, _, err := f.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, pending[0].ID, state.PendingTaskID)

	_, err = f.queue.Decide(ctx, pending[0].ID, pkg.VerdictApprove, "rev-1", "")
	require.NoError(t, err)

	status, _, err := f.engine.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusActive, status)
	record, err := f.directory.GetRefund(history[0].ID)
	require.NoError(t, err)
	assert.Equal(t, pkg.RefundApproved, record.Status)
}

func TestResumeConflictRetryAppliesDecisionOnce(t *testing.T) {
	flaky := &flakyStore{SessionStore: storage.NewMemorySessionStore()}
	f := newFixtureWith(t, flaky)
	ctx := context.Background()

	_, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1002, wrong size")
	require.NoError(t, err)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	flaky.fail(1)
	_, err = f.queue.Decide(ctx, pending[0].ID, pkg.VerdictApprove, "rev-1", "")
	require.NoError(t, err)

	// The retried resume dispatches the payment and SMS exactly once.
	assert.Len(t, f.dispatcher.payments, 1)
	assert.Len(t, f.dispatcher.sms, 1)

	history := f.directory.RefundHistory("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, pkg.RefundApproved, history[0].Status)

	status, _, err := f.engine.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, pkg.StatusActive, status)
}

func TestLowRiskConflictRetryWritesOneRecord(t *testing.T) {
	flaky := &flakyStore{SessionStore: storage.NewMemorySessionStore()}
	f := newFixtureWith(t, flaky)
	ctx := context.Background()

	flaky.fail(1)
	reply, err := f.engine.HandleMessage(ctx, "s1", "user-1",
		"I want a refund for order SN1001, it arrived broken")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "approved")

	history := f.directory.RefundHistory("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, pkg.RefundApproved, history[0].Status)
	assert.Len(t, f.dispatcher.payments, 1)
	assert.Len(t, f.dispatcher.sms, 1)
}
