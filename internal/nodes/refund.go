package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"support_agent/internal/core"
	"support_agent/internal/escalation"
	"support_agent/internal/logger"
	"support_agent/internal/notify"
	"support_agent/internal/services"
	"support_agent/pkg"
)

// TaskDispatcher queues background side-effect tasks for an approved refund.
type TaskDispatcher interface {
	DispatchPayment(refundID string, amount float64)
	DispatchSMS(refundID, userID, text string)
}

// EligibilityNode resolves the order behind a refund request and runs the
// deterministic eligibility rules. Eligible requests become a draft for the
// full refundable remainder.
type EligibilityNode struct {
	directory *services.OrderDirectory
	checker   *services.EligibilityChecker
}

// NewEligibilityNode creates the eligibility node.
func NewEligibilityNode(directory *services.OrderDirectory, checker *services.EligibilityChecker) *EligibilityNode {
	return &EligibilityNode{directory: directory, checker: checker}
}

func (n *EligibilityNode) Name() core.NodeName { return core.NodeRefundEligibility }

// Execute checks eligibility. An ineligible request replies inline with the
// rule's reason; the turn still commits so history is kept.
func (n *EligibilityNode) Execute(ctx context.Context, turn *core.Turn) (core.NodeName, error) {
	order, ok := resolveOrder(n.directory, turn)
	if !ok {
		return core.NodeReply, nil
	}
	turn.State.Order = order

	verdict := n.checker.Check(order, time.Now())
	if !verdict.Eligible {
		turn.ReplyText = fmt.Sprintf("We cannot process a refund for order %s: %s.", order.SN, verdict.Reason)
		return core.NodeReply, nil
	}

	remainder, err := n.directory.RefundableRemainder(order.ID)
	if err != nil {
		return "", fmt.Errorf("refundable remainder for order %s: %w", order.ID, err)
	}

	turn.State.Draft = &pkg.RefundDraft{
		OrderID:      order.ID,
		OrderSN:      order.SN,
		UserID:       turn.State.UserID,
		Amount:       remainder,
		ReasonCode:   reasonFromMessage(turn.UserMessage),
		ReasonDetail: turn.UserMessage,
		Verdict:      &verdict,
	}
	return core.NodeRefundSubmit, nil
}

// reasonFromMessage maps message keywords to a refund reason code.
func reasonFromMessage(text string) pkg.RefundReason {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "broken") || strings.Contains(lower, "defect") ||
		strings.Contains(lower, "damaged") || strings.Contains(lower, "质量") || strings.Contains(lower, "坏"):
		return pkg.ReasonQualityIssue
	case strings.Contains(lower, "size") || strings.Contains(lower, "fit") ||
		strings.Contains(lower, "大") || strings.Contains(lower, "小"):
		return pkg.ReasonSizeNotFit
	case strings.Contains(lower, "not as described") || strings.Contains(lower, "different") ||
		strings.Contains(lower, "不符"):
		return pkg.ReasonNotAsDescribed
	case strings.Contains(lower, "changed my mind") || strings.Contains(lower, "don't want") ||
		strings.Contains(lower, "不想要"):
		return pkg.ReasonChangedMind
	default:
		return pkg.ReasonOther
	}
}

// SubmitNode classifies the draft's risk and either auto-approves it or
// escalates it for human review, suspending the session.
type SubmitNode struct {
	directory  *services.OrderDirectory
	policy     services.RiskPolicy
	queue      escalation.Queue
	dispatcher TaskDispatcher
}

// NewSubmitNode creates the submission node.
func NewSubmitNode(directory *services.OrderDirectory, policy services.RiskPolicy, queue escalation.Queue, dispatcher TaskDispatcher) *SubmitNode {
	return &SubmitNode{directory: directory, policy: policy, queue: queue, dispatcher: dispatcher}
}

func (n *SubmitNode) Name() core.NodeName { return core.NodeRefundSubmit }

// Execute submits the draft. The refund record write, the review-task
// enqueue, and the side-effect dispatch are queued as post-commit effects of
// the turn: a turn abandoned on a version conflict leaves no external trace,
// and the retried turn rebuilds everything from fresh state.
func (n *SubmitNode) Execute(ctx context.Context, turn *core.Turn) (core.NodeName, error) {
	draft := turn.State.Draft
	if draft == nil {
		return "", fmt.Errorf("refund submit reached without a draft")
	}

	level, reason := n.policy.Classify(draft.Amount, n.directory.RefundHistory(draft.UserID), time.Now())
	draft.RiskLevel = level
	draft.RiskReason = reason

	remainder, err := n.directory.RefundableRemainder(draft.OrderID)
	if err != nil {
		turn.ReplyText = "We cannot submit this refund: the order could not be verified."
		return core.NodeReply, nil
	}
	if draft.Amount > remainder {
		turn.ReplyText = "We cannot submit this refund: the requested amount exceeds what this order can still refund."
		return core.NodeReply, nil
	}

	refundID := uuid.NewString()
	submitted := *draft

	if level == pkg.RiskLow {
		turn.AddEffect(func(ctx context.Context) {
			record, err := n.directory.WriteRefundRecord(refundID, submitted, pkg.RefundApproved)
			if err != nil {
				logger.Error().Str("refund_id", refundID).Err(err).Msg("approved refund write failed")
				return
			}
			n.dispatchApproved(record)
		})
		turn.State.Draft = nil

		turn.ReplyText = fmt.Sprintf("Your refund of %.2f for order %s has been approved. The amount will be returned to your original payment method.", submitted.Amount, submitted.OrderSN)
		turn.Cards = append(turn.Cards, refundProgressCard(refundID, submitted.OrderSN, submitted.Amount, pkg.RefundApproved))
		return core.NodeReply, nil
	}

	taskID := uuid.NewString()
	sessionID := turn.State.SessionID
	turn.AddEffect(func(ctx context.Context) {
		if _, err := n.directory.WriteRefundRecord(refundID, submitted, pkg.RefundPending); err != nil {
			logger.Error().Str("refund_id", refundID).Err(err).Msg("pending refund write failed")
			return
		}
		_, err := n.queue.Enqueue(ctx, &escalation.Task{
			ID:        taskID,
			SessionID: sessionID,
			UserID:    submitted.UserID,
			RiskLevel: level,
			Reason:    reason,
			Draft:     submitted,
			RefundID:  refundID,
		})
		if err != nil {
			if errors.Is(err, escalation.ErrDuplicatePending) {
				// Should be unreachable: a suspended session never runs this node.
				logger.Error().Str("session_id", sessionID).Msg("duplicate pending escalation for session")
				return
			}
			logger.Error().Str("session_id", sessionID).Str("task_id", taskID).Err(err).Msg("escalation enqueue failed")
		}
	})

	turn.State.PendingTaskID = taskID
	turn.Suspend = true
	turn.ReplyText = fmt.Sprintf("Your refund request of %.2f for order %s needs manual review. We will notify you as soon as it is decided.", submitted.Amount, submitted.OrderSN)
	turn.Cards = append(turn.Cards, pkg.ReplyCard{
		Type: pkg.CardAuditNotice,
		Data: map[string]any{
			"order_sn":   submitted.OrderSN,
			"amount":     submitted.Amount,
			"risk_level": string(level),
		},
	})
	turn.AddEvent(notify.AdminChannel, pkg.Event{
		Type: pkg.EventEscalationCreated,
		Payload: map[string]any{
			"task_id":    taskID,
			"user_id":    submitted.UserID,
			"amount":     submitted.Amount,
			"risk_level": string(level),
			"reason":     reason,
		},
	})
	logger.Info().
		Str("session_id", sessionID).
		Str("task_id", taskID).
		Str("risk_level", string(level)).
		Float64("amount", submitted.Amount).
		Msg("refund escalated for review")
	return core.NodeReply, nil
}

func (n *SubmitNode) dispatchApproved(record *pkg.RefundRecord) {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.DispatchPayment(record.ID, record.Amount)
	n.dispatcher.DispatchSMS(record.ID, record.UserID,
		fmt.Sprintf("Your refund of %.2f has been approved and is being processed.", record.Amount))
}

func refundProgressCard(refundID, orderSN string, amount float64, status pkg.RefundStatus) pkg.ReplyCard {
	return pkg.ReplyCard{
		Type: pkg.CardRefundProgress,
		Data: map[string]any{
			"refund_id": refundID,
			"order_sn":  orderSN,
			"amount":    amount,
			"status":    string(status),
		},
	}
}

// ResumeDecisionNode applies a human review verdict to the suspended session
// and returns it to active conversation.
type ResumeDecisionNode struct {
	directory  *services.OrderDirectory
	dispatcher TaskDispatcher
}

// NewResumeDecisionNode creates the resume node.
func NewResumeDecisionNode(directory *services.OrderDirectory, dispatcher TaskDispatcher) *ResumeDecisionNode {
	return &ResumeDecisionNode{directory: directory, dispatcher: dispatcher}
}

func (n *ResumeDecisionNode) Name() core.NodeName { return core.NodeResumeDecision }

// Execute composes the decision reply and queues the refund-record update and
// side-effect dispatch as post-commit effects, so a resume retried on a
// version conflict applies the decision's external effects exactly once.
func (n *ResumeDecisionNode) Execute(ctx context.Context, turn *core.Turn) (core.NodeName, error) {
	dec := turn.Decision
	if dec == nil {
		return "", fmt.Errorf("resume reached without a decision")
	}
	draft := turn.State.Draft
	if draft == nil {
		return "", fmt.Errorf("resume reached without a pending draft")
	}

	open := n.directory.OpenRefundForOrder(draft.OrderID)
	if open == nil {
		return "", fmt.Errorf("no open refund record for order %s", draft.OrderID)
	}

	status := pkg.RefundRejected
	if dec.Verdict == pkg.VerdictApprove {
		status = pkg.RefundApproved
	}

	refundID := open.ID
	amount := open.Amount
	userID := open.UserID
	reviewerID := dec.ReviewerID
	approve := dec.Verdict == pkg.VerdictApprove
	turn.AddEffect(func(ctx context.Context) {
		record, err := n.directory.UpdateRefundStatus(refundID, status, reviewerID)
		if err != nil {
			logger.Error().Str("refund_id", refundID).Err(err).Msg("refund decision write failed")
			return
		}
		if approve && n.dispatcher != nil {
			n.dispatcher.DispatchPayment(record.ID, record.Amount)
			n.dispatcher.DispatchSMS(record.ID, userID,
				fmt.Sprintf("Your refund of %.2f has been approved and is being processed.", record.Amount))
		}
	})

	if approve {
		turn.ReplyText = fmt.Sprintf("Good news: your refund of %.2f for order %s was approved. The amount will be returned to your original payment method.", amount, draft.OrderSN)
	} else {
		turn.ReplyText = fmt.Sprintf("Your refund request for order %s was not approved after review.", draft.OrderSN)
		if dec.Note != "" {
			turn.ReplyText += " Reviewer note: " + dec.Note
		}
	}

	turn.Cards = append(turn.Cards, refundProgressCard(refundID, draft.OrderSN, amount, status))
	turn.AddEvent(turn.State.UserID, pkg.Event{
		Type: pkg.EventDecisionApplied,
		Payload: map[string]any{
			"task_id":   dec.TaskID,
			"refund_id": refundID,
			"verdict":   string(dec.Verdict),
		},
	})

	turn.State.Status = pkg.StatusActive
	turn.State.Draft = nil
	turn.State.PendingTaskID = ""

	logger.Info().
		Str("session_id", turn.State.SessionID).
		Str("task_id", dec.TaskID).
		Str("verdict", string(dec.Verdict)).
		Msg("review decision applied")
	return core.NodeReply, nil
}
