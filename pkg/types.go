package pkg

import (
	"time"
)

// Core domain types shared across the workflow engine and its collaborators.

// SessionStatus is the lifecycle status of a conversation session.
type SessionStatus string

const (
	StatusActive         SessionStatus = "ACTIVE"
	StatusAwaitingUser   SessionStatus = "AWAITING_USER"
	StatusAwaitingReview SessionStatus = "AWAITING_REVIEW"
	StatusCompleted      SessionStatus = "COMPLETED"
)

// Intent is the classification of a single user turn.
type Intent string

const (
	IntentPolicyQuestion Intent = "policy_question"
	IntentOrderQuery     Intent = "order_query"
	IntentRefundRequest  Intent = "refund_request"
	IntentOther          Intent = "other"
)

// Message is one entry in a session's conversation history.
type Message struct {
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplyCard is a structured content item attached to a turn reply.
type ReplyCard struct {
	Type string         `json:"type"` // order_summary, refund_progress, audit_notice
	Data map[string]any `json:"data"`
}

const (
	CardOrderSummary   = "order_summary"
	CardRefundProgress = "refund_progress"
	CardAuditNotice    = "audit_notice"
)

// OrderStatus mirrors the order lifecycle of the business system.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// OrderItem is one line item of an order.
type OrderItem struct {
	Name     string  `json:"name"`
	Qty      int     `json:"qty"`
	Category string  `json:"category,omitempty"`
	Price    float64 `json:"price,omitempty"`
}

// Order is the read-only order view exposed by the business query interface.
type Order struct {
	ID              string      `json:"id"`
	SN              string      `json:"order_sn"`
	UserID          string      `json:"user_id"`
	Status          OrderStatus `json:"status"`
	TotalAmount     float64     `json:"total_amount"`
	Items           []OrderItem `json:"items"`
	TrackingNumber  string      `json:"tracking_number,omitempty"`
	ShippingAddress string      `json:"shipping_address,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// RefundReason categorizes why the user wants a refund.
type RefundReason string

const (
	ReasonQualityIssue   RefundReason = "QUALITY_ISSUE"
	ReasonSizeNotFit     RefundReason = "SIZE_NOT_FIT"
	ReasonNotAsDescribed RefundReason = "NOT_AS_DESCRIBED"
	ReasonChangedMind    RefundReason = "CHANGED_MIND"
	ReasonOther          RefundReason = "OTHER"
)

// EligibilityVerdict is the output of the deterministic eligibility check.
type EligibilityVerdict struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// RiskLevel is the risk classification of a refund draft.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RefundDraft is the transient refund request carried in session state until
// it is submitted as a durable refund record.
type RefundDraft struct {
	OrderID      string              `json:"order_id"`
	OrderSN      string              `json:"order_sn"`
	UserID       string              `json:"user_id"`
	Amount       float64             `json:"amount"`
	ReasonCode   RefundReason        `json:"reason_code"`
	ReasonDetail string              `json:"reason_detail"`
	Verdict      *EligibilityVerdict `json:"verdict,omitempty"`
	RiskLevel    RiskLevel           `json:"risk_level,omitempty"`
	RiskReason   string              `json:"risk_reason,omitempty"`
}

// RefundStatus is the lifecycle status of a durable refund record.
type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundApproved  RefundStatus = "APPROVED"
	RefundRejected  RefundStatus = "REJECTED"
	RefundCompleted RefundStatus = "COMPLETED"
)

// RefundRecord is the durable refund application written through the business
// query interface.
type RefundRecord struct {
	ID             string       `json:"id"`
	OrderID        string       `json:"order_id"`
	UserID         string       `json:"user_id"`
	Amount         float64      `json:"amount"`
	ReasonCode     RefundReason `json:"reason_code"`
	ReasonDetail   string       `json:"reason_detail"`
	Status         RefundStatus `json:"status"`
	ReviewedBy     string       `json:"reviewed_by,omitempty"`
	ReviewedAt     time.Time    `json:"reviewed_at,omitempty"`
	DeliveryStatus string       `json:"delivery_status,omitempty"` // sent, failed
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ReviewVerdict is a human reviewer's decision on an escalated refund.
type ReviewVerdict string

const (
	VerdictApprove ReviewVerdict = "APPROVE"
	VerdictReject  ReviewVerdict = "REJECT"
)

// TaskOutcome reports the result of a background side-effect task.
type TaskOutcome string

const (
	OutcomeSent   TaskOutcome = "sent"
	OutcomeFailed TaskOutcome = "failed"
)

// KnowledgeChunk is an embedded span of a policy document.
type KnowledgeChunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// ScoredChunk is a knowledge chunk paired with its similarity score.
type ScoredChunk struct {
	Chunk KnowledgeChunk `json:"chunk"`
	Score float64        `json:"score"`
}

// EventType classifies a notification event.
type EventType string

const (
	EventReply             EventType = "reply"
	EventEscalationCreated EventType = "escalation_created"
	EventDecisionApplied   EventType = "decision_applied"
	EventTaskResult        EventType = "task_result"
)

// Event is a state-change notification pushed to live observers.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
