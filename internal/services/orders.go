package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"support_agent/pkg"
)

var (
	// ErrOrderNotFound means no order matches the lookup.
	ErrOrderNotFound = errors.New("order not found")

	// ErrRefundNotFound means no refund record matches the id.
	ErrRefundNotFound = errors.New("refund record not found")

	// ErrAmountExceedsRemainder means the requested refund amount is larger
	// than what the order still allows.
	ErrAmountExceedsRemainder = errors.New("refund amount exceeds refundable remainder")
)

// OrderDirectory is the in-memory business query surface: read-only order
// lookups plus the refund ledger. It stands in for the commerce backend.
type OrderDirectory struct {
	mu      sync.RWMutex
	orders  map[string]*pkg.Order        // by order id
	bySN    map[string]string            // order sn -> order id
	byUser  map[string][]string          // user id -> order ids, newest last
	refunds map[string]*pkg.RefundRecord // by refund id
	history []string                     // refund ids in creation order
}

// NewOrderDirectory creates an empty directory.
func NewOrderDirectory() *OrderDirectory {
	return &OrderDirectory{
		orders:  make(map[string]*pkg.Order),
		bySN:    make(map[string]string),
		byUser:  make(map[string][]string),
		refunds: make(map[string]*pkg.RefundRecord),
	}
}

// AddOrder registers an order. Later orders for the same user are considered
// more recent.
func (d *OrderDirectory) AddOrder(order pkg.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	stored := order
	d.orders[order.ID] = &stored
	d.bySN[order.SN] = order.ID
	d.byUser[order.UserID] = append(d.byUser[order.UserID], order.ID)
}

// GetOrderBySN returns the order with the given serial number.
func (d *OrderDirectory) GetOrderBySN(sn string) (*pkg.Order, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.bySN[sn]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", sn, ErrOrderNotFound)
	}
	copied := *d.orders[id]
	return &copied, nil
}

// LatestOrderForUser returns the user's most recent order.
func (d *OrderDirectory) LatestOrderForUser(userID string) (*pkg.Order, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := d.byUser[userID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("user %s has no orders: %w", userID, ErrOrderNotFound)
	}
	copied := *d.orders[ids[len(ids)-1]]
	return &copied, nil
}

// RefundHistory returns the user's refund records newest-first.
func (d *OrderDirectory) RefundHistory(userID string) []*pkg.RefundRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*pkg.RefundRecord
	for i := len(d.history) - 1; i >= 0; i-- {
		rec := d.refunds[d.history[i]]
		if rec.UserID == userID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out
}

// OpenRefundForOrder returns the order's refund record that is still PENDING
// or APPROVED-but-not-COMPLETED, or nil when none is open.
func (d *OrderDirectory) OpenRefundForOrder(orderID string) *pkg.RefundRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.history {
		rec := d.refunds[id]
		if rec.OrderID != orderID {
			continue
		}
		if rec.Status == pkg.RefundPending || rec.Status == pkg.RefundApproved {
			copied := *rec
			return &copied
		}
	}
	return nil
}

// RefundableRemainder is the order total minus amounts already committed to
// non-rejected refunds.
func (d *OrderDirectory) RefundableRemainder(orderID string) (float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remainderLocked(orderID)
}

func (d *OrderDirectory) remainderLocked(orderID string) (float64, error) {
	order, ok := d.orders[orderID]
	if !ok {
		return 0, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}
	remainder := order.TotalAmount
	for _, id := range d.history {
		rec := d.refunds[id]
		if rec.OrderID == orderID && rec.Status != pkg.RefundRejected {
			remainder -= rec.Amount
		}
	}
	if remainder < 0 {
		remainder = 0
	}
	return remainder, nil
}

// WriteRefundRecord persists a refund application from a draft under the
// given id, generating one when empty. Callers that run the write as a
// deferred turn effect pass a precomputed id so state committed beforehand
// can already reference it. The amount must not exceed the order's
// refundable remainder.
func (d *OrderDirectory) WriteRefundRecord(refundID string, draft pkg.RefundDraft, status pkg.RefundStatus) (*pkg.RefundRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	remainder, err := d.remainderLocked(draft.OrderID)
	if err != nil {
		return nil, err
	}
	if draft.Amount > remainder {
		return nil, fmt.Errorf("requested %.2f, remainder %.2f: %w",
			draft.Amount, remainder, ErrAmountExceedsRemainder)
	}
	if refundID == "" {
		refundID = uuid.NewString()
	}

	now := time.Now()
	rec := &pkg.RefundRecord{
		ID:           refundID,
		OrderID:      draft.OrderID,
		UserID:       draft.UserID,
		Amount:       draft.Amount,
		ReasonCode:   draft.ReasonCode,
		ReasonDetail: draft.ReasonDetail,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	d.refunds[rec.ID] = rec
	d.history = append(d.history, rec.ID)

	copied := *rec
	return &copied, nil
}

// UpdateRefundStatus moves a refund record to a new status, recording the
// reviewer when one is given.
func (d *OrderDirectory) UpdateRefundStatus(refundID string, status pkg.RefundStatus, reviewerID string) (*pkg.RefundRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.refunds[refundID]
	if !ok {
		return nil, fmt.Errorf("refund %s: %w", refundID, ErrRefundNotFound)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	if reviewerID != "" {
		rec.ReviewedBy = reviewerID
		rec.ReviewedAt = rec.UpdatedAt
	}
	copied := *rec
	return &copied, nil
}

// GetRefund returns the refund record with the given id.
func (d *OrderDirectory) GetRefund(refundID string) (*pkg.RefundRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.refunds[refundID]
	if !ok {
		return nil, fmt.Errorf("refund %s: %w", refundID, ErrRefundNotFound)
	}
	copied := *rec
	return &copied, nil
}

// SetDeliveryStatus records the outcome of a background side-effect task on
// the refund record.
func (d *OrderDirectory) SetDeliveryStatus(refundID string, outcome pkg.TaskOutcome) (*pkg.RefundRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.refunds[refundID]
	if !ok {
		return nil, fmt.Errorf("refund %s: %w", refundID, ErrRefundNotFound)
	}
	rec.DeliveryStatus = string(outcome)
	rec.UpdatedAt = time.Now()
	copied := *rec
	return &copied, nil
}
