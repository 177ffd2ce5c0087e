package services

import (
	"fmt"
	"time"

	"support_agent/pkg"
)

// nonReturnableCategories are item categories excluded from refunds.
var nonReturnableCategories = map[string]struct{}{
	"underwear": {},
	"food":      {},
	"custom":    {},
}

// EligibilityChecker applies the deterministic refund eligibility rules.
// Every rejection carries a user-facing reason.
type EligibilityChecker struct {
	directory  *OrderDirectory
	windowDays int
}

// NewEligibilityChecker creates a checker with the given refund window.
func NewEligibilityChecker(directory *OrderDirectory, windowDays int) *EligibilityChecker {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &EligibilityChecker{directory: directory, windowDays: windowDays}
}

// Check evaluates all rules against the order. The first failing rule wins.
func (c *EligibilityChecker) Check(order *pkg.Order, now time.Time) pkg.EligibilityVerdict {
	if order.Status != pkg.OrderShipped && order.Status != pkg.OrderDelivered {
		return pkg.EligibilityVerdict{
			Eligible: false,
			Reason:   fmt.Sprintf("order status %s does not allow refunds; only shipped or delivered orders qualify", order.Status),
		}
	}

	if open := c.directory.OpenRefundForOrder(order.ID); open != nil {
		return pkg.EligibilityVerdict{
			Eligible: false,
			Reason:   "a refund application for this order is already in progress",
		}
	}

	deadline := order.CreatedAt.AddDate(0, 0, c.windowDays)
	if now.After(deadline) {
		return pkg.EligibilityVerdict{
			Eligible: false,
			Reason:   fmt.Sprintf("the %d-day refund window for this order has passed", c.windowDays),
		}
	}

	for _, item := range order.Items {
		if _, blocked := nonReturnableCategories[item.Category]; blocked {
			return pkg.EligibilityVerdict{
				Eligible: false,
				Reason:   fmt.Sprintf("item %q belongs to a non-returnable category", item.Name),
			}
		}
	}

	remainder, err := c.directory.RefundableRemainder(order.ID)
	if err != nil || remainder <= 0 {
		return pkg.EligibilityVerdict{
			Eligible: false,
			Reason:   "this order has no refundable amount remaining",
		}
	}

	return pkg.EligibilityVerdict{Eligible: true}
}

// RiskPolicy classifies a refund draft into a risk level from its amount and
// the user's recent refund history.
type RiskPolicy struct {
	HighAmount   float64
	MediumAmount float64
	MaxPerMonth  int
}

// Classify returns the risk level and a short reason for the audit trail.
// High and medium levels require human review; low auto-approves.
func (p RiskPolicy) Classify(amount float64, history []*pkg.RefundRecord, now time.Time) (pkg.RiskLevel, string) {
	if amount >= p.HighAmount {
		return pkg.RiskHigh, fmt.Sprintf("amount %.2f reaches the high-risk threshold %.2f", amount, p.HighAmount)
	}

	monthAgo := now.AddDate(0, -1, 0)
	recent := 0
	for _, rec := range history {
		if rec.CreatedAt.After(monthAgo) {
			recent++
		}
	}
	if p.MaxPerMonth > 0 && recent >= p.MaxPerMonth {
		return pkg.RiskHigh, fmt.Sprintf("%d refunds in the last month reaches the limit of %d", recent, p.MaxPerMonth)
	}

	if amount >= p.MediumAmount {
		return pkg.RiskMedium, fmt.Sprintf("amount %.2f reaches the review threshold %.2f", amount, p.MediumAmount)
	}
	return pkg.RiskLow, "amount below review thresholds"
}
