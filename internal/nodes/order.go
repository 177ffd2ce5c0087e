package nodes

import (
	"context"
	"fmt"
	"regexp"

	"support_agent/internal/core"
	"support_agent/internal/logger"
	"support_agent/internal/services"
	"support_agent/pkg"
)

// orderSNPattern matches an order serial number mentioned in a message.
var orderSNPattern = regexp.MustCompile(`SN\d+`)

// OrderNode answers order-status questions. It resolves the order either by
// serial number from the message or by the user's most recent order.
type OrderNode struct {
	directory *services.OrderDirectory
}

// NewOrderNode creates the order lookup node.
func NewOrderNode(directory *services.OrderDirectory) *OrderNode {
	return &OrderNode{directory: directory}
}

func (n *OrderNode) Name() core.NodeName { return core.NodeOrderQuery }

// Execute looks up the order and replies with an order summary card. A lookup
// against another user's order answers with the generic not-found reply so
// order serial numbers cannot be probed.
func (n *OrderNode) Execute(ctx context.Context, turn *core.Turn) (core.NodeName, error) {
	order, ok := resolveOrder(n.directory, turn)
	if !ok {
		return core.NodeReply, nil
	}

	turn.State.Order = order
	turn.ReplyText = orderSummaryText(order)
	turn.Cards = append(turn.Cards, pkg.ReplyCard{
		Type: pkg.CardOrderSummary,
		Data: map[string]any{
			"order_sn":         order.SN,
			"status":           string(order.Status),
			"total_amount":     order.TotalAmount,
			"tracking_number":  order.TrackingNumber,
			"shipping_address": order.ShippingAddress,
			"items":            order.Items,
		},
	})
	return core.NodeReply, nil
}

// resolveOrder finds the order the message refers to and enforces ownership.
// On any miss it sets the generic not-found reply and returns false.
func resolveOrder(directory *services.OrderDirectory, turn *core.Turn) (*pkg.Order, bool) {
	var order *pkg.Order
	var err error

	if sn := orderSNPattern.FindString(turn.UserMessage); sn != "" {
		order, err = directory.GetOrderBySN(sn)
	} else {
		order, err = directory.LatestOrderForUser(turn.State.UserID)
	}
	if err != nil {
		logger.Debug().Str("session_id", turn.State.SessionID).Err(err).Msg("order lookup missed")
		turn.ReplyText = core.OrderNotFoundReply
		return nil, false
	}

	if order.UserID != turn.State.UserID {
		// Full audit trail; the user sees only the generic not-found reply.
		logger.Warn().
			Str("session_id", turn.State.SessionID).
			Str("caller_user", turn.State.UserID).
			Str("order_sn", order.SN).
			Str("order_user", order.UserID).
			Msg("order lookup blocked, caller does not own order")
		turn.ReplyText = core.OrderNotFoundReply
		return nil, false
	}
	return order, true
}

func orderSummaryText(order *pkg.Order) string {
	switch order.Status {
	case pkg.OrderShipped:
		return fmt.Sprintf("Your order %s has shipped. Tracking number: %s.", order.SN, order.TrackingNumber)
	case pkg.OrderDelivered:
		return fmt.Sprintf("Your order %s was delivered.", order.SN)
	case pkg.OrderCancelled:
		return fmt.Sprintf("Your order %s was cancelled.", order.SN)
	default:
		return fmt.Sprintf("Your order %s is currently %s.", order.SN, order.Status)
	}
}
