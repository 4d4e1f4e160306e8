package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusCreated    OrderStatus = "created"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// Supported currencies
const (
	CurrencyINR = "INR"
	CurrencyUSD = "USD"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:    {OrderStatusPaid, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:  {OrderStatusRefunded},
}

// ParseOrderStatus validates a status name
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	switch status {
	case OrderStatusCreated, OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusFailed, OrderStatusCancelled, OrderStatusRefunded:
		return status, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// IsTerminal reports whether fulfilment is over. Delivered orders still accept a refund.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusFailed, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HoldsStock reports whether the order's items are still counted as reserved,
// i.e. cancelling from this status must credit them back.
func (s OrderStatus) HoldsStock() bool {
	return s == OrderStatusCreated || s == OrderStatusPaid
}

// OrderItem is a price/name snapshot of one cart line taken at order creation
type OrderItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

// OrderItems is stored as a JSON array inside the order row
type OrderItems []OrderItem

// Value implements driver.Valuer
func (items OrderItems) Value() (driver.Value, error) {
	return json.Marshal(items)
}

// Scan implements sql.Scanner
func (items *OrderItems) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*items = nil
		return nil
	default:
		return fmt.Errorf("order items: unsupported source type %T", src)
	}
	return json.Unmarshal(raw, items)
}

// Order represents a customer order
type Order struct {
	ID               string      `db:"id" json:"id"`
	UserID           string      `db:"user_id" json:"userId"`
	Items            OrderItems  `db:"items" json:"items"`
	TotalAmount      int64       `db:"total_amount" json:"totalAmount"`
	Currency         string      `db:"currency" json:"currency"`
	Status           OrderStatus `db:"status" json:"status"`
	GatewayOrderID   string      `db:"gateway_order_id" json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string      `db:"gateway_payment_id" json:"gatewayPaymentId,omitempty"`
	GatewaySignature string      `db:"gateway_signature" json:"gatewaySignature,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updatedAt"`
}

var (
	ErrNoItems         = errors.New("order: must have at least one item")
	ErrInvalidItem     = errors.New("order: invalid item")
	ErrInvalidCurrency = errors.New("order: unsupported currency")
	ErrTotalMismatch   = errors.New("order: total does not match item subtotals")
)

// NewOrderItem snapshots a sweet for a cart line
func NewOrderItem(s Sweet, quantity int) (OrderItem, error) {
	if quantity < 1 {
		return OrderItem{}, fmt.Errorf("%w: quantity must be at least 1", ErrInvalidItem)
	}
	if s.Price < 0 {
		return OrderItem{}, fmt.Errorf("%w: negative price for %s", ErrInvalidItem, s.ID)
	}
	return OrderItem{
		ProductID: s.ID,
		Name:      s.Name,
		UnitPrice: s.Price,
		Quantity:  quantity,
		Subtotal:  s.Price * int64(quantity),
	}, nil
}

// NewOrder builds a validated order in the created state. The total is computed
// once here and never recomputed.
func NewOrder(id, userID, currency string, items []OrderItem) (*Order, error) {
	var total int64
	for _, item := range items {
		total += item.Subtotal
	}

	now := time.Now().UTC()
	order := &Order{
		ID:          id,
		UserID:      userID,
		Items:       append(OrderItems(nil), items...),
		TotalAmount: total,
		Currency:    currency,
		Status:      OrderStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}
	return order, nil
}

// Validate checks the structural invariants of an order
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return ErrNoItems
	}
	if o.Currency != CurrencyINR && o.Currency != CurrencyUSD {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, o.Currency)
	}

	var total int64
	for _, item := range o.Items {
		if item.ProductID == "" || item.Quantity < 1 || item.UnitPrice < 0 {
			return fmt.Errorf("%w: %+v", ErrInvalidItem, item)
		}
		if item.Subtotal != item.UnitPrice*int64(item.Quantity) {
			return fmt.Errorf("%w: subtotal mismatch for %s", ErrInvalidItem, item.ProductID)
		}
		total += item.Subtotal
	}
	if total != o.TotalAmount {
		return ErrTotalMismatch
	}
	return nil
}

// StatusSnapshot is the audit view of an order status change
type StatusSnapshot struct {
	Status           OrderStatus `json:"status"`
	GatewayPaymentID string      `json:"gatewayPaymentId,omitempty"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Snapshot returns the status-relevant part of the order for audit logs
func (o *Order) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		Status:           o.Status,
		GatewayPaymentID: o.GatewayPaymentID,
		UpdatedAt:        o.UpdatedAt,
	}
}

// PaymentConfirmation carries the gateway fields written on reconciliation
type PaymentConfirmation struct {
	GatewayPaymentID string
	GatewaySignature string
}
