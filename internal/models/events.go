package models

import (
	"time"

	"github.com/google/uuid"
)

// Notification job types
const (
	JobTypeOrderConfirmation = "order_confirmation"
	JobTypeLowStock          = "low_stock"
)

// BaseEvent contains common fields for all jobs
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

func newBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// NotificationJob is a fire-and-forget delivery request. Exactly one payload is set,
// matching EventType.
type NotificationJob struct {
	BaseEvent
	Recipient         string                    `json:"recipient"`
	Attempt           int                       `json:"attempt"`
	OrderConfirmation *OrderConfirmationPayload `json:"order_confirmation,omitempty"`
	LowStock          *LowStockPayload          `json:"low_stock,omitempty"`
}

// OrderConfirmationPayload is sent to the customer once payment is verified
type OrderConfirmationPayload struct {
	OrderID     string      `json:"order_id"`
	Items       []OrderItem `json:"items"`
	TotalAmount int64       `json:"total_amount"`
	Currency    string      `json:"currency"`
}

// LowStockPayload is sent to the admin mailbox when a sale drops stock below the threshold
type LowStockPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Threshold int    `json:"threshold"`
}

// NewOrderConfirmationJob builds the confirmation job for a paid order
func NewOrderConfirmationJob(order *Order) NotificationJob {
	return NotificationJob{
		BaseEvent: newBaseEvent(JobTypeOrderConfirmation),
		Recipient: order.UserID,
		OrderConfirmation: &OrderConfirmationPayload{
			OrderID:     order.ID,
			Items:       append([]OrderItem(nil), order.Items...),
			TotalAmount: order.TotalAmount,
			Currency:    order.Currency,
		},
	}
}

// NewLowStockJob builds a low-stock alert
func NewLowStockJob(recipient string, sweet Sweet, threshold int) NotificationJob {
	return NotificationJob{
		BaseEvent: newBaseEvent(JobTypeLowStock),
		Recipient: recipient,
		LowStock: &LowStockPayload{
			ProductID: sweet.ID,
			Name:      sweet.Name,
			Quantity:  sweet.Quantity,
			Threshold: threshold,
		},
	}
}
