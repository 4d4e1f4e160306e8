package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sweetshop/internal/models"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, user_id, items, total_amount, currency, status, gateway_order_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		order.ID, order.UserID, order.Items, order.TotalAmount, order.Currency,
		order.Status, order.GatewayOrderID, order.CreatedAt, order.UpdatedAt)
	return mapWriteError(err)
}

// DeleteUnattachedOrder removes a created order that never got a gateway order id
func (s *Store) DeleteUnattachedOrder(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM orders WHERE id = $1 AND status = $2 AND gateway_order_id = ''",
		orderID, models.OrderStatusCreated)
	if err != nil {
		return err
	}
	return expectOneRow(res, orderID)
}

// AttachGatewayOrder stores the remote order id on a created order
func (s *Store) AttachGatewayOrder(ctx context.Context, orderID, gatewayOrderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET gateway_order_id = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3 AND gateway_order_id = ''`,
		gatewayOrderID, orderID, models.OrderStatusCreated)
	if err != nil {
		return mapWriteError(err)
	}
	return expectOneRow(res, orderID)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByGatewayOrderID retrieves an order by its payment-gateway order id
func (s *Store) GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE gateway_order_id = $1 AND gateway_order_id <> ''", gatewayOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gateway order %s: %w", gatewayOrderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// TransitionOrderStatus moves an order from one status to another, writing the
// payment fields when given. It fails with ErrStatusConflict if the order is no
// longer in the expected status.
func (s *Store) TransitionOrderStatus(
	ctx context.Context,
	orderID string,
	from, to models.OrderStatus,
	payment *models.PaymentConfirmation,
) (*models.Order, error) {
	var paymentID, signature string
	if payment != nil {
		paymentID = payment.GatewayPaymentID
		signature = payment.GatewaySignature
	}

	var order models.Order
	err := s.db.GetContext(ctx, &order,
		`UPDATE orders
		 SET status = $1,
		     gateway_payment_id = CASE WHEN $2 = '' THEN gateway_payment_id ELSE $2 END,
		     gateway_signature = CASE WHEN $3 = '' THEN gateway_signature ELSE $3 END,
		     updated_at = NOW()
		 WHERE id = $4 AND status = $5
		 RETURNING *`,
		to, paymentID, signature, orderID, from)
	if err == nil {
		return &order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if _, err := s.GetOrderByID(ctx, orderID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("order %s not in status %s: %w", orderID, from, ErrStatusConflict)
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", id, ErrStatusConflict)
	}
	return nil
}
