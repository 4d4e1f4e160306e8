package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"sweetshop/internal/models"
	"sweetshop/internal/store"
	"sweetshop/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderConfig holds the reservation-phase settings
type OrderConfig struct {
	Currency       string
	GatewayTimeout time.Duration
	StoreTimeout   time.Duration
	IdempotencyTTL time.Duration
}

// OrderService handles order creation and status changes
type OrderService struct {
	store       OrderStore
	catalog     Catalog
	ledger      *InventoryLedger
	gateway     PaymentGateway
	audit       AuditStore
	idempotency IdempotencyStore
	cfg         OrderConfig
	logger      *zap.Logger
}

// NewOrderService creates a new order service. idempotency may be nil.
func NewOrderService(
	store OrderStore,
	catalog Catalog,
	ledger *InventoryLedger,
	gateway PaymentGateway,
	audit AuditStore,
	idempotency IdempotencyStore,
	cfg OrderConfig,
) *OrderService {
	if cfg.Currency == "" {
		cfg.Currency = models.CurrencyINR
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &OrderService{
		store:       store,
		catalog:     catalog,
		ledger:      ledger,
		gateway:     gateway,
		audit:       audit,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      util.GetLogger(),
	}
}

// CartItem is one requested cart line
type CartItem struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResult is returned once an order is reserved and payable
type CreateOrderResult struct {
	Order          *models.Order
	GatewayOrderID string
}

// CreateOrder validates the cart, reserves stock, persists the order and registers
// it with the payment gateway. On any failure all stock debited by this call is
// credited back before returning.
//
// The order row is written before the gateway call and the gateway id is attached
// afterwards. The gateway id is only handed to the client after it is stored, so
// the client can never pay for an order that has no local record.
func (s *OrderService) CreateOrder(ctx context.Context, userID string, items []CartItem, idempotencyKey string) (*CreateOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if len(items) == 0 {
		util.OrdersRejectedTotal.WithLabelValues("empty_cart").Inc()
		return nil, ErrEmptyCart
	}
	lines, err := mergeCart(items)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues("invalid_quantity").Inc()
		return nil, err
	}

	if idempotencyKey == "" || s.idempotency == nil {
		return s.createOrder(ctx, userID, lines)
	}

	key := userID + ":" + idempotencyKey
	existing, claimed, err := s.idempotency.ClaimIdempotencyKey(ctx, key, s.cfg.IdempotencyTTL)
	if err != nil {
		s.logger.Warn("Idempotency check unavailable, proceeding without it",
			zap.String("idempotency_key", idempotencyKey),
			zap.Error(err))
		return s.createOrder(ctx, userID, lines)
	}
	if !claimed {
		return s.replayCreate(ctx, userID, existing, idempotencyKey)
	}

	result, err := s.createOrder(ctx, userID, lines)
	cleanupCtx := context.WithoutCancel(ctx)
	if err != nil {
		if relErr := s.idempotency.ReleaseIdempotencyKey(cleanupCtx, key); relErr != nil {
			s.logger.Warn("Failed to release idempotency key", zap.String("idempotency_key", idempotencyKey), zap.Error(relErr))
		}
		return nil, err
	}
	if err := s.idempotency.CompleteIdempotencyKey(cleanupCtx, key, result.Order.ID, s.cfg.IdempotencyTTL); err != nil {
		s.logger.Warn("Failed to store idempotency key", zap.String("idempotency_key", idempotencyKey), zap.Error(err))
	}
	return result, nil
}

func (s *OrderService) replayCreate(ctx context.Context, userID, orderID, idempotencyKey string) (*CreateOrderResult, error) {
	if orderID == "" {
		return nil, ErrRequestInProgress
	}
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}

	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", idempotencyKey),
		zap.String("order_id", order.ID))
	return &CreateOrderResult{Order: order, GatewayOrderID: order.GatewayOrderID}, nil
}

func (s *OrderService) createOrder(ctx context.Context, userID string, lines []Reservation) (*CreateOrderResult, error) {
	orderItems, err := s.snapshotItems(ctx, lines)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	order, err := models.NewOrder(uuid.New().String(), userID, s.cfg.Currency, orderItems)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProductUnavailable, err)
	}

	// From the first debit on, the caller can no longer cancel: the sequence below
	// always finishes with either a payable order or a full rollback.
	opCtx := context.WithoutCancel(ctx)
	note := "order " + order.ID

	if err := s.ledger.Reserve(opCtx, userID, note, lines); err != nil {
		util.OrdersRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	storeCtx, cancel := withTimeout(opCtx, s.cfg.StoreTimeout)
	err = s.store.CreateOrder(storeCtx, order)
	cancel()
	if err != nil {
		s.releaseReservation(opCtx, userID, note, lines)
		util.OrdersRejectedTotal.WithLabelValues("persistence").Inc()
		return nil, fmt.Errorf("%w: create order: %w", ErrPersistence, err)
	}

	start := time.Now()
	gatewayCtx, cancel := withTimeout(opCtx, s.cfg.GatewayTimeout)
	gatewayOrderID, err := s.gateway.CreateRemoteOrder(gatewayCtx, order.TotalAmount, order.Currency, order.ID)
	cancel()
	util.GatewayRequestLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.abandonOrder(opCtx, order, lines)
		util.OrdersRejectedTotal.WithLabelValues("gateway").Inc()
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}

	storeCtx, cancel = withTimeout(opCtx, s.cfg.StoreTimeout)
	err = s.store.AttachGatewayOrder(storeCtx, order.ID, gatewayOrderID)
	cancel()
	if err != nil {
		s.logger.Error("Failed to attach gateway order, abandoning unpaid remote order",
			zap.String("order_id", order.ID),
			zap.String("gateway_order_id", gatewayOrderID),
			zap.Error(err))
		s.abandonOrder(opCtx, order, lines)
		util.OrdersRejectedTotal.WithLabelValues("persistence").Inc()
		return nil, fmt.Errorf("%w: attach gateway order: %w", ErrPersistence, err)
	}
	order.GatewayOrderID = gatewayOrderID

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.String("gateway_order_id", gatewayOrderID),
		zap.Int64("total_amount", order.TotalAmount))

	return &CreateOrderResult{Order: order, GatewayOrderID: gatewayOrderID}, nil
}

// snapshotItems loads the current price and name of every line's product
func (s *OrderService) snapshotItems(ctx context.Context, lines []Reservation) ([]models.OrderItem, error) {
	ids := make([]string, len(lines))
	for i, line := range lines {
		ids[i] = line.ProductID
	}

	storeCtx, cancel := withTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	sweets, err := s.catalog.GetSweetsByIDs(storeCtx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: load products: %w", ErrPersistence, err)
	}
	byID := make(map[string]models.Sweet, len(sweets))
	for _, sweet := range sweets {
		byID[sweet.ID] = sweet
	}

	items := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		sweet, ok := byID[line.ProductID]
		if !ok || !sweet.IsActive {
			return nil, fmt.Errorf("%w: product %s", ErrProductUnavailable, line.ProductID)
		}
		item, err := models.NewOrderItem(sweet, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProductUnavailable, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// abandonOrder undoes a placeholder order and its reservation. Stock is only
// credited back if this call removed the placeholder. A placeholder that was
// cancelled meanwhile, or that could not be deleted, keeps the stock; cancelling
// it releases the stock exactly once.
func (s *OrderService) abandonOrder(ctx context.Context, order *models.Order, lines []Reservation) {
	note := "order " + order.ID

	storeCtx, cancel := withTimeout(ctx, s.cfg.StoreTimeout)
	err := s.store.DeleteUnattachedOrder(storeCtx, order.ID)
	cancel()
	if errors.Is(err, store.ErrStatusConflict) {
		s.logger.Warn("Placeholder order changed before rollback, leaving stock to its new owner",
			zap.String("order_id", order.ID))
		return
	}
	if err != nil {
		s.logger.Error("Failed to delete placeholder order; it holds its stock until cancelled",
			zap.String("order_id", order.ID),
			zap.String("user_id", order.UserID),
			zap.Error(err))
		return
	}
	s.releaseReservation(ctx, order.UserID, note, lines)
}

func (s *OrderService) releaseReservation(ctx context.Context, actorID, note string, lines []Reservation) {
	if err := s.ledger.Release(ctx, actorID, "rollback: "+note, lines); err != nil {
		s.logger.Error("Reservation rollback incomplete", zap.String("note", note), zap.Error(err))
	}
}

// GetOrder returns an order visible to the caller. Non-admins only see their own.
func (s *OrderService) GetOrder(ctx context.Context, userID string, isAdmin bool, orderID string) (*models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns the caller's orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	storeCtx, cancel := withTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	orders, err := s.store.GetOrdersByUserID(storeCtx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// CancelOrder lets a customer cancel their own order while it awaits payment
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, err := s.GetOrder(ctx, userID, false, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return order, ErrAlreadyFinalized
	}
	if order.Status != models.OrderStatusCreated {
		return nil, fmt.Errorf("%w: %s orders can only be cancelled by an admin", ErrInvalidTransition, order.Status)
	}
	return s.transition(ctx, userID, order, models.OrderStatusCancelled)
}

// UpdateStatus applies an administrative status change. paid and failed are only
// reachable through payment verification.
func (s *OrderService) UpdateStatus(ctx context.Context, actorID, orderID string, to models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() && !order.Status.CanTransitionTo(to) {
		return order, ErrAlreadyFinalized
	}
	if to == models.OrderStatusPaid || to == models.OrderStatusFailed {
		return nil, fmt.Errorf("%w: %s is set by payment verification", ErrInvalidTransition, to)
	}
	return s.transition(ctx, actorID, order, to)
}

// transition moves order to status to, credits stock back when a reserved order is
// cancelled, and writes the audit record.
func (s *OrderService) transition(ctx context.Context, actorID string, order *models.Order, to models.OrderStatus) (*models.Order, error) {
	from := order.Status
	if !from.CanTransitionTo(to) {
		if from.IsTerminal() {
			return order, ErrAlreadyFinalized
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	opCtx := context.WithoutCancel(ctx)

	storeCtx, cancel := withTimeout(opCtx, s.cfg.StoreTimeout)
	updated, err := s.store.TransitionOrderStatus(storeCtx, order.ID, from, to, nil)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			current, loadErr := s.loadOrder(opCtx, order.ID)
			if loadErr == nil && current.Status.IsTerminal() {
				return current, ErrAlreadyFinalized
			}
			return nil, fmt.Errorf("%w: order %s changed concurrently", ErrInvalidTransition, order.ID)
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if to == models.OrderStatusCancelled && from.HoldsStock() {
		if err := s.ledger.Release(opCtx, actorID, "cancelled: order "+order.ID, reservationsOf(order)); err != nil {
			s.logger.Error("Cancelled order stock not fully released, reconciliation required",
				zap.String("order_id", order.ID),
				zap.Error(err))
		}
	}

	s.writeAudit(opCtx, actorID, models.AuditActionStatusChange, models.AuditResourceOrder, order.ID,
		order.Snapshot(), updated.Snapshot())

	util.OrderStatusChangesTotal.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("Order status changed",
		zap.String("order_id", order.ID),
		zap.String("actor_id", actorID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	return updated, nil
}

func (s *OrderService) writeAudit(ctx context.Context, actorID, action, resourceType, resourceID string, before, after interface{}) {
	if err := writeAudit(ctx, s.audit, s.cfg.StoreTimeout, actorID, action, resourceType, resourceID, before, after); err != nil {
		s.logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_id", resourceID),
			zap.Error(err))
	}
}

func (s *OrderService) loadOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return loadOrder(ctx, s.store, s.cfg.StoreTimeout, orderID)
}

func loadOrder(ctx context.Context, orders OrderStore, timeout time.Duration, orderID string) (*models.Order, error) {
	storeCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	order, err := orders.GetOrderByID(storeCtx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return order, nil
}

// writeAudit appends one audit record. before and after are marshalled to JSON; nil
// values are stored as NULL.
func writeAudit(
	ctx context.Context,
	audit AuditStore,
	timeout time.Duration,
	actorID, action, resourceType, resourceID string,
	before, after interface{},
) error {
	entry := &models.AuditLog{
		ID:           uuid.New().String(),
		ActorUserID:  actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CreatedAt:    time.Now().UTC(),
	}
	var err error
	if entry.Before, err = snapshotOf(before); err != nil {
		return err
	}
	if entry.After, err = snapshotOf(after); err != nil {
		return err
	}

	storeCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return audit.CreateAuditLog(storeCtx, entry)
}

func snapshotOf(v interface{}) (models.Snapshot, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit snapshot: %w", err)
	}
	return models.Snapshot(raw), nil
}

// mergeCart folds duplicate products together and sorts lines by product id
func mergeCart(items []CartItem) ([]Reservation, error) {
	quantities := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: product %s", ErrInvalidQuantity, item.ProductID)
		}
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: missing product id", ErrProductUnavailable)
		}
		quantities[item.ProductID] += item.Quantity
	}

	lines := make([]Reservation, 0, len(quantities))
	for id, qty := range quantities {
		lines = append(lines, Reservation{ProductID: id, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].ProductID < lines[j].ProductID
	})
	return lines, nil
}

func reservationsOf(order *models.Order) []Reservation {
	lines := make([]Reservation, len(order.Items))
	for i, item := range order.Items {
		lines[i] = Reservation{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return lines
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	default:
		return "persistence"
	}
}
