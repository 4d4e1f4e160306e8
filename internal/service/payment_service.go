package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sweetshop/internal/models"
	"sweetshop/internal/store"
	"sweetshop/internal/util"

	"go.uber.org/zap"
)

// NotifyConfig controls what happens after a payment is confirmed
type NotifyConfig struct {
	LowStockThreshold int
	AdminRecipient    string
	LockTTL           time.Duration
	StoreTimeout      time.Duration
}

// PaymentService reconciles gateway payment callbacks with local orders
type PaymentService struct {
	store    OrderStore
	catalog  Catalog
	ledger   *InventoryLedger
	gateway  PaymentGateway
	notifier Notifier
	locker   Locker
	cfg      NotifyConfig
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service. locker may be nil.
func NewPaymentService(
	store OrderStore,
	catalog Catalog,
	ledger *InventoryLedger,
	gateway PaymentGateway,
	notifier Notifier,
	locker Locker,
	cfg NotifyConfig,
) *PaymentService {
	if locker == nil {
		locker = NopLocker{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &PaymentService{
		store:    store,
		catalog:  catalog,
		ledger:   ledger,
		gateway:  gateway,
		notifier: notifier,
		locker:   locker,
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// VerifyPayment checks the gateway signature for an order and moves it to paid or
// failed. Calls for an order that already left created return the current order
// together with ErrAlreadyFinalized and have no side effects.
func (ps *PaymentService) VerifyPayment(ctx context.Context, orderID, paymentID, signature string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.VerifyPayment")
	defer span.End()

	order, err := loadOrder(ctx, ps.store, ps.cfg.StoreTimeout, orderID)
	if err != nil {
		return nil, err
	}
	return ps.reconcile(ctx, order, paymentID, signature, true)
}

// VerifyPaymentByGatewayOrder is VerifyPayment keyed by the gateway's order id, as
// sent in webhooks. Webhook calls are unauthenticated, so a bad signature is
// rejected without failing the order.
func (ps *PaymentService) VerifyPaymentByGatewayOrder(ctx context.Context, gatewayOrderID, paymentID, signature string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.VerifyPaymentByGatewayOrder")
	defer span.End()

	storeCtx, cancel := withTimeout(ctx, ps.cfg.StoreTimeout)
	order, err := ps.store.GetOrderByGatewayOrderID(storeCtx, gatewayOrderID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: gateway order %s", ErrOrderNotFound, gatewayOrderID)
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return ps.reconcile(ctx, order, paymentID, signature, false)
}

func (ps *PaymentService) reconcile(
	ctx context.Context,
	order *models.Order,
	paymentID, signature string,
	failOnMismatch bool,
) (*models.Order, error) {
	if order.Status != models.OrderStatusCreated {
		util.VerificationReplaysTotal.Inc()
		return order, ErrAlreadyFinalized
	}
	// A placeholder without a gateway id has not been offered for payment yet.
	if order.GatewayOrderID == "" {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
	}

	opCtx := context.WithoutCancel(ctx)
	lockKey := "verify:" + order.ID
	token, acquired, err := ps.locker.AcquireLock(ctx, lockKey, ps.cfg.LockTTL)
	switch {
	case err != nil:
		// The conditional status update still guarantees a single winner.
		ps.logger.Warn("Verification lock unavailable", zap.String("order_id", order.ID), zap.Error(err))
	case !acquired:
		return nil, ErrVerificationInProgress
	default:
		defer func() {
			if err := ps.locker.ReleaseLock(opCtx, lockKey, token); err != nil {
				ps.logger.Warn("Failed to release verification lock", zap.String("order_id", order.ID), zap.Error(err))
			}
		}()
	}

	confirmation := &models.PaymentConfirmation{
		GatewayPaymentID: paymentID,
		GatewaySignature: signature,
	}

	if !ps.gateway.VerifySignature(order.GatewayOrderID, paymentID, signature) {
		if !failOnMismatch {
			ps.logger.Warn("Webhook signature rejected",
				zap.String("order_id", order.ID),
				zap.String("gateway_order_id", order.GatewayOrderID))
			return nil, ErrSignatureInvalid
		}
		return ps.fail(opCtx, order, confirmation)
	}
	return ps.pay(opCtx, order, confirmation)
}

// fail abandons the purchase: the order becomes failed and its stock is released
func (ps *PaymentService) fail(ctx context.Context, order *models.Order, confirmation *models.PaymentConfirmation) (*models.Order, error) {
	updated, err := ps.transition(ctx, order, models.OrderStatusFailed, confirmation)
	if err != nil {
		return updated, err
	}

	if err := ps.ledger.Release(ctx, order.UserID, "payment failed: order "+order.ID, reservationsOf(order)); err != nil {
		ps.logger.Error("Failed order stock not fully released, reconciliation required",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}

	util.OrdersFailedTotal.Inc()
	ps.logger.Warn("Payment signature rejected",
		zap.String("order_id", order.ID),
		zap.String("gateway_order_id", order.GatewayOrderID),
		zap.String("gateway_payment_id", confirmation.GatewayPaymentID))
	return updated, ErrSignatureInvalid
}

func (ps *PaymentService) pay(ctx context.Context, order *models.Order, confirmation *models.PaymentConfirmation) (*models.Order, error) {
	updated, err := ps.transition(ctx, order, models.OrderStatusPaid, confirmation)
	if err != nil {
		return updated, err
	}

	util.OrdersPaidTotal.Inc()
	ps.logger.Info("Payment verified",
		zap.String("order_id", order.ID),
		zap.String("gateway_payment_id", confirmation.GatewayPaymentID),
		zap.Int64("total_amount", order.TotalAmount))

	ps.notify(ctx, updated)
	return updated, nil
}

// transition applies the conditional created -> to update. Losing the race to a
// concurrent verification yields the winner's order with ErrAlreadyFinalized.
func (ps *PaymentService) transition(
	ctx context.Context,
	order *models.Order,
	to models.OrderStatus,
	confirmation *models.PaymentConfirmation,
) (*models.Order, error) {
	storeCtx, cancel := withTimeout(ctx, ps.cfg.StoreTimeout)
	updated, err := ps.store.TransitionOrderStatus(storeCtx, order.ID, models.OrderStatusCreated, to, confirmation)
	cancel()
	if err == nil {
		util.OrderStatusChangesTotal.WithLabelValues(string(models.OrderStatusCreated), string(to)).Inc()
		return updated, nil
	}
	if !errors.Is(err, store.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	util.VerificationReplaysTotal.Inc()
	current, loadErr := loadOrder(ctx, ps.store, ps.cfg.StoreTimeout, order.ID)
	if loadErr != nil {
		return nil, loadErr
	}
	return current, ErrAlreadyFinalized
}

// notify enqueues the confirmation and any low-stock alerts. Failures are logged
// only; the payment is already committed.
func (ps *PaymentService) notify(ctx context.Context, order *models.Order) {
	ps.enqueue(ctx, models.NewOrderConfirmationJob(order))

	if ps.cfg.AdminRecipient == "" {
		return
	}

	ids := make([]string, len(order.Items))
	sold := make(map[string]int, len(order.Items))
	for i, item := range order.Items {
		ids[i] = item.ProductID
		sold[item.ProductID] += item.Quantity
	}

	storeCtx, cancel := withTimeout(ctx, ps.cfg.StoreTimeout)
	sweets, err := ps.catalog.GetSweetsByIDs(storeCtx, ids)
	cancel()
	if err != nil {
		ps.logger.Error("Failed to load stock for low-stock check", zap.String("order_id", order.ID), zap.Error(err))
		return
	}

	threshold := ps.cfg.LowStockThreshold
	for _, sweet := range sweets {
		if crossedThreshold(sweet.Quantity, sold[sweet.ID], threshold) {
			ps.enqueue(ctx, models.NewLowStockJob(ps.cfg.AdminRecipient, sweet, threshold))
		}
	}
}

func (ps *PaymentService) enqueue(ctx context.Context, job models.NotificationJob) {
	if err := ps.notifier.Enqueue(ctx, job); err != nil {
		util.NotificationsEnqueuedTotal.WithLabelValues(job.EventType, "error").Inc()
		ps.logger.Error("Failed to enqueue notification",
			zap.String("type", job.EventType),
			zap.String("event_id", job.EventID),
			zap.Error(err))
		return
	}
	util.NotificationsEnqueuedTotal.WithLabelValues(job.EventType, "ok").Inc()
}

// crossedThreshold reports whether selling sold units took stock from above the
// threshold to at or below it
func crossedThreshold(quantity, sold, threshold int) bool {
	return quantity <= threshold && quantity+sold > threshold
}
