package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sweetshop/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPaymentMarksOrderPaid(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "Ladoo", 100, 5)
	result := f.place(t, "user-1", CartItem{ProductID: a, Quantity: 2})

	sig := f.gateway.Sign(result.GatewayOrderID, "pay_1")
	order, err := f.payments.VerifyPayment(context.Background(), result.Order.ID, "pay_1", sig)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Equal(t, "pay_1", order.GatewayPaymentID)
	assert.Equal(t, sig, order.GatewaySignature)
	assert.Equal(t, 3, f.quantity(t, a))

	confirmations := f.notifier.ofType(models.JobTypeOrderConfirmation)
	require.Len(t, confirmations, 1)
	assert.Equal(t, "user-1", confirmations[0].Recipient)
	assert.Equal(t, result.Order.ID, confirmations[0].OrderConfirmation.OrderID)
	assert.Equal(t, int64(200), confirmations[0].OrderConfirmation.TotalAmount)
}

func TestVerifyPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "Ladoo", 100, 5)
	result := f.place(t, "user-1", CartItem{ProductID: a, Quantity: 2})
	sig := f.gateway.Sign(result.GatewayOrderID, "pay_1")

	first, err := f.payments.VerifyPayment(context.Background(), result.Order.ID, "pay_1", sig)
	require.NoError(t, err)

	second, err := f.payments.VerifyPayment(context.Background(), result.Order.ID, "pay_1", sig)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	require.NotNil(t, second)
	assert.Equal(t, models.OrderStatusPaid, second.Status)
	assert.Equal(t, first.GatewayPaymentID, second.GatewayPaymentID)

	assert.Len(t, f.notifier.ofType(models.JobTypeOrderConfirmation), 1)
	assert.Equal(t, 3, f.quantity(t, a))
}

func TestVerifyPaymentConcurrentCallsPayOnce(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "Ladoo", 100, 5)
	result := f.place(t, "user-1", CartItem{ProductID: a, Quantity: 2})
	sig := f.gateway.Sign(result.GatewayOrderID, "pay_1")

	const callers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := f.payments.VerifyPayment(context.Background(), result.Order.ID, "pay_1", sig)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAlreadyFinalized) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			assert.Equal(t, models.OrderStatusPaid, order.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, f.notifier.ofType(models.JobTypeOrderConfirmation), 1)
}

func TestVerifyPaymentInvalidSignatureReleasesStock(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "Ladoo", 100, 5)
	result := f.place(t, "user-1", CartItem{ProductID: a, Quantity: 2})
	require.Equal(t, 3, f.quantity(t, a))

	order, err := f.payments.VerifyPayment(context.Background(), result.Order.ID, "pay_1", "deadbeef")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	require.NotNil(t, order)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Equal(t, 5, f.quantity(t, a))
	assert.Empty(t, f.notifier.jobs)

	// a later valid signature cannot resurrect the order
	sig := f.gateway.Sign(result.GatewayOrderID, "pay_1")
	order, err = f.payments.VerifyPayment(context.Background(), result.Order.ID, "pay_1", sig)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Equal(t, 5, f.quantity(t, a))
}

func TestVerifyPaymentUnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.payments.VerifyPayment(context.Background(), "missing", "pay_1", "sig")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.payments.VerifyPaymentByGatewayOrder(context.Background(), "order_missing", "pay_1", "sig")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestVerifyPaymentNotificationFailureKeepsPayment(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "Ladoo", 100, 5)
	result := f.place(t, "user-1", CartItem{ProductID: a, Quantity: 1})
	f.notifier.err = ErrQueueFull

	order := f.pay(t, result)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
}

func TestWebhookVerifiesByGatewayOrder(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "Ladoo", 100, 5)
	result := f.place(t, "user-1", CartItem{ProductID: a, Quantity: 2})

	// a forged webhook is rejected without touching the order
	_, err := f.payments.VerifyPaymentByGatewayOrder(context.Background(), result.GatewayOrderID, "pay_1", "forged")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	stored, err := f.orders.GetOrder(context.Background(), "user-1", false, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCreated, stored.Status)
	assert.Equal(t, 3, f.quantity(t, a))

	sig := f.gateway.Sign(result.GatewayOrderID, "pay_1")
	order, err := f.payments.VerifyPaymentByGatewayOrder(context.Background(), result.GatewayOrderID, "pay_1", sig)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, order.Status)

	// the client callback arriving after the webhook is a replay
	_, err = f.payments.VerifyPayment(context.Background(), result.Order.ID, "pay_1", sig)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Len(t, f.notifier.ofType(models.JobTypeOrderConfirmation), 1)
}

func TestVerifyPaymentRespectsHeldLock(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "Ladoo", 100, 5)
	result := f.place(t, "user-1", CartItem{ProductID: a, Quantity: 1})
	f.payments.locker = heldLocker{}

	sig := f.gateway.Sign(result.GatewayOrderID, "pay_1")
	_, err := f.payments.VerifyPayment(context.Background(), result.Order.ID, "pay_1", sig)
	assert.ErrorIs(t, err, ErrVerificationInProgress)
}

type heldLocker struct{}

func (heldLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return "", false, nil
}

func (heldLocker) ReleaseLock(ctx context.Context, key, token string) error {
	return nil
}

func TestLowStockAlertOnlyWhenThresholdCrossed(t *testing.T) {
	f := newFixture(t, withLowStockAlerts(5))
	a := f.seed(t, "Ladoo", 100, 7)
	b := f.seed(t, "Barfi", 100, 50)

	f.pay(t, f.place(t, "user-1", CartItem{ProductID: a, Quantity: 3}, CartItem{ProductID: b, Quantity: 1}))

	alerts := f.notifier.ofType(models.JobTypeLowStock)
	require.Len(t, alerts, 1)
	assert.Equal(t, "admin@sweetshop.test", alerts[0].Recipient)
	assert.Equal(t, a, alerts[0].LowStock.ProductID)
	assert.Equal(t, 4, alerts[0].LowStock.Quantity)
	assert.Equal(t, 5, alerts[0].LowStock.Threshold)

	// already below the threshold: no second alert
	f.pay(t, f.place(t, "user-2", CartItem{ProductID: a, Quantity: 1}))
	assert.Len(t, f.notifier.ofType(models.JobTypeLowStock), 1)
}

func TestCrossedThreshold(t *testing.T) {
	tests := []struct {
		quantity, sold, threshold int
		want                      bool
	}{
		{quantity: 4, sold: 3, threshold: 5, want: true},
		{quantity: 5, sold: 1, threshold: 5, want: true},
		{quantity: 6, sold: 1, threshold: 5, want: false},
		{quantity: 3, sold: 1, threshold: 5, want: false},
		{quantity: 0, sold: 2, threshold: 0, want: true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, crossedThreshold(tt.quantity, tt.sold, tt.threshold), "%+v", tt)
	}
}
