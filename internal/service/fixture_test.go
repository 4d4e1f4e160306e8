package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"sweetshop/internal/gateway"
	"sweetshop/internal/models"
	"sweetshop/internal/store/memstore"

	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	adminID    = "admin-1"
)

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []models.NotificationJob
	err  error
}

func (n *recordingNotifier) Enqueue(ctx context.Context, job models.NotificationJob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.jobs = append(n.jobs, job)
	return nil
}

func (n *recordingNotifier) ofType(eventType string) []models.NotificationJob {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.NotificationJob
	for _, job := range n.jobs {
		if job.EventType == eventType {
			out = append(out, job)
		}
	}
	return out
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if value, ok := m.keys[key]; ok {
		return value, false, nil
	}
	m.keys[key] = ""
	return "", true, nil
}

func (m *memoryIdempotency) CompleteIdempotencyKey(ctx context.Context, key, orderID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = orderID
	return nil
}

func (m *memoryIdempotency) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// faultyStore injects failures into selected memstore operations
type faultyStore struct {
	*memstore.Store
	createOrderErr error
	attachErr      error
	deleteErr      error
	appendErr      error
	creditErr      error
	catalogErr     error

	// when appendGate is set, appends signal appendStarted and wait for the gate to close
	appendGate    chan struct{}
	appendStarted chan struct{}
}

func (f *faultyStore) GetSweetsByIDs(ctx context.Context, ids []string) ([]models.Sweet, error) {
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	return f.Store.GetSweetsByIDs(ctx, ids)
}

func (f *faultyStore) CreditStock(ctx context.Context, productID string, quantity int) (int, error) {
	if f.creditErr != nil {
		return 0, f.creditErr
	}
	return f.Store.CreditStock(ctx, productID, quantity)
}

func (f *faultyStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if f.createOrderErr != nil {
		return f.createOrderErr
	}
	return f.Store.CreateOrder(ctx, order)
}

func (f *faultyStore) AttachGatewayOrder(ctx context.Context, orderID, gatewayOrderID string) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	return f.Store.AttachGatewayOrder(ctx, orderID, gatewayOrderID)
}

func (f *faultyStore) DeleteUnattachedOrder(ctx context.Context, orderID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.DeleteUnattachedOrder(ctx, orderID)
}

func (f *faultyStore) AppendInventoryTransaction(ctx context.Context, txn *models.InventoryTransaction) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	if f.appendGate != nil {
		f.appendStarted <- struct{}{}
		<-f.appendGate
	}
	return f.Store.AppendInventoryTransaction(ctx, txn)
}

type fixture struct {
	mem      *memstore.Store
	store    *faultyStore
	gateway  *gateway.Fake
	notifier *recordingNotifier
	drift    *MemoryDriftFlags
	ledger   *InventoryLedger
	orders   *OrderService
	payments *PaymentService
	admin    *AdminService
}

type fixtureOption func(*OrderConfig, *NotifyConfig)

func withGatewayTimeout(d time.Duration) fixtureOption {
	return func(oc *OrderConfig, _ *NotifyConfig) { oc.GatewayTimeout = d }
}

func withLowStockAlerts(threshold int) fixtureOption {
	return func(_ *OrderConfig, nc *NotifyConfig) {
		nc.LowStockThreshold = threshold
		nc.AdminRecipient = "admin@sweetshop.test"
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	orderCfg := OrderConfig{Currency: models.CurrencyINR, GatewayTimeout: time.Second, StoreTimeout: time.Second}
	notifyCfg := NotifyConfig{StoreTimeout: time.Second}
	for _, opt := range opts {
		opt(&orderCfg, &notifyCfg)
	}

	mem := memstore.New()
	f := &fixture{
		mem:      mem,
		store:    &faultyStore{Store: mem},
		gateway:  gateway.NewFake(testSecret),
		notifier: &recordingNotifier{},
		drift:    NewMemoryDriftFlags(),
	}
	f.ledger = NewInventoryLedger(f.store, f.drift, time.Second)
	f.orders = NewOrderService(f.store, f.store, f.ledger, f.gateway, f.store, nil, orderCfg)
	f.payments = NewPaymentService(f.store, f.store, f.ledger, f.gateway, f.notifier, nil, notifyCfg)
	f.admin = NewAdminService(f.store, f.ledger, f.store, time.Second)
	return f
}

// seed creates an active sweet through the admin path so its ledger is complete
func (f *fixture) seed(t *testing.T, name string, price int64, quantity int) string {
	t.Helper()
	sweet, err := f.admin.CreateSweet(context.Background(), adminID, NewSweetRequest{
		Name:     name,
		Category: "Indian",
		Price:    price,
		Quantity: quantity,
	})
	require.NoError(t, err)
	return sweet.ID
}

func (f *fixture) quantity(t *testing.T, id string) int {
	t.Helper()
	sweet, err := f.mem.GetSweetByID(context.Background(), id)
	require.NoError(t, err)
	return sweet.Quantity
}

func (f *fixture) place(t *testing.T, userID string, items ...CartItem) *CreateOrderResult {
	t.Helper()
	result, err := f.orders.CreateOrder(context.Background(), userID, items, "")
	require.NoError(t, err)
	return result
}

func (f *fixture) pay(t *testing.T, result *CreateOrderResult) *models.Order {
	t.Helper()
	paymentID := "pay_" + result.Order.ID[:8]
	order, err := f.payments.VerifyPayment(context.Background(), result.Order.ID, paymentID,
		f.gateway.Sign(result.GatewayOrderID, paymentID))
	require.NoError(t, err)
	return order
}
