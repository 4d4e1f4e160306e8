package service

import (
	"context"
	"sync"
	"time"

	"sweetshop/internal/models"
)

// Catalog is the product read model consulted at reservation time
type Catalog interface {
	GetSweetByID(ctx context.Context, id string) (*models.Sweet, error)
	GetSweetsByIDs(ctx context.Context, ids []string) ([]models.Sweet, error)
}

// SweetStore persists admin changes to sweets
type SweetStore interface {
	Catalog
	CreateSweet(ctx context.Context, sweet *models.Sweet) error
	UpdateSweet(ctx context.Context, sweet *models.Sweet) error
}

// LedgerStore is the stock counter plus its append-only transaction log
type LedgerStore interface {
	DebitStock(ctx context.Context, productID string, quantity int) (int, error)
	CreditStock(ctx context.Context, productID string, quantity int) (int, error)
	AppendInventoryTransaction(ctx context.Context, txn *models.InventoryTransaction) error
	LedgerBalance(ctx context.Context, productID string) (quantity, total int, err error)
}

// OrderStore persists orders
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	DeleteUnattachedOrder(ctx context.Context, orderID string) error
	AttachGatewayOrder(ctx context.Context, orderID, gatewayOrderID string) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error)
	TransitionOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus, payment *models.PaymentConfirmation) (*models.Order, error)
}

// AuditStore appends and lists audit records
type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filter models.AuditLogFilter) ([]models.AuditLog, error)
}

// PaymentGateway is the consumed payment-provider contract
type PaymentGateway interface {
	CreateRemoteOrder(ctx context.Context, amount int64, currency, receipt string) (string, error)
	VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool
}

// Notifier accepts fire-and-forget notification jobs. It must not wait for delivery.
type Notifier interface {
	Enqueue(ctx context.Context, job models.NotificationJob) error
}

// Locker serializes work on one key across processes
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// DriftFlagger remembers products whose ledger needs reconciliation
type DriftFlagger interface {
	FlagLedgerDrift(ctx context.Context, productID string) error
	IsLedgerDriftFlagged(ctx context.Context, productID string) (bool, error)
	ClearLedgerDrift(ctx context.Context, productID string) error
}

// IdempotencyStore maps client idempotency keys to created orders
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	CompleteIdempotencyKey(ctx context.Context, key, orderID string, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// NopLocker always grants the lock. Used when Redis is not configured.
type NopLocker struct{}

func (NopLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return "nop", true, nil
}

func (NopLocker) ReleaseLock(ctx context.Context, key, token string) error {
	return nil
}

// MemoryDriftFlags is a process-local DriftFlagger
type MemoryDriftFlags struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

func NewMemoryDriftFlags() *MemoryDriftFlags {
	return &MemoryDriftFlags{flags: make(map[string]struct{})}
}

func (m *MemoryDriftFlags) FlagLedgerDrift(ctx context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[productID] = struct{}{}
	return nil
}

func (m *MemoryDriftFlags) IsLedgerDriftFlagged(ctx context.Context, productID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flags[productID]
	return ok, nil
}

func (m *MemoryDriftFlags) ClearLedgerDrift(ctx context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, productID)
	return nil
}

// withTimeout bounds ctx by d when d is positive
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
