// Package memstore is a mutex-guarded in-memory implementation of the store used
// for local development and tests. Values are cloned on the way in and out so
// callers never share state with the store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sweetshop/internal/models"
	"sweetshop/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	sweets       map[string]*models.Sweet
	orders       map[string]*models.Order
	transactions []models.InventoryTransaction
	auditLogs    []models.AuditLog
}

func New() *Store {
	return &Store{
		sweets: make(map[string]*models.Sweet),
		orders: make(map[string]*models.Order),
	}
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// PutSweet stores a sweet as-is, including its quantity. Used for seeding.
func (s *Store) PutSweet(sweet models.Sweet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweets[sweet.ID] = &sweet
}

func (s *Store) GetSweetByID(ctx context.Context, id string) (*models.Sweet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sweet, ok := s.sweets[id]
	if !ok {
		return nil, fmt.Errorf("sweet %s: %w", id, store.ErrNotFound)
	}
	clone := *sweet
	return &clone, nil
}

func (s *Store) GetSweetsByIDs(ctx context.Context, ids []string) ([]models.Sweet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sweets := make([]models.Sweet, 0, len(ids))
	for _, id := range ids {
		if sweet, ok := s.sweets[id]; ok {
			sweets = append(sweets, *sweet)
		}
	}
	return sweets, nil
}

func (s *Store) CreateSweet(ctx context.Context, sweet *models.Sweet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sweets[sweet.ID]; ok {
		return fmt.Errorf("%w: sweet %s", store.ErrDuplicate, sweet.ID)
	}
	for _, existing := range s.sweets {
		if existing.Name == sweet.Name {
			return fmt.Errorf("%w: sweet name %q", store.ErrDuplicate, sweet.Name)
		}
	}

	now := time.Now().UTC()
	sweet.Quantity = 0
	sweet.CreatedAt = now
	sweet.UpdatedAt = now
	clone := *sweet
	s.sweets[sweet.ID] = &clone
	return nil
}

func (s *Store) UpdateSweet(ctx context.Context, sweet *models.Sweet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sweets[sweet.ID]
	if !ok {
		return fmt.Errorf("sweet %s: %w", sweet.ID, store.ErrNotFound)
	}
	for id, other := range s.sweets {
		if id != sweet.ID && other.Name == sweet.Name {
			return fmt.Errorf("%w: sweet name %q", store.ErrDuplicate, sweet.Name)
		}
	}
	existing.Name = sweet.Name
	existing.Category = sweet.Category
	existing.Price = sweet.Price
	existing.IsActive = sweet.IsActive
	existing.UpdatedAt = time.Now().UTC()

	sweet.Quantity = existing.Quantity
	sweet.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *Store) DebitStock(ctx context.Context, productID string, quantity int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sweet, ok := s.sweets[productID]
	if !ok {
		return 0, fmt.Errorf("sweet %s: %w", productID, store.ErrNotFound)
	}
	if sweet.Quantity < quantity {
		return 0, fmt.Errorf("sweet %s: %w", productID, store.ErrInsufficientStock)
	}
	sweet.Quantity -= quantity
	sweet.UpdatedAt = time.Now().UTC()
	return sweet.Quantity, nil
}

func (s *Store) CreditStock(ctx context.Context, productID string, quantity int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sweet, ok := s.sweets[productID]
	if !ok {
		return 0, fmt.Errorf("sweet %s: %w", productID, store.ErrNotFound)
	}
	sweet.Quantity += quantity
	sweet.UpdatedAt = time.Now().UTC()
	return sweet.Quantity, nil
}

func (s *Store) AppendInventoryTransaction(ctx context.Context, txn *models.InventoryTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, *txn)
	return nil
}

func (s *Store) LedgerBalance(ctx context.Context, productID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sweet, ok := s.sweets[productID]
	if !ok {
		return 0, 0, fmt.Errorf("sweet %s: %w", productID, store.ErrNotFound)
	}
	total := 0
	for _, txn := range s.transactions {
		if txn.ProductID == productID {
			total += txn.QuantityChange
		}
	}
	return sweet.Quantity, total, nil
}

// Transactions returns a copy of the ledger entries for a product
func (s *Store) Transactions(productID string) []models.InventoryTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.InventoryTransaction
	for _, txn := range s.transactions {
		if txn.ProductID == productID {
			out = append(out, txn)
		}
	}
	return out
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *Store) DeleteUnattachedOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.Status != models.OrderStatusCreated || order.GatewayOrderID != "" {
		return fmt.Errorf("order %s: %w", orderID, store.ErrStatusConflict)
	}
	delete(s.orders, orderID)
	return nil
}

func (s *Store) AttachGatewayOrder(ctx context.Context, orderID, gatewayOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.GatewayOrderID != "" || order.Status != models.OrderStatusCreated {
		return fmt.Errorf("order %s: %w", orderID, store.ErrStatusConflict)
	}
	order.GatewayOrderID = gatewayOrderID
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	return cloneOrder(order), nil
}

func (s *Store) GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if gatewayOrderID != "" {
		for _, order := range s.orders {
			if order.GatewayOrderID == gatewayOrderID {
				return cloneOrder(order), nil
			}
		}
	}
	return nil, fmt.Errorf("gateway order %s: %w", gatewayOrderID, store.ErrNotFound)
}

func (s *Store) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []models.Order
	for _, order := range s.orders {
		if order.UserID == userID {
			orders = append(orders, *cloneOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *Store) TransitionOrderStatus(
	ctx context.Context,
	orderID string,
	from, to models.OrderStatus,
	payment *models.PaymentConfirmation,
) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
	}
	if order.Status != from {
		return nil, fmt.Errorf("order %s not in status %s: %w", orderID, from, store.ErrStatusConflict)
	}

	order.Status = to
	if payment != nil {
		if payment.GatewayPaymentID != "" {
			order.GatewayPaymentID = payment.GatewayPaymentID
		}
		if payment.GatewaySignature != "" {
			order.GatewaySignature = payment.GatewaySignature
		}
	}
	order.UpdatedAt = time.Now().UTC()
	return cloneOrder(order), nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, *entry)
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, filter models.AuditLogFilter) ([]models.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := []models.AuditLog{}
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if filter.ActorUserID != "" && entry.ActorUserID != filter.ActorUserID {
			continue
		}
		if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
			continue
		}
		logs = append(logs, entry)
	}

	offset := max(filter.Offset, 0)
	if offset >= len(logs) {
		return []models.AuditLog{}, nil
	}
	logs = logs[offset:]
	if limit := store.NormalizeLimit(filter.Limit); len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func cloneOrder(order *models.Order) *models.Order {
	clone := *order
	clone.Items = append(models.OrderItems(nil), order.Items...)
	return &clone
}
