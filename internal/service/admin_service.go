package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sweetshop/internal/models"
	"sweetshop/internal/store"
	"sweetshop/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewSweetRequest is the admin input for adding a product
type NewSweetRequest struct {
	Name     string `json:"name" binding:"required"`
	Category string `json:"category" binding:"required"`
	Price    int64  `json:"price" binding:"min=0"`
	Quantity int    `json:"quantity" binding:"min=0"`
	IsActive *bool  `json:"isActive"`
}

// AdminService handles catalog and inventory administration. Every mutation is audited.
type AdminService struct {
	sweets  SweetStore
	ledger  *InventoryLedger
	audit   AuditStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewAdminService creates a new admin service
func NewAdminService(sweets SweetStore, ledger *InventoryLedger, audit AuditStore, timeout time.Duration) *AdminService {
	return &AdminService{
		sweets:  sweets,
		ledger:  ledger,
		audit:   audit,
		timeout: timeout,
		logger:  util.GetLogger(),
	}
}

// CreateSweet adds a product. Initial stock is recorded as a restock so the ledger
// sums to the counter from the start. If that restock fails the row already
// exists: it is audited with zero stock and returned alongside ErrInitialStockFailed.
func (as *AdminService) CreateSweet(ctx context.Context, actorID string, req NewSweetRequest) (*models.Sweet, error) {
	ctx, span := util.StartSpan(ctx, "AdminService.CreateSweet")
	defer span.End()

	sweet := &models.Sweet{
		ID:       uuid.New().String(),
		Name:     req.Name,
		Category: req.Category,
		Price:    req.Price,
		Quantity: req.Quantity,
		IsActive: true,
	}
	if req.IsActive != nil {
		sweet.IsActive = *req.IsActive
	}
	sweet.Normalize()
	if err := sweet.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSweet, err)
	}

	opCtx := context.WithoutCancel(ctx)
	storeCtx, cancel := withTimeout(opCtx, as.timeout)
	err := as.sweets.CreateSweet(storeCtx, sweet)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: name %q already exists", ErrInvalidSweet, sweet.Name)
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if req.Quantity > 0 {
		quantity, err := as.ledger.Credit(opCtx, sweet.ID, req.Quantity, actorID, "initial stock")
		if err != nil {
			as.writeAudit(opCtx, actorID, models.AuditActionCreate, models.AuditResourceSweet, sweet.ID, nil, sweet)
			as.logger.Error("Sweet created without initial stock",
				zap.String("sweet_id", sweet.ID),
				zap.Int("requested_quantity", req.Quantity),
				zap.Error(err))
			return sweet, fmt.Errorf("%w: %w", ErrInitialStockFailed, err)
		}
		sweet.Quantity = quantity
	}

	as.writeAudit(opCtx, actorID, models.AuditActionCreate, models.AuditResourceSweet, sweet.ID, nil, sweet)
	as.logger.Info("Sweet created",
		zap.String("sweet_id", sweet.ID),
		zap.String("name", sweet.Name),
		zap.Int("quantity", sweet.Quantity))
	return sweet, nil
}

// UpdateSweet applies a patch of the editable fields
func (as *AdminService) UpdateSweet(ctx context.Context, actorID, sweetID string, patch models.SweetPatch) (*models.Sweet, error) {
	ctx, span := util.StartSpan(ctx, "AdminService.UpdateSweet")
	defer span.End()

	before, err := as.getSweet(ctx, sweetID)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return before, nil
	}

	updated := patch.Apply(*before)
	if err := updated.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSweet, err)
	}

	opCtx := context.WithoutCancel(ctx)
	storeCtx, cancel := withTimeout(opCtx, as.timeout)
	err = as.sweets.UpdateSweet(storeCtx, &updated)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrSweetNotFound, sweetID)
		case errors.Is(err, store.ErrDuplicate):
			return nil, fmt.Errorf("%w: name %q already exists", ErrInvalidSweet, updated.Name)
		default:
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}

	as.writeAudit(opCtx, actorID, models.AuditActionUpdate, models.AuditResourceSweet, sweetID, before, &updated)
	return &updated, nil
}

// Restock adds quantity units of stock to a product
func (as *AdminService) Restock(ctx context.Context, actorID, sweetID string, quantity int, note string) (*models.Sweet, error) {
	ctx, span := util.StartSpan(ctx, "AdminService.Restock")
	defer span.End()

	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	if note == "" {
		note = "restock"
	}

	opCtx := context.WithoutCancel(ctx)
	before, err := as.getSweet(opCtx, sweetID)
	if err != nil {
		return nil, err
	}

	newQuantity, err := as.ledger.Credit(opCtx, sweetID, quantity, actorID, note)
	if err != nil {
		return nil, err
	}
	after := *before
	after.Quantity = newQuantity

	as.writeAudit(opCtx, actorID, models.AuditActionRestock, models.AuditResourceInventory, sweetID,
		map[string]int{"quantity": before.Quantity},
		map[string]int{"quantity": newQuantity, "added": quantity})

	as.logger.Info("Sweet restocked",
		zap.String("sweet_id", sweetID),
		zap.String("actor_id", actorID),
		zap.Int("added", quantity),
		zap.Int("quantity", newQuantity))
	return &after, nil
}

// ListAuditLogs returns audit records, newest first
func (as *AdminService) ListAuditLogs(ctx context.Context, filter models.AuditLogFilter) ([]models.AuditLog, error) {
	storeCtx, cancel := withTimeout(ctx, as.timeout)
	defer cancel()

	logs, err := as.audit.ListAuditLogs(storeCtx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return logs, nil
}

// LedgerReport compares a product's counter with its transaction log
func (as *AdminService) LedgerReport(ctx context.Context, sweetID string) (*models.LedgerReport, error) {
	return as.ledger.Report(ctx, sweetID)
}

// ReconcileLedger writes a correcting ledger entry for a flagged product and audits
// it. expectedDrift is the drift the operator saw in the ledger report.
func (as *AdminService) ReconcileLedger(ctx context.Context, actorID, sweetID string, expectedDrift int) (*models.LedgerReport, error) {
	opCtx := context.WithoutCancel(ctx)
	before, after, err := as.ledger.Reconcile(opCtx, sweetID, actorID, expectedDrift)
	if err != nil {
		return nil, err
	}
	if before.Drift != 0 {
		as.writeAudit(opCtx, actorID, models.AuditActionUpdate, models.AuditResourceInventory, sweetID, before, after)
		as.logger.Warn("Ledger reconciled",
			zap.String("sweet_id", sweetID),
			zap.Int("drift", before.Drift))
	}
	return after, nil
}

func (as *AdminService) getSweet(ctx context.Context, sweetID string) (*models.Sweet, error) {
	storeCtx, cancel := withTimeout(ctx, as.timeout)
	defer cancel()

	sweet, err := as.sweets.GetSweetByID(storeCtx, sweetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSweetNotFound, sweetID)
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return sweet, nil
}

func (as *AdminService) writeAudit(ctx context.Context, actorID, action, resourceType, resourceID string, before, after interface{}) {
	if err := writeAudit(ctx, as.audit, as.timeout, actorID, action, resourceType, resourceID, before, after); err != nil {
		as.logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_id", resourceID),
			zap.Error(err))
	}
}
