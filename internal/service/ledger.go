package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"sweetshop/internal/models"
	"sweetshop/internal/store"
	"sweetshop/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reservation is a quantity debited for one product on behalf of an order
type Reservation struct {
	ProductID string
	Quantity  int
}

// lockStripes is the number of per-product lock shards
const lockStripes = 64

// InventoryLedger owns every change to stock. The live counter is updated with a
// single conditional statement; the transaction log is appended afterwards.
// Movements hold their product's stripe shared from counter update to append;
// reconciliation holds it exclusively, so it never sees a half-recorded movement.
type InventoryLedger struct {
	store   LedgerStore
	drift   DriftFlagger
	timeout time.Duration
	logger  *zap.Logger
	stripes [lockStripes]sync.RWMutex
}

// NewInventoryLedger creates a ledger. timeout bounds each storage call.
func NewInventoryLedger(store LedgerStore, drift DriftFlagger, timeout time.Duration) *InventoryLedger {
	if drift == nil {
		drift = NewMemoryDriftFlags()
	}
	return &InventoryLedger{
		store:   store,
		drift:   drift,
		timeout: timeout,
		logger:  util.GetLogger(),
	}
}

// Debit removes quantity from a product's stock, failing with ErrInsufficientStock
// when less than quantity is available.
func (l *InventoryLedger) Debit(ctx context.Context, productID string, quantity int, actorID, note string) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Debit")
	defer span.End()

	if quantity < 1 {
		return 0, ErrInvalidQuantity
	}

	mu := l.stripe(productID)
	mu.RLock()
	defer mu.RUnlock()

	opCtx, cancel := withTimeout(ctx, l.timeout)
	newQuantity, err := l.store.DebitStock(opCtx, productID, quantity)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientStock):
			util.InventoryDebitsRejected.WithLabelValues("insufficient_stock").Inc()
			return 0, fmt.Errorf("%w: product %s, requested %d", ErrInsufficientStock, productID, quantity)
		case errors.Is(err, store.ErrNotFound):
			util.InventoryDebitsRejected.WithLabelValues("not_found").Inc()
			return 0, fmt.Errorf("%w: product %s", ErrProductUnavailable, productID)
		default:
			util.InventoryDebitsRejected.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("%w: debit %s: %w", ErrPersistence, productID, err)
		}
	}

	l.record(ctx, productID, actorID, models.InventoryPurchase, -quantity, note)
	util.InventoryMovementsTotal.WithLabelValues(string(models.InventoryPurchase)).Inc()
	return newQuantity, nil
}

// Credit adds quantity to a product's stock. There is no upper bound.
func (l *InventoryLedger) Credit(ctx context.Context, productID string, quantity int, actorID, note string) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Credit")
	defer span.End()

	if quantity < 1 {
		return 0, ErrInvalidQuantity
	}

	mu := l.stripe(productID)
	mu.RLock()
	defer mu.RUnlock()

	opCtx, cancel := withTimeout(ctx, l.timeout)
	newQuantity, err := l.store.CreditStock(opCtx, productID, quantity)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: product %s", ErrSweetNotFound, productID)
		}
		return 0, fmt.Errorf("%w: credit %s: %w", ErrPersistence, productID, err)
	}

	l.record(ctx, productID, actorID, models.InventoryRestock, quantity, note)
	util.InventoryMovementsTotal.WithLabelValues(string(models.InventoryRestock)).Inc()
	return newQuantity, nil
}

// record appends the ledger entry for a movement that has already been applied.
// A failed append is not rolled back: undoing the counter could race with another
// debit, so the product is flagged for reconciliation instead.
func (l *InventoryLedger) record(
	ctx context.Context,
	productID, actorID string,
	kind models.InventoryTransactionType,
	change int,
	note string,
) {
	txn := &models.InventoryTransaction{
		ID:             uuid.New().String(),
		ProductID:      productID,
		ActorID:        actorID,
		Type:           kind,
		QuantityChange: change,
		Note:           truncateNote(note),
		CreatedAt:      time.Now().UTC(),
	}

	opCtx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.store.AppendInventoryTransaction(opCtx, txn); err != nil {
		util.LedgerDriftTotal.Inc()
		l.logger.Error("Ledger drift: stock changed without transaction record, reconciliation required",
			zap.String("product_id", productID),
			zap.String("type", string(kind)),
			zap.Int("quantity_change", change),
			zap.String("actor_id", actorID),
			zap.Error(err))

		if err := l.drift.FlagLedgerDrift(context.WithoutCancel(ctx), productID); err != nil {
			l.logger.Error("Failed to flag ledger drift",
				zap.String("product_id", productID),
				zap.Error(err))
		}
	}
}

// Reserve debits every line in ascending product order. If any debit fails, the
// lines already debited are credited back before the error is returned.
func (l *InventoryLedger) Reserve(ctx context.Context, actorID, note string, lines []Reservation) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	ordered := append([]Reservation(nil), lines...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ProductID < ordered[j].ProductID
	})

	for i, line := range ordered {
		if _, err := l.Debit(ctx, line.ProductID, line.Quantity, actorID, note); err != nil {
			if releaseErr := l.Release(ctx, actorID, "rollback: "+note, ordered[:i]); releaseErr != nil {
				l.logger.Error("Failed to roll back partial reservation",
					zap.String("actor_id", actorID),
					zap.Error(releaseErr))
			}
			return err
		}
	}
	return nil
}

// Release credits every line back. It keeps going after a failure and reports
// all failures together.
func (l *InventoryLedger) Release(ctx context.Context, actorID, note string, lines []Reservation) error {
	var errs []error
	for _, line := range lines {
		if _, err := l.Credit(ctx, line.ProductID, line.Quantity, actorID, note); err != nil {
			l.logger.Error("Failed to release reserved stock, reconciliation required",
				zap.String("product_id", line.ProductID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Report compares a product's stock counter with the sum of its ledger entries
func (l *InventoryLedger) Report(ctx context.Context, productID string) (*models.LedgerReport, error) {
	opCtx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	quantity, total, err := l.store.LedgerBalance(opCtx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSweetNotFound, productID)
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	flagged, err := l.drift.IsLedgerDriftFlagged(opCtx, productID)
	if err != nil {
		l.logger.Warn("Failed to read ledger drift flag", zap.String("product_id", productID), zap.Error(err))
	}

	return &models.LedgerReport{
		ProductID:        productID,
		Quantity:         quantity,
		TransactionTotal: total,
		Drift:            quantity - total,
		Flagged:          flagged,
	}, nil
}

// Reconcile closes a ledger gap by appending a correcting entry for the
// difference between the live counter and the transaction log. The counter is
// treated as authoritative and is never changed here.
//
// Only products flagged by a failed append are reconciled, and expectedDrift must
// match the drift measured under the product's exclusive lock. Another instance
// may still be between a counter update and its append; the operator's figure
// comes from an earlier report, so such a movement shows up as a mismatch.
func (l *InventoryLedger) Reconcile(ctx context.Context, productID, actorID string, expectedDrift int) (before, after *models.LedgerReport, err error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reconcile")
	defer span.End()

	mu := l.stripe(productID)
	mu.Lock()
	defer mu.Unlock()

	before, err = l.Report(ctx, productID)
	if err != nil {
		return nil, nil, err
	}
	if !before.Flagged {
		if before.Drift == 0 {
			return before, before, nil
		}
		return before, nil, fmt.Errorf("%w: product %s shows drift %d", ErrLedgerNotFlagged, productID, before.Drift)
	}
	if before.Drift != expectedDrift {
		return before, nil, fmt.Errorf("%w: expected %d, found %d", ErrLedgerChanged, expectedDrift, before.Drift)
	}

	if before.Drift != 0 {
		kind := models.InventoryRestock
		if before.Drift < 0 {
			kind = models.InventoryPurchase
		}
		txn := &models.InventoryTransaction{
			ID:             uuid.New().String(),
			ProductID:      productID,
			ActorID:        actorID,
			Type:           kind,
			QuantityChange: before.Drift,
			Note:           "ledger reconciliation",
			CreatedAt:      time.Now().UTC(),
		}
		opCtx, cancel := withTimeout(ctx, l.timeout)
		err := l.store.AppendInventoryTransaction(opCtx, txn)
		cancel()
		if err != nil {
			return before, nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}

	if err := l.drift.ClearLedgerDrift(ctx, productID); err != nil {
		l.logger.Warn("Failed to clear ledger drift flag", zap.String("product_id", productID), zap.Error(err))
	}

	after, err = l.Report(ctx, productID)
	return before, after, err
}

func (l *InventoryLedger) stripe(productID string) *sync.RWMutex {
	h := fnv.New32a()
	h.Write([]byte(productID))
	return &l.stripes[h.Sum32()%lockStripes]
}

// truncateNote caps a note at MaxNoteLength characters
func truncateNote(note string) string {
	if utf8.RuneCountInString(note) <= models.MaxNoteLength {
		return note
	}
	return string([]rune(note)[:models.MaxNoteLength])
}
