package store

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	"sweetshop/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

var orderColumns = []string{
	"id", "user_id", "items", "total_amount", "currency", "status",
	"gateway_order_id", "gateway_payment_id", "gateway_signature", "created_at", "updated_at",
}

func TestDebitStock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE sweets SET quantity = quantity - $1")).
		WithArgs(3, "sweet-1").
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow(2))

	quantity, err := s.DebitStock(context.Background(), "sweet-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitStockInsufficient(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE sweets SET quantity = quantity - $1")).
		WithArgs(3, "sweet-1").
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM sweets WHERE id = $1)")).
		WithArgs("sweet-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := s.DebitStock(context.Background(), "sweet-1", 3)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitStockUnknownProduct(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE sweets SET quantity = quantity - $1")).
		WithArgs(1, "missing").
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.DebitStock(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerBalance(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT s.quantity")).
		WithArgs("sweet-1").
		WillReturnRows(sqlmock.NewRows([]string{"quantity", "total"}).AddRow(3, 5))

	quantity, total, err := s.LedgerBalance(context.Background(), "sweet-1")
	require.NoError(t, err)
	assert.Equal(t, 3, quantity)
	assert.Equal(t, 5, total)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT s.quantity")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"quantity", "total"}))

	_, _, err = s.LedgerBalance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSweetDuplicateName(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sweets")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "sweets_name_key"})

	err := s.CreateSweet(context.Background(), &models.Sweet{ID: "s1", Name: "Ladoo", Category: "indian"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestAttachGatewayOrderConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET gateway_order_id = $1")).
		WithArgs("order_abc", "o1", "created").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.AttachGatewayOrder(context.Background(), "o1", "order_abc")
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestTransitionOrderStatusConflict(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE orders")).
		WithArgs("paid", "pay_1", "sig", "o1", "created").
		WillReturnRows(sqlmock.NewRows(orderColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM orders WHERE id = $1")).
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows(orderColumns).AddRow(
			"o1", "u1", []byte(`[{"productId":"s1","name":"Ladoo","unitPrice":100,"quantity":1,"subtotal":100}]`),
			100, "INR", "paid", "order_abc", "pay_0", "sig0", now, now))

	_, err := s.TransitionOrderStatus(context.Background(), "o1",
		models.OrderStatusCreated, models.OrderStatusPaid,
		&models.PaymentConfirmation{GatewayPaymentID: "pay_1", GatewaySignature: "sig"})
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditLogsFilter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT * FROM audit_logs WHERE resource_type = $1 AND resource_id = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("order", "o1", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "actor_user_id", "action", "resource_type", "resource_id", "before", "after", "created_at",
		}).AddRow("a1", "admin", "status_change", "order", "o1", []byte(`{"status":"paid"}`), nil, time.Now()))

	logs, err := s.ListAuditLogs(context.Background(), models.AuditLogFilter{ResourceType: "order", ResourceID: "o1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.JSONEq(t, `{"status":"paid"}`, string(logs[0].Before))
	assert.Nil(t, logs[0].After)
}

// TestOrderLifecycle runs against a real database when TEST_DATABASE_URL is set
func TestOrderLifecycle(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database")
	}

	store, err := NewStore(url)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	sweet := &models.Sweet{ID: uuid.New().String(), Name: "Kaju " + uuid.New().String()[:8], Category: "indian", Price: 250, IsActive: true}
	require.NoError(t, store.CreateSweet(ctx, sweet))
	_, err = store.CreditStock(ctx, sweet.ID, 5)
	require.NoError(t, err)

	item, err := models.NewOrderItem(*sweet, 2)
	require.NoError(t, err)
	order, err := models.NewOrder(uuid.New().String(), "user-1", models.CurrencyINR, []models.OrderItem{item})
	require.NoError(t, err)
	require.NoError(t, store.CreateOrder(ctx, order))
	require.NoError(t, store.AttachGatewayOrder(ctx, order.ID, "order_"+order.ID[:8]))

	paid, err := store.TransitionOrderStatus(ctx, order.ID, models.OrderStatusCreated, models.OrderStatusPaid,
		&models.PaymentConfirmation{GatewayPaymentID: "pay_1", GatewaySignature: "sig"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)
	assert.Equal(t, int64(500), paid.TotalAmount)
	assert.Equal(t, "pay_1", paid.GatewayPaymentID)

	_, err = store.TransitionOrderStatus(ctx, order.ID, models.OrderStatusCreated, models.OrderStatusFailed, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)
}
