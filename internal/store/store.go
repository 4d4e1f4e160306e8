package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"sweetshop/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

var (
	ErrNotFound          = errors.New("store: not found")
	ErrInsufficientStock = errors.New("store: insufficient stock")
	ErrStatusConflict    = errors.New("store: order status changed concurrently")
	ErrDuplicate         = errors.New("store: duplicate key")
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures
const uniqueViolation = "23505"

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetSweetByID retrieves a sweet by ID
func (s *Store) GetSweetByID(ctx context.Context, id string) (*models.Sweet, error) {
	var sweet models.Sweet
	err := s.db.GetContext(ctx, &sweet, "SELECT * FROM sweets WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sweet %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sweet, nil
}

// GetSweetsByIDs retrieves multiple sweets by IDs
func (s *Store) GetSweetsByIDs(ctx context.Context, ids []string) ([]models.Sweet, error) {
	if len(ids) == 0 {
		return []models.Sweet{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM sweets WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var sweets []models.Sweet
	err = s.db.SelectContext(ctx, &sweets, query, args...)
	return sweets, err
}

// CreateSweet inserts a sweet with zero stock. Initial stock goes through the ledger.
func (s *Store) CreateSweet(ctx context.Context, sweet *models.Sweet) error {
	query := `
		INSERT INTO sweets (id, name, category, price, quantity, is_active)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING quantity, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		sweet.ID, sweet.Name, sweet.Category, sweet.Price, sweet.IsActive,
	).Scan(&sweet.Quantity, &sweet.CreatedAt, &sweet.UpdatedAt)
	return mapWriteError(err)
}

// UpdateSweet writes the admin-editable columns of a sweet
func (s *Store) UpdateSweet(ctx context.Context, sweet *models.Sweet) error {
	query := `
		UPDATE sweets
		SET name = $1, category = $2, price = $3, is_active = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING quantity, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		sweet.Name, sweet.Category, sweet.Price, sweet.IsActive, sweet.ID,
	).Scan(&sweet.Quantity, &sweet.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sweet %s: %w", sweet.ID, ErrNotFound)
	}
	return mapWriteError(err)
}

// DebitStock decrements stock only if enough is available, in one statement
func (s *Store) DebitStock(ctx context.Context, productID string, quantity int) (int, error) {
	var newQuantity int
	err := s.db.GetContext(ctx, &newQuantity,
		`UPDATE sweets SET quantity = quantity - $1, updated_at = NOW()
		 WHERE id = $2 AND quantity >= $1
		 RETURNING quantity`,
		quantity, productID)
	if err == nil {
		return newQuantity, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM sweets WHERE id = $1)", productID); err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("sweet %s: %w", productID, ErrNotFound)
	}
	return 0, fmt.Errorf("sweet %s: %w", productID, ErrInsufficientStock)
}

// CreditStock increments stock
func (s *Store) CreditStock(ctx context.Context, productID string, quantity int) (int, error) {
	var newQuantity int
	err := s.db.GetContext(ctx, &newQuantity,
		`UPDATE sweets SET quantity = quantity + $1, updated_at = NOW()
		 WHERE id = $2
		 RETURNING quantity`,
		quantity, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sweet %s: %w", productID, ErrNotFound)
	}
	return newQuantity, err
}

// AppendInventoryTransaction records a ledger entry
func (s *Store) AppendInventoryTransaction(ctx context.Context, txn *models.InventoryTransaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inventory_transactions (id, product_id, actor_id, type, quantity_change, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.ID, txn.ProductID, txn.ActorID, txn.Type, txn.QuantityChange, txn.Note, txn.CreatedAt)
	return err
}

// LedgerBalance returns a product's stock counter and the net change recorded in
// its transaction log, read in one statement so both come from the same snapshot.
func (s *Store) LedgerBalance(ctx context.Context, productID string) (quantity, total int, err error) {
	var row struct {
		Quantity int `db:"quantity"`
		Total    int `db:"total"`
	}
	err = s.db.GetContext(ctx, &row,
		`SELECT s.quantity,
		        COALESCE((SELECT SUM(t.quantity_change) FROM inventory_transactions t WHERE t.product_id = s.id), 0) AS total
		 FROM sweets s WHERE s.id = $1`,
		productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("sweet %s: %w", productID, ErrNotFound)
	}
	return row.Quantity, row.Total, err
}
