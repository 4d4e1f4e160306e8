package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sweet represents a product in the catalog
type Sweet struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Category      string    `db:"category" json:"category"`
	Price         int64     `db:"price" json:"price"`
	Quantity      int       `db:"quantity" json:"quantity"`
	IsActive      bool      `db:"is_active" json:"isActive"`
	AverageRating float64   `db:"average_rating" json:"averageRating"`
	TotalReviews  int       `db:"total_reviews" json:"totalReviews"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

var (
	ErrInvalidSweetName     = errors.New("sweet: name must be between 2 and 100 characters")
	ErrInvalidSweetCategory = errors.New("sweet: category is required")
	ErrInvalidSweetPrice    = errors.New("sweet: price cannot be negative")
	ErrInvalidSweetQuantity = errors.New("sweet: quantity cannot be negative")
)

// Normalize trims the name and lowercases the category the way the catalog stores them.
func (s *Sweet) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.Category = strings.ToLower(strings.TrimSpace(s.Category))
}

// Validate checks the field constraints of a sweet. Quantity is owned by the ledger
// and is only checked for sign.
func (s *Sweet) Validate() error {
	if n := len([]rune(s.Name)); n < 2 || n > 100 {
		return ErrInvalidSweetName
	}
	if s.Category == "" {
		return ErrInvalidSweetCategory
	}
	if s.Price < 0 {
		return ErrInvalidSweetPrice
	}
	if s.Quantity < 0 {
		return ErrInvalidSweetQuantity
	}
	return nil
}

// SweetPatch lists the fields an admin may change on an existing sweet.
// Quantity is absent: stock moves only through the inventory ledger.
type SweetPatch struct {
	Name     *string `json:"name"`
	Category *string `json:"category"`
	Price    *int64  `json:"price"`
	IsActive *bool   `json:"isActive"`
}

// Empty reports whether the patch changes nothing.
func (p SweetPatch) Empty() bool {
	return p.Name == nil && p.Category == nil && p.Price == nil && p.IsActive == nil
}

// Apply returns a copy of s with the patch applied and normalized.
func (p SweetPatch) Apply(s Sweet) Sweet {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Category != nil {
		s.Category = *p.Category
	}
	if p.Price != nil {
		s.Price = *p.Price
	}
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	s.Normalize()
	return s
}

// InventoryTransactionType is the direction of a stock movement
type InventoryTransactionType string

const (
	InventoryPurchase InventoryTransactionType = "purchase"
	InventoryRestock  InventoryTransactionType = "restock"
)

// InventoryTransaction is an immutable entry of the stock ledger.
// QuantityChange is negative for purchases and positive for restocks.
type InventoryTransaction struct {
	ID             string                   `db:"id" json:"id"`
	ProductID      string                   `db:"product_id" json:"productId"`
	ActorID        string                   `db:"actor_id" json:"actorId"`
	Type           InventoryTransactionType `db:"type" json:"type"`
	QuantityChange int                      `db:"quantity_change" json:"quantityChange"`
	Note           string                   `db:"note" json:"note,omitempty"`
	CreatedAt      time.Time                `db:"created_at" json:"createdAt"`
}

// MaxNoteLength bounds InventoryTransaction.Note, in characters
const MaxNoteLength = 500

// LedgerReport compares the cached stock counter with the sum of its transactions.
type LedgerReport struct {
	ProductID        string `json:"productId"`
	Quantity         int    `json:"quantity"`
	TransactionTotal int    `json:"transactionTotal"`
	Drift            int    `json:"drift"`
	Flagged          bool   `json:"flagged"`
}

// Audit actions
const (
	AuditActionCreate       = "create"
	AuditActionUpdate       = "update"
	AuditActionDelete       = "delete"
	AuditActionRestock      = "restock"
	AuditActionStatusChange = "status_change"
)

// Audit resource types
const (
	AuditResourceSweet     = "sweet"
	AuditResourceOrder     = "order"
	AuditResourceInventory = "inventory"
)

// AuditLog is a write-once record of an administrative mutation
type AuditLog struct {
	ID           string    `db:"id" json:"id"`
	ActorUserID  string    `db:"actor_user_id" json:"actorUserId"`
	Action       string    `db:"action" json:"action"`
	ResourceType string    `db:"resource_type" json:"resourceType"`
	ResourceID   string    `db:"resource_id" json:"resourceId"`
	Before       Snapshot  `db:"before" json:"before,omitempty"`
	After        Snapshot  `db:"after" json:"after,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// AuditLogFilter narrows an audit log listing
type AuditLogFilter struct {
	ActorUserID  string
	ResourceType string
	ResourceID   string
	Limit        int
	Offset       int
}

// Snapshot is a JSON document stored as-is (NULL when empty).
type Snapshot []byte

// Value implements driver.Valuer
func (s Snapshot) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return []byte(s), nil
}

// Scan implements sql.Scanner
func (s *Snapshot) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
	case []byte:
		*s = append(Snapshot(nil), v...)
	case string:
		*s = Snapshot(v)
	default:
		return fmt.Errorf("snapshot: unsupported source type %T", src)
	}
	return nil
}

// MarshalJSON emits the stored document verbatim
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

// UnmarshalJSON keeps the raw document
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = nil
		return nil
	}
	*s = append(Snapshot(nil), b...)
	return nil
}
