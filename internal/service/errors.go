package service

import "errors"

// Reservation phase
var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrInvalidQuantity    = errors.New("quantity must be at least 1")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrPersistence        = errors.New("persistence failure")
	ErrRequestInProgress  = errors.New("request with this idempotency key is in progress")
)

// Reconciliation and administration
var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrAlreadyFinalized       = errors.New("order already finalized")
	ErrSignatureInvalid       = errors.New("payment signature invalid")
	ErrVerificationInProgress = errors.New("payment verification in progress")
	ErrInvalidTransition      = errors.New("invalid order status transition")
	ErrSweetNotFound          = errors.New("sweet not found")
	ErrInvalidSweet           = errors.New("invalid sweet")
	ErrQueueFull              = errors.New("notification queue full")
	ErrInitialStockFailed     = errors.New("sweet created but initial stock not recorded")
)

// Ledger reconciliation
var (
	ErrLedgerNotFlagged = errors.New("ledger is not flagged for reconciliation")
	ErrLedgerChanged    = errors.New("ledger drift changed since it was inspected")
)
