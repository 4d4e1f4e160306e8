package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-process gateway for local runs and tests. It shares the
// signature scheme with Client so callbacks signed with Sign verify.
type Fake struct {
	Signer

	mu     sync.Mutex
	err    error
	delay  time.Duration
	orders map[string]int64
}

func NewFake(secret string) *Fake {
	return &Fake{
		Signer: NewSigner(secret),
		orders: make(map[string]int64),
	}
}

// FailWith makes subsequent CreateRemoteOrder calls fail; nil restores success
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetDelay makes CreateRemoteOrder wait before answering, honoring ctx
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *Fake) CreateRemoteOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	f.mu.Lock()
	delay, failure := f.delay, f.err
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrGateway, ctx.Err())
		}
	}
	if failure != nil {
		return "", fmt.Errorf("%w: %v", ErrGateway, failure)
	}

	id := "order_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:14]
	f.mu.Lock()
	f.orders[id] = amount
	f.mu.Unlock()
	return id, nil
}

func (f *Fake) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return f.Verify(gatewayOrderID, gatewayPaymentID, signature)
}

// Amount returns the amount registered for a remote order
func (f *Fake) Amount(gatewayOrderID string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amount, ok := f.orders[gatewayOrderID]
	return amount, ok
}

// OrderCount returns how many remote orders were created
func (f *Fake) OrderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}
