// Package balance defines the balance-collaborator contract used on
// settlement payout and cancellation refund, plus an in-memory ledger
// for development and tests. Production deployments point this at the
// venue's account service.
package balance

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/apperr"
)

// Ledger credits and debits user accounts. Implementations fail with
// apperr.ErrUnavailable when the backing service is unreachable and with
// apperr.ErrInsufficientFunds when a debit exceeds the balance.
type Ledger interface {
	Credit(ctx context.Context, userID, accountType string, amount decimal.Decimal) error
	Debit(ctx context.Context, userID, accountType string, amount decimal.Decimal) error
}

type accountKey struct {
	userID      string
	accountType string
}

// MemoryLedger implements Ledger with in-memory balances.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[accountKey]decimal.Decimal
	err      error
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[accountKey]decimal.Decimal)}
}

// Fund seeds an account balance.
func (l *MemoryLedger) Fund(userID, accountType string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := accountKey{userID, accountType}
	l.balances[k] = l.balances[k].Add(amount)
}

// Balance returns the current balance of an account.
func (l *MemoryLedger) Balance(userID, accountType string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountKey{userID, accountType}]
}

// Fail makes every subsequent call return err; nil restores service.
// Exercises the settlement retry path in tests.
func (l *MemoryLedger) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *MemoryLedger) Credit(_ context.Context, userID, accountType string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return l.err
	}
	k := accountKey{userID, accountType}
	l.balances[k] = l.balances[k].Add(amount)
	return nil
}

func (l *MemoryLedger) Debit(_ context.Context, userID, accountType string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return l.err
	}
	k := accountKey{userID, accountType}
	if l.balances[k].LessThan(amount) {
		return fmt.Errorf("debit %s from %s/%s: %w", amount, userID, accountType, apperr.ErrInsufficientFunds)
	}
	l.balances[k] = l.balances[k].Sub(amount)
	return nil
}
