// Package payout defines the win-payout rate policy for settlement.
//
// The policy is injected into the settlement engine so the production path
// never hard-codes a rate source: deterministic venues configure a fixed
// rate, demo/managed books draw from a configured range.
//
// All monetary values use shopspring/decimal — never float64 for money.
package payout

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRate is returned when a rate lies outside (0, 1].
	ErrInvalidRate = errors.New("payout: rate must be in (0, 1]")

	// ErrInvalidRange is returned when min > max.
	ErrInvalidRange = errors.New("payout: range min must not exceed max")
)

// Policy yields the win-case return rate for one settlement. The sub-market's
// configured profit rate is passed as a hint; policies may use or ignore it.
type Policy interface {
	WinRate(subMarketRate decimal.Decimal) decimal.Decimal
}

// FixedPolicy always returns the sub-market's configured rate, falling back
// to a default when the sub-market carries none (out-of-session positions).
type FixedPolicy struct {
	Default decimal.Decimal
}

// NewFixedPolicy creates a fixed-rate policy with the given default.
func NewFixedPolicy(def decimal.Decimal) (*FixedPolicy, error) {
	if err := validRate(def); err != nil {
		return nil, err
	}
	return &FixedPolicy{Default: def}, nil
}

func (p *FixedPolicy) WinRate(subMarketRate decimal.Decimal) decimal.Decimal {
	if subMarketRate.IsPositive() {
		return subMarketRate
	}
	return p.Default
}

// RangePolicy draws a uniform rate from [Min, Max], ignoring the sub-market
// hint. Used for demo and managed books.
type RangePolicy struct {
	Min, Max decimal.Decimal

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRangePolicy creates a range policy seeded from the given source.
func NewRangePolicy(min, max decimal.Decimal, seed int64) (*RangePolicy, error) {
	if err := validRate(min); err != nil {
		return nil, err
	}
	if err := validRate(max); err != nil {
		return nil, err
	}
	if min.GreaterThan(max) {
		return nil, ErrInvalidRange
	}
	return &RangePolicy{
		Min: min,
		Max: max,
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

func (p *RangePolicy) WinRate(decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	f := p.rng.Float64()
	p.mu.Unlock()

	span := p.Max.Sub(p.Min)
	return p.Min.Add(span.Mul(decimal.NewFromFloat(f))).Round(4)
}

func validRate(r decimal.Decimal) error {
	if r.LessThanOrEqual(decimal.Zero) || r.GreaterThan(decimal.NewFromInt(1)) {
		return ErrInvalidRate
	}
	return nil
}
