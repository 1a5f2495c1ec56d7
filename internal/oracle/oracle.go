// Package oracle defines the price-oracle contract the settlement engine
// consumes, plus a caching wrapper that bounds request volume and staleness.
//
// The upstream feed protocol is out of scope; anything that can answer
// GetPrice can drive the engine.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/apperr"
)

// Quote is a point-in-time price observation for one symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.AsOf)
}

// Oracle supplies the current price for an asset symbol. Implementations
// fail with apperr.ErrUnavailable on outage and must respect ctx deadlines.
type Oracle interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}

// CachedOracle wraps an upstream oracle with a per-call timeout, a
// seconds-scale quote cache, and a last-known-good fallback bounded by
// maxStale. Quotes older than maxStale are never served: settlement on
// them fails with apperr.ErrStalePrice.
type CachedOracle struct {
	upstream Oracle
	timeout  time.Duration
	ttl      time.Duration
	maxStale time.Duration

	mu    sync.RWMutex
	cache map[string]Quote

	now func() time.Time // injected for tests
}

// NewCachedOracle creates a caching wrapper around an upstream oracle.
func NewCachedOracle(upstream Oracle, timeout, ttl, maxStale time.Duration) *CachedOracle {
	return &CachedOracle{
		upstream: upstream,
		timeout:  timeout,
		ttl:      ttl,
		maxStale: maxStale,
		cache:    make(map[string]Quote),
		now:      time.Now,
	}
}

// GetPrice returns a fresh quote, consulting the cache first. On upstream
// failure it falls back to the last-known quote if still within maxStale.
func (o *CachedOracle) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	now := o.now()

	o.mu.RLock()
	cached, ok := o.cache[symbol]
	o.mu.RUnlock()

	if ok && cached.Age(now) <= o.ttl {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	q, err := o.upstream.GetPrice(ctx, symbol)
	if err != nil {
		// Fall back to the last-known quote while it is still trustworthy.
		if ok && cached.Age(now) <= o.maxStale {
			return cached, nil
		}
		if ok {
			return Quote{}, fmt.Errorf("quote for %s is %s old: %w", symbol, cached.Age(now).Round(time.Millisecond), apperr.ErrStalePrice)
		}
		return Quote{}, fmt.Errorf("oracle %s: %w", symbol, apperr.ErrUnavailable)
	}

	o.mu.Lock()
	o.cache[symbol] = q
	o.mu.Unlock()

	return q, nil
}

// SetClock overrides the time source. For tests.
func (o *CachedOracle) SetClock(now func() time.Time) { o.now = now }

// StaticOracle serves prices from an in-memory map. Used for development
// and tests.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	err    error
}

// NewStaticOracle creates an oracle with the given initial prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticOracle{prices: cp}
}

// SetPrice updates the served price for a symbol.
func (o *StaticOracle) SetPrice(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
}

// Fail makes every subsequent GetPrice return err; nil restores service.
func (o *StaticOracle) Fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *StaticOracle) GetPrice(_ context.Context, symbol string) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.err != nil {
		return Quote{}, o.err
	}
	price, ok := o.prices[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("no price for %s: %w", symbol, apperr.ErrUnavailable)
	}
	return Quote{Symbol: symbol, Price: price, AsOf: time.Now()}, nil
}
