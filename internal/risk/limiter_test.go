package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(5000))

	err := limiter.CheckLimit("BTC/USDT", d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerAssetExceeded(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(5000))

	// Existing stake of 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{
		"BTC/USDT": d(950),
	}

	err := limiter.CheckLimit("BTC/USDT", d(100), existing)
	if err != ErrPerAssetLimitExceeded {
		t.Errorf("expected ErrPerAssetLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerAssetNotExceeded(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(5000))

	existing := map[string]decimal.Decimal{
		"BTC/USDT": d(500),
	}

	err := limiter.CheckLimit("BTC/USDT", d(100), existing)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_TotalExceeded(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"BTC/USDT": d(800),
		"ETH/USDT": d(800),
		"EUR/USD":  d(300),
	}

	// New stake of 200 on a fresh asset: per-asset fine, aggregate
	// 800+800+300+200 = 2100 > 2000.
	err := limiter.CheckLimit("XAUUSD", d(200), existing)
	if err != ErrTotalLimitExceeded {
		t.Errorf("expected ErrTotalLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ExactBoundaryAllowed(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"BTC/USDT": d(900),
	}

	// Limits are inclusive: landing exactly on the cap is allowed.
	if err := limiter.CheckLimit("BTC/USDT", d(100), existing); err != nil {
		t.Errorf("expected no error at the per-asset cap, got %v", err)
	}
	if err := limiter.CheckLimit("ETH/USDT", d(1100), existing); err != nil {
		t.Errorf("expected no error at the total cap, got %v", err)
	}
}
