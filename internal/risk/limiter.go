// Package risk enforces open-stake limits when positions are opened.
//
// A user stacking CALLs on one asset across every duration carries
// concentrated risk; the limiter caps both the per-asset open stake and
// the aggregate open stake across all assets.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerAssetLimitExceeded is returned when a new position would push a
	// user's open stake on one asset beyond the per-asset maximum.
	ErrPerAssetLimitExceeded = errors.New("risk: per-asset open stake limit exceeded")

	// ErrTotalLimitExceeded is returned when a new position would push a
	// user's aggregate open stake beyond the total maximum.
	ErrTotalLimitExceeded = errors.New("risk: total open stake limit exceeded")
)

// StakeLimiter enforces open-stake limits.
type StakeLimiter struct {
	// MaxPerAsset is the maximum open stake on any single asset.
	MaxPerAsset decimal.Decimal

	// MaxTotal is the maximum aggregate open stake across all assets.
	MaxTotal decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given per-asset and total limits.
func NewStakeLimiter(maxPerAsset, maxTotal decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{MaxPerAsset: maxPerAsset, MaxTotal: maxTotal}
}

// CheckLimit validates whether a new stake respects the limits.
//
// Parameters:
//   - asset: symbol of the position being opened
//   - stake: invest amount of the new position
//   - openStakes: map of asset → current open stake for this user
func (l *StakeLimiter) CheckLimit(asset string, stake decimal.Decimal, openStakes map[string]decimal.Decimal) error {
	newOnAsset := openStakes[asset].Add(stake)
	if newOnAsset.GreaterThan(l.MaxPerAsset) {
		return ErrPerAssetLimitExceeded
	}

	total := stake
	for _, s := range openStakes {
		total = total.Add(s)
	}
	if total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}

	return nil
}
