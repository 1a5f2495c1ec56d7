// Package model defines the core domain types shared across the session engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Session lifecycle statuses.
const (
	SessionPending   = "PENDING"
	SessionActive    = "ACTIVE"
	SessionCompleted = "COMPLETED"
	SessionCanceled  = "CANCELED"
)

// Sub-market lifecycle statuses.
const (
	SubMarketPending   = "PENDING"
	SubMarketActive    = "ACTIVE"
	SubMarketCompleted = "COMPLETED"
	SubMarketStopped   = "STOPPED"
)

// Position statuses.
const (
	PositionPending  = "PENDING"
	PositionSettled  = "SETTLED"
	PositionCanceled = "CANCELED"
)

// Position directions.
const (
	DirectionCall = "CALL"
	DirectionPut  = "PUT"
)

// Account types.
const (
	AccountDemo = "DEMO"
	AccountReal = "REAL"
)

// Cycle results.
const (
	CycleWin     = "WIN"
	CycleLose    = "LOSE"
	CyclePending = "PENDING"
)

// Settlement triggers, recorded for audit.
const (
	TriggerExpiry = "expiry"
	TriggerUser   = "user"
	TriggerAdmin  = "admin"
)

// Session is a top-level trading window for one asset, containing multiple
// sub-markets. Status transitions only PENDING→ACTIVE→COMPLETED,
// PENDING→CANCELED, or ACTIVE→CANCELED.
type Session struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Description   string    `json:"description,omitempty" db:"description"`
	AssetType     string    `json:"asset_type" db:"asset_type"`
	StartTime     time.Time `json:"start_time" db:"start_time"`
	EndTime       time.Time `json:"end_time" db:"end_time"`
	Status        string    `json:"status" db:"status"`
	InitialResult string    `json:"initial_result" db:"initial_result"` // WIN/LOSE directive override, empty = drawn per cycle
	ActualResult  string    `json:"actual_result,omitempty" db:"actual_result"`
	CreatedBy     string    `json:"created_by" db:"created_by"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Duration returns the session trading window length.
func (s *Session) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// SubMarket is one trade-duration/profit-rate configuration within a session,
// running repeated cycles. Owned exclusively by its session.
type SubMarket struct {
	ID              string          `json:"id" db:"id"`
	SessionID       string          `json:"session_id" db:"session_id"`
	Name            string          `json:"name" db:"name"`
	TradeDuration   int             `json:"trade_duration" db:"trade_duration"` // seconds
	ProfitRate      decimal.Decimal `json:"profit_rate" db:"profit_rate"`       // win payout fraction, e.g. 0.85
	TotalCycles     int             `json:"total_cycles" db:"total_cycles"`
	CompletedCycles int             `json:"completed_cycles" db:"completed_cycles"`
	Status          string          `json:"status" db:"status"`
	StartTime       time.Time       `json:"start_time" db:"start_time"`
	EndTime         time.Time       `json:"end_time" db:"end_time"`
}

// CycleWindow returns the [start, end) window of the cycle at index i.
func (m *SubMarket) CycleWindow(i int) (time.Time, time.Time) {
	d := time.Duration(m.TradeDuration) * time.Second
	start := m.StartTime.Add(time.Duration(i) * d)
	return start, start.Add(d)
}

// Cycle is one fixed-duration repetition of a sub-market. Cycles are derived
// from the sub-market's start time and cycle count, not persisted as rows.
type Cycle struct {
	SubMarketID string    `json:"sub_market_id"`
	Index       int       `json:"index"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Result      string    `json:"result"` // WIN, LOSE, PENDING
}

// Position is a user's open or settled CALL/PUT trade.
// ExitPrice, ActualReturn and SettledAt are set if and only if
// Status == SETTLED; a position is never mutated after reaching a
// terminal status.
type Position struct {
	ID              string          `json:"id" db:"id"`
	OrderNumber     string          `json:"order_number" db:"order_number"`
	UserID          string          `json:"user_id" db:"user_id"`
	AssetType       string          `json:"asset_type" db:"asset_type"`
	Direction       string          `json:"direction" db:"direction"`
	EntryTime       time.Time       `json:"entry_time" db:"entry_time"`
	ExpiryTime      time.Time       `json:"expiry_time" db:"expiry_time"`
	Duration        int             `json:"duration" db:"duration"` // seconds
	EntryPrice      decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice       decimal.Decimal `json:"exit_price" db:"exit_price"`
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	Spread          decimal.Decimal `json:"spread" db:"spread"`
	InvestAmount    decimal.Decimal `json:"invest_amount" db:"invest_amount"`
	ReturnRate      decimal.Decimal `json:"return_rate" db:"return_rate"`
	ActualReturn    decimal.Decimal `json:"actual_return" db:"actual_return"`
	Status          string          `json:"status" db:"status"`
	AccountType     string          `json:"account_type" db:"account_type"`
	IsManaged       bool            `json:"is_managed" db:"is_managed"`
	MarketSessionID string          `json:"market_session_id,omitempty" db:"market_session_id"`
	TriggeredBy     string          `json:"triggered_by,omitempty" db:"triggered_by"`
	SettledBy       string          `json:"settled_by,omitempty" db:"settled_by"` // admin id on force-settle
	SettledAt       *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// DirectionSign returns +1 for CALL and -1 for PUT.
func (p *Position) DirectionSign() int {
	if p.Direction == DirectionPut {
		return -1
	}
	return 1
}

// SubMarketSpec is one (tradeDuration, profitRate) pair from the configured
// list used to generate sub-markets when a session starts.
type SubMarketSpec struct {
	TradeDuration int             // seconds
	ProfitRate    decimal.Decimal // win payout fraction
}

// assetRegex matches exchange-style symbols: BTC/USDT, ETH-USD, XAUUSD.
var assetRegex = regexp.MustCompile(`^[A-Z0-9]{2,12}([/-][A-Z0-9]{2,12})?$`)

// ErrInvalidAsset is returned for asset symbols that fail validation.
var ErrInvalidAsset = errors.New("model: invalid asset symbol")

// ValidateAsset validates an asset symbol.
func ValidateAsset(symbol string) error {
	if !assetRegex.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidAsset, symbol)
	}
	return nil
}
