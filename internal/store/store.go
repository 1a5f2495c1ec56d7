// Package store defines the persistence interface for the session engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/model"
)

// Settlement carries the terminal fields applied when a position settles.
type Settlement struct {
	ExitPrice    decimal.Decimal
	ReturnRate   decimal.Decimal
	ActualReturn decimal.Decimal
	TriggeredBy  string
	SettledBy    string // admin id, empty unless force-settled
	SettledAt    time.Time
}

// PositionEdit carries the operator-editable fields of a PENDING position.
// Nil fields are left unchanged.
type PositionEdit struct {
	InvestAmount *decimal.Decimal
	ExpiryTime   *time.Time
	IsManaged    *bool
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Conditional mutations (SettlePosition, CancelPosition, EditPosition,
// UpdateSessionStatus, UpdateSubMarketStatus, AdvanceCycle) implement the
// single-writer discipline: they succeed only from the expected prior state
// and fail with apperr.ErrConflict (positions) or apperr.ErrInvalidState
// (lifecycle rows) otherwise.
type Store interface {
	// --- Sessions ---

	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s *model.Session) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// ListSessions returns sessions, newest first, optionally filtered by status.
	ListSessions(ctx context.Context, status string) ([]model.Session, error)

	// UpdateSessionStatus transitions a session from → to, recording the
	// final result if non-empty.
	UpdateSessionStatus(ctx context.Context, id, from, to, actualResult string) error

	// DeleteSession removes a session and its sub-markets.
	DeleteSession(ctx context.Context, id string) error

	// --- Sub-markets ---

	// CreateSubMarkets persists all sub-markets atomically: a failure
	// partway must leave none behind.
	CreateSubMarkets(ctx context.Context, subs []*model.SubMarket) error

	// GetSubMarket retrieves a sub-market by id.
	GetSubMarket(ctx context.Context, id string) (*model.SubMarket, error)

	// ListSubMarkets returns the sub-markets of a session.
	ListSubMarkets(ctx context.Context, sessionID string) ([]model.SubMarket, error)

	// ListActiveSubMarkets returns every ACTIVE sub-market with remaining
	// cycles, across all sessions. Used for restart-safe re-arming.
	ListActiveSubMarkets(ctx context.Context) ([]model.SubMarket, error)

	// UpdateSubMarketStatus transitions a sub-market from → to.
	UpdateSubMarketStatus(ctx context.Context, id, from, to string) error

	// AdvanceCycle increments completedCycles by one, bounded by
	// totalCycles and conditional on ACTIVE status. Returns the new count.
	AdvanceCycle(ctx context.Context, id string) (int, error)

	// --- Positions ---

	// CreatePosition persists a new PENDING position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by order number.
	GetPosition(ctx context.Context, orderNumber string) (*model.Position, error)

	// ListPendingPositions returns all PENDING positions, optionally
	// filtered by account type. Used for operator snapshots.
	ListPendingPositions(ctx context.Context, accountType string) ([]model.Position, error)

	// ListDuePositions returns PENDING positions of a session whose expiry
	// falls within [from, to).
	ListDuePositions(ctx context.Context, sessionID string, from, to time.Time) ([]model.Position, error)

	// ListExpiredPositions returns PENDING positions with no session whose
	// expiry is at or before now. Used by the expiry sweeper.
	ListExpiredPositions(ctx context.Context, now time.Time) ([]model.Position, error)

	// SettlePosition applies a settlement to a PENDING position, exactly once.
	SettlePosition(ctx context.Context, orderNumber string, s Settlement) (*model.Position, error)

	// CancelPosition transitions a PENDING position to CANCELED, exactly once.
	CancelPosition(ctx context.Context, orderNumber, triggeredBy string) (*model.Position, error)

	// EditPosition updates editable fields of a PENDING position.
	EditPosition(ctx context.Context, orderNumber string, edit PositionEdit) (*model.Position, error)

	// GetUserOpenStakes returns the sum of PENDING invest amounts per asset
	// for a user. Used by the stake limiter.
	GetUserOpenStakes(ctx context.Context, userID string) (map[string]decimal.Decimal, error)
}
