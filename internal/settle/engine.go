// Package settle implements the trade settlement engine: the only writer
// of position state. It applies the win/lose computation and performs the
// PENDING → SETTLED|CANCELED transition exactly once per order.
//
// All monetary values use shopspring/decimal — never float64 for money.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/apperr"
	"github.com/bintra/session-engine/internal/balance"
	"github.com/bintra/session-engine/internal/metrics"
	"github.com/bintra/session-engine/internal/model"
	"github.com/bintra/session-engine/internal/oracle"
	"github.com/bintra/session-engine/internal/payout"
	"github.com/bintra/session-engine/internal/risk"
	"github.com/bintra/session-engine/internal/store"
)

// Event types fanned out to operator consoles.
const (
	EventNewTransaction     = "new-transaction"
	EventTransactionUpdated = "transaction-updated"
	EventStatusChanged      = "status-changed"
	EventError              = "error"
)

// Event is one state change published to the distribution layer.
type Event struct {
	Type     string          `json:"type"`
	Position *model.Position `json:"transaction,omitempty"`
	Session  *model.Session  `json:"session,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Publisher fans events out to all connected operator consoles.
// Pass a nil Publisher to the engine if broadcasting is not needed.
type Publisher interface {
	Publish(Event)
}

// OpenRequest carries the parameters for opening a new position.
type OpenRequest struct {
	UserID          string
	AssetType       string
	Direction       string
	Duration        int // seconds
	InvestAmount    decimal.Decimal
	AccountType     string
	IsManaged       bool
	MarketSessionID string
	ReturnRate      decimal.Decimal // promised win rate, e.g. the sub-market's profit rate
	Spread          decimal.Decimal
}

// Engine is the trade settlement engine.
type Engine struct {
	store      store.Store
	ledger     balance.Ledger
	prices     oracle.Oracle
	policy     payout.Policy
	limiter    *risk.StakeLimiter
	pub        Publisher
	maxRetries int

	now func() time.Time
}

// New creates a settlement engine. pub may be nil.
func New(st store.Store, ledger balance.Ledger, prices oracle.Oracle, policy payout.Policy, limiter *risk.StakeLimiter, pub Publisher, maxRetries int) *Engine {
	return &Engine{
		store:      st,
		ledger:     ledger,
		prices:     prices,
		policy:     policy,
		limiter:    limiter,
		pub:        pub,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// SetClock overrides the time source. For tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetPublisher attaches the distribution layer after construction. The hub
// needs the engine to serve commands, so wiring happens in two steps.
func (e *Engine) SetPublisher(pub Publisher) { e.pub = pub }

// Open validates and persists a new PENDING position, debiting the stake.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*model.Position, error) {
	if err := e.validateOpen(req); err != nil {
		return nil, err
	}

	stakes, err := e.store.GetUserOpenStakes(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("check open stakes: %w", err)
	}
	if err := e.limiter.CheckLimit(req.AssetType, req.InvestAmount, stakes); err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperr.ErrValidation)
	}

	quote, err := e.prices.GetPrice(ctx, req.AssetType)
	if err != nil {
		return nil, err
	}

	if err := e.ledger.Debit(ctx, req.UserID, req.AccountType, req.InvestAmount); err != nil {
		return nil, err
	}

	now := e.now()
	p := &model.Position{
		ID:              uuid.New().String(),
		OrderNumber:     newOrderNumber(now),
		UserID:          req.UserID,
		AssetType:       req.AssetType,
		Direction:       req.Direction,
		EntryTime:       now,
		ExpiryTime:      now.Add(time.Duration(req.Duration) * time.Second),
		Duration:        req.Duration,
		EntryPrice:      quote.Price,
		CurrentPrice:    quote.Price,
		Spread:          req.Spread,
		InvestAmount:    req.InvestAmount,
		ReturnRate:      req.ReturnRate,
		Status:          model.PositionPending,
		AccountType:     req.AccountType,
		IsManaged:       req.IsManaged,
		MarketSessionID: req.MarketSessionID,
		CreatedAt:       now,
	}

	if err := e.store.CreatePosition(ctx, p); err != nil {
		// The stake was already taken; hand it back before failing.
		if refundErr := e.creditWithRetry(ctx, p.UserID, p.AccountType, p.InvestAmount); refundErr != nil {
			slog.Error("refund after failed open", "order", p.OrderNumber, "err", refundErr)
		}
		return nil, fmt.Errorf("create position: %w", err)
	}

	metrics.PositionsOpened.WithLabelValues(p.Direction, p.AccountType).Inc()
	e.publish(Event{Type: EventNewTransaction, Position: p})

	slog.Info("position opened",
		"order", p.OrderNumber,
		"user", p.UserID,
		"asset", p.AssetType,
		"direction", p.Direction,
		"stake", p.InvestAmount.String(),
		"expires", p.ExpiryTime,
	)
	return p, nil
}

// Settle applies the win/lose computation at exitPrice and transitions the
// order PENDING → SETTLED exactly once. A second caller racing on the same
// order observes apperr.ErrConflict.
func (e *Engine) Settle(ctx context.Context, orderNumber string, exitPrice decimal.Decimal, triggeredBy string) (*model.Position, error) {
	return e.settle(ctx, orderNumber, exitPrice, "", triggeredBy, "", e.publish)
}

// ForceSettle performs the same transition as Settle on behalf of an
// operator, recording the admin id for audit. Events raised by the
// transition are returned instead of published: the console acknowledges
// the operator first, then fans them out.
func (e *Engine) ForceSettle(ctx context.Context, orderNumber string, settlementPrice decimal.Decimal, adminID string) (*model.Position, []Event, error) {
	if adminID == "" {
		return nil, nil, fmt.Errorf("force-settle requires an operator: %w", apperr.ErrUnauthorized)
	}
	var events []Event
	p, err := e.settle(ctx, orderNumber, settlementPrice, "", model.TriggerAdmin, adminID, func(ev Event) {
		events = append(events, ev)
	})
	return p, events, err
}

// SettleAtMarket settles an order at the oracle's current price.
func (e *Engine) SettleAtMarket(ctx context.Context, orderNumber, triggeredBy string) (*model.Position, error) {
	p, err := e.store.GetPosition(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	quote, err := e.prices.GetPrice(ctx, p.AssetType)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, orderNumber, quote.Price, "", triggeredBy, "", e.publish)
}

// settle is the single transition path. directive, when non-empty, forces
// the outcome for cycle-driven settlement of managed books; otherwise the
// outcome follows the price movement. Events go through emit, which is
// e.publish everywhere except the operator console path.
func (e *Engine) settle(ctx context.Context, orderNumber string, exitPrice decimal.Decimal, directive, triggeredBy, adminID string, emit func(Event)) (*model.Position, error) {
	if exitPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("exit price must be positive: %w", apperr.ErrValidation)
	}

	p, err := e.store.GetPosition(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PositionPending {
		return nil, fmt.Errorf("order %s already %s: %w", orderNumber, p.Status, apperr.ErrConflict)
	}

	rate, actualReturn := e.computeReturn(p, exitPrice, directive)

	settled, err := e.store.SettlePosition(ctx, orderNumber, store.Settlement{
		ExitPrice:    exitPrice,
		ReturnRate:   rate,
		ActualReturn: actualReturn,
		TriggeredBy:  triggeredBy,
		SettledBy:    adminID,
		SettledAt:    e.now(),
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			metrics.SettlementConflicts.Inc()
		}
		return nil, err
	}

	outcome := "lose"
	if actualReturn.IsPositive() {
		outcome = "win"
		// Winner gets stake back plus profit.
		payoutAmount := settled.InvestAmount.Add(actualReturn)
		if err := e.creditWithRetry(ctx, settled.UserID, settled.AccountType, payoutAmount); err != nil {
			// Transition is committed; surface the payout failure loudly.
			slog.Error("payout failed after settlement", "order", orderNumber, "err", err)
			emit(Event{Type: EventError, Position: settled,
				Message: fmt.Sprintf("payout for %s failed: %v", orderNumber, err)})
		}
	}

	metrics.SettlementsTotal.WithLabelValues(triggeredBy, outcome).Inc()
	emit(Event{Type: EventTransactionUpdated, Position: settled})

	slog.Info("order settled",
		"order", orderNumber,
		"triggered_by", triggeredBy,
		"outcome", outcome,
		"exit_price", exitPrice.String(),
		"return", actualReturn.String(),
	)
	return settled, nil
}

// Cancel transitions a PENDING order to CANCELED and refunds the stake.
// Idempotency rule identical to Settle. Events are returned, not
// published, so the caller can reply before the broadcast goes out.
func (e *Engine) Cancel(ctx context.Context, orderNumber, reason, triggeredBy string) (*model.Position, []Event, error) {
	canceled, err := e.store.CancelPosition(ctx, orderNumber, triggeredBy)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			metrics.SettlementConflicts.Inc()
		}
		return nil, nil, err
	}

	var events []Event
	if err := e.creditWithRetry(ctx, canceled.UserID, canceled.AccountType, canceled.InvestAmount); err != nil {
		slog.Error("refund failed after cancellation", "order", orderNumber, "err", err)
		events = append(events, Event{Type: EventError, Position: canceled,
			Message: fmt.Sprintf("refund for %s failed: %v", orderNumber, err)})
	}

	metrics.SettlementsTotal.WithLabelValues(triggeredBy, "canceled").Inc()
	events = append(events, Event{Type: EventTransactionUpdated, Position: canceled})

	slog.Info("order canceled", "order", orderNumber, "reason", reason, "triggered_by", triggeredBy)
	return canceled, events, nil
}

// Edit updates operator-editable fields of a PENDING order. Like Cancel,
// the resulting event is returned for the caller to publish.
func (e *Engine) Edit(ctx context.Context, orderNumber string, edit store.PositionEdit) (*model.Position, []Event, error) {
	updated, err := e.store.EditPosition(ctx, orderNumber, edit)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("order edited", "order", orderNumber)
	return updated, []Event{{Type: EventTransactionUpdated, Position: updated}}, nil
}

// SettleDue settles every PENDING position of a session whose expiry falls
// within [from, to), at exitPrice, with the cycle directive as a settlement
// hint. Failures are isolated per order: one bad order never aborts the
// batch. Returns the number settled.
func (e *Engine) SettleDue(ctx context.Context, sessionID string, from, to time.Time, exitPrice decimal.Decimal, directive string) int {
	due, err := e.store.ListDuePositions(ctx, sessionID, from, to)
	if err != nil {
		slog.Error("list due positions", "session", sessionID, "err", err)
		return 0
	}

	settled := 0
	for i := range due {
		if _, err := e.settle(ctx, due[i].OrderNumber, exitPrice, directive, model.TriggerExpiry, "", e.publish); err != nil {
			// Conflicts mean somebody else won the race; anything else is
			// surfaced to operators and retried on a later sweep.
			if !errors.Is(err, apperr.ErrConflict) {
				slog.Warn("cycle settlement failed", "order", due[i].OrderNumber, "err", err)
				e.publish(Event{Type: EventError,
					Message: fmt.Sprintf("settlement of %s failed: %v", due[i].OrderNumber, err)})
			}
			continue
		}
		settled++
	}
	return settled
}

// RunExpirySweeper periodically settles expired positions that are not
// attached to any session, at the market price. Blocks until ctx is done.
func (e *Engine) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired(ctx)
		}
	}
}

func (e *Engine) sweepExpired(ctx context.Context) {
	expired, err := e.store.ListExpiredPositions(ctx, e.now())
	if err != nil {
		slog.Error("list expired positions", "err", err)
		return
	}
	for i := range expired {
		if _, err := e.SettleAtMarket(ctx, expired[i].OrderNumber, model.TriggerExpiry); err != nil {
			if !errors.Is(err, apperr.ErrConflict) {
				slog.Warn("expiry settlement failed", "order", expired[i].OrderNumber, "err", err)
			}
		}
	}
}

// computeReturn derives the return rate and actual return at exitPrice.
// Outcome: sign((exit-entry)/entry * directionSign); wins pay the policy
// rate, everything else (including unchanged price) loses the full stake.
// A WIN/LOSE directive on a managed position overrides the price outcome.
func (e *Engine) computeReturn(p *model.Position, exitPrice decimal.Decimal, directive string) (decimal.Decimal, decimal.Decimal) {
	priceChange := exitPrice.Sub(p.EntryPrice).Div(p.EntryPrice)
	if p.DirectionSign() < 0 {
		priceChange = priceChange.Neg()
	}

	won := priceChange.IsPositive()
	if p.IsManaged && directive != "" {
		won = directive == model.CycleWin
	}

	if won {
		rate := e.policy.WinRate(p.ReturnRate)
		return rate, p.InvestAmount.Mul(rate).Round(8)
	}

	minusOne := decimal.NewFromInt(-1)
	return minusOne, p.InvestAmount.Mul(minusOne)
}

// creditWithRetry credits an account, retrying with exponential backoff on
// ErrUnavailable. Other errors fail immediately.
func (e *Engine) creditWithRetry(ctx context.Context, userID, accountType string, amount decimal.Decimal) error {
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		err = e.ledger.Credit(ctx, userID, accountType, amount)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperr.ErrUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return err
}

func (e *Engine) validateOpen(req OpenRequest) error {
	var problems []string
	if req.UserID == "" {
		problems = append(problems, "user_id is required")
	}
	if err := model.ValidateAsset(req.AssetType); err != nil {
		problems = append(problems, err.Error())
	}
	if req.Direction != model.DirectionCall && req.Direction != model.DirectionPut {
		problems = append(problems, "direction must be CALL or PUT")
	}
	if req.Duration <= 0 {
		problems = append(problems, "duration must be positive")
	}
	if !req.InvestAmount.IsPositive() {
		problems = append(problems, "invest_amount must be positive")
	}
	if req.AccountType != model.AccountDemo && req.AccountType != model.AccountReal {
		problems = append(problems, "account_type must be DEMO or REAL")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), apperr.ErrValidation)
	}
	return nil
}

func (e *Engine) publish(ev Event) {
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}

// newOrderNumber builds a unique, sortable order number.
func newOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102150405"), strings.ToUpper(uuid.New().String()[:8]))
}
