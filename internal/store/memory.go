package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/apperr"
	"github.com/bintra/session-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*model.Session
	subMarkets map[string]*model.SubMarket
	positions  map[string]*model.Position // keyed by order number

	// FailSubMarketAt, when >= 0, fails CreateSubMarkets at that index.
	// Exercises the all-or-nothing guarantee in tests.
	FailSubMarketAt int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:        make(map[string]*model.Session),
		subMarkets:      make(map[string]*model.SubMarket),
		positions:       make(map[string]*model.Position),
		FailSubMarketAt: -1,
	}
}

// --- Sessions ---

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, status string) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Session
	for _, sess := range s.sessions {
		if status == "" || sess.Status == status {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateSessionStatus(_ context.Context, id, from, to, actualResult string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	if sess.Status != from {
		return fmt.Errorf("session %s is %s, want %s: %w", id, sess.Status, from, apperr.ErrInvalidState)
	}
	sess.Status = to
	if actualResult != "" {
		sess.ActualResult = actualResult
	}
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	delete(s.sessions, id)
	for smID, sm := range s.subMarkets {
		if sm.SessionID == id {
			delete(s.subMarkets, smID)
		}
	}
	return nil
}

// --- Sub-markets ---

func (s *MemoryStore) CreateSubMarkets(_ context.Context, subs []*model.SubMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sm := range subs {
		if i == s.FailSubMarketAt {
			// Roll back everything inserted so far.
			for j := 0; j < i; j++ {
				delete(s.subMarkets, subs[j].ID)
			}
			return fmt.Errorf("sub-market insert failed at %d: %w", i, apperr.ErrUnavailable)
		}
		cp := *sm
		s.subMarkets[sm.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) GetSubMarket(_ context.Context, id string) (*model.SubMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sm, ok := s.subMarkets[id]
	if !ok {
		return nil, fmt.Errorf("sub-market %s: %w", id, apperr.ErrNotFound)
	}
	cp := *sm
	return &cp, nil
}

func (s *MemoryStore) ListSubMarkets(_ context.Context, sessionID string) ([]model.SubMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SubMarket
	for _, sm := range s.subMarkets {
		if sm.SessionID == sessionID {
			out = append(out, *sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeDuration < out[j].TradeDuration })
	return out, nil
}

func (s *MemoryStore) ListActiveSubMarkets(_ context.Context) ([]model.SubMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SubMarket
	for _, sm := range s.subMarkets {
		if sm.Status == model.SubMarketActive && sm.CompletedCycles < sm.TotalCycles {
			out = append(out, *sm)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateSubMarketStatus(_ context.Context, id, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.subMarkets[id]
	if !ok {
		return fmt.Errorf("sub-market %s: %w", id, apperr.ErrNotFound)
	}
	if sm.Status != from {
		return fmt.Errorf("sub-market %s is %s, want %s: %w", id, sm.Status, from, apperr.ErrInvalidState)
	}
	sm.Status = to
	return nil
}

func (s *MemoryStore) AdvanceCycle(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.subMarkets[id]
	if !ok {
		return 0, fmt.Errorf("sub-market %s: %w", id, apperr.ErrNotFound)
	}
	if sm.Status != model.SubMarketActive || sm.CompletedCycles >= sm.TotalCycles {
		return sm.CompletedCycles, fmt.Errorf("sub-market %s cannot advance: %w", id, apperr.ErrInvalidState)
	}
	sm.CompletedCycles++
	return sm.CompletedCycles, nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.OrderNumber]; ok {
		return fmt.Errorf("order %s already exists", p.OrderNumber)
	}
	cp := *p
	s.positions[p.OrderNumber] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, orderNumber string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[orderNumber]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPendingPositions(_ context.Context, accountType string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Status != model.PositionPending {
			continue
		}
		if accountType != "" && p.AccountType != accountType {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (s *MemoryStore) ListDuePositions(_ context.Context, sessionID string, from, to time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Status != model.PositionPending || p.MarketSessionID != sessionID {
			continue
		}
		if p.ExpiryTime.Before(from) || !p.ExpiryTime.Before(to) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *MemoryStore) ListExpiredPositions(_ context.Context, now time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Status == model.PositionPending && p.MarketSessionID == "" && !p.ExpiryTime.After(now) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) SettlePosition(_ context.Context, orderNumber string, set Settlement) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[orderNumber]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	}
	if p.Status != model.PositionPending {
		return nil, fmt.Errorf("order %s already %s: %w", orderNumber, p.Status, apperr.ErrConflict)
	}

	p.ExitPrice = set.ExitPrice
	p.ReturnRate = set.ReturnRate
	p.ActualReturn = set.ActualReturn
	p.TriggeredBy = set.TriggeredBy
	p.SettledBy = set.SettledBy
	settledAt := set.SettledAt
	p.SettledAt = &settledAt
	p.Status = model.PositionSettled

	cp := *p
	return &cp, nil
}

func (s *MemoryStore) CancelPosition(_ context.Context, orderNumber, triggeredBy string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[orderNumber]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	}
	if p.Status != model.PositionPending {
		return nil, fmt.Errorf("order %s already %s: %w", orderNumber, p.Status, apperr.ErrConflict)
	}

	p.Status = model.PositionCanceled
	p.TriggeredBy = triggeredBy

	cp := *p
	return &cp, nil
}

func (s *MemoryStore) EditPosition(_ context.Context, orderNumber string, edit PositionEdit) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[orderNumber]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	}
	if p.Status != model.PositionPending {
		return nil, fmt.Errorf("order %s already %s: %w", orderNumber, p.Status, apperr.ErrConflict)
	}

	if edit.InvestAmount != nil {
		p.InvestAmount = *edit.InvestAmount
	}
	if edit.ExpiryTime != nil {
		p.ExpiryTime = *edit.ExpiryTime
	}
	if edit.IsManaged != nil {
		p.IsManaged = *edit.IsManaged
	}

	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetUserOpenStakes(_ context.Context, userID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stakes := make(map[string]decimal.Decimal)
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == model.PositionPending {
			stakes[p.AssetType] = stakes[p.AssetType].Add(p.InvestAmount)
		}
	}
	return stakes, nil
}
