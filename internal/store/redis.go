package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for sessions and the operator PENDING-position snapshot. Writes go
// to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func sessionKey(id string) string  { return "se:session:" + id }
func snapshotKey(at string) string { return "se:pending:" + at }

// --- Sessions ---

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.cacheSession(ctx, sess)
	return nil
}

func (s *CachedStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	if data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes(); err == nil {
		var sess model.Session
		if json.Unmarshal(data, &sess) == nil {
			return &sess, nil
		}
	}
	sess, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSession(ctx, sess)
	return sess, nil
}

func (s *CachedStore) ListSessions(ctx context.Context, status string) ([]model.Session, error) {
	return s.primary.ListSessions(ctx, status)
}

func (s *CachedStore) UpdateSessionStatus(ctx context.Context, id, from, to, actualResult string) error {
	if err := s.primary.UpdateSessionStatus(ctx, id, from, to, actualResult); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(id))
	return nil
}

func (s *CachedStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.primary.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(id))
	return nil
}

func (s *CachedStore) cacheSession(ctx context.Context, sess *model.Session) {
	if data, err := json.Marshal(sess); err == nil {
		s.rdb.Set(ctx, sessionKey(sess.ID), data, s.ttl)
	}
}

// --- Sub-markets (pass-through: scheduler state must never be stale) ---

func (s *CachedStore) CreateSubMarkets(ctx context.Context, subs []*model.SubMarket) error {
	return s.primary.CreateSubMarkets(ctx, subs)
}

func (s *CachedStore) GetSubMarket(ctx context.Context, id string) (*model.SubMarket, error) {
	return s.primary.GetSubMarket(ctx, id)
}

func (s *CachedStore) ListSubMarkets(ctx context.Context, sessionID string) ([]model.SubMarket, error) {
	return s.primary.ListSubMarkets(ctx, sessionID)
}

func (s *CachedStore) ListActiveSubMarkets(ctx context.Context) ([]model.SubMarket, error) {
	return s.primary.ListActiveSubMarkets(ctx)
}

func (s *CachedStore) UpdateSubMarketStatus(ctx context.Context, id, from, to string) error {
	return s.primary.UpdateSubMarketStatus(ctx, id, from, to)
}

func (s *CachedStore) AdvanceCycle(ctx context.Context, id string) (int, error) {
	return s.primary.AdvanceCycle(ctx, id)
}

// --- Positions ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.invalidateSnapshots(ctx, p.AccountType)
	return nil
}

func (s *CachedStore) GetPosition(ctx context.Context, orderNumber string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, orderNumber)
}

func (s *CachedStore) ListPendingPositions(ctx context.Context, accountType string) ([]model.Position, error) {
	key := snapshotKey(accountType)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}
	positions, err := s.primary.ListPendingPositions(ctx, accountType)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) ListDuePositions(ctx context.Context, sessionID string, from, to time.Time) ([]model.Position, error) {
	return s.primary.ListDuePositions(ctx, sessionID, from, to)
}

func (s *CachedStore) ListExpiredPositions(ctx context.Context, now time.Time) ([]model.Position, error) {
	return s.primary.ListExpiredPositions(ctx, now)
}

func (s *CachedStore) SettlePosition(ctx context.Context, orderNumber string, set Settlement) (*model.Position, error) {
	p, err := s.primary.SettlePosition(ctx, orderNumber, set)
	if err != nil {
		return nil, err
	}
	s.invalidateSnapshots(ctx, p.AccountType)
	return p, nil
}

func (s *CachedStore) CancelPosition(ctx context.Context, orderNumber, triggeredBy string) (*model.Position, error) {
	p, err := s.primary.CancelPosition(ctx, orderNumber, triggeredBy)
	if err != nil {
		return nil, err
	}
	s.invalidateSnapshots(ctx, p.AccountType)
	return p, nil
}

func (s *CachedStore) EditPosition(ctx context.Context, orderNumber string, edit PositionEdit) (*model.Position, error) {
	p, err := s.primary.EditPosition(ctx, orderNumber, edit)
	if err != nil {
		return nil, err
	}
	s.invalidateSnapshots(ctx, p.AccountType)
	return p, nil
}

func (s *CachedStore) GetUserOpenStakes(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	return s.primary.GetUserOpenStakes(ctx, userID)
}

// invalidateSnapshots drops the filtered and unfiltered pending snapshots
// touched by a mutation.
func (s *CachedStore) invalidateSnapshots(ctx context.Context, accountType string) {
	s.rdb.Del(ctx, snapshotKey(""), snapshotKey(accountType))
}
