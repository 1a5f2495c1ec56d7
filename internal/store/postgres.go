package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/apperr"
	"github.com/bintra/session-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Exactly-once position transitions rely on conditional UPDATEs against the
// status column, so the database is the final arbiter under concurrency.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, name, description, asset_type, start_time, end_time, status, initial_result, actual_result, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.Name, sess.Description, sess.AssetType,
		sess.StartTime, sess.EndTime, sess.Status,
		sess.InitialResult, sess.ActualResult, sess.CreatedBy, sess.CreatedAt,
	)
	return err
}

const sessionCols = `id, name, description, asset_type, start_time, end_time, status, initial_result, actual_result, created_by, created_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	err := row.Scan(&sess.ID, &sess.Name, &sess.Description, &sess.AssetType,
		&sess.StartTime, &sess.EndTime, &sess.Status,
		&sess.InitialResult, &sess.ActualResult, &sess.CreatedBy, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, status string) ([]model.Session, error) {
	query := `SELECT ` + sessionCols + ` FROM sessions ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + sessionCols + ` FROM sessions WHERE status = $1 ORDER BY created_at DESC`
		args = append(args, status)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id, from, to, actualResult string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $3, actual_result = CASE WHEN $4 <> '' THEN $4 ELSE actual_result END
		 WHERE id = $1 AND status = $2`,
		id, from, to, actualResult,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.classifySessionMiss(ctx, id, from)
	}
	return nil
}

func (s *PostgresStore) classifySessionMiss(ctx context.Context, id, want string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("session %s is %s, want %s: %w", id, status, want, apperr.ErrInvalidState)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM sub_markets WHERE session_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return tx.Commit(ctx)
}

// --- Sub-markets ---

func (s *PostgresStore) CreateSubMarkets(ctx context.Context, subs []*model.SubMarket) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, sm := range subs {
		_, err := tx.Exec(ctx,
			`INSERT INTO sub_markets (id, session_id, name, trade_duration, profit_rate, total_cycles, completed_cycles, status, start_time, end_time)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
			sm.ID, sm.SessionID, sm.Name, sm.TradeDuration, sm.ProfitRate.String(),
			sm.TotalCycles, sm.CompletedCycles, sm.Status, sm.StartTime, sm.EndTime,
		)
		if err != nil {
			return fmt.Errorf("insert sub-market %s: %w", sm.ID, err)
		}
	}
	return tx.Commit(ctx)
}

const subMarketCols = `id, session_id, name, trade_duration, profit_rate::TEXT, total_cycles, completed_cycles, status, start_time, end_time`

func scanSubMarket(row pgx.Row) (*model.SubMarket, error) {
	var sm model.SubMarket
	var rate string
	err := row.Scan(&sm.ID, &sm.SessionID, &sm.Name, &sm.TradeDuration, &rate,
		&sm.TotalCycles, &sm.CompletedCycles, &sm.Status, &sm.StartTime, &sm.EndTime)
	if err != nil {
		return nil, err
	}
	sm.ProfitRate, _ = decimal.NewFromString(rate)
	return &sm, nil
}

func (s *PostgresStore) GetSubMarket(ctx context.Context, id string) (*model.SubMarket, error) {
	sm, err := scanSubMarket(s.pool.QueryRow(ctx,
		`SELECT `+subMarketCols+` FROM sub_markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sub-market %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sub-market %s: %w", id, err)
	}
	return sm, nil
}

func (s *PostgresStore) ListSubMarkets(ctx context.Context, sessionID string) ([]model.SubMarket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subMarketCols+` FROM sub_markets WHERE session_id = $1 ORDER BY trade_duration`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSubMarkets(rows)
}

func (s *PostgresStore) ListActiveSubMarkets(ctx context.Context) ([]model.SubMarket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subMarketCols+` FROM sub_markets
		 WHERE status = $1 AND completed_cycles < total_cycles`, model.SubMarketActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSubMarkets(rows)
}

func collectSubMarkets(rows pgx.Rows) ([]model.SubMarket, error) {
	var subs []model.SubMarket
	for rows.Next() {
		sm, err := scanSubMarket(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sm)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) UpdateSubMarketStatus(ctx context.Context, id, from, to string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sub_markets SET status = $3 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM sub_markets WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("sub-market %s: %w", id, apperr.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("sub-market %s is %s, want %s: %w", id, status, from, apperr.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) AdvanceCycle(ctx context.Context, id string) (int, error) {
	var completed int
	err := s.pool.QueryRow(ctx,
		`UPDATE sub_markets
		 SET completed_cycles = completed_cycles + 1
		 WHERE id = $1 AND status = $2 AND completed_cycles < total_cycles
		 RETURNING completed_cycles`,
		id, model.SubMarketActive,
	).Scan(&completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("sub-market %s cannot advance: %w", id, apperr.ErrInvalidState)
	}
	if err != nil {
		return 0, err
	}
	return completed, nil
}

// --- Positions ---

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, order_number, user_id, asset_type, direction, entry_time, expiry_time, duration,
		                        entry_price, exit_price, current_price, spread, invest_amount, return_rate, actual_return,
		                        status, account_type, is_managed, market_session_id, triggered_by, settled_by, settled_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC,
		         $16, $17, $18, $19, $20, $21, $22, $23)`,
		p.ID, p.OrderNumber, p.UserID, p.AssetType, p.Direction, p.EntryTime, p.ExpiryTime, p.Duration,
		p.EntryPrice.String(), p.ExitPrice.String(), p.CurrentPrice.String(), p.Spread.String(),
		p.InvestAmount.String(), p.ReturnRate.String(), p.ActualReturn.String(),
		p.Status, p.AccountType, p.IsManaged, p.MarketSessionID, p.TriggeredBy, p.SettledBy, p.SettledAt, p.CreatedAt,
	)
	return err
}

const positionCols = `id, order_number, user_id, asset_type, direction, entry_time, expiry_time, duration,
	entry_price::TEXT, exit_price::TEXT, current_price::TEXT, spread::TEXT, invest_amount::TEXT, return_rate::TEXT, actual_return::TEXT,
	status, account_type, is_managed, market_session_id, triggered_by, settled_by, settled_at, created_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var entry, exit, current, spread, invest, rate, actual string
	err := row.Scan(&p.ID, &p.OrderNumber, &p.UserID, &p.AssetType, &p.Direction,
		&p.EntryTime, &p.ExpiryTime, &p.Duration,
		&entry, &exit, &current, &spread, &invest, &rate, &actual,
		&p.Status, &p.AccountType, &p.IsManaged, &p.MarketSessionID,
		&p.TriggeredBy, &p.SettledBy, &p.SettledAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.ExitPrice, _ = decimal.NewFromString(exit)
	p.CurrentPrice, _ = decimal.NewFromString(current)
	p.Spread, _ = decimal.NewFromString(spread)
	p.InvestAmount, _ = decimal.NewFromString(invest)
	p.ReturnRate, _ = decimal.NewFromString(rate)
	p.ActualReturn, _ = decimal.NewFromString(actual)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, orderNumber string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE order_number = $1`, orderNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderNumber, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPendingPositions(ctx context.Context, accountType string) ([]model.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE status = $1 ORDER BY entry_time`
	args := []any{model.PositionPending}
	if accountType != "" {
		query = `SELECT ` + positionCols + ` FROM positions WHERE status = $1 AND account_type = $2 ORDER BY entry_time`
		args = append(args, accountType)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func (s *PostgresStore) ListDuePositions(ctx context.Context, sessionID string, from, to time.Time) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status = $1 AND market_session_id = $2 AND expiry_time >= $3 AND expiry_time < $4`,
		model.PositionPending, sessionID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func (s *PostgresStore) ListExpiredPositions(ctx context.Context, now time.Time) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status = $1 AND market_session_id = '' AND expiry_time <= $2`,
		model.PositionPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SettlePosition(ctx context.Context, orderNumber string, set Settlement) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`UPDATE positions
		 SET exit_price = $2::NUMERIC, return_rate = $3::NUMERIC, actual_return = $4::NUMERIC,
		     triggered_by = $5, settled_by = $6, settled_at = $7, status = $8
		 WHERE order_number = $1 AND status = $9
		 RETURNING `+positionCols,
		orderNumber, set.ExitPrice.String(), set.ReturnRate.String(), set.ActualReturn.String(),
		set.TriggeredBy, set.SettledBy, set.SettledAt, model.PositionSettled, model.PositionPending,
	))
	if err != nil {
		return nil, s.classifyPositionMiss(ctx, orderNumber, err)
	}
	return p, nil
}

func (s *PostgresStore) CancelPosition(ctx context.Context, orderNumber, triggeredBy string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`UPDATE positions SET status = $2, triggered_by = $3
		 WHERE order_number = $1 AND status = $4
		 RETURNING `+positionCols,
		orderNumber, model.PositionCanceled, triggeredBy, model.PositionPending,
	))
	if err != nil {
		return nil, s.classifyPositionMiss(ctx, orderNumber, err)
	}
	return p, nil
}

func (s *PostgresStore) EditPosition(ctx context.Context, orderNumber string, edit PositionEdit) (*model.Position, error) {
	var investS *string
	if edit.InvestAmount != nil {
		v := edit.InvestAmount.String()
		investS = &v
	}
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`UPDATE positions
		 SET invest_amount = COALESCE($2::NUMERIC, invest_amount),
		     expiry_time = COALESCE($3, expiry_time),
		     is_managed = COALESCE($4, is_managed)
		 WHERE order_number = $1 AND status = $5
		 RETURNING `+positionCols,
		orderNumber, investS, edit.ExpiryTime, edit.IsManaged, model.PositionPending,
	))
	if err != nil {
		return nil, s.classifyPositionMiss(ctx, orderNumber, err)
	}
	return p, nil
}

// classifyPositionMiss distinguishes a missing order from an order already in
// a terminal status when a conditional update matched no row.
func (s *PostgresStore) classifyPositionMiss(ctx context.Context, orderNumber string, cause error) error {
	if !errors.Is(cause, pgx.ErrNoRows) {
		return cause
	}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM positions WHERE order_number = $1`, orderNumber).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("order %s already %s: %w", orderNumber, status, apperr.ErrConflict)
}

func (s *PostgresStore) GetUserOpenStakes(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_type, COALESCE(SUM(invest_amount), 0)::TEXT
		 FROM positions WHERE user_id = $1 AND status = $2
		 GROUP BY asset_type`,
		userID, model.PositionPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stakes := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset, sum string
		if err := rows.Scan(&asset, &sum); err != nil {
			return nil, err
		}
		stakes[asset], _ = decimal.NewFromString(sum)
	}
	return stakes, rows.Err()
}
