// Package session implements the two-level scheduling hierarchy of the
// venue: the lifecycle manager owns sessions, the scheduler drives each
// sub-market's repeating settlement cycles.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bintra/session-engine/internal/apperr"
	"github.com/bintra/session-engine/internal/metrics"
	"github.com/bintra/session-engine/internal/model"
	"github.com/bintra/session-engine/internal/settle"
	"github.com/bintra/session-engine/internal/store"
)

// Manager is the top-level session orchestrator.
type Manager struct {
	store             store.Store
	scheduler         *Scheduler
	specs             []model.SubMarketSpec
	pub               settle.Publisher
	cancelOnEarlyStop bool

	now func() time.Time
}

// NewManager creates a session lifecycle manager. pub may be nil.
func NewManager(st store.Store, scheduler *Scheduler, specs []model.SubMarketSpec, pub settle.Publisher, cancelOnEarlyStop bool) *Manager {
	return &Manager{
		store:             st,
		scheduler:         scheduler,
		specs:             specs,
		pub:               pub,
		cancelOnEarlyStop: cancelOnEarlyStop,
		now:               time.Now,
	}
}

// SetClock overrides the time source. For tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// CreateRequest carries the parameters for creating a session.
type CreateRequest struct {
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	AssetType     string    `json:"asset_type"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	InitialResult string    `json:"initial_result"`
	CreatedBy     string    `json:"created_by"`
}

// Create validates and persists a new PENDING session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Session, error) {
	var problems []string
	if strings.TrimSpace(req.Name) == "" {
		problems = append(problems, "name is required")
	}
	if err := model.ValidateAsset(req.AssetType); err != nil {
		problems = append(problems, err.Error())
	}
	if !req.StartTime.Before(req.EndTime) {
		problems = append(problems, "start_time must be before end_time")
	}
	if req.InitialResult != "" && req.InitialResult != model.CycleWin && req.InitialResult != model.CycleLose {
		problems = append(problems, "initial_result must be WIN, LOSE, or empty")
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s: %w", strings.Join(problems, "; "), apperr.ErrValidation)
	}

	sess := &model.Session{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Description:   req.Description,
		AssetType:     req.AssetType,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		Status:        model.SessionPending,
		InitialResult: req.InitialResult,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     m.now(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Info("session created", "session", sess.ID, "name", sess.Name, "asset", sess.AssetType)
	return sess, nil
}

// Start transitions a PENDING session to ACTIVE, atomically creating its
// sub-markets from the configured spec list and registering each with the
// cycle scheduler. Returns the number of sub-markets created. A failure
// before the session transition leaves the session PENDING with no
// sub-markets behind.
func (m *Manager) Start(ctx context.Context, sessionID string) (int, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Status != model.SessionPending {
		return 0, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, apperr.ErrInvalidState)
	}

	duration := int(sess.Duration() / time.Second)
	var subs []*model.SubMarket
	for _, spec := range m.specs {
		total := duration / spec.TradeDuration
		if total < 1 {
			continue // session shorter than one cycle of this duration
		}
		subs = append(subs, &model.SubMarket{
			ID:            uuid.New().String(),
			SessionID:     sess.ID,
			Name:          fmt.Sprintf("%s %ds", sess.AssetType, spec.TradeDuration),
			TradeDuration: spec.TradeDuration,
			ProfitRate:    spec.ProfitRate,
			TotalCycles:   total,
			Status:        model.SubMarketPending,
			StartTime:     sess.StartTime,
			EndTime:       sess.EndTime,
		})
	}
	if len(subs) == 0 {
		return 0, fmt.Errorf("session window %ds fits no configured trade duration: %w", duration, apperr.ErrValidation)
	}

	// Sub-market generation is a single transaction: a partial failure
	// leaves nothing behind and the session stays PENDING.
	if err := m.store.CreateSubMarkets(ctx, subs); err != nil {
		return 0, fmt.Errorf("create sub-markets: %w", err)
	}

	if err := m.store.UpdateSessionStatus(ctx, sess.ID, model.SessionPending, model.SessionActive, ""); err != nil {
		return 0, err
	}
	sess.Status = model.SessionActive

	for _, sm := range subs {
		if err := m.store.UpdateSubMarketStatus(ctx, sm.ID, model.SubMarketPending, model.SubMarketActive); err != nil {
			slog.Error("sub-market activation failed", "sub_market", sm.ID, "err", err)
			continue
		}
		sm.Status = model.SubMarketActive
		m.scheduler.Register(sm, sess)
	}

	metrics.ActiveSessions.Inc()
	m.publish(settle.Event{Type: settle.EventStatusChanged, Session: sess})

	slog.Info("session started", "session", sess.ID, "sub_markets", len(subs))
	return len(subs), nil
}

// Stop halts an ACTIVE session: unregisters every sub-market timer (a tick
// already in progress completes its settlements), transitions remaining
// ACTIVE sub-markets to STOPPED, and freezes the session's final result.
// The session becomes COMPLETED, or CANCELED when no cycle ever completed
// and the cancel-on-early-stop policy is set.
func (m *Manager) Stop(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, apperr.ErrInvalidState)
	}

	subs, err := m.store.ListSubMarkets(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	anyCycleCompleted := false
	for i := range subs {
		m.scheduler.Unregister(subs[i].ID)

		// Re-read after the timer stopped; the last tick may have advanced it.
		sm, err := m.store.GetSubMarket(ctx, subs[i].ID)
		if err != nil {
			slog.Error("stop: sub-market lookup failed", "sub_market", subs[i].ID, "err", err)
			continue
		}
		if sm.CompletedCycles > 0 {
			anyCycleCompleted = true
		}
		if sm.Status == model.SubMarketActive {
			if err := m.store.UpdateSubMarketStatus(ctx, sm.ID, model.SubMarketActive, model.SubMarketStopped); err != nil {
				slog.Error("stop: sub-market transition failed", "sub_market", sm.ID, "err", err)
			}
		}
	}

	final := model.SessionCompleted
	if m.cancelOnEarlyStop && !anyCycleCompleted {
		final = model.SessionCanceled
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, model.SessionActive, final, sess.InitialResult); err != nil {
		return nil, err
	}
	sess.Status = final
	if sess.InitialResult != "" {
		sess.ActualResult = sess.InitialResult
	}

	metrics.ActiveSessions.Dec()
	m.publish(settle.Event{Type: settle.EventStatusChanged, Session: sess})

	slog.Info("session stopped", "session", sessionID, "final", final)
	return sess, nil
}

// Delete removes a session that is PENDING, COMPLETED, or CANCELED — never
// ACTIVE (stop first).
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == model.SessionActive {
		return fmt.Errorf("session %s is ACTIVE, stop it first: %w", sessionID, apperr.ErrInvalidState)
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	slog.Info("session deleted", "session", sessionID)
	return nil
}

// Get returns a session with its sub-markets.
func (m *Manager) Get(ctx context.Context, sessionID string) (*model.Session, []model.SubMarket, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	subs, err := m.store.ListSubMarkets(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, subs, nil
}

// List returns sessions, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status string) ([]model.Session, error) {
	return m.store.ListSessions(ctx, status)
}

// CurrentCycle returns the in-flight cycle of a sub-market.
func (m *Manager) CurrentCycle(ctx context.Context, subMarketID string) (*model.Cycle, error) {
	sm, err := m.store.GetSubMarket(ctx, subMarketID)
	if err != nil {
		return nil, err
	}
	if sm.Status != model.SubMarketActive {
		return nil, fmt.Errorf("sub-market %s is %s: %w", subMarketID, sm.Status, apperr.ErrInvalidState)
	}

	start, end := sm.CycleWindow(sm.CompletedCycles)
	return &model.Cycle{
		SubMarketID: sm.ID,
		Index:       sm.CompletedCycles,
		StartTime:   start,
		EndTime:     end,
		Result:      model.CyclePending,
	}, nil
}

// CycleHistory returns a page of completed cycles, oldest first. Directive
// results are known for cycles completed by this process; earlier ones
// report PENDING.
func (m *Manager) CycleHistory(ctx context.Context, subMarketID string, page, pageSize int) ([]model.Cycle, int, error) {
	sm, err := m.store.GetSubMarket(ctx, subMarketID)
	if err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	results := m.scheduler.Results(subMarketID)
	resultAt := func(i int) string {
		// Results are recorded for the most recent cycles this process ran.
		offset := sm.CompletedCycles - len(results)
		if i >= offset {
			return results[i-offset]
		}
		return model.CyclePending
	}

	total := sm.CompletedCycles
	first := (page - 1) * pageSize
	cycles := []model.Cycle{}
	for i := first; i < total && i < first+pageSize; i++ {
		start, end := sm.CycleWindow(i)
		cycles = append(cycles, model.Cycle{
			SubMarketID: sm.ID,
			Index:       i,
			StartTime:   start,
			EndTime:     end,
			Result:      resultAt(i),
		})
	}
	return cycles, total, nil
}

func (m *Manager) publish(ev settle.Event) {
	if m.pub != nil {
		m.pub.Publish(ev)
	}
}
