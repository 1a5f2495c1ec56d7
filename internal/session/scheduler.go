// Scheduler: one repeating timer per active sub-market.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/bintra/session-engine/internal/apperr"
	"github.com/bintra/session-engine/internal/metrics"
	"github.com/bintra/session-engine/internal/model"
	"github.com/bintra/session-engine/internal/oracle"
	"github.com/bintra/session-engine/internal/settle"
	"github.com/bintra/session-engine/internal/store"
)

// tickTimeout bounds the store and oracle work of one cycle tick. A tick in
// flight when its sub-market is unregistered still completes within this.
const tickTimeout = 30 * time.Second

// Scheduler drives repeated fixed-duration cycles for each registered
// sub-market. Timers are keyed by sub-market id and support deterministic
// cancellation and restart-safe re-arming from persisted completedCycles.
type Scheduler struct {
	store   store.Store
	engine  *settle.Engine
	prices  oracle.Oracle
	pub     settle.Publisher
	winProb float64 // probability of a WIN directive when no override is set

	mu      sync.Mutex
	runners map[string]*runner
	results map[string][]string // sub-market id → directive per completed cycle
	rng     *rand.Rand
	wg      sync.WaitGroup
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a cycle scheduler. pub may be nil.
func NewScheduler(st store.Store, engine *settle.Engine, prices oracle.Oracle, pub settle.Publisher, winProb float64) *Scheduler {
	return &Scheduler{
		store:   st,
		engine:  engine,
		prices:  prices,
		pub:     pub,
		winProb: winProb,
		runners: make(map[string]*runner),
		results: make(map[string][]string),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register arms the repeating cycle timer for an ACTIVE sub-market. The
// first boundary is computed from the last completed cycle, so re-arming
// after a restart resumes where the sub-market left off instead of
// restarting from cycle 0.
func (s *Scheduler) Register(sm *model.SubMarket, sess *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runners[sm.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan struct{})}
	s.runners[sm.ID] = r

	smCopy := *sm
	sessCopy := *sess
	s.wg.Add(1)
	metrics.ActiveSubMarkets.Inc()

	go s.run(ctx, r, &smCopy, &sessCopy)

	slog.Info("sub-market registered",
		"sub_market", sm.ID,
		"session", sm.SessionID,
		"trade_duration", sm.TradeDuration,
		"completed", sm.CompletedCycles,
		"total", sm.TotalCycles,
	)
}

// Unregister cancels a sub-market's timer. A cycle tick already in progress
// completes its settlements; no new cycle starts. Blocks until the runner
// has exited.
func (s *Scheduler) Unregister(subMarketID string) {
	s.mu.Lock()
	r, ok := s.runners[subMarketID]
	if ok {
		delete(s.runners, subMarketID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// Recover re-arms every ACTIVE sub-market with remaining cycles. Called once
// on process start.
func (s *Scheduler) Recover(ctx context.Context) error {
	subs, err := s.store.ListActiveSubMarkets(ctx)
	if err != nil {
		return err
	}
	for i := range subs {
		sess, err := s.store.GetSession(ctx, subs[i].SessionID)
		if err != nil {
			slog.Error("recover: session lookup failed", "sub_market", subs[i].ID, "err", err)
			continue
		}
		s.Register(&subs[i], sess)
	}
	if len(subs) > 0 {
		slog.Info("scheduler recovered", "sub_markets", len(subs))
	}
	return nil
}

// Results returns the directives of a sub-market's completed cycles,
// oldest first. Only cycles completed by this process are known.
func (s *Scheduler) Results(subMarketID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.results[subMarketID]))
	copy(out, s.results[subMarketID])
	return out
}

// Shutdown stops every timer and waits for in-flight ticks.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for id, r := range s.runners {
		r.cancel()
		delete(s.runners, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, r *runner, sm *model.SubMarket, sess *model.Session) {
	defer func() {
		s.mu.Lock()
		if cur, ok := s.runners[sm.ID]; ok && cur == r {
			delete(s.runners, sm.ID)
		}
		s.mu.Unlock()
		close(r.done)
		s.wg.Done()
		metrics.ActiveSubMarkets.Dec()
	}()

	period := time.Duration(sm.TradeDuration) * time.Second
	completed := sm.CompletedCycles

	for completed < sm.TotalCycles {
		// Next boundary follows the last completed cycle. After a restart
		// this lands on the first unfinished boundary; an overdue boundary
		// fires immediately.
		boundary := sm.StartTime.Add(time.Duration(completed+1) * period)
		wait := time.Until(boundary)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// The tick runs on its own context so an Unregister mid-tick lets
		// already-triggered settlements finish.
		tickCtx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		newCompleted, ok := s.tick(tickCtx, sm, sess, boundary)
		cancel()
		if !ok {
			return
		}
		completed = newCompleted

		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	if err := s.store.UpdateSubMarketStatus(context.Background(), sm.ID, model.SubMarketActive, model.SubMarketCompleted); err != nil {
		slog.Error("sub-market completion failed", "sub_market", sm.ID, "err", err)
		return
	}
	slog.Info("sub-market completed", "sub_market", sm.ID, "cycles", completed)
}

// tick settles the cycle ending at boundary and advances completedCycles.
// Returns the new completed count and whether the runner should continue.
func (s *Scheduler) tick(ctx context.Context, sm *model.SubMarket, sess *model.Session, boundary time.Time) (int, bool) {
	directive := s.directive(sess)

	// One oracle call per tick; every order due in the window settles at
	// this quote. The window opens at the sub-market start so orders whose
	// settlement failed on an earlier tick are retried here.
	quote, err := s.prices.GetPrice(ctx, sess.AssetType)
	if err != nil {
		slog.Warn("cycle tick: no price, settlements deferred",
			"sub_market", sm.ID, "err", err)
		s.publishError("cycle price unavailable for " + sess.AssetType + ": " + err.Error())
	} else {
		n := s.engine.SettleDue(ctx, sess.ID, sm.StartTime, boundary, quote.Price, directive)
		if n > 0 {
			slog.Info("cycle settled", "sub_market", sm.ID, "orders", n, "directive", directive)
		}
	}

	completed, err := s.store.AdvanceCycle(ctx, sm.ID)
	if err != nil {
		// STOPPED or COMPLETED under us: the runner is done.
		if errors.Is(err, apperr.ErrInvalidState) || errors.Is(err, apperr.ErrNotFound) {
			return completed, false
		}
		slog.Error("advance cycle failed", "sub_market", sm.ID, "err", err)
		return completed, false
	}

	s.mu.Lock()
	s.results[sm.ID] = append(s.results[sm.ID], directive)
	s.mu.Unlock()

	metrics.CycleTicks.WithLabelValues(directive).Inc()
	return completed, true
}

// directive computes the WIN/LOSE directive for a cycle: the session's
// initialResult override when set, otherwise a draw at winProb.
func (s *Scheduler) directive(sess *model.Session) string {
	if sess.InitialResult == model.CycleWin || sess.InitialResult == model.CycleLose {
		return sess.InitialResult
	}

	s.mu.Lock()
	f := s.rng.Float64()
	s.mu.Unlock()

	if f < s.winProb {
		return model.CycleWin
	}
	return model.CycleLose
}

func (s *Scheduler) publishError(msg string) {
	if s.pub != nil && msg != "" {
		s.pub.Publish(settle.Event{Type: settle.EventError, Message: msg})
	}
}
