package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/auth"
	"github.com/bintra/session-engine/internal/balance"
	"github.com/bintra/session-engine/internal/model"
	"github.com/bintra/session-engine/internal/oracle"
	"github.com/bintra/session-engine/internal/payout"
	"github.com/bintra/session-engine/internal/risk"
	"github.com/bintra/session-engine/internal/session"
	"github.com/bintra/session-engine/internal/settle"
	"github.com/bintra/session-engine/internal/store"
	"github.com/bintra/session-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	router chi.Router
	store  *store.MemoryStore
	ledger *balance.MemoryLedger
	token  string
}

// newTestEnv wires a Service over in-memory collaborators with the same
// route layout as the server.
func newTestEnv(t *testing.T) *env {
	t.Helper()

	ms := store.NewMemoryStore()
	ledger := balance.NewMemoryLedger()
	prices := oracle.NewStaticOracle(map[string]decimal.Decimal{"BTC/USDT": d("100")})
	policy, err := payout.NewFixedPolicy(d("0.85"))
	if err != nil {
		t.Fatalf("payout policy: %v", err)
	}
	limiter := risk.NewStakeLimiter(d("10000"), d("50000"))
	engine := settle.New(ms, ledger, prices, policy, limiter, nil, 1)

	sched := session.NewScheduler(ms, engine, prices, nil, 0.5)
	t.Cleanup(sched.Shutdown)
	specs := []model.SubMarketSpec{{TradeDuration: 60, ProfitRate: d("0.85")}}
	manager := session.NewManager(ms, sched, specs, nil, false)

	svc := trade.NewService(manager, engine, ms)
	verifier := auth.NewVerifier("test-secret")
	token, err := verifier.Issue("admin-7", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", svc.ListSessions)
		r.Get("/sessions/{sessionID}", svc.GetSession)
		r.Get("/sub-markets/{subMarketID}/current-cycle", svc.CurrentCycle)
		r.Get("/sub-markets/{subMarketID}/cycles", svc.CycleHistory)
		r.Post("/positions", svc.OpenPosition)
		r.Get("/positions/{orderNumber}", svc.GetPosition)

		r.Group(func(r chi.Router) {
			r.Use(verifier.Middleware)
			r.Post("/sessions", svc.CreateSession)
			r.Post("/sessions/{sessionID}/start", svc.StartSession)
			r.Post("/sessions/{sessionID}/stop", svc.StopSession)
			r.Delete("/sessions/{sessionID}", svc.DeleteSession)
		})
	})

	return &env{router: r, store: ms, ledger: ledger, token: token}
}

func (e *env) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func createSessionReq(start time.Time) session.CreateRequest {
	return session.CreateRequest{
		Name:      "morning btc",
		AssetType: "BTC/USDT",
		StartTime: start,
		EndTime:   start.Add(10 * time.Minute),
	}
}

func (e *env) createAndStart(t *testing.T) (string, string) {
	t.Helper()

	w := e.do(t, "POST", "/api/v1/sessions", createSessionReq(time.Now().Add(time.Hour)), true)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", w.Code, w.Body.String())
	}
	var sess model.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	w = e.do(t, "POST", "/api/v1/sessions/"+sess.ID+"/start", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("start: status %d: %s", w.Code, w.Body.String())
	}

	subs, err := e.store.ListSubMarkets(context.Background(), sess.ID)
	if err != nil || len(subs) == 0 {
		t.Fatalf("list sub-markets: %v (%d)", err, len(subs))
	}
	return sess.ID, subs[0].ID
}

// --- Session lifecycle over HTTP ---

func TestCreateSession_RequiresToken(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/sessions", createSessionReq(time.Now().Add(time.Hour)), false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	e := newTestEnv(t)

	req := createSessionReq(time.Now().Add(time.Hour))
	req.Name = ""
	w := e.do(t, "POST", "/api/v1/sessions", req, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSessionLifecycle_EndToEnd(t *testing.T) {
	e := newTestEnv(t)
	sessionID, subMarketID := e.createAndStart(t)

	// Detail shows the generated sub-market.
	w := e.do(t, "GET", "/api/v1/sessions/"+sessionID, nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	var detail trade.SessionDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Session.Status != model.SessionActive || len(detail.SubMarkets) != 1 {
		t.Errorf("unexpected detail: %+v", detail)
	}

	// Current cycle of the active sub-market.
	w = e.do(t, "GET", "/api/v1/sub-markets/"+subMarketID+"/current-cycle", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("current-cycle: status %d: %s", w.Code, w.Body.String())
	}
	var cycle model.Cycle
	if err := json.Unmarshal(w.Body.Bytes(), &cycle); err != nil {
		t.Fatalf("decode cycle: %v", err)
	}
	if cycle.Index != 0 || cycle.Result != model.CyclePending {
		t.Errorf("unexpected cycle: %+v", cycle)
	}

	// Double start conflicts.
	w = e.do(t, "POST", "/api/v1/sessions/"+sessionID+"/start", nil, true)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on second start, got %d", w.Code)
	}

	// Delete while active conflicts; stop then delete succeeds.
	w = e.do(t, "DELETE", "/api/v1/sessions/"+sessionID, nil, true)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on delete of active session, got %d", w.Code)
	}
	w = e.do(t, "POST", "/api/v1/sessions/"+sessionID+"/stop", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: status %d: %s", w.Code, w.Body.String())
	}
	w = e.do(t, "DELETE", "/api/v1/sessions/"+sessionID, nil, true)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	w = e.do(t, "GET", "/api/v1/sessions/"+sessionID, nil, false)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestListSessions_FiltersByStatus(t *testing.T) {
	e := newTestEnv(t)
	e.createAndStart(t)

	w := e.do(t, "GET", "/api/v1/sessions?status=ACTIVE", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d", w.Code)
	}
	var active []model.Session
	if err := json.Unmarshal(w.Body.Bytes(), &active); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("expected 1 active session, got %d", len(active))
	}

	w = e.do(t, "GET", "/api/v1/sessions?status=COMPLETED", nil, false)
	var completed []model.Session
	if err := json.Unmarshal(w.Body.Bytes(), &completed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(completed) != 0 {
		t.Errorf("expected no completed sessions, got %d", len(completed))
	}
}

// --- Positions over HTTP ---

func TestOpenPosition_DebitsAndReturnsOrder(t *testing.T) {
	e := newTestEnv(t)
	e.ledger.Fund("user1", model.AccountReal, d("1000"))

	w := e.do(t, "POST", "/api/v1/positions", trade.OpenPositionRequest{
		UserID:       "user1",
		AssetType:    "BTC/USDT",
		Direction:    model.DirectionCall,
		Duration:     60,
		InvestAmount: d("100"),
		AccountType:  model.AccountReal,
	}, false)
	if w.Code != http.StatusCreated {
		t.Fatalf("open: status %d: %s", w.Code, w.Body.String())
	}

	var p model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != model.PositionPending || p.OrderNumber == "" {
		t.Errorf("unexpected position: %+v", p)
	}
	if !e.ledger.Balance("user1", model.AccountReal).Equal(d("900")) {
		t.Errorf("stake not debited: %s", e.ledger.Balance("user1", model.AccountReal))
	}

	w = e.do(t, "GET", "/api/v1/positions/"+p.OrderNumber, nil, false)
	if w.Code != http.StatusOK {
		t.Errorf("get position: status %d", w.Code)
	}
}

func TestOpenPosition_InsufficientFunds(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/positions", trade.OpenPositionRequest{
		UserID:       "user1",
		AssetType:    "BTC/USDT",
		Direction:    model.DirectionCall,
		Duration:     60,
		InvestAmount: d("100"),
		AccountType:  model.AccountReal,
	}, false)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpenPosition_BadBody(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/positions", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetPosition_NotFound(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "GET", "/api/v1/positions/ORD-NOPE", nil, false)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
