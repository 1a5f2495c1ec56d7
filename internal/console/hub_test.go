package console_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bintra/session-engine/internal/auth"
	"github.com/bintra/session-engine/internal/balance"
	"github.com/bintra/session-engine/internal/console"
	"github.com/bintra/session-engine/internal/metrics"
	"github.com/bintra/session-engine/internal/model"
	"github.com/bintra/session-engine/internal/oracle"
	"github.com/bintra/session-engine/internal/payout"
	"github.com/bintra/session-engine/internal/risk"
	"github.com/bintra/session-engine/internal/settle"
	"github.com/bintra/session-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type hubEnv struct {
	engine *settle.Engine
	hub    *console.Hub
	ledger *balance.MemoryLedger
	server *httptest.Server
	token  string
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()

	ms := store.NewMemoryStore()
	ledger := balance.NewMemoryLedger()
	ledger.Fund("user1", model.AccountReal, d("1000"))
	prices := oracle.NewStaticOracle(map[string]decimal.Decimal{"BTC/USDT": d("100")})
	policy, err := payout.NewFixedPolicy(d("0.85"))
	require.NoError(t, err)
	limiter := risk.NewStakeLimiter(d("10000"), d("50000"))
	engine := settle.New(ms, ledger, prices, policy, limiter, nil, 1)

	verifier := auth.NewVerifier("test-secret")
	hub := console.NewHub(engine, ms, verifier)
	engine.SetPublisher(hub)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	token, err := verifier.Issue("admin-7", time.Minute)
	require.NoError(t, err)

	return &hubEnv{engine: engine, hub: hub, ledger: ledger, server: srv, token: token}
}

func (e *hubEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "?token=" + e.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *hubEnv) openPosition(t *testing.T) *model.Position {
	t.Helper()
	p, err := e.engine.Open(context.Background(), settle.OpenRequest{
		UserID:       "user1",
		AssetType:    "BTC/USDT",
		Direction:    model.DirectionCall,
		Duration:     60,
		InvestAmount: d("100"),
		AccountType:  model.AccountReal,
		ReturnRate:   d("0.85"),
	})
	require.NoError(t, err)
	return p
}

// readUntil reads frames until one of the wanted type arrives. Frames of
// other types are collected and returned alongside.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) (json.RawMessage, []string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var seen []string
	for i := 0; i < 10; i++ {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "reading frame while waiting for %q", wantType)

		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		if head.Type == wantType {
			return data, seen
		}
		seen = append(seen, head.Type)
	}
	t.Fatalf("no %q frame after 10 reads (saw %v)", wantType, seen)
	return nil, nil
}

func send(t *testing.T, conn *websocket.Conn, cmd console.Command) {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHandleWS_RejectsMissingToken(t *testing.T) {
	env := newHubEnv(t)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribe_DeliversSnapshotThenAck(t *testing.T) {
	env := newHubEnv(t)
	p := env.openPosition(t)

	conn := env.dial(t)
	send(t, conn, console.Command{ID: "cmd-1", Action: console.ActionSubscribe})

	raw, _ := readUntil(t, conn, "initial-data")
	var snapshot console.InitialData
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	require.Len(t, snapshot.Transactions, 1)
	assert.Equal(t, p.OrderNumber, snapshot.Transactions[0].OrderNumber)

	raw, _ = readUntil(t, conn, "ack")
	var ack console.Ack
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.Equal(t, "cmd-1", ack.ID)
	assert.True(t, ack.Success)
}

func TestForceSettle_AcksAndBroadcasts(t *testing.T) {
	env := newHubEnv(t)
	p := env.openPosition(t)

	conn := env.dial(t)
	price := d("110")
	send(t, conn, console.Command{
		ID:              "cmd-2",
		Action:          console.ActionForceSettle,
		OrderID:         p.OrderNumber,
		SettlementPrice: &price,
	})

	raw, seen := readUntil(t, conn, "ack")
	var ack console.Ack
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.True(t, ack.Success)
	require.NotNil(t, ack.Transaction)
	assert.Equal(t, model.PositionSettled, ack.Transaction.Status)
	assert.Equal(t, "admin-7", ack.Transaction.SettledBy)

	// The issuing console always hears its acknowledgement first; the
	// state change follows on the broadcast stream.
	assert.NotContains(t, seen, settle.EventTransactionUpdated,
		"broadcast must not overtake the ack")
	raw, _ = readUntil(t, conn, settle.EventTransactionUpdated)
	var ev settle.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	require.NotNil(t, ev.Position)
	assert.Equal(t, p.OrderNumber, ev.Position.OrderNumber)
}

func TestForceSettle_RequiresPrice(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t)

	send(t, conn, console.Command{ID: "cmd-3", Action: console.ActionForceSettle, OrderID: "ORD-X"})

	raw, _ := readUntil(t, conn, "ack")
	var ack console.Ack
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Error, "settlement_price")
}

func TestCancel_UnknownOrderAcksNotFound(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t)

	send(t, conn, console.Command{ID: "cmd-4", Action: console.ActionCancel, OrderID: "ORD-NOPE"})

	raw, _ := readUntil(t, conn, "ack")
	var ack console.Ack
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Error, "not found")
}

func TestUnknownAction_Acked(t *testing.T) {
	env := newHubEnv(t)
	conn := env.dial(t)

	send(t, conn, console.Command{ID: "cmd-5", Action: "reboot"})

	raw, _ := readUntil(t, conn, "ack")
	var ack console.Ack
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Error, "unknown action")
}

func TestEdit_TogglesManagedFlag(t *testing.T) {
	env := newHubEnv(t)
	p := env.openPosition(t)

	conn := env.dial(t)
	managed := true
	send(t, conn, console.Command{
		ID:      "cmd-6",
		Action:  console.ActionEdit,
		OrderID: p.OrderNumber,
		Updates: &console.CommandUpdates{IsManaged: &managed},
	})

	raw, _ := readUntil(t, conn, "ack")
	var ack console.Ack
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.True(t, ack.Success)
	require.NotNil(t, ack.Transaction)
	assert.True(t, ack.Transaction.IsManaged)
}

// The wired server mounts the console route behind the metrics middleware,
// whose response writer must keep supporting connection hijack for the
// upgrade to succeed.
func TestHandleWS_UpgradesBehindMetricsMiddleware(t *testing.T) {
	env := newHubEnv(t)
	p := env.openPosition(t)

	srv := httptest.NewServer(metrics.Middleware(http.HandlerFunc(env.hub.HandleWS)))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	send(t, conn, console.Command{ID: "cmd-7", Action: console.ActionSubscribe})

	raw, _ := readUntil(t, conn, "initial-data")
	var snapshot console.InitialData
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	require.Len(t, snapshot.Transactions, 1)
	assert.Equal(t, p.OrderNumber, snapshot.Transactions[0].OrderNumber)
}
