// Package trade provides the HTTP handlers for session lifecycle
// management, cycle queries, and opening positions.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/apperr"
	"github.com/bintra/session-engine/internal/auth"
	"github.com/bintra/session-engine/internal/model"
	"github.com/bintra/session-engine/internal/session"
	"github.com/bintra/session-engine/internal/settle"
	"github.com/bintra/session-engine/internal/store"
)

// Service handles session and position operations over HTTP.
type Service struct {
	manager *session.Manager
	engine  *settle.Engine
	store   store.Store
}

// NewService creates a new trade service.
func NewService(manager *session.Manager, engine *settle.Engine, st store.Store) *Service {
	return &Service{manager: manager, engine: engine, store: st}
}

// --- Request/Response types ---

// SessionDetail is the session snapshot returned from GET /sessions/{id}.
type SessionDetail struct {
	Session    *model.Session    `json:"session"`
	SubMarkets []model.SubMarket `json:"sub_markets"`
}

// StartResponse reports how many sub-markets a session start produced.
type StartResponse struct {
	Session    *model.Session `json:"session"`
	SubMarkets int            `json:"sub_markets"`
}

// CycleHistoryResponse is one page of completed cycles.
type CycleHistoryResponse struct {
	Cycles   []model.Cycle `json:"cycles"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int           `json:"total"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	UserID          string          `json:"user_id"`
	AssetType       string          `json:"asset_type"`
	Direction       string          `json:"direction"` // "CALL" or "PUT"
	Duration        int             `json:"duration"`  // seconds
	InvestAmount    decimal.Decimal `json:"invest_amount"`
	AccountType     string          `json:"account_type"` // "DEMO" or "REAL"
	IsManaged       bool            `json:"is_managed"`
	MarketSessionID string          `json:"market_session_id"`
	ReturnRate      decimal.Decimal `json:"return_rate"`
	Spread          decimal.Decimal `json:"spread"`
}

// --- Session handlers ---

// CreateSession handles POST /api/v1/sessions
func (s *Service) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.manager.Create(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}

	slog.Info("session created", "session_id", sess.ID, "asset", sess.AssetType, "admin_id", auth.AdminID(r.Context()))
	writeJSON(w, http.StatusCreated, sess)
}

// ListSessions handles GET /api/v1/sessions
// Optional ?status=ACTIVE filter.
func (s *Service) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, subs, err := s.manager.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if subs == nil {
		subs = []model.SubMarket{}
	}
	writeJSON(w, http.StatusOK, SessionDetail{Session: sess, SubMarkets: subs})
}

// StartSession handles POST /api/v1/sessions/{sessionID}/start
func (s *Service) StartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	n, err := s.manager.Start(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	sess, _, err := s.manager.Get(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	slog.Info("session started", "session_id", sessionID, "sub_markets", n, "admin_id", auth.AdminID(r.Context()))
	writeJSON(w, http.StatusOK, StartResponse{Session: sess, SubMarkets: n})
}

// StopSession handles POST /api/v1/sessions/{sessionID}/stop
func (s *Service) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.manager.Stop(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	slog.Info("session stopped", "session_id", sessionID, "final_status", sess.Status, "admin_id", auth.AdminID(r.Context()))
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/v1/sessions/{sessionID}
func (s *Service) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.manager.Delete(r.Context(), sessionID); err != nil {
		writeAppError(w, err)
		return
	}

	slog.Info("session deleted", "session_id", sessionID, "admin_id", auth.AdminID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// --- Sub-market cycle handlers ---

// CurrentCycle handles GET /api/v1/sub-markets/{subMarketID}/current-cycle
func (s *Service) CurrentCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.manager.CurrentCycle(r.Context(), chi.URLParam(r, "subMarketID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}

// CycleHistory handles GET /api/v1/sub-markets/{subMarketID}/cycles
// Paginated with ?page= and ?page_size=.
func (s *Service) CycleHistory(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	cycles, total, err := s.manager.CycleHistory(r.Context(), chi.URLParam(r, "subMarketID"), page, pageSize)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if cycles == nil {
		cycles = []model.Cycle{}
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	writeJSON(w, http.StatusOK, CycleHistoryResponse{Cycles: cycles, Page: page, PageSize: pageSize, Total: total})
}

// --- Position handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.engine.Open(r.Context(), settle.OpenRequest{
		UserID:          req.UserID,
		AssetType:       req.AssetType,
		Direction:       req.Direction,
		Duration:        req.Duration,
		InvestAmount:    req.InvestAmount,
		AccountType:     req.AccountType,
		IsManaged:       req.IsManaged,
		MarketSessionID: req.MarketSessionID,
		ReturnRate:      req.ReturnRate,
		Spread:          req.Spread,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// GetPosition handles GET /api/v1/positions/{orderNumber}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPosition(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeAppError maps domain errors to HTTP status codes.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apperr.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperr.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, apperr.ErrUnauthorized):
		writeError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, apperr.ErrStalePrice), errors.Is(err, apperr.ErrUnavailable):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("internal error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
