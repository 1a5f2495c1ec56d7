package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/auth"
	"github.com/bintra/session-engine/internal/balance"
	"github.com/bintra/session-engine/internal/config"
	"github.com/bintra/session-engine/internal/console"
	"github.com/bintra/session-engine/internal/metrics"
	"github.com/bintra/session-engine/internal/oracle"
	"github.com/bintra/session-engine/internal/payout"
	"github.com/bintra/session-engine/internal/risk"
	"github.com/bintra/session-engine/internal/session"
	"github.com/bintra/session-engine/internal/settle"
	"github.com/bintra/session-engine/internal/store"
	"github.com/bintra/session-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	// The static upstream serves development deployments; a production
	// deployment points CachedOracle at a real feed.
	upstream := oracle.NewStaticOracle(map[string]decimal.Decimal{
		"BTC/USDT": decimal.NewFromInt(65000),
		"ETH/USDT": decimal.NewFromInt(3400),
		"EUR/USD":  decimal.RequireFromString("1.0850"),
	})
	slog.Warn("using static price oracle")
	prices := oracle.NewCachedOracle(upstream, cfg.OracleTimeout, cfg.OracleCacheTTL, cfg.OracleMaxStale)

	// --- Payout policy ---
	var policy payout.Policy
	switch cfg.PayoutMode {
	case "range":
		policy, err = payout.NewRangePolicy(cfg.PayoutMin, cfg.PayoutMax, time.Now().UnixNano())
	default:
		policy, err = payout.NewFixedPolicy(cfg.PayoutRate)
	}
	if err != nil {
		slog.Error("payout policy", "err", err)
		os.Exit(1)
	}

	// --- Balances and risk limits ---
	ledger := balance.NewMemoryLedger()
	limiter := risk.NewStakeLimiter(cfg.MaxStakePerAsset, cfg.MaxStakeTotal)

	// --- Settlement engine and distribution hub ---
	// The hub serves operator commands through the engine and the engine
	// broadcasts through the hub, so the publisher is attached second.
	engine := settle.New(st, ledger, prices, policy, limiter, nil, cfg.SettleMaxRetries)
	verifier := auth.NewVerifier(cfg.JWTSecret)
	hub := console.NewHub(engine, st, verifier)
	engine.SetPublisher(hub)

	ctx, stop := context.WithCancel(context.Background())
	go hub.Run(ctx)
	go engine.RunExpirySweeper(ctx, cfg.ExpirySweepInterval)

	// --- Session scheduling ---
	scheduler := session.NewScheduler(st, engine, prices, hub, cfg.WinProbability)
	if err := scheduler.Recover(context.Background()); err != nil {
		slog.Error("scheduler recovery failed", "err", err)
		os.Exit(1)
	}
	manager := session.NewManager(st, scheduler, cfg.SubMarkets, hub, cfg.CancelOnEarlyStop)

	// --- Trade service ---
	tradeSvc := trade.NewService(manager, engine, st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for console cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"session-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Operator console WebSocket. Token is verified before upgrade.
		r.Get("/ws", hub.HandleWS)

		// Public queries and trading.
		r.Get("/sessions", tradeSvc.ListSessions)
		r.Get("/sessions/{sessionID}", tradeSvc.GetSession)
		r.Get("/sub-markets/{subMarketID}/current-cycle", tradeSvc.CurrentCycle)
		r.Get("/sub-markets/{subMarketID}/cycles", tradeSvc.CycleHistory)
		r.Post("/positions", tradeSvc.OpenPosition)
		r.Get("/positions/{orderNumber}", tradeSvc.GetPosition)

		// Session lifecycle. Operator token required.
		r.Group(func(r chi.Router) {
			r.Use(verifier.Middleware)
			r.Post("/sessions", tradeSvc.CreateSession)
			r.Post("/sessions/{sessionID}/start", tradeSvc.StartSession)
			r.Post("/sessions/{sessionID}/stop", tradeSvc.StopSession)
			r.Delete("/sessions/{sessionID}", tradeSvc.DeleteSession)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("session-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop accepting requests, then let in-flight cycle
	// ticks finish before exiting.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down session-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	scheduler.Shutdown()
	fmt.Println("session-engine stopped")
}
