package model

import (
	"testing"
	"time"
)

func TestValidateAsset(t *testing.T) {
	valid := []string{"BTC/USDT", "ETH-USD", "XAUUSD", "EUR/USD", "US30"}
	for _, s := range valid {
		if err := ValidateAsset(s); err != nil {
			t.Errorf("%q: expected valid, got %v", s, err)
		}
	}

	invalid := []string{"", "btc/usdt", "BTC USDT", "B", "BTC/USDT/EUR", "BTC_USDT", "VERYLONGSYMBOLNAME/USDT"}
	for _, s := range invalid {
		if err := ValidateAsset(s); err == nil {
			t.Errorf("%q: expected invalid", s)
		}
	}
}

func TestCycleWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sm := &SubMarket{TradeDuration: 60, StartTime: start}

	from, to := sm.CycleWindow(0)
	if !from.Equal(start) || !to.Equal(start.Add(time.Minute)) {
		t.Errorf("cycle 0: got %v .. %v", from, to)
	}

	from, to = sm.CycleWindow(5)
	if !from.Equal(start.Add(5*time.Minute)) || !to.Equal(start.Add(6*time.Minute)) {
		t.Errorf("cycle 5: got %v .. %v", from, to)
	}
}

func TestDirectionSign(t *testing.T) {
	if (&Position{Direction: DirectionCall}).DirectionSign() != 1 {
		t.Error("CALL must be +1")
	}
	if (&Position{Direction: DirectionPut}).DirectionSign() != -1 {
		t.Error("PUT must be -1")
	}
}

func TestSessionDuration(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{StartTime: start, EndTime: start.Add(10 * time.Minute)}
	if s.Duration() != 10*time.Minute {
		t.Errorf("got %v", s.Duration())
	}
}
