package oracle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bintra/session-engine/internal/apperr"
	"github.com/bintra/session-engine/internal/oracle"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newCached(t *testing.T) (*oracle.CachedOracle, *oracle.StaticOracle, *time.Time) {
	t.Helper()
	upstream := oracle.NewStaticOracle(map[string]decimal.Decimal{"BTC/USDT": d("100")})
	cached := oracle.NewCachedOracle(upstream, time.Second, 2*time.Second, 15*time.Second)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cached.SetClock(func() time.Time { return now })
	return cached, upstream, &now
}

func TestGetPrice_FetchesAndCaches(t *testing.T) {
	cached, upstream, _ := newCached(t)

	q, err := cached.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("100")))

	// A price change within the TTL is not observed: the cache serves.
	upstream.SetPrice("BTC/USDT", d("200"))
	q, err = cached.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("100")))
}

func TestGetPrice_RefetchesAfterTTL(t *testing.T) {
	cached, upstream, now := newCached(t)

	_, err := cached.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	upstream.SetPrice("BTC/USDT", d("200"))
	*now = now.Add(3 * time.Second)

	q, err := cached.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("200")))
}

func TestGetPrice_FallsBackToLastKnownGood(t *testing.T) {
	cached, upstream, now := newCached(t)

	_, err := cached.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	upstream.Fail(errors.New("feed down"))
	*now = now.Add(10 * time.Second) // past TTL, within maxStale

	q, err := cached.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("100")))
}

func TestGetPrice_StaleQuoteNeverServed(t *testing.T) {
	cached, upstream, now := newCached(t)

	_, err := cached.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	upstream.Fail(errors.New("feed down"))
	*now = now.Add(time.Minute) // past maxStale

	_, err = cached.GetPrice(context.Background(), "BTC/USDT")
	assert.ErrorIs(t, err, apperr.ErrStalePrice)
}

func TestGetPrice_NoQuoteAtAll(t *testing.T) {
	cached, upstream, _ := newCached(t)
	upstream.Fail(errors.New("feed down"))

	_, err := cached.GetPrice(context.Background(), "BTC/USDT")
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
}

func TestGetPrice_RecoversAfterOutage(t *testing.T) {
	cached, upstream, now := newCached(t)

	_, err := cached.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	upstream.Fail(errors.New("feed down"))
	*now = now.Add(time.Minute)
	_, err = cached.GetPrice(context.Background(), "BTC/USDT")
	require.ErrorIs(t, err, apperr.ErrStalePrice)

	upstream.Fail(nil)
	upstream.SetPrice("BTC/USDT", d("150"))
	q, err := cached.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("150")))
}

func TestStaticOracle_UnknownSymbol(t *testing.T) {
	upstream := oracle.NewStaticOracle(nil)
	_, err := upstream.GetPrice(context.Background(), "XAUUSD")
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
}
