package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/config"
	"marketpulse/internal/cache"
	"marketpulse/internal/model"
	"marketpulse/internal/storage"
)

func TestPeriodToMinutes(t *testing.T) {
	cases := map[string]int{
		"240":     240,
		"4h":      240,
		"15m":     15,
		"1d":      1440,
		"garbage": 60,
		"":        60,
		"0":       60,
		"12x":     60,
	}
	for input, want := range cases {
		assert.Equal(t, want, PeriodToMinutes(input), "input %q", input)
	}
}

func TestFormatPeriodLabel(t *testing.T) {
	assert.Equal(t, "15m", formatPeriodLabel(15))
	assert.Equal(t, "4h", formatPeriodLabel(240))
	assert.Equal(t, "1.5h", formatPeriodLabel(90))
	assert.Equal(t, "1d", formatPeriodLabel(1440))
}

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore, *cache.MemoryCache) {
	t.Helper()
	store := storage.NewMemoryStore()
	memCache := cache.NewMemoryCache()
	engine := NewEngine(store, memCache, config.AnalysisConfig{
		QuoteAsset:  "USDT",
		WarmWindows: []int{15, 60},
		TopSize:     50,
	}, 300*time.Second)
	return engine, store, memCache
}

func seedPair(t *testing.T, store *storage.MemoryStore, symbol string, now time.Time, reference, current float64) {
	t.Helper()
	_, err := store.InsertCandles(context.Background(), []model.Candle{
		{Symbol: symbol, OpenTime: now.Add(-5 * time.Hour), Close: reference, Volume: 10},
		{Symbol: symbol, OpenTime: now, Close: current, Volume: 20},
	})
	require.NoError(t, err)
}

func TestComputeRankingChangePercent(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	seedPair(t, store, "UPUPUSDT", now, 100, 110)
	seedPair(t, store, "FLATUSDT", now, 0, 50)
	seedPair(t, store, "DOWNUSDT", now, 200, 150)

	ranking, err := engine.ComputeRanking(context.Background(), 240)
	require.NoError(t, err)
	require.NotNil(t, ranking)

	assert.Equal(t, 240, ranking.Period)
	assert.Equal(t, "4h", ranking.PeriodLabel)
	assert.Equal(t, 3, ranking.Total)

	require.Len(t, ranking.Gainers, 1)
	assert.Equal(t, "UPUPUSDT", ranking.Gainers[0].Symbol)
	assert.InDelta(t, 10.0, ranking.Gainers[0].ChangePercent, 1e-9)

	require.Len(t, ranking.Losers, 1)
	assert.Equal(t, "DOWNUSDT", ranking.Losers[0].Symbol)
	assert.InDelta(t, -25.0, ranking.Losers[0].ChangePercent, 1e-9)
}

func TestComputeRankingZeroReference(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	seedPair(t, store, "ZEROUSDT", now, 0, 42)

	ranking, err := engine.ComputeRanking(context.Background(), 240)
	require.NoError(t, err)
	require.NotNil(t, ranking)

	// Zero reference yields zero change: neither gainer nor loser.
	assert.Empty(t, ranking.Gainers)
	assert.Empty(t, ranking.Losers)
	assert.Equal(t, 1, ranking.Total)
}

func TestComputeRankingExcludesNonPositivePrices(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	seedPair(t, store, "DEADUSDT", now, 10, 0)

	ranking, err := engine.ComputeRanking(context.Background(), 240)
	require.NoError(t, err)
	assert.Nil(t, ranking, "all rows excluded should read as no data")
}

func TestComputeRankingOrderingAndCap(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	// 60 gainers with distinct changes and 60 losers likewise.
	for i := 0; i < 60; i++ {
		seedPair(t, store, fmt.Sprintf("G%02dUSDT", i), now, 100, 101+float64(i))
		seedPair(t, store, fmt.Sprintf("L%02dUSDT", i), now, 100, 99-float64(i))
	}

	ranking, err := engine.ComputeRanking(context.Background(), 240)
	require.NoError(t, err)
	require.NotNil(t, ranking)

	assert.Len(t, ranking.Gainers, 50)
	assert.Len(t, ranking.Losers, 50)
	assert.Equal(t, 120, ranking.Total)

	for i := 1; i < len(ranking.Gainers); i++ {
		assert.GreaterOrEqual(t, ranking.Gainers[i-1].ChangePercent, ranking.Gainers[i].ChangePercent,
			"gainers must be non-increasing")
	}
	for i := 1; i < len(ranking.Losers); i++ {
		assert.LessOrEqual(t, ranking.Losers[i-1].ChangePercent, ranking.Losers[i].ChangePercent,
			"losers must be non-decreasing (most negative first)")
	}
}

func TestComputeRankingEmptyStore(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	ranking, err := engine.ComputeRanking(context.Background(), 240)
	require.NoError(t, err)
	assert.Nil(t, ranking)
}

func TestGetRankingCacheAside(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	seedPair(t, store, "BTCUSDT", now, 100, 110)

	first, err := engine.GetRanking(context.Background(), 240)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.EqualValues(t, 1, engine.Computations())

	second, err := engine.GetRanking(context.Background(), 240)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.EqualValues(t, 1, engine.Computations(), "second call within TTL must not recompute")
	assert.Equal(t, first, second)
}

func TestGetRankingDistinctWindowsComputeSeparately(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	seedPair(t, store, "BTCUSDT", now, 100, 110)

	_, err := engine.GetRanking(context.Background(), 60)
	require.NoError(t, err)
	_, err = engine.GetRanking(context.Background(), 240)
	require.NoError(t, err)
	assert.EqualValues(t, 2, engine.Computations())
}

// writeFailCache fails every write but serves reads normally.
type writeFailCache struct {
	*cache.MemoryCache
}

func (c *writeFailCache) SetWithTTL(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis gone")
}

func TestGetRankingServesResultWhenCacheWriteFails(t *testing.T) {
	store := storage.NewMemoryStore()
	engine := NewEngine(store, &writeFailCache{cache.NewMemoryCache()}, config.AnalysisConfig{
		WarmWindows: []int{60},
		TopSize:     50,
	}, 300*time.Second)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	seedPair(t, store, "BTCUSDT", now, 100, 110)

	ranking, err := engine.GetRanking(context.Background(), 240)
	require.NoError(t, err, "cache write failure must not fail the read")
	require.NotNil(t, ranking)
}

func TestWarmCachePopulatesAllWindows(t *testing.T) {
	engine, store, memCache := newTestEngine(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	seedPair(t, store, "BTCUSDT", now, 100, 110)

	engine.WarmCache(context.Background())
	assert.EqualValues(t, 2, engine.Computations())

	for _, window := range []int{15, 60} {
		_, err := memCache.Get(context.Background(), fmt.Sprintf("market:rank:%d", window))
		assert.NoError(t, err, "window %d should be cached", window)
	}

	// Serving a warmed window is a pure cache hit.
	before := engine.Computations()
	_, err := engine.GetRanking(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, before, engine.Computations())
}
