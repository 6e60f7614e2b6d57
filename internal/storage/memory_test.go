package storage

import (
	"context"
	"testing"
	"time"

	"marketpulse/internal/model"
)

func candleAt(symbol string, t time.Time, close float64) model.Candle {
	return model.Candle{
		Symbol:   symbol,
		OpenTime: t,
		Open:     close,
		High:     close,
		Low:      close,
		Close:    close,
		Volume:   100,
	}
}

func TestInsertCandlesSkipsDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	batch := []model.Candle{candleAt("BTCUSDT", ts, 100), candleAt("BTCUSDT", ts.Add(5*time.Minute), 101)}

	n, err := store.InsertCandles(ctx, batch)
	if err != nil {
		t.Fatalf("InsertCandles failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}

	// Re-importing the identical batch must insert nothing.
	n, err = store.InsertCandles(ctx, batch)
	if err != nil {
		t.Fatalf("InsertCandles failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 inserted on re-import, got %d", n)
	}
	if got := store.CandleCount("BTCUSDT"); got != 2 {
		t.Errorf("expected exactly 2 stored rows, got %d", got)
	}
}

func TestUpsertInstrumentUpdatesExisting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.UpsertInstrument(ctx, model.Instrument{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"}); err != nil {
		t.Fatalf("UpsertInstrument failed: %v", err)
	}
	if err := store.UpsertInstrument(ctx, model.Instrument{Symbol: "BTCUSDT", BaseAsset: "XBT", QuoteAsset: "USDT"}); err != nil {
		t.Fatalf("UpsertInstrument failed: %v", err)
	}

	active, err := store.ActiveInstruments(ctx)
	if err != nil {
		t.Fatalf("ActiveInstruments failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected single instrument, got %d", len(active))
	}
	if active[0].BaseAsset != "XBT" || !active[0].IsActive {
		t.Errorf("upsert did not update in place: %+v", active[0])
	}
}

func TestPricePointsReferenceFallback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// ETH has history spanning the cutoff, BTC only has recent data.
	store.InsertCandles(ctx, []model.Candle{
		candleAt("ETHUSDT", now.Add(-2*time.Hour), 2000),
		candleAt("ETHUSDT", now, 2200),
		candleAt("BTCUSDT", now, 100000),
	})

	points, err := store.PricePoints(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PricePoints failed: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}

	bySymbol := map[string]model.PricePoint{}
	for _, p := range points {
		bySymbol[p.Symbol] = p
	}

	eth := bySymbol["ETHUSDT"]
	if eth.CurrentPrice != 2200 || eth.ReferencePrice != 2000 {
		t.Errorf("unexpected ETH point: %+v", eth)
	}

	// No candle at or before the cutoff: reference falls back to current.
	btc := bySymbol["BTCUSDT"]
	if btc.ReferencePrice != btc.CurrentPrice {
		t.Errorf("expected reference fallback to current price: %+v", btc)
	}
}

func TestPricePointsEmptyStore(t *testing.T) {
	store := NewMemoryStore()
	points, err := store.PricePoints(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("PricePoints failed: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("expected no points from empty store, got %d", len(points))
	}
}
