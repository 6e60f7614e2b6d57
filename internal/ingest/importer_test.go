package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketpulse/config"
	"marketpulse/internal/model"
	"marketpulse/internal/storage"
	"marketpulse/internal/upstream"
)

// fakeClient implements MarketClient with canned data and call tracking.
type fakeClient struct {
	mu            sync.Mutex
	listing       []upstream.InstrumentInfo
	listErr       error
	candles       map[string][]model.Candle
	fetchErr      map[string]error
	fetchCalls    int
	inFlight      int
	maxInFlight   int
}

func (f *fakeClient) ListInstruments(_ context.Context) ([]upstream.InstrumentInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listing, nil
}

func (f *fakeClient) FetchCandles(_ context.Context, symbol, _ string, _ int) ([]model.Candle, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	// Hold the slot briefly so concurrent fetches overlap measurably.
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err, ok := f.fetchErr[symbol]; ok {
		return nil, err
	}
	return f.candles[symbol], nil
}

func seedInstruments(t *testing.T, store storage.Store, symbols ...string) {
	t.Helper()
	for _, s := range symbols {
		if err := store.UpsertInstrument(context.Background(), model.Instrument{
			Symbol: s, BaseAsset: s[:3], QuoteAsset: "USDT",
		}); err != nil {
			t.Fatalf("seed instrument %s: %v", s, err)
		}
	}
}

func newTestImporter(client MarketClient, store storage.Store, chunkSize int) (*Importer, *int) {
	imp := NewImporter(client, store, config.ImporterConfig{
		ChunkSize:   chunkSize,
		ChunkDelay:  time.Second,
		CandleLimit: 100,
	})
	sleeps := 0
	imp.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}
	return imp, &sleeps
}

func TestImportCandlesChunking(t *testing.T) {
	store := storage.NewMemoryStore()
	symbols := []string{
		"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT",
		"FFFUSDT", "GGGUSDT", "HHHUSDT", "IIIUSDT", "JJJUSDT",
		"KKKUSDT", "LLLUSDT",
	}
	seedInstruments(t, store, symbols...)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make(map[string][]model.Candle, len(symbols))
	for _, s := range symbols {
		candles[s] = []model.Candle{{Symbol: s, OpenTime: ts, Close: 1, Volume: 1}}
	}
	client := &fakeClient{candles: candles}

	imp, sleeps := newTestImporter(client, store, 5)
	result, err := imp.ImportCandles(context.Background(), "5m")
	if err != nil {
		t.Fatalf("ImportCandles failed: %v", err)
	}

	// 12 instruments at chunk size 5: three waves, two inter-wave delays.
	if client.fetchCalls != len(symbols) {
		t.Errorf("expected %d fetches, got %d", len(symbols), client.fetchCalls)
	}
	if *sleeps != 2 {
		t.Errorf("expected 2 inter-chunk delays, got %d", *sleeps)
	}
	if client.maxInFlight > 5 {
		t.Errorf("concurrency exceeded chunk size: %d", client.maxInFlight)
	}
	if result.Imported != len(symbols) {
		t.Errorf("expected %d imported, got %d", len(symbols), result.Imported)
	}
	if result.Errors != 0 {
		t.Errorf("expected no errors, got %d", result.Errors)
	}
}

func TestImportCandlesSingleChunkNoDelay(t *testing.T) {
	store := storage.NewMemoryStore()
	seedInstruments(t, store, "AAAUSDT", "BBBUSDT")

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{candles: map[string][]model.Candle{
		"AAAUSDT": {{Symbol: "AAAUSDT", OpenTime: ts, Close: 1}},
		"BBBUSDT": {{Symbol: "BBBUSDT", OpenTime: ts, Close: 2}},
	}}

	imp, sleeps := newTestImporter(client, store, 10)
	if _, err := imp.ImportCandles(context.Background(), "5m"); err != nil {
		t.Fatalf("ImportCandles failed: %v", err)
	}
	if *sleeps != 0 {
		t.Errorf("expected no delay when everything fits one chunk, got %d", *sleeps)
	}
}

func TestImportCandlesIsolatesInstrumentFailures(t *testing.T) {
	store := storage.NewMemoryStore()
	seedInstruments(t, store, "AAAUSDT", "BADUSDT", "CCCUSDT")

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{
		candles: map[string][]model.Candle{
			"AAAUSDT": {{Symbol: "AAAUSDT", OpenTime: ts, Close: 1}},
			"CCCUSDT": {{Symbol: "CCCUSDT", OpenTime: ts, Close: 3}},
		},
		fetchErr: map[string]error{
			"BADUSDT": &upstream.UpstreamError{Op: "klines", Symbol: "BADUSDT", Err: errors.New("timeout")},
		},
	}

	imp, _ := newTestImporter(client, store, 10)
	result, err := imp.ImportCandles(context.Background(), "5m")
	if err != nil {
		t.Fatalf("ImportCandles failed: %v", err)
	}
	if result.Errors != 1 {
		t.Errorf("expected 1 error, got %d", result.Errors)
	}
	if result.Imported != 2 {
		t.Errorf("expected 2 imported despite one failure, got %d", result.Imported)
	}
}

func TestImportCandlesDuplicateSkip(t *testing.T) {
	store := storage.NewMemoryStore()
	seedInstruments(t, store, "AAAUSDT")

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{candles: map[string][]model.Candle{
		"AAAUSDT": {{Symbol: "AAAUSDT", OpenTime: ts, Close: 1}},
	}}

	imp, _ := newTestImporter(client, store, 10)
	first, err := imp.ImportCandles(context.Background(), "5m")
	if err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	if first.Imported != 1 {
		t.Fatalf("expected 1 imported, got %d", first.Imported)
	}

	second, err := imp.ImportCandles(context.Background(), "5m")
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if second.Imported != 0 {
		t.Errorf("re-import of identical candles should insert nothing, got %d", second.Imported)
	}
	if got := store.CandleCount("AAAUSDT"); got != 1 {
		t.Errorf("expected exactly one stored row, got %d", got)
	}
}
