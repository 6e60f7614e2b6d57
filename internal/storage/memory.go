package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketpulse/internal/model"
)

// MemoryStore is an in-process Store used by tests and local development.
// It mirrors the duplicate-skip and reference-fallback semantics of the
// postgres implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]model.Instrument
	candles     map[string]map[int64]model.Candle // symbol -> open_time (unix ms) -> candle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]model.Instrument),
		candles:     make(map[string]map[int64]model.Candle),
	}
}

func (s *MemoryStore) UpsertInstrument(_ context.Context, in model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.IsActive = true
	s.instruments[in.Symbol] = in
	return nil
}

func (s *MemoryStore) ActiveInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []model.Instrument
	for _, in := range s.instruments {
		if in.IsActive {
			active = append(active, in)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Symbol < active[j].Symbol })
	return active, nil
}

func (s *MemoryStore) InsertCandles(_ context.Context, candles []model.Candle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, c := range candles {
		bySymbol, ok := s.candles[c.Symbol]
		if !ok {
			bySymbol = make(map[int64]model.Candle)
			s.candles[c.Symbol] = bySymbol
		}
		key := c.OpenTime.UnixMilli()
		if _, exists := bySymbol[key]; exists {
			continue
		}
		bySymbol[key] = c
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) PricePoints(_ context.Context, cutoff time.Time) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var points []model.PricePoint
	for symbol, bySymbol := range s.candles {
		if len(bySymbol) == 0 {
			continue
		}

		var latest, reference *model.Candle
		for _, c := range bySymbol {
			c := c
			if latest == nil || c.OpenTime.After(latest.OpenTime) {
				latest = &c
			}
			if !c.OpenTime.After(cutoff) {
				if reference == nil || c.OpenTime.After(reference.OpenTime) {
					reference = &c
				}
			}
		}

		referencePrice := latest.Close
		if reference != nil {
			referencePrice = reference.Close
		}
		points = append(points, model.PricePoint{
			Symbol:         symbol,
			CurrentPrice:   latest.Close,
			ReferencePrice: referencePrice,
			Volume:         latest.Volume,
		})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Symbol < points[j].Symbol })
	return points, nil
}

// CandleCount reports stored candles for one symbol. Test helper.
func (s *MemoryStore) CandleCount(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles[symbol])
}

// Snapshot returns a copy of the instrument set, ordered by symbol.
// Test helper for idempotence checks.
func (s *MemoryStore) Snapshot() []model.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
