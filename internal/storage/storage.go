package storage

import (
	"context"
	"time"

	"marketpulse/internal/model"
)

// Store is the persistence contract consumed by the sync, import and
// analysis components. Implementations must provide upsert-by-key for
// instruments, duplicate-skipping bulk inserts for candles and the
// per-instrument current/reference price lookup.
type Store interface {
	// UpsertInstrument inserts the instrument or updates its asset codes
	// and reactivates it when the symbol already exists.
	UpsertInstrument(ctx context.Context, in model.Instrument) error

	// ActiveInstruments returns all instruments currently marked active,
	// ordered by symbol.
	ActiveInstruments(ctx context.Context) ([]model.Instrument, error)

	// InsertCandles persists candles in bulk, skipping rows whose
	// (symbol, open_time) key is already present. Returns the number of
	// rows actually inserted.
	InsertCandles(ctx context.Context, candles []model.Candle) (int, error)

	// PricePoints returns, for every instrument with at least one candle,
	// its latest close plus the latest close at-or-before the cutoff.
	PricePoints(ctx context.Context, cutoff time.Time) ([]model.PricePoint, error)

	Close() error
}
