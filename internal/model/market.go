package model

import "time"

// Instrument is a tradable pair kept in durable storage. Instruments are
// never deleted, only deactivated when they stop appearing upstream.
type Instrument struct {
	Symbol     string `db:"symbol" json:"symbol"`
	BaseAsset  string `db:"base_asset" json:"baseAsset"`
	QuoteAsset string `db:"quote_asset" json:"quoteAsset"`
	IsActive   bool   `db:"is_active" json:"isActive"`
}

// Candle is one OHLCV bar. (Symbol, OpenTime) is the unique key; re-importing
// the same bar must be a no-op.
type Candle struct {
	Symbol   string    `db:"symbol" json:"symbol"`
	OpenTime time.Time `db:"open_time" json:"time"`
	Open     float64   `db:"open" json:"open"`
	High     float64   `db:"high" json:"high"`
	Low      float64   `db:"low" json:"low"`
	Close    float64   `db:"close" json:"close"`
	Volume   float64   `db:"volume" json:"volume"`
}

// PricePoint is the raw storage answer for one instrument: its latest close
// and the close at-or-before the window cutoff. ReferencePrice falls back to
// the current price when no candle exists at or before the cutoff.
type PricePoint struct {
	Symbol         string  `db:"symbol"`
	CurrentPrice   float64 `db:"current_price"`
	ReferencePrice float64 `db:"reference_price"`
	Volume         float64 `db:"volume"`
}

// PriceChange is a derived row: one instrument's move between the reference
// candle at the window boundary and its latest candle.
type PriceChange struct {
	Symbol         string  `db:"symbol" json:"symbol"`
	CurrentPrice   float64 `db:"current_price" json:"currentPrice"`
	ReferencePrice float64 `db:"reference_price" json:"referencePrice"`
	ChangePercent  float64 `db:"change_percent" json:"changePercent"`
	Volume         float64 `db:"volume" json:"volume"`
}

// Ranking is the immutable result of one windowed analysis run.
type Ranking struct {
	Period       int           `json:"period"`
	PeriodLabel  string        `json:"periodLabel"`
	CalculatedAt time.Time     `json:"calculatedAt"`
	Gainers      []PriceChange `json:"gainers"`
	Losers       []PriceChange `json:"losers"`
	Total        int           `json:"total"`
}

// SyncResult reports one synchronizer run.
type SyncResult struct {
	Synced int `json:"synced"`
	Errors int `json:"errors"`
}

// ImportResult reports one importer run.
type ImportResult struct {
	Imported int `json:"imported"`
	Errors   int `json:"errors"`
}
