package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"marketpulse/config"
	"marketpulse/internal/model"
	"marketpulse/logger"
)

// insertBatchSize bounds the number of candle rows per INSERT statement,
// keeping well under the postgres parameter limit.
const insertBatchSize = 1000

// PostgresStore implements Store on top of PostgreSQL via sqlx.
type PostgresStore struct {
	db  *sqlx.DB
	log *logger.Log
}

func NewPostgresStore(cfg config.StorageConfig) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &PostgresStore{db: db, log: logger.GetLogger()}, nil
}

// EnsureSchema creates the instrument and candle tables when absent. The
// candle primary key (symbol, open_time) is what makes re-imports a no-op.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS instruments (
		symbol      TEXT PRIMARY KEY,
		base_asset  TEXT NOT NULL,
		quote_asset TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS candles (
		symbol    TEXT NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		open      DOUBLE PRECISION NOT NULL,
		high      DOUBLE PRECISION NOT NULL,
		low       DOUBLE PRECISION NOT NULL,
		close     DOUBLE PRECISION NOT NULL,
		volume    DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol, open_time)
	);

	CREATE INDEX IF NOT EXISTS idx_candles_open_time ON candles (open_time);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertInstrument(ctx context.Context, in model.Instrument) error {
	query := `
	INSERT INTO instruments (symbol, base_asset, quote_asset, is_active)
	VALUES ($1, $2, $3, TRUE)
	ON CONFLICT (symbol) DO UPDATE SET
		base_asset  = EXCLUDED.base_asset,
		quote_asset = EXCLUDED.quote_asset,
		is_active   = TRUE,
		updated_at  = now()
	`
	if _, err := s.db.ExecContext(ctx, query, in.Symbol, in.BaseAsset, in.QuoteAsset); err != nil {
		return fmt.Errorf("failed to upsert instrument %s: %w", in.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) ActiveInstruments(ctx context.Context) ([]model.Instrument, error) {
	query := `
	SELECT symbol, base_asset, quote_asset, is_active
	FROM instruments
	WHERE is_active = TRUE
	ORDER BY symbol
	`
	var instruments []model.Instrument
	if err := s.db.SelectContext(ctx, &instruments, query); err != nil {
		return nil, fmt.Errorf("failed to query active instruments: %w", err)
	}
	return instruments, nil
}

func (s *PostgresStore) InsertCandles(ctx context.Context, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	inserted := 0
	for start := 0; start < len(candles); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(candles) {
			end = len(candles)
		}
		n, err := s.insertCandleBatch(ctx, candles[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *PostgresStore) insertCandleBatch(ctx context.Context, batch []model.Candle) (int, error) {
	placeholders := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*7)
	for i, c := range batch {
		base := i * 7
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, c.Symbol, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume)
	}

	query := fmt.Sprintf(`
	INSERT INTO candles (symbol, open_time, open, high, low, close, volume)
	VALUES %s
	ON CONFLICT (symbol, open_time) DO NOTHING
	`, strings.Join(placeholders, ","))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert candles: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted row count: %w", err)
	}
	return int(n), nil
}

// PricePoints answers the ranking query in one round trip: the latest close
// per instrument joined against the latest close at-or-before the cutoff,
// falling back to the current price when the window predates stored data.
func (s *PostgresStore) PricePoints(ctx context.Context, cutoff time.Time) ([]model.PricePoint, error) {
	query := `
	WITH current_prices AS (
		SELECT DISTINCT ON (symbol)
			symbol,
			close AS current_price,
			volume
		FROM candles
		ORDER BY symbol, open_time DESC
	),
	reference_prices AS (
		SELECT DISTINCT ON (symbol)
			symbol,
			close AS reference_price
		FROM candles
		WHERE open_time <= $1
		ORDER BY symbol, open_time DESC
	)
	SELECT
		c.symbol,
		c.current_price,
		COALESCE(r.reference_price, c.current_price) AS reference_price,
		c.volume
	FROM current_prices c
	LEFT JOIN reference_prices r ON c.symbol = r.symbol
	ORDER BY c.symbol
	`
	var points []model.PricePoint
	if err := s.db.SelectContext(ctx, &points, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to query price points: %w", err)
	}
	return points, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
