package ingest

import (
	"context"
	"fmt"
	"strings"

	"marketpulse/internal/model"
	"marketpulse/internal/storage"
	"marketpulse/internal/upstream"
	"marketpulse/logger"
)

// MarketClient is the slice of the upstream client the ingest components
// consume. Satisfied by *upstream.Client.
type MarketClient interface {
	ListInstruments(ctx context.Context) ([]upstream.InstrumentInfo, error)
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)
}

// Syncer keeps the stored instrument set aligned with the upstream listing.
type Syncer struct {
	client MarketClient
	store  storage.Store
	quote  string
	log    *logger.Log
}

func NewSyncer(client MarketClient, store storage.Store, quoteAsset string) *Syncer {
	return &Syncer{
		client: client,
		store:  store,
		quote:  strings.ToUpper(quoteAsset),
		log:    logger.GetLogger(),
	}
}

// SyncInstruments fetches the complete upstream listing, filters it down to
// actively trading pairs against the reference stablecoin, and upserts each
// survivor. A failing upsert is counted and skipped; only the listing call
// itself can fail the run. Repeated runs against unchanged upstream data
// leave the instrument set untouched.
func (s *Syncer) SyncInstruments(ctx context.Context) (model.SyncResult, error) {
	log := s.log.WithComponent("syncer")

	listing, err := s.client.ListInstruments(ctx)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("sync instruments: %w", err)
	}

	filtered := filterInstruments(listing, s.quote)
	log.WithFields(logger.Fields{
		"total":    len(listing),
		"filtered": len(filtered),
	}).Info("fetched instrument listing")

	result := model.SyncResult{}
	for _, in := range filtered {
		if err := s.store.UpsertInstrument(ctx, in); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": in.Symbol}).Error("instrument upsert failed")
			result.Errors++
			continue
		}
		result.Synced++
	}

	log.WithFields(logger.Fields{
		"synced": result.Synced,
		"errors": result.Errors,
	}).Info("instrument sync complete")

	return result, nil
}

// filterInstruments keeps actively trading pairs quoted in the reference
// stablecoin and drops leveraged tokens, which carry an UP/DOWN suffix on
// the pair or the base asset.
func filterInstruments(listing []upstream.InstrumentInfo, quote string) []model.Instrument {
	var out []model.Instrument
	for _, in := range listing {
		if in.Status != "TRADING" {
			continue
		}
		if strings.ToUpper(in.QuoteAsset) != quote {
			continue
		}

		symbol := strings.ToUpper(in.Symbol)
		if strings.Contains(symbol, "UP"+quote) || strings.Contains(symbol, "DOWN"+quote) {
			continue
		}
		base := strings.ToUpper(in.BaseAsset)
		if strings.HasSuffix(base, "UP") || strings.HasSuffix(base, "DOWN") {
			continue
		}

		out = append(out, model.Instrument{
			Symbol:     in.Symbol,
			BaseAsset:  in.BaseAsset,
			QuoteAsset: in.QuoteAsset,
			IsActive:   true,
		})
	}
	return out
}
