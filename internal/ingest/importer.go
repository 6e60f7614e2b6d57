package ingest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"marketpulse/config"
	"marketpulse/internal/model"
	"marketpulse/internal/storage"
	"marketpulse/logger"
)

// Importer pulls recent candles for every active instrument in bounded
// chunks. Chunking plus the inter-chunk delay caps concurrent upstream load
// at chunk_size in-flight requests; this is the backpressure mechanism that
// keeps the importer inside the provider's rate limits.
type Importer struct {
	client      MarketClient
	store       storage.Store
	chunkSize   int
	chunkDelay  time.Duration
	candleLimit int
	log         *logger.Log
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewImporter(client MarketClient, store storage.Store, cfg config.ImporterConfig) *Importer {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}
	candleLimit := cfg.CandleLimit
	if candleLimit <= 0 {
		candleLimit = 100
	}
	return &Importer{
		client:      client,
		store:       store,
		chunkSize:   chunkSize,
		chunkDelay:  cfg.ChunkDelay,
		candleLimit: candleLimit,
		log:         logger.GetLogger(),
		sleep:       sleepContext,
	}
}

// ImportCandles runs one full import pass over all active instruments for
// the given candle interval. Chunks run sequentially; instruments within a
// chunk are fetched concurrently. A failing instrument yields zero candles
// and a counted error without stopping the chunk, and a failing persist
// counts one error without stopping the run.
func (imp *Importer) ImportCandles(ctx context.Context, interval string) (model.ImportResult, error) {
	log := imp.log.WithComponent("importer")

	instruments, err := imp.store.ActiveInstruments(ctx)
	if err != nil {
		return model.ImportResult{}, fmt.Errorf("import candles: %w", err)
	}

	chunks := chunkInstruments(instruments, imp.chunkSize)
	log.WithFields(logger.Fields{
		"instruments": len(instruments),
		"chunks":      len(chunks),
		"chunk_size":  imp.chunkSize,
		"interval":    interval,
	}).Info("starting candle import")

	result := model.ImportResult{}
	for i, chunk := range chunks {
		candles, fetchErrors := imp.fetchChunk(ctx, chunk, interval)
		result.Errors += fetchErrors

		if len(candles) > 0 {
			inserted, err := imp.store.InsertCandles(ctx, candles)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"chunk": i + 1}).Error("chunk persist failed")
				result.Errors++
			} else {
				result.Imported += inserted
			}
		}

		progress := int(math.Round(float64(i+1) / float64(len(chunks)) * 100))
		log.WithFields(logger.Fields{
			"chunk":    i + 1,
			"chunks":   len(chunks),
			"progress": progress,
		}).Info("chunk processed")

		if i < len(chunks)-1 {
			if err := imp.sleep(ctx, imp.chunkDelay); err != nil {
				return result, err
			}
		}
	}

	log.WithFields(logger.Fields{
		"imported": result.Imported,
		"errors":   result.Errors,
	}).Info("candle import complete")
	log.LogMetric("importer", "candles_imported", int64(result.Imported), "counter", nil)

	return result, nil
}

// fetchChunk obtains candles for every instrument of one chunk concurrently
// and reports how many instruments failed.
func (imp *Importer) fetchChunk(ctx context.Context, chunk []model.Instrument, interval string) ([]model.Candle, int) {
	log := imp.log.WithComponent("importer")

	results := make([][]model.Candle, len(chunk))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errCount int
	)

	for i, in := range chunk {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			candles, err := imp.client.FetchCandles(ctx, symbol, interval, imp.candleLimit)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("candle fetch failed")
				mu.Lock()
				errCount++
				mu.Unlock()
				return
			}
			results[i] = candles
		}(i, in.Symbol)
	}
	wg.Wait()

	var flattened []model.Candle
	for _, candles := range results {
		flattened = append(flattened, candles...)
	}
	return flattened, errCount
}

// chunkInstruments partitions instruments into chunks of at most size.
func chunkInstruments(instruments []model.Instrument, size int) [][]model.Instrument {
	var chunks [][]model.Instrument
	for start := 0; start < len(instruments); start += size {
		end := start + size
		if end > len(instruments) {
			end = len(instruments)
		}
		chunks = append(chunks, instruments[start:end])
	}
	return chunks
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
