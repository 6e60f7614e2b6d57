package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"marketpulse/config"
	"marketpulse/internal/cache"
	"marketpulse/internal/model"
	"marketpulse/internal/storage"
	"marketpulse/logger"
)

// MaxWindowMinutes caps the lookback window at seven days.
const MaxWindowMinutes = 10080

var periodPattern = regexp.MustCompile(`^(\d+)([mhd])$`)

var periodMultipliers = map[string]int{
	"m": 1,
	"h": 60,
	"d": 1440,
}

// Engine computes windowed price-change rankings over the candle store and
// serves them through a cache-aside layer keyed by window length.
type Engine struct {
	store        storage.Store
	cache        cache.Cache
	ttl          time.Duration
	topSize      int
	warmWindows  []int
	log          *logger.Log
	now          func() time.Time
	computations int64
}

func NewEngine(store storage.Store, c cache.Cache, cfg config.AnalysisConfig, ttl time.Duration) *Engine {
	topSize := cfg.TopSize
	if topSize <= 0 {
		topSize = 50
	}
	warmWindows := cfg.WarmWindows
	if len(warmWindows) == 0 {
		warmWindows = []int{15, 60, 240, 720, 1440}
	}
	return &Engine{
		store:       store,
		cache:       c,
		ttl:         ttl,
		topSize:     topSize,
		warmWindows: warmWindows,
		log:         logger.GetLogger(),
		now:         time.Now,
	}
}

func cacheKey(windowMinutes int) string {
	return fmt.Sprintf("market:rank:%d", windowMinutes)
}

// PeriodToMinutes parses a window specification like "15m", "4h" or "1d",
// or a bare minute count like "240". Unparseable input falls back to 60
// minutes; rejecting it instead would break clients that have relied on the
// lenient behavior.
func PeriodToMinutes(period string) int {
	if m := periodPattern.FindStringSubmatch(period); m != nil {
		value, err := strconv.Atoi(m[1])
		if err != nil {
			return 60
		}
		return value * periodMultipliers[m[2]]
	}
	value, err := strconv.Atoi(period)
	if err != nil || value == 0 {
		return 60
	}
	return value
}

// GetRanking serves the ranking for one window, cache first. A cache hit
// never touches the candle store. On a miss the ranking is computed and, if
// non-empty, cached with the configured TTL; a failing cache write is logged
// and the freshly computed result is served anyway.
func (e *Engine) GetRanking(ctx context.Context, windowMinutes int) (*model.Ranking, error) {
	log := e.log.WithComponent("analysis")
	key := cacheKey(windowMinutes)

	data, err := e.cache.Get(ctx, key)
	if err == nil {
		var ranking model.Ranking
		if unmarshalErr := json.Unmarshal(data, &ranking); unmarshalErr == nil {
			log.WithFields(logger.Fields{"window": windowMinutes}).Debug("ranking cache hit")
			return &ranking, nil
		}
		log.WithFields(logger.Fields{"window": windowMinutes}).Warn("discarding undecodable cache entry")
	} else if !errors.Is(err, cache.ErrMiss) {
		// A cache outage degrades to recomputation rather than failing reads.
		log.WithError(err).Warn("ranking cache read failed")
	}

	ranking, err := e.ComputeRanking(ctx, windowMinutes)
	if err != nil {
		return nil, err
	}
	if ranking == nil {
		return nil, nil
	}

	e.storeRanking(ctx, windowMinutes, ranking)
	return ranking, nil
}

// ComputeRanking builds the ranking for one window directly from storage.
// It returns (nil, nil) when no instrument produced a valid change row,
// which callers treat as "no data yet" rather than a fault.
func (e *Engine) ComputeRanking(ctx context.Context, windowMinutes int) (*model.Ranking, error) {
	atomic.AddInt64(&e.computations, 1)

	now := e.now().UTC()
	cutoff := now.Add(-time.Duration(windowMinutes) * time.Minute)

	points, err := e.store.PricePoints(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("compute ranking for %dm: %w", windowMinutes, err)
	}

	changes := make([]model.PriceChange, 0, len(points))
	for _, p := range points {
		if p.CurrentPrice <= 0 {
			continue
		}
		change := 0.0
		if p.ReferencePrice != 0 {
			change = (p.CurrentPrice - p.ReferencePrice) / p.ReferencePrice * 100
		}
		changes = append(changes, model.PriceChange{
			Symbol:         p.Symbol,
			CurrentPrice:   p.CurrentPrice,
			ReferencePrice: p.ReferencePrice,
			ChangePercent:  change,
			Volume:         p.Volume,
		})
	}

	if len(changes) == 0 {
		e.log.WithComponent("analysis").WithFields(logger.Fields{"window": windowMinutes}).Info("no data for ranking")
		return nil, nil
	}

	gainers := make([]model.PriceChange, 0, e.topSize)
	losers := make([]model.PriceChange, 0, e.topSize)
	for _, c := range changes {
		switch {
		case c.ChangePercent > 0:
			gainers = append(gainers, c)
		case c.ChangePercent < 0:
			losers = append(losers, c)
		}
	}
	sort.SliceStable(gainers, func(i, j int) bool { return gainers[i].ChangePercent > gainers[j].ChangePercent })
	sort.SliceStable(losers, func(i, j int) bool { return losers[i].ChangePercent < losers[j].ChangePercent })
	if len(gainers) > e.topSize {
		gainers = gainers[:e.topSize]
	}
	if len(losers) > e.topSize {
		losers = losers[:e.topSize]
	}

	e.log.WithComponent("analysis").WithFields(logger.Fields{
		"window":  windowMinutes,
		"gainers": len(gainers),
		"losers":  len(losers),
		"total":   len(changes),
	}).Info("ranking computed")

	return &model.Ranking{
		Period:       windowMinutes,
		PeriodLabel:  formatPeriodLabel(windowMinutes),
		CalculatedAt: now,
		Gainers:      gainers,
		Losers:       losers,
		Total:        len(changes),
	}, nil
}

// WarmCache recomputes every standard window and caches the results,
// bypassing the cache-hit check. A failure in one window does not stop the
// others.
func (e *Engine) WarmCache(ctx context.Context) {
	log := e.log.WithComponent("analysis")
	log.WithFields(logger.Fields{"windows": e.warmWindows}).Info("warming ranking cache")

	for _, window := range e.warmWindows {
		ranking, err := e.ComputeRanking(ctx, window)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"window": window}).Error("cache warm failed for window")
			continue
		}
		if ranking == nil {
			continue
		}
		e.storeRanking(ctx, window, ranking)
	}

	log.Info("ranking cache warm complete")
}

// Computations reports how many times a ranking was computed from storage.
func (e *Engine) Computations() int64 {
	return atomic.LoadInt64(&e.computations)
}

func (e *Engine) storeRanking(ctx context.Context, windowMinutes int, ranking *model.Ranking) {
	data, err := json.Marshal(ranking)
	if err != nil {
		e.log.WithError(err).Error("failed to encode ranking for cache")
		return
	}
	if err := e.cache.SetWithTTL(ctx, cacheKey(windowMinutes), data, e.ttl); err != nil {
		e.log.WithError(err).WithFields(logger.Fields{"window": windowMinutes}).Warn("ranking cache write failed")
	}
}

func formatPeriodLabel(minutes int) string {
	switch {
	case minutes < 60:
		return fmt.Sprintf("%dm", minutes)
	case minutes < 1440:
		return fmt.Sprintf("%gh", float64(minutes)/60)
	default:
		return fmt.Sprintf("%gd", float64(minutes)/1440)
	}
}
