package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	binance "github.com/adshao/go-binance/v2"

	"marketpulse/config"
	"marketpulse/internal/model"
	"marketpulse/logger"
)

// maxCandleLimit is the provider-side cap on klines per request.
const maxCandleLimit = 1000

// UpstreamError wraps any network or HTTP failure talking to the provider.
// The client never retries; retry policy belongs to the job level.
type UpstreamError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Symbol, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// InstrumentInfo is one entry of the provider's instrument listing,
// unfiltered. Filtering is the synchronizer's concern.
type InstrumentInfo struct {
	Symbol     string
	Status     string
	BaseAsset  string
	QuoteAsset string
}

// Client is a stateless wrapper around the provider API. It holds no
// mutable state and is safe for concurrent use.
type Client struct {
	api     *binance.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewClient builds a provider client with a dedicated connection pool and a
// token-bucket limiter in front of every request. The base URL is taken from
// configuration so tests can point the client at a local server.
func NewClient(cfg config.UpstreamConfig) *Client {
	log := logger.GetLogger()

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.Timeout,
	}

	api := binance.NewClient("", "")
	api.HTTPClient = httpClient
	if cfg.BaseURL != "" {
		api.BaseURL = cfg.BaseURL
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 15
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	log.WithComponent("upstream").WithFields(logger.Fields{
		"base_url":            api.BaseURL,
		"timeout":             cfg.Timeout,
		"requests_per_second": rps,
	}).Info("upstream client initialized")

	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
}

// ListInstruments fetches the provider's full instrument listing.
func (c *Client) ListInstruments(ctx context.Context) ([]InstrumentInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &UpstreamError{Op: "exchangeInfo", Err: err}
	}

	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, &UpstreamError{Op: "exchangeInfo", Err: err}
	}

	instruments := make([]InstrumentInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		instruments = append(instruments, InstrumentInfo{
			Symbol:     s.Symbol,
			Status:     s.Status,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		})
	}

	c.log.WithComponent("upstream").WithFields(logger.Fields{
		"total": len(instruments),
	}).Debug("fetched instrument listing")

	return instruments, nil
}

// FetchCandles returns recent candles for one instrument, oldest first.
// The limit is capped at the provider maximum of 1000.
func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	if limit <= 0 || limit > maxCandleLimit {
		limit = maxCandleLimit
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &UpstreamError{Op: "klines", Symbol: symbol, Err: err}
	}

	klines, err := c.api.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, &UpstreamError{Op: "klines", Symbol: symbol, Err: err}
	}

	candles := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := parseKline(symbol, k)
		if err != nil {
			return nil, &UpstreamError{Op: "klines", Symbol: symbol, Err: err}
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// parseKline maps one provider kline onto a Candle. Price and volume fields
// arrive as decimal strings.
func parseKline(symbol string, k *binance.Kline) (model.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("malformed open price %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("malformed high price %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("malformed low price %q: %w", k.Low, err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("malformed close price %q: %w", k.Close, err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("malformed volume %q: %w", k.Volume, err)
	}

	return model.Candle{
		Symbol:   symbol,
		OpenTime: time.UnixMilli(k.OpenTime).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
	}, nil
}
