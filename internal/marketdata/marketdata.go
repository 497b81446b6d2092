// Package marketdata supplies the daily price history the trailing-stop
// evaluator consumes, from the Alpaca market-data API with an optional
// on-disk Parquet cache in front of it.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tradepipe/internal/domain"
	"tradepipe/internal/store"
	"tradepipe/internal/util"
)

// BarSource returns split/dividend-adjusted daily bars for a symbol within
// [start, end], oldest first.
type BarSource interface {
	DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// ---------------------------------------------------------------------------
// AlpacaBarSource
// ---------------------------------------------------------------------------

// Compile-time interface checks.
var _ BarSource = (*AlpacaBarSource)(nil)
var _ BarSource = (*CachedBarSource)(nil)

// AlpacaBarSource fetches daily bars from the Alpaca market-data API.
type AlpacaBarSource struct {
	client  *alpacamd.Client
	feed    string
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaBarSource creates an AlpacaBarSource. dataURL may be empty to use
// the SDK default.
func NewAlpacaBarSource(apiKey, apiSecret, dataURL, feed string, rateLimitPerMin int) *AlpacaBarSource {
	opts := alpacamd.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "sip"
	}
	return &AlpacaBarSource{
		client:  alpacamd.NewClient(opts),
		feed:    feed,
		limiter: util.NewRateLimiter(rateLimitPerMin),
		log:     slog.Default().With("component", "alpaca-bars"),
	}
}

// DailyBars fetches adjusted daily bars, retrying transient failures.
func (s *AlpacaBarSource) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var raw []alpacamd.Bar
	err := util.Retry(ctx, 3, time.Second, retryableBarsError, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		raw, err = s.client.GetBars(symbol, alpacamd.GetBarsRequest{
			TimeFrame:  alpacamd.OneDay,
			Adjustment: alpacamd.All,
			Start:      start,
			End:        end,
			Feed:       s.feed,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     strings.ToUpper(symbol),
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	s.log.Debug("fetched bars", "symbol", symbol, "count", len(bars))
	return bars, nil
}

// retryableBarsError retries rate limits, server errors and transport
// failures. Any other API response is final.
func retryableBarsError(err error) bool {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return util.TransientStatus(apiErr.StatusCode)
	}
	return true
}

// ---------------------------------------------------------------------------
// CachedBarSource
// ---------------------------------------------------------------------------

// CachedBarSource serves bars from a BarStore and fetches only what the
// cache is missing from the upstream source. A cache that does not reach
// back to start is refilled entirely; a cache that stops before end has its
// tail refreshed.
type CachedBarSource struct {
	upstream BarSource
	cache    store.BarStore
	log      *slog.Logger
}

// NewCachedBarSource wraps upstream with cache.
func NewCachedBarSource(upstream BarSource, cache store.BarStore) *CachedBarSource {
	return &CachedBarSource{
		upstream: upstream,
		cache:    cache,
		log:      slog.Default().With("component", "bar-cache"),
	}
}

// slack tolerates weekends and holidays at the edges of a cached range.
const slack = 5 * 24 * time.Hour

// DailyBars returns cached bars, fetching missing ranges first.
func (c *CachedBarSource) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	cached, err := c.cache.ReadBars(ctx, symbol, "us", start, end)
	if err != nil {
		c.log.Warn("bar cache read failed, using upstream", "symbol", symbol, "error", err)
		return c.upstream.DailyBars(ctx, symbol, start, end)
	}

	fetchFrom := time.Time{}
	switch {
	case len(cached) == 0 || cached[0].Timestamp.Sub(start) > slack:
		fetchFrom = start
	case dateOf(end).After(dateOf(cached[len(cached)-1].Timestamp)):
		fetchFrom = dateOf(cached[len(cached)-1].Timestamp)
	default:
		return cached, nil
	}

	fresh, err := c.upstream.DailyBars(ctx, symbol, fetchFrom, end)
	if err != nil {
		return nil, err
	}
	if err := c.cache.WriteBars(ctx, fresh); err != nil {
		c.log.Warn("bar cache write failed", "symbol", symbol, "error", err)
		return mergeBars(cached, fresh), nil
	}
	return c.cache.ReadBars(ctx, symbol, "us", start, end)
}

func dateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// mergeBars combines two sorted bar slices, preferring fresh bars on the
// same date.
func mergeBars(cached, fresh []domain.Bar) []domain.Bar {
	seen := make(map[string]bool, len(fresh))
	for _, b := range fresh {
		seen[b.Date()] = true
	}
	out := make([]domain.Bar, 0, len(cached)+len(fresh))
	for _, b := range cached {
		if !seen[b.Date()] {
			out = append(out, b)
		}
	}
	out = append(out, fresh...)
	sortBars(out)
	return out
}
