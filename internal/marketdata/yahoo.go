package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"golang.org/x/time/rate"

	"github.com/wonny/copperwatch/internal/contracts"
)

// YahooFeed Yahoo Finance 차트 API 피드 (예: COMEX 구리 HG=F)
type YahooFeed struct {
	symbol  SymbolFunc
	limiter *rate.Limiter
}

// NewYahooFeed creates the feed; ratePerSecond <= 0 disables throttling
func NewYahooFeed(ratePerSecond float64, symbol SymbolFunc) *YahooFeed {
	if symbol == nil {
		symbol = func(id string) string { return id }
	}
	f := &YahooFeed{symbol: symbol}
	if ratePerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return f
}

// Name implements Feed
func (f *YahooFeed) Name() string { return "yahoo" }

// Fetch implements Feed
func (f *YahooFeed) Fetch(ctx context.Context, instrumentID string, from, to time.Time) ([]contracts.PriceObservation, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	symbol := f.symbol(instrumentID)
	start := contracts.DateOnly(from)
	// chart end is exclusive
	end := contracts.DateOnly(to).AddDate(0, 0, 1)

	params := &chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	}

	var out []contracts.PriceObservation
	iter := chart.Get(params)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := iter.Bar()
		if bar.Close.IsZero() {
			continue
		}

		out = append(out, contracts.PriceObservation{
			InstrumentID: instrumentID,
			TradeDate:    contracts.DateOnly(time.Unix(int64(bar.Timestamp), 0).UTC()),
			Open:         bar.Open.InexactFloat64(),
			High:         bar.High.InexactFloat64(),
			Low:          bar.Low.InexactFloat64(),
			Close:        bar.Close.InexactFloat64(),
			Volume:       int64(bar.Volume),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, err)
	}

	return out, nil
}
