package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/pkg/config"
	"github.com/wonny/copperwatch/pkg/httputil"
	"github.com/wonny/copperwatch/pkg/logger"
)

// ErrNoFeed returned when collection runs with FEED_TYPE=none
var ErrNoFeed = errors.New("no upstream feed configured")

// Feed 상류 일별 가격 피드
// 빈 결과는 "오늘 데이터 없음" (오류 아님)
type Feed interface {
	Name() string
	Fetch(ctx context.Context, instrumentID string, from, to time.Time) ([]contracts.PriceObservation, error)
}

// NewFeed builds the feed selected by FEED_TYPE
func NewFeed(cfg config.FeedConfig, log *logger.Logger) (Feed, error) {
	switch cfg.Type {
	case "http":
		return NewHTTPFeed(log, cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.RateLimit, cfg.Symbol), nil
	case "yahoo":
		return NewYahooFeed(cfg.RateLimit, cfg.Symbol), nil
	case "none", "":
		return nil, ErrNoFeed
	default:
		return nil, fmt.Errorf("unknown feed type %q", cfg.Type)
	}
}

// SymbolFunc maps an instrument ID to the feed's own symbol
type SymbolFunc func(instrumentID string) string

// HTTPFeed JSON 엔드포인트 피드
//
//	GET {base}/prices?symbol=..&from=YYYY-MM-DD&to=YYYY-MM-DD
//	{"observations":[{"trade_date":"2024-01-02","open":..,"high":..,"low":..,"close":..,"volume":..,"open_interest":..}]}
type HTTPFeed struct {
	client  *httputil.Client
	baseURL string
	symbol  SymbolFunc
}

type httpObservation struct {
	TradeDate    string   `json:"trade_date"`
	Open         *float64 `json:"open"`
	High         *float64 `json:"high"`
	Low          *float64 `json:"low"`
	Close        *float64 `json:"close"`
	Volume       int64    `json:"volume"`
	OpenInterest *int64   `json:"open_interest"`
}

type httpResponse struct {
	Observations []httpObservation `json:"observations"`
}

// NewHTTPFeed creates a JSON feed client with retry and rate limiting
func NewHTTPFeed(log *logger.Logger, baseURL, apiKey string, timeout time.Duration, ratePerSecond float64, symbol SymbolFunc) *HTTPFeed {
	client := httputil.New(log, timeout)
	if ratePerSecond > 0 {
		client.WithRateLimit(ratePerSecond)
	}
	if apiKey != "" {
		client.WithHeader("X-API-Key", apiKey)
	}
	if symbol == nil {
		symbol = func(id string) string { return id }
	}

	return &HTTPFeed{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		symbol:  symbol,
	}
}

// Name implements Feed
func (f *HTTPFeed) Name() string { return "http" }

// Client exposes the HTTP client for retry tuning
func (f *HTTPFeed) Client() *httputil.Client { return f.client }

// Fetch implements Feed
func (f *HTTPFeed) Fetch(ctx context.Context, instrumentID string, from, to time.Time) ([]contracts.PriceObservation, error) {
	q := url.Values{}
	q.Set("symbol", f.symbol(instrumentID))
	q.Set("from", contracts.DateOnly(from).Format(contracts.DateLayout))
	q.Set("to", contracts.DateOnly(to).Format(contracts.DateLayout))

	var resp httpResponse
	if err := f.client.GetJSON(ctx, f.baseURL+"/prices?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", instrumentID, err)
	}

	out := make([]contracts.PriceObservation, 0, len(resp.Observations))
	for _, row := range resp.Observations {
		if row.Close == nil {
			continue
		}
		date, err := contracts.ParseDate(row.TradeDate)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: trade_date %q: %w", instrumentID, row.TradeDate, err)
		}
		price := *row.Close
		out = append(out, contracts.PriceObservation{
			InstrumentID: instrumentID,
			TradeDate:    date,
			Open:         deref(row.Open, price),
			High:         deref(row.High, price),
			Low:          deref(row.Low, price),
			Close:        price,
			Volume:       row.Volume,
			OpenInterest: row.OpenInterest,
		})
	}

	return out, nil
}
