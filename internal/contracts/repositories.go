package contracts

import (
	"context"
	"time"
)

// ⭐ SSOT: Repository 인터페이스 정의는 여기서만
// 모든 구현(pgx, sqlite, memory)은 실패 시 StoreError를 반환

// PriceStore manages price observations
type PriceStore interface {
	// Observations returns rows with from <= trade_date <= to, ascending
	Observations(ctx context.Context, instrumentID string, from, to time.Time) ([]PriceObservation, error)
	// Closes returns the close price for each key that has an observation
	Closes(ctx context.Context, keys []RealizedKey) (map[RealizedKey]float64, error)
	// SaveObservations upserts on (instrument_id, trade_date)
	SaveObservations(ctx context.Context, observations []PriceObservation) (int, error)
}

// ForecastStore manages forecasts
type ForecastStore interface {
	// UpsertForecasts is idempotent on ForecastKey and never touches resolved rows
	UpsertForecasts(ctx context.Context, forecasts []Forecast) (int, error)
	// QueryUnresolved returns target_date <= asOf AND actual_price IS NULL
	QueryUnresolved(ctx context.Context, asOf time.Time) ([]Forecast, error)
	// ResolveForecasts sets actual_price/error where actual_price IS NULL
	ResolveForecasts(ctx context.Context, resolved []Forecast) (int, error)
	// QueryResolved returns resolved forecasts with from <= target_date <= to
	QueryResolved(ctx context.Context, instrumentID string, from, to time.Time) ([]Forecast, error)
	// ListForecasts is a read-only query for the dashboard
	ListForecasts(ctx context.Context, filter ForecastFilter) ([]Forecast, error)
}

// PerformanceStore manages performance snapshots
type PerformanceStore interface {
	// UpsertPerformance overwrites records with the same key
	UpsertPerformance(ctx context.Context, records []PerformanceRecord) (int, error)
	// ListPerformance returns one evaluation date; zero date means the latest
	ListPerformance(ctx context.Context, instrumentID string, evalDate time.Time) ([]PerformanceRecord, error)
}

// Store bundles every repository the pipeline needs
type Store interface {
	PriceStore
	ForecastStore
	PerformanceStore
	Ping(ctx context.Context) error
	Close() error
}
