package storage

import (
	"context"

	"github.com/wonny/copperwatch/internal/contracts"
)

// DryRunStore 읽기는 원본 저장소로, 쓰기는 버림 (--dry-run)
// 쓰기 메서드는 입력 건수를 그대로 반환
type DryRunStore struct {
	contracts.Store
}

// NewDryRunStore wraps store so that nothing is persisted
func NewDryRunStore(store contracts.Store) *DryRunStore {
	return &DryRunStore{Store: store}
}

// SaveObservations discards the rows
func (s *DryRunStore) SaveObservations(ctx context.Context, observations []contracts.PriceObservation) (int, error) {
	return len(observations), ctx.Err()
}

// UpsertForecasts discards the rows
func (s *DryRunStore) UpsertForecasts(ctx context.Context, forecasts []contracts.Forecast) (int, error) {
	return len(forecasts), ctx.Err()
}

// ResolveForecasts discards the rows
func (s *DryRunStore) ResolveForecasts(ctx context.Context, resolved []contracts.Forecast) (int, error) {
	return len(resolved), ctx.Err()
}

// UpsertPerformance discards the rows
func (s *DryRunStore) UpsertPerformance(ctx context.Context, records []contracts.PerformanceRecord) (int, error) {
	return len(records), ctx.Err()
}
