package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
)

type obsKey struct {
	instrument string
	date       time.Time
}

type perfKey struct {
	date       time.Time
	instrument string
	model      string
	horizon    int
}

// MemoryStore 메모리 저장소 (dry-run, 테스트)
// 키/보호 규칙은 DB 구현과 동일: 해결된 예측은 upsert로 덮어쓰지 않음
type MemoryStore struct {
	mu           sync.RWMutex
	observations map[obsKey]contracts.PriceObservation
	forecasts    map[contracts.ForecastKey]contracts.Forecast
	performance  map[perfKey]contracts.PerformanceRecord
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		observations: make(map[obsKey]contracts.PriceObservation),
		forecasts:    make(map[contracts.ForecastKey]contracts.Forecast),
		performance:  make(map[perfKey]contracts.PerformanceRecord),
	}
}

// Ping implements contracts.Store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements contracts.Store
func (s *MemoryStore) Close() error {
	return nil
}

// SaveObservations upserts on (instrument_id, trade_date)
func (s *MemoryStore) SaveObservations(ctx context.Context, observations []contracts.PriceObservation) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, contracts.NewStoreError("save observations", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range observations {
		o.TradeDate = contracts.DateOnly(o.TradeDate)
		s.observations[obsKey{instrument: o.InstrumentID, date: o.TradeDate}] = o
	}
	return len(observations), nil
}

// Observations returns rows with from <= trade_date <= to, ascending
func (s *MemoryStore) Observations(ctx context.Context, instrumentID string, from, to time.Time) ([]contracts.PriceObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.NewStoreError("observations", err)
	}
	from, to = contracts.DateOnly(from), contracts.DateOnly(to)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contracts.PriceObservation
	for k, o := range s.observations {
		if k.instrument != instrumentID || k.date.Before(from) || k.date.After(to) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeDate.Before(out[j].TradeDate) })
	return out, nil
}

// Closes returns the close for each key that has an observation
func (s *MemoryStore) Closes(ctx context.Context, keys []contracts.RealizedKey) (map[contracts.RealizedKey]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.NewStoreError("closes", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[contracts.RealizedKey]float64, len(keys))
	for _, k := range keys {
		k = contracts.NewRealizedKey(k.InstrumentID, k.Date)
		if o, ok := s.observations[obsKey{instrument: k.InstrumentID, date: k.Date}]; ok {
			out[k] = o.Close
		}
	}
	return out, nil
}

// UpsertForecasts inserts or overwrites unresolved rows
func (s *MemoryStore) UpsertForecasts(ctx context.Context, forecasts []contracts.Forecast) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, contracts.NewStoreError("upsert forecasts", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, f := range forecasts {
		f = normalizeForecast(f)
		key := f.Key()

		existing, ok := s.forecasts[key]
		if ok && existing.Resolved() {
			continue
		}
		if ok {
			f.CreatedAt = existing.CreatedAt
		}
		f.ActualPrice, f.Error, f.ResolvedAt = nil, nil, nil
		s.forecasts[key] = f
		n++
	}
	return n, nil
}

// QueryUnresolved returns target_date <= asOf AND actual_price IS NULL
func (s *MemoryStore) QueryUnresolved(ctx context.Context, asOf time.Time) ([]contracts.Forecast, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.NewStoreError("query unresolved", err)
	}
	asOf = contracts.DateOnly(asOf)

	return s.selectForecasts(func(f contracts.Forecast) bool {
		return !f.Resolved() && !f.TargetDate.After(asOf)
	}), nil
}

// ResolveForecasts sets actual_price/error on rows that are still unresolved
func (s *MemoryStore) ResolveForecasts(ctx context.Context, resolved []contracts.Forecast) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, contracts.NewStoreError("resolve forecasts", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range resolved {
		key := normalizeForecast(r).Key()
		existing, ok := s.forecasts[key]
		if !ok || existing.Resolved() || r.ActualPrice == nil {
			continue
		}

		actual := *r.ActualPrice
		existing.ActualPrice = &actual
		if r.Error != nil {
			e := *r.Error
			existing.Error = &e
		}
		at := time.Now().UTC()
		if r.ResolvedAt != nil {
			at = *r.ResolvedAt
		}
		existing.ResolvedAt = &at

		s.forecasts[key] = existing
		n++
	}
	return n, nil
}

// QueryResolved returns resolved rows with from <= target_date <= to
func (s *MemoryStore) QueryResolved(ctx context.Context, instrumentID string, from, to time.Time) ([]contracts.Forecast, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.NewStoreError("query resolved", err)
	}
	from, to = contracts.DateOnly(from), contracts.DateOnly(to)

	return s.selectForecasts(func(f contracts.Forecast) bool {
		return f.Resolved() && f.InstrumentID == instrumentID &&
			!f.TargetDate.Before(from) && !f.TargetDate.After(to)
	}), nil
}

// ListForecasts applies the dashboard filter, newest target first
func (s *MemoryStore) ListForecasts(ctx context.Context, filter contracts.ForecastFilter) ([]contracts.Forecast, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.NewStoreError("list forecasts", err)
	}
	from, to := contracts.DateOnly(filter.From), contracts.DateOnly(filter.To)

	rows := s.selectForecasts(func(f contracts.Forecast) bool {
		if filter.InstrumentID != "" && f.InstrumentID != filter.InstrumentID {
			return false
		}
		if filter.ModelName != "" && f.ModelName != filter.ModelName {
			return false
		}
		if !filter.From.IsZero() && f.TargetDate.Before(from) {
			return false
		}
		if !filter.To.IsZero() && f.TargetDate.After(to) {
			return false
		}
		return true
	})

	// target DESC, instrument, model, issue DESC (same as the SQL backends)
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.TargetDate.Equal(b.TargetDate) {
			return a.TargetDate.After(b.TargetDate)
		}
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		if a.ModelName != b.ModelName {
			return a.ModelName < b.ModelName
		}
		return a.IssueDate.After(b.IssueDate)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// selectForecasts returns matching rows sorted by (target, instrument, model, issue)
func (s *MemoryStore) selectForecasts(match func(contracts.Forecast) bool) []contracts.Forecast {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contracts.Forecast
	for _, f := range s.forecasts {
		if match(f) {
			out = append(out, f)
		}
	}
	sortForecasts(out)
	return out
}

// UpsertPerformance overwrites records with the same key
func (s *MemoryStore) UpsertPerformance(ctx context.Context, records []contracts.PerformanceRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, contracts.NewStoreError("upsert performance", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		r.EvaluationDate = contracts.DateOnly(r.EvaluationDate)
		s.performance[perfKey{
			date:       r.EvaluationDate,
			instrument: r.InstrumentID,
			model:      r.ModelName,
			horizon:    r.HorizonDays,
		}] = r
	}
	return len(records), nil
}

// ListPerformance returns one evaluation date; zero means the latest
func (s *MemoryStore) ListPerformance(ctx context.Context, instrumentID string, evalDate time.Time) ([]contracts.PerformanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.NewStoreError("list performance", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if evalDate.IsZero() {
		for k := range s.performance {
			if instrumentID != "" && k.instrument != instrumentID {
				continue
			}
			if k.date.After(evalDate) {
				evalDate = k.date
			}
		}
	}
	evalDate = contracts.DateOnly(evalDate)

	var out []contracts.PerformanceRecord
	for k, r := range s.performance {
		if !k.date.Equal(evalDate) {
			continue
		}
		if instrumentID != "" && k.instrument != instrumentID {
			continue
		}
		out = append(out, r)
	}
	sortPerformance(out)
	return out, nil
}
