package forecast

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/pkg/metrics"
)

// Reconcile 미해결 예측을 실현가와 대조
// error = |predicted - actual|; 이미 해결된 예측은 건너뜀
// 실현가가 없는 예측은 stale로만 집계 (오류 아님)
func Reconcile(unresolved []contracts.Forecast, realized map[contracts.RealizedKey]float64, resolvedAt time.Time) ([]contracts.Forecast, int) {
	var resolved []contracts.Forecast
	stale := 0

	for _, f := range unresolved {
		if f.Resolved() {
			continue
		}
		actual, ok := realized[contracts.NewRealizedKey(f.InstrumentID, f.TargetDate)]
		if !ok {
			stale++
			continue
		}

		diff := math.Abs(f.PredictedPrice - actual)
		at := resolvedAt
		f.ActualPrice = &actual
		f.Error = &diff
		f.ResolvedAt = &at
		resolved = append(resolved, f)
	}

	return resolved, stale
}

// ReconcileOutcome 대조 실행 결과 (종목별 집계 포함)
type ReconcileOutcome struct {
	Pending  int
	Resolved int
	Stale    int
	Written  int
	// ByInstrument counts resolved rows per instrument
	ByInstrument map[string]int
	// StaleByInstrument counts stale rows per instrument
	StaleByInstrument map[string]int
}

// StaleErrors 종목별 stale 집계를 ErrStaleData 로 감싼 목록 (종목 순)
func (o *ReconcileOutcome) StaleErrors() []error {
	instruments := make([]string, 0, len(o.StaleByInstrument))
	for inst, n := range o.StaleByInstrument {
		if n > 0 {
			instruments = append(instruments, inst)
		}
	}
	sort.Strings(instruments)

	errs := make([]error, 0, len(instruments))
	for _, inst := range instruments {
		errs = append(errs, fmt.Errorf("%w: %s has %d matured forecasts without a realized price",
			contracts.ErrStaleData, inst, o.StaleByInstrument[inst]))
	}
	return errs
}

// Reconciler 미해결 조회 → 실현가 조회 → 대조 → 저장
type Reconciler struct {
	prices       contracts.PriceStore
	forecasts    contracts.ForecastStore
	metrics      *metrics.Recorder
	storeTimeout time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

// NewReconciler creates a reconciler; rec may be nil
func NewReconciler(prices contracts.PriceStore, forecasts contracts.ForecastStore, rec *metrics.Recorder, storeTimeout time.Duration, log zerolog.Logger) *Reconciler {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &Reconciler{
		prices:       prices,
		forecasts:    forecasts,
		metrics:      rec,
		storeTimeout: storeTimeout,
		log:          log.With().Str("component", "forecast.reconciler").Logger(),
		now:          time.Now,
	}
}

// Run resolves every forecast with target_date <= asOf that has a realized price.
// Running it twice is safe: resolved rows are never selected or rewritten.
func (r *Reconciler) Run(ctx context.Context, asOf time.Time) (*ReconcileOutcome, error) {
	asOf = contracts.DateOnly(asOf)
	out := &ReconcileOutcome{
		ByInstrument:      make(map[string]int),
		StaleByInstrument: make(map[string]int),
	}

	unresolved, err := r.queryUnresolved(ctx, asOf)
	if err != nil {
		return nil, err
	}
	out.Pending = len(unresolved)
	if len(unresolved) == 0 {
		r.log.Info().Time("as_of", asOf).Msg("nothing to reconcile")
		return out, nil
	}

	realized, err := r.closes(ctx, unresolved)
	if err != nil {
		return nil, err
	}

	resolved, stale := Reconcile(unresolved, realized, r.now().UTC())
	out.Stale = stale
	out.Resolved = len(resolved)

	for _, f := range resolved {
		out.ByInstrument[f.InstrumentID]++
	}
	for _, f := range unresolved {
		if _, ok := realized[contracts.NewRealizedKey(f.InstrumentID, f.TargetDate)]; !ok {
			out.StaleByInstrument[f.InstrumentID]++
		}
	}

	if len(resolved) > 0 {
		storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		defer cancel()

		n, err := r.forecasts.ResolveForecasts(storeCtx, resolved)
		if err != nil {
			return nil, storeErr("resolve forecasts", err)
		}
		out.Written = n
	}

	instruments := make([]string, 0, len(out.ByInstrument)+len(out.StaleByInstrument))
	seen := make(map[string]bool)
	for _, m := range []map[string]int{out.ByInstrument, out.StaleByInstrument} {
		for inst := range m {
			if !seen[inst] {
				seen[inst] = true
				instruments = append(instruments, inst)
			}
		}
	}
	sort.Strings(instruments)
	for _, inst := range instruments {
		r.metrics.RecordReconciliation(inst, out.ByInstrument[inst], out.StaleByInstrument[inst])
	}

	r.log.Info().
		Time("as_of", asOf).
		Int("pending", out.Pending).
		Int("resolved", out.Resolved).
		Int("written", out.Written).
		Int("stale", out.Stale).
		Msg("reconciliation complete")

	return out, nil
}

func (r *Reconciler) queryUnresolved(ctx context.Context, asOf time.Time) ([]contracts.Forecast, error) {
	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	rows, err := r.forecasts.QueryUnresolved(storeCtx, asOf)
	if err != nil {
		return nil, storeErr("query unresolved", err)
	}
	return rows, nil
}

// closes looks up the realized close for each distinct (instrument, target_date)
func (r *Reconciler) closes(ctx context.Context, unresolved []contracts.Forecast) (map[contracts.RealizedKey]float64, error) {
	seen := make(map[contracts.RealizedKey]bool)
	var keys []contracts.RealizedKey
	for _, f := range unresolved {
		k := contracts.NewRealizedKey(f.InstrumentID, f.TargetDate)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	realized, err := r.prices.Closes(storeCtx, keys)
	if err != nil {
		return nil, storeErr("realized closes", err)
	}
	return realized, nil
}
