package forecast

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/pkg/metrics"
)

// DefaultMAPEAlert MAPE(%) 경고 기준
const DefaultMAPEAlert = 5.0

type groupKey struct {
	model   string
	horizon int
}

// Evaluate 롤링 윈도우 정확도 계산
// 대상: evalDate-windowDays < target_date <= evalDate 인 해결된 예측
// (model, horizon) 그룹별 레코드, (model, horizon) 순 정렬
func Evaluate(resolved []contracts.Forecast, evalDate time.Time, windowDays int) []contracts.PerformanceRecord {
	evalDate = contracts.DateOnly(evalDate)
	start := evalDate.AddDate(0, 0, -windowDays)

	groups := make(map[groupKey][]contracts.Forecast)
	for _, f := range resolved {
		if !f.Resolved() {
			continue
		}
		target := contracts.DateOnly(f.TargetDate)
		if !target.After(start) || target.After(evalDate) {
			continue
		}
		k := groupKey{model: f.ModelName, horizon: f.HorizonDays}
		groups[k] = append(groups[k], f)
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].model != keys[j].model {
			return keys[i].model < keys[j].model
		}
		return keys[i].horizon < keys[j].horizon
	})

	records := make([]contracts.PerformanceRecord, 0, len(keys))
	for _, k := range keys {
		rows := groups[k]
		rec := contracts.PerformanceRecord{
			EvaluationDate: evalDate,
			InstrumentID:   rows[0].InstrumentID,
			ModelName:      k.model,
			HorizonDays:    k.horizon,
			SampleCount:    len(rows),
		}
		rec.MAE, rec.RMSE, rec.MAPE = errorStats(rows)
		rec.DirectionalAccuracy = directionalAccuracy(rows)
		records = append(records, rec)
	}

	return records
}

// errorStats returns mae, rmse and mape (percent, nil when every actual is 0)
func errorStats(rows []contracts.Forecast) (float64, float64, *float64) {
	var absSum, sqSum, pctSum float64
	pctN := 0

	for _, f := range rows {
		actual := *f.ActualPrice
		e := math.Abs(f.PredictedPrice - actual)
		absSum += e
		sqSum += e * e
		if actual != 0 {
			pctSum += e / math.Abs(actual) * 100
			pctN++
		}
	}

	n := float64(len(rows))
	mae := absSum / n
	rmse := math.Sqrt(sqSum / n)

	var mape *float64
	if pctN > 0 {
		v := pctSum / float64(pctN)
		mape = &v
	}
	return mae, rmse, mape
}

// directionalAccuracy 연속 예측 쌍의 방향 일치율
// 기준가는 직전 예측의 실현가; 예측 방향 또는 실제 방향이 0이면 제외
// 셀 수 있는 쌍이 없으면 nil
func directionalAccuracy(rows []contracts.Forecast) *float64 {
	ordered := make([]contracts.Forecast, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].TargetDate.Equal(ordered[j].TargetDate) {
			return ordered[i].TargetDate.Before(ordered[j].TargetDate)
		}
		return ordered[i].IssueDate.Before(ordered[j].IssueDate)
	})

	hits, total := 0, 0
	for i := 1; i < len(ordered); i++ {
		base := *ordered[i-1].ActualPrice
		cur := ordered[i]

		predicted := sign(cur.PredictedPrice - base)
		actual := sign(*cur.ActualPrice - base)
		if predicted == 0 || actual == 0 {
			continue
		}
		total++
		if predicted == actual {
			hits++
		}
	}

	if total == 0 {
		return nil
	}
	v := float64(hits) / float64(total)
	return &v
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// EvaluateOutcome 평가 실행 결과
type EvaluateOutcome struct {
	Records  []contracts.PerformanceRecord
	Written  int
	Degraded []contracts.PerformanceRecord
}

// Evaluator 해결된 예측 조회 → 평가 → 성능 스냅샷 저장
type Evaluator struct {
	forecasts    contracts.ForecastStore
	performance  contracts.PerformanceStore
	metrics      *metrics.Recorder
	mapeAlert    float64
	storeTimeout time.Duration
	log          zerolog.Logger
}

// NewEvaluator creates an evaluator; mapeAlert <= 0 uses DefaultMAPEAlert
func NewEvaluator(forecasts contracts.ForecastStore, performance contracts.PerformanceStore, rec *metrics.Recorder, mapeAlert float64, storeTimeout time.Duration, log zerolog.Logger) *Evaluator {
	if mapeAlert <= 0 {
		mapeAlert = DefaultMAPEAlert
	}
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &Evaluator{
		forecasts:    forecasts,
		performance:  performance,
		metrics:      rec,
		mapeAlert:    mapeAlert,
		storeTimeout: storeTimeout,
		log:          log.With().Str("component", "forecast.evaluator").Logger(),
	}
}

// Run evaluates one instrument and overwrites its snapshot for asOf
func (e *Evaluator) Run(ctx context.Context, instrumentID string, asOf time.Time, windowDays int) (*EvaluateOutcome, error) {
	asOf = contracts.DateOnly(asOf)
	from := asOf.AddDate(0, 0, -windowDays+1)

	queryCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	resolved, err := e.forecasts.QueryResolved(queryCtx, instrumentID, from, asOf)
	cancel()
	if err != nil {
		return nil, storeErr("query resolved", err)
	}

	records := Evaluate(resolved, asOf, windowDays)
	out := &EvaluateOutcome{Records: records}

	for i := range records {
		rec := &records[i]
		rec.InstrumentID = instrumentID
		if rec.MAPE == nil {
			continue
		}
		e.metrics.RecordMAPE(instrumentID, rec.ModelName, rec.HorizonDays, *rec.MAPE)
		if *rec.MAPE > e.mapeAlert {
			rec.Degraded = true
			out.Degraded = append(out.Degraded, *rec)
			e.log.Warn().
				Str("instrument", instrumentID).
				Str("model", rec.ModelName).
				Int("horizon", rec.HorizonDays).
				Float64("mape", *rec.MAPE).
				Float64("threshold", e.mapeAlert).
				Msg("model accuracy degraded")
		}
	}

	if len(records) == 0 {
		e.log.Info().Str("instrument", instrumentID).Time("as_of", asOf).Msg("no resolved forecasts in window")
		return out, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	n, err := e.performance.UpsertPerformance(storeCtx, records)
	if err != nil {
		return nil, storeErr("upsert performance", err)
	}
	out.Written = n

	e.log.Info().
		Str("instrument", instrumentID).
		Time("as_of", asOf).
		Int("records", len(records)).
		Int("degraded", len(out.Degraded)).
		Msg("performance evaluated")

	return out, nil
}
