package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/features"
	"github.com/wonny/copperwatch/internal/models"
	"github.com/wonny/copperwatch/pkg/metrics"
)

// pricePlaces 저장 가격 소수 자릿수
const pricePlaces = 4

// DefaultStoreTimeout 저장소 호출 기본 타임아웃
const DefaultStoreTimeout = 30 * time.Second

// Model failure reasons
const (
	ReasonError         = "error"
	ReasonTimeout       = "timeout"
	ReasonPanic         = "panic"
	ReasonInvalidOutput = "invalid_output"
	ReasonCancelled     = "cancelled"
)

// Instrument 예측 대상 종목 (Companion은 spread 계산용, 없으면 빈 문자열)
type Instrument struct {
	ID        string
	Companion string
}

// IssuerConfig 발행 설정
type IssuerConfig struct {
	Horizon      int
	LookbackDays int
	ModelTimeout time.Duration
	ModelWorkers int
	StoreTimeout time.Duration
}

// minLookbackDays 가장 긴 피처 룩백을 덮는 달력일 수 (주말·휴장 여유 포함)
func minLookbackDays() int {
	return features.MaxLookback()*7/5 + 14
}

func (c IssuerConfig) withDefaults() IssuerConfig {
	if c.Horizon <= 0 {
		c.Horizon = 5
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 120
	}
	if floor := minLookbackDays(); c.LookbackDays < floor {
		c.LookbackDays = floor
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 10 * time.Second
	}
	if c.ModelWorkers <= 0 {
		c.ModelWorkers = 1
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

// Issuance 한 종목의 발행 결과
type Issuance struct {
	InstrumentID string
	IssueDate    time.Time
	Forecasts    []contracts.Forecast
	Models       int // adapters that produced output
	Failed       int
	Skipped      int // feature models skipped for an ineligible vector
	Warnings     []string
	Written      int
}

func (is *Issuance) warn(format string, args ...interface{}) {
	is.Warnings = append(is.Warnings, fmt.Sprintf(format, args...))
}

// Issuer 피처 → 모델 병렬 추론 → 앙상블 → 저장
type Issuer struct {
	prices    contracts.PriceStore
	forecasts contracts.ForecastStore
	registry  *models.Registry
	engine    *features.Engine
	metrics   *metrics.Recorder
	cfg       IssuerConfig
	log       zerolog.Logger
	now       func() time.Time
}

// NewIssuer creates an issuer; rec may be nil
func NewIssuer(
	prices contracts.PriceStore,
	forecasts contracts.ForecastStore,
	registry *models.Registry,
	engine *features.Engine,
	rec *metrics.Recorder,
	cfg IssuerConfig,
	log zerolog.Logger,
) *Issuer {
	cfg = cfg.withDefaults()
	return &Issuer{
		prices:    prices,
		forecasts: forecasts,
		registry:  registry,
		engine:    engine,
		metrics:   rec,
		cfg:       cfg,
		log:       log.With().Str("component", "forecast.issuer").Logger(),
		now:       time.Now,
	}
}

// Issue builds and persists the forecasts of one instrument.
// Only store failures are returned as errors; everything else is a warning
// on the Issuance.
func (i *Issuer) Issue(ctx context.Context, inst Instrument, asOf time.Time, runID string) (*Issuance, error) {
	issuance, err := i.Build(ctx, inst, asOf, runID)
	if err != nil {
		return nil, err
	}
	if len(issuance.Forecasts) == 0 {
		return issuance, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, i.cfg.StoreTimeout)
	defer cancel()

	n, err := i.forecasts.UpsertForecasts(storeCtx, issuance.Forecasts)
	if err != nil {
		return issuance, storeErr("upsert forecasts", err)
	}
	issuance.Written = n

	perModel := make(map[string]int)
	for _, f := range issuance.Forecasts {
		perModel[f.ModelName]++
	}
	for model, count := range perModel {
		i.metrics.RecordIssued(inst.ID, model, count)
	}

	i.log.Info().
		Str("instrument", inst.ID).
		Time("issue_date", issuance.IssueDate).
		Int("models", issuance.Models).
		Int("failed", issuance.Failed).
		Int("forecasts", n).
		Msg("forecasts issued")

	return issuance, nil
}

// Build derives features and runs every adapter without writing anything
func (i *Issuer) Build(ctx context.Context, inst Instrument, asOf time.Time, runID string) (*Issuance, error) {
	asOf = contracts.DateOnly(asOf)
	issuance := &Issuance{InstrumentID: inst.ID, IssueDate: asOf}

	history, companion, err := i.loadHistory(ctx, inst, asOf)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		issuance.warn("%s: no observations up to %s", inst.ID, asOf.Format(contracts.DateLayout))
		return issuance, nil
	}

	// 1. Features
	vector, ferr := i.engine.Derive(history, companion, asOf)
	ready := ferr == nil
	if ferr != nil {
		issuance.warn("%s: %s: %v", inst.ID, contracts.StageFeatures, ferr)
	}

	// 2. Models
	adapters := i.registry.Adapters()
	in := models.Input{
		IssueDate:     asOf,
		Features:      vector,
		FeaturesReady: ready,
		History:       history,
		TargetDates:   TargetDates(asOf, i.cfg.Horizon),
	}
	preds := i.runAdapters(ctx, adapters, in, issuance)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(preds) == 0 {
		issuance.warn("%s: no model produced a forecast", inst.ID)
		return issuance, nil
	}

	// 3. Ensemble
	issuance.Forecasts = i.assemble(inst.ID, asOf, runID, adapters, preds, in.TargetDates)

	return issuance, nil
}

func (i *Issuer) loadHistory(ctx context.Context, inst Instrument, asOf time.Time) ([]contracts.PriceObservation, []contracts.PriceObservation, error) {
	from := asOf.AddDate(0, 0, -i.cfg.LookbackDays)

	storeCtx, cancel := context.WithTimeout(ctx, i.cfg.StoreTimeout)
	defer cancel()

	obs, err := i.prices.Observations(storeCtx, inst.ID, from, asOf)
	if err != nil {
		return nil, nil, storeErr("observations", err)
	}

	var companion []contracts.PriceObservation
	if inst.Companion != "" {
		companion, err = i.prices.Observations(storeCtx, inst.Companion, from, asOf)
		if err != nil {
			return nil, nil, storeErr("companion observations", err)
		}
	}

	return features.Normalize(obs), companion, nil
}

// requiredObservations 어댑터 피처 중 가장 긴 룩백
func requiredObservations(adapter models.Adapter) int {
	need := 0
	for _, name := range adapter.Features() {
		if n := features.Lookback(name); n > need {
			need = n
		}
	}
	return need
}

// runAdapters fans out over adapters; the result maps model name to prediction
func (i *Issuer) runAdapters(ctx context.Context, adapters []models.Adapter, in models.Input, issuance *Issuance) map[string]models.Prediction {
	results := make([]models.Prediction, len(adapters))
	errs := make([]error, len(adapters))
	ran := make([]bool, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.ModelWorkers)

	for idx, adapter := range adapters {
		if adapter.RequiresFeatures() && !in.FeaturesReady {
			issuance.Skipped++
			issuance.warn("%s: model %s skipped: needs %d observations, have %d",
				issuance.InstrumentID, adapter.Name(), requiredObservations(adapter), len(in.History))
			continue
		}
		ran[idx] = true

		idx, adapter := idx, adapter
		g.Go(func() error {
			results[idx], errs[idx] = i.runAdapter(gctx, adapter, in)
			return nil
		})
	}
	_ = g.Wait()

	preds := make(map[string]models.Prediction)
	for idx, adapter := range adapters {
		if !ran[idx] {
			continue
		}
		if err := errs[idx]; err != nil {
			issuance.Failed++
			issuance.warn("%s: %v", contracts.StageModels, err)

			var me *contracts.ModelError
			reason := ReasonError
			if errors.As(err, &me) {
				reason = me.Reason
			}
			i.metrics.RecordModelFailure(adapter.Name(), reason)
			i.log.Warn().Err(err).Str("model", adapter.Name()).Str("reason", reason).Msg("model excluded")
			continue
		}
		issuance.Models++
		preds[adapter.Name()] = results[idx]
	}

	return preds
}

// runAdapter calls one adapter with a timeout and panic isolation.
// The call runs in its own goroutine so an adapter that ignores ctx still
// times out; its late result is dropped.
func (i *Issuer) runAdapter(ctx context.Context, adapter models.Adapter, in models.Input) (models.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.ModelTimeout)
	defer cancel()

	type outcome struct {
		pred models.Prediction
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &contracts.ModelError{Model: adapter.Name(), Reason: ReasonPanic, Err: fmt.Errorf("%v", r)}}
			}
		}()
		pred, err := adapter.Forecast(ctx, in, i.cfg.Horizon)
		done <- outcome{pred: pred, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	i.metrics.RecordModelLatency(adapter.Name(), time.Since(start))

	if o.err != nil {
		var me *contracts.ModelError
		if errors.As(o.err, &me) {
			return models.Prediction{}, o.err
		}
		reason := ReasonError
		switch {
		case errors.Is(o.err, context.DeadlineExceeded):
			reason = ReasonTimeout
		case errors.Is(o.err, context.Canceled):
			reason = ReasonCancelled
		}
		return models.Prediction{}, &contracts.ModelError{Model: adapter.Name(), Reason: reason, Err: o.err}
	}

	return checkPrediction(adapter.Name(), o.pred, i.cfg.Horizon)
}

// checkPrediction rejects empty or non-finite output and drops malformed bands
func checkPrediction(model string, pred models.Prediction, horizon int) (models.Prediction, error) {
	if len(pred.Values) == 0 {
		return pred, &contracts.ModelError{Model: model, Reason: ReasonInvalidOutput, Err: errors.New("empty forecast")}
	}
	if len(pred.Values) > horizon {
		pred.Values = pred.Values[:horizon]
	}
	for h, v := range pred.Values {
		if !finite(v) {
			return pred, &contracts.ModelError{Model: model, Reason: ReasonInvalidOutput, Err: fmt.Errorf("non-finite value at horizon %d", h+1)}
		}
	}

	if len(pred.Lower) < len(pred.Values) || len(pred.Upper) < len(pred.Values) {
		pred.Lower, pred.Upper = nil, nil
		return pred, nil
	}
	pred.Lower = pred.Lower[:len(pred.Values)]
	pred.Upper = pred.Upper[:len(pred.Values)]
	for h := range pred.Values {
		if !finite(pred.Lower[h]) || !finite(pred.Upper[h]) {
			pred.Lower, pred.Upper = nil, nil
			break
		}
	}
	return pred, nil
}

// assemble turns predictions into rows, adding the ensemble rows last
func (i *Issuer) assemble(
	instrumentID string,
	asOf time.Time,
	runID string,
	adapters []models.Adapter,
	preds map[string]models.Prediction,
	targetDates []time.Time,
) []contracts.Forecast {
	createdAt := i.now().UTC()
	var rows []contracts.Forecast

	values := make(map[string][]float64, len(preds))
	var members []string
	featureSet := make(map[string]bool)

	for _, adapter := range adapters {
		pred, ok := preds[adapter.Name()]
		if !ok {
			continue
		}
		values[adapter.Name()] = pred.Values
		members = append(members, adapter.Name())
		for _, f := range adapter.Features() {
			featureSet[f] = true
		}

		rows = append(rows, i.rowsFor(instrumentID, asOf, runID, adapter.Name(), adapter.Version(),
			pred, adapter.Features(), targetDates, createdAt)...)
	}

	consensus := Combine(values, i.cfg.Horizon)
	if len(consensus) == 0 {
		return rows
	}

	var used []string
	for _, f := range contracts.FeatureNames {
		if featureSet[f] {
			used = append(used, f)
		}
	}
	sort.Strings(members)
	version := "mean:" + strings.Join(members, ",")

	rows = append(rows, i.rowsFor(instrumentID, asOf, runID, contracts.EnsembleModel, version,
		models.Prediction{Values: consensus}, used, targetDates, createdAt)...)

	return rows
}

func (i *Issuer) rowsFor(
	instrumentID string,
	asOf time.Time,
	runID, model, version string,
	pred models.Prediction,
	featuresUsed []string,
	targetDates []time.Time,
	createdAt time.Time,
) []contracts.Forecast {
	rows := make([]contracts.Forecast, 0, len(pred.Values))
	seen := make(map[time.Time]int)

	for idx, v := range pred.Values {
		h := idx + 1
		target := targetDates[idx]

		// 주말 이동으로 같은 target_date가 생기면 가장 짧은 호라이즌만 유지
		if prev, dup := seen[target]; dup {
			i.log.Debug().
				Str("instrument", instrumentID).
				Str("model", model).
				Int("horizon", h).
				Int("kept_horizon", prev).
				Time("target_date", target).
				Msg("target date collision, horizon dropped")
			continue
		}
		seen[target] = h

		row := contracts.Forecast{
			IssueDate:      asOf,
			TargetDate:     target,
			InstrumentID:   instrumentID,
			HorizonDays:    h,
			ModelName:      model,
			ModelVersion:   version,
			PredictedPrice: roundPrice(v),
			FeaturesUsed:   featuresUsed,
			RunID:          runID,
			CreatedAt:      createdAt,
		}
		if pred.Lower != nil && pred.Upper != nil {
			lower := roundPrice(pred.Lower[idx])
			upper := roundPrice(pred.Upper[idx])
			row.ConfidenceLower = &lower
			row.ConfidenceUpper = &upper
		}
		rows = append(rows, row)
	}

	return rows
}

func roundPrice(v float64) float64 {
	return decimal.NewFromFloat(v).Round(pricePlaces).InexactFloat64()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// storeErr keeps StoreError typing for any persistence failure
func storeErr(op string, err error) error {
	if errors.Is(err, contracts.ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return contracts.NewStoreError(op, err)
}
