package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/features"
	"github.com/wonny/copperwatch/internal/forecast"
	"github.com/wonny/copperwatch/internal/marketdata"
	"github.com/wonny/copperwatch/internal/models"
	"github.com/wonny/copperwatch/pkg/config"
	"github.com/wonny/copperwatch/pkg/id"
	"github.com/wonny/copperwatch/pkg/logger"
	"github.com/wonny/copperwatch/pkg/metrics"
	"github.com/wonny/copperwatch/pkg/redis"
)

// publishTimeout bounds one run-event publish
const publishTimeout = 5 * time.Second

// ErrNoAdapters fails an issuance when the registry is empty
var ErrNoAdapters = errors.New("no model adapters loaded")

// Config 파이프라인 실행 설정
type Config struct {
	Instruments  []forecast.Instrument
	Horizon      int
	WindowDays   int
	LookbackDays int
	ModelTimeout time.Duration
	ModelWorkers int
	StoreTimeout time.Duration
	MAPEAlert    float64
	ReloadModels bool
}

// ConfigFrom maps application config onto pipeline config
func ConfigFrom(cfg *config.Config) Config {
	instruments := make([]forecast.Instrument, len(cfg.Forecast.Instruments))
	for i, inst := range cfg.Forecast.Instruments {
		instruments[i] = forecast.Instrument{ID: inst.ID, Companion: inst.Companion}
	}

	return Config{
		Instruments:  instruments,
		Horizon:      cfg.Forecast.Horizon,
		WindowDays:   cfg.Forecast.WindowDays,
		LookbackDays: cfg.Forecast.LookbackDays,
		ModelTimeout: cfg.Forecast.ModelTimeout,
		ModelWorkers: cfg.Forecast.ModelWorkers,
		StoreTimeout: cfg.Store.Timeout,
		MAPEAlert:    cfg.Forecast.MAPEAlertPercent,
		ReloadModels: cfg.Forecast.ModelReload,
	}
}

// Deps 파이프라인 의존성
// Collector, Locker, Publisher, Metrics 는 nil 허용
type Deps struct {
	Store     contracts.Store
	Registry  *models.Registry
	Collector *marketdata.Collector
	Locker    contracts.Locker
	Publisher contracts.Publisher
	Metrics   *metrics.Recorder
}

// Pipeline 스케줄러/CLI 호출 표면
// ⭐ SSOT: 예측 발행·대조·평가 실행은 여기서만 조율
type Pipeline struct {
	store      contracts.Store
	registry   *models.Registry
	issuer     *forecast.Issuer
	reconciler *forecast.Reconciler
	evaluator  *forecast.Evaluator
	collector  *marketdata.Collector
	locker     contracts.Locker
	publisher  contracts.Publisher
	metrics    *metrics.Recorder
	cfg        Config
	logger     *logger.Logger
}

// New wires the forecast components around one store
func New(deps Deps, cfg Config, log *logger.Logger) *Pipeline {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	locker := deps.Locker
	if locker == nil {
		locker = contracts.NopLocker{}
	}

	zlog := log.Zerolog()
	issuer := forecast.NewIssuer(deps.Store, deps.Store, deps.Registry, features.NewEngine(zlog), deps.Metrics,
		forecast.IssuerConfig{
			Horizon:      cfg.Horizon,
			LookbackDays: cfg.LookbackDays,
			ModelTimeout: cfg.ModelTimeout,
			ModelWorkers: cfg.ModelWorkers,
			StoreTimeout: cfg.StoreTimeout,
		}, zlog)

	return &Pipeline{
		store:      deps.Store,
		registry:   deps.Registry,
		issuer:     issuer,
		reconciler: forecast.NewReconciler(deps.Store, deps.Store, deps.Metrics, cfg.StoreTimeout, zlog),
		evaluator:  forecast.NewEvaluator(deps.Store, deps.Store, deps.Metrics, cfg.MAPEAlert, cfg.StoreTimeout, zlog),
		collector:  deps.Collector,
		locker:     locker,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		cfg:        cfg,
		logger:     log.WithField("module", "pipeline"),
	}
}

// Instruments returns the configured forecast targets
func (p *Pipeline) Instruments() []forecast.Instrument {
	return p.cfg.Instruments
}

// Store returns the store the pipeline reads and writes
func (p *Pipeline) Store() contracts.Store {
	return p.store
}

// Registry returns the model registry
func (p *Pipeline) Registry() *models.Registry {
	return p.registry
}

// IssueForecasts issues forecasts for every instrument as of asOf.
// A store failure aborts the run; model and feature problems are warnings.
func (p *Pipeline) IssueForecasts(ctx context.Context, asOf time.Time) *contracts.RunResult {
	res := contracts.NewRunResult(id.New(), contracts.OpIssue, asOf)
	asOf = res.AsOf

	if p.cfg.ReloadModels {
		p.registry.Reload()
	}
	for _, f := range p.registry.Failures() {
		res.Warn("model artifact %s: %s", f.Path, f.Error)
	}
	adapters := p.registry.Adapters()
	if len(adapters) == 0 {
		res.Fail(ErrNoAdapters)
		return p.finish(ctx, res)
	}

	p.logger.WithFields(map[string]interface{}{
		"run_id":      res.RunID,
		"as_of":       asOf.Format(contracts.DateLayout),
		"instruments": len(p.cfg.Instruments),
		"models":      len(adapters),
	}).Info("Starting forecast issuance")

	for _, inst := range p.cfg.Instruments {
		if err := ctx.Err(); err != nil {
			res.Fail(err)
			break
		}
		if err := p.issueOne(ctx, inst, asOf, res); err != nil {
			res.Fail(fmt.Errorf("%s: %w", inst.ID, err))
			break
		}
	}

	return p.finish(ctx, res)
}

func (p *Pipeline) issueOne(ctx context.Context, inst forecast.Instrument, asOf time.Time, res *contracts.RunResult) error {
	unlock, acquired, err := p.locker.TryLock(ctx, redis.IssueLockKey(inst.ID, asOf.Format(contracts.DateLayout)))
	if err != nil {
		// store uniqueness still guards the rows
		res.Warn("%s: issuance lock unavailable: %v", inst.ID, err)
	} else if !acquired {
		res.Add(contracts.CountSkipped, 1)
		res.Warn("%s: issuance for %s already running elsewhere", inst.ID, asOf.Format(contracts.DateLayout))
		return nil
	}
	defer func() {
		if unlock == nil {
			return
		}
		if err := unlock(context.Background()); err != nil {
			p.logger.WithError(err).WithField("instrument", inst.ID).Warn("Failed to release issuance lock")
		}
	}()

	issuance, err := p.issuer.Issue(ctx, inst, asOf, res.RunID)
	if err != nil {
		return err
	}

	res.Add(contracts.CountInstruments, 1)
	res.Add(contracts.CountModels, issuance.Models)
	res.Add(contracts.CountModelFailed, issuance.Failed)
	res.Add(contracts.CountForecasts, issuance.Written)
	if len(issuance.Forecasts) == 0 {
		res.Add(contracts.CountSkipped, 1)
	}
	for _, w := range issuance.Warnings {
		res.Warn("%s", w)
	}
	return nil
}

// Reconcile resolves every matured forecast that has a realized price
func (p *Pipeline) Reconcile(ctx context.Context, asOf time.Time) *contracts.RunResult {
	res := contracts.NewRunResult(id.New(), contracts.OpReconcile, asOf)

	out, err := p.reconciler.Run(ctx, res.AsOf)
	if err != nil {
		res.Fail(err)
		return p.finish(ctx, res)
	}

	res.Add(contracts.CountPending, out.Pending)
	res.Add(contracts.CountResolved, out.Written)
	res.Add(contracts.CountStale, out.Stale)
	for _, err := range out.StaleErrors() {
		res.Warn("%v", err)
	}
	if out.Written < out.Resolved {
		res.Warn("%d forecasts were resolved concurrently", out.Resolved-out.Written)
	}

	return p.finish(ctx, res)
}

// EvaluatePerformance writes the rolling accuracy snapshot for asOf.
// windowDays <= 0 uses the configured window.
func (p *Pipeline) EvaluatePerformance(ctx context.Context, asOf time.Time, windowDays int) *contracts.RunResult {
	res := contracts.NewRunResult(id.New(), contracts.OpEvaluate, asOf)
	if windowDays <= 0 {
		windowDays = p.cfg.WindowDays
	}

	for _, inst := range p.cfg.Instruments {
		if err := ctx.Err(); err != nil {
			res.Fail(err)
			break
		}

		out, err := p.evaluator.Run(ctx, inst.ID, res.AsOf, windowDays)
		if err != nil {
			res.Fail(fmt.Errorf("%s: %w", inst.ID, err))
			break
		}

		res.Add(contracts.CountInstruments, 1)
		res.Add(contracts.CountRecords, out.Written)
		res.Add(contracts.CountDegraded, len(out.Degraded))
		for _, rec := range out.Degraded {
			res.Warn("%s: %s h=%d degraded (mape %.2f%%)", inst.ID, rec.ModelName, rec.HorizonDays, *rec.MAPE)
		}
	}

	return p.finish(ctx, res)
}

// RunDaily runs issue, reconcile and evaluate in order.
// Later steps still run after a failed step; cancellation stops the sequence.
func (p *Pipeline) RunDaily(ctx context.Context, asOf time.Time) []*contracts.RunResult {
	steps := []func() *contracts.RunResult{
		func() *contracts.RunResult { return p.IssueForecasts(ctx, asOf) },
		func() *contracts.RunResult { return p.Reconcile(ctx, asOf) },
		func() *contracts.RunResult { return p.EvaluatePerformance(ctx, asOf, 0) },
	}

	results := make([]*contracts.RunResult, 0, len(steps))
	for _, step := range steps {
		if ctx.Err() != nil {
			break
		}
		results = append(results, step())
	}
	return results
}

// Collect pulls [from, to] from the feed for every instrument and companion
func (p *Pipeline) Collect(ctx context.Context, from, to time.Time) *contracts.RunResult {
	res := contracts.NewRunResult(id.New(), contracts.OpCollect, to)
	if p.collector == nil {
		res.Fail(marketdata.ErrNoFeed)
		return p.finish(ctx, res)
	}

	var ids []string
	seen := make(map[string]bool)
	for _, inst := range p.cfg.Instruments {
		for _, s := range []string{inst.ID, inst.Companion} {
			if s != "" && !seen[s] {
				seen[s] = true
				ids = append(ids, s)
			}
		}
	}

	failed := 0
	for _, r := range p.collector.Collect(ctx, ids, from, to) {
		res.Add(contracts.CountInstruments, 1)
		res.Add(contracts.CountObservation, r.Saved)
		switch {
		case r.Error != nil:
			failed++
			res.Error(fmt.Errorf("%s: %w", r.InstrumentID, r.Error))
		case r.Empty:
			res.Warn("%s: no observations between %s and %s", r.InstrumentID,
				from.Format(contracts.DateLayout), to.Format(contracts.DateLayout))
		}
	}
	if len(ids) > 0 && failed == len(ids) {
		res.Success = false
	}

	return p.finish(ctx, res)
}

// finish stamps, records and publishes a result
func (p *Pipeline) finish(ctx context.Context, res *contracts.RunResult) *contracts.RunResult {
	res.Finish()
	p.metrics.RecordRun(res.Operation, res.Success, res.Duration())

	fields := map[string]interface{}{
		"run_id":    res.RunID,
		"operation": res.Operation,
		"as_of":     res.AsOf.Format(contracts.DateLayout),
		"success":   res.Success,
		"duration":  res.Duration().String(),
		"warnings":  len(res.Warnings),
	}
	for k, v := range res.Counts {
		fields[k] = v
	}
	if res.Success {
		p.logger.WithFields(fields).Info("Run completed")
	} else {
		p.logger.WithFields(fields).WithField("errors", res.Errors).Error("Run failed")
	}

	if p.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := p.publisher.Publish(pubCtx, []byte(res.Operation), res); err != nil {
			p.logger.WithError(err).WithField("run_id", res.RunID).Warn("Failed to publish run event")
		}
	}

	return res
}
