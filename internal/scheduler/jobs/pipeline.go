package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/models"
	"github.com/wonny/copperwatch/internal/scheduler"
	"github.com/wonny/copperwatch/pkg/config"
	"github.com/wonny/copperwatch/pkg/logger"
)

// Runner 파이프라인 호출 표면 (pipeline.Pipeline)
type Runner interface {
	IssueForecasts(ctx context.Context, asOf time.Time) *contracts.RunResult
	Reconcile(ctx context.Context, asOf time.Time) *contracts.RunResult
	EvaluatePerformance(ctx context.Context, asOf time.Time, windowDays int) *contracts.RunResult
	Collect(ctx context.Context, from, to time.Time) *contracts.RunResult
}

// collectLookbackDays 늦게 도착한 관측치를 다시 받는 기간
const collectLookbackDays = 5

// resultError turns a failed run into a job error.
// Only store outages are retried by the scheduler.
func resultError(res *contracts.RunResult) error {
	if res.Success {
		return nil
	}
	err := fmt.Errorf("%s run %s failed: %s", res.Operation, res.RunID, strings.Join(res.Errors, "; "))
	if !res.Retryable {
		return scheduler.Permanent(err)
	}
	return err
}

// pipelineJob 파이프라인 작업 공통
type pipelineJob struct {
	name     string
	schedule string
	run      func(ctx context.Context, today time.Time) *contracts.RunResult
	logger   *logger.Logger
	now      func() time.Time
}

// Name returns the job name
func (j *pipelineJob) Name() string {
	return j.name
}

// Schedule returns the cron schedule
func (j *pipelineJob) Schedule() string {
	return j.schedule
}

// Run executes the operation for today
func (j *pipelineJob) Run(ctx context.Context) error {
	today := contracts.DateOnly(j.now())
	j.logger.WithField("as_of", today.Format(contracts.DateLayout)).Info("Starting scheduled run")

	res := j.run(ctx, today)
	for _, w := range res.Warnings {
		j.logger.WithField("run_id", res.RunID).Warn(w)
	}
	return resultError(res)
}

func newJob(name, schedule string, log *logger.Logger, run func(context.Context, time.Time) *contracts.RunResult) *pipelineJob {
	return &pipelineJob{
		name:     name,
		schedule: schedule,
		run:      run,
		logger:   log.WithField("job", name),
		now:      time.Now,
	}
}

// NewCollectJob pulls the last few days from the feed
// Schedule: 6:30 PM weekdays (after the LME close)
func NewCollectJob(r Runner, schedule string, log *logger.Logger) scheduler.Job {
	return newJob("price_collection", schedule, log, func(ctx context.Context, today time.Time) *contracts.RunResult {
		return r.Collect(ctx, today.AddDate(0, 0, -collectLookbackDays), today)
	})
}

// NewIssueJob issues forecasts as of today
func NewIssueJob(r Runner, schedule string, log *logger.Logger) scheduler.Job {
	return newJob("forecast_issue", schedule, log, r.IssueForecasts)
}

// NewReconcileJob resolves matured forecasts
func NewReconcileJob(r Runner, schedule string, log *logger.Logger) scheduler.Job {
	return newJob("forecast_reconcile", schedule, log, r.Reconcile)
}

// NewEvaluateJob writes today's rolling accuracy snapshot
func NewEvaluateJob(r Runner, schedule string, windowDays int, log *logger.Logger) scheduler.Job {
	return newJob("performance_evaluate", schedule, log, func(ctx context.Context, today time.Time) *contracts.RunResult {
		return r.EvaluatePerformance(ctx, today, windowDays)
	})
}

// ModelReloadJob 모델 디렉터리 재스캔 (MODEL_RELOAD=false 일 때 수동 주기)
type ModelReloadJob struct {
	registry *models.Registry
	schedule string
	logger   *logger.Logger
}

// NewModelReloadJob creates a reload job
func NewModelReloadJob(registry *models.Registry, schedule string, log *logger.Logger) *ModelReloadJob {
	return &ModelReloadJob{registry: registry, schedule: schedule, logger: log.WithField("job", "model_reload")}
}

// Name returns the job name
func (j *ModelReloadJob) Name() string {
	return "model_reload"
}

// Schedule returns the cron schedule
func (j *ModelReloadJob) Schedule() string {
	return j.schedule
}

// Run rescans the model directory
func (j *ModelReloadJob) Run(ctx context.Context) error {
	j.registry.Reload()
	j.logger.WithFields(map[string]interface{}{
		"models":   len(j.registry.Adapters()),
		"failures": len(j.registry.Failures()),
	}).Info("Model registry reloaded")
	return nil
}

// Register adds every daily job configured in cfg.
// An empty schedule disables that job.
func Register(s *scheduler.Scheduler, r Runner, registry *models.Registry, cfg config.SchedulerConfig, windowDays int, log *logger.Logger) error {
	candidates := []struct {
		schedule string
		job      scheduler.Job
	}{
		{cfg.CollectSchedule, NewCollectJob(r, cfg.CollectSchedule, log)},
		{cfg.IssueSchedule, NewIssueJob(r, cfg.IssueSchedule, log)},
		{cfg.ReconcileSchedule, NewReconcileJob(r, cfg.ReconcileSchedule, log)},
		{cfg.EvaluateSchedule, NewEvaluateJob(r, cfg.EvaluateSchedule, windowDays, log)},
	}
	if registry != nil && cfg.ModelReloadSchedule != "" {
		candidates = append(candidates, struct {
			schedule string
			job      scheduler.Job
		}{cfg.ModelReloadSchedule, NewModelReloadJob(registry, cfg.ModelReloadSchedule, log)})
	}

	for _, c := range candidates {
		if c.schedule == "" {
			continue
		}
		if err := s.AddJob(c.job); err != nil {
			return err
		}
	}
	return nil
}
