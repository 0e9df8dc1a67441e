package contracts

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Operation names
const (
	OpIssue     = "issue"
	OpReconcile = "reconcile"
	OpEvaluate  = "evaluate"
	OpCollect   = "collect"
)

// Count keys used in RunResult.Counts
const (
	CountInstruments = "instruments"
	CountSkipped     = "instruments_skipped"
	CountModels      = "models"
	CountModelFailed = "models_failed"
	CountForecasts   = "forecasts"
	CountPending     = "pending"
	CountResolved    = "resolved"
	CountStale       = "stale"
	CountRecords     = "records"
	CountDegraded    = "degraded"
	CountObservation = "observations"
)

// RunResult 스케줄러에 반환되는 실행 결과
// 모든 호출은 성공/실패와 오류·경고 목록을 명시적으로 반환
type RunResult struct {
	RunID      string         `json:"run_id"`
	Operation  string         `json:"operation"`
	AsOf       time.Time      `json:"as_of"`
	Success    bool           `json:"success"`
	Retryable  bool           `json:"retryable,omitempty"`
	Counts     map[string]int `json:"counts"`
	Errors     []string       `json:"errors"`
	Warnings   []string       `json:"warnings"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// NewRunResult starts a result; Success holds until Fail is called
func NewRunResult(runID, operation string, asOf time.Time) *RunResult {
	return &RunResult{
		RunID:     runID,
		Operation: operation,
		AsOf:      DateOnly(asOf),
		Success:   true,
		Counts:    make(map[string]int),
		Errors:    []string{},
		Warnings:  []string{},
		StartedAt: time.Now(),
	}
}

// Add increments a counter
func (r *RunResult) Add(key string, n int) {
	r.Counts[key] += n
}

// Warn records a contained failure
func (r *RunResult) Warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Error records an error without failing the run
func (r *RunResult) Error(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Fail records an error and marks the run failed.
// A store outage marks the run retryable.
func (r *RunResult) Fail(err error) {
	r.Error(err)
	r.Success = false
	if errors.Is(err, ErrStoreUnavailable) {
		r.Retryable = true
	}
}

// Finish stamps the end time
func (r *RunResult) Finish() *RunResult {
	r.FinishedAt = time.Now()
	return r
}

// Duration returns the run time
func (r *RunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExitCode maps the result to a process exit status
func (r *RunResult) ExitCode() int {
	if r.Success {
		return 0
	}
	return 1
}

// CountKeys returns counter names sorted for stable output
func (r *RunResult) CountKeys() []string {
	keys := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
