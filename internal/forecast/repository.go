package forecast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/copperwatch/internal/contracts"
)

// DefaultListLimit ListForecasts 기본 조회 건수
const DefaultListLimit = 500

// SchemaStatements 예측/성능 테이블 DDL (migrate 명령에서 실행)
var SchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS daily_predictions (
		id               BIGSERIAL PRIMARY KEY,
		issue_date       DATE NOT NULL,
		target_date      DATE NOT NULL,
		instrument_id    TEXT NOT NULL,
		horizon_days     INTEGER NOT NULL CHECK (horizon_days >= 1),
		model_name       TEXT NOT NULL,
		model_version    TEXT NOT NULL DEFAULT '',
		predicted_price  DOUBLE PRECISION NOT NULL,
		actual_price     DOUBLE PRECISION,
		prediction_error DOUBLE PRECISION,
		confidence_lower DOUBLE PRECISION,
		confidence_upper DOUBLE PRECISION,
		features_used    TEXT[] NOT NULL DEFAULT '{}',
		run_id           TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		resolved_at      TIMESTAMPTZ,
		UNIQUE (issue_date, target_date, instrument_id, model_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_daily_predictions_unresolved
		ON daily_predictions (target_date) WHERE actual_price IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_daily_predictions_instrument_target
		ON daily_predictions (instrument_id, target_date)`,
	`CREATE TABLE IF NOT EXISTS prediction_performance (
		evaluation_date      DATE NOT NULL,
		instrument_id        TEXT NOT NULL,
		model_name           TEXT NOT NULL,
		horizon_days         INTEGER NOT NULL,
		mae                  DOUBLE PRECISION NOT NULL,
		rmse                 DOUBLE PRECISION NOT NULL,
		mape                 DOUBLE PRECISION,
		directional_accuracy DOUBLE PRECISION,
		sample_count         INTEGER NOT NULL,
		degraded             BOOLEAN NOT NULL DEFAULT FALSE,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (evaluation_date, instrument_id, model_name, horizon_days)
	)`,
}

const forecastColumns = `issue_date, target_date, instrument_id, horizon_days, model_name, model_version,
	predicted_price, actual_price, prediction_error, confidence_lower, confidence_upper,
	features_used, run_id, created_at, resolved_at`

// Repository 예측/성능 저장소 (PostgreSQL)
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository 새 저장소 생성
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertForecasts 예측 일괄 저장 (멱등)
// 해결된 행(actual_price IS NOT NULL)은 WHERE 조건으로 보호
func (r *Repository) UpsertForecasts(ctx context.Context, forecasts []contracts.Forecast) (int, error) {
	if len(forecasts) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO daily_predictions
			(issue_date, target_date, instrument_id, horizon_days, model_name, model_version,
			 predicted_price, confidence_lower, confidence_upper, features_used, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (issue_date, target_date, instrument_id, model_name) DO UPDATE SET
			horizon_days = EXCLUDED.horizon_days,
			model_version = EXCLUDED.model_version,
			predicted_price = EXCLUDED.predicted_price,
			confidence_lower = EXCLUDED.confidence_lower,
			confidence_upper = EXCLUDED.confidence_upper,
			features_used = EXCLUDED.features_used,
			run_id = EXCLUDED.run_id
		WHERE daily_predictions.actual_price IS NULL`

	total := 0
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, f := range forecasts {
			features := f.FeaturesUsed
			if features == nil {
				features = []string{}
			}
			batch.Queue(query,
				contracts.DateOnly(f.IssueDate), contracts.DateOnly(f.TargetDate), f.InstrumentID,
				f.HorizonDays, f.ModelName, f.ModelVersion, f.PredictedPrice,
				f.ConfidenceLower, f.ConfidenceUpper, features, f.RunID, f.CreatedAt,
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for range forecasts {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			total += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, contracts.NewStoreError("upsert forecasts", err)
	}

	return total, nil
}

// QueryUnresolved target_date <= asOf 인 미해결 예측
func (r *Repository) QueryUnresolved(ctx context.Context, asOf time.Time) ([]contracts.Forecast, error) {
	query := `SELECT ` + forecastColumns + `
		FROM daily_predictions
		WHERE target_date <= $1 AND actual_price IS NULL
		ORDER BY target_date, instrument_id, model_name, issue_date`

	forecasts, err := r.queryForecasts(ctx, query, contracts.DateOnly(asOf))
	if err != nil {
		return nil, contracts.NewStoreError("query unresolved", err)
	}
	return forecasts, nil
}

// ResolveForecasts 실현가 기록 (미해결 행만, 한 번만)
func (r *Repository) ResolveForecasts(ctx context.Context, resolved []contracts.Forecast) (int, error) {
	if len(resolved) == 0 {
		return 0, nil
	}

	query := `
		UPDATE daily_predictions SET
			actual_price = $1,
			prediction_error = $2,
			resolved_at = $3
		WHERE issue_date = $4 AND target_date = $5 AND instrument_id = $6 AND model_name = $7
		  AND actual_price IS NULL`

	total := 0
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, f := range resolved {
			resolvedAt := time.Now().UTC()
			if f.ResolvedAt != nil {
				resolvedAt = *f.ResolvedAt
			}
			batch.Queue(query,
				f.ActualPrice, f.Error, resolvedAt,
				contracts.DateOnly(f.IssueDate), contracts.DateOnly(f.TargetDate), f.InstrumentID, f.ModelName,
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for range resolved {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			total += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, contracts.NewStoreError("resolve forecasts", err)
	}

	return total, nil
}

// QueryResolved from <= target_date <= to 인 해결된 예측
func (r *Repository) QueryResolved(ctx context.Context, instrumentID string, from, to time.Time) ([]contracts.Forecast, error) {
	query := `SELECT ` + forecastColumns + `
		FROM daily_predictions
		WHERE instrument_id = $1 AND target_date BETWEEN $2 AND $3
		  AND actual_price IS NOT NULL
		ORDER BY model_name, horizon_days, target_date, issue_date`

	forecasts, err := r.queryForecasts(ctx, query, instrumentID, contracts.DateOnly(from), contracts.DateOnly(to))
	if err != nil {
		return nil, contracts.NewStoreError("query resolved", err)
	}
	return forecasts, nil
}

// ListForecasts 대시보드용 조회
func (r *Repository) ListForecasts(ctx context.Context, filter contracts.ForecastFilter) ([]contracts.Forecast, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.InstrumentID != "" {
		add("instrument_id = $%d", filter.InstrumentID)
	}
	if filter.ModelName != "" {
		add("model_name = $%d", filter.ModelName)
	}
	if !filter.From.IsZero() {
		add("target_date >= $%d", contracts.DateOnly(filter.From))
	}
	if !filter.To.IsZero() {
		add("target_date <= $%d", contracts.DateOnly(filter.To))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + forecastColumns + ` FROM daily_predictions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY target_date DESC, instrument_id, model_name, issue_date DESC LIMIT $%d", len(args))

	forecasts, err := r.queryForecasts(ctx, query, args...)
	if err != nil {
		return nil, contracts.NewStoreError("list forecasts", err)
	}
	return forecasts, nil
}

func (r *Repository) queryForecasts(ctx context.Context, query string, args ...interface{}) ([]contracts.Forecast, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forecasts []contracts.Forecast
	for rows.Next() {
		var f contracts.Forecast
		if err := rows.Scan(
			&f.IssueDate, &f.TargetDate, &f.InstrumentID, &f.HorizonDays, &f.ModelName, &f.ModelVersion,
			&f.PredictedPrice, &f.ActualPrice, &f.Error, &f.ConfidenceLower, &f.ConfidenceUpper,
			&f.FeaturesUsed, &f.RunID, &f.CreatedAt, &f.ResolvedAt,
		); err != nil {
			return nil, err
		}
		f.IssueDate = contracts.DateOnly(f.IssueDate)
		f.TargetDate = contracts.DateOnly(f.TargetDate)
		forecasts = append(forecasts, f)
	}

	return forecasts, rows.Err()
}

// UpsertPerformance 성능 스냅샷 덮어쓰기
func (r *Repository) UpsertPerformance(ctx context.Context, records []contracts.PerformanceRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO prediction_performance
			(evaluation_date, instrument_id, model_name, horizon_days,
			 mae, rmse, mape, directional_accuracy, sample_count, degraded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (evaluation_date, instrument_id, model_name, horizon_days) DO UPDATE SET
			mae = EXCLUDED.mae,
			rmse = EXCLUDED.rmse,
			mape = EXCLUDED.mape,
			directional_accuracy = EXCLUDED.directional_accuracy,
			sample_count = EXCLUDED.sample_count,
			degraded = EXCLUDED.degraded,
			created_at = NOW()`

	total := 0
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range records {
			batch.Queue(query,
				contracts.DateOnly(p.EvaluationDate), p.InstrumentID, p.ModelName, p.HorizonDays,
				p.MAE, p.RMSE, p.MAPE, p.DirectionalAccuracy, p.SampleCount, p.Degraded,
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for range records {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			total += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, contracts.NewStoreError("upsert performance", err)
	}

	return total, nil
}

// ListPerformance 평가일 기준 성능 조회 (evalDate가 zero면 최신 평가일)
// instrumentID가 빈 문자열이면 전체 종목
func (r *Repository) ListPerformance(ctx context.Context, instrumentID string, evalDate time.Time) ([]contracts.PerformanceRecord, error) {
	var (
		query string
		args  []interface{}
	)

	if evalDate.IsZero() {
		query = `
			SELECT evaluation_date, instrument_id, model_name, horizon_days,
				   mae, rmse, mape, directional_accuracy, sample_count, degraded
			FROM prediction_performance
			WHERE ($1::text = '' OR instrument_id = $1)
			  AND evaluation_date = (
				SELECT MAX(evaluation_date) FROM prediction_performance
				WHERE ($1::text = '' OR instrument_id = $1))
			ORDER BY instrument_id, model_name, horizon_days`
		args = []interface{}{instrumentID}
	} else {
		query = `
			SELECT evaluation_date, instrument_id, model_name, horizon_days,
				   mae, rmse, mape, directional_accuracy, sample_count, degraded
			FROM prediction_performance
			WHERE ($1::text = '' OR instrument_id = $1) AND evaluation_date = $2
			ORDER BY instrument_id, model_name, horizon_days`
		args = []interface{}{instrumentID, contracts.DateOnly(evalDate)}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, contracts.NewStoreError("list performance", err)
	}
	defer rows.Close()

	var records []contracts.PerformanceRecord
	for rows.Next() {
		var p contracts.PerformanceRecord
		if err := rows.Scan(
			&p.EvaluationDate, &p.InstrumentID, &p.ModelName, &p.HorizonDays,
			&p.MAE, &p.RMSE, &p.MAPE, &p.DirectionalAccuracy, &p.SampleCount, &p.Degraded,
		); err != nil {
			return nil, contracts.NewStoreError("list performance", err)
		}
		p.EvaluationDate = contracts.DateOnly(p.EvaluationDate)
		records = append(records, p)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.NewStoreError("list performance", err)
	}

	return records, nil
}
