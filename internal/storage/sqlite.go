package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/wonny/copperwatch/internal/contracts"
)

// sqliteSchema 날짜는 YYYY-MM-DD 텍스트로 저장 (문자열 비교 = 날짜 비교)
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS price_observations (
	instrument_id TEXT NOT NULL,
	trade_date    TEXT NOT NULL,
	open          REAL NOT NULL,
	high          REAL NOT NULL,
	low           REAL NOT NULL,
	close         REAL NOT NULL,
	volume        INTEGER NOT NULL DEFAULT 0,
	open_interest INTEGER,
	PRIMARY KEY (instrument_id, trade_date)
);

CREATE TABLE IF NOT EXISTS daily_predictions (
	issue_date       TEXT NOT NULL,
	target_date      TEXT NOT NULL,
	instrument_id    TEXT NOT NULL,
	horizon_days     INTEGER NOT NULL,
	model_name       TEXT NOT NULL,
	model_version    TEXT NOT NULL DEFAULT '',
	predicted_price  REAL NOT NULL,
	actual_price     REAL,
	prediction_error REAL,
	confidence_lower REAL,
	confidence_upper REAL,
	features_used    TEXT NOT NULL DEFAULT '[]',
	run_id           TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	resolved_at      TEXT,
	UNIQUE (issue_date, target_date, instrument_id, model_name)
);

CREATE INDEX IF NOT EXISTS idx_daily_predictions_target ON daily_predictions (target_date);

CREATE TABLE IF NOT EXISTS prediction_performance (
	evaluation_date      TEXT NOT NULL,
	instrument_id        TEXT NOT NULL,
	model_name           TEXT NOT NULL,
	horizon_days         INTEGER NOT NULL,
	mae                  REAL NOT NULL,
	rmse                 REAL NOT NULL,
	mape                 REAL,
	directional_accuracy REAL,
	sample_count         INTEGER NOT NULL,
	degraded             INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (evaluation_date, instrument_id, model_name, horizon_days)
);`

const sqliteForecastColumns = `issue_date, target_date, instrument_id, horizon_days, model_name, model_version,
	predicted_price, actual_price, prediction_error, confidence_lower, confidence_upper,
	features_used, run_id, created_at, resolved_at`

// SQLiteStore 단일 파일 저장소 (로컬 실행, 통합 테스트)
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens (or creates) the database file and applies the schema
func OpenSQLite(ctx context.Context, path string, log zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, contracts.NewStoreError("open sqlite", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, contracts.NewStoreError("sqlite schema", err)
	}

	l := log.With().Str("component", "storage.sqlite").Logger()
	l.Info().Str("path", path).Msg("sqlite store ready")

	return &SQLiteStore{db: db, log: l}, nil
}

// Ping implements contracts.Store
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return contracts.NewStoreError("ping", s.db.PingContext(ctx))
}

// Close implements contracts.Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func day(t time.Time) string {
	return contracts.DateOnly(t).Format(contracts.DateLayout)
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// inTx runs fn in one transaction
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.NewStoreError(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return contracts.NewStoreError(op, err)
	}
	return contracts.NewStoreError(op, tx.Commit())
}

// SaveObservations upserts on (instrument_id, trade_date)
func (s *SQLiteStore) SaveObservations(ctx context.Context, observations []contracts.PriceObservation) (int, error) {
	if len(observations) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO price_observations
			(instrument_id, trade_date, open, high, low, close, volume, open_interest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument_id, trade_date) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			open_interest = excluded.open_interest`

	err := s.inTx(ctx, "save observations", func(tx *sql.Tx) error {
		for _, o := range observations {
			if _, err := tx.ExecContext(ctx, query,
				o.InstrumentID, day(o.TradeDate), o.Open, o.High, o.Low, o.Close, o.Volume, o.OpenInterest,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(observations), nil
}

// Observations returns rows with from <= trade_date <= to, ascending
func (s *SQLiteStore) Observations(ctx context.Context, instrumentID string, from, to time.Time) ([]contracts.PriceObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_id, trade_date, open, high, low, close, volume, open_interest
		FROM price_observations
		WHERE instrument_id = ? AND trade_date BETWEEN ? AND ?
		ORDER BY trade_date ASC`, instrumentID, day(from), day(to))
	if err != nil {
		return nil, contracts.NewStoreError("observations", err)
	}
	defer rows.Close()

	var out []contracts.PriceObservation
	for rows.Next() {
		var (
			o    contracts.PriceObservation
			date string
			oi   sql.NullInt64
		)
		if err := rows.Scan(&o.InstrumentID, &date, &o.Open, &o.High, &o.Low, &o.Close, &o.Volume, &oi); err != nil {
			return nil, contracts.NewStoreError("observations", err)
		}
		if o.TradeDate, err = contracts.ParseDate(date); err != nil {
			return nil, contracts.NewStoreError("observations", err)
		}
		if oi.Valid {
			v := oi.Int64
			o.OpenInterest = &v
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.NewStoreError("observations", err)
	}
	return out, nil
}

// Closes returns the close for each key that has an observation
func (s *SQLiteStore) Closes(ctx context.Context, keys []contracts.RealizedKey) (map[contracts.RealizedKey]float64, error) {
	out := make(map[contracts.RealizedKey]float64, len(keys))

	stmt, err := s.db.PrepareContext(ctx, `
		SELECT close FROM price_observations WHERE instrument_id = ? AND trade_date = ?`)
	if err != nil {
		return nil, contracts.NewStoreError("closes", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		k = contracts.NewRealizedKey(k.InstrumentID, k.Date)
		var price float64
		err := stmt.QueryRowContext(ctx, k.InstrumentID, day(k.Date)).Scan(&price)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, contracts.NewStoreError("closes", err)
		}
		out[k] = price
	}
	return out, nil
}

// UpsertForecasts inserts or overwrites unresolved rows in one transaction
func (s *SQLiteStore) UpsertForecasts(ctx context.Context, forecasts []contracts.Forecast) (int, error) {
	if len(forecasts) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO daily_predictions
			(issue_date, target_date, instrument_id, horizon_days, model_name, model_version,
			 predicted_price, confidence_lower, confidence_upper, features_used, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (issue_date, target_date, instrument_id, model_name) DO UPDATE SET
			horizon_days = excluded.horizon_days,
			model_version = excluded.model_version,
			predicted_price = excluded.predicted_price,
			confidence_lower = excluded.confidence_lower,
			confidence_upper = excluded.confidence_upper,
			features_used = excluded.features_used,
			run_id = excluded.run_id
		WHERE daily_predictions.actual_price IS NULL`

	total := 0
	err := s.inTx(ctx, "upsert forecasts", func(tx *sql.Tx) error {
		for _, f := range forecasts {
			features, err := json.Marshal(nonNil(f.FeaturesUsed))
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query,
				day(f.IssueDate), day(f.TargetDate), f.InstrumentID, f.HorizonDays, f.ModelName, f.ModelVersion,
				f.PredictedPrice, f.ConfidenceLower, f.ConfidenceUpper, string(features), f.RunID, stamp(f.CreatedAt),
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// QueryUnresolved returns target_date <= asOf AND actual_price IS NULL
func (s *SQLiteStore) QueryUnresolved(ctx context.Context, asOf time.Time) ([]contracts.Forecast, error) {
	rows, err := s.queryForecasts(ctx, `SELECT `+sqliteForecastColumns+`
		FROM daily_predictions
		WHERE target_date <= ? AND actual_price IS NULL
		ORDER BY target_date, instrument_id, model_name, issue_date`, day(asOf))
	if err != nil {
		return nil, contracts.NewStoreError("query unresolved", err)
	}
	return rows, nil
}

// ResolveForecasts sets actual_price/error where actual_price IS NULL
func (s *SQLiteStore) ResolveForecasts(ctx context.Context, resolved []contracts.Forecast) (int, error) {
	if len(resolved) == 0 {
		return 0, nil
	}

	query := `
		UPDATE daily_predictions SET
			actual_price = ?, prediction_error = ?, resolved_at = ?
		WHERE issue_date = ? AND target_date = ? AND instrument_id = ? AND model_name = ?
		  AND actual_price IS NULL`

	total := 0
	err := s.inTx(ctx, "resolve forecasts", func(tx *sql.Tx) error {
		for _, f := range resolved {
			at := time.Now()
			if f.ResolvedAt != nil {
				at = *f.ResolvedAt
			}
			res, err := tx.ExecContext(ctx, query,
				f.ActualPrice, f.Error, stamp(at),
				day(f.IssueDate), day(f.TargetDate), f.InstrumentID, f.ModelName,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// QueryResolved returns resolved rows with from <= target_date <= to
func (s *SQLiteStore) QueryResolved(ctx context.Context, instrumentID string, from, to time.Time) ([]contracts.Forecast, error) {
	rows, err := s.queryForecasts(ctx, `SELECT `+sqliteForecastColumns+`
		FROM daily_predictions
		WHERE instrument_id = ? AND target_date BETWEEN ? AND ? AND actual_price IS NOT NULL
		ORDER BY model_name, horizon_days, target_date, issue_date`, instrumentID, day(from), day(to))
	if err != nil {
		return nil, contracts.NewStoreError("query resolved", err)
	}
	return rows, nil
}

// ListForecasts applies the dashboard filter, newest target first
func (s *SQLiteStore) ListForecasts(ctx context.Context, filter contracts.ForecastFilter) ([]contracts.Forecast, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.InstrumentID != "" {
		conds = append(conds, "instrument_id = ?")
		args = append(args, filter.InstrumentID)
	}
	if filter.ModelName != "" {
		conds = append(conds, "model_name = ?")
		args = append(args, filter.ModelName)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "target_date >= ?")
		args = append(args, day(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "target_date <= ?")
		args = append(args, day(filter.To))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + sqliteForecastColumns + ` FROM daily_predictions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY target_date DESC, instrument_id, model_name, issue_date DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.queryForecasts(ctx, query, args...)
	if err != nil {
		return nil, contracts.NewStoreError("list forecasts", err)
	}
	return rows, nil
}

func (s *SQLiteStore) queryForecasts(ctx context.Context, query string, args ...interface{}) ([]contracts.Forecast, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.Forecast
	for rows.Next() {
		var (
			f                          contracts.Forecast
			issue, target, created     string
			features                   string
			actual, errVal, lower, upr sql.NullFloat64
			resolvedAt                 sql.NullString
		)
		if err := rows.Scan(
			&issue, &target, &f.InstrumentID, &f.HorizonDays, &f.ModelName, &f.ModelVersion,
			&f.PredictedPrice, &actual, &errVal, &lower, &upr,
			&features, &f.RunID, &created, &resolvedAt,
		); err != nil {
			return nil, err
		}

		if f.IssueDate, err = contracts.ParseDate(issue); err != nil {
			return nil, err
		}
		if f.TargetDate, err = contracts.ParseDate(target); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		if err := json.Unmarshal([]byte(features), &f.FeaturesUsed); err != nil {
			return nil, fmt.Errorf("features_used: %w", err)
		}
		f.ActualPrice = nullFloat(actual)
		f.Error = nullFloat(errVal)
		f.ConfidenceLower = nullFloat(lower)
		f.ConfidenceUpper = nullFloat(upr)
		if resolvedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
			if err != nil {
				return nil, fmt.Errorf("resolved_at: %w", err)
			}
			f.ResolvedAt = &t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertPerformance overwrites records with the same key
func (s *SQLiteStore) UpsertPerformance(ctx context.Context, records []contracts.PerformanceRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO prediction_performance
			(evaluation_date, instrument_id, model_name, horizon_days,
			 mae, rmse, mape, directional_accuracy, sample_count, degraded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (evaluation_date, instrument_id, model_name, horizon_days) DO UPDATE SET
			mae = excluded.mae,
			rmse = excluded.rmse,
			mape = excluded.mape,
			directional_accuracy = excluded.directional_accuracy,
			sample_count = excluded.sample_count,
			degraded = excluded.degraded`

	err := s.inTx(ctx, "upsert performance", func(tx *sql.Tx) error {
		for _, p := range records {
			if _, err := tx.ExecContext(ctx, query,
				day(p.EvaluationDate), p.InstrumentID, p.ModelName, p.HorizonDays,
				p.MAE, p.RMSE, p.MAPE, p.DirectionalAccuracy, p.SampleCount, p.Degraded,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// ListPerformance returns one evaluation date; zero means the latest
func (s *SQLiteStore) ListPerformance(ctx context.Context, instrumentID string, evalDate time.Time) ([]contracts.PerformanceRecord, error) {
	date := ""
	if evalDate.IsZero() {
		var latest sql.NullString
		err := s.db.QueryRowContext(ctx, `
			SELECT MAX(evaluation_date) FROM prediction_performance
			WHERE (? = '' OR instrument_id = ?)`, instrumentID, instrumentID).Scan(&latest)
		if err != nil {
			return nil, contracts.NewStoreError("list performance", err)
		}
		if !latest.Valid {
			return nil, nil
		}
		date = latest.String
	} else {
		date = day(evalDate)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT evaluation_date, instrument_id, model_name, horizon_days,
			   mae, rmse, mape, directional_accuracy, sample_count, degraded
		FROM prediction_performance
		WHERE evaluation_date = ? AND (? = '' OR instrument_id = ?)
		ORDER BY instrument_id, model_name, horizon_days`, date, instrumentID, instrumentID)
	if err != nil {
		return nil, contracts.NewStoreError("list performance", err)
	}
	defer rows.Close()

	var out []contracts.PerformanceRecord
	for rows.Next() {
		var (
			p          contracts.PerformanceRecord
			evalDay    string
			mape, dirA sql.NullFloat64
		)
		if err := rows.Scan(&evalDay, &p.InstrumentID, &p.ModelName, &p.HorizonDays,
			&p.MAE, &p.RMSE, &mape, &dirA, &p.SampleCount, &p.Degraded); err != nil {
			return nil, contracts.NewStoreError("list performance", err)
		}
		if p.EvaluationDate, err = contracts.ParseDate(evalDay); err != nil {
			return nil, contracts.NewStoreError("list performance", err)
		}
		p.MAPE = nullFloat(mape)
		p.DirectionalAccuracy = nullFloat(dirA)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.NewStoreError("list performance", err)
	}
	return out, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
