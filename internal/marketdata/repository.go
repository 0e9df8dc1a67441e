package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/copperwatch/internal/contracts"
)

// priceQueries SQL built once from the mapping
type priceQueries struct {
	observations string
	closes       string
	upsert       string
	createTable  string
}

// PriceRepository implements contracts.PriceStore on a mapped table
// ⭐ SSOT: 가격 데이터 저장소는 여기서만
type PriceRepository struct {
	pool    *pgxpool.Pool
	mapping SchemaMapping
	q       priceQueries
}

// NewPriceRepository validates the mapping and prepares the SQL
func NewPriceRepository(pool *pgxpool.Pool, mapping SchemaMapping) (*PriceRepository, error) {
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	return &PriceRepository{
		pool:    pool,
		mapping: mapping,
		q:       buildPriceQueries(mapping),
	}, nil
}

// Mapping returns the schema mapping in use
func (r *PriceRepository) Mapping() SchemaMapping {
	return r.mapping
}

func buildPriceQueries(m SchemaMapping) priceQueries {
	table := pgx.Identifier(m.TableParts()).Sanitize()
	col := func(name string) string { return pgx.Identifier{name}.Sanitize() }

	c := m.Columns
	inst, date := col(c.InstrumentID), col(c.TradeDate)
	oi := "NULL::BIGINT"
	if name := c.OpenInterestColumn(); name != "" {
		oi = col(name)
	}

	selectCols := strings.Join([]string{
		inst, date, col(c.Open), col(c.High), col(c.Low), col(c.Close), col(c.Volume), oi,
	}, ", ")

	insertCols := []string{inst, date, col(c.Open), col(c.High), col(c.Low), col(c.Close), col(c.Volume)}
	updates := []string{}
	for _, name := range insertCols[2:] {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
	}
	if name := c.OpenInterestColumn(); name != "" {
		insertCols = append(insertCols, col(name))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col(name), col(name)))
	}
	placeholders := make([]string, len(insertCols))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	oiDDL := ""
	if name := c.OpenInterestColumn(); name != "" {
		oiDDL = fmt.Sprintf(",\n\t\t%s BIGINT", col(name))
	}

	return priceQueries{
		observations: fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s = $1 AND %s BETWEEN $2 AND $3 AND %s IS NOT NULL
		ORDER BY %s ASC`, selectCols, table, inst, date, col(c.Close), date),

		closes: fmt.Sprintf(`
		SELECT %s, %s, %s
		FROM %s
		WHERE %s = ANY($1) AND %s = ANY($2) AND %s IS NOT NULL`,
			inst, date, col(c.Close), table, inst, date, col(c.Close)),

		upsert: fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (%s, %s) DO UPDATE SET %s`,
			table, strings.Join(insertCols, ", "), strings.Join(placeholders, ", "),
			inst, date, strings.Join(updates, ", ")),

		createTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s TEXT NOT NULL,
		%s DATE NOT NULL,
		%s DOUBLE PRECISION,
		%s DOUBLE PRECISION,
		%s DOUBLE PRECISION,
		%s DOUBLE PRECISION,
		%s BIGINT%s,
		UNIQUE (%s, %s)
	)`, table, inst, date, col(c.Open), col(c.High), col(c.Low), col(c.Close), col(c.Volume), oiDDL, inst, date),
	}
}

// SchemaStatements DDL for the mapped price table
func (r *PriceRepository) SchemaStatements() []string {
	return []string{r.q.createTable}
}

// Observations returns rows with from <= trade_date <= to, ascending
func (r *PriceRepository) Observations(ctx context.Context, instrumentID string, from, to time.Time) ([]contracts.PriceObservation, error) {
	rows, err := r.pool.Query(ctx, r.q.observations, instrumentID, contracts.DateOnly(from), contracts.DateOnly(to))
	if err != nil {
		return nil, contracts.NewStoreError("observations", err)
	}
	defer rows.Close()

	var out []contracts.PriceObservation
	for rows.Next() {
		var (
			o               contracts.PriceObservation
			open, high, low *float64
			volume          *int64
		)
		if err := rows.Scan(&o.InstrumentID, &o.TradeDate, &open, &high, &low, &o.Close, &volume, &o.OpenInterest); err != nil {
			return nil, contracts.NewStoreError("observations", err)
		}
		o.TradeDate = contracts.DateOnly(o.TradeDate)
		o.Open = deref(open, o.Close)
		o.High = deref(high, o.Close)
		o.Low = deref(low, o.Close)
		if volume != nil {
			o.Volume = *volume
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.NewStoreError("observations", err)
	}

	return out, nil
}

// Closes returns the close for each key that has an observation
func (r *PriceRepository) Closes(ctx context.Context, keys []contracts.RealizedKey) (map[contracts.RealizedKey]float64, error) {
	out := make(map[contracts.RealizedKey]float64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	wanted := make(map[contracts.RealizedKey]bool, len(keys))
	instSet := make(map[string]bool)
	dateSet := make(map[time.Time]bool)
	var instruments []string
	var dates []time.Time
	for _, k := range keys {
		k = contracts.NewRealizedKey(k.InstrumentID, k.Date)
		wanted[k] = true
		if !instSet[k.InstrumentID] {
			instSet[k.InstrumentID] = true
			instruments = append(instruments, k.InstrumentID)
		}
		if !dateSet[k.Date] {
			dateSet[k.Date] = true
			dates = append(dates, k.Date)
		}
	}

	rows, err := r.pool.Query(ctx, r.q.closes, instruments, dates)
	if err != nil {
		return nil, contracts.NewStoreError("closes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			inst  string
			date  time.Time
			price float64
		)
		if err := rows.Scan(&inst, &date, &price); err != nil {
			return nil, contracts.NewStoreError("closes", err)
		}
		k := contracts.NewRealizedKey(inst, date)
		// the ANY x ANY filter over-selects; keep requested pairs only
		if wanted[k] {
			out[k] = price
		}
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.NewStoreError("closes", err)
	}

	return out, nil
}

// SaveObservations upserts on (instrument, trade_date) in one transaction
func (r *PriceRepository) SaveObservations(ctx context.Context, observations []contracts.PriceObservation) (int, error) {
	if len(observations) == 0 {
		return 0, nil
	}
	withOI := r.mapping.Columns.OpenInterestColumn() != ""

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, o := range observations {
			args := []interface{}{
				o.InstrumentID, contracts.DateOnly(o.TradeDate),
				o.Open, o.High, o.Low, o.Close, o.Volume,
			}
			if withOI {
				args = append(args, o.OpenInterest)
			}
			batch.Queue(r.q.upsert, args...)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for range observations {
			if _, err := br.Exec(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, contracts.NewStoreError("save observations", err)
	}

	return len(observations), nil
}

func deref(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
