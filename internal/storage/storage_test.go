package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/copperwatch/internal/contracts"
)

func date(s string) time.Time {
	d, err := contracts.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr(v float64) *float64 { return &v }

func stores(t *testing.T) map[string]contracts.Store {
	t.Helper()

	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "copperwatch.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]contracts.Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func forecastRow(model string, issue, target string, price float64) contracts.Forecast {
	return contracts.Forecast{
		IssueDate:      date(issue),
		TargetDate:     date(target),
		InstrumentID:   "CU3M",
		HorizonDays:    1,
		ModelName:      model,
		ModelVersion:   "v1",
		PredictedPrice: price,
		FeaturesUsed:   []string{contracts.FeatureClosePrice},
		RunID:          "run-1",
		CreatedAt:      time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rows := []contracts.Forecast{
				forecastRow("arima", "2024-01-02", "2024-01-03", 100),
				forecastRow("ensemble", "2024-01-02", "2024-01-03", 101),
			}

			_, err := store.UpsertForecasts(ctx, rows)
			require.NoError(t, err)
			_, err = store.UpsertForecasts(ctx, rows)
			require.NoError(t, err)

			all, err := store.ListForecasts(ctx, contracts.ForecastFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			// re-issuance overwrites an unresolved row
			rows[0].PredictedPrice = 99
			rows[0].ModelVersion = "v2"
			_, err = store.UpsertForecasts(ctx, rows[:1])
			require.NoError(t, err)

			got, err := store.ListForecasts(ctx, contracts.ForecastFilter{ModelName: "arima"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 99.0, got[0].PredictedPrice)
			assert.Equal(t, "v2", got[0].ModelVersion)
			assert.Equal(t, []string{contracts.FeatureClosePrice}, got[0].FeaturesUsed)
		})
	}
}

func TestStore_ResolvedRowsAreImmutable(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			row := forecastRow("arima", "2024-01-02", "2024-01-03", 100)
			_, err := store.UpsertForecasts(ctx, []contracts.Forecast{row})
			require.NoError(t, err)

			resolved := row
			resolved.ActualPrice = ptr(103)
			resolved.Error = ptr(3)
			n, err := store.ResolveForecasts(ctx, []contracts.Forecast{resolved})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			// second resolution is a no-op
			again := row
			again.ActualPrice = ptr(200)
			again.Error = ptr(100)
			n, err = store.ResolveForecasts(ctx, []contracts.Forecast{again})
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			// re-issuance does not touch the resolved row
			row.PredictedPrice = 50
			n, err = store.UpsertForecasts(ctx, []contracts.Forecast{row})
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			got, err := store.QueryResolved(ctx, "CU3M", date("2024-01-01"), date("2024-01-31"))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 100.0, got[0].PredictedPrice)
			require.NotNil(t, got[0].ActualPrice)
			assert.Equal(t, 103.0, *got[0].ActualPrice)
			assert.Equal(t, 3.0, *got[0].Error)
			assert.NotNil(t, got[0].ResolvedAt)
		})
	}
}

func TestStore_QueryUnresolved(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.UpsertForecasts(ctx, []contracts.Forecast{
				forecastRow("arima", "2024-01-02", "2024-01-03", 100),
				forecastRow("arima", "2024-01-02", "2024-01-04", 100),
				forecastRow("arima", "2024-01-02", "2024-01-05", 100),
			})
			require.NoError(t, err)

			got, err := store.QueryUnresolved(ctx, date("2024-01-04"))
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, date("2024-01-03"), got[0].TargetDate)
			assert.Equal(t, date("2024-01-04"), got[1].TargetDate)
			for _, f := range got {
				assert.Nil(t, f.ActualPrice)
			}
		})
	}
}

func TestStore_ListForecastsFilter(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			other := forecastRow("arima", "2024-01-02", "2024-01-03", 100)
			other.InstrumentID = "HG"
			_, err := store.UpsertForecasts(ctx, []contracts.Forecast{
				forecastRow("arima", "2024-01-02", "2024-01-03", 100),
				forecastRow("arima", "2024-01-02", "2024-01-04", 100),
				forecastRow("prophet", "2024-01-02", "2024-01-04", 100),
				other,
			})
			require.NoError(t, err)

			got, err := store.ListForecasts(ctx, contracts.ForecastFilter{InstrumentID: "CU3M", From: date("2024-01-04")})
			require.NoError(t, err)
			assert.Len(t, got, 2)

			got, err = store.ListForecasts(ctx, contracts.ForecastFilter{InstrumentID: "CU3M", Limit: 1})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, date("2024-01-04"), got[0].TargetDate, "newest target first")
		})
	}
}

func TestStore_ListForecastsOrder(t *testing.T) {
	row := func(instrument, model, issue, target string) contracts.Forecast {
		f := forecastRow(model, issue, target, 100)
		f.InstrumentID = instrument
		return f
	}
	// inserted out of order on purpose
	input := []contracts.Forecast{
		row("CU3M", "arima", "2024-01-02", "2024-01-04"),
		row("HG", "prophet", "2024-01-03", "2024-01-05"),
		row("CU3M", "prophet", "2024-01-03", "2024-01-05"),
		row("CU3M", "arima", "2024-01-03", "2024-01-05"),
		row("CU3M", "arima", "2024-01-04", "2024-01-05"),
		row("HG", "arima", "2024-01-03", "2024-01-05"),
	}
	want := []string{
		"2024-01-05 CU3M arima 2024-01-04",
		"2024-01-05 CU3M arima 2024-01-03",
		"2024-01-05 CU3M prophet 2024-01-03",
		"2024-01-05 HG arima 2024-01-03",
		"2024-01-05 HG prophet 2024-01-03",
		"2024-01-04 CU3M arima 2024-01-02",
	}

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.UpsertForecasts(ctx, input)
			require.NoError(t, err)

			got, err := store.ListForecasts(ctx, contracts.ForecastFilter{})
			require.NoError(t, err)

			var keys []string
			for _, f := range got {
				keys = append(keys, fmt.Sprintf("%s %s %s %s",
					f.TargetDate.Format(contracts.DateLayout), f.InstrumentID, f.ModelName, f.IssueDate.Format(contracts.DateLayout)))
			}
			assert.Equal(t, want, keys)
		})
	}
}

func TestStore_Observations(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			oi := int64(1200)
			obs := []contracts.PriceObservation{
				{InstrumentID: "CU3M", TradeDate: date("2024-01-03"), Open: 1, High: 2, Low: 1, Close: 101, Volume: 10},
				{InstrumentID: "CU3M", TradeDate: date("2024-01-02"), Open: 1, High: 2, Low: 1, Close: 100, Volume: 10, OpenInterest: &oi},
				{InstrumentID: "HG", TradeDate: date("2024-01-02"), Close: 4},
			}
			_, err := store.SaveObservations(ctx, obs)
			require.NoError(t, err)

			// upsert replaces the close
			obs[0].Close = 102
			_, err = store.SaveObservations(ctx, obs[:1])
			require.NoError(t, err)

			got, err := store.Observations(ctx, "CU3M", date("2024-01-01"), date("2024-01-31"))
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, date("2024-01-02"), got[0].TradeDate)
			require.NotNil(t, got[0].OpenInterest)
			assert.Equal(t, int64(1200), *got[0].OpenInterest)
			assert.Equal(t, 102.0, got[1].Close)

			closes, err := store.Closes(ctx, []contracts.RealizedKey{
				contracts.NewRealizedKey("CU3M", date("2024-01-03")),
				contracts.NewRealizedKey("CU3M", date("2024-01-04")),
				contracts.NewRealizedKey("HG", date("2024-01-02")),
			})
			require.NoError(t, err)
			assert.Len(t, closes, 2)
			assert.Equal(t, 102.0, closes[contracts.NewRealizedKey("CU3M", date("2024-01-03"))])
			assert.Equal(t, 4.0, closes[contracts.NewRealizedKey("HG", date("2024-01-02"))])
		})
	}
}

func TestStore_Performance(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			empty, err := store.ListPerformance(ctx, "CU3M", time.Time{})
			require.NoError(t, err)
			assert.Empty(t, empty)

			rec := contracts.PerformanceRecord{
				EvaluationDate: date("2024-02-01"),
				InstrumentID:   "CU3M",
				ModelName:      "arima",
				HorizonDays:    1,
				MAE:            2,
				RMSE:           3,
				MAPE:           ptr(1.5),
				SampleCount:    10,
			}
			_, err = store.UpsertPerformance(ctx, []contracts.PerformanceRecord{rec})
			require.NoError(t, err)

			// same key overwrites
			rec.MAE = 4
			rec.Degraded = true
			_, err = store.UpsertPerformance(ctx, []contracts.PerformanceRecord{rec})
			require.NoError(t, err)

			older := rec
			older.EvaluationDate = date("2024-01-31")
			_, err = store.UpsertPerformance(ctx, []contracts.PerformanceRecord{older})
			require.NoError(t, err)

			latest, err := store.ListPerformance(ctx, "CU3M", time.Time{})
			require.NoError(t, err)
			require.Len(t, latest, 1)
			assert.Equal(t, date("2024-02-01"), latest[0].EvaluationDate)
			assert.Equal(t, 4.0, latest[0].MAE)
			assert.True(t, latest[0].Degraded)
			assert.Nil(t, latest[0].DirectionalAccuracy)
			require.NotNil(t, latest[0].MAPE)
			assert.Equal(t, 1.5, *latest[0].MAPE)

			byDate, err := store.ListPerformance(ctx, "", date("2024-01-31"))
			require.NoError(t, err)
			assert.Len(t, byDate, 1)
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().QueryUnresolved(ctx, date("2024-01-01"))
	assert.ErrorIs(t, err, contracts.ErrStoreUnavailable)
}

func TestDryRunStore_DiscardsWrites(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	_, err := mem.UpsertForecasts(ctx, []contracts.Forecast{forecastRow("arima", "2024-01-02", "2024-01-03", 100)})
	require.NoError(t, err)

	dry := NewDryRunStore(mem)
	n, err := dry.UpsertForecasts(ctx, []contracts.Forecast{forecastRow("arima", "2024-01-02", "2024-01-04", 100)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// reads still reach the wrapped store
	got, err := dry.ListForecasts(ctx, contracts.ForecastFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
