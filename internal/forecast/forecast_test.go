package forecast

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/features"
	"github.com/wonny/copperwatch/internal/models"
)

func d(s string) time.Time {
	t, err := contracts.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func f64(v float64) *float64 { return &v }

func TestTargetDate(t *testing.T) {
	tests := []struct {
		issue string
		h     int
		want  string
	}{
		{"2024-03-04", 1, "2024-03-05"}, // Mon -> Tue
		{"2024-03-07", 1, "2024-03-08"}, // Thu -> Fri
		{"2024-03-08", 1, "2024-03-11"}, // Fri -> Sat -> Mon
		{"2024-03-08", 2, "2024-03-11"}, // Fri -> Sun -> Mon
		{"2024-03-08", 3, "2024-03-11"},
		{"2024-03-08", 4, "2024-03-12"},
		{"2024-03-04", 5, "2024-03-11"}, // Mon -> Sat -> Mon
	}

	for _, tt := range tests {
		t.Run(tt.issue, func(t *testing.T) {
			assert.Equal(t, d(tt.want), TargetDate(d(tt.issue), tt.h))
		})
	}
}

func TestTargetDates(t *testing.T) {
	got := TargetDates(d("2024-03-04"), 5)
	require.Len(t, got, 5)
	assert.Equal(t, d("2024-03-05"), got[0])
	assert.Equal(t, d("2024-03-08"), got[3])
	assert.Equal(t, d("2024-03-11"), got[4])
	for _, td := range got {
		assert.False(t, isWeekend(td))
	}
}

func TestIssuerConfig_LookbackFloor(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"unset uses default", 0, 120},
		{"too short is raised", 10, minLookbackDays()},
		{"long enough is kept", 90, 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IssuerConfig{LookbackDays: tt.in}.withDefaults()
			assert.Equal(t, tt.want, got.LookbackDays)
		})
	}

	// the floor window always holds enough weekdays for every feature
	asOf := d("2024-03-04")
	weekdays := 0
	for day := asOf.AddDate(0, 0, -minLookbackDays()); !day.After(asOf); day = day.AddDate(0, 0, 1) {
		if !isWeekend(day) {
			weekdays++
		}
	}
	assert.GreaterOrEqual(t, weekdays, features.MaxLookback())
}

// featureAdapter only answers Features
type featureAdapter struct {
	features []string
}

func (a featureAdapter) Name() string           { return "stub" }
func (a featureAdapter) Kind() models.Kind      { return models.KindPointRegressor }
func (a featureAdapter) Version() string        { return "v1" }
func (a featureAdapter) RequiresFeatures() bool { return true }
func (a featureAdapter) Features() []string     { return a.features }
func (a featureAdapter) Forecast(context.Context, models.Input, int) (models.Prediction, error) {
	return models.Prediction{}, errors.New("not implemented")
}

func TestRequiredObservations(t *testing.T) {
	tests := []struct {
		name     string
		features []string
		want     int
	}{
		{"close only", []string{contracts.FeatureClosePrice}, 1},
		{"longest wins", []string{contracts.FeatureMA5, contracts.FeatureVolatility, contracts.FeatureRSI}, 21},
		{"unknown feature", []string{"not_a_feature"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requiredObservations(featureAdapter{features: tt.features}))
		})
	}
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name     string
		perModel map[string][]float64
		horizon  int
		want     []float64
	}{
		{
			name: "two models average per step",
			perModel: map[string][]float64{
				"a": {100, 101, 102},
				"b": {102, 101, 100},
			},
			horizon: 3,
			want:    []float64{101, 101, 101},
		},
		{
			name: "shorter model is excluded from later steps",
			perModel: map[string][]float64{
				"a": {100, 110, 120},
				"b": {102},
			},
			horizon: 3,
			want:    []float64{101, 110, 120},
		},
		{
			name:     "truncated to horizon",
			perModel: map[string][]float64{"a": {1, 2, 3, 4}},
			horizon:  2,
			want:     []float64{1, 2},
		},
		{
			name:     "stops at first empty step",
			perModel: map[string][]float64{"a": {1, 2}},
			horizon:  5,
			want:     []float64{1, 2},
		},
		{name: "no models", perModel: map[string][]float64{}, horizon: 3, want: nil},
		{name: "zero horizon", perModel: map[string][]float64{"a": {1}}, horizon: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Combine(tt.perModel, tt.horizon)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.InDeltaSlice(t, tt.want, got, 1e-9)
		})
	}
}

func TestReconcile(t *testing.T) {
	at := time.Date(2024, 3, 6, 20, 0, 0, 0, time.UTC)
	already := contracts.Forecast{InstrumentID: "CU3M", TargetDate: d("2024-03-05"), ModelName: "old", PredictedPrice: 1, ActualPrice: f64(2)}

	unresolved := []contracts.Forecast{
		{InstrumentID: "CU3M", TargetDate: d("2024-03-05"), ModelName: "arima", PredictedPrice: 100},
		{InstrumentID: "CU3M", TargetDate: d("2024-03-05"), ModelName: "ensemble", PredictedPrice: 110},
		{InstrumentID: "CU3M", TargetDate: d("2024-03-06"), ModelName: "arima", PredictedPrice: 100},
		already,
	}
	realized := map[contracts.RealizedKey]float64{
		contracts.NewRealizedKey("CU3M", d("2024-03-05")): 103,
	}

	resolved, stale := Reconcile(unresolved, realized, at)
	assert.Equal(t, 1, stale)
	require.Len(t, resolved, 2)

	assert.Equal(t, 103.0, *resolved[0].ActualPrice)
	assert.Equal(t, 3.0, *resolved[0].Error)
	assert.Equal(t, 7.0, *resolved[1].Error, "error is absolute")
	assert.Equal(t, at, *resolved[0].ResolvedAt)

	// inputs are not mutated
	assert.Nil(t, unresolved[0].ActualPrice)
}

func resolvedRow(model string, h int, target string, predicted, actual float64) contracts.Forecast {
	td := d(target)
	return contracts.Forecast{
		IssueDate:      td.AddDate(0, 0, -h),
		TargetDate:     td,
		InstrumentID:   "CU3M",
		HorizonDays:    h,
		ModelName:      model,
		PredictedPrice: predicted,
		ActualPrice:    f64(actual),
	}
}

func TestEvaluate_ErrorStats(t *testing.T) {
	rows := []contracts.Forecast{
		resolvedRow("arima", 1, "2024-03-05", 99, 100),
		resolvedRow("arima", 1, "2024-03-06", 104, 105),
		resolvedRow("arima", 1, "2024-03-07", 106, 103),
	}

	records := Evaluate(rows, d("2024-03-07"), 30)
	require.Len(t, records, 1)
	rec := records[0]

	assert.Equal(t, "arima", rec.ModelName)
	assert.Equal(t, 1, rec.HorizonDays)
	assert.Equal(t, 3, rec.SampleCount)
	assert.Equal(t, d("2024-03-07"), rec.EvaluationDate)
	assert.InDelta(t, 5.0/3, rec.MAE, 1e-9)
	assert.InDelta(t, math.Sqrt(11.0/3), rec.RMSE, 1e-9)
	require.NotNil(t, rec.MAPE)
	assert.InDelta(t, (1.0/100+1.0/105+3.0/103)/3*100, *rec.MAPE, 1e-9)

	// up/up hit, then up/down miss
	require.NotNil(t, rec.DirectionalAccuracy)
	assert.InDelta(t, 0.5, *rec.DirectionalAccuracy, 1e-9)
	assert.GreaterOrEqual(t, rec.RMSE, rec.MAE)
}

func TestEvaluate_ZeroActualExcludedFromMAPE(t *testing.T) {
	rows := []contracts.Forecast{
		resolvedRow("arima", 1, "2024-03-05", 1, 0),
		resolvedRow("arima", 1, "2024-03-06", 90, 100),
	}
	rec := Evaluate(rows, d("2024-03-06"), 30)[0]
	require.NotNil(t, rec.MAPE)
	assert.InDelta(t, 10.0, *rec.MAPE, 1e-9)
	assert.InDelta(t, 5.5, rec.MAE, 1e-9)

	allZero := Evaluate(rows[:1], d("2024-03-06"), 30)[0]
	assert.Nil(t, allZero.MAPE)
}

func TestEvaluate_DirectionalAccuracyTies(t *testing.T) {
	// every prediction equals the previous actual, so no pair counts
	rows := []contracts.Forecast{
		resolvedRow("arima", 1, "2024-03-05", 100, 100),
		resolvedRow("arima", 1, "2024-03-06", 100, 102),
		resolvedRow("arima", 1, "2024-03-07", 102, 101),
	}
	rec := Evaluate(rows, d("2024-03-07"), 30)[0]
	assert.Nil(t, rec.DirectionalAccuracy)

	single := Evaluate(rows[:1], d("2024-03-07"), 30)[0]
	assert.Nil(t, single.DirectionalAccuracy)
}

func TestEvaluate_WindowAndGrouping(t *testing.T) {
	rows := []contracts.Forecast{
		resolvedRow("arima", 1, "2024-03-01", 100, 100), // on window start, excluded
		resolvedRow("arima", 1, "2024-03-02", 100, 101),
		resolvedRow("arima", 1, "2024-03-31", 100, 102),
		resolvedRow("arima", 1, "2024-04-01", 100, 103), // after eval date
		resolvedRow("arima", 2, "2024-03-15", 100, 104),
		resolvedRow("ensemble", 1, "2024-03-15", 100, 105),
		{InstrumentID: "CU3M", TargetDate: d("2024-03-15"), ModelName: "arima", HorizonDays: 1, PredictedPrice: 100},
	}

	records := Evaluate(rows, d("2024-03-31"), 30)
	require.Len(t, records, 3)

	assert.Equal(t, "arima", records[0].ModelName)
	assert.Equal(t, 1, records[0].HorizonDays)
	assert.Equal(t, 2, records[0].SampleCount)
	assert.Equal(t, 2, records[1].HorizonDays)
	assert.Equal(t, "ensemble", records[2].ModelName)

	assert.Empty(t, Evaluate(nil, d("2024-03-31"), 30))
}

func TestCheckPrediction(t *testing.T) {
	tests := []struct {
		name      string
		pred      models.Prediction
		wantErr   bool
		wantLen   int
		wantBands bool
	}{
		{name: "empty", pred: models.Prediction{}, wantErr: true},
		{name: "nan", pred: models.Prediction{Values: []float64{1, math.NaN()}}, wantErr: true},
		{name: "inf", pred: models.Prediction{Values: []float64{math.Inf(1)}}, wantErr: true},
		{name: "truncated", pred: models.Prediction{Values: []float64{1, 2, 3, 4}}, wantLen: 3},
		{
			name:      "bands kept",
			pred:      models.Prediction{Values: []float64{1, 2}, Lower: []float64{0, 1}, Upper: []float64{2, 3}},
			wantLen:   2,
			wantBands: true,
		},
		{
			name:    "short bands dropped",
			pred:    models.Prediction{Values: []float64{1, 2}, Lower: []float64{0}, Upper: []float64{2}},
			wantLen: 2,
		},
		{
			name:    "nan band dropped",
			pred:    models.Prediction{Values: []float64{1}, Lower: []float64{math.NaN()}, Upper: []float64{2}},
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := checkPrediction("m", tt.pred, 3)
			if tt.wantErr {
				var me *contracts.ModelError
				require.True(t, errors.As(err, &me))
				assert.Equal(t, ReasonInvalidOutput, me.Reason)
				assert.ErrorIs(t, err, contracts.ErrModelInference)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got.Values, tt.wantLen)
			assert.Equal(t, tt.wantBands, got.Lower != nil)
		})
	}
}

func TestRowsFor_TargetCollisionKeepsShortestHorizon(t *testing.T) {
	i := &Issuer{cfg: IssuerConfig{Horizon: 5}.withDefaults(), log: zerolog.Nop()}
	issue := d("2024-03-08") // Friday

	rows := i.rowsFor("CU3M", issue, "run", "arima", "v1",
		models.Prediction{Values: []float64{1, 2, 3, 4, 5.123456}},
		nil, TargetDates(issue, 5), time.Now())

	require.Len(t, rows, 3)
	assert.Equal(t, 1, rows[0].HorizonDays)
	assert.Equal(t, d("2024-03-11"), rows[0].TargetDate)
	assert.Equal(t, 4, rows[1].HorizonDays)
	assert.Equal(t, 5, rows[2].HorizonDays)
	assert.Equal(t, 5.1235, rows[2].PredictedPrice)
	assert.Nil(t, rows[0].ConfidenceLower)
}

func TestStoreErr(t *testing.T) {
	base := errors.New("connection refused")
	err := storeErr("upsert", base)
	assert.ErrorIs(t, err, contracts.ErrStoreUnavailable)
	assert.ErrorIs(t, err, base)

	wrapped := contracts.NewStoreError("inner", base)
	assert.Same(t, wrapped, storeErr("outer", wrapped))
}
