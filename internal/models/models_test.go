package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/copperwatch/internal/contracts"
)

const regressorYAML = `
name: linear_v1
kind: point_regressor
version: "2024.03"
point_regressor:
  intercept: 10
  coefficients:
    close_price: 0.9
    ma_5: 0.1
  scaler:
    ma_5: {mean: 100, scale: 2}
`

const arYAML = `
name: arima
kind: autoregressive
autoregressive:
  constant: 1
  coefficients: [0.5]
`

const seasonalYAML = `
name: prophet
kind: additive_seasonal
additive_seasonal:
  origin: 2024-01-01
  intercept: 100
  slope: 0
  weekday: [0, 1, 2, 3, 4, 5, 0]
`

func history(closes ...float64) []contracts.PriceObservation {
	out := make([]contracts.PriceObservation, len(closes))
	for i, c := range closes {
		out[i] = contracts.PriceObservation{
			InstrumentID: "CU3M",
			TradeDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Close:        c,
		}
	}
	return out
}

func TestParseArtifact_Valid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		kind Kind
	}{
		{"regressor", regressorYAML, KindPointRegressor},
		{"autoregressive", arYAML, KindAutoregressive},
		{"seasonal", seasonalYAML, KindAdditiveSeasonal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseArtifact([]byte(tt.yaml))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, a.Kind)
			require.NotNil(t, a.Enabled)
			assert.True(t, *a.Enabled, "enabled defaults to true")

			adapter, err := a.Build()
			require.NoError(t, err)
			assert.Equal(t, tt.kind, adapter.Kind())
		})
	}
}

func TestParseArtifact_Defaults(t *testing.T) {
	a, err := ParseArtifact([]byte(arYAML))
	require.NoError(t, err)
	require.NotNil(t, a.Autoregressive.Difference)
	assert.Equal(t, 1, *a.Autoregressive.Difference)

	s, err := ParseArtifact([]byte(seasonalYAML))
	require.NoError(t, err)
	assert.Equal(t, 20, s.AdditiveSeasonal.AnchorWindow)
}

func TestParseArtifact_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "name: [unclosed"},
		{"unknown field", regressorYAML + "\nextra: 1\n"},
		{"unknown kind", "name: x\nkind: neural\n"},
		{"missing section", "name: x\nkind: autoregressive\n"},
		{"wrong section", "name: x\nkind: autoregressive\nautoregressive: {coefficients: [0.1]}\nadditive_seasonal: {origin: 2024-01-01}\n"},
		{"reserved name", "name: ensemble\nkind: autoregressive\nautoregressive: {coefficients: [0.1]}\n"},
		{"bad name", "name: Bad/Name\nkind: autoregressive\nautoregressive: {coefficients: [0.1]}\n"},
		{"no coefficients", "name: x\nkind: autoregressive\nautoregressive: {coefficients: []}\n"},
		{"difference out of range", "name: x\nkind: autoregressive\nautoregressive: {difference: 2, coefficients: [0.1]}\n"},
		{"unknown feature", "name: x\nkind: point_regressor\npoint_regressor: {coefficients: {sentiment: 1}}\n"},
		{"zero scale", "name: x\nkind: point_regressor\npoint_regressor: {coefficients: {rsi: 1}, scaler: {rsi: {mean: 1, scale: 0}}}\n"},
		{"bad origin", "name: x\nkind: additive_seasonal\nadditive_seasonal: {origin: yesterday}\n"},
		{"short weekday", "name: x\nkind: additive_seasonal\nadditive_seasonal: {origin: 2024-01-01, weekday: [1, 2]}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArtifact([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestModelVersion(t *testing.T) {
	a, err := ParseArtifact([]byte(regressorYAML))
	require.NoError(t, err)
	v, err := a.ModelVersion()
	require.NoError(t, err)
	assert.Equal(t, "2024.03", v)

	// formatting does not change the fingerprint
	b1, err := ParseArtifact([]byte(arYAML))
	require.NoError(t, err)
	b2, err := ParseArtifact([]byte("# comment\nname: arima\nkind: autoregressive\nautoregressive: {coefficients: [0.5], constant: 1}\n"))
	require.NoError(t, err)

	v1, err := b1.ModelVersion()
	require.NoError(t, err)
	v2, err := b2.ModelVersion()
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, len("sha-")+12)
}

func TestPointRegressor(t *testing.T) {
	a, err := ParseArtifact([]byte(regressorYAML))
	require.NoError(t, err)
	adapter, err := a.Build()
	require.NoError(t, err)

	vector := contracts.FeatureVector{Values: []contracts.FeatureValue{
		{Name: contracts.FeatureClosePrice, Value: 100},
		{Name: contracts.FeatureMA5, Value: 104},
	}}

	// 10 + 0.9*100 + 0.1*(104-100)/2 = 100.2
	pred, err := adapter.Forecast(context.Background(), Input{Features: vector, FeaturesReady: true}, 3)
	require.NoError(t, err)
	require.Len(t, pred.Values, 3)
	for _, v := range pred.Values {
		assert.InDelta(t, 100.2, v, 1e-9)
	}
	assert.Nil(t, pred.Lower)
	assert.Equal(t, []string{contracts.FeatureClosePrice, contracts.FeatureMA5}, adapter.Features())

	_, err = adapter.Forecast(context.Background(), Input{Features: vector}, 3)
	assert.ErrorIs(t, err, ErrFeaturesUnavailable)
}

func TestAutoregressive(t *testing.T) {
	zero := 0
	one := 1

	t.Run("levels", func(t *testing.T) {
		ar := NewAutoregressive("ar", "v", ARParams{Difference: &zero, Constant: 1, Coefficients: []float64{0.5}})

		// x1 = 1 + 0.5*10 = 6; x2 = 1 + 0.5*6 = 4; x3 = 3
		pred, err := ar.Forecast(context.Background(), Input{History: history(8, 10)}, 3)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{6, 4, 3}, pred.Values, 1e-9)
	})

	t.Run("differenced", func(t *testing.T) {
		ar := NewAutoregressive("ar", "v", ARParams{Difference: &one, Constant: 0, Coefficients: []float64{0.5}, ResidualSigma: 1})

		// last diff = 4; diffs 2, 1 -> levels 106, 107
		pred, err := ar.Forecast(context.Background(), Input{History: history(100, 104)}, 2)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{106, 107}, pred.Values, 1e-9)

		require.Len(t, pred.Upper, 2)
		assert.Greater(t, pred.Upper[1]-pred.Values[1], pred.Upper[0]-pred.Values[0], "band widens with horizon")
	})

	t.Run("order two uses newest first", func(t *testing.T) {
		ar := NewAutoregressive("ar", "v", ARParams{Difference: &zero, Coefficients: []float64{1, 0}})
		pred, err := ar.Forecast(context.Background(), Input{History: history(3, 7)}, 2)
		require.NoError(t, err)
		assert.Equal(t, []float64{7, 7}, pred.Values)
	})

	t.Run("short history", func(t *testing.T) {
		ar := NewAutoregressive("ar", "v", ARParams{Difference: &one, Coefficients: []float64{0.5, 0.2}})
		assert.Equal(t, 3, ar.MinHistory())
		_, err := ar.Forecast(context.Background(), Input{History: history(1, 2)}, 2)
		assert.ErrorIs(t, err, ErrShortHistory)
	})
}

func TestAdditiveSeasonal(t *testing.T) {
	a, err := ParseArtifact([]byte(seasonalYAML))
	require.NoError(t, err)
	adapter, err := a.Build()
	require.NoError(t, err)

	// 2024-01-01..03 is Mon-Wed; history sits 10 above the curve
	hist := history(0, 0, 0)
	for i := range hist {
		hist[i].Close = 100 + float64(hist[i].TradeDate.Weekday()) + 10
	}

	monday := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	in := Input{History: hist, TargetDates: []time.Time{monday, monday.AddDate(0, 0, 1)}}

	pred, err := adapter.Forecast(context.Background(), in, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{111, 112}, pred.Values, 1e-9)

	_, err = adapter.Forecast(context.Background(), in, 3)
	assert.ErrorIs(t, err, ErrMissingTargetDates)

	_, err = adapter.Forecast(context.Background(), Input{TargetDates: in.TargetDates}, 2)
	assert.ErrorIs(t, err, ErrShortHistory)
}

func TestAdaptersHonorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	zero := 0
	ar := NewAutoregressive("ar", "v", ARParams{Difference: &zero, Coefficients: []float64{1}})
	_, err := ar.Forecast(ctx, Input{History: history(1, 2)}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a_regressor.yaml", regressorYAML)
	writeFile(t, dir, "b_arima.yml", arYAML)
	writeFile(t, dir, "c_corrupt.yaml", "name: [")
	writeFile(t, dir, "d_duplicate.yaml", arYAML)
	writeFile(t, dir, "e_off.yaml", "name: off\nkind: autoregressive\nenabled: false\nautoregressive: {coefficients: [1]}\n")
	writeFile(t, dir, "notes.txt", "ignored")

	reg := LoadRegistry(dir, zerolog.Nop())

	adapters := reg.Adapters()
	require.Len(t, adapters, 2)
	assert.Equal(t, "arima", adapters[0].Name())
	assert.Equal(t, "linear_v1", adapters[1].Name())

	failures := reg.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, filepath.Join(dir, "c_corrupt.yaml"), failures[0].Path)
	assert.Contains(t, failures[1].Error, "duplicate model name")
}

func TestRegistryReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "arima.yaml", arYAML)

	reg := LoadRegistry(dir, zerolog.Nop())
	before := reg.Adapters()
	require.Len(t, before, 1)

	writeFile(t, dir, "prophet.yaml", seasonalYAML)
	reg.Reload()

	assert.Len(t, reg.Adapters(), 2)
	assert.Len(t, before, 1, "earlier snapshot is not mutated")
}

func TestLoadRegistry_MissingDir(t *testing.T) {
	reg := LoadRegistry(filepath.Join(t.TempDir(), "absent"), zerolog.Nop())
	assert.Empty(t, reg.Adapters())
	assert.Len(t, reg.Failures(), 1)
}

func TestNewRegistry(t *testing.T) {
	zero := 0
	reg := NewRegistry(
		NewAutoregressive("zeta", "v", ARParams{Difference: &zero, Coefficients: []float64{1}}),
		NewAutoregressive("alpha", "v", ARParams{Difference: &zero, Coefficients: []float64{1}}),
	)
	reg.Reload()

	adapters := reg.Adapters()
	require.Len(t, adapters, 2)
	assert.Equal(t, "alpha", adapters[0].Name())
}
