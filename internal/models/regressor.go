package models

import (
	"context"
	"fmt"

	"github.com/wonny/copperwatch/internal/contracts"
)

// z95 two-sided 95% normal quantile
const z95 = 1.959964

// PointRegressor 선형 회귀 (표준화 선택)
// 1스텝 예측을 호라이즌 전체에 그대로 복제 (flat forecast)
type PointRegressor struct {
	name      string
	version   string
	intercept float64
	terms     []regressorTerm
	sigma     float64
}

type regressorTerm struct {
	feature string
	weight  float64
	mean    float64
	scale   float64
}

// NewPointRegressor builds the adapter from validated parameters
func NewPointRegressor(name, version string, p RegressorParams) *PointRegressor {
	r := &PointRegressor{
		name:      name,
		version:   version,
		intercept: p.Intercept,
		sigma:     p.ResidualSigma,
	}

	// Feature order fixed for deterministic summation
	for _, f := range contracts.FeatureNames {
		w, ok := p.Coefficients[f]
		if !ok {
			continue
		}
		term := regressorTerm{feature: f, weight: w, scale: 1}
		if s, ok := p.Scaler[f]; ok {
			term.mean = s.Mean
			term.scale = s.Scale
		}
		r.terms = append(r.terms, term)
	}
	return r
}

func (r *PointRegressor) Name() string           { return r.name }
func (r *PointRegressor) Kind() Kind             { return KindPointRegressor }
func (r *PointRegressor) Version() string        { return r.version }
func (r *PointRegressor) RequiresFeatures() bool { return true }

// Features returns the features the model reads
func (r *PointRegressor) Features() []string {
	out := make([]string, len(r.terms))
	for i, t := range r.terms {
		out[i] = t.feature
	}
	return out
}

// Forecast implements Adapter
func (r *PointRegressor) Forecast(ctx context.Context, in Input, horizon int) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	if !in.FeaturesReady {
		return Prediction{}, ErrFeaturesUnavailable
	}

	y := r.intercept
	for _, t := range r.terms {
		v, ok := in.Features.Get(t.feature)
		if !ok {
			return Prediction{}, fmt.Errorf("feature %s missing from vector", t.feature)
		}
		y += t.weight * (v - t.mean) / t.scale
	}

	values := make([]float64, horizon)
	for i := range values {
		values[i] = y
	}

	var width []float64
	if r.sigma > 0 {
		width = make([]float64, horizon)
		for i := range width {
			width[i] = z95 * r.sigma
		}
	}
	lower, upper := band(values, width)

	return Prediction{Values: values, Lower: lower, Upper: upper}, nil
}
