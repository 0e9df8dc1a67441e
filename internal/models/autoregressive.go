package models

import (
	"context"
	"fmt"
	"math"

	"github.com/wonny/copperwatch/internal/contracts"
)

// Autoregressive AR(p) on the d-times differenced close series (d in {0,1}).
// x[t] = c + phi[0]*x[t-1] + ... + phi[p-1]*x[t-p]
type Autoregressive struct {
	name     string
	version  string
	constant float64
	phi      []float64
	diff     int
	sigma    float64
}

// NewAutoregressive builds the adapter from validated parameters
func NewAutoregressive(name, version string, p ARParams) *Autoregressive {
	phi := make([]float64, len(p.Coefficients))
	copy(phi, p.Coefficients)

	return &Autoregressive{
		name:     name,
		version:  version,
		constant: p.Constant,
		phi:      phi,
		diff:     *p.Difference,
		sigma:    p.ResidualSigma,
	}
}

func (a *Autoregressive) Name() string           { return a.name }
func (a *Autoregressive) Kind() Kind             { return KindAutoregressive }
func (a *Autoregressive) Version() string        { return a.version }
func (a *Autoregressive) RequiresFeatures() bool { return false }
func (a *Autoregressive) Features() []string     { return []string{contracts.FeatureClosePrice} }

// MinHistory returns the closes needed for one forecast
func (a *Autoregressive) MinHistory() int {
	return len(a.phi) + a.diff
}

// Forecast implements Adapter
func (a *Autoregressive) Forecast(ctx context.Context, in Input, horizon int) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	levels := closes(in.History)
	if len(levels) < a.MinHistory() {
		return Prediction{}, fmt.Errorf("%w: have %d closes, need %d", ErrShortHistory, len(levels), a.MinHistory())
	}

	x := levels
	if a.diff == 1 {
		x = make([]float64, len(levels)-1)
		for i := 1; i < len(levels); i++ {
			x[i-1] = levels[i] - levels[i-1]
		}
	}

	p := len(a.phi)
	// window holds the last p values, newest last
	window := make([]float64, p)
	copy(window, x[len(x)-p:])

	values := make([]float64, horizon)
	level := levels[len(levels)-1]
	for h := 0; h < horizon; h++ {
		next := a.constant
		for j := 0; j < p; j++ {
			next += a.phi[j] * window[p-1-j]
		}
		copy(window, window[1:])
		window[p-1] = next

		if a.diff == 1 {
			level += next
			values[h] = level
		} else {
			values[h] = next
		}
	}

	var width []float64
	if a.sigma > 0 {
		width = make([]float64, horizon)
		for h := range width {
			width[h] = z95 * a.sigma * math.Sqrt(float64(h+1))
		}
	}
	lower, upper := band(values, width)

	return Prediction{Values: values, Lower: lower, Upper: upper}, nil
}
