package models

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
)

const daysPerYear = 365.25

// AdditiveSeasonal trend + weekday effect + yearly Fourier terms.
// The fitted curve is re-anchored to the observed history by the mean
// residual over the last anchorWindow closes, then evaluated at the explicit
// target dates supplied in Input.
type AdditiveSeasonal struct {
	name         string
	version      string
	origin       time.Time
	intercept    float64
	slope        float64
	weekday      []float64
	yearly       []FourierTerm
	anchorWindow int
	width        float64
}

// NewAdditiveSeasonal builds the adapter from validated parameters
func NewAdditiveSeasonal(name, version string, p SeasonalParams) (*AdditiveSeasonal, error) {
	origin, err := contracts.ParseDate(p.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}

	return &AdditiveSeasonal{
		name:         name,
		version:      version,
		origin:       origin,
		intercept:    p.Intercept,
		slope:        p.Slope,
		weekday:      p.Weekday,
		yearly:       p.Yearly,
		anchorWindow: p.AnchorWindow,
		width:        p.IntervalWidth,
	}, nil
}

func (s *AdditiveSeasonal) Name() string           { return s.name }
func (s *AdditiveSeasonal) Kind() Kind             { return KindAdditiveSeasonal }
func (s *AdditiveSeasonal) Version() string        { return s.version }
func (s *AdditiveSeasonal) RequiresFeatures() bool { return false }
func (s *AdditiveSeasonal) Features() []string     { return []string{contracts.FeatureClosePrice} }

// curve evaluates the fitted components at a calendar date
func (s *AdditiveSeasonal) curve(date time.Time) float64 {
	days := contracts.DateOnly(date).Sub(s.origin).Hours() / 24

	y := s.intercept + s.slope*days
	if len(s.weekday) == 7 {
		y += s.weekday[date.Weekday()]
	}
	for k, term := range s.yearly {
		arg := 2 * math.Pi * float64(k+1) * days / daysPerYear
		y += term.Cos*math.Cos(arg) + term.Sin*math.Sin(arg)
	}
	return y
}

// Forecast implements Adapter
func (s *AdditiveSeasonal) Forecast(ctx context.Context, in Input, horizon int) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	if len(in.History) == 0 {
		return Prediction{}, fmt.Errorf("%w: seasonal model needs the full series", ErrShortHistory)
	}
	if len(in.TargetDates) < horizon {
		return Prediction{}, fmt.Errorf("%w: have %d, need %d", ErrMissingTargetDates, len(in.TargetDates), horizon)
	}

	// level correction from the most recent residuals
	tail := in.History
	if s.anchorWindow > 0 && len(tail) > s.anchorWindow {
		tail = tail[len(tail)-s.anchorWindow:]
	}
	offset := 0.0
	for _, o := range tail {
		offset += o.Close - s.curve(o.TradeDate)
	}
	offset /= float64(len(tail))

	values := make([]float64, horizon)
	for h := 0; h < horizon; h++ {
		values[h] = s.curve(in.TargetDates[h]) + offset
	}

	var width []float64
	if s.width > 0 {
		width = make([]float64, horizon)
		for h := range width {
			width[h] = s.width
		}
	}
	lower, upper := band(values, width)

	return Prediction{Values: values, Lower: lower, Upper: upper}, nil
}
