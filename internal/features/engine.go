package features

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/copperwatch/internal/contracts"
)

// ErrUnsortedObservations 입력이 거래일 오름차순·중복 없음이 아님
var ErrUnsortedObservations = errors.New("observations must be ascending and unique by trade date")

// featureSpec 피처 정의: 이름, 필요 관측치 수, 시계열 계산
type featureSpec struct {
	name     string
	lookback int
	series   func(s *seriesSet) []float64
}

// seriesSet 기준일까지 잘린 원천 시계열
type seriesSet struct {
	closes  []float64
	volumes []float64
	spread  []float64
}

// ⭐ SSOT: 피처 목록과 룩백은 여기서만 정의 (contracts.FeatureNames와 같은 순서)
var featureSpecs = []featureSpec{
	{contracts.FeatureClosePrice, 1, func(s *seriesSet) []float64 { return s.closes }},
	{contracts.FeatureVolume, 1, func(s *seriesSet) []float64 { return s.volumes }},
	{contracts.FeaturePriceChange, 2, func(s *seriesSet) []float64 { return PctChange(s.closes) }},
	{contracts.FeatureVolumeChange, 2, func(s *seriesSet) []float64 { return PctChange(s.volumes) }},
	{contracts.FeatureMA5, 5, func(s *seriesSet) []float64 { return RollingMean(s.closes, 5) }},
	{contracts.FeatureMA20, 20, func(s *seriesSet) []float64 { return RollingMean(s.closes, 20) }},
	{contracts.FeatureRSI, 15, func(s *seriesSet) []float64 { return RSI(s.closes, 14) }},
	{contracts.FeatureVolatility, 21, func(s *seriesSet) []float64 { return RollingStd(PctChange(s.closes), 20) }},
	{contracts.FeatureSpread, 1, func(s *seriesSet) []float64 { return s.spread }},
}

// Lookback returns the observations a feature needs, 0 if unknown
func Lookback(name string) int {
	for _, spec := range featureSpecs {
		if spec.name == name {
			return spec.lookback
		}
	}
	return 0
}

// MaxLookback is the observation count that makes every feature derivable
func MaxLookback() int {
	max := 0
	for _, spec := range featureSpecs {
		if spec.lookback > max {
			max = spec.lookback
		}
	}
	return max
}

// Engine 피처 엔진
// 상태 없음: 같은 입력과 기준일은 항상 같은 벡터를 반환
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a feature engine
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		log: log.With().Str("component", "features.engine").Logger(),
	}
}

// Derive builds the feature vector as of asOf.
// Observations after asOf are ignored. companion may be empty.
// When a feature cannot be filled the partial vector is returned together
// with an *contracts.InsufficientHistoryError.
func (e *Engine) Derive(observations, companion []contracts.PriceObservation, asOf time.Time) (contracts.FeatureVector, error) {
	asOf = contracts.DateOnly(asOf)

	if err := validate(observations); err != nil {
		return contracts.FeatureVector{}, err
	}

	obs := truncate(observations, asOf)
	vector := contracts.FeatureVector{AsOfDate: asOf}
	if len(observations) > 0 {
		vector.InstrumentID = observations[0].InstrumentID
	}

	set := &seriesSet{
		closes:  make([]float64, len(obs)),
		volumes: make([]float64, len(obs)),
		spread:  SpreadSeries(obs, companion),
	}
	for i, o := range obs {
		set.closes[i] = o.Close
		set.volumes[i] = float64(o.Volume)
	}

	var missing []string
	for _, spec := range featureSpecs {
		v, ok := lastFilled(spec.series(set), spec.lookback)
		if !ok {
			missing = append(missing, spec.name)
			continue
		}
		vector.Values = append(vector.Values, contracts.FeatureValue{Name: spec.name, Value: v})
	}

	if len(missing) > 0 {
		e.log.Debug().
			Str("instrument", vector.InstrumentID).
			Time("as_of", asOf).
			Int("observations", len(obs)).
			Strs("missing", missing).
			Msg("feature vector incomplete")

		return vector, &contracts.InsufficientHistoryError{
			InstrumentID: vector.InstrumentID,
			Features:     missing,
			Observations: len(obs),
		}
	}

	return vector, nil
}

// Normalize sorts by trade date and keeps the last row per date
func Normalize(observations []contracts.PriceObservation) []contracts.PriceObservation {
	out := make([]contracts.PriceObservation, len(observations))
	copy(out, observations)
	for i := range out {
		out[i].TradeDate = contracts.DateOnly(out[i].TradeDate)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TradeDate.Before(out[j].TradeDate)
	})

	dedup := out[:0]
	for _, o := range out {
		if n := len(dedup); n > 0 && dedup[n-1].TradeDate.Equal(o.TradeDate) {
			dedup[n-1] = o
			continue
		}
		dedup = append(dedup, o)
	}
	return dedup
}

func validate(observations []contracts.PriceObservation) error {
	for i := 1; i < len(observations); i++ {
		prev := contracts.DateOnly(observations[i-1].TradeDate)
		cur := contracts.DateOnly(observations[i].TradeDate)
		if !cur.After(prev) {
			return fmt.Errorf("%w: %s follows %s", ErrUnsortedObservations,
				cur.Format(contracts.DateLayout), prev.Format(contracts.DateLayout))
		}
		if observations[i].InstrumentID != observations[0].InstrumentID {
			return fmt.Errorf("mixed instruments %s and %s", observations[0].InstrumentID, observations[i].InstrumentID)
		}
	}
	return nil
}

// truncate drops rows after asOf; input is ascending
func truncate(observations []contracts.PriceObservation, asOf time.Time) []contracts.PriceObservation {
	n := sort.Search(len(observations), func(i int) bool {
		return contracts.DateOnly(observations[i].TradeDate).After(asOf)
	})
	return observations[:n]
}
