package features

import (
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
)

// SpreadSeries returns companion close minus instrument close for every
// instrument date. A date the companion lacks carries the last known spread
// forward; before the first match the spread is 0.
func SpreadSeries(obs, companion []contracts.PriceObservation) []float64 {
	byDate := make(map[time.Time]float64, len(companion))
	for _, c := range companion {
		byDate[contracts.DateOnly(c.TradeDate)] = c.Close
	}

	out := make([]float64, len(obs))
	last := 0.0
	for i, o := range obs {
		if c, ok := byDate[contracts.DateOnly(o.TradeDate)]; ok {
			last = c - o.Close
		}
		out[i] = last
	}
	return out
}
