package features

import "math"

// FillWindow fills gaps inside the trailing window of a series:
// forward-fill first, then backward-fill. Values never travel outside the
// window, so a gap cannot be patched from an unrelated date range.
// Returns the filled trailing window (len = min(window, len(series))).
func FillWindow(series []float64, window int) []float64 {
	if window < 1 || len(series) == 0 {
		return nil
	}
	start := len(series) - window
	if start < 0 {
		start = 0
	}

	out := make([]float64, len(series)-start)
	copy(out, series[start:])

	// forward
	last := math.NaN()
	for i, v := range out {
		if math.IsNaN(v) {
			out[i] = last
		} else {
			last = v
		}
	}

	// backward
	next := math.NaN()
	for i := len(out) - 1; i >= 0; i-- {
		if math.IsNaN(out[i]) {
			out[i] = next
		} else {
			next = out[i]
		}
	}

	return out
}

// lastFilled returns the as-of value of a series after FillWindow
func lastFilled(series []float64, window int) (float64, bool) {
	filled := FillWindow(series, window)
	if len(filled) == 0 {
		return 0, false
	}
	v := filled[len(filled)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
