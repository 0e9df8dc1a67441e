package features

import "math"

// 시계열 지표 함수
// 모든 함수는 입력과 같은 길이를 반환하며, 정의되지 않는 구간은 NaN

// PctChange returns x[i]/x[i-1] - 1; undefined when the previous value is 0
func PctChange(xs []float64) []float64 {
	out := nanSlice(len(xs))
	for i := 1; i < len(xs); i++ {
		prev := xs[i-1]
		if prev == 0 || math.IsNaN(prev) || math.IsNaN(xs[i]) {
			continue
		}
		out[i] = xs[i]/prev - 1
	}
	return out
}

// RollingMean returns the simple moving average over window values
func RollingMean(xs []float64, window int) []float64 {
	out := nanSlice(len(xs))
	if window < 1 {
		return out
	}
	for i := window - 1; i < len(xs); i++ {
		sum := 0.0
		ok := true
		for _, v := range xs[i-window+1 : i+1] {
			if math.IsNaN(v) {
				ok = false
				break
			}
			sum += v
		}
		if ok {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// RollingStd returns the sample standard deviation (n-1) over window values
func RollingStd(xs []float64, window int) []float64 {
	out := nanSlice(len(xs))
	if window < 2 {
		return out
	}
	means := RollingMean(xs, window)
	for i := window - 1; i < len(xs); i++ {
		if math.IsNaN(means[i]) {
			continue
		}
		ss := 0.0
		for _, v := range xs[i-window+1 : i+1] {
			d := v - means[i]
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(window-1))
	}
	return out
}

// RSI returns the relative strength index using simple rolling means of
// gains and losses over period price changes.
// avgLoss == 0 with gains -> 100; no gains and no losses -> NaN.
func RSI(closes []float64, period int) []float64 {
	n := len(closes)
	gains := nanSlice(n)
	losses := nanSlice(n)
	for i := 1; i < n; i++ {
		d := closes[i] - closes[i-1]
		gains[i] = math.Max(d, 0)
		losses[i] = math.Max(-d, 0)
	}

	avgGain := RollingMean(gains, period)
	avgLoss := RollingMean(losses, period)

	out := nanSlice(n)
	for i := range out {
		g, l := avgGain[i], avgLoss[i]
		switch {
		case math.IsNaN(g) || math.IsNaN(l):
		case l == 0 && g > 0:
			out[i] = 100
		case l == 0:
			// flat window: undefined
		default:
			out[i] = 100 - 100/(1+g/l)
		}
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
