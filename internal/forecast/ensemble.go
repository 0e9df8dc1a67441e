package forecast

import "sort"

// Combine 모델별 예측 시퀀스의 단계별 단순 평균
// 각 단계는 그 단계에 값이 있는 모델만 평균 (없는 모델은 제외, 0으로 취급하지 않음)
// 값이 하나도 없는 단계에서 시퀀스 종료
func Combine(perModel map[string][]float64, horizon int) []float64 {
	if horizon <= 0 || len(perModel) == 0 {
		return nil
	}

	// 합산 순서 고정 (부동소수 결정성)
	names := make([]string, 0, len(perModel))
	for name := range perModel {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]float64, 0, horizon)
	for h := 0; h < horizon; h++ {
		sum := 0.0
		n := 0
		for _, name := range names {
			values := perModel[name]
			if h < len(values) {
				sum += values[h]
				n++
			}
		}
		if n == 0 {
			break
		}
		out = append(out, sum/float64(n))
	}

	return out
}
