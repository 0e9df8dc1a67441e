package models

import (
	"context"
	"errors"
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
)

// Kind 모델 종류
type Kind string

const (
	// KindPointRegressor 최신 피처 벡터로 1스텝 예측 후 호라이즌 전체에 동일 값
	KindPointRegressor Kind = "point_regressor"
	// KindAutoregressive 종가 시계열로 재귀적 다중 스텝 예측
	KindAutoregressive Kind = "autoregressive"
	// KindAdditiveSeasonal 추세 + 요일/연간 계절성, 달력 날짜 기준 예측
	KindAdditiveSeasonal Kind = "additive_seasonal"
)

// Errors returned by adapters
var (
	ErrFeaturesUnavailable = errors.New("feature vector not eligible")
	ErrShortHistory        = errors.New("price history too short")
	ErrMissingTargetDates  = errors.New("target dates not provided")
)

// Input 어댑터 입력
// 어댑터는 필요한 필드만 사용 (회귀: Features, AR: History, 계절: History+TargetDates)
type Input struct {
	IssueDate     time.Time
	Features      contracts.FeatureVector
	FeaturesReady bool
	History       []contracts.PriceObservation // ascending, trade_date <= IssueDate
	TargetDates   []time.Time                  // TargetDates[h-1] is the date for horizon h
}

// Prediction 어댑터 출력; Lower/Upper는 없으면 nil
type Prediction struct {
	Values []float64
	Lower  []float64
	Upper  []float64
}

// Adapter 모델 공통 인터페이스
// 추론 시 상태 없음: 파라미터는 로드 시점에 고정되고 읽기 전용
type Adapter interface {
	Name() string
	Kind() Kind
	Version() string
	RequiresFeatures() bool
	// Features names the inputs recorded in features_used
	Features() []string
	Forecast(ctx context.Context, in Input, horizon int) (Prediction, error)
}

// closes extracts close prices from ascending history
func closes(history []contracts.PriceObservation) []float64 {
	out := make([]float64, len(history))
	for i, o := range history {
		out[i] = o.Close
	}
	return out
}

// band returns center +/- width[h] or nil when width is nil
func band(center, width []float64) (lower, upper []float64) {
	if width == nil {
		return nil, nil
	}
	lower = make([]float64, len(center))
	upper = make([]float64, len(center))
	for i := range center {
		lower[i] = center[i] - width[i]
		upper[i] = center[i] + width[i]
	}
	return lower, upper
}
