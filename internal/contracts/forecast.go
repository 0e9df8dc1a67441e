package contracts

import "time"

// EnsembleModel 앙상블 의사 모델명 (아티팩트에 사용 불가)
const EnsembleModel = "ensemble"

// Feature names in vector order
const (
	FeatureClosePrice   = "close_price"
	FeatureVolume       = "volume"
	FeaturePriceChange  = "price_change"
	FeatureVolumeChange = "volume_change"
	FeatureMA5          = "ma_5"
	FeatureMA20         = "ma_20"
	FeatureRSI          = "rsi"
	FeatureVolatility   = "volatility"
	FeatureSpread       = "spread"
)

// FeatureNames 피처 순서 (FeatureVector.Values와 동일)
var FeatureNames = []string{
	FeatureClosePrice,
	FeatureVolume,
	FeaturePriceChange,
	FeatureVolumeChange,
	FeatureMA5,
	FeatureMA20,
	FeatureRSI,
	FeatureVolatility,
	FeatureSpread,
}

// FeatureValue 이름 있는 피처 값
type FeatureValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// FeatureVector 특정 기준일의 피처 벡터
// 저장하지 않음: 관측치 윈도우에서 매번 결정적으로 재계산
type FeatureVector struct {
	AsOfDate     time.Time      `json:"as_of_date"`
	InstrumentID string         `json:"instrument_id"`
	Values       []FeatureValue `json:"values"`
}

// Get returns the named feature value
func (v FeatureVector) Get(name string) (float64, bool) {
	for _, fv := range v.Values {
		if fv.Name == name {
			return fv.Value, true
		}
	}
	return 0, false
}

// Names returns feature names in vector order
func (v FeatureVector) Names() []string {
	names := make([]string, len(v.Values))
	for i, fv := range v.Values {
		names[i] = fv.Name
	}
	return names
}

// ForecastKey 예측 고유 키
type ForecastKey struct {
	IssueDate    time.Time
	TargetDate   time.Time
	InstrumentID string
	ModelName    string
}

// Forecast 예측 한 건
// 생명주기: 발행(actual=nil) → 실현가 대조 1회(actual, error 설정) → 불변
type Forecast struct {
	IssueDate       time.Time  `json:"issue_date"`
	TargetDate      time.Time  `json:"target_date"`
	InstrumentID    string     `json:"instrument_id"`
	HorizonDays     int        `json:"horizon_days"`
	ModelName       string     `json:"model_name"`
	ModelVersion    string     `json:"model_version"`
	PredictedPrice  float64    `json:"predicted_price"`
	ActualPrice     *float64   `json:"actual_price,omitempty"`
	Error           *float64   `json:"prediction_error,omitempty"`
	ConfidenceLower *float64   `json:"confidence_lower,omitempty"`
	ConfidenceUpper *float64   `json:"confidence_upper,omitempty"`
	FeaturesUsed    []string   `json:"features_used,omitempty"`
	RunID           string     `json:"run_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// Key returns the unique key
func (f Forecast) Key() ForecastKey {
	return ForecastKey{
		IssueDate:    DateOnly(f.IssueDate),
		TargetDate:   DateOnly(f.TargetDate),
		InstrumentID: f.InstrumentID,
		ModelName:    f.ModelName,
	}
}

// Resolved reports whether the realized price is known
func (f Forecast) Resolved() bool {
	return f.ActualPrice != nil
}

// ForecastFilter 예측 조회 조건 (대시보드)
type ForecastFilter struct {
	InstrumentID string
	ModelName    string
	From         time.Time // target_date >= From (zero = open)
	To           time.Time // target_date <= To (zero = open)
	Limit        int
}

// PerformanceRecord 모델/호라이즌별 롤링 정확도 스냅샷
// 같은 (평가일, 종목, 모델, 호라이즌) 키는 매 평가마다 덮어씀
type PerformanceRecord struct {
	EvaluationDate      time.Time `json:"evaluation_date"`
	InstrumentID        string    `json:"instrument_id"`
	ModelName           string    `json:"model_name"`
	HorizonDays         int       `json:"horizon_days"`
	MAE                 float64   `json:"mae"`
	RMSE                float64   `json:"rmse"`
	MAPE                *float64  `json:"mape,omitempty"`
	DirectionalAccuracy *float64  `json:"directional_accuracy,omitempty"`
	SampleCount         int       `json:"sample_count"`
	Degraded            bool      `json:"degraded"`
}
