package contracts

// Pipeline Stage 정의 (SSOT)
// 모든 로그와 실행 결과에서 이 상수를 사용해야 함
//
// 파이프라인 흐름:
//   issue:     Features → Models → Ensemble → Store
//   reconcile: Store(unresolved) → Prices → Reconcile → Store
//   evaluate:  Store(resolved) → Evaluate → Store(performance)

// Stage represents a pipeline stage
type Stage string

const (
	// StageFeatures 관측치 → 피처 벡터
	// 위치: internal/features/
	StageFeatures Stage = "FEATURES"

	// StageModels 모델 어댑터 병렬 추론
	// 위치: internal/models/
	StageModels Stage = "MODELS"

	// StageEnsemble 모델별 예측 평균
	// 위치: internal/forecast/ensemble.go
	StageEnsemble Stage = "ENSEMBLE"

	// StageStore 예측 저장 (멱등 upsert)
	StageStore Stage = "STORE"

	// StageReconcile 실현가 대조
	// 위치: internal/forecast/reconciler.go
	StageReconcile Stage = "RECONCILE"

	// StageEvaluate 롤링 정확도 평가
	// 위치: internal/forecast/evaluator.go
	StageEvaluate Stage = "EVALUATE"

	// StageCollect 상류 피드 수집
	// 위치: internal/marketdata/
	StageCollect Stage = "COLLECT"
)

// String returns the stage name
func (s Stage) String() string {
	return string(s)
}
