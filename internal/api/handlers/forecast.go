package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/models"
	"github.com/wonny/copperwatch/pkg/logger"
	"github.com/wonny/copperwatch/pkg/redis"
)

// maxListLimit caps ?limit on listing endpoints
const maxListLimit = 5000

// Cache 응답 캐시 (pkg/redis.Cache)
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ReadStore 조회 전용 저장소
type ReadStore interface {
	ListForecasts(ctx context.Context, filter contracts.ForecastFilter) ([]contracts.Forecast, error)
	QueryUnresolved(ctx context.Context, asOf time.Time) ([]contracts.Forecast, error)
	ListPerformance(ctx context.Context, instrumentID string, evalDate time.Time) ([]contracts.PerformanceRecord, error)
	Ping(ctx context.Context) error
}

// ForecastHandler handles forecast API endpoints
// ⭐ SSOT: 예측/성능 조회 API 핸들러는 이 구조체에서만
type ForecastHandler struct {
	store    ReadStore
	registry *models.Registry
	cache    Cache
	cacheTTL time.Duration
	now      func() time.Time
	logger   *logger.Logger
}

// NewForecastHandler creates a new forecast handler; cache and registry may be nil
func NewForecastHandler(store ReadStore, registry *models.Registry, cache Cache, cacheTTL time.Duration, log *logger.Logger) *ForecastHandler {
	if cacheTTL <= 0 {
		cacheTTL = redis.TTLDashboard
	}
	return &ForecastHandler{
		store:    store,
		registry: registry,
		cache:    cache,
		cacheTTL: cacheTTL,
		now:      time.Now,
		logger:   log.WithField("module", "api"),
	}
}

// ForecastList 예측 목록 응답
type ForecastList struct {
	Count     int                  `json:"count"`
	Forecasts []contracts.Forecast `json:"forecasts"`
}

// PerformanceList 성능 스냅샷 응답
type PerformanceList struct {
	EvaluationDate string                        `json:"evaluation_date,omitempty"`
	Count          int                           `json:"count"`
	Records        []contracts.PerformanceRecord `json:"records"`
}

// Health reports store reachability
// GET /health
func (h *ForecastHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"service": "copperwatch-api",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "copperwatch-api",
	})
}

// ListForecasts returns forecasts filtered by instrument, model and target date
// GET /api/forecasts?instrument=&model=&from=&to=&limit=
func (h *ForecastHandler) ListForecasts(w http.ResponseWriter, r *http.Request) {
	from, err := queryDate(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	to, err := queryDate(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		respondError(w, http.StatusBadRequest, "to is before from")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 || limit > maxListLimit {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	filter := contracts.ForecastFilter{
		InstrumentID: r.URL.Query().Get("instrument"),
		ModelName:    r.URL.Query().Get("model"),
		From:         from,
		To:           to,
		Limit:        limit,
	}

	// 닫힌 구간 조회만 짧게 캐시 (reconcile 이 행을 갱신함)
	cacheable := h.cache != nil && !from.IsZero() && !to.IsZero() && limit == 0
	key := redis.ForecastsKey(filter.InstrumentID, from.Format(contracts.DateLayout), to.Format(contracts.DateLayout), filter.ModelName)

	if cacheable {
		var cached ForecastList
		if hit, err := h.cache.Get(r.Context(), key, &cached); err != nil {
			h.logger.WithError(err).Warn("Forecast cache read failed")
		} else if hit {
			respondJSON(w, http.StatusOK, cached)
			return
		}
	}

	rows, err := h.store.ListForecasts(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).WithField("instrument", filter.InstrumentID).Error("Failed to list forecasts")
		respondError(w, storeStatus(err), "failed to list forecasts")
		return
	}

	resp := ForecastList{Count: len(rows), Forecasts: nonNil(rows)}
	if cacheable {
		if err := h.cache.Set(r.Context(), key, resp, redis.TTLShort); err != nil {
			h.logger.WithError(err).Warn("Forecast cache write failed")
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// ListUnresolved returns forecasts waiting for a realized price
// GET /api/forecasts/unresolved?as_of=
func (h *ForecastHandler) ListUnresolved(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		respondError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
		return
	}
	if asOf.IsZero() {
		asOf = contracts.DateOnly(h.now())
	}

	rows, err := h.store.QueryUnresolved(r.Context(), asOf)
	if err != nil {
		h.logger.WithError(err).Error("Failed to query unresolved forecasts")
		respondError(w, storeStatus(err), "failed to query unresolved forecasts")
		return
	}

	respondJSON(w, http.StatusOK, ForecastList{Count: len(rows), Forecasts: nonNil(rows)})
}

// GetPerformance returns one evaluation snapshot (latest when date is omitted)
// GET /api/performance?date=&instrument=
func (h *ForecastHandler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	evalDate, err := queryDate(r, "date")
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	instrument := r.URL.Query().Get("instrument")

	// 최신 스냅샷은 평가 직후 바뀌므로 날짜 지정 조회만 캐시
	cacheable := h.cache != nil && !evalDate.IsZero()
	key := redis.PerformanceKey(instrument, evalDate.Format(contracts.DateLayout))

	if cacheable {
		var cached PerformanceList
		hit, err := h.cache.Get(ctx, key, &cached)
		if err != nil {
			h.logger.WithError(err).Warn("Performance cache read failed")
		} else if hit {
			respondJSON(w, http.StatusOK, cached)
			return
		}
	}

	records, err := h.store.ListPerformance(ctx, instrument, evalDate)
	if err != nil {
		h.logger.WithError(err).WithField("instrument", instrument).Error("Failed to list performance")
		respondError(w, storeStatus(err), "failed to list performance")
		return
	}
	if records == nil {
		records = []contracts.PerformanceRecord{}
	}

	resp := PerformanceList{Count: len(records), Records: records}
	if len(records) > 0 {
		resp.EvaluationDate = records[0].EvaluationDate.Format(contracts.DateLayout)
	}

	if cacheable && len(records) > 0 {
		if err := h.cache.Set(ctx, key, resp, h.cacheTTL); err != nil {
			h.logger.WithError(err).Warn("Performance cache write failed")
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// ModelInfo 로드된 모델 요약
type ModelInfo struct {
	Name             string   `json:"name"`
	Kind             string   `json:"kind"`
	Version          string   `json:"version"`
	RequiresFeatures bool     `json:"requires_features"`
	Features         []string `json:"features"`
}

// ListModels returns the loaded adapters and artifacts that failed to load
// GET /api/models
func (h *ForecastHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		respondError(w, http.StatusNotFound, "model registry not configured")
		return
	}

	adapters := h.registry.Adapters()
	out := make([]ModelInfo, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, ModelInfo{
			Name:             a.Name(),
			Kind:             string(a.Kind()),
			Version:          a.Version(),
			RequiresFeatures: a.RequiresFeatures(),
			Features:         a.Features(),
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"loaded_at": h.registry.LoadedAt(),
		"models":    out,
		"failures":  h.registry.Failures(),
	})
}

func nonNil(rows []contracts.Forecast) []contracts.Forecast {
	if rows == nil {
		return []contracts.Forecast{}
	}
	return rows
}
