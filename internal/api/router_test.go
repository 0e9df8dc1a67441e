package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/copperwatch/internal/api/handlers"
	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/models"
	"github.com/wonny/copperwatch/internal/storage"
	"github.com/wonny/copperwatch/pkg/config"
	"github.com/wonny/copperwatch/pkg/logger"
	"github.com/wonny/copperwatch/pkg/metrics"
)

const inst = "LME-CU-3M"

type mapCache struct {
	data map[string][]byte
	sets int
}

func (c *mapCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	raw, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = raw
	c.sets++
	return nil
}

// downStore fails every call like an unreachable database
type downStore struct {
	*storage.MemoryStore
}

func (downStore) Ping(context.Context) error {
	return contracts.NewStoreError("ping", errors.New("connection refused"))
}

func (downStore) ListForecasts(context.Context, contracts.ForecastFilter) ([]contracts.Forecast, error) {
	return nil, contracts.NewStoreError("list forecasts", errors.New("connection refused"))
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func seeded(t *testing.T) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	var rows []contracts.Forecast
	for _, target := range []int{4, 5, 6} {
		for _, model := range []string{"ar2", contracts.EnsembleModel} {
			rows = append(rows, contracts.Forecast{
				IssueDate:      day(1),
				TargetDate:     day(target),
				InstrumentID:   inst,
				HorizonDays:    target - 3,
				ModelName:      model,
				ModelVersion:   "v1",
				PredictedPrice: 8500,
			})
		}
	}
	_, err := store.UpsertForecasts(ctx, rows)
	require.NoError(t, err)

	mape := 1.2
	_, err = store.UpsertPerformance(ctx, []contracts.PerformanceRecord{
		{EvaluationDate: day(4), InstrumentID: inst, ModelName: "ar2", HorizonDays: 1, MAE: 10, RMSE: 12, MAPE: &mape, SampleCount: 5},
		{EvaluationDate: day(5), InstrumentID: inst, ModelName: "ar2", HorizonDays: 1, MAE: 11, RMSE: 13, MAPE: &mape, SampleCount: 6},
	})
	require.NoError(t, err)
	return store
}

func testLogger() *logger.Logger {
	return logger.New(&config.Config{Env: "development", LogLevel: "error", LogFormat: "json"})
}

func newTestRouter(store handlers.ReadStore, cache handlers.Cache) http.Handler {
	h := handlers.NewForecastHandler(store, models.NewRegistry(), cache, 0, testLogger())
	rec := metrics.NewWithRegistry(prometheus.NewRegistry(), prometheus.NewRegistry())
	return NewRouter(h, rec, "/metrics", testLogger())
}

func get(t *testing.T, h http.Handler, url string, dest interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	if dest != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest))
	}
	return w.Code
}

func TestHealth(t *testing.T) {
	assert.Equal(t, http.StatusOK, get(t, newTestRouter(storage.NewMemoryStore(), nil), "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, newTestRouter(downStore{storage.NewMemoryStore()}, nil), "/health", nil))
}

func TestListForecasts(t *testing.T) {
	router := newTestRouter(seeded(t), nil)

	tests := []struct {
		name   string
		url    string
		status int
		count  int
	}{
		{"all", "/api/forecasts", http.StatusOK, 6},
		{"by model", "/api/forecasts?model=ensemble", http.StatusOK, 3},
		{"date range", "/api/forecasts?from=2024-03-05&to=2024-03-06", http.StatusOK, 4},
		{"limit", "/api/forecasts?limit=2", http.StatusOK, 2},
		{"unknown instrument", "/api/forecasts?instrument=LME-AL-3M", http.StatusOK, 0},
		{"bad date", "/api/forecasts?from=03/05/2024", http.StatusBadRequest, 0},
		{"reversed range", "/api/forecasts?from=2024-03-06&to=2024-03-05", http.StatusBadRequest, 0},
		{"bad limit", "/api/forecasts?limit=-1", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body handlers.ForecastList
			require.Equal(t, tt.status, get(t, router, tt.url, &body))
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.count, body.Count)
				assert.Len(t, body.Forecasts, tt.count)
			}
		})
	}
}

func TestListForecasts_StoreUnavailable(t *testing.T) {
	router := newTestRouter(downStore{storage.NewMemoryStore()}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, router, "/api/forecasts", nil))
}

func TestListUnresolved(t *testing.T) {
	router := newTestRouter(seeded(t), nil)

	var body handlers.ForecastList
	require.Equal(t, http.StatusOK, get(t, router, "/api/forecasts/unresolved?as_of=2024-03-05", &body))
	assert.Equal(t, 4, body.Count)
	for _, f := range body.Forecasts {
		assert.False(t, f.TargetDate.After(day(5)))
	}

	assert.Equal(t, http.StatusBadRequest, get(t, router, "/api/forecasts/unresolved?as_of=yesterday", nil))
}

func TestGetPerformance(t *testing.T) {
	cache := &mapCache{data: map[string][]byte{}}
	router := newTestRouter(seeded(t), cache)

	var latest handlers.PerformanceList
	require.Equal(t, http.StatusOK, get(t, router, "/api/performance?instrument="+inst, &latest))
	assert.Equal(t, "2024-03-05", latest.EvaluationDate)
	require.Equal(t, 1, latest.Count)
	assert.Equal(t, 11.0, latest.Records[0].MAE)
	assert.Zero(t, cache.sets, "latest snapshot is not cached")

	var dated handlers.PerformanceList
	require.Equal(t, http.StatusOK, get(t, router, "/api/performance?instrument="+inst+"&date=2024-03-04", &dated))
	assert.Equal(t, 10.0, dated.Records[0].MAE)
	assert.Equal(t, 1, cache.sets)
	assert.Contains(t, cache.data, "performance:"+inst+":2024-03-04")

	// second read is served from cache
	require.Equal(t, http.StatusOK, get(t, router, "/api/performance?instrument="+inst+"&date=2024-03-04", &dated))
	assert.Equal(t, 1, cache.sets)

	var empty handlers.PerformanceList
	require.Equal(t, http.StatusOK, get(t, router, "/api/performance?date=2023-01-02", &empty))
	assert.Zero(t, empty.Count)
	assert.NotNil(t, empty.Records)

	assert.Equal(t, http.StatusBadRequest, get(t, router, "/api/performance?date=bad", nil))
}

func TestForecastListingCache(t *testing.T) {
	cache := &mapCache{data: map[string][]byte{}}
	router := newTestRouter(seeded(t), cache)

	var body handlers.ForecastList
	require.Equal(t, http.StatusOK, get(t, router, "/api/forecasts?instrument="+inst+"&from=2024-03-04&to=2024-03-04", &body))
	assert.Equal(t, 2, body.Count)
	assert.Contains(t, cache.data, "forecasts:"+inst+":2024-03-04:2024-03-04:")

	require.Equal(t, http.StatusOK, get(t, router, "/api/forecasts?limit=1", &body))
	assert.Equal(t, 1, cache.sets, "open ranges are not cached")
}

func TestListModelsAndMetrics(t *testing.T) {
	router := newTestRouter(storage.NewMemoryStore(), nil)

	var body map[string]interface{}
	require.Equal(t, http.StatusOK, get(t, router, "/api/models", &body))
	assert.Contains(t, body, "models")

	assert.Equal(t, http.StatusOK, get(t, router, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/unknown", nil))
}

func TestServerAddr(t *testing.T) {
	srv := New(&config.Config{Port: "8089"}, testLogger(), http.NotFoundHandler())
	assert.Equal(t, ":8089", srv.Addr())
	assert.NoError(t, srv.Shutdown(context.Background()))
}
