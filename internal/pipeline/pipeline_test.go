package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/forecast"
	"github.com/wonny/copperwatch/internal/marketdata"
	"github.com/wonny/copperwatch/internal/models"
	"github.com/wonny/copperwatch/internal/storage"
	"github.com/wonny/copperwatch/pkg/config"
	"github.com/wonny/copperwatch/pkg/logger"
)

type constAdapter struct {
	name   string
	values []float64
}

func (a constAdapter) Name() string           { return a.name }
func (a constAdapter) Kind() models.Kind      { return models.KindAutoregressive }
func (a constAdapter) Version() string        { return "v1" }
func (a constAdapter) RequiresFeatures() bool { return false }
func (a constAdapter) Features() []string     { return []string{contracts.FeatureClosePrice} }
func (a constAdapter) Forecast(context.Context, models.Input, int) (models.Prediction, error) {
	return models.Prediction{Values: a.values}, nil
}

// heldLocker refuses every key in held
type heldLocker struct {
	held map[string]bool
}

func (l heldLocker) TryLock(_ context.Context, key string) (func(context.Context) error, bool, error) {
	if l.held[key] {
		return nil, false, nil
	}
	return func(context.Context) error { return nil }, true, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key []byte, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := value.(*contracts.RunResult); !ok {
		return errors.New("unexpected payload")
	}
	p.keys = append(p.keys, string(key))
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(&config.Config{Env: "development", LogLevel: "error", LogFormat: "json"})
}

func day(s string) time.Time {
	d, err := contracts.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedPrices(t *testing.T, store *storage.MemoryStore, instrument string, dates ...string) {
	t.Helper()
	var obs []contracts.PriceObservation
	for i, s := range dates {
		obs = append(obs, contracts.PriceObservation{InstrumentID: instrument, TradeDate: day(s), Close: 100 + float64(i), Volume: 10})
	}
	_, err := store.SaveObservations(context.Background(), obs)
	require.NoError(t, err)
}

func newPipeline(store contracts.Store, deps Deps, adapters ...models.Adapter) *Pipeline {
	deps.Store = store
	deps.Registry = models.NewRegistry(adapters...)
	return New(deps, Config{
		Instruments: []forecast.Instrument{{ID: "CU3M"}},
		Horizon:     2,
		WindowDays:  30,
	}, testLogger())
}

func TestIssueForecasts_NoAdaptersFails(t *testing.T) {
	p := newPipeline(storage.NewMemoryStore(), Deps{})

	res := p.IssueForecasts(context.Background(), day("2024-03-04"))
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode())
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], ErrNoAdapters.Error())
	assert.False(t, res.FinishedAt.IsZero())
}

func TestIssueForecasts_WritesAndCounts(t *testing.T) {
	store := storage.NewMemoryStore()
	seedPrices(t, store, "CU3M", "2024-02-28", "2024-02-29", "2024-03-01", "2024-03-04")
	pub := &recordingPublisher{}

	p := newPipeline(store, Deps{Publisher: pub},
		constAdapter{name: "alpha", values: []float64{100, 101}},
		constAdapter{name: "beta", values: []float64{102, 101}},
	)

	res := p.IssueForecasts(context.Background(), day("2024-03-04"))
	require.True(t, res.Success, res.Errors)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, contracts.OpIssue, res.Operation)
	assert.Equal(t, 1, res.Counts[contracts.CountInstruments])
	assert.Equal(t, 2, res.Counts[contracts.CountModels])
	assert.Equal(t, 6, res.Counts[contracts.CountForecasts])
	assert.Equal(t, []string{contracts.OpIssue}, pub.keys)

	rows, err := store.ListForecasts(context.Background(), contracts.ForecastFilter{})
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, res.RunID, r.RunID)
	}
}

func TestIssueForecasts_HeldLockSkipsInstrument(t *testing.T) {
	store := storage.NewMemoryStore()
	seedPrices(t, store, "CU3M", "2024-03-04")

	p := newPipeline(store, Deps{Locker: heldLocker{held: map[string]bool{"issue:CU3M:2024-03-04": true}}},
		constAdapter{name: "alpha", values: []float64{100}})

	res := p.IssueForecasts(context.Background(), day("2024-03-04"))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Counts[contracts.CountSkipped])
	assert.Equal(t, 0, res.Counts[contracts.CountForecasts])
	require.NotEmpty(t, res.Warnings)
}

type brokenStore struct {
	*storage.MemoryStore
}

func (brokenStore) Observations(context.Context, string, time.Time, time.Time) ([]contracts.PriceObservation, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (brokenStore) QueryUnresolved(context.Context, time.Time) ([]contracts.Forecast, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestStoreUnavailableFailsRun(t *testing.T) {
	p := newPipeline(brokenStore{storage.NewMemoryStore()}, Deps{}, constAdapter{name: "alpha", values: []float64{1}})

	res := p.IssueForecasts(context.Background(), day("2024-03-04"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors[0], "store unavailable")

	res = p.Reconcile(context.Background(), day("2024-03-04"))
	assert.False(t, res.Success)
}

func TestReconcile_StaleForecastsWarn(t *testing.T) {
	store := storage.NewMemoryStore()
	_, err := store.UpsertForecasts(context.Background(), []contracts.Forecast{{
		IssueDate:      day("2024-03-01"),
		TargetDate:     day("2024-03-04"),
		InstrumentID:   "CU3M",
		HorizonDays:    1,
		ModelName:      "alpha",
		ModelVersion:   "v1",
		PredictedPrice: 100,
		CreatedAt:      time.Now().UTC(),
	}})
	require.NoError(t, err)

	p := newPipeline(store, Deps{}, constAdapter{name: "alpha", values: []float64{1}})

	res := p.Reconcile(context.Background(), day("2024-03-04"))
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.Counts[contracts.CountStale])
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], contracts.ErrStaleData.Error())
	assert.Contains(t, res.Warnings[0], "CU3M")
}

func TestRunDaily(t *testing.T) {
	store := storage.NewMemoryStore()
	seedPrices(t, store, "CU3M", "2024-03-01", "2024-03-04")

	p := newPipeline(store, Deps{}, constAdapter{name: "alpha", values: []float64{100, 101}})

	// issue on Friday, the Monday close is already known
	results := p.RunDaily(context.Background(), day("2024-03-01"))
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, r.Errors)
	}

	reconcile := p.Reconcile(context.Background(), day("2024-03-04"))
	require.True(t, reconcile.Success)
	assert.Equal(t, 2, reconcile.Counts[contracts.CountResolved], "alpha and ensemble for 2024-03-04")

	eval := p.EvaluatePerformance(context.Background(), day("2024-03-04"), 0)
	require.True(t, eval.Success)
	assert.Equal(t, 2, eval.Counts[contracts.CountRecords])
}

func TestRunDaily_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newPipeline(storage.NewMemoryStore(), Deps{}, constAdapter{name: "alpha", values: []float64{1}})
	assert.Empty(t, p.RunDaily(ctx, day("2024-03-04")))
}

type stubFeed struct{}

func (stubFeed) Name() string { return "stub" }

func (stubFeed) Fetch(_ context.Context, id string, from, _ time.Time) ([]contracts.PriceObservation, error) {
	if id == "CU1M" {
		return nil, nil
	}
	return []contracts.PriceObservation{{InstrumentID: id, TradeDate: from, Close: 8000}}, nil
}

func TestCollect(t *testing.T) {
	store := storage.NewMemoryStore()
	p := New(Deps{
		Store:     store,
		Registry:  models.NewRegistry(),
		Collector: marketdata.NewCollector(stubFeed{}, store, nil, testLogger(), 2, time.Second),
	}, Config{Instruments: []forecast.Instrument{{ID: "CU3M", Companion: "CU1M"}}}, testLogger())

	res := p.Collect(context.Background(), day("2024-03-04"), day("2024-03-04"))
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Counts[contracts.CountInstruments])
	assert.Equal(t, 1, res.Counts[contracts.CountObservation])
	assert.Len(t, res.Warnings, 1, "companion had no data")

	noFeed := newPipeline(store, Deps{})
	res = noFeed.Collect(context.Background(), day("2024-03-04"), day("2024-03-04"))
	assert.False(t, res.Success)
}

func TestConfigFrom(t *testing.T) {
	cfg := &config.Config{
		Store: config.StoreConfig{Timeout: time.Second},
		Forecast: config.ForecastConfig{
			Instruments:      []config.Instrument{{ID: "CU3M", Companion: "CU1M"}},
			Horizon:          5,
			WindowDays:       30,
			MAPEAlertPercent: 4,
		},
	}

	got := ConfigFrom(cfg)
	assert.Equal(t, []forecast.Instrument{{ID: "CU3M", Companion: "CU1M"}}, got.Instruments)
	assert.Equal(t, 5, got.Horizon)
	assert.Equal(t, time.Second, got.StoreTimeout)
	assert.Equal(t, 4.0, got.MAPEAlert)
}
