package marketdata_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/marketdata"
	"github.com/wonny/copperwatch/internal/storage"
	"github.com/wonny/copperwatch/pkg/config"
	"github.com/wonny/copperwatch/pkg/logger"
)

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

func TestParseSchemaMapping(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, m marketdata.SchemaMapping)
	}{
		{
			name: "empty document keeps defaults",
			yaml: "{}",
			check: func(t *testing.T, m marketdata.SchemaMapping) {
				assert.Equal(t, "lme_copper_futures", m.Table)
				assert.Equal(t, "ric", m.Columns.InstrumentID)
				assert.Equal(t, "close_price", m.Columns.Close)
				assert.Equal(t, "open_interest", m.Columns.OpenInterestColumn())
			},
		},
		{
			name: "schema-qualified table with renamed columns",
			yaml: "table: market.copper_daily\ncolumns:\n  instrument_id: symbol\n  close: settle\n",
			check: func(t *testing.T, m marketdata.SchemaMapping) {
				assert.Equal(t, []string{"market", "copper_daily"}, m.TableParts())
				assert.Equal(t, "symbol", m.Columns.InstrumentID)
				assert.Equal(t, "settle", m.Columns.Close)
				assert.Equal(t, "trade_date", m.Columns.TradeDate)
			},
		},
		{
			name: "open interest disabled",
			yaml: "columns:\n  open_interest: \"\"\n",
			check: func(t *testing.T, m marketdata.SchemaMapping) {
				assert.Equal(t, "", m.Columns.OpenInterestColumn())
			},
		},
		{name: "unknown field", yaml: "tabel: x\n", wantErr: true},
		{name: "injection in column", yaml: "columns:\n  close: \"close; DROP TABLE x\"\n", wantErr: true},
		{name: "too many table parts", yaml: "table: a.b.c\n", wantErr: true},
		{name: "quoted table", yaml: "table: \"bad-name\"\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := marketdata.ParseSchemaMapping([]byte(tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestLoadSchemaMapping_EmptyPathIsDefault(t *testing.T) {
	m, err := marketdata.LoadSchemaMapping("")
	require.NoError(t, err)
	assert.Equal(t, marketdata.DefaultSchemaMapping(), m)
	assert.NoError(t, m.Validate())
}

func TestNewPriceRepository_RejectsInvalidMapping(t *testing.T) {
	m := marketdata.DefaultSchemaMapping()
	m.Columns.Close = "close price"

	_, err := marketdata.NewPriceRepository(nil, m)
	assert.Error(t, err)
}

func TestPriceRepository_SchemaStatements(t *testing.T) {
	repo, err := marketdata.NewPriceRepository(nil, marketdata.DefaultSchemaMapping())
	require.NoError(t, err)

	stmts := repo.SchemaStatements()
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "lme_copper_futures"`)
	assert.Contains(t, stmts[0], `"open_interest" BIGINT`)
	assert.Contains(t, stmts[0], `UNIQUE ("ric", "trade_date")`)
}

func TestHTTPFeed_Fetch(t *testing.T) {
	var gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"observations":[
			{"trade_date":"2024-01-02","open":8400,"high":8450,"low":8380,"close":8420.5,"volume":1200,"open_interest":30000},
			{"trade_date":"2024-01-03","close":null},
			{"trade_date":"2024-01-04","close":8390}
		]}`))
	}))
	defer srv.Close()

	feed := marketdata.NewHTTPFeed(testLogger(), srv.URL+"/", "secret", 5*time.Second, 0,
		func(id string) string { return strings.ToLower(id) })

	obs, err := feed.Fetch(context.Background(), "CU3M", day("2024-01-02"), day("2024-01-04"))
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Contains(t, gotQuery, "symbol=cu3m")
	assert.Contains(t, gotQuery, "from=2024-01-02")
	assert.Contains(t, gotQuery, "to=2024-01-04")

	require.Len(t, obs, 2, "null close is skipped")
	assert.Equal(t, "CU3M", obs[0].InstrumentID)
	assert.Equal(t, 8420.5, obs[0].Close)
	require.NotNil(t, obs[0].OpenInterest)
	assert.Equal(t, int64(30000), *obs[0].OpenInterest)

	// missing OHLC falls back to close
	assert.Equal(t, 8390.0, obs[1].Open)
	assert.Equal(t, 8390.0, obs[1].High)
	assert.Nil(t, obs[1].OpenInterest)
}

func TestHTTPFeed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	feed := marketdata.NewHTTPFeed(testLogger(), srv.URL, "", time.Second, 0, nil)
	feed.Client().DisableRetry()

	_, err := feed.Fetch(context.Background(), "CU3M", day("2024-01-02"), day("2024-01-04"))
	assert.Error(t, err)
}

func TestNewFeed(t *testing.T) {
	_, err := marketdata.NewFeed(config.FeedConfig{Type: "none"}, testLogger())
	assert.ErrorIs(t, err, marketdata.ErrNoFeed)

	_, err = marketdata.NewFeed(config.FeedConfig{Type: "ftp"}, testLogger())
	assert.Error(t, err)

	f, err := marketdata.NewFeed(config.FeedConfig{Type: "yahoo"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "yahoo", f.Name())

	f, err = marketdata.NewFeed(config.FeedConfig{Type: "http", BaseURL: "http://localhost"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "http", f.Name())
}

type fakeFeed struct {
	rows map[string][]contracts.PriceObservation
	errs map[string]error
}

func (f *fakeFeed) Name() string { return "fake" }

func (f *fakeFeed) Fetch(_ context.Context, id string, _, _ time.Time) ([]contracts.PriceObservation, error) {
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return f.rows[id], nil
}

func TestCollector_Collect(t *testing.T) {
	feed := &fakeFeed{
		rows: map[string][]contracts.PriceObservation{
			"CU3M": {
				{InstrumentID: "CU3M", TradeDate: day("2024-01-02"), Close: 8400},
				{InstrumentID: "CU3M", TradeDate: day("2024-01-03"), Close: 8410},
			},
		},
		errs: map[string]error{"BAD": errors.New("upstream down")},
	}
	store := storage.NewMemoryStore()
	collector := marketdata.NewCollector(feed, store, nil, testLogger(), 2, time.Second)

	results := collector.Collect(context.Background(), []string{"CU3M", "EMPTY", "BAD"}, day("2024-01-01"), day("2024-01-03"))
	require.Len(t, results, 3)

	assert.Equal(t, "CU3M", results[0].InstrumentID)
	assert.Equal(t, 2, results[0].Fetched)
	assert.Equal(t, 2, results[0].Saved)
	assert.NoError(t, results[0].Error)

	assert.True(t, results[1].Empty)
	assert.NoError(t, results[1].Error)

	assert.Error(t, results[2].Error)

	saved, err := store.Observations(context.Background(), "CU3M", day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestCollector_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	collector := marketdata.NewCollector(&fakeFeed{}, storage.NewMemoryStore(), nil, testLogger(), 1, time.Second)
	results := collector.Collect(ctx, []string{"CU3M"}, day("2024-01-01"), day("2024-01-03"))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Error, context.Canceled)
}

// stalledStore blocks writes until the caller's deadline fires
type stalledStore struct {
	*storage.MemoryStore
}

func (s stalledStore) SaveObservations(ctx context.Context, _ []contracts.PriceObservation) (int, error) {
	<-ctx.Done()
	return 0, contracts.NewStoreError("save observations", ctx.Err())
}

func TestCollector_StoreTimeout(t *testing.T) {
	feed := &fakeFeed{
		rows: map[string][]contracts.PriceObservation{
			"CU3M": {{InstrumentID: "CU3M", TradeDate: day("2024-01-02"), Close: 8400}},
		},
	}
	collector := marketdata.NewCollector(feed, stalledStore{storage.NewMemoryStore()}, nil, testLogger(), 1, 20*time.Millisecond)

	done := make(chan []marketdata.FetchResult, 1)
	go func() {
		done <- collector.Collect(context.Background(), []string{"CU3M"}, day("2024-01-01"), day("2024-01-03"))
	}()

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.ErrorIs(t, results[0].Error, contracts.ErrStoreUnavailable)
		assert.ErrorIs(t, results[0].Error, context.DeadlineExceeded)
		assert.Zero(t, results[0].Saved)
	case <-time.After(2 * time.Second):
		t.Fatal("collect did not honor the store timeout")
	}
}
