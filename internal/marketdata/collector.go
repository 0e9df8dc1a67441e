package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/pkg/logger"
	"github.com/wonny/copperwatch/pkg/metrics"
)

// Collector 피드 수집 오케스트레이션
// ⭐ SSOT: 가격 수집은 이 타입에서만
type Collector struct {
	feed    Feed
	store   contracts.PriceStore
	metrics *metrics.Recorder
	logger  *logger.Logger
	workers int

	storeTimeout time.Duration
}

// FetchResult 종목별 수집 결과
type FetchResult struct {
	InstrumentID string
	Fetched      int
	Saved        int
	Empty        bool
	Error        error
}

// defaultStoreTimeout bounds one SaveObservations call when none is configured
const defaultStoreTimeout = 30 * time.Second

// NewCollector creates a collector; rec may be nil.
// storeTimeout bounds each store write (STORE_TIMEOUT).
func NewCollector(feed Feed, store contracts.PriceStore, rec *metrics.Recorder, log *logger.Logger, workers int, storeTimeout time.Duration) *Collector {
	if workers <= 0 {
		workers = 1
	}
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &Collector{
		feed:         feed,
		store:        store,
		metrics:      rec,
		logger:       log.WithField("module", "collector"),
		workers:      workers,
		storeTimeout: storeTimeout,
	}
}

// Collect fetches [from, to] for every instrument and upserts the rows.
// Results are returned in instrument order.
func (c *Collector) Collect(ctx context.Context, instruments []string, from, to time.Time) []FetchResult {
	c.logger.WithFields(map[string]interface{}{
		"feed":        c.feed.Name(),
		"instruments": len(instruments),
		"from":        from.Format(contracts.DateLayout),
		"to":          to.Format(contracts.DateLayout),
		"workers":     c.workers,
	}).Info("Starting price collection")

	type job struct {
		idx        int
		instrument string
	}

	results := make([]FetchResult, len(instruments))
	jobCh := make(chan job, len(instruments))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := range jobCh {
				results[j.idx] = c.collectOne(ctx, workerID, j.instrument, from, to)
			}
		}(i)
	}

	for idx, inst := range instruments {
		jobCh <- job{idx: idx, instrument: inst}
	}
	close(jobCh)
	wg.Wait()

	saved, failed := 0, 0
	for _, r := range results {
		saved += r.Saved
		if r.Error != nil {
			failed++
		}
	}
	c.logger.WithFields(map[string]interface{}{
		"saved":  saved,
		"failed": failed,
		"total":  len(results),
	}).Info("Price collection completed")

	return results
}

func (c *Collector) collectOne(ctx context.Context, workerID int, instrument string, from, to time.Time) FetchResult {
	result := FetchResult{InstrumentID: instrument}

	if err := ctx.Err(); err != nil {
		result.Error = err
		return result
	}

	observations, err := c.feed.Fetch(ctx, instrument, from, to)
	if err != nil {
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"worker":     workerID,
			"instrument": instrument,
		}).Error("Failed to fetch prices")
		result.Error = err
		return result
	}

	result.Fetched = len(observations)
	if len(observations) == 0 {
		result.Empty = true
		return result
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	n, err := c.store.SaveObservations(storeCtx, observations)
	if err != nil {
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"worker":     workerID,
			"instrument": instrument,
		}).Error("Failed to save prices")
		result.Error = err
		return result
	}
	result.Saved = n
	c.metrics.RecordObservations(instrument, n)

	c.logger.WithFields(map[string]interface{}{
		"worker":     workerID,
		"instrument": instrument,
		"count":      n,
	}).Debug("Fetched prices")

	return result
}
