package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/marketdata"
	"github.com/wonny/copperwatch/internal/models"
	"github.com/wonny/copperwatch/internal/pipeline"
	"github.com/wonny/copperwatch/internal/storage"
	"github.com/wonny/copperwatch/pkg/config"
	"github.com/wonny/copperwatch/pkg/kafka"
	"github.com/wonny/copperwatch/pkg/logger"
	"github.com/wonny/copperwatch/pkg/metrics"
	"github.com/wonny/copperwatch/pkg/redis"
)

// redisPrefix namespaces cache and lock keys
const redisPrefix = "copperwatch"

// appOptions 명령별 초기화 옵션
type appOptions struct {
	dryRun   bool // 쓰기 무시 (읽기는 실제 저장소)
	withFeed bool // 상류 피드 연결
}

// app 명령 공통 의존성 묶음
// ⭐ SSOT: CLI의 의존성 조립은 여기서만
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    contracts.Store
	registry *models.Registry
	redis    *redis.Client
	cache    *redis.Cache
	producer *kafka.Producer
	metrics  *metrics.Recorder
	pipeline *pipeline.Pipeline
}

// newApp loads config and wires every dependency the pipeline needs
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	// 2. Initialize logger
	log := logger.New(cfg)
	a := &app{cfg: cfg, log: log}

	// 3. Open store
	store, err := storage.Open(ctx, cfg, log.Zerolog())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if opts.dryRun {
		store = storage.NewDryRunStore(store)
		log.Warn("Dry run: store writes are discarded")
	}
	a.store = store

	// 4. Load model artifacts
	a.registry = models.LoadRegistry(cfg.Forecast.ModelDir, log.Zerolog())
	for _, f := range a.registry.Failures() {
		log.WithFields(map[string]interface{}{
			"path":  f.Path,
			"error": f.Error,
		}).Warn("Model artifact skipped")
	}

	// 5. Redis (lock + cache); disabled client is a no-op
	a.redis, err = redis.New(cfg)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable, continuing without lock and cache")
		a.redis, _ = redis.New(&config.Config{})
	}
	a.cache = redis.NewCache(a.redis, redisPrefix)

	// 6. Kafka run events
	if cfg.Kafka.Enabled() {
		a.producer, err = kafka.NewProducer(
			kafka.WithBrokers(cfg.Kafka.Brokers),
			kafka.WithTopic(cfg.Kafka.Topic),
			kafka.WithCompression(cfg.Kafka.Compression),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
	}

	// 7. Metrics
	if cfg.MetricsEnabled {
		a.metrics = metrics.New()
	}

	// 8. Feed + collector
	var collector *marketdata.Collector
	if opts.withFeed {
		feed, err := marketdata.NewFeed(cfg.Feed, log)
		switch {
		case errors.Is(err, marketdata.ErrNoFeed):
			log.Warn("No upstream feed configured")
		case err != nil:
			a.Close()
			return nil, fmt.Errorf("feed: %w", err)
		default:
			collector = marketdata.NewCollector(feed, store, a.metrics, log, cfg.Feed.Workers, cfg.Store.Timeout)
		}
	}

	deps := pipeline.Deps{
		Store:     store,
		Registry:  a.registry,
		Collector: collector,
		Locker:    redis.NewLocker(a.redis, redisPrefix, cfg.Redis.LockTTL),
		Metrics:   a.metrics,
	}
	if a.producer != nil && !opts.dryRun {
		deps.Publisher = a.producer
	}
	a.pipeline = pipeline.New(deps, pipeline.ConfigFrom(cfg), log)

	return a, nil
}

// Close releases every opened resource
func (a *app) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close kafka producer")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close store")
		}
	}
	_ = a.log.Close()
}

// parseDateFlag returns today when the flag is empty
func parseDateFlag(value string) (time.Time, error) {
	if value == "" {
		return contracts.DateOnly(time.Now()), nil
	}
	t, err := contracts.ParseDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", value)
	}
	return t, nil
}
