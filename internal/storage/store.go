package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/wonny/copperwatch/internal/contracts"
	"github.com/wonny/copperwatch/internal/forecast"
	"github.com/wonny/copperwatch/internal/marketdata"
	"github.com/wonny/copperwatch/pkg/config"
	"github.com/wonny/copperwatch/pkg/database"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

const defaultListLimit = forecast.DefaultListLimit

// Open 설정된 드라이버로 저장소 생성
// ⭐ SSOT: 파이프라인이 쓰는 contracts.Store는 여기서만 만들어짐
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (contracts.Store, error) {
	switch cfg.Store.Driver {
	case DriverPostgres:
		return OpenPostgres(ctx, cfg, log)
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.Store.SQLitePath, log)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// PostgresStore pgx 저장소 묶음 (가격 + 예측 + 성능)
type PostgresStore struct {
	*marketdata.PriceRepository
	*forecast.Repository
	db *database.DB
}

// OpenPostgres connects the pool and loads the price-table schema mapping
func OpenPostgres(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*PostgresStore, error) {
	mapping, err := marketdata.LoadSchemaMapping(cfg.Store.SchemaMappingFile)
	if err != nil {
		return nil, fmt.Errorf("schema mapping: %w", err)
	}

	db, err := database.New(cfg)
	if err != nil {
		return nil, contracts.NewStoreError("connect", err)
	}

	prices, err := marketdata.NewPriceRepository(db.Pool, mapping)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("component", "storage").
		Str("price_table", mapping.Table).
		Msg("postgres store ready")

	return &PostgresStore{
		PriceRepository: prices,
		Repository:      forecast.NewRepository(db.Pool),
		db:              db,
	}, nil
}

// DB exposes the pool wrapper for migrations and health checks
func (s *PostgresStore) DB() *database.DB {
	return s.db
}

// Ping implements contracts.Store
func (s *PostgresStore) Ping(ctx context.Context) error {
	return contracts.NewStoreError("ping", s.db.Ping(ctx))
}

// Close implements contracts.Store
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Migrate creates the forecast tables and, when requested, the price table
func (s *PostgresStore) Migrate(ctx context.Context, withPrices bool) error {
	statements := append([]string{}, forecast.SchemaStatements...)
	if withPrices {
		statements = append(statements, s.PriceRepository.SchemaStatements()...)
	}
	return s.db.Migrate(ctx, statements...)
}

func normalizeForecast(f contracts.Forecast) contracts.Forecast {
	f.IssueDate = contracts.DateOnly(f.IssueDate)
	f.TargetDate = contracts.DateOnly(f.TargetDate)
	if f.FeaturesUsed != nil {
		f.FeaturesUsed = append([]string(nil), f.FeaturesUsed...)
	}
	return f
}

func sortForecasts(rows []contracts.Forecast) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.TargetDate.Equal(b.TargetDate) {
			return a.TargetDate.Before(b.TargetDate)
		}
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		if a.ModelName != b.ModelName {
			return a.ModelName < b.ModelName
		}
		return a.IssueDate.Before(b.IssueDate)
	})
}

func sortPerformance(rows []contracts.PerformanceRecord) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		if a.ModelName != b.ModelName {
			return a.ModelName < b.ModelName
		}
		return a.HorizonDays < b.HorizonDays
	})
}
