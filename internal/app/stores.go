// Package app opens the storage backend selected by configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"

	catalog "loomwatch/internal/catalog/domain"
	catalogmemory "loomwatch/internal/catalog/infrastructure/memory"
	catalogpostgres "loomwatch/internal/catalog/infrastructure/postgres"
	"loomwatch/internal/config"
	"loomwatch/internal/kvstore"
	machines "loomwatch/internal/machines/domain"
	machinebadger "loomwatch/internal/machines/infrastructure/badgerdb"
	machinememory "loomwatch/internal/machines/infrastructure/memory"
	machinepostgres "loomwatch/internal/machines/infrastructure/postgres"
	rollup "loomwatch/internal/rollup/domain"
	rollupbadger "loomwatch/internal/rollup/infrastructure/badgerdb"
	rollupmemory "loomwatch/internal/rollup/infrastructure/memory"
	rolluppostgres "loomwatch/internal/rollup/infrastructure/postgres"
	telemetry "loomwatch/internal/telemetry/domain"
	telemetrybadger "loomwatch/internal/telemetry/infrastructure/badgerdb"
	telemetrymemory "loomwatch/internal/telemetry/infrastructure/memory"
	telemetrypostgres "loomwatch/internal/telemetry/infrastructure/postgres"
)

// RollupStore is the rollup surface used by ingest, compaction and queries.
type RollupStore interface {
	rollup.Store
	rollup.CompactionStore
}

// CatalogStore is the material surface used by ingest, the API and imports.
type CatalogStore interface {
	catalog.Catalog
	catalog.Lister
	Replace(ctx context.Context, materials []catalog.Material) error
}

// Stores groups the repositories of one backend.
type Stores struct {
	Driver    string
	DB        *sql.DB
	Raw       telemetry.RawEventStore
	Machines  machines.Repository
	Rollups   RollupStore
	Materials CatalogStore

	closers []func() error
}

// Close releases the backend in reverse open order.
func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// OpenStores opens the repositories for cfg.Storage.Driver.
func OpenStores(ctx context.Context, cfg config.Config, logger *log.Logger) (*Stores, error) {
	if logger == nil {
		logger = log.Default()
	}
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg.DatabaseURL)
	case config.DriverBadger:
		return openBadger(cfg.Storage.BadgerPath, logger)
	case config.DriverMemory:
		return &Stores{
			Driver:    config.DriverMemory,
			Raw:       telemetrymemory.NewRawEventRepository(),
			Machines:  machinememory.NewMachineRepository(),
			Rollups:   rollupmemory.NewRollupRepository(),
			Materials: catalogmemory.NewCatalog(),
		}, nil
	default:
		return nil, fmt.Errorf("app: unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openPostgres(ctx context.Context, dsn string) (*Stores, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &Stores{
		Driver:    config.DriverPostgres,
		DB:        db,
		Raw:       telemetrypostgres.NewRawEventRepository(db),
		Machines:  machinepostgres.NewMachineRepository(db),
		Rollups:   rolluppostgres.NewRollupRepository(db),
		Materials: catalogpostgres.NewMaterialRepository(db),
		closers:   []func() error{db.Close},
	}, nil
}

func openBadger(dir string, logger *log.Logger) (*Stores, error) {
	db, err := kvstore.Open(kvstore.Options{Dir: dir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	stores := &Stores{
		Driver: config.DriverBadger,
		// Materials live in memory and are reloaded from the catalog file on start.
		Materials: catalogmemory.NewCatalog(),
		closers:   []func() error{db.Close},
	}
	raw, err := telemetrybadger.NewRawEventRepository(db)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("badger raw events: %w", err)
	}
	stores.Raw = raw
	stores.closers = append(stores.closers, raw.Close)

	machineRepo, err := machinebadger.NewMachineRepository(db)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("badger machines: %w", err)
	}
	stores.Machines = machineRepo

	rollupRepo, err := rollupbadger.NewRollupRepository(db)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("badger rollups: %w", err)
	}
	stores.Rollups = rollupRepo
	return stores, nil
}
