package core

import (
	"context"
	"fmt"
	"io"

	"supplycore/internal/config"
	"supplycore/internal/infra/persistence/memory"
	"supplycore/internal/infra/persistence/postgres"
	"supplycore/internal/infra/persistence/sqlite"
	"supplycore/pkg/domain"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenLotStore selects a lot store backend from cfg. A nil engine gets the
// default lot rules. The returned closer releases the backend's connections.
func OpenLotStore(ctx context.Context, cfg config.Storage, engine *domain.RulesEngine) (domain.LotStore, io.Closer, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = config.StorageSQLite
	}
	switch driver {
	case config.StorageMemory:
		return memory.NewStore(engine), nopCloser{}, nil
	case config.StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
