package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/execution-hub/dataspace-connector/internal/config"
	domainNegotiation "github.com/execution-hub/dataspace-connector/internal/domain/negotiation"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
	domainTransfer "github.com/execution-hub/dataspace-connector/internal/domain/transfer"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/memory"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/postgres"
	"github.com/execution-hub/dataspace-connector/internal/infrastructure/sqlite"
	"github.com/execution-hub/dataspace-connector/internal/migrations"
)

const (
	negotiationTable = "contract_negotiations"
	transferTable    = "transfer_processes"
)

type stores struct {
	negotiations process.Store[*domainNegotiation.ContractNegotiation]
	transfers    process.Store[*domainTransfer.TransferProcess]
	close        func()
}

func newNegotiation() *domainNegotiation.ContractNegotiation {
	return &domainNegotiation.ContractNegotiation{}
}

func newTransfer() *domainTransfer.TransferProcess {
	return &domainTransfer.TransferProcess{}
}

// openStores builds the entity stores for the configured driver and applies
// the schema when migrate is set.
func openStores(ctx context.Context, cfg *config.Config, migrate bool, logger zerolog.Logger) (*stores, error) {
	log := logger.With().Str("store_driver", cfg.StoreDriver).Logger()

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if migrate {
			if err := postgres.RunMigrations(ctx, pool, migrations.FS); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migration error: %w", err)
			}
		}
		log.Info().Msg("postgres store ready")
		return &stores{
			negotiations: postgres.NewProcessStore(pool, negotiationTable, newNegotiation, cfg.LeaseDuration),
			transfers:    postgres.NewProcessStore(pool, transferTable, newTransfer, cfg.LeaseDuration),
			close:        pool.Close,
		}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite error: %w", err)
		}
		negotiations := sqlite.NewStore(db, negotiationTable, newNegotiation, sqlite.WithLeaseDuration(cfg.LeaseDuration))
		transfers := sqlite.NewStore(db, transferTable, newTransfer, sqlite.WithLeaseDuration(cfg.LeaseDuration))
		if migrate {
			if err := migrateSQLite(ctx, db, negotiations, transfers); err != nil {
				return nil, err
			}
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite store ready")
		return &stores{
			negotiations: negotiations,
			transfers:    transfers,
			close:        func() { _ = db.Close() },
		}, nil

	default:
		log.Warn().Msg("in-memory store: processes are lost on restart")
		return &stores{
			negotiations: memory.NewStore[*domainNegotiation.ContractNegotiation](memory.WithLeaseDuration(cfg.LeaseDuration)),
			transfers:    memory.NewStore[*domainTransfer.TransferProcess](memory.WithLeaseDuration(cfg.LeaseDuration)),
			close:        func() {},
		}, nil
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func migrateSQLite(ctx context.Context, db *sql.DB, ms ...migrator) error {
	for _, m := range ms {
		if err := m.Migrate(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("migration error: %w", err)
		}
	}
	return nil
}
