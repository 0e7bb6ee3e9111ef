package ledgerstore

import (
	"fmt"

	"metergate/internal/models"
)

// Factory provides a centralized way to create ledger stores based on
// configuration, keeping backend selection out of the wiring code.
type Factory struct{}

// NewFactory creates a new ledger store factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a store based on the provided configuration.
// Supported backends:
//   - memory: in-memory store (testing/development)
//   - postgres: PostgreSQL via pgx (production)
//   - sqlite: SQLite (single-node deployments)
func (f *Factory) Create(cfg models.LedgerConfig) (Store, error) {
	storeConfig := Config{
		Type:         cfg.Type,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}

	switch cfg.Type {
	case models.LedgerStoreMemory:
		return NewMemoryStore(storeConfig)
	case models.LedgerStorePostgres:
		return NewPostgresStore(storeConfig)
	case models.LedgerStoreSQLite:
		return NewSQLiteStore(storeConfig)
	default:
		return nil, fmt.Errorf("unsupported ledger store type: %s", cfg.Type)
	}
}

// SupportedBackends returns all supported store types.
func (f *Factory) SupportedBackends() []string {
	return []string{models.LedgerStoreMemory, models.LedgerStorePostgres, models.LedgerStoreSQLite}
}

// ValidateConfig validates that a ledger configuration is usable.
func (f *Factory) ValidateConfig(cfg models.LedgerConfig) error {
	switch cfg.Type {
	case models.LedgerStoreMemory:
		// No additional configuration required.
	case models.LedgerStorePostgres, models.LedgerStoreSQLite:
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s ledger store", cfg.Type)
		}
	default:
		return fmt.Errorf("unsupported ledger store type: %s", cfg.Type)
	}
	return nil
}
