package ledger

import (
	"context"
	"fmt"
)

// Config selects and configures a Store implementation.
type Config struct {
	Driver            string `mapstructure:"driver"` // memory, sqlite or postgres
	DSN               string `mapstructure:"dsn"`
	TablePrefix       string `mapstructure:"table_prefix"`
	CheckpointHistory int    `mapstructure:"checkpoint_history"`
}

// Open builds the configured Store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "memory":
		m := NewMemoryStore()
		if cfg.CheckpointHistory > 0 {
			m.history = cfg.CheckpointHistory
		}
		return m, nil
	case string(DialectSQLite), string(DialectPostgres):
		return OpenSQL(ctx, Dialect(cfg.Driver), cfg.DSN, cfg.TablePrefix, cfg.CheckpointHistory)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
