// Package storage persists discovered products per storefront domain.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"catalogscan/internal/config"
	"catalogscan/internal/platform"
	"catalogscan/pkg/types"
)

// Store is the domain-keyed discovery store. Save is the only mutating
// operation and replaces the full record list of a domain.
type Store interface {
	Load(ctx context.Context, domain string) ([]types.Product, error)
	LastIdentifier(ctx context.Context, domain string) (int64, error)
	Save(ctx context.Context, domain string, products []types.Product) error
	Close() error
}

// Unlocker releases a domain lock.
type Unlocker interface {
	Release() error
}

// Locker is implemented by stores that can guard a domain across processes.
type Locker interface {
	Lock(ctx context.Context, domain string) (Unlocker, error)
}

// New builds the store selected by cfg.Backend.
func New(cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.BackendFile, "":
		logger.Debug("using file discovery store", "directory", cfg.Directory)
		return NewFileStore(cfg.Directory, cfg.LockTTL.Duration)
	case config.BackendSQL:
		logger.Debug("using sql discovery store", "driver", cfg.SQL.Driver)
		return NewSQLStore(cfg.SQL)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

// MaxIdentifier returns the highest product id recoverable from the products'
// canonical URLs, or 0.
func MaxIdentifier(products []types.Product) int64 {
	var highest int64
	for _, p := range products {
		if id, ok := platform.IdentifierFromCanonical(p.URL); ok && id > highest {
			highest = id
		}
	}
	return highest
}
