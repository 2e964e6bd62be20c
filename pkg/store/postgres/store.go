package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/pool"
)

// Store is the super-tenant database: tenant registry, router directory,
// domains, super admins and the event outbox.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open ensures the pinned super-tenant pool in registry.
func Open(ctx context.Context, registry *pool.Registry, cfg config.DatabaseConfig) (*Store, error) {
	db, err := registry.EnsureSuper(ctx, pool.SuperParams(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to super-tenant database: %w", err)
	}
	return NewStore(db), nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(model.SuperTenantModels()...)
}
