// Package tenantdb hands domain code the database of the tenant its unit of
// work is bound to.
package tenantdb

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/pool"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

type Resolver struct {
	gateway  *supertenant.Gateway
	registry *pool.Registry
}

func NewResolver(gateway *supertenant.Gateway) *Resolver {
	return &Resolver{gateway: gateway, registry: gateway.Registry()}
}

// Acquire activates the pool of the current binding. The router directory
// is consulted before the pool is touched, so an unprovisioned or unknown
// tenant never reaches a domain write. Callers must Release the handle.
func (r *Resolver) Acquire(ctx context.Context) (*pool.Handle, error) {
	b, err := tenancy.Current(ctx)
	if err != nil {
		return nil, err
	}
	if b.Super {
		if _, err := r.gateway.DB(ctx); err != nil {
			return nil, err
		}
		return r.registry.Activate(ctx, b.DBName)
	}
	params, err := r.gateway.ConnectionParams(ctx, b)
	if err != nil {
		return nil, err
	}
	if _, err := r.registry.Ensure(ctx, params); err != nil {
		return nil, err
	}
	return r.registry.Activate(ctx, b.DBName)
}

// Do runs fn against the bound tenant database and releases it afterwards.
func (r *Resolver) Do(ctx context.Context, fn func(ctx context.Context, db *gorm.DB) error) error {
	h, err := r.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ctx, h.DB())
}

// CheckRef refuses a reference owned by a database other than the bound
// one. No statement is issued.
func CheckRef(ctx context.Context, ref model.Ref) error {
	b, err := tenancy.Current(ctx)
	if err != nil {
		return err
	}
	if ref.DBName != b.DBName {
		return fmt.Errorf("%s requested while bound to %s: %w", ref, b, tenancy.ErrCrossTenantViolation)
	}
	return nil
}

// Load resolves ref in the bound database into a fresh entity value.
func (r *Resolver) Load(ctx context.Context, ref model.Ref) (interface{}, error) {
	if err := CheckRef(ctx, ref); err != nil {
		return nil, err
	}
	dest := ref.Kind.New()
	if dest == nil {
		return nil, fmt.Errorf("load %s: unknown kind", ref)
	}
	err := r.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		return db.First(dest, ref.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return dest, nil
}
