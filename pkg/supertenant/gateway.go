// Package supertenant reaches the shared database holding the tenant
// registry and router directory. Nothing here depends on the binding of
// the caller; the super-tenant pool accepts statements under any binding.
package supertenant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/cache"
	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/eventbus"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/pool"
	"github.com/coursegrid/coursegrid/pkg/secret"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

const superTenancyName = "super"

var ErrNotSuperAdmin = errors.New("not a super admin")

type Gateway struct {
	registry *pool.Registry
	params   pool.Params
	box      *secret.Box
	bindings *cache.Cache[tenancy.Binding]
	ready    *cache.Cache[pool.Params]
	logger   *zap.Logger

	// generation moves on every Invalidate. A lookup that started under an
	// older generation does not cache its result.
	mu          sync.RWMutex
	generation  uint64
	afterLookup func()
}

func New(registry *pool.Registry, params pool.Params, box *secret.Box, cacheCfg config.CacheConfig, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bindings, err := cache.New[tenancy.Binding](cacheCfg.MaxEntries, cacheCfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("resolution cache: %w", err)
	}
	ready, err := cache.New[pool.Params](cacheCfg.MaxEntries, cacheCfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("connection cache: %w", err)
	}
	return &Gateway{
		registry: registry,
		params:   params,
		box:      box,
		bindings: bindings,
		ready:    ready,
		logger:   logger,
	}, nil
}

func (g *Gateway) Name() string {
	return g.params.Name
}

func (g *Gateway) Registry() *pool.Registry {
	return g.registry
}

// Binding is the binding of work that targets the super-tenant database.
func (g *Gateway) Binding() tenancy.Binding {
	return tenancy.Binding{DBName: g.params.Name, TenancyName: superTenancyName, Super: true}
}

// DB returns the super-tenant pool with ctx attached.
func (g *Gateway) DB(ctx context.Context) (*gorm.DB, error) {
	db, err := g.registry.EnsureSuper(ctx, g.params)
	if err != nil {
		return nil, err
	}
	return db.WithContext(ctx), nil
}

// Do runs fn under the super-tenant binding.
func (g *Gateway) Do(ctx context.Context, fn func(ctx context.Context, db *gorm.DB) error) error {
	return tenancy.With(ctx, g.Binding(), func(ctx context.Context) error {
		db, err := g.DB(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, db)
	})
}

// Repos groups the super-tenant repositories over one handle.
type Repos struct {
	DB             *gorm.DB
	Tenants        *postgres.TenantRepository
	Routers        *postgres.RouterRepository
	Domains        *postgres.DomainRepository
	Configurations *postgres.ConfigurationRepository
	Admins         *postgres.SuperAdminRepository
	Outbox         *postgres.OutboxRepository
}

func (g *Gateway) ReposFor(db *gorm.DB) *Repos {
	return &Repos{
		DB:             db,
		Tenants:        postgres.NewTenantRepository(db),
		Routers:        postgres.NewRouterRepository(db, g.box),
		Domains:        postgres.NewDomainRepository(db),
		Configurations: postgres.NewConfigurationRepository(db),
		Admins:         postgres.NewSuperAdminRepository(db),
		Outbox:         postgres.NewOutboxRepository(db),
	}
}

func (g *Gateway) Repos(ctx context.Context) (*Repos, error) {
	db, err := g.DB(ctx)
	if err != nil {
		return nil, err
	}
	return g.ReposFor(db), nil
}

// ResolveAPIKey maps a tenant API key to its binding.
func (g *Gateway) ResolveAPIKey(ctx context.Context, key string) (tenancy.Binding, error) {
	cacheKey := "key:" + postgres.HashAPIKey(key)
	return g.resolve(ctx, cacheKey, func(repos *Repos) (*model.Tenant, error) {
		return repos.Tenants.ByAPIKey(ctx, key)
	})
}

// ResolveHost maps a request hostname to its binding.
func (g *Gateway) ResolveHost(ctx context.Context, host string) (tenancy.Binding, error) {
	host = postgres.NormalizeHost(host)
	if host == "" {
		return tenancy.Binding{}, tenancy.ErrTenantNotResolved
	}
	return g.resolve(ctx, "host:"+host, func(repos *Repos) (*model.Tenant, error) {
		return repos.Tenants.ByHost(ctx, host)
	})
}

func (g *Gateway) resolve(ctx context.Context, cacheKey string, find func(*Repos) (*model.Tenant, error)) (tenancy.Binding, error) {
	if b, ok := g.bindings.Get(cacheKey); ok {
		return b, nil
	}
	gen := g.currentGeneration()
	repos, err := g.Repos(ctx)
	if err != nil {
		return tenancy.Binding{}, err
	}
	tenant, err := find(repos)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tenancy.Binding{}, tenancy.ErrTenantNotResolved
	}
	if err != nil {
		return tenancy.Binding{}, err
	}
	b, err := g.bindingFor(ctx, repos, tenant)
	if err != nil {
		return tenancy.Binding{}, err
	}
	g.store(gen, func() { g.bindings.Set(cacheKey, b) })
	return b, nil
}

// BindingFor builds the binding of tenant from its router row.
func (g *Gateway) BindingFor(ctx context.Context, tenant *model.Tenant) (tenancy.Binding, error) {
	repos, err := g.Repos(ctx)
	if err != nil {
		return tenancy.Binding{}, err
	}
	return g.bindingFor(ctx, repos, tenant)
}

func (g *Gateway) bindingFor(ctx context.Context, repos *Repos, tenant *model.Tenant) (tenancy.Binding, error) {
	row, err := repos.Routers.Get(ctx, tenant.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tenancy.Binding{}, fmt.Errorf("tenant %s has no database: %w", tenant.TenancyName, tenancy.ErrTenantNotProvisioned)
	}
	if err != nil {
		return tenancy.Binding{}, err
	}
	return bindingOf(tenant, row.DatabaseName), nil
}

func bindingOf(tenant *model.Tenant, dbName string) tenancy.Binding {
	b := tenancy.Binding{
		DBName:      dbName,
		TenantID:    tenant.ID,
		TenancyName: tenant.TenancyName,
		Details: map[string]string{
			"uuid":         tenant.UUID.String(),
			"display_name": tenant.DisplayName,
		},
	}
	if tenant.ExternalIdpID != nil {
		b.IdpID = *tenant.ExternalIdpID
	}
	return b
}

func (g *Gateway) BindingForTenantID(ctx context.Context, id uint64) (tenancy.Binding, error) {
	repos, err := g.Repos(ctx)
	if err != nil {
		return tenancy.Binding{}, err
	}
	tenant, err := repos.Tenants.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tenancy.Binding{}, fmt.Errorf("tenant %d: %w", id, tenancy.ErrTenantNotResolved)
	}
	if err != nil {
		return tenancy.Binding{}, err
	}
	return g.bindingFor(ctx, repos, tenant)
}

// BindingForDB rebuilds the binding a job was dispatched under. The
// super-tenant database name yields the super binding.
func (g *Gateway) BindingForDB(ctx context.Context, dbName string) (tenancy.Binding, error) {
	if dbName == g.params.Name {
		return g.Binding(), nil
	}
	repos, err := g.Repos(ctx)
	if err != nil {
		return tenancy.Binding{}, err
	}
	row, err := repos.Routers.LookupByDatabase(ctx, dbName)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tenancy.Binding{}, fmt.Errorf("database %s: %w", dbName, tenancy.ErrTenantNotResolved)
	}
	if err != nil {
		return tenancy.Binding{}, err
	}
	tenant, err := repos.Tenants.GetAny(ctx, row.TenantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tenancy.Binding{}, fmt.Errorf("database %s: %w", dbName, tenancy.ErrTenantNotResolved)
	}
	if err != nil {
		return tenancy.Binding{}, err
	}
	return bindingOf(tenant, row.DatabaseName), nil
}

// ConnectionParams returns the parameters of b's database once it is
// provisioned. Only completed rows are cached.
func (g *Gateway) ConnectionParams(ctx context.Context, b tenancy.Binding) (pool.Params, error) {
	cacheKey := strconv.FormatUint(b.TenantID, 10)
	if p, ok := g.ready.Get(cacheKey); ok && p.Name == b.DBName {
		return p, nil
	}
	gen := g.currentGeneration()
	repos, err := g.Repos(ctx)
	if err != nil {
		return pool.Params{}, err
	}
	row, err := repos.Routers.Get(ctx, b.TenantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pool.Params{}, fmt.Errorf("%s: %w", b, tenancy.ErrTenantNotProvisioned)
	}
	if err != nil {
		return pool.Params{}, err
	}
	if row.DatabaseName != b.DBName {
		return pool.Params{}, fmt.Errorf("tenant %d owns %s, binding names %s: %w",
			b.TenantID, row.DatabaseName, b.DBName, tenancy.ErrCrossTenantViolation)
	}
	if row.SetupStatus != model.SetupCompleted {
		return pool.Params{}, fmt.Errorf("%s is %s: %w", b, row.SetupStatus, tenancy.ErrTenantNotProvisioned)
	}
	p, err := repos.Routers.Params(row)
	if err != nil {
		return pool.Params{}, err
	}
	g.store(gen, func() { g.ready.Set(cacheKey, p) })
	return p, nil
}

// AuthenticateSuperAdmin checks that subject is an active super admin.
func (g *Gateway) AuthenticateSuperAdmin(ctx context.Context, subject string) (*model.SuperAdmin, error) {
	repos, err := g.Repos(ctx)
	if err != nil {
		return nil, err
	}
	admin, err := repos.Admins.BySubject(ctx, subject)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotSuperAdmin
	}
	return admin, err
}

// Invalidate drops every cached resolution, including lookups still in
// flight.
func (g *Gateway) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generation++
	g.bindings.Clear()
	g.ready.Clear()
}

func (g *Gateway) currentGeneration() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.generation
}

// store runs set unless an Invalidate happened since gen was read.
func (g *Gateway) store(gen uint64, set func()) {
	if g.afterLookup != nil {
		g.afterLookup()
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.generation == gen {
		set()
	}
}

// Watch invalidates the caches whenever a tenant change is announced.
func (g *Gateway) Watch(ctx context.Context, bus *eventbus.Bus) {
	events := bus.Subscribe(ctx, eventbus.ChannelTenant)
	for event := range events {
		g.logger.Debug("tenant change received, invalidating resolution cache", zap.String("type", event.Type))
		g.Invalidate()
	}
}

func (g *Gateway) Close() {
	g.bindings.Close()
	g.ready.Close()
}
