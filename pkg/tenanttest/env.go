package tenanttest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/eventbus"
	"github.com/coursegrid/coursegrid/pkg/migrations"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/pool"
	"github.com/coursegrid/coursegrid/pkg/provisioning"
	"github.com/coursegrid/coursegrid/pkg/queue"
	"github.com/coursegrid/coursegrid/pkg/secret"
	"github.com/coursegrid/coursegrid/pkg/seed"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

const (
	SuperDB        = "coursegrid"
	CredentialsKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

// Env is a complete tenancy core over sqlite files and miniredis.
type Env struct {
	Dir         string
	Config      *config.Config
	Registry    *pool.Registry
	Store       *postgres.Store
	Gateway     *supertenant.Gateway
	Box         *secret.Box
	Admin       *Admin
	Migrator    provisioning.SchemaMigrator
	Seeder      *seed.Seeder
	Redis       *miniredis.Miniredis
	RDB         *goredis.Client
	Bus         *eventbus.Bus
	Broker      *queue.RedisBroker
	Dispatcher  *queue.Dispatcher
	Provisioner *provisioning.Provisioner
	Service     *provisioning.Service
	Logger      *zap.Logger
}

type EnvOption func(*Env)

// WithMigrator replaces the schema migrator handed to the provisioner.
func WithMigrator(m provisioning.SchemaMigrator) EnvOption {
	return func(e *Env) { e.Migrator = m }
}

// WithTenants edits the tenants template before the service is built.
func WithTenants(fn func(*config.TenantsConfig)) EnvOption {
	return func(e *Env) { fn(&e.Config.Tenants) }
}

func NewEnv(t testing.TB, opts ...EnvOption) *Env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := &config.Config{
		Database: config.DatabaseConfig{Database: SuperDB},
		Tenants: config.TenantsConfig{
			Host:              "localhost",
			Port:              5432,
			User:              "coursegrid",
			Password:          "tenant-secret",
			APIKeyHeader:      "X-Tenant-Api-Key",
			SuperPathPrefixes: []string{"/tenants"},
		},
		Queue: config.QueueConfig{
			KeyPrefix:   "test:jobs",
			JobTimeout:  time.Minute,
			MaxAttempts: 3,
			Concurrency: 2,
			BackoffBase: time.Hour,
		},
		Admin: config.AdminConfig{Parallelism: 1},
		Cache: config.CacheConfig{MaxEntries: 1000, TTL: time.Minute},
	}

	e := &Env{
		Dir:      dir,
		Config:   cfg,
		Admin:    NewAdmin(dir),
		Migrator: migrations.New(),
		Seeder:   seed.New(),
		Logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.Registry = pool.NewRegistry(pool.Options{
		Dialer:       SQLiteDialer(dir),
		MaxAttempts:  2,
		InitialRetry: 10 * time.Millisecond,
		GormLogger:   logger.Discard,
		Logger:       e.Logger,
	})
	t.Cleanup(func() { _ = e.Registry.Close() })

	store, err := postgres.Open(ctx, e.Registry, cfg.Database)
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(ctx))
	e.Store = store

	e.Box, err = secret.New(CredentialsKey)
	require.NoError(t, err)
	e.Gateway, err = supertenant.New(e.Registry, pool.SuperParams(cfg.Database), e.Box, cfg.Cache, e.Logger)
	require.NoError(t, err)
	t.Cleanup(e.Gateway.Close)

	e.Redis = miniredis.RunT(t)
	e.RDB = goredis.NewClient(&goredis.Options{Addr: e.Redis.Addr()})
	t.Cleanup(func() { _ = e.RDB.Close() })
	e.Bus = eventbus.NewBus(e.RDB)
	e.Broker = queue.NewRedisBroker(e.RDB, queue.RedisBrokerConfig{
		KeyPrefix:   cfg.Queue.KeyPrefix,
		BackoffBase: cfg.Queue.BackoffBase,
	}, e.Logger)
	e.Dispatcher = queue.NewDispatcher(e.Broker, cfg.Queue.MaxAttempts, cfg.Queue.JobTimeout, e.Logger)

	e.Provisioner = provisioning.NewProvisioner(provisioning.Deps{
		Gateway:  e.Gateway,
		Admin:    e.Admin,
		Migrator: e.Migrator,
		Seeder:   e.Seeder,
		Locker:   provisioning.NewLocalLocker(),
		Bus:      e.Bus,
		Logger:   e.Logger,
	})
	e.Service = provisioning.NewService(e.Gateway, e.Admin, e.Dispatcher, e.Bus, cfg.Tenants, e.Logger)
	return e
}

// Register onboards a tenant without provisioning it. The provisioning job
// is left on the queue.
func (e *Env) Register(t testing.TB, name string, hosts ...string) *model.Tenant {
	t.Helper()
	res, err := e.Service.Onboard(context.Background(), provisioning.OnboardRequest{
		DisplayName: strings.ToUpper(name[:1]) + name[1:],
		TenancyName: name,
		APIKey:      APIKey(name),
		Hosts:       hosts,
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Tenant
}

// Onboard registers a tenant and runs the provisioning job it enqueued.
// The returned error is the provisioning outcome.
func (e *Env) Onboard(t testing.TB, name string, hosts ...string) (*model.Tenant, error) {
	t.Helper()
	tenant := e.Register(t, name, hosts...)
	return tenant, e.RunProvisionJob(t)
}

// MustOnboard is Onboard for tenants expected to reach completed.
func (e *Env) MustOnboard(t testing.TB, name string, hosts ...string) *model.Tenant {
	t.Helper()
	tenant, err := e.Onboard(t, name, hosts...)
	require.NoError(t, err)
	return tenant
}

// RunProvisionJob takes the next job off the queue, which must be a
// provisioning job, and runs it.
func (e *Env) RunProvisionJob(t testing.TB) error {
	t.Helper()
	var runErr error
	handled, err := e.Broker.Poll(context.Background(), func(ctx context.Context, env *queue.Envelope) error {
		if env.Kind != provisioning.JobProvision {
			return queue.Permanent(fmt.Errorf("unexpected job %s", env.Kind))
		}
		var args provisioning.ProvisionArgs
		if err := env.DecodeArgs(&args); err != nil {
			return err
		}
		runErr = e.Provisioner.Run(ctx, args.TenantID)
		return nil
	})
	require.NoError(t, err)
	require.True(t, handled, "no provisioning job queued")
	return runErr
}

// APIKey is the API key Register gives tenant name.
func APIKey(name string) string {
	return "key-" + name
}

// InTenant runs fn against the database of tenant under its binding.
func (e *Env) InTenant(t testing.TB, tenant *model.Tenant, fn func(ctx context.Context, db *gorm.DB) error) error {
	t.Helper()
	ctx := context.Background()
	b, err := e.Gateway.BindingFor(ctx, tenant)
	require.NoError(t, err)
	return tenancy.With(ctx, b, func(ctx context.Context) error {
		params, err := e.Gateway.ConnectionParams(ctx, b)
		if err != nil {
			return err
		}
		if _, err := e.Registry.Ensure(ctx, params); err != nil {
			return err
		}
		h, err := e.Registry.Activate(ctx, b.DBName)
		if err != nil {
			return err
		}
		defer h.Release()
		return fn(ctx, h.DB())
	})
}

// Status returns the setup status recorded for tenantID.
func (e *Env) Status(t testing.TB, tenantID uint64) model.SetupStatus {
	t.Helper()
	status, err := postgres.NewRouterRepository(e.Store.DB(), e.Box).Status(context.Background(), tenantID)
	require.NoError(t, err)
	return status
}
