package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/pool"
	"github.com/coursegrid/coursegrid/pkg/secret"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
	"github.com/coursegrid/coursegrid/pkg/tenanttest"
)

func openStore(t *testing.T) *postgres.Store {
	t.Helper()
	registry := pool.NewRegistry(pool.Options{
		Dialer:     tenanttest.SQLiteDialer(t.TempDir()),
		GormLogger: logger.Discard,
	})
	t.Cleanup(func() { _ = registry.Close() })

	store, err := postgres.Open(context.Background(), registry, config.DatabaseConfig{Database: "coursegrid"})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(context.Background()))
	return store
}

func createTenant(t *testing.T, store *postgres.Store, name string, hosts ...string) *model.Tenant {
	t.Helper()
	tenant := &model.Tenant{DisplayName: strings.ToUpper(name), TenancyName: name, IsActive: true}
	require.NoError(t, postgres.NewTenantRepository(store.DB()).Create(context.Background(), tenant, nil, hosts))
	return tenant
}

func TestTenantCreateAndResolve(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	repo := postgres.NewTenantRepository(store.DB())

	acme := createTenant(t, store, "acme", "Acme.Example.com:443")
	createTenant(t, store, "globex", "globex.example.com")
	require.NotZero(t, acme.ID)
	require.NotNil(t, acme.Configuration)
	assert.True(t, acme.Configuration.Flags[model.FlagAssignmentEnabled])

	byHost, err := repo.ByHost(ctx, "acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, byHost.ID)

	require.NoError(t, repo.SetAPIKey(ctx, acme.ID, "acme-key"))
	byKey, err := repo.ByAPIKey(ctx, "acme-key")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, byKey.ID)

	_, err = repo.ByAPIKey(ctx, "wrong-key")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	byUUID, err := repo.GetByUUID(ctx, acme.UUID)
	require.NoError(t, err)
	assert.Equal(t, "acme", byUUID.TenancyName)
	assert.Len(t, byUUID.Domains, 1)
	assert.Equal(t, "acme.example.com", byUUID.Domains[0].Hostname)

	require.NoError(t, repo.SoftDelete(ctx, acme.ID, time.Now()))
	_, err = repo.ByHost(ctx, "acme.example.com")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = repo.GetByID(ctx, acme.ID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	deleted, err := repo.GetAny(ctx, acme.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())

	tenants, total, err := repo.List(ctx, false, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "globex", tenants[0].TenancyName)
}

func TestTenantHardDelete(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	repo := postgres.NewTenantRepository(store.DB())
	acme := createTenant(t, store, "acme", "acme.example.com")

	require.NoError(t, repo.HardDelete(ctx, acme.ID))
	_, err := repo.GetAny(ctx, acme.ID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	domains, err := postgres.NewDomainRepository(store.DB()).ListByTenant(ctx, acme.ID)
	require.NoError(t, err)
	assert.Empty(t, domains)

	require.ErrorIs(t, repo.HardDelete(ctx, acme.ID), gorm.ErrRecordNotFound)
}

func TestRouterEncryptsCredentials(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	box, err := secret.New("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	routers := postgres.NewRouterRepository(store.DB(), box)
	acme := createTenant(t, store, "acme")

	params := pool.Params{
		Name: "acme", Host: "db.internal", Port: 5432, User: "lms", Password: "s3cret",
		SSLMode: "verify-full", MaxOpenConns: 7, MaxIdleConns: 3,
	}
	require.NoError(t, routers.Register(ctx, acme.ID, params, model.SetupInitiated))

	row, err := routers.Get(ctx, acme.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", row.DatabasePassword)

	got, status, err := routers.Lookup(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SetupInitiated, status)
	assert.Equal(t, params, got)

	// A second register is an upsert on the tenant.
	params.Password = "rotated"
	params.SSLMode = "require"
	require.NoError(t, routers.Register(ctx, acme.ID, params, model.SetupInProgress))
	got, status, err = routers.Lookup(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Password)
	assert.Equal(t, "require", got.SSLMode)
	assert.Equal(t, 7, got.MaxOpenConns)
	assert.Equal(t, model.SetupInProgress, status)

	rows, err := routers.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRouterTransitionIsConditional(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	routers := postgres.NewRouterRepository(store.DB(), nil)
	acme := createTenant(t, store, "acme")
	require.NoError(t, routers.Register(ctx, acme.ID, pool.Params{Name: "acme"}, model.SetupFailed))

	moved, err := routers.Transition(ctx, acme.ID, []model.SetupStatus{model.SetupCompleted}, model.SetupInitiated, "")
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = routers.Transition(ctx, acme.ID, []model.SetupStatus{model.SetupFailed}, model.SetupInitiated, "")
	require.NoError(t, err)
	assert.True(t, moved)

	require.NoError(t, routers.Mark(ctx, acme.ID, model.SetupFailed, "migrate: connection reset"))
	row, err := routers.Get(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, "migrate: connection reset", row.FailureReason)

	require.NoError(t, routers.Mark(ctx, acme.ID, model.SetupCompleted, "ignored"))
	row, err = routers.Get(ctx, acme.ID)
	require.NoError(t, err)
	assert.Empty(t, row.FailureReason)

	status, err := routers.Status(ctx, acme.ID+100)
	require.NoError(t, err)
	assert.Equal(t, model.SetupNone, status)
}

func TestTombstonedNamesStayTaken(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	routers := postgres.NewRouterRepository(store.DB(), nil)
	acme := createTenant(t, store, "acme")
	require.NoError(t, routers.Register(ctx, acme.ID, pool.Params{Name: "acme"}, model.SetupCompleted))

	require.NoError(t, routers.Tombstone(ctx, acme.ID, time.Now()))
	_, _, err := routers.Lookup(ctx, acme.ID)
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	taken, err := routers.NameTaken(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = routers.NameTaken(ctx, "globex")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestConfigurationUpdateMerges(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	acme := createTenant(t, store, "acme")
	configs := postgres.NewConfigurationRepository(store.DB())

	cfg, err := configs.Update(ctx, acme.ID, model.Flags{model.FlagSkillOntologyEnabled: true}, "admin@acme")
	require.NoError(t, err)
	assert.True(t, cfg.Flags[model.FlagSkillOntologyEnabled])
	assert.True(t, cfg.Flags[model.FlagAssignmentEnabled])
	assert.Equal(t, "admin@acme", cfg.ModifiedBy)

	reloaded, err := configs.Get(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Flags, reloaded.Flags)
}

func TestOutboxLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	outbox := postgres.NewOutboxRepository(store.DB())

	event := &model.TenantEvent{TenantID: 1, EventType: model.EventTenantOnboarded, Payload: model.JSONB{"tenancy_name": "acme"}}
	require.NoError(t, outbox.Append(ctx, event))

	pending, err := outbox.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "acme", pending[0].Payload["tenancy_name"])

	require.NoError(t, outbox.MarkPublished(ctx, event.EventID, time.Now()))
	pending, err = outbox.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSuperAdminBySubject(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	admins := postgres.NewSuperAdminRepository(store.DB())
	require.NoError(t, admins.Create(ctx, &model.SuperAdmin{Subject: "ops|1", Email: "ops@coursegrid.io", IsActive: true}))

	admin, err := admins.BySubject(ctx, "ops|1")
	require.NoError(t, err)
	assert.Equal(t, "ops@coursegrid.io", admin.Email)

	_, err = admins.BySubject(ctx, "ops|2")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "acme.example.com", postgres.NormalizeHost(" ACME.example.com:8080 "))
	assert.Equal(t, "acme.example.com", postgres.NormalizeHost("acme.example.com."))
}
