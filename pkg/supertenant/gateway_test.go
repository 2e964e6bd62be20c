package supertenant_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
	"github.com/coursegrid/coursegrid/pkg/tenanttest"
)

func TestResolveByHostAndKey(t *testing.T) {
	env := tenanttest.NewEnv(t)
	acme := env.MustOnboard(t, "acme", "acme.example.com")
	env.MustOnboard(t, "globex", "globex.example.com")
	ctx := context.Background()

	b, err := env.Gateway.ResolveHost(ctx, "ACME.example.com:8443")
	require.NoError(t, err)
	assert.Equal(t, "acme", b.DBName)
	assert.Equal(t, acme.ID, b.TenantID)
	assert.Equal(t, acme.UUID.String(), b.Details["uuid"])
	assert.False(t, b.Super)

	b, err = env.Gateway.ResolveAPIKey(ctx, tenanttest.APIKey("globex"))
	require.NoError(t, err)
	assert.Equal(t, "globex", b.DBName)

	_, err = env.Gateway.ResolveHost(ctx, "initech.example.com")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotResolved)
	_, err = env.Gateway.ResolveAPIKey(ctx, "key-nobody")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotResolved)
	_, err = env.Gateway.ResolveHost(ctx, "")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotResolved)
}

func TestResolutionIgnoresCallerBinding(t *testing.T) {
	env := tenanttest.NewEnv(t)
	env.MustOnboard(t, "acme", "acme.example.com")
	globex := env.MustOnboard(t, "globex", "globex.example.com")

	b, err := env.Gateway.BindingFor(context.Background(), globex)
	require.NoError(t, err)

	// Tenant resolution reaches the super database while globex is bound.
	err = tenancy.With(context.Background(), b, func(ctx context.Context) error {
		resolved, err := env.Gateway.ResolveHost(ctx, "acme.example.com")
		if err != nil {
			return err
		}
		assert.Equal(t, "acme", resolved.DBName)

		current, err := tenancy.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, "globex", current.DBName)
		return nil
	})
	require.NoError(t, err)
}

func TestSoftDeleteStopsResolution(t *testing.T) {
	env := tenanttest.NewEnv(t)
	acme := env.MustOnboard(t, "acme", "acme.example.com")
	ctx := context.Background()

	_, err := env.Gateway.ResolveHost(ctx, "acme.example.com")
	require.NoError(t, err)

	require.NoError(t, env.Service.SoftDelete(ctx, acme.ID))
	_, err = env.Gateway.ResolveHost(ctx, "acme.example.com")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotResolved)
}

func TestInvalidateDuringLookupIsNotCached(t *testing.T) {
	env := tenanttest.NewEnv(t)
	acme := env.MustOnboard(t, "acme", "acme.example.com")
	ctx := context.Background()

	env.Gateway.SetAfterLookup(func() {
		env.Gateway.SetAfterLookup(nil)
		require.NoError(t, env.Service.SoftDelete(ctx, acme.ID))
	})
	b, err := env.Gateway.ResolveHost(ctx, "acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", b.DBName)

	_, err = env.Gateway.ResolveHost(ctx, "acme.example.com")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotResolved)
}

func TestConnectionParams(t *testing.T) {
	env := tenanttest.NewEnv(t)
	acme := env.MustOnboard(t, "acme")
	pending := env.Register(t, "globex")
	ctx := context.Background()

	b, err := env.Gateway.BindingFor(ctx, acme)
	require.NoError(t, err)
	p, err := env.Gateway.ConnectionParams(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "acme", p.Name)
	assert.Equal(t, "tenant-secret", p.Password)

	forged := b
	forged.DBName = "globex"
	_, err = env.Gateway.ConnectionParams(ctx, forged)
	assert.ErrorIs(t, err, tenancy.ErrCrossTenantViolation)

	b, err = env.Gateway.BindingFor(ctx, pending)
	require.NoError(t, err)
	_, err = env.Gateway.ConnectionParams(ctx, b)
	assert.ErrorIs(t, err, tenancy.ErrTenantNotProvisioned)
}

func TestConnectionParamsKeepTemplateSettings(t *testing.T) {
	env := tenanttest.NewEnv(t, tenanttest.WithTenants(func(c *config.TenantsConfig) {
		c.SSLMode = "require"
		c.MaxOpenConns = 7
		c.MaxIdleConns = 3
	}))
	acme := env.MustOnboard(t, "acme")
	ctx := context.Background()

	b, err := env.Gateway.BindingFor(ctx, acme)
	require.NoError(t, err)
	p, err := env.Gateway.ConnectionParams(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "require", p.SSLMode)
	assert.Equal(t, 7, p.MaxOpenConns)
	assert.Equal(t, 3, p.MaxIdleConns)
	assert.Contains(t, p.DSN(), "sslmode=require")

	env.Gateway.Invalidate()
	p, err = env.Gateway.ConnectionParams(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "require", p.SSLMode)
}

func TestPasswordsAreSealedAtRest(t *testing.T) {
	env := tenanttest.NewEnv(t)
	env.MustOnboard(t, "acme")

	var row model.DatabaseRouter
	require.NoError(t, env.Gateway.Do(context.Background(), func(ctx context.Context, db *gorm.DB) error {
		return db.Where("database_name = ?", "acme").First(&row).Error
	}))
	assert.NotEmpty(t, row.DatabasePassword)
	assert.NotContains(t, row.DatabasePassword, "tenant-secret")
}

func TestBindingForDB(t *testing.T) {
	env := tenanttest.NewEnv(t)
	acme := env.MustOnboard(t, "acme")
	ctx := context.Background()

	b, err := env.Gateway.BindingForDB(ctx, tenanttest.SuperDB)
	require.NoError(t, err)
	assert.True(t, b.Super)

	b, err = env.Gateway.BindingForDB(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, b.TenantID)

	_, err = env.Gateway.BindingForDB(ctx, "ghost")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotResolved)

	_, err = env.Gateway.BindingForTenantID(ctx, 404)
	assert.ErrorIs(t, err, tenancy.ErrTenantNotResolved)
}

func TestAuthenticateSuperAdmin(t *testing.T) {
	env := tenanttest.NewEnv(t)
	ctx := context.Background()

	require.NoError(t, env.Gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		return env.Gateway.ReposFor(db).Admins.Create(ctx, &model.SuperAdmin{Subject: "ops|1", Email: "ops@coursegrid.test", IsActive: true})
	}))

	admin, err := env.Gateway.AuthenticateSuperAdmin(ctx, "ops|1")
	require.NoError(t, err)
	assert.Equal(t, "ops@coursegrid.test", admin.Email)

	_, err = env.Gateway.AuthenticateSuperAdmin(ctx, "ops|2")
	assert.ErrorIs(t, err, supertenant.ErrNotSuperAdmin)
}
