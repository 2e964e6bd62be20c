package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/admin"
	"github.com/coursegrid/coursegrid/pkg/migrations"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
	"github.com/coursegrid/coursegrid/pkg/tenanttest"
)

// lockedFor fails migrations of the databases it names.
type lockedFor struct {
	*migrations.Migrator
	dbs map[string]bool
}

func (m lockedFor) Up(ctx context.Context, db *gorm.DB) error {
	b, err := tenancy.Current(ctx)
	if err != nil {
		return err
	}
	if m.dbs[b.DBName] {
		return errors.New("relation \"courses\" is locked")
	}
	return m.Migrator.Up(ctx, db)
}

func envOpener(env *tenanttest.Env, migrator admin.Migrator, parallelism *int) opener {
	return func(_ context.Context, p int) (*admin.Commands, *zap.Logger, func(), error) {
		if parallelism != nil {
			*parallelism = p
		}
		cmds := admin.New(admin.Deps{
			Gateway:     env.Gateway,
			Admin:       env.Admin,
			Migrator:    migrator,
			Seeder:      env.Seeder,
			Service:     env.Service,
			Bus:         env.Bus,
			Parallelism: p,
			Logger:      env.Logger,
		})
		return cmds, env.Logger, func() {}, nil
	}
}

func executeRoot(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	root := rootCmd(open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func row(t *testing.T, out, tenant string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, tenant+" ") {
			return line
		}
	}
	t.Fatalf("no row for %s in:\n%s", tenant, out)
	return ""
}

func TestMigrateAllReportsEveryTenant(t *testing.T) {
	env := tenanttest.NewEnv(t)
	env.MustOnboard(t, "acme")
	env.MustOnboard(t, "globex")
	env.MustOnboard(t, "initech")

	locked := lockedFor{Migrator: migrations.New(), dbs: map[string]bool{"globex": true}}
	out, err := executeRoot(t, envOpener(env, locked, nil), admin.CommandMigrateAll)
	require.Error(t, err)
	assert.ErrorIs(t, err, errFailures)
	assert.Contains(t, err.Error(), admin.CommandMigrateAll)

	assert.Contains(t, out, "TENANT")
	assert.Contains(t, row(t, out, "acme"), " ok ")
	assert.Contains(t, row(t, out, "globex"), "failed: ")
	assert.Contains(t, row(t, out, "globex"), "locked")
	assert.Contains(t, row(t, out, "initech"), " ok ")
	assert.Contains(t, out, admin.CommandMigrateAll+": 3 tenants, 1 failed")
}

func TestSelectionAndParallelismFlags(t *testing.T) {
	env := tenanttest.NewEnv(t)
	env.MustOnboard(t, "acme")
	env.MustOnboard(t, "globex")

	var parallelism int
	out, err := executeRoot(t, envOpener(env, migrations.New(), &parallelism),
		admin.CommandMigrateAll, "--tenant", "acme", "-p", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, parallelism)
	assert.Contains(t, row(t, out, "acme"), " ok ")
	assert.NotContains(t, out, "globex")
	assert.Contains(t, out, admin.CommandMigrateAll+": 1 tenants, 0 failed")
}

func TestUnknownTenantFailsWithoutReport(t *testing.T) {
	env := tenanttest.NewEnv(t)
	env.MustOnboard(t, "acme")

	out, err := executeRoot(t, envOpener(env, migrations.New(), nil), admin.CommandMigrateAll, "-t", "umbrella")
	require.Error(t, err)
	assert.ErrorIs(t, err, admin.ErrUnknownTenant)
	assert.NotErrorIs(t, err, errFailures)
	assert.NotContains(t, out, "TENANT")
}

func TestOpenerErrorStopsCommand(t *testing.T) {
	boom := errors.New("config: no such file")
	open := func(context.Context, int) (*admin.Commands, *zap.Logger, func(), error) {
		return nil, nil, nil, boom
	}
	_, err := executeRoot(t, open, admin.CommandPolicies)
	assert.ErrorIs(t, err, boom)
}

func TestBackMigrateNeedsVersion(t *testing.T) {
	called := false
	open := func(context.Context, int) (*admin.Commands, *zap.Logger, func(), error) {
		called = true
		return nil, nil, nil, errors.New("unexpected")
	}
	_, err := executeRoot(t, open, admin.CommandBackMigrateAll)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
	assert.False(t, called)
}
