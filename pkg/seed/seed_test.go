package seed

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coursegrid/coursegrid/pkg/model"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tenant.db")), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.TenantModels()...))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestSeedIsIdempotent(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Seed(ctx, db))
	require.NoError(t, s.Seed(ctx, db))

	var roles, policies, categoriesN, grants int64
	require.NoError(t, db.Model(&model.Role{}).Count(&roles).Error)
	require.NoError(t, db.Model(&model.Policy{}).Count(&policies).Error)
	require.NoError(t, db.Model(&model.PolicyCategory{}).Count(&categoriesN).Error)
	require.NoError(t, db.Model(&model.RolePermission{}).Count(&grants).Error)

	assert.EqualValues(t, 3, roles)
	assert.EqualValues(t, len(PolicySlugs()), policies)
	assert.EqualValues(t, 5, categoriesN)
	want := len(Grants(RoleAdmin)) + len(Grants(RoleManager)) + len(Grants(RoleLearner))
	assert.EqualValues(t, want, grants)
}

func TestSeedRestoresEditedRole(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Seed(ctx, db))

	require.NoError(t, db.Model(&model.Role{}).Where("slug = ?", RoleLearner).Update("name", "Student").Error)
	require.NoError(t, s.Roles(ctx, db))

	var learner model.Role
	require.NoError(t, db.Where("slug = ?", RoleLearner).First(&learner).Error)
	assert.Equal(t, "Learner", learner.Name)
	assert.True(t, learner.IsSystem)
}

func TestGrants(t *testing.T) {
	assert.Len(t, Grants(RoleAdmin), len(PolicySlugs()))
	assert.NotContains(t, Grants(RoleManager), "configuration.edit")
	assert.NotContains(t, Grants(RoleManager), "courses.delete")
	assert.Contains(t, Grants(RoleManager), "reports.generate")
	assert.ElementsMatch(t, []string{"courses.view", "leaderboards.view"}, Grants(RoleLearner))
	assert.Empty(t, Grants("owner"))
	assert.Equal(t, []string{RoleAdmin, RoleManager, RoleLearner}, DefaultRoles())
}
