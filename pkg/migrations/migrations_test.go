package migrations

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
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestUpCreatesEveryTable(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	m := New()

	require.NoError(t, m.Up(ctx, db))
	for _, table := range model.TenantModels() {
		assert.True(t, db.Migrator().HasTable(table), "%T", table)
	}
	v, err := m.Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, Latest(), v)

	// A second run has nothing left to apply.
	require.NoError(t, m.Up(ctx, db))
}

func TestUpResumesAfterPartialRun(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	m := New()

	require.NoError(t, m.UpTo(ctx, db, 2))
	assert.True(t, db.Migrator().HasTable(&model.User{}))
	assert.False(t, db.Migrator().HasTable(&model.Course{}))

	require.NoError(t, m.Up(ctx, db))
	assert.True(t, db.Migrator().HasTable(&model.LeaderboardEntry{}))
}

func TestDownToDropsNewerTables(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	m := New()
	require.NoError(t, m.Up(ctx, db))

	require.NoError(t, m.DownTo(ctx, db, 3))
	assert.False(t, db.Migrator().HasTable(&model.Report{}))
	assert.False(t, db.Migrator().HasTable(&model.LeaderboardEntry{}))
	assert.True(t, db.Migrator().HasTable(&model.Enrolment{}))

	v, err := m.Version(ctx, db)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	// Rolling back to where the schema already is changes nothing.
	require.NoError(t, m.DownTo(ctx, db, 3))
	require.NoError(t, m.Down(ctx, db))
	assert.False(t, db.Migrator().HasTable(&model.Course{}))
}

func TestStepsCoverEveryTenantModel(t *testing.T) {
	var covered int
	for i, s := range steps {
		assert.EqualValues(t, i+1, s.version)
		covered += len(s.models)
	}
	assert.Equal(t, len(model.TenantModels()), covered)
}
