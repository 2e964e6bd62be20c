package tenancy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type guardedRow struct {
	ID   uint64 `gorm:"primaryKey"`
	Name string
}

func openGuarded(t *testing.T, name string, isSuper bool) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), name+".db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, RegisterGuard(db, name, isSuper))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestGuardAllowsBoundDatabase(t *testing.T) {
	db := openGuarded(t, "acme", false)

	err := With(context.Background(), acme, func(ctx context.Context) error {
		if err := db.WithContext(ctx).AutoMigrate(&guardedRow{}); err != nil {
			return err
		}
		return db.WithContext(ctx).Create(&guardedRow{Name: "intro"}).Error
	})
	require.NoError(t, err)
}

func TestGuardRejectsOtherTenant(t *testing.T) {
	db := openGuarded(t, "acme", false)
	require.NoError(t, With(context.Background(), acme, func(ctx context.Context) error {
		return db.WithContext(ctx).AutoMigrate(&guardedRow{})
	}))

	err := With(context.Background(), globex, func(ctx context.Context) error {
		var rows []guardedRow
		return db.WithContext(ctx).Find(&rows).Error
	})
	require.ErrorIs(t, err, ErrCrossTenantViolation)

	err = With(context.Background(), super, func(ctx context.Context) error {
		return db.WithContext(ctx).Exec("DELETE FROM guarded_rows").Error
	})
	require.ErrorIs(t, err, ErrCrossTenantViolation)
}

func TestGuardRejectsUnboundStatements(t *testing.T) {
	db := openGuarded(t, "acme", false)

	var count int64
	err := db.WithContext(context.Background()).Table("sqlite_master").Count(&count).Error
	require.ErrorIs(t, err, ErrNoBinding)
}

func TestSuperHandleAcceptsAnyBinding(t *testing.T) {
	db := openGuarded(t, "coursegrid", true)

	err := With(context.Background(), acme, func(ctx context.Context) error {
		return db.WithContext(ctx).AutoMigrate(&guardedRow{})
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&guardedRow{}))
}
