package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/pool"
	"github.com/coursegrid/coursegrid/pkg/secret"
)

// RouterRepository is the database router directory: one row per tenant
// naming its database, credentials and setup status.
type RouterRepository struct {
	db  *gorm.DB
	box *secret.Box
}

func NewRouterRepository(db *gorm.DB, box *secret.Box) *RouterRepository {
	return &RouterRepository{db: db, box: box}
}

// Register upserts the tenant's row.
func (r *RouterRepository) Register(ctx context.Context, tenantID uint64, p pool.Params, status model.SetupStatus) error {
	password, err := r.box.Seal(p.Password)
	if err != nil {
		return fmt.Errorf("seal credentials for %s: %w", p.Name, err)
	}
	row := &model.DatabaseRouter{
		TenantID:         tenantID,
		DatabaseName:     p.Name,
		DatabaseUser:     p.User,
		DatabasePassword: password,
		DatabaseHost:     p.Host,
		DatabasePort:     p.Port,
		SSLMode:          p.SSLMode,
		MaxOpenConns:     p.MaxOpenConns,
		MaxIdleConns:     p.MaxIdleConns,
		IsDefault:        true,
		SetupStatus:      status,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"database_user", "database_password", "database_host", "database_port",
			"ssl_mode", "max_open_conns", "max_idle_conns", "setup_status", "modified_at",
		}),
	}).Create(row).Error
}

// UpdateConnection rewrites the connection settings of an existing row.
func (r *RouterRepository) UpdateConnection(ctx context.Context, tenantID uint64, p pool.Params) error {
	password, err := r.box.Seal(p.Password)
	if err != nil {
		return fmt.Errorf("seal credentials for %s: %w", p.Name, err)
	}
	return r.update(ctx, tenantID, map[string]interface{}{
		"database_user":     p.User,
		"database_password": password,
		"database_host":     p.Host,
		"database_port":     p.Port,
		"ssl_mode":          p.SSLMode,
		"max_open_conns":    p.MaxOpenConns,
		"max_idle_conns":    p.MaxIdleConns,
	})
}

func (r *RouterRepository) Get(ctx context.Context, tenantID uint64) (*model.DatabaseRouter, error) {
	var row model.DatabaseRouter
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND is_deleted = ?", tenantID, false).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Lookup returns decrypted connection parameters and the setup status.
func (r *RouterRepository) Lookup(ctx context.Context, tenantID uint64) (pool.Params, model.SetupStatus, error) {
	row, err := r.Get(ctx, tenantID)
	if err != nil {
		return pool.Params{}, model.SetupNone, err
	}
	p, err := r.Params(row)
	return p, row.SetupStatus, err
}

func (r *RouterRepository) LookupByDatabase(ctx context.Context, name string) (*model.DatabaseRouter, error) {
	var row model.DatabaseRouter
	err := r.db.WithContext(ctx).
		Where("database_name = ? AND is_deleted = ?", name, false).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Params decrypts row into connection parameters.
func (r *RouterRepository) Params(row *model.DatabaseRouter) (pool.Params, error) {
	password, err := r.box.Open(row.DatabasePassword)
	if err != nil {
		return pool.Params{}, fmt.Errorf("open credentials for %s: %w", row.DatabaseName, err)
	}
	return pool.Params{
		Name:         row.DatabaseName,
		Host:         row.DatabaseHost,
		Port:         row.DatabasePort,
		User:         row.DatabaseUser,
		Password:     password,
		SSLMode:      row.SSLMode,
		MaxOpenConns: row.MaxOpenConns,
		MaxIdleConns: row.MaxIdleConns,
	}, nil
}

// Status returns SetupNone when the tenant has no row yet.
func (r *RouterRepository) Status(ctx context.Context, tenantID uint64) (model.SetupStatus, error) {
	row, err := r.Get(ctx, tenantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.SetupNone, nil
	}
	if err != nil {
		return model.SetupNone, err
	}
	return row.SetupStatus, nil
}

// Mark sets the status unconditionally. The reason is cleared unless the
// status is failed.
func (r *RouterRepository) Mark(ctx context.Context, tenantID uint64, status model.SetupStatus, reason string) error {
	if status != model.SetupFailed {
		reason = ""
	}
	return r.update(ctx, tenantID, map[string]interface{}{
		"setup_status":   status,
		"failure_reason": reason,
	})
}

// Transition moves the row to status only if it currently holds one of
// from. It reports whether the row moved.
func (r *RouterRepository) Transition(ctx context.Context, tenantID uint64, from []model.SetupStatus, to model.SetupStatus, reason string) (bool, error) {
	if to != model.SetupFailed {
		reason = ""
	}
	res := r.db.WithContext(ctx).
		Model(&model.DatabaseRouter{}).
		Where("tenant_id = ? AND is_deleted = ? AND setup_status IN ?", tenantID, false, from).
		Updates(map[string]interface{}{
			"setup_status":   to,
			"failure_reason": reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListAll returns every live row ordered by tenant.
func (r *RouterRepository) ListAll(ctx context.Context) ([]model.DatabaseRouter, error) {
	var rows []model.DatabaseRouter
	err := r.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("tenant_id ASC").
		Find(&rows).Error
	return rows, err
}

// NameTaken reports whether name was ever assigned, tombstones included.
func (r *RouterRepository) NameTaken(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.DatabaseRouter{}).
		Where("database_name = ?", name).
		Count(&count).Error
	return count > 0, err
}

// Tombstone retires the row while keeping its database name reserved.
func (r *RouterRepository) Tombstone(ctx context.Context, tenantID uint64, at time.Time) error {
	return r.update(ctx, tenantID, map[string]interface{}{
		"is_deleted": true,
		"deleted_at": at,
	})
}

func (r *RouterRepository) update(ctx context.Context, tenantID uint64, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&model.DatabaseRouter{}).
		Where("tenant_id = ? AND is_deleted = ?", tenantID, false).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
