package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/model"
)

// HashAPIKey is the form in which tenant API keys are stored and looked up.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type TenantRepository struct {
	db *gorm.DB
}

func NewTenantRepository(db *gorm.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// Create inserts the tenant with its configuration row and domains.
func (r *TenantRepository) Create(ctx context.Context, tenant *model.Tenant, flags model.Flags, hosts []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Configuration", "Domains").Create(tenant).Error; err != nil {
			return err
		}
		if flags == nil {
			flags = model.DefaultFlags()
		}
		cfg := &model.TenantConfiguration{TenantID: tenant.ID, Flags: flags}
		if err := tx.Create(cfg).Error; err != nil {
			return err
		}
		tenant.Configuration = cfg
		tenant.Domains = nil
		for _, host := range hosts {
			domain := model.Domain{TenantID: tenant.ID, Hostname: NormalizeHost(host)}
			if err := tx.Create(&domain).Error; err != nil {
				return err
			}
			tenant.Domains = append(tenant.Domains, domain)
		}
		return nil
	})
}

func (r *TenantRepository) preloaded(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Preload("Configuration").Preload("Domains")
}

func (r *TenantRepository) GetByID(ctx context.Context, id uint64) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.preloaded(ctx).
		Where("is_deleted = ?", false).
		First(&tenant, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// GetAny returns the tenant even when it is soft deleted.
func (r *TenantRepository) GetAny(ctx context.Context, id uint64) (*model.Tenant, error) {
	var tenant model.Tenant
	if err := r.preloaded(ctx).First(&tenant, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *TenantRepository) GetByUUID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.preloaded(ctx).
		Where("is_deleted = ?", false).
		First(&tenant, "uuid = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *TenantRepository) GetByTenancyName(ctx context.Context, name string) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.preloaded(ctx).
		Where("is_deleted = ?", false).
		First(&tenant, "tenancy_name = ?", name).Error
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// ByAPIKey resolves an active tenant from its plaintext API key.
func (r *TenantRepository) ByAPIKey(ctx context.Context, key string) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.db.WithContext(ctx).
		Where("api_key_hash = ? AND is_active = ? AND is_deleted = ?", HashAPIKey(key), true, false).
		First(&tenant).Error
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// ByHost resolves an active tenant from a request hostname.
func (r *TenantRepository) ByHost(ctx context.Context, host string) (*model.Tenant, error) {
	var tenant model.Tenant
	err := r.db.WithContext(ctx).
		Joins("JOIN domains ON domains.tenant_id = tenants.id").
		Where("domains.hostname = ? AND tenants.is_active = ? AND tenants.is_deleted = ?", NormalizeHost(host), true, false).
		First(&tenant).Error
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *TenantRepository) List(ctx context.Context, includeDeleted bool, limit, offset int) ([]model.Tenant, int64, error) {
	var tenants []model.Tenant
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Tenant{})
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	err := query.Order("id ASC").Find(&tenants).Error
	return tenants, total, err
}

func (r *TenantRepository) SetAPIKey(ctx context.Context, id uint64, key string) error {
	hash := HashAPIKey(key)
	return r.update(ctx, id, map[string]interface{}{"api_key_hash": hash})
}

func (r *TenantRepository) UpdateTenancyName(ctx context.Context, id uint64, name string) error {
	return r.update(ctx, id, map[string]interface{}{"tenancy_name": name})
}

func (r *TenantRepository) SoftDelete(ctx context.Context, id uint64, at time.Time) error {
	return r.update(ctx, id, map[string]interface{}{
		"is_deleted": true,
		"is_active":  false,
		"deleted_at": at,
	})
}

// HardDelete removes the tenant, its configuration and domains.
func (r *TenantRepository) HardDelete(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", id).Delete(&model.Domain{}).Error; err != nil {
			return err
		}
		if err := tx.Where("tenant_id = ?", id).Delete(&model.TenantConfiguration{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Tenant{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *TenantRepository) update(ctx context.Context, id uint64, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.Tenant{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// NormalizeHost lowercases host and strips any port.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}
