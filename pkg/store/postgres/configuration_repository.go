package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/model"
)

type ConfigurationRepository struct {
	db *gorm.DB
}

func NewConfigurationRepository(db *gorm.DB) *ConfigurationRepository {
	return &ConfigurationRepository{db: db}
}

func (r *ConfigurationRepository) Get(ctx context.Context, tenantID uint64) (*model.TenantConfiguration, error) {
	var cfg model.TenantConfiguration
	if err := r.db.WithContext(ctx).First(&cfg, "tenant_id = ?", tenantID).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Update merges flags into the stored set. Unknown flag names are kept as given.
func (r *ConfigurationRepository) Update(ctx context.Context, tenantID uint64, flags model.Flags, actor string) (*model.TenantConfiguration, error) {
	var cfg model.TenantConfiguration
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&cfg, "tenant_id = ?", tenantID).Error; err != nil {
			return err
		}
		if cfg.Flags == nil {
			cfg.Flags = model.Flags{}
		}
		for name, enabled := range flags {
			cfg.Flags[name] = enabled
		}
		cfg.Stamp(actor)
		return tx.Save(&cfg).Error
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

type DomainRepository struct {
	db *gorm.DB
}

func NewDomainRepository(db *gorm.DB) *DomainRepository {
	return &DomainRepository{db: db}
}

func (r *DomainRepository) Add(ctx context.Context, tenantID uint64, host string) (*model.Domain, error) {
	domain := &model.Domain{TenantID: tenantID, Hostname: NormalizeHost(host)}
	if err := r.db.WithContext(ctx).Create(domain).Error; err != nil {
		return nil, err
	}
	return domain, nil
}

func (r *DomainRepository) Remove(ctx context.Context, host string) error {
	return r.db.WithContext(ctx).Where("hostname = ?", NormalizeHost(host)).Delete(&model.Domain{}).Error
}

func (r *DomainRepository) ListByTenant(ctx context.Context, tenantID uint64) ([]model.Domain, error) {
	var domains []model.Domain
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("hostname ASC").Find(&domains).Error
	return domains, err
}

type SuperAdminRepository struct {
	db *gorm.DB
}

func NewSuperAdminRepository(db *gorm.DB) *SuperAdminRepository {
	return &SuperAdminRepository{db: db}
}

func (r *SuperAdminRepository) Create(ctx context.Context, admin *model.SuperAdmin) error {
	return r.db.WithContext(ctx).Create(admin).Error
}

func (r *SuperAdminRepository) BySubject(ctx context.Context, subject string) (*model.SuperAdmin, error) {
	var admin model.SuperAdmin
	err := r.db.WithContext(ctx).
		Where("subject = ? AND is_active = ?", subject, true).
		First(&admin).Error
	if err != nil {
		return nil, err
	}
	return &admin, nil
}
