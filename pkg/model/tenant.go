package model

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Super-tenant entities. None of these tables exist in a tenant database.

type Tenant struct {
	ID            uint64               `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID          uuid.UUID            `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	DisplayName   string               `gorm:"not null" json:"display_name"`
	TenancyName   string               `gorm:"type:varchar(63);uniqueIndex;not null" json:"tenancy_name"`
	ExternalIdpID *string              `gorm:"type:varchar(255);uniqueIndex" json:"external_idp_id,omitempty"`
	Email         string               `gorm:"type:varchar(255)" json:"email,omitempty"`
	APIKeyHash    *string              `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	IsActive      bool                 `gorm:"not null;default:true" json:"is_active"`
	SetupData     JSONB                `json:"setup_data,omitempty"`
	Configuration *TenantConfiguration `gorm:"foreignKey:TenantID" json:"configuration,omitempty"`
	Domains       []Domain             `gorm:"foreignKey:TenantID" json:"domains,omitempty"`
	SoftDelete
	Timestamps
}

func (t *Tenant) BeforeCreate(*gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	return nil
}

// Feature flag names stored in TenantConfiguration.Flags.
const (
	FlagAssignmentEnabled      = "assignment_enabled"
	FlagMasterCatalogueEnabled = "master_catalogue_enabled"
	FlagSkillOntologyEnabled   = "skill_ontology_enabled"
)

func DefaultFlags() Flags {
	return Flags{
		FlagAssignmentEnabled:      true,
		FlagMasterCatalogueEnabled: false,
		FlagSkillOntologyEnabled:   false,
	}
}

type TenantConfiguration struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	TenantID uint64 `gorm:"uniqueIndex;not null" json:"tenant_id"`
	Flags    Flags  `json:"flags"`
	Audit
	Timestamps
}

// Domain maps a hostname to the tenant serving it.
type Domain struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	TenantID uint64 `gorm:"index;not null" json:"tenant_id"`
	Hostname string `gorm:"type:varchar(255);uniqueIndex;not null" json:"hostname"`
	Timestamps
}

type SetupStatus string

const (
	SetupNone       SetupStatus = "none"
	SetupInitiated  SetupStatus = "initiated"
	SetupInProgress SetupStatus = "in_progress"
	SetupCompleted  SetupStatus = "completed"
	SetupFailed     SetupStatus = "failed"
)

// Running reports whether a provisioning run owns the tenant.
func (s SetupStatus) Running() bool {
	return s == SetupInitiated || s == SetupInProgress
}

// DatabaseRouter is the directory row turning a tenant into connection
// parameters. DatabasePassword holds ciphertext when encryption is enabled.
// Rows are tombstoned rather than removed so database names are never reused.
type DatabaseRouter struct {
	ID               uint64      `gorm:"primaryKey;autoIncrement" json:"-"`
	TenantID         uint64      `gorm:"uniqueIndex;not null" json:"tenant_id"`
	DatabaseName     string      `gorm:"type:varchar(63);uniqueIndex;not null" json:"database_name"`
	DatabaseUser     string      `gorm:"type:varchar(255)" json:"database_user"`
	DatabasePassword string      `gorm:"type:text" json:"-"`
	DatabaseHost     string      `gorm:"type:varchar(255)" json:"database_host"`
	DatabasePort     int         `json:"database_port"`
	SSLMode          string      `gorm:"type:varchar(20)" json:"ssl_mode,omitempty"`
	MaxOpenConns     int         `json:"max_open_conns,omitempty"`
	MaxIdleConns     int         `json:"max_idle_conns,omitempty"`
	IsDefault        bool        `gorm:"not null;default:false" json:"is_default"`
	SetupStatus      SetupStatus `gorm:"type:varchar(20);not null;default:'none';index" json:"setup_status"`
	FailureReason    string      `gorm:"type:text" json:"failure_reason,omitempty"`
	SoftDelete
	Timestamps
}

// SuperAdmin is an operator allowed on the super-tenant surface.
type SuperAdmin struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Subject  string `gorm:"type:varchar(255);uniqueIndex;not null" json:"subject"`
	Email    string `gorm:"type:varchar(255)" json:"email"`
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`
	Timestamps
}

// SuperTenantModels lists every table of the super-tenant database.
func SuperTenantModels() []interface{} {
	return []interface{}{
		&Tenant{},
		&TenantConfiguration{},
		&Domain{},
		&DatabaseRouter{},
		&SuperAdmin{},
		&TenantEvent{},
	}
}
