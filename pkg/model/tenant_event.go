package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

const (
	EventTenantOnboarded    = "tenant.onboarded"
	EventTenantStatus       = "tenant.setup_status"
	EventTenantDeleted      = "tenant.deleted"
	EventTenantConfigChange = "tenant.configuration"
)

// TenantEvent is an outbox row relayed to Kafka by the outbox relay.
type TenantEvent struct {
	EventID     uuid.UUID  `gorm:"type:uuid;primaryKey" json:"event_id"`
	TenantID    uint64     `gorm:"index;not null" json:"tenant_id"`
	EventType   string     `gorm:"not null" json:"event_type"`
	Payload     JSONB      `gorm:"not null" json:"payload"`
	Status      string     `gorm:"not null;default:'pending';index" json:"status"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;not null" json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

func (TenantEvent) TableName() string {
	return "tenant_events"
}

func (e *TenantEvent) BeforeCreate(*gorm.DB) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.Status == "" {
		e.Status = OutboxStatusPending
	}
	return nil
}
