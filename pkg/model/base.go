package model

import "time"

// Timestamps is embedded by every persisted entity.
type Timestamps struct {
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	ModifiedAt time.Time `gorm:"autoUpdateTime" json:"modified_at"`
}

// SoftDelete marks a row deleted without removing it.
type SoftDelete struct {
	IsDeleted bool       `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (s *SoftDelete) MarkDeleted(at time.Time) {
	s.IsDeleted = true
	s.DeletedAt = &at
}

func (s *SoftDelete) Deleted() bool {
	return s.IsDeleted
}

// Audit records who created and last modified a row.
type Audit struct {
	CreatedBy  string `gorm:"type:varchar(255)" json:"created_by,omitempty"`
	ModifiedBy string `gorm:"type:varchar(255)" json:"modified_by,omitempty"`
}

func (a *Audit) Stamp(actor string) {
	if a.CreatedBy == "" {
		a.CreatedBy = actor
	}
	a.ModifiedBy = actor
}

// Archive hides a row from catalogue listings while keeping it reachable.
type Archive struct {
	IsArchived bool `gorm:"not null;default:false" json:"is_archived"`
}

type SoftDeletable interface {
	MarkDeleted(at time.Time)
	Deleted() bool
}

type Auditable interface {
	Stamp(actor string)
}
