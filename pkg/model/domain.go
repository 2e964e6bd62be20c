package model

import "time"

// Tenant-database entities. Every row below lives in exactly one tenant
// database and never references a row in another one.

type Role struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug        string `gorm:"type:varchar(64);uniqueIndex;not null" json:"slug"`
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description,omitempty"`
	IsSystem    bool   `gorm:"not null;default:false" json:"is_system"`
	Timestamps
}

type PolicyCategory struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug string `gorm:"type:varchar(64);uniqueIndex;not null" json:"slug"`
	Name string `gorm:"not null" json:"name"`
	Timestamps
}

type Policy struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug         string `gorm:"type:varchar(128);uniqueIndex;not null" json:"slug"`
	Name         string `gorm:"not null" json:"name"`
	CategorySlug string `gorm:"type:varchar(64);index;not null" json:"category_slug"`
	Timestamps
}

// RolePermission grants a policy to a role. Keyed by slugs so seeds can
// upsert without knowing row ids.
type RolePermission struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	RoleSlug   string `gorm:"type:varchar(64);uniqueIndex:idx_role_policy;not null" json:"role_slug"`
	PolicySlug string `gorm:"type:varchar(128);uniqueIndex:idx_role_policy;not null" json:"policy_slug"`
	Timestamps
}

type User struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Email      string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	FullName   string `json:"full_name"`
	ExternalID string `gorm:"type:varchar(255);index" json:"external_id,omitempty"`
	RoleSlug   string `gorm:"type:varchar(64);not null;default:'learner'" json:"role_slug"`
	IsActive   bool   `gorm:"not null;default:true" json:"is_active"`
	Audit
	SoftDelete
	Timestamps
}

type Course struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug        string `gorm:"type:varchar(128);uniqueIndex;not null" json:"slug"`
	Title       string `gorm:"not null" json:"title"`
	Description string `json:"description,omitempty"`
	// ClonedFrom is the id of the course this one was copied from, if any.
	ClonedFrom *uint64 `gorm:"index" json:"cloned_from,omitempty"`
	Audit
	Archive
	SoftDelete
	Timestamps
}

type Enrolment struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CourseID    uint64     `gorm:"uniqueIndex:idx_course_user;not null" json:"course_id"`
	UserID      uint64     `gorm:"uniqueIndex:idx_course_user;not null" json:"user_id"`
	Progress    int        `gorm:"not null;default:0" json:"progress"`
	Score       int        `gorm:"not null;default:0" json:"score"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Timestamps
}

type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportCompleted ReportStatus = "completed"
	ReportFailed    ReportStatus = "failed"
)

type Report struct {
	ID          uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind        string       `gorm:"type:varchar(64);not null" json:"kind"`
	BatchKey    *string      `gorm:"type:varchar(128);uniqueIndex" json:"batch_key,omitempty"`
	Status      ReportStatus `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	Result      JSONB        `json:"result,omitempty"`
	Error       string       `gorm:"type:text" json:"error,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Audit
	Timestamps
}

type LeaderboardEntry struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Period string `gorm:"type:varchar(32);uniqueIndex:idx_period_user;not null" json:"period"`
	UserID uint64 `gorm:"uniqueIndex:idx_period_user;not null" json:"user_id"`
	Score  int    `gorm:"not null;default:0" json:"score"`
	Rank   int    `gorm:"not null;default:0" json:"rank"`
	Timestamps
}
