// Package seed writes the default role set and the policy catalogue into a
// tenant database. Every write is an upsert keyed by slug.
package seed

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coursegrid/coursegrid/pkg/model"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleLearner = "learner"
)

var defaultRoles = []model.Role{
	{Slug: RoleAdmin, Name: "Administrator", Description: "Full access to the tenant", IsSystem: true},
	{Slug: RoleManager, Name: "Manager", Description: "Manages courses, users and reports", IsSystem: true},
	{Slug: RoleLearner, Name: "Learner", Description: "Takes courses", IsSystem: true},
}

var categories = []model.PolicyCategory{
	{Slug: "courses", Name: "Courses"},
	{Slug: "users", Name: "Users"},
	{Slug: "reports", Name: "Reports"},
	{Slug: "leaderboards", Name: "Leaderboards"},
	{Slug: "configuration", Name: "Configuration"},
}

var policies = []model.Policy{
	{Slug: "courses.view", Name: "View courses", CategorySlug: "courses"},
	{Slug: "courses.create", Name: "Create courses", CategorySlug: "courses"},
	{Slug: "courses.edit", Name: "Edit courses", CategorySlug: "courses"},
	{Slug: "courses.delete", Name: "Delete courses", CategorySlug: "courses"},
	{Slug: "courses.clone", Name: "Clone courses", CategorySlug: "courses"},
	{Slug: "users.view", Name: "View users", CategorySlug: "users"},
	{Slug: "users.invite", Name: "Invite users", CategorySlug: "users"},
	{Slug: "users.bulk_onboard", Name: "Bulk onboard users", CategorySlug: "users"},
	{Slug: "reports.view", Name: "View reports", CategorySlug: "reports"},
	{Slug: "reports.generate", Name: "Generate reports", CategorySlug: "reports"},
	{Slug: "leaderboards.view", Name: "View leaderboards", CategorySlug: "leaderboards"},
	{Slug: "leaderboards.compute", Name: "Compute leaderboards", CategorySlug: "leaderboards"},
	{Slug: "configuration.view", Name: "View configuration", CategorySlug: "configuration"},
	{Slug: "configuration.edit", Name: "Edit configuration", CategorySlug: "configuration"},
}

var managerExcluded = map[string]bool{
	"configuration.edit": true,
	"courses.delete":     true,
}

var learnerGranted = map[string]bool{
	"courses.view":      true,
	"leaderboards.view": true,
}

// DefaultRoles returns the role slugs every tenant starts with.
func DefaultRoles() []string {
	out := make([]string, 0, len(defaultRoles))
	for _, r := range defaultRoles {
		out = append(out, r.Slug)
	}
	return out
}

// PolicySlugs returns the full catalogue.
func PolicySlugs() []string {
	out := make([]string, 0, len(policies))
	for _, p := range policies {
		out = append(out, p.Slug)
	}
	return out
}

// Grants returns the policy slugs granted to role.
func Grants(role string) []string {
	var out []string
	for _, p := range policies {
		switch {
		case role == RoleAdmin,
			role == RoleManager && !managerExcluded[p.Slug],
			role == RoleLearner && learnerGranted[p.Slug]:
			out = append(out, p.Slug)
		}
	}
	return out
}

type Seeder struct{}

func New() *Seeder {
	return &Seeder{}
}

// Seed upserts roles, the policy catalogue and the grants between them.
func (s *Seeder) Seed(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertRoles(tx); err != nil {
			return err
		}
		if err := upsertPolicies(tx); err != nil {
			return err
		}
		return upsertGrants(tx)
	})
}

// Roles upserts only the default role set.
func (s *Seeder) Roles(ctx context.Context, db *gorm.DB) error {
	return upsertRoles(db.WithContext(ctx))
}

// Policies upserts the catalogue and its grants.
func (s *Seeder) Policies(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertPolicies(tx); err != nil {
			return err
		}
		return upsertGrants(tx)
	})
}

func upsertRoles(db *gorm.DB) error {
	rows := make([]model.Role, len(defaultRoles))
	copy(rows, defaultRoles)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "is_system", "modified_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	return nil
}

func upsertPolicies(db *gorm.DB) error {
	cats := make([]model.PolicyCategory, len(categories))
	copy(cats, categories)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "modified_at"}),
	}).Create(&cats).Error
	if err != nil {
		return fmt.Errorf("seed policy categories: %w", err)
	}

	rows := make([]model.Policy, len(policies))
	copy(rows, policies)
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "category_slug", "modified_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("seed policies: %w", err)
	}
	return nil
}

func upsertGrants(db *gorm.DB) error {
	var grants []model.RolePermission
	for _, role := range defaultRoles {
		for _, slug := range Grants(role.Slug) {
			grants = append(grants, model.RolePermission{RoleSlug: role.Slug, PolicySlug: slug})
		}
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "role_slug"}, {Name: "policy_slug"}},
		DoNothing: true,
	}).Create(&grants).Error
	if err != nil {
		return fmt.Errorf("seed role permissions: %w", err)
	}
	return nil
}
