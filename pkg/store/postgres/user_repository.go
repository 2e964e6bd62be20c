package postgres

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coursegrid/coursegrid/pkg/model"
)

// UserRepository works on the users of one tenant database.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert inserts users keyed by email, refreshing name and role of the
// ones that already exist.
func (r *UserRepository) Upsert(ctx context.Context, users []model.User) (int64, error) {
	if len(users) == 0 {
		return 0, nil
	}
	for i := range users {
		users[i].Email = strings.ToLower(strings.TrimSpace(users[i].Email))
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"full_name", "role_slug", "modified_by", "modified_at"}),
	}).Create(&users)
	return res.RowsAffected, res.Error
}

func (r *UserRepository) ByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).
		Where("email = ? AND is_deleted = ?", strings.ToLower(email), false).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.User{}).Where("is_deleted = ?", false).Count(&n).Error
	return n, err
}

// RoleExists reports whether slug names a role of this tenant.
func (r *UserRepository) RoleExists(ctx context.Context, slug string) (bool, error) {
	var role model.Role
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Grants lists the policy slugs granted to role.
func (r *UserRepository) Grants(ctx context.Context, role string) ([]string, error) {
	var slugs []string
	err := r.db.WithContext(ctx).
		Model(&model.RolePermission{}).
		Where("role_slug = ?", role).
		Order("policy_slug ASC").
		Pluck("policy_slug", &slugs).Error
	return slugs, err
}
