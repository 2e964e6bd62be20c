package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/model"
)

// CourseRepository works on the courses of one tenant database.
type CourseRepository struct {
	db *gorm.DB
}

func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

func (r *CourseRepository) Create(ctx context.Context, course *model.Course) error {
	return r.db.WithContext(ctx).Create(course).Error
}

func (r *CourseRepository) Get(ctx context.Context, id uint64) (*model.Course, error) {
	var course model.Course
	err := r.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		First(&course, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &course, nil
}

func (r *CourseRepository) BySlug(ctx context.Context, slug string) (*model.Course, error) {
	var course model.Course
	err := r.db.WithContext(ctx).
		Where("slug = ? AND is_deleted = ?", slug, false).
		First(&course).Error
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// List returns live courses; archived ones only when includeArchived is set.
func (r *CourseRepository) List(ctx context.Context, includeArchived bool, limit, offset int) ([]model.Course, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Course{}).Where("is_deleted = ?", false)
	if !includeArchived {
		query = query.Where("is_archived = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}
	var courses []model.Course
	err := query.Order("id ASC").Limit(limit).Offset(offset).Find(&courses).Error
	return courses, total, err
}

// Clone copies source under a new slug and records where it came from.
func (r *CourseRepository) Clone(ctx context.Context, source *model.Course, slug, title, actor string) (*model.Course, error) {
	if title == "" {
		title = source.Title
	}
	sourceID := source.ID
	clone := &model.Course{
		Slug:        slug,
		Title:       title,
		Description: source.Description,
		ClonedFrom:  &sourceID,
	}
	clone.Stamp(actor)
	if err := r.Create(ctx, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

func (r *CourseRepository) SoftDelete(ctx context.Context, course *model.Course, at time.Time, actor string) error {
	course.MarkDeleted(at)
	course.Stamp(actor)
	return r.db.WithContext(ctx).Model(course).Select("is_deleted", "deleted_at", "modified_by").Updates(course).Error
}

func (r *CourseRepository) Enrol(ctx context.Context, courseID, userID uint64) (*model.Enrolment, error) {
	enrolment := &model.Enrolment{CourseID: courseID, UserID: userID}
	err := r.db.WithContext(ctx).
		Where(model.Enrolment{CourseID: courseID, UserID: userID}).
		FirstOrCreate(enrolment).Error
	return enrolment, err
}
