package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/model"
)

// ReportRepository works on the reports of one tenant database.
type ReportRepository struct {
	db *gorm.DB
}

func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) Create(ctx context.Context, report *model.Report) error {
	if report.Status == "" {
		report.Status = model.ReportPending
	}
	return r.db.WithContext(ctx).Create(report).Error
}

func (r *ReportRepository) Get(ctx context.Context, id uint64) (*model.Report, error) {
	var report model.Report
	if err := r.db.WithContext(ctx).First(&report, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// EnsureBatch returns the report of a batch run, creating it pending on
// first sight.
func (r *ReportRepository) EnsureBatch(ctx context.Context, kind, batchKey string) (*model.Report, error) {
	var report model.Report
	err := r.db.WithContext(ctx).Where("batch_key = ?", batchKey).First(&report).Error
	if err == nil {
		return &report, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	key := batchKey
	report = model.Report{Kind: kind, BatchKey: &key, Status: model.ReportPending}
	report.Stamp("system")
	if err := r.Create(ctx, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *ReportRepository) Complete(ctx context.Context, id uint64, result model.JSONB, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Report{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       model.ReportCompleted,
		"result":       result,
		"error":        "",
		"completed_at": at,
	}).Error
}

func (r *ReportRepository) Fail(ctx context.Context, id uint64, reason string) error {
	return r.db.WithContext(ctx).Model(&model.Report{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status": model.ReportFailed,
		"error":  reason,
	}).Error
}

// Summary computes the figures of a summary report from this database.
func (r *ReportRepository) Summary(ctx context.Context) (model.JSONB, error) {
	db := r.db.WithContext(ctx)
	var users, courses, enrolments, completed int64
	if err := db.Model(&model.User{}).Where("is_deleted = ?", false).Count(&users).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.Course{}).Where("is_deleted = ?", false).Count(&courses).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.Enrolment{}).Count(&enrolments).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.Enrolment{}).Where("completed_at IS NOT NULL").Count(&completed).Error; err != nil {
		return nil, err
	}
	var avg struct{ Progress float64 }
	if err := db.Model(&model.Enrolment{}).Select("COALESCE(AVG(progress), 0) AS progress").Scan(&avg).Error; err != nil {
		return nil, err
	}
	return model.JSONB{
		"users":                users,
		"courses":              courses,
		"enrolments":           enrolments,
		"completed_enrolments": completed,
		"average_progress":     avg.Progress,
	}, nil
}
