// Package jobs holds the background job bodies run by the worker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/provisioning"
	"github.com/coursegrid/coursegrid/pkg/queue"
	"github.com/coursegrid/coursegrid/pkg/seed"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
	"github.com/coursegrid/coursegrid/pkg/tenantdb"
	"github.com/coursegrid/coursegrid/pkg/worker"
)

const (
	KindProvision   = provisioning.JobProvision
	KindReport      = "report.generate"
	KindReportBatch = "report.batch"
	KindBulkOnboard = "users.bulk_onboard"
	KindCourseClone = "course.clone"
	KindLeaderboard = "leaderboard.compute"
)

const (
	SummaryReport            = "summary"
	DefaultLeaderboardPeriod = "all-time"
	systemActor              = "system"
)

type ReportArgs struct {
	ReportID uint64 `json:"report_id"`
}

type ReportBatchArgs struct {
	Kind     string `json:"kind"`
	BatchKey string `json:"batch_key"`
}

type NewUser struct {
	Email      string `json:"email" binding:"required,email"`
	FullName   string `json:"full_name"`
	ExternalID string `json:"external_id,omitempty"`
	Role       string `json:"role,omitempty"`
}

type BulkOnboardArgs struct {
	Users []NewUser `json:"users"`
	Actor string    `json:"actor,omitempty"`
}

type CourseCloneArgs struct {
	SourceID uint64 `json:"source_id"`
	Slug     string `json:"slug"`
	Title    string `json:"title,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

type LeaderboardArgs struct {
	Period string `json:"period,omitempty"`
}

// Provisioner runs the provisioning state machine of one tenant.
type Provisioner interface {
	Run(ctx context.Context, tenantID uint64) error
}

type Deps struct {
	Gateway     *supertenant.Gateway
	Resolver    *tenantdb.Resolver
	Provisioner Provisioner
	Logger      *zap.Logger
}

type handlers struct {
	Deps
}

// Register installs every job kind on w.
func Register(w *worker.Worker, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &handlers{Deps: d}
	w.Register(KindProvision, h.provision)
	w.Register(KindReport, h.report)
	w.Register(KindReportBatch, h.reportBatch)
	w.Register(KindBulkOnboard, h.bulkOnboard)
	w.Register(KindCourseClone, h.courseClone)
	w.Register(KindLeaderboard, h.leaderboard)
}

func (h *handlers) provision(ctx context.Context, env *queue.Envelope) error {
	if err := requireSuper(ctx, env); err != nil {
		return err
	}
	var args provisioning.ProvisionArgs
	if err := env.DecodeArgs(&args); err != nil {
		return err
	}
	err := h.Provisioner.Run(ctx, args.TenantID)
	switch {
	case err == nil, errors.Is(err, provisioning.ErrAlreadyRunning):
		return nil
	case errors.Is(err, tenancy.ErrProvisioningStepFailed),
		errors.Is(err, provisioning.ErrRetryRequired),
		errors.Is(err, provisioning.ErrNotRegistered):
		// The failure is recorded on the router row; retry goes through the API.
		return queue.Permanent(err)
	default:
		return err
	}
}

func (h *handlers) report(ctx context.Context, env *queue.Envelope) error {
	var args ReportArgs
	if err := env.DecodeArgs(&args); err != nil {
		return err
	}
	return h.Resolver.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		reports := postgres.NewReportRepository(db)
		report, err := reports.Get(ctx, args.ReportID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Permanent(fmt.Errorf("report %d not found", args.ReportID))
		}
		if err != nil {
			return err
		}
		if report.Status == model.ReportCompleted {
			return nil
		}
		return summarize(ctx, reports, report.ID)
	})
}

func summarize(ctx context.Context, reports *postgres.ReportRepository, id uint64) error {
	result, err := reports.Summary(ctx)
	if err != nil {
		return err
	}
	return reports.Complete(ctx, id, result, time.Now().UTC())
}

// reportBatch fans a report out over every completed tenant. Each tenant
// runs in its own binding; one tenant failing does not stop the others.
func (h *handlers) reportBatch(ctx context.Context, env *queue.Envelope) error {
	if err := requireSuper(ctx, env); err != nil {
		return err
	}
	var args ReportBatchArgs
	if err := env.DecodeArgs(&args); err != nil {
		return err
	}
	if args.Kind == "" {
		args.Kind = SummaryReport
	}
	if args.BatchKey == "" {
		args.BatchKey = env.ID
	}

	repos, err := h.Gateway.Repos(ctx)
	if err != nil {
		return err
	}
	rows, err := repos.Routers.ListAll(ctx)
	if err != nil {
		return err
	}

	logger := logging.FromContext(ctx, h.Logger)
	var result error
	done := 0
	for _, row := range rows {
		if row.SetupStatus != model.SetupCompleted {
			continue
		}
		err := h.reportFor(ctx, row.DatabaseName, args)
		if err != nil {
			if tenancy.IsContextError(err) {
				return err
			}
			logger.Warn("batch report failed for tenant",
				zap.String("db", row.DatabaseName),
				zap.Error(err),
			)
			result = multierror.Append(result, fmt.Errorf("%s: %w", row.DatabaseName, err))
			continue
		}
		done++
	}
	logger.Info("batch report finished", zap.Int("tenants", done), zap.String("batch_key", args.BatchKey))
	return result
}

func (h *handlers) reportFor(ctx context.Context, dbName string, args ReportBatchArgs) error {
	binding, err := h.Gateway.BindingForDB(ctx, dbName)
	if err != nil {
		return err
	}
	return tenancy.With(ctx, binding, func(ctx context.Context) error {
		return h.Resolver.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
			reports := postgres.NewReportRepository(db)
			report, err := reports.EnsureBatch(ctx, args.Kind, args.BatchKey)
			if err != nil {
				return err
			}
			if report.Status == model.ReportCompleted {
				return nil
			}
			return summarize(ctx, reports, report.ID)
		})
	})
}

func (h *handlers) bulkOnboard(ctx context.Context, env *queue.Envelope) error {
	var args BulkOnboardArgs
	if err := env.DecodeArgs(&args); err != nil {
		return err
	}
	if args.Actor == "" {
		args.Actor = systemActor
	}
	return h.Resolver.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		users := postgres.NewUserRepository(db)
		rows := make([]model.User, 0, len(args.Users))
		known := map[string]bool{}
		for _, u := range args.Users {
			role := u.Role
			if role == "" {
				role = seed.RoleLearner
			}
			if _, checked := known[role]; !checked {
				ok, err := users.RoleExists(ctx, role)
				if err != nil {
					return err
				}
				known[role] = ok
			}
			if !known[role] {
				return queue.Permanent(fmt.Errorf("user %s: unknown role %q", u.Email, role))
			}
			row := model.User{Email: u.Email, FullName: u.FullName, ExternalID: u.ExternalID, RoleSlug: role, IsActive: true}
			row.Stamp(args.Actor)
			rows = append(rows, row)
		}
		n, err := users.Upsert(ctx, rows)
		if err != nil {
			return err
		}
		logging.FromContext(ctx, h.Logger).Info("users onboarded", zap.Int64("rows", n))
		return nil
	})
}

func (h *handlers) courseClone(ctx context.Context, env *queue.Envelope) error {
	var args CourseCloneArgs
	if err := env.DecodeArgs(&args); err != nil {
		return err
	}
	if args.Actor == "" {
		args.Actor = systemActor
	}
	return h.Resolver.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		courses := postgres.NewCourseRepository(db)
		existing, err := courses.BySlug(ctx, args.Slug)
		switch {
		case err == nil:
			// A redelivery finds its own clone.
			if existing.ClonedFrom != nil && *existing.ClonedFrom == args.SourceID {
				return nil
			}
			return queue.Permanent(fmt.Errorf("course slug %q already in use", args.Slug))
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		source, err := courses.Get(ctx, args.SourceID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Permanent(fmt.Errorf("source course %d not found", args.SourceID))
		}
		if err != nil {
			return err
		}
		_, err = courses.Clone(ctx, source, args.Slug, args.Title, args.Actor)
		return err
	})
}

func (h *handlers) leaderboard(ctx context.Context, env *queue.Envelope) error {
	var args LeaderboardArgs
	if err := env.DecodeArgs(&args); err != nil {
		return err
	}
	if args.Period == "" {
		args.Period = DefaultLeaderboardPeriod
	}
	return h.Resolver.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		entries, err := postgres.NewLeaderboardRepository(db).Compute(ctx, args.Period)
		if err != nil {
			return err
		}
		logging.FromContext(ctx, h.Logger).Debug("leaderboard computed",
			zap.String("period", args.Period),
			zap.Int("entries", len(entries)),
		)
		return nil
	})
}

func requireSuper(ctx context.Context, env *queue.Envelope) error {
	b, err := tenancy.Current(ctx)
	if err != nil {
		return err
	}
	if !b.Super {
		return queue.Permanent(fmt.Errorf("%s dispatched from %s: %w", env.Kind, b, tenancy.ErrCrossTenantViolation))
	}
	return nil
}
