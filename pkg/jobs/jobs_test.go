package jobs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/jobs"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/queue"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
	"github.com/coursegrid/coursegrid/pkg/tenantdb"
	"github.com/coursegrid/coursegrid/pkg/tenanttest"
	"github.com/coursegrid/coursegrid/pkg/worker"
)

type harness struct {
	*tenanttest.Env
	worker *worker.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	env := tenanttest.NewEnv(t)
	w := worker.New(env.Broker, env.Gateway, env.Config.Queue.JobTimeout, 1, env.Logger)
	jobs.Register(w, jobs.Deps{
		Gateway:     env.Gateway,
		Resolver:    tenantdb.NewResolver(env.Gateway),
		Provisioner: env.Provisioner,
		Logger:      env.Logger,
	})
	return &harness{Env: env, worker: w}
}

// onboard registers a tenant and lets the worker run its provisioning job.
func (h *harness) onboard(t *testing.T, name string) *model.Tenant {
	t.Helper()
	tenant := h.Register(t, name)
	h.drain(t)
	require.Equal(t, model.SetupCompleted, h.Status(t, tenant.ID))
	return tenant
}

// drain runs queued jobs through the worker until the ready list is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		handled, err := h.Broker.Poll(context.Background(), h.worker.Handle)
		require.NoError(t, err)
		if !handled {
			return
		}
	}
}

func (h *harness) dispatch(t *testing.T, tenant *model.Tenant, kind string, args interface{}) *queue.Envelope {
	t.Helper()
	ctx := context.Background()
	b := h.Gateway.Binding()
	if tenant != nil {
		var err error
		b, err = h.Gateway.BindingFor(ctx, tenant)
		require.NoError(t, err)
	}
	var env *queue.Envelope
	require.NoError(t, tenancy.With(ctx, b, func(ctx context.Context) error {
		var err error
		env, err = h.Dispatcher.Dispatch(ctx, kind, args)
		return err
	}))
	return env
}

func (h *harness) deadLetters(t *testing.T) []*queue.Envelope {
	t.Helper()
	dead, err := h.Broker.DeadLetters(context.Background())
	require.NoError(t, err)
	return dead
}

func (h *harness) seedLearners(t *testing.T, tenant *model.Tenant, emails ...string) {
	t.Helper()
	require.NoError(t, h.InTenant(t, tenant, func(ctx context.Context, db *gorm.DB) error {
		for i, email := range emails {
			user := model.User{Email: email, FullName: email, RoleSlug: "learner", IsActive: true}
			if err := db.Create(&user).Error; err != nil {
				return err
			}
			course := model.Course{Slug: "course-" + email, Title: "Course " + email}
			if err := db.Create(&course).Error; err != nil {
				return err
			}
			enrolment := model.Enrolment{CourseID: course.ID, UserID: user.ID, Progress: 50, Score: 10 * (i + 1)}
			if err := db.Create(&enrolment).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestProvisionJobRunsUnderSuperBinding(t *testing.T) {
	h := newHarness(t)
	tenant := h.onboard(t, "acme")
	assert.Empty(t, h.deadLetters(t))

	// A provision job dispatched from a tenant binding is refused.
	h.dispatch(t, tenant, jobs.KindProvision, map[string]uint64{"tenant_id": tenant.ID})
	h.drain(t)
	dead := h.deadLetters(t)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, tenancy.ErrCrossTenantViolation.Error())
}

func TestReportJobUsesDispatchingTenant(t *testing.T) {
	h := newHarness(t)
	acme := h.onboard(t, "acme")
	globex := h.onboard(t, "globex")
	h.seedLearners(t, acme, "a@acme.test", "b@acme.test")
	h.seedLearners(t, globex, "x@globex.test")

	var report model.Report
	require.NoError(t, h.InTenant(t, acme, func(ctx context.Context, db *gorm.DB) error {
		report = model.Report{Kind: "summary", Status: model.ReportPending}
		return db.Create(&report).Error
	}))

	env := h.dispatch(t, acme, jobs.KindReport, jobs.ReportArgs{ReportID: report.ID})
	assert.Equal(t, "acme", env.DBName)
	h.drain(t)
	assert.Empty(t, h.deadLetters(t))

	require.NoError(t, h.InTenant(t, acme, func(ctx context.Context, db *gorm.DB) error {
		return db.First(&report, report.ID).Error
	}))
	assert.Equal(t, model.ReportCompleted, report.Status)
	assert.EqualValues(t, 2, report.Result["users"])
	assert.NotNil(t, report.CompletedAt)

	var globexReports int64
	require.NoError(t, h.InTenant(t, globex, func(ctx context.Context, db *gorm.DB) error {
		return db.Model(&model.Report{}).Count(&globexReports).Error
	}))
	assert.Zero(t, globexReports)
}

func TestReportBatchVisitsEveryCompletedTenant(t *testing.T) {
	h := newHarness(t)
	acme := h.onboard(t, "acme")
	globex := h.onboard(t, "globex")
	h.seedLearners(t, acme, "a@acme.test")
	h.seedLearners(t, globex, "x@globex.test", "y@globex.test", "z@globex.test")

	// initech stays initiated: its provisioning job is dropped unrun.
	pending := h.Register(t, "initech")
	handled, err := h.Broker.Poll(context.Background(), func(context.Context, *queue.Envelope) error { return nil })
	require.NoError(t, err)
	require.True(t, handled)

	args := jobs.ReportBatchArgs{Kind: "summary", BatchKey: "2026-10"}
	h.dispatch(t, nil, jobs.KindReportBatch, args)
	h.dispatch(t, nil, jobs.KindReportBatch, args)
	h.drain(t)
	assert.Empty(t, h.deadLetters(t))
	assert.Equal(t, model.SetupInitiated, h.Status(t, pending.ID))

	for tenant, users := range map[*model.Tenant]int{acme: 1, globex: 3} {
		var reports []model.Report
		require.NoError(t, h.InTenant(t, tenant, func(ctx context.Context, db *gorm.DB) error {
			return db.Find(&reports).Error
		}))
		require.Len(t, reports, 1, tenant.TenancyName)
		assert.Equal(t, model.ReportCompleted, reports[0].Status)
		assert.EqualValues(t, users, reports[0].Result["users"])
	}
}

func TestBulkOnboardUpsertsByEmail(t *testing.T) {
	h := newHarness(t)
	acme := h.onboard(t, "acme")

	args := jobs.BulkOnboardArgs{
		Actor: "importer",
		Users: []jobs.NewUser{
			{Email: "Ann@Acme.test", FullName: "Ann"},
			{Email: "bob@acme.test", FullName: "Bob", Role: "manager"},
		},
	}
	h.dispatch(t, acme, jobs.KindBulkOnboard, args)
	args.Users[0].FullName = "Ann Smith"
	h.dispatch(t, acme, jobs.KindBulkOnboard, args)
	h.drain(t)
	assert.Empty(t, h.deadLetters(t))

	var users []model.User
	require.NoError(t, h.InTenant(t, acme, func(ctx context.Context, db *gorm.DB) error {
		return db.Order("email").Find(&users).Error
	}))
	require.Len(t, users, 2)
	assert.Equal(t, "ann@acme.test", users[0].Email)
	assert.Equal(t, "Ann Smith", users[0].FullName)
	assert.Equal(t, "learner", users[0].RoleSlug)
	assert.Equal(t, "manager", users[1].RoleSlug)
	assert.Equal(t, "importer", users[1].CreatedBy)
}

func TestBulkOnboardRejectsUnknownRole(t *testing.T) {
	h := newHarness(t)
	acme := h.onboard(t, "acme")

	h.dispatch(t, acme, jobs.KindBulkOnboard, jobs.BulkOnboardArgs{
		Users: []jobs.NewUser{{Email: "eve@acme.test", Role: "owner"}},
	})
	h.drain(t)
	dead := h.deadLetters(t)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "unknown role")
	assert.Equal(t, 1, dead[0].Attempt)
}

func TestCourseCloneIsIdempotent(t *testing.T) {
	h := newHarness(t)
	acme := h.onboard(t, "acme")

	var source model.Course
	require.NoError(t, h.InTenant(t, acme, func(ctx context.Context, db *gorm.DB) error {
		source = model.Course{Slug: "intro", Title: "Intro", Description: "Basics"}
		return db.Create(&source).Error
	}))

	args := jobs.CourseCloneArgs{SourceID: source.ID, Slug: "intro-2026", Actor: "ops"}
	h.dispatch(t, acme, jobs.KindCourseClone, args)
	h.dispatch(t, acme, jobs.KindCourseClone, args)
	h.drain(t)
	assert.Empty(t, h.deadLetters(t))

	var clones []model.Course
	require.NoError(t, h.InTenant(t, acme, func(ctx context.Context, db *gorm.DB) error {
		return db.Where("cloned_from = ?", source.ID).Find(&clones).Error
	}))
	require.Len(t, clones, 1)
	assert.Equal(t, "Intro", clones[0].Title)
	assert.Equal(t, "Basics", clones[0].Description)

	// The slug now belongs to a clone of another course.
	h.dispatch(t, acme, jobs.KindCourseClone, jobs.CourseCloneArgs{SourceID: clones[0].ID, Slug: "intro-2026"})
	h.drain(t)
	dead := h.deadLetters(t)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "already in use")
}

func TestLeaderboardRanksByScore(t *testing.T) {
	h := newHarness(t)
	acme := h.onboard(t, "acme")
	h.seedLearners(t, acme, "a@acme.test", "b@acme.test", "c@acme.test")

	h.dispatch(t, acme, jobs.KindLeaderboard, jobs.LeaderboardArgs{Period: "2026-q4"})
	h.dispatch(t, acme, jobs.KindLeaderboard, jobs.LeaderboardArgs{Period: "2026-q4"})
	h.drain(t)
	assert.Empty(t, h.deadLetters(t))

	var entries []model.LeaderboardEntry
	require.NoError(t, h.InTenant(t, acme, func(ctx context.Context, db *gorm.DB) error {
		return db.Where("period = ?", "2026-q4").Order("rank").Find(&entries).Error
	}))
	require.Len(t, entries, 3)
	assert.Equal(t, 30, entries[0].Score)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, 10, entries[2].Score)
	assert.Equal(t, 3, entries[2].Rank)
}

func TestJobForUnknownDatabaseIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	h.onboard(t, "acme")

	ghost := tenancy.Binding{DBName: "ghost", TenantID: 99, TenancyName: "ghost"}
	require.NoError(t, tenancy.With(context.Background(), ghost, func(ctx context.Context) error {
		_, err := h.Dispatcher.Dispatch(ctx, jobs.KindLeaderboard, nil)
		return err
	}))
	h.drain(t)
	dead := h.deadLetters(t)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, tenancy.ErrTenantNotResolved.Error())
}
