// Package scheduler enqueues the periodic work of the tenancy core: it
// requeues provisioning that stalled and starts the daily report and
// leaderboard runs.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/jobs"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/provisioning"
	"github.com/coursegrid/coursegrid/pkg/queue"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, args interface{}, opts ...queue.Option) (*queue.Envelope, error)
}

type Scheduler struct {
	gateway      *supertenant.Gateway
	dispatcher   Dispatcher
	logger       *zap.Logger
	interval     time.Duration
	stalledAfter time.Duration
	now          func() time.Time

	lastDaily string
}

func NewScheduler(gateway *supertenant.Gateway, dispatcher Dispatcher, interval, stalledAfter time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		gateway:      gateway,
		dispatcher:   dispatcher,
		logger:       logger,
		interval:     interval,
		stalledAfter: stalledAfter,
		now:          time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. The daily runs are dispatched on the
// first pass of each UTC day.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	day := now.Format("2006-01-02")
	var rows []model.DatabaseRouter
	err := s.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		var err error
		rows, err = s.gateway.ReposFor(db).Routers.ListAll(ctx)
		if err != nil {
			return err
		}
		s.requeueStalled(ctx, rows, now)
		if day == s.lastDaily {
			return nil
		}
		_, err = s.dispatcher.Dispatch(ctx, jobs.KindReportBatch, jobs.ReportBatchArgs{
			Kind:     jobs.SummaryReport,
			BatchKey: "daily-" + day,
		})
		return err
	})
	if err != nil {
		s.logger.Error("scheduling pass failed", zap.Error(err))
		return
	}
	if day == s.lastDaily {
		return
	}
	s.leaderboards(ctx, rows)
	s.lastDaily = day
}

// requeueStalled dispatches provisioning again for tenants whose setup has
// not moved for stalledAfter. A duplicate job loses the provisioning lock.
func (s *Scheduler) requeueStalled(ctx context.Context, rows []model.DatabaseRouter, now time.Time) {
	if s.stalledAfter <= 0 {
		return
	}
	for _, row := range rows {
		if !row.SetupStatus.Running() || now.Sub(row.ModifiedAt) < s.stalledAfter {
			continue
		}
		_, err := s.dispatcher.Dispatch(ctx, provisioning.JobProvision, provisioning.ProvisionArgs{TenantID: row.TenantID})
		if err != nil {
			s.logger.Error("requeue provisioning", zap.Uint64("tenant_id", row.TenantID), zap.Error(err))
			continue
		}
		s.logger.Warn("provisioning stalled, requeued",
			zap.Uint64("tenant_id", row.TenantID),
			zap.String("db", row.DatabaseName),
			zap.String("status", string(row.SetupStatus)),
		)
	}
}

// leaderboards dispatches a leaderboard run under each completed tenant's
// own binding.
func (s *Scheduler) leaderboards(ctx context.Context, rows []model.DatabaseRouter) {
	for _, row := range rows {
		if row.SetupStatus != model.SetupCompleted {
			continue
		}
		binding, err := s.gateway.BindingForDB(ctx, row.DatabaseName)
		if err != nil {
			s.logger.Warn("leaderboard binding", zap.String("db", row.DatabaseName), zap.Error(err))
			continue
		}
		err = tenancy.With(ctx, binding, func(ctx context.Context) error {
			_, err := s.dispatcher.Dispatch(ctx, jobs.KindLeaderboard, jobs.LeaderboardArgs{Period: jobs.DefaultLeaderboardPeriod})
			return err
		})
		if err != nil {
			s.logger.Error("dispatch leaderboard", zap.String("db", row.DatabaseName), zap.Error(err))
		}
	}
}
