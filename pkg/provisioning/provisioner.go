// Package provisioning brings a registered tenant to a migrated, seeded
// database and records every step in the router directory.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/eventbus"
	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/metrics"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/pool"
	storeredis "github.com/coursegrid/coursegrid/pkg/store/redis"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

const (
	StepCreateDatabase     = "create_database"
	StepRegisterConnection = "register_connection"
	StepRunMigrations      = "run_migrations"
	StepSeedDefaults       = "seed_defaults"
	StepMarkCompleted      = "mark_completed"
)

var (
	ErrAlreadyRunning   = errors.New("provisioning already running")
	ErrRetryRequired    = errors.New("provisioning failed, retry required")
	ErrNotRegistered    = errors.New("tenant has no router entry")
	ErrAlreadyCompleted = errors.New("provisioning already completed")
)

// StepError records which step failed. It matches
// tenancy.ErrProvisioningStepFailed as well as the cause.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{tenancy.ErrProvisioningStepFailed, e.Err}
}

type DatabaseAdmin interface {
	DatabaseExists(ctx context.Context, name string) (bool, error)
	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
}

type SchemaMigrator interface {
	Up(ctx context.Context, db *gorm.DB) error
}

type Seeder interface {
	Seed(ctx context.Context, db *gorm.DB) error
}

type Locker interface {
	Acquire(ctx context.Context, name string) (func(), error)
}

// LocalLocker is an in-process Locker for single-node deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Acquire(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, storeredis.ErrLockHeld
	}
	l.held[name] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}

type Provisioner struct {
	gateway  *supertenant.Gateway
	registry *pool.Registry
	admin    DatabaseAdmin
	migrator SchemaMigrator
	seeder   Seeder
	locker   Locker
	bus      *eventbus.Bus
	logger   *zap.Logger
}

type Deps struct {
	Gateway  *supertenant.Gateway
	Admin    DatabaseAdmin
	Migrator SchemaMigrator
	Seeder   Seeder
	Locker   Locker
	Bus      *eventbus.Bus
	Logger   *zap.Logger
}

func NewProvisioner(d Deps) *Provisioner {
	if d.Locker == nil {
		d.Locker = NewLocalLocker()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Provisioner{
		gateway:  d.Gateway,
		registry: d.Gateway.Registry(),
		admin:    d.Admin,
		migrator: d.Migrator,
		seeder:   d.Seeder,
		locker:   d.Locker,
		bus:      d.Bus,
		logger:   d.Logger,
	}
}

// LockName is the lock held while tenantID is provisioned or migrated.
func LockName(tenantID uint64) string {
	return "provision:" + strconv.FormatUint(tenantID, 10)
}

// Run drives the tenant from its current status to completed. A completed
// tenant is left untouched and a failed one needs Retry first. Only one Run
// per tenant proceeds at a time; the others get ErrAlreadyRunning.
func (p *Provisioner) Run(ctx context.Context, tenantID uint64) error {
	release, err := p.locker.Acquire(ctx, LockName(tenantID))
	if errors.Is(err, storeredis.ErrLockHeld) {
		return fmt.Errorf("tenant %d: %w", tenantID, ErrAlreadyRunning)
	}
	if err != nil {
		return err
	}
	defer release()

	return p.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		return p.run(ctx, p.gateway.ReposFor(db), tenantID)
	})
}

func (p *Provisioner) run(ctx context.Context, repos *supertenant.Repos, tenantID uint64) error {
	tenant, err := repos.Tenants.GetByID(ctx, tenantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("tenant %d: %w", tenantID, tenancy.ErrTenantNotResolved)
	}
	if err != nil {
		return err
	}
	row, err := repos.Routers.Get(ctx, tenantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("tenant %s: %w", tenant.TenancyName, ErrNotRegistered)
	}
	if err != nil {
		return err
	}

	logger := logging.FromContext(ctx, p.logger).With(
		zap.Uint64("tenant_id", tenant.ID),
		zap.String("tenant", tenant.TenancyName),
		zap.String("db", row.DatabaseName),
	)

	switch row.SetupStatus {
	case model.SetupCompleted:
		logger.Debug("tenant already provisioned")
		return nil
	case model.SetupFailed:
		return fmt.Errorf("tenant %s: %w", tenant.TenancyName, ErrRetryRequired)
	case model.SetupNone:
		return fmt.Errorf("tenant %s: %w", tenant.TenancyName, ErrNotRegistered)
	}

	if row.SetupStatus == model.SetupInitiated {
		if err := p.timed(StepCreateDatabase, func() error { return p.createDatabase(ctx, row.DatabaseName) }); err != nil {
			return p.fail(ctx, repos, tenant, StepCreateDatabase, err)
		}
		if err := p.transition(ctx, repos, tenant, model.SetupInitiated, model.SetupInProgress); err != nil {
			return p.fail(ctx, repos, tenant, StepCreateDatabase, err)
		}
		logger.Info("tenant database created")
	}

	params, err := repos.Routers.Params(row)
	if err != nil {
		return p.fail(ctx, repos, tenant, StepRegisterConnection, err)
	}
	err = p.timed(StepRegisterConnection, func() error {
		_, err := p.registry.Ensure(ctx, params)
		return err
	})
	if err != nil {
		return p.fail(ctx, repos, tenant, StepRegisterConnection, err)
	}

	binding := tenancy.Binding{
		DBName:      row.DatabaseName,
		TenantID:    tenant.ID,
		TenancyName: tenant.TenancyName,
	}
	step := StepRunMigrations
	err = tenancy.With(ctx, binding, func(ctx context.Context) error {
		h, err := p.registry.Activate(ctx, binding.DBName)
		if err != nil {
			return err
		}
		defer h.Release()

		if err := p.timed(StepRunMigrations, func() error { return p.migrator.Up(ctx, h.DB()) }); err != nil {
			return err
		}
		step = StepSeedDefaults
		return p.timed(StepSeedDefaults, func() error { return p.seeder.Seed(ctx, h.DB()) })
	})
	if err != nil {
		return p.fail(ctx, repos, tenant, step, err)
	}

	if err := p.transition(ctx, repos, tenant, model.SetupInProgress, model.SetupCompleted); err != nil {
		return p.fail(ctx, repos, tenant, StepMarkCompleted, err)
	}
	logger.Info("tenant provisioned")
	return nil
}

func (p *Provisioner) createDatabase(ctx context.Context, name string) error {
	exists, err := p.admin.DatabaseExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return p.admin.CreateDatabase(ctx, name)
}

func (p *Provisioner) timed(step string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.ProvisioningDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	return err
}

func (p *Provisioner) transition(ctx context.Context, repos *supertenant.Repos, tenant *model.Tenant, from, to model.SetupStatus) error {
	err := repos.DB.Transaction(func(tx *gorm.DB) error {
		r := p.gateway.ReposFor(tx)
		moved, err := r.Routers.Transition(ctx, tenant.ID, []model.SetupStatus{from}, to, "")
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("expected status %s", from)
		}
		return r.Outbox.Append(ctx, StatusEvent(tenant, to, ""))
	})
	if err != nil {
		return err
	}
	p.announce(ctx, tenant, to, "")
	return nil
}

// fail records the failure and returns it as a StepError. The database is
// never dropped here.
func (p *Provisioner) fail(ctx context.Context, repos *supertenant.Repos, tenant *model.Tenant, step string, cause error) error {
	stepErr := &StepError{Step: step, Err: cause}
	reason := stepErr.Error()
	// Recording must survive a cancelled run.
	ctx = context.WithoutCancel(ctx)

	err := repos.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := p.gateway.ReposFor(tx)
		if err := r.Routers.Mark(ctx, tenant.ID, model.SetupFailed, reason); err != nil {
			return err
		}
		return r.Outbox.Append(ctx, StatusEvent(tenant, model.SetupFailed, reason))
	})
	logger := logging.FromContext(ctx, p.logger)
	if err != nil {
		logger.Error("record provisioning failure",
			zap.Uint64("tenant_id", tenant.ID),
			zap.String("step", step),
			zap.Error(err),
		)
	}
	logger.Warn("provisioning failed",
		zap.Uint64("tenant_id", tenant.ID),
		zap.String("tenant", tenant.TenancyName),
		zap.String("step", step),
		zap.Error(cause),
	)
	p.announce(ctx, tenant, model.SetupFailed, reason)
	return stepErr
}

func (p *Provisioner) announce(ctx context.Context, tenant *model.Tenant, status model.SetupStatus, reason string) {
	metrics.ProvisioningTransitions.WithLabelValues(string(status)).Inc()
	err := p.bus.PublishTenantChange(ctx, model.EventTenantStatus, eventbus.TenantChange{
		TenantID:    tenant.ID,
		TenancyName: tenant.TenancyName,
		Status:      string(status),
		Reason:      reason,
	})
	if err != nil {
		p.logger.Warn("publish tenant change", zap.Uint64("tenant_id", tenant.ID), zap.Error(err))
	}
}

// StatusEvent builds the outbox row announcing a setup status change.
func StatusEvent(tenant *model.Tenant, status model.SetupStatus, reason string) *model.TenantEvent {
	payload := model.JSONB{
		"tenant_uuid":  tenant.UUID.String(),
		"tenancy_name": tenant.TenancyName,
		"status":       string(status),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return &model.TenantEvent{
		TenantID:  tenant.ID,
		EventType: model.EventTenantStatus,
		Payload:   payload,
	}
}
