// Package admin runs operator commands across the tenants of the router
// directory. Every tenant is handled in its own unit of work with a freshly
// opened connection, so one tenant failing never aborts the batch.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/eventbus"
	"github.com/coursegrid/coursegrid/pkg/metrics"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/pool"
	"github.com/coursegrid/coursegrid/pkg/provisioning"
	storeredis "github.com/coursegrid/coursegrid/pkg/store/redis"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

const (
	CommandCreateDB       = "create-db-for-tenant"
	CommandAddConnection  = "add-tenant-connection"
	CommandMigrateAll     = "migrate-all-tenants"
	CommandBackMigrateAll = "back-migrate-all-tenants"
	CommandPolicies       = "populate-policies"
	CommandUserRoles      = "populate-user-roles"
	CommandDeleteTenants  = "delete-tenants"
)

var ErrUnknownTenant = errors.New("unknown tenant")

// Migrator moves a tenant schema forward or back.
type Migrator interface {
	Up(ctx context.Context, db *gorm.DB) error
	DownTo(ctx context.Context, db *gorm.DB, version int64) error
}

type Seeder interface {
	Roles(ctx context.Context, db *gorm.DB) error
	Policies(ctx context.Context, db *gorm.DB) error
	Seed(ctx context.Context, db *gorm.DB) error
}

type Deps struct {
	Gateway     *supertenant.Gateway
	Admin       provisioning.DatabaseAdmin
	Migrator    Migrator
	Seeder      Seeder
	Service     *provisioning.Service
	Locker      provisioning.Locker
	Bus         *eventbus.Bus
	Parallelism int
	Logger      *zap.Logger
}

type Commands struct {
	gateway     *supertenant.Gateway
	registry    *pool.Registry
	admin       provisioning.DatabaseAdmin
	migrator    Migrator
	seeder      Seeder
	service     *provisioning.Service
	locker      provisioning.Locker
	bus         *eventbus.Bus
	parallelism int
	logger      *zap.Logger
}

func New(d Deps) *Commands {
	if d.Parallelism <= 0 {
		d.Parallelism = 1
	}
	if d.Locker == nil {
		d.Locker = provisioning.NewLocalLocker()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Commands{
		gateway:     d.Gateway,
		registry:    d.Gateway.Registry(),
		admin:       d.Admin,
		migrator:    d.Migrator,
		seeder:      d.Seeder,
		service:     d.Service,
		locker:      d.Locker,
		bus:         d.Bus,
		parallelism: d.Parallelism,
		logger:      d.Logger,
	}
}

// Outcome is the result of a command on one tenant.
type Outcome struct {
	TenantID    uint64        `json:"tenant_id"`
	TenancyName string        `json:"tenancy_name"`
	DBName      string        `json:"db_name"`
	Skipped     string        `json:"skipped,omitempty"`
	Err         error         `json:"-"`
	Took        time.Duration `json:"took"`
}

func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Report collects the outcomes of one command run, in directory order.
type Report struct {
	Command  string
	Outcomes []Outcome
}

func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err aggregates every per-tenant failure, or returns nil.
func (r *Report) Err() error {
	var result error
	for _, o := range r.Failed() {
		result = multierror.Append(result, fmt.Errorf("%s: %w", o.DBName, o.Err))
	}
	return result
}

// target is one directory row with its tenant, as seen when the batch began.
type target struct {
	row    model.DatabaseRouter
	tenant *model.Tenant
	params pool.Params
}

type skip string

func (s skip) Error() string { return string(s) }

// Selection names the tenants a command applies to, by tenancy name,
// database name or id. Empty selects every tenant.
type Selection []string

func (s Selection) matches(t target) bool {
	if len(s) == 0 {
		return true
	}
	id := strconv.FormatUint(t.row.TenantID, 10)
	for _, key := range s {
		if key == t.tenant.TenancyName || key == t.row.DatabaseName || key == id {
			return true
		}
	}
	return false
}

func (c *Commands) targets(ctx context.Context, sel Selection, includeDeleted bool) ([]target, error) {
	var out []target
	err := c.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		repos := c.gateway.ReposFor(db)
		rows, err := repos.Routers.ListAll(ctx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			tenant, err := repos.Tenants.GetAny(ctx, row.TenantID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if tenant.Deleted() && !includeDeleted {
				continue
			}
			params, err := repos.Routers.Params(&row)
			if err != nil {
				return err
			}
			t := target{row: row, tenant: tenant, params: params}
			if sel.matches(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := sel.covers(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s Selection) covers(targets []target) error {
	for _, key := range s {
		found := false
		for _, t := range targets {
			if (Selection{key}).matches(t) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%q: %w", key, ErrUnknownTenant)
		}
	}
	return nil
}

// each runs fn for every target with bounded parallelism and records the
// outcomes. The returned error aggregates per-tenant failures.
func (c *Commands) each(ctx context.Context, command string, targets []target, fn func(ctx context.Context, t target) error) (*Report, error) {
	report := &Report{Command: command, Outcomes: make([]Outcome, len(targets))}
	logger := c.logger.With(zap.String("command", command))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, t := range targets {
		g.Go(func() error {
			start := time.Now()
			// Each tenant is its own unit of work.
			err := fn(tenancy.Begin(gctx), t)
			o := Outcome{
				TenantID:    t.row.TenantID,
				TenancyName: t.tenant.TenancyName,
				DBName:      t.row.DatabaseName,
				Took:        time.Since(start),
			}
			var s skip
			switch {
			case errors.As(err, &s):
				o.Skipped = string(s)
				metrics.BatchResults.WithLabelValues(command, "skipped").Inc()
				logger.Info("tenant skipped", zap.String("db", o.DBName), zap.String("reason", o.Skipped))
			case err != nil:
				o.Err = err
				metrics.BatchResults.WithLabelValues(command, "failed").Inc()
				logger.Error("tenant failed", zap.String("db", o.DBName), zap.Error(err))
			default:
				metrics.BatchResults.WithLabelValues(command, "ok").Inc()
				logger.Info("tenant done", zap.String("db", o.DBName), zap.Duration("took", o.Took))
			}
			report.Outcomes[i] = o
			// A context error is a bug in the command and stops the batch.
			if tenancy.IsContextError(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, report.Err()
}

// inTenant reopens the tenant's connection and runs fn under its binding.
func (c *Commands) inTenant(ctx context.Context, t target, fn func(ctx context.Context, db *gorm.DB) error) error {
	b, err := c.gateway.BindingForDB(ctx, t.row.DatabaseName)
	if err != nil {
		return err
	}
	return tenancy.With(ctx, b, func(ctx context.Context) error {
		c.registry.Retire(t.params.Name)
		if _, err := c.registry.Ensure(ctx, t.params); err != nil {
			return err
		}
		h, err := c.registry.Activate(ctx, t.params.Name)
		if err != nil {
			return err
		}
		defer h.Release()
		return fn(ctx, h.DB())
	})
}

// locked holds the provisioning lock of t while fn runs. A tenant being
// provisioned is skipped.
func (c *Commands) locked(ctx context.Context, t target, fn func() error) error {
	release, err := c.locker.Acquire(ctx, provisioning.LockName(t.row.TenantID))
	if errors.Is(err, storeredis.ErrLockHeld) {
		return skip("provisioning in progress")
	}
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func requireCompleted(t target) error {
	if t.row.SetupStatus != model.SetupCompleted {
		return skip("setup status " + string(t.row.SetupStatus))
	}
	return nil
}

// mark records status on the router row together with its outbox event.
func (c *Commands) mark(ctx context.Context, t target, status model.SetupStatus, reason string) error {
	err := c.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			r := c.gateway.ReposFor(tx)
			if err := r.Routers.Mark(ctx, t.row.TenantID, status, reason); err != nil {
				return err
			}
			return r.Outbox.Append(ctx, provisioning.StatusEvent(t.tenant, status, reason))
		})
	})
	if err != nil {
		return err
	}
	metrics.ProvisioningTransitions.WithLabelValues(string(status)).Inc()
	c.gateway.Invalidate()
	if err := c.bus.PublishTenantChange(ctx, model.EventTenantStatus, eventbus.TenantChange{
		TenantID:    t.row.TenantID,
		TenancyName: t.tenant.TenancyName,
		Status:      string(status),
		Reason:      reason,
	}); err != nil {
		c.logger.Warn("publish tenant change", zap.Uint64("tenant_id", t.row.TenantID), zap.Error(err))
	}
	return nil
}

// CreateDatabases creates the database of every selected tenant that does
// not have one yet.
func (c *Commands) CreateDatabases(ctx context.Context, sel Selection) (*Report, error) {
	targets, err := c.targets(ctx, sel, false)
	if err != nil {
		return nil, err
	}
	return c.each(ctx, CommandCreateDB, targets, func(ctx context.Context, t target) error {
		exists, err := c.admin.DatabaseExists(ctx, t.row.DatabaseName)
		if err != nil {
			return err
		}
		if exists {
			return skip("database exists")
		}
		return c.admin.CreateDatabase(ctx, t.row.DatabaseName)
	})
}

// Connection overrides the stored connection of a tenant. Zero fields keep
// the stored value.
type Connection struct {
	Host     string
	Port     int
	User     string
	Password string
	SSLMode  string
}

func (o Connection) apply(p pool.Params) pool.Params {
	if o.Host != "" {
		p.Host = o.Host
	}
	if o.Port != 0 {
		p.Port = o.Port
	}
	if o.User != "" {
		p.User = o.User
	}
	if o.Password != "" {
		p.Password = o.Password
	}
	if o.SSLMode != "" {
		p.SSLMode = o.SSLMode
	}
	return p
}

// AddConnections registers the connection of every selected tenant with
// the pool registry and checks it answers. With a non-nil override the
// stored parameters are rewritten first.
func (c *Commands) AddConnections(ctx context.Context, sel Selection, override *Connection) (*Report, error) {
	targets, err := c.targets(ctx, sel, false)
	if err != nil {
		return nil, err
	}
	return c.each(ctx, CommandAddConnection, targets, func(ctx context.Context, t target) error {
		if override != nil {
			t.params = override.apply(t.params)
			err := c.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
				return c.gateway.ReposFor(db).Routers.UpdateConnection(ctx, t.row.TenantID, t.params)
			})
			if err != nil {
				return err
			}
			c.gateway.Invalidate()
		}
		return c.inTenant(ctx, t, func(ctx context.Context, _ *gorm.DB) error {
			if health := c.registry.HealthCheck(ctx, t.params.Name); health != pool.HealthOK {
				return fmt.Errorf("connection to %s is %s: %w", t.params.Name, health, tenancy.ErrConnectionUnavailable)
			}
			return nil
		})
	})
}

// MigrateAll brings every selected tenant schema to the latest version.
// A tenant that fails is marked failed with the reason; a previously failed
// tenant that migrates cleanly is reseeded and marked completed.
func (c *Commands) MigrateAll(ctx context.Context, sel Selection) (*Report, error) {
	targets, err := c.targets(ctx, sel, false)
	if err != nil {
		return nil, err
	}
	return c.each(ctx, CommandMigrateAll, targets, func(ctx context.Context, t target) error {
		if t.row.SetupStatus.Running() {
			return skip("provisioning pending")
		}
		return c.locked(ctx, t, func() error {
			exists, err := c.admin.DatabaseExists(ctx, t.row.DatabaseName)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("database %s does not exist", t.row.DatabaseName)
			}
			err = c.inTenant(ctx, t, func(ctx context.Context, db *gorm.DB) error {
				if err := c.migrator.Up(ctx, db); err != nil {
					return err
				}
				if t.row.SetupStatus != model.SetupCompleted {
					return c.seeder.Seed(ctx, db)
				}
				return nil
			})
			if err != nil {
				if tenancy.IsContextError(err) {
					return err
				}
				reason := fmt.Sprintf("%s: %v", CommandMigrateAll, err)
				if markErr := c.mark(context.WithoutCancel(ctx), t, model.SetupFailed, reason); markErr != nil {
					return multierror.Append(err, markErr)
				}
				return err
			}
			if t.row.SetupStatus != model.SetupCompleted {
				return c.mark(ctx, t, model.SetupCompleted, "")
			}
			return nil
		})
	})
}

// BackMigrateAll rolls every selected completed tenant back to version.
func (c *Commands) BackMigrateAll(ctx context.Context, sel Selection, version int64) (*Report, error) {
	if version < 0 {
		return nil, fmt.Errorf("target version %d is negative", version)
	}
	targets, err := c.targets(ctx, sel, false)
	if err != nil {
		return nil, err
	}
	return c.each(ctx, CommandBackMigrateAll, targets, func(ctx context.Context, t target) error {
		if err := requireCompleted(t); err != nil {
			return err
		}
		return c.locked(ctx, t, func() error {
			return c.inTenant(ctx, t, func(ctx context.Context, db *gorm.DB) error {
				return c.migrator.DownTo(ctx, db, version)
			})
		})
	})
}

// PopulatePolicies upserts the policy catalogue and its grants.
func (c *Commands) PopulatePolicies(ctx context.Context, sel Selection) (*Report, error) {
	return c.seed(ctx, CommandPolicies, sel, c.seeder.Policies)
}

// PopulateUserRoles upserts the default roles.
func (c *Commands) PopulateUserRoles(ctx context.Context, sel Selection) (*Report, error) {
	return c.seed(ctx, CommandUserRoles, sel, c.seeder.Roles)
}

func (c *Commands) seed(ctx context.Context, command string, sel Selection, fn func(ctx context.Context, db *gorm.DB) error) (*Report, error) {
	targets, err := c.targets(ctx, sel, false)
	if err != nil {
		return nil, err
	}
	return c.each(ctx, command, targets, func(ctx context.Context, t target) error {
		if err := requireCompleted(t); err != nil {
			return err
		}
		return c.inTenant(ctx, t, fn)
	})
}

// DeleteTenants hard-deletes the selected tenants. Without a selection it
// purges the tenants that were soft-deleted. Databases are dropped only
// when drop is set.
func (c *Commands) DeleteTenants(ctx context.Context, sel Selection, drop bool) (*Report, error) {
	targets, err := c.targets(ctx, sel, true)
	if err != nil {
		return nil, err
	}
	if len(sel) == 0 {
		kept := targets[:0]
		for _, t := range targets {
			if t.tenant.Deleted() {
				kept = append(kept, t)
			}
		}
		targets = kept
	}
	return c.each(ctx, CommandDeleteTenants, targets, func(ctx context.Context, t target) error {
		return c.locked(ctx, t, func() error {
			return c.service.HardDelete(ctx, t.row.TenantID, drop)
		})
	})
}
