package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/eventbus"
	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/pool"
	"github.com/coursegrid/coursegrid/pkg/queue"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
)

// JobProvision is the job kind that runs the Provisioner for one tenant.
const JobProvision = "tenant.provision"

var (
	ErrInvalidTenancyName = errors.New("invalid tenancy name")
	ErrTenancyNameTaken   = errors.New("tenancy name already in use")
	ErrInProgress         = errors.New("provisioning in progress")
	ErrRenameLocked       = errors.New("tenancy name is fixed once provisioned")
	ErrNotFound           = errors.New("tenant not found")
)

// Dispatcher enqueues jobs under the binding of ctx.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, args interface{}, opts ...queue.Option) (*queue.Envelope, error)
}

// ProvisionArgs are the arguments of a JobProvision envelope.
type ProvisionArgs struct {
	TenantID uint64 `json:"tenant_id"`
}

type OnboardRequest struct {
	UUID          *uuid.UUID  `json:"uuid,omitempty"`
	DisplayName   string      `json:"display_name" binding:"required"`
	TenancyName   string      `json:"tenancy_name" binding:"required"`
	Email         string      `json:"email,omitempty"`
	ExternalIdpID string      `json:"external_idp_id,omitempty"`
	APIKey        string      `json:"api_key,omitempty"`
	Hosts         []string    `json:"hosts,omitempty"`
	Flags         model.Flags `json:"configuration,omitempty"`
	SetupData     model.JSONB `json:"setup_data,omitempty"`
}

type OnboardResult struct {
	Tenant  *model.Tenant     `json:"tenant"`
	Status  model.SetupStatus `json:"status"`
	Created bool              `json:"created"`
}

// StatusView is the router directory's view of one tenant.
type StatusView struct {
	TenantID      uint64            `json:"tenant_id"`
	UUID          string            `json:"uuid"`
	DatabaseName  string            `json:"database_name"`
	Status        model.SetupStatus `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// Service is the onboarding surface over the tenant registry and the
// router directory.
type Service struct {
	gateway    *supertenant.Gateway
	admin      DatabaseAdmin
	dispatcher Dispatcher
	bus        *eventbus.Bus
	template   config.TenantsConfig
	logger     *zap.Logger
}

func NewService(gateway *supertenant.Gateway, admin DatabaseAdmin, dispatcher Dispatcher, bus *eventbus.Bus, template config.TenantsConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gateway:    gateway,
		admin:      admin,
		dispatcher: dispatcher,
		bus:        bus,
		template:   template,
		logger:     logger,
	}
}

// Onboard registers a tenant and enqueues its provisioning. A request
// repeating the uuid of an existing tenant returns that tenant unchanged.
func (s *Service) Onboard(ctx context.Context, req OnboardRequest) (*OnboardResult, error) {
	if !ValidTenancyName(req.TenancyName) {
		return nil, fmt.Errorf("%q: %w", req.TenancyName, ErrInvalidTenancyName)
	}

	var result *OnboardResult
	err := s.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		repos := s.gateway.ReposFor(db)

		if req.UUID != nil {
			existing, err := repos.Tenants.GetByUUID(ctx, *req.UUID)
			if err == nil {
				status, err := repos.Routers.Status(ctx, existing.ID)
				if err != nil {
					return err
				}
				result = &OnboardResult{Tenant: existing, Status: status}
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if _, err := repos.Tenants.GetByTenancyName(ctx, req.TenancyName); err == nil {
			return fmt.Errorf("%q: %w", req.TenancyName, ErrTenancyNameTaken)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		dbName, err := DeriveDatabaseName(req.TenancyName, func(name string) (bool, error) {
			if taken, err := repos.Routers.NameTaken(ctx, name); err != nil || taken {
				return taken, err
			}
			return s.admin.DatabaseExists(ctx, name)
		})
		if err != nil {
			return err
		}

		tenant := &model.Tenant{
			DisplayName: req.DisplayName,
			TenancyName: req.TenancyName,
			Email:       req.Email,
			IsActive:    true,
			SetupData:   req.SetupData,
		}
		if req.UUID != nil {
			tenant.UUID = *req.UUID
		}
		if req.ExternalIdpID != "" {
			idp := req.ExternalIdpID
			tenant.ExternalIdpID = &idp
		}
		if req.APIKey != "" {
			hash := postgres.HashAPIKey(req.APIKey)
			tenant.APIKeyHash = &hash
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			r := s.gateway.ReposFor(tx)
			if err := r.Tenants.Create(ctx, tenant, req.Flags, req.Hosts); err != nil {
				return err
			}
			if err := r.Routers.Register(ctx, tenant.ID, pool.TenantParams(s.template, dbName), model.SetupInitiated); err != nil {
				return err
			}
			return r.Outbox.Append(ctx, &model.TenantEvent{
				TenantID:  tenant.ID,
				EventType: model.EventTenantOnboarded,
				Payload: model.JSONB{
					"tenant_uuid":   tenant.UUID.String(),
					"tenancy_name":  tenant.TenancyName,
					"database_name": dbName,
				},
			})
		})
		if err != nil {
			return fmt.Errorf("register tenant %s: %w", req.TenancyName, err)
		}
		result = &OnboardResult{Tenant: tenant, Status: model.SetupInitiated, Created: true}

		logging.FromContext(ctx, s.logger).Info("tenant onboarded",
			zap.Uint64("tenant_id", tenant.ID),
			zap.String("tenant", tenant.TenancyName),
			zap.String("db", dbName),
		)
		return s.enqueue(ctx, repos, tenant)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// enqueue dispatches provisioning under the super binding of ctx. When the
// job cannot be enqueued the tenant is marked failed so Retry can pick it up.
func (s *Service) enqueue(ctx context.Context, repos *supertenant.Repos, tenant *model.Tenant) error {
	_, err := s.dispatcher.Dispatch(ctx, JobProvision, ProvisionArgs{TenantID: tenant.ID})
	if err == nil {
		s.announce(ctx, tenant, model.EventTenantStatus, model.SetupInitiated)
		return nil
	}
	reason := "enqueue provisioning: " + err.Error()
	if markErr := repos.Routers.Mark(ctx, tenant.ID, model.SetupFailed, reason); markErr != nil {
		s.logger.Error("mark tenant failed", zap.Uint64("tenant_id", tenant.ID), zap.Error(markErr))
	}
	return fmt.Errorf("enqueue provisioning for %s: %w", tenant.TenancyName, err)
}

func (s *Service) announce(ctx context.Context, tenant *model.Tenant, eventType string, status model.SetupStatus) {
	err := s.bus.PublishTenantChange(ctx, eventType, eventbus.TenantChange{
		TenantID:    tenant.ID,
		TenancyName: tenant.TenancyName,
		Status:      string(status),
	})
	if err != nil {
		s.logger.Warn("publish tenant change", zap.Uint64("tenant_id", tenant.ID), zap.Error(err))
	}
}

// Retry moves a failed tenant back to initiated and re-enqueues it.
func (s *Service) Retry(ctx context.Context, tenantID uint64) (model.SetupStatus, error) {
	var status model.SetupStatus
	err := s.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		repos := s.gateway.ReposFor(db)
		tenant, err := s.tenant(ctx, repos, tenantID)
		if err != nil {
			return err
		}

		var moved bool
		err = db.Transaction(func(tx *gorm.DB) error {
			r := s.gateway.ReposFor(tx)
			moved, err = r.Routers.Transition(ctx, tenantID,
				[]model.SetupStatus{model.SetupFailed}, model.SetupInitiated, "")
			if err != nil || !moved {
				return err
			}
			return r.Outbox.Append(ctx, StatusEvent(tenant, model.SetupInitiated, ""))
		})
		if err != nil {
			return err
		}
		if !moved {
			current, err := repos.Routers.Status(ctx, tenantID)
			if err != nil {
				return err
			}
			status = current
			switch {
			case current.Running():
				return fmt.Errorf("tenant %s is %s: %w", tenant.TenancyName, current, ErrInProgress)
			case current == model.SetupCompleted:
				return fmt.Errorf("tenant %s: %w", tenant.TenancyName, ErrAlreadyCompleted)
			default:
				return fmt.Errorf("tenant %s: %w", tenant.TenancyName, ErrNotRegistered)
			}
		}
		status = model.SetupInitiated
		return s.enqueue(ctx, repos, tenant)
	})
	return status, err
}

func (s *Service) tenant(ctx context.Context, repos *supertenant.Repos, id uint64) (*model.Tenant, error) {
	tenant, err := repos.Tenants.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	return tenant, err
}

// Find loads a tenant by numeric id or uuid.
func (s *Service) Find(ctx context.Context, key string) (*model.Tenant, error) {
	var tenant *model.Tenant
	err := s.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		repos := s.gateway.ReposFor(db)
		var err error
		if id, parseErr := uuid.Parse(key); parseErr == nil {
			tenant, err = repos.Tenants.GetByUUID(ctx, id)
		} else if n, parseErr := strconv.ParseUint(key, 10, 64); parseErr == nil {
			tenant, err = repos.Tenants.GetByID(ctx, n)
		} else {
			err = gorm.ErrRecordNotFound
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("tenant %s: %w", key, ErrNotFound)
		}
		return err
	})
	return tenant, err
}

func (s *Service) Get(ctx context.Context, tenantID uint64) (*model.Tenant, error) {
	var tenant *model.Tenant
	err := s.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		var err error
		tenant, err = s.tenant(ctx, s.gateway.ReposFor(db), tenantID)
		return err
	})
	return tenant, err
}

func (s *Service) Status(ctx context.Context, tenantID uint64) (*StatusView, error) {
	var view *StatusView
	err := s.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		repos := s.gateway.ReposFor(db)
		tenant, err := s.tenant(ctx, repos, tenantID)
		if err != nil {
			return err
		}
		view = &StatusView{TenantID: tenant.ID, UUID: tenant.UUID.String(), Status: model.SetupNone}
		row, err := repos.Routers.Get(ctx, tenantID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		view.DatabaseName = row.DatabaseName
		view.Status = row.SetupStatus
		view.FailureReason = row.FailureReason
		return nil
	})
	return view, err
}

// Rename changes the tenancy name until provisioning has completed.
func (s *Service) Rename(ctx context.Context, tenantID uint64, name string) error {
	if !ValidTenancyName(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidTenancyName)
	}
	return s.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		repos := s.gateway.ReposFor(db)
		tenant, err := s.tenant(ctx, repos, tenantID)
		if err != nil {
			return err
		}
		status, err := repos.Routers.Status(ctx, tenantID)
		if err != nil {
			return err
		}
		if status == model.SetupCompleted {
			return fmt.Errorf("tenant %s: %w", tenant.TenancyName, ErrRenameLocked)
		}
		if other, err := repos.Tenants.GetByTenancyName(ctx, name); err == nil && other.ID != tenantID {
			return fmt.Errorf("%q: %w", name, ErrTenancyNameTaken)
		}
		if err := repos.Tenants.UpdateTenancyName(ctx, tenantID, name); err != nil {
			return err
		}
		s.gateway.Invalidate()
		tenant.TenancyName = name
		s.announce(ctx, tenant, model.EventTenantConfigChange, status)
		return nil
	})
}

// SoftDelete deactivates the tenant. Its database and router entry stay.
func (s *Service) SoftDelete(ctx context.Context, tenantID uint64) error {
	return s.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		tenant, err := s.tenant(ctx, s.gateway.ReposFor(db), tenantID)
		if err != nil {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			r := s.gateway.ReposFor(tx)
			if err := r.Tenants.SoftDelete(ctx, tenantID, time.Now().UTC()); err != nil {
				return err
			}
			return r.Outbox.Append(ctx, deletedEvent(tenant, false))
		})
		if err != nil {
			return err
		}
		s.gateway.Invalidate()
		s.announce(ctx, tenant, model.EventTenantDeleted, "")
		return nil
	})
}

// HardDelete removes the tenant from the registry and tombstones its router
// entry so the database name is never handed out again. The database itself
// is dropped only when drop is set.
func (s *Service) HardDelete(ctx context.Context, tenantID uint64, drop bool) error {
	return s.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		repos := s.gateway.ReposFor(db)
		tenant, err := repos.Tenants.GetAny(ctx, tenantID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		row, err := repos.Routers.Get(ctx, tenantID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			r := s.gateway.ReposFor(tx)
			if row != nil {
				if err := r.Routers.Tombstone(ctx, tenantID, time.Now().UTC()); err != nil {
					return err
				}
			}
			if err := r.Tenants.HardDelete(ctx, tenantID); err != nil {
				return err
			}
			return r.Outbox.Append(ctx, deletedEvent(tenant, true))
		})
		if err != nil {
			return err
		}
		s.gateway.Invalidate()
		s.announce(ctx, tenant, model.EventTenantDeleted, "")

		if !drop || row == nil {
			return nil
		}
		registry := s.gateway.Registry()
		if registry.InUse(row.DatabaseName) > 0 {
			return fmt.Errorf("drop %s: database in use", row.DatabaseName)
		}
		registry.Retire(row.DatabaseName)
		if err := s.admin.DropDatabase(ctx, row.DatabaseName); err != nil {
			return fmt.Errorf("drop %s: %w", row.DatabaseName, err)
		}
		logging.FromContext(ctx, s.logger).Info("tenant database dropped",
			zap.Uint64("tenant_id", tenantID),
			zap.String("db", row.DatabaseName),
		)
		return nil
	})
}

func deletedEvent(tenant *model.Tenant, hard bool) *model.TenantEvent {
	return &model.TenantEvent{
		TenantID:  tenant.ID,
		EventType: model.EventTenantDeleted,
		Payload: model.JSONB{
			"tenant_uuid":  tenant.UUID.String(),
			"tenancy_name": tenant.TenancyName,
			"hard":         hard,
		},
	}
}
