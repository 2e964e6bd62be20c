package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/apiserver/apierror"
	"github.com/coursegrid/coursegrid/pkg/apiserver/middleware"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

// ConfigurationHandler exposes the bound tenant's feature flags, which live
// in the super-tenant database.
type ConfigurationHandler struct {
	gateway *supertenant.Gateway
	logger  *zap.Logger
}

func NewConfigurationHandler(gateway *supertenant.Gateway, logger *zap.Logger) *ConfigurationHandler {
	return &ConfigurationHandler{gateway: gateway, logger: logger}
}

type configurationUpdateRequest struct {
	Flags model.Flags `json:"flags" binding:"required"`
}

func (h *ConfigurationHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	b, err := tenancy.Current(ctx)
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	var cfg *model.TenantConfiguration
	err = h.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		cfg, err = h.gateway.ReposFor(db).Configurations.Get(ctx, b.TenantID)
		return err
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *ConfigurationHandler) Update(c *gin.Context) {
	var req configurationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	b, err := tenancy.Current(ctx)
	if err != nil {
		apierror.Abort(c, err)
		return
	}

	actor := middleware.Actor(c)
	var cfg *model.TenantConfiguration
	err = h.gateway.Do(ctx, func(ctx context.Context, db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			repos := h.gateway.ReposFor(tx)
			var err error
			cfg, err = repos.Configurations.Update(ctx, b.TenantID, req.Flags, actor)
			if err != nil {
				return err
			}
			return repos.Outbox.Append(ctx, &model.TenantEvent{
				TenantID:  b.TenantID,
				EventType: model.EventTenantConfigChange,
				Payload:   model.JSONB{"flags": cfg.Flags, "actor": actor},
			})
		})
	})
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	h.logger.Info("tenant configuration updated",
		zap.Uint64("tenant_id", b.TenantID),
		zap.String("actor", actor),
	)
	c.JSON(http.StatusOK, cfg)
}
