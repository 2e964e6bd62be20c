package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/apiserver/apierror"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/provisioning"
)

// TenantHandler serves the super-tenant onboarding surface.
type TenantHandler struct {
	service *provisioning.Service
	logger  *zap.Logger
}

func NewTenantHandler(service *provisioning.Service, logger *zap.Logger) *TenantHandler {
	return &TenantHandler{service: service, logger: logger}
}

type onboardResponse struct {
	TenantID    uint64            `json:"tenant_id"`
	UUID        string            `json:"uuid"`
	TenancyName string            `json:"tenancy_name"`
	Status      model.SetupStatus `json:"status"`
}

type retryResponse struct {
	TenantID uint64            `json:"tenant_id"`
	Status   model.SetupStatus `json:"status"`
}

type renameRequest struct {
	TenancyName string `json:"tenancy_name" binding:"required"`
}

func (h *TenantHandler) Onboard(c *gin.Context) {
	var req provisioning.OnboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.Onboard(c.Request.Context(), req)
	if err != nil {
		apierror.Abort(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusAccepted
	}
	c.JSON(status, onboardResponse{
		TenantID:    result.Tenant.ID,
		UUID:        result.Tenant.UUID.String(),
		TenancyName: result.Tenant.TenancyName,
		Status:      result.Status,
	})
}

// find loads the tenant named by the :id path parameter, which may be a
// numeric id or a uuid.
func (h *TenantHandler) find(c *gin.Context) (*model.Tenant, bool) {
	tenant, err := h.service.Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierror.Abort(c, err)
		return nil, false
	}
	return tenant, true
}

func (h *TenantHandler) Get(c *gin.Context) {
	tenant, ok := h.find(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func (h *TenantHandler) Status(c *gin.Context) {
	tenant, ok := h.find(c)
	if !ok {
		return
	}
	view, err := h.service.Status(c.Request.Context(), tenant.ID)
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *TenantHandler) Retry(c *gin.Context) {
	tenant, ok := h.find(c)
	if !ok {
		return
	}
	status, err := h.service.Retry(c.Request.Context(), tenant.ID)
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	h.logger.Info("provisioning retried", zap.Uint64("tenant_id", tenant.ID))
	c.JSON(http.StatusAccepted, retryResponse{TenantID: tenant.ID, Status: status})
}

func (h *TenantHandler) Rename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, err.Error())
		return
	}
	tenant, ok := h.find(c)
	if !ok {
		return
	}
	if err := h.service.Rename(c.Request.Context(), tenant.ID, req.TenancyName); err != nil {
		apierror.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TenantHandler) Delete(c *gin.Context) {
	tenant, ok := h.find(c)
	if !ok {
		return
	}
	if err := h.service.SoftDelete(c.Request.Context(), tenant.ID); err != nil {
		apierror.Abort(c, err)
		return
	}
	h.logger.Info("tenant deactivated", zap.Uint64("tenant_id", tenant.ID))
	c.Status(http.StatusNoContent)
}
