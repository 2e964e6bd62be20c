// Package apierror renders the error envelope shared by every endpoint:
//
//	{"error": {"code": "...", "action": "...", "message": "..."}}
package apierror

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/auth"
	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/metrics"
	"github.com/coursegrid/coursegrid/pkg/provisioning"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

// Actions tell the client what to do next.
const (
	ActionNone           = "none"
	ActionFixRequest     = "fix_request"
	ActionAuthenticate   = "authenticate"
	ActionRetryLater     = "retry_later"
	ActionRetrySetup     = "retry_provisioning"
	ActionContactSupport = "contact_support"
)

type Body struct {
	Code    string `json:"code"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

type Envelope struct {
	Error Body `json:"error"`
}

type kind struct {
	target  error
	status  int
	code    string
	action  string
	context bool
}

// Context errors come first: a wrapped chain that also carries a domain
// error is still a bug in the binding discipline.
var kinds = []kind{
	{tenancy.ErrNoBinding, http.StatusInternalServerError, "no_binding", ActionContactSupport, true},
	{tenancy.ErrContextUnderflow, http.StatusInternalServerError, "context_underflow", ActionContactSupport, true},
	{tenancy.ErrBindingLeaked, http.StatusInternalServerError, "binding_leaked", ActionContactSupport, true},
	{tenancy.ErrNoUnitOfWork, http.StatusInternalServerError, "no_unit_of_work", ActionContactSupport, true},
	{tenancy.ErrCrossTenantViolation, http.StatusForbidden, "cross_tenant_violation", ActionNone, true},
	{tenancy.ErrTenantNotResolved, http.StatusBadRequest, "tenant_not_resolved", ActionFixRequest, false},
	{tenancy.ErrTenantNotProvisioned, http.StatusServiceUnavailable, "tenant_not_provisioned", ActionRetryLater, false},
	{tenancy.ErrConnectionUnavailable, http.StatusServiceUnavailable, "connection_unavailable", ActionRetryLater, false},
	{tenancy.ErrProvisioningStepFailed, http.StatusServiceUnavailable, "provisioning_failed", ActionRetrySetup, false},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "invalid_token", ActionAuthenticate, false},
	{supertenant.ErrNotSuperAdmin, http.StatusForbidden, "not_super_admin", ActionNone, false},
	{provisioning.ErrNotFound, http.StatusNotFound, "not_found", ActionNone, false},
	{gorm.ErrRecordNotFound, http.StatusNotFound, "not_found", ActionNone, false},
	{provisioning.ErrInvalidTenancyName, http.StatusBadRequest, "invalid_tenancy_name", ActionFixRequest, false},
	{provisioning.ErrTenancyNameTaken, http.StatusConflict, "tenancy_name_taken", ActionFixRequest, false},
	{provisioning.ErrRenameLocked, http.StatusConflict, "rename_locked", ActionNone, false},
	{provisioning.ErrInProgress, http.StatusConflict, "provisioning_in_progress", ActionRetryLater, false},
	{provisioning.ErrAlreadyCompleted, http.StatusConflict, "already_completed", ActionNone, false},
	{provisioning.ErrNotRegistered, http.StatusConflict, "not_registered", ActionContactSupport, false},
}

// Status returns the HTTP status err is reported with.
func Status(err error) int {
	if k, ok := classify(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

func classify(err error) (kind, bool) {
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k, true
		}
	}
	return kind{}, false
}

// Abort maps err onto the envelope and stops the handler chain. Internal
// details stay in the log.
func Abort(c *gin.Context, err error) {
	logger := logging.FromContext(c.Request.Context(), nil)
	k, ok := classify(err)
	if !ok {
		logger.Error("request failed", zap.Error(err))
		Write(c, http.StatusInternalServerError, "internal_error", ActionRetryLater, "internal error")
		return
	}
	if k.context {
		metrics.ContextErrors.WithLabelValues(tenancy.ErrorKind(err)).Inc()
		logger.Error("tenant context error", zap.Error(err))
	} else if k.status >= http.StatusInternalServerError {
		logger.Warn("request failed", zap.Error(err))
	}
	message := err.Error()
	if k.status == http.StatusInternalServerError {
		message = k.target.Error()
	}
	Write(c, k.status, k.code, k.action, message)
}

// Write aborts with an explicit envelope.
func Write(c *gin.Context, status int, code, action, message string) {
	c.AbortWithStatusJSON(status, Envelope{Error: Body{Code: code, Action: action, Message: message}})
}

// BadRequest reports a malformed request.
func BadRequest(c *gin.Context, message string) {
	Write(c, http.StatusBadRequest, "invalid_request", ActionFixRequest, message)
}
