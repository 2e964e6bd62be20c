package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/coursegrid/coursegrid/pkg/apiserver/apierror"
	"github.com/coursegrid/coursegrid/pkg/auth"
	"github.com/coursegrid/coursegrid/pkg/model"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

type SuperAdmins interface {
	AuthenticateSuperAdmin(ctx context.Context, subject string) (*model.SuperAdmin, error)
}

func bearer(c *gin.Context) (string, bool) {
	authorization := c.GetHeader("Authorization")
	if authorization == "" {
		return "", false
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true
	}
	return strings.TrimSpace(parts[1]), true
}

func unauthorized(c *gin.Context, message string) {
	apierror.Write(c, http.StatusUnauthorized, "unauthorized", apierror.ActionAuthenticate, message)
}

// Identity verifies a bearer token when one is sent. Tokens never pick the
// tenant; a token issued for another tenant is a cross-tenant violation.
func Identity(tokens *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, present := bearer(c)
		if !present {
			c.Next()
			return
		}
		if token == "" {
			unauthorized(c, "invalid authorization")
			return
		}
		claims, err := tokens.Verify(token)
		if err != nil {
			apierror.Abort(c, err)
			return
		}
		b, ok := BindingFrom(c)
		if !ok {
			apierror.Abort(c, tenancy.ErrNoBinding)
			return
		}
		if !claims.BelongsTo(b) {
			apierror.Abort(c, fmt.Errorf("token for tenant %d presented to %s: %w", claims.TenantID, b, tenancy.ErrCrossTenantViolation))
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireTenant refuses requests bound to the super tenant.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		b, ok := BindingFrom(c)
		if !ok {
			apierror.Abort(c, tenancy.ErrNoBinding)
			return
		}
		if b.Super {
			apierror.Abort(c, fmt.Errorf("tenant endpoint reached under %s: %w", b, tenancy.ErrTenantNotResolved))
			return
		}
		c.Next()
	}
}

// RequireRole admits authenticated callers holding one of roles. Super
// admins always pass.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			unauthorized(c, "missing authorization")
			return
		}
		if claims.Super {
			c.Next()
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				c.Next()
				return
			}
		}
		apierror.Write(c, http.StatusForbidden, "forbidden", apierror.ActionNone, "role "+claims.Role+" may not do this")
	}
}

// SuperAdmin guards the super-tenant surface: the request must be bound to
// the super tenant and carry a super token of an active super admin.
func SuperAdmin(tokens *auth.TokenManager, admins SuperAdmins) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, ok := BindingFrom(c)
		if !ok {
			apierror.Abort(c, tenancy.ErrNoBinding)
			return
		}
		if !b.Super {
			apierror.Abort(c, fmt.Errorf("super-tenant endpoint reached under %s: %w", b, tenancy.ErrCrossTenantViolation))
			return
		}

		token, present := bearer(c)
		if !present {
			unauthorized(c, "missing authorization")
			return
		}
		if token == "" {
			unauthorized(c, "invalid authorization")
			return
		}
		claims, err := tokens.Verify(token)
		if err != nil {
			apierror.Abort(c, err)
			return
		}
		if !claims.Super {
			apierror.Write(c, http.StatusForbidden, "not_super_admin", apierror.ActionNone, "super-admin token required")
			return
		}
		if _, err := admins.AuthenticateSuperAdmin(c.Request.Context(), claims.Subject); err != nil {
			apierror.Abort(c, err)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}
