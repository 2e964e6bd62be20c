package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/coursegrid/coursegrid/pkg/auth"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

const (
	bindingKey   = "tenancy.binding"
	claimsKey    = "auth.claims"
	requestIDKey = "request_id"
)

// BindingFrom returns the binding TenantRouter installed for the request.
func BindingFrom(c *gin.Context) (tenancy.Binding, bool) {
	v, ok := c.Get(bindingKey)
	if !ok {
		return tenancy.Binding{}, false
	}
	b, ok := v.(tenancy.Binding)
	return b, ok
}

func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// Actor names the caller for audit columns.
func Actor(c *gin.Context) string {
	if claims, ok := ClaimsFrom(c); ok {
		return claims.Subject
	}
	return "anonymous"
}
