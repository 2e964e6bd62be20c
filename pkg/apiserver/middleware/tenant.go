package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/apiserver/apierror"
	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/metrics"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

const DefaultAPIKeyHeader = "X-Tenant-Api-Key"

// TenantResolver maps request attributes to bindings. The super-tenant
// gateway implements it.
type TenantResolver interface {
	ResolveAPIKey(ctx context.Context, key string) (tenancy.Binding, error)
	ResolveHost(ctx context.Context, host string) (tenancy.Binding, error)
	Binding() tenancy.Binding
}

// Resolution sources, in precedence order.
const (
	SourceAPIKey = "api_key"
	SourceHost   = "host"
	SourceSuper  = "super"
	sourceNone   = "none"
)

// TenantRouter binds every request to exactly one database before the
// handler runs and unbinds it on every exit path. Precedence: tenant API
// key header, then Host, then the super-tenant path prefixes. A supplied
// key that matches no tenant is rejected outright.
func TenantRouter(resolver TenantResolver, cfg config.TenantsConfig) gin.HandlerFunc {
	header := cfg.APIKeyHeader
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	prefixes := cfg.SuperPathPrefixes

	return func(c *gin.Context) {
		original := c.Request
		ctx := original.Context()

		b, source, err := resolve(ctx, resolver, original, header, prefixes)
		if err != nil {
			outcome := "failed"
			if errors.Is(err, tenancy.ErrTenantNotResolved) {
				outcome = "unresolved"
			}
			metrics.TenantResolutions.WithLabelValues(source, outcome).Inc()
			apierror.Abort(c, err)
			return
		}
		metrics.TenantResolutions.WithLabelValues(source, "ok").Inc()

		logger := logging.FromContext(ctx, nil).With(
			zap.String("tenant", b.TenancyName),
			zap.String("db", b.DBName),
			zap.Uint64("tenant_id", b.TenantID),
		)
		ctx = logging.WithContext(tenancy.Begin(ctx), logger)
		c.Set(bindingKey, b)

		defer func() { c.Request = original }()
		err = tenancy.With(ctx, b, func(ctx context.Context) error {
			c.Request = original.WithContext(ctx)
			c.Next()
			return nil
		})
		if err != nil {
			metrics.ContextErrors.WithLabelValues(tenancy.ErrorKind(err)).Inc()
			logger.Error("request left its tenant context unbalanced", zap.Error(err))
			if !c.Writer.Written() {
				apierror.Abort(c, err)
			}
		}
	}
}

func resolve(ctx context.Context, resolver TenantResolver, r *http.Request, header string, prefixes []string) (tenancy.Binding, string, error) {
	if key := strings.TrimSpace(r.Header.Get(header)); key != "" {
		b, err := resolver.ResolveAPIKey(ctx, key)
		return b, SourceAPIKey, err
	}

	b, err := resolver.ResolveHost(ctx, r.Host)
	if err == nil {
		return b, SourceHost, nil
	}
	if !errors.Is(err, tenancy.ErrTenantNotResolved) {
		return tenancy.Binding{}, SourceHost, err
	}

	if superPath(r.URL.Path, prefixes) {
		return resolver.Binding(), SourceSuper, nil
	}
	return tenancy.Binding{}, sourceNone, tenancy.ErrTenantNotResolved
}

func superPath(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		prefix = strings.TrimSuffix(prefix, "/")
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
