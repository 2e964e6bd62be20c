package tenancy

import "errors"

var (
	// ErrTenantNotResolved means an inbound request could not be mapped to a tenant.
	ErrTenantNotResolved = errors.New("tenant not resolved")
	// ErrTenantNotProvisioned means the tenant database is not ready to serve.
	ErrTenantNotProvisioned = errors.New("tenant not provisioned")
	// ErrConnectionUnavailable means a tenant connection could not be opened.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrProvisioningStepFailed is recorded in the router directory with a reason.
	ErrProvisioningStepFailed = errors.New("provisioning step failed")
	// ErrNoBinding means the unit of work has no tenant binding installed.
	ErrNoBinding = errors.New("no tenant binding")
	// ErrContextUnderflow means a binding was popped that was never pushed.
	ErrContextUnderflow = errors.New("tenant context underflow")
	// ErrCrossTenantViolation means code tried to reach a database other than the bound one.
	ErrCrossTenantViolation = errors.New("cross-tenant violation")
	// ErrNoUnitOfWork means Push was called on a context without a unit of work.
	ErrNoUnitOfWork = errors.New("no unit of work")
	// ErrBindingLeaked means a unit of work ended with bindings still pushed.
	ErrBindingLeaked = errors.New("binding leaked past its scope")
)

// IsContextError reports whether err is a binding discipline bug.
func IsContextError(err error) bool {
	return errors.Is(err, ErrNoBinding) ||
		errors.Is(err, ErrContextUnderflow) ||
		errors.Is(err, ErrNoUnitOfWork) ||
		errors.Is(err, ErrBindingLeaked)
}

// ErrorKind labels a context error or cross-tenant violation for metrics.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrCrossTenantViolation):
		return "cross_tenant"
	case errors.Is(err, ErrBindingLeaked):
		return "binding_leaked"
	case errors.Is(err, ErrContextUnderflow):
		return "underflow"
	case errors.Is(err, ErrNoUnitOfWork):
		return "no_unit_of_work"
	default:
		return "no_binding"
	}
}
