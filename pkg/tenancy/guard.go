package tenancy

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

const guardName = "tenancy:guard"

// RegisterGuard installs callbacks on db that refuse to issue a statement
// whose context is bound to a database other than dbName. Handles to the
// super-tenant database accept any binding.
func RegisterGuard(db *gorm.DB, dbName string, super bool) error {
	check := guard(dbName, super)
	cb := db.Callback()
	registrations := []error{
		cb.Create().Before("gorm:create").Register(guardName, check),
		cb.Query().Before("gorm:query").Register(guardName, check),
		cb.Update().Before("gorm:update").Register(guardName, check),
		cb.Delete().Before("gorm:delete").Register(guardName, check),
		cb.Row().Before("gorm:row").Register(guardName, check),
		cb.Raw().Before("gorm:raw").Register(guardName, check),
	}
	for _, err := range registrations {
		if err != nil {
			return fmt.Errorf("register tenancy guard on %s: %w", dbName, err)
		}
	}
	return nil
}

func guard(dbName string, super bool) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		if super || tx.Error != nil {
			return
		}
		if err := Authorize(tx.Statement.Context, dbName); err != nil {
			_ = tx.AddError(err)
		}
	}
}

// Authorize checks that the unit of work in ctx is bound to dbName.
func Authorize(ctx context.Context, dbName string) error {
	if ctx == nil {
		return ErrNoBinding
	}
	b, err := Current(ctx)
	if err != nil {
		return fmt.Errorf("statement against %s: %w", dbName, err)
	}
	if b.DBName != dbName {
		return fmt.Errorf("bound to %s, statement targets %s: %w", b, dbName, ErrCrossTenantViolation)
	}
	return nil
}
