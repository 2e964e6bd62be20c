package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// DatabaseAdmin issues CREATE/DROP DATABASE through the super-tenant
// connection. The statements cannot run inside a transaction.
type DatabaseAdmin struct {
	db    *gorm.DB
	owner string
}

func NewDatabaseAdmin(db *gorm.DB, owner string) *DatabaseAdmin {
	return &DatabaseAdmin{db: db, owner: owner}
}

func (a *DatabaseAdmin) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := a.db.WithContext(ctx).
		Raw("SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = ?)", name).
		Scan(&exists).Error
	return exists, err
}

func (a *DatabaseAdmin) CreateDatabase(ctx context.Context, name string) error {
	stmt := "CREATE DATABASE " + pq.QuoteIdentifier(name)
	if a.owner != "" {
		stmt += " OWNER " + pq.QuoteIdentifier(a.owner)
	}
	if err := a.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

func (a *DatabaseAdmin) DropDatabase(ctx context.Context, name string) error {
	if err := a.db.WithContext(ctx).Exec("DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(name)).Error; err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	return nil
}
