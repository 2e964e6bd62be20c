// Package migrations owns the schema of tenant databases. Every version is
// recorded in the tenant database itself, so a run that stopped part way
// resumes at the first version it did not finish.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/model"
)

type step struct {
	version int64
	models  []interface{}
}

// Later versions depend on earlier ones only by convention; no foreign keys
// are declared.
var steps = []step{
	{1, []interface{}{&model.Role{}, &model.PolicyCategory{}, &model.Policy{}, &model.RolePermission{}}},
	{2, []interface{}{&model.User{}}},
	{3, []interface{}{&model.Course{}, &model.Enrolment{}}},
	{4, []interface{}{&model.Report{}}},
	{5, []interface{}{&model.LeaderboardEntry{}}},
}

// Latest is the newest schema version.
func Latest() int64 {
	return steps[len(steps)-1].version
}

type Migrator struct{}

func New() *Migrator {
	return &Migrator{}
}

// provider builds a goose provider whose Go migrations run through db, so
// the statements carry the binding of the ctx handed to goose.
func (m *Migrator) provider(db *gorm.DB) (*goose.Provider, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	dialect, err := dialectOf(db)
	if err != nil {
		return nil, err
	}
	migrations := make([]*goose.Migration, 0, len(steps))
	for _, s := range steps {
		s := s
		up := &goose.GoFunc{
			Mode: goose.TransactionDisabled,
			RunDB: func(ctx context.Context, _ *sql.DB) error {
				return db.WithContext(ctx).AutoMigrate(s.models...)
			},
		}
		down := &goose.GoFunc{
			Mode: goose.TransactionDisabled,
			RunDB: func(ctx context.Context, _ *sql.DB) error {
				return db.WithContext(ctx).Migrator().DropTable(reversed(s.models)...)
			},
		}
		migrations = append(migrations, goose.NewGoMigration(s.version, up, down))
	}
	return goose.NewProvider(dialect, sqlDB, nil,
		goose.WithGoMigrations(migrations...),
		goose.WithDisableGlobalRegistry(true),
	)
}

func dialectOf(db *gorm.DB) (goose.Dialect, error) {
	switch name := db.Dialector.Name(); name {
	case "postgres":
		return goose.DialectPostgres, nil
	case "sqlite":
		return goose.DialectSQLite3, nil
	default:
		return "", fmt.Errorf("no migration dialect for %q", name)
	}
}

func reversed(models []interface{}) []interface{} {
	out := make([]interface{}, len(models))
	for i, m := range models {
		out[len(models)-1-i] = m
	}
	return out
}

// Up applies every pending version.
func (m *Migrator) Up(ctx context.Context, db *gorm.DB) error {
	p, err := m.provider(db)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// UpTo applies pending versions up to and including version.
func (m *Migrator) UpTo(ctx context.Context, db *gorm.DB, version int64) error {
	p, err := m.provider(db)
	if err != nil {
		return err
	}
	if _, err := p.UpTo(ctx, version); err != nil {
		return fmt.Errorf("migrate up to %d: %w", version, err)
	}
	return nil
}

// Down rolls back the newest applied version. It is a no-op on an empty schema.
func (m *Migrator) Down(ctx context.Context, db *gorm.DB) error {
	p, err := m.provider(db)
	if err != nil {
		return err
	}
	if _, err := p.Down(ctx); err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// DownTo rolls back every version newer than version.
func (m *Migrator) DownTo(ctx context.Context, db *gorm.DB, version int64) error {
	p, err := m.provider(db)
	if err != nil {
		return err
	}
	if _, err := p.DownTo(ctx, version); err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return fmt.Errorf("migrate down to %d: %w", version, err)
	}
	return nil
}

func (m *Migrator) Version(ctx context.Context, db *gorm.DB) (int64, error) {
	p, err := m.provider(db)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}
