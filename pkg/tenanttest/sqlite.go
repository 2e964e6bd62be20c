// Package tenanttest backs every logical database with its own sqlite file
// so tests exercise real isolation between tenants.
package tenanttest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/coursegrid/coursegrid/pkg/pool"
)

func path(dir, name string) string {
	return filepath.Join(dir, name+".db")
}

// SQLiteDialer opens dir/<name>.db for every database name.
func SQLiteDialer(dir string) pool.Dialer {
	return func(p pool.Params) gorm.Dialector {
		return sqlite.Open(path(dir, p.Name) + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL")
	}
}

// BrokenDialer points every database at a directory that does not exist.
func BrokenDialer(dir string) pool.Dialer {
	return func(p pool.Params) gorm.Dialector {
		return sqlite.Open(filepath.Join(dir, "missing", p.Name+".db"))
	}
}

// Admin creates and drops sqlite files in place of CREATE/DROP DATABASE.
type Admin struct {
	Dir string

	mu      sync.Mutex
	failOn  map[string]error
	creates map[string]int
}

func NewAdmin(dir string) *Admin {
	return &Admin{Dir: dir, failOn: make(map[string]error), creates: make(map[string]int)}
}

// FailCreate makes the next CreateDatabase for name return err.
func (a *Admin) FailCreate(name string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failOn[name] = err
}

// Creates returns how many times name was physically created.
func (a *Admin) Creates(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates[name]
}

func (a *Admin) DatabaseExists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(path(a.Dir, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (a *Admin) CreateDatabase(ctx context.Context, name string) error {
	a.mu.Lock()
	if err, ok := a.failOn[name]; ok {
		delete(a.failOn, name)
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	exists, err := a.DatabaseExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("database %q already exists", name)
	}
	f, err := os.OpenFile(path(a.Dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.creates[name]++
	a.mu.Unlock()
	return f.Close()
}

func (a *Admin) DropDatabase(_ context.Context, name string) error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(path(a.Dir, name) + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
