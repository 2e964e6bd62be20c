// Package pool keeps one live connection pool per logical database, opened
// on first use and closed again once it has sat idle.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coursegrid/coursegrid/pkg/metrics"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

type Health string

const (
	HealthOK     Health = "ok"
	HealthBroken Health = "broken"
)

const pingTimeout = 5 * time.Second

type Options struct {
	Dialer Dialer
	// IdleTimeout is how long an unused pool survives. Zero disables reaping.
	IdleTimeout  time.Duration
	MaxAttempts  uint
	InitialRetry time.Duration
	GormLogger   logger.Interface
	Logger       *zap.Logger
}

type entry struct {
	name     string
	db       *gorm.DB
	super    bool
	pinned   bool
	inUse    int
	lastUsed time.Time
	retired  bool
}

type Registry struct {
	opts  Options
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(opts Options) *Registry {
	if opts.Dialer == nil {
		opts.Dialer = PostgresDialer
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 4
	}
	if opts.InitialRetry <= 0 {
		opts.InitialRetry = 200 * time.Millisecond
	}
	if opts.GormLogger == nil {
		opts.GormLogger = logger.Default.LogMode(logger.Warn)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{opts: opts, entries: make(map[string]*entry)}
}

// Ensure returns the live pool for p.Name, opening it when absent.
// Concurrent callers for the same name share one open.
func (r *Registry) Ensure(ctx context.Context, p Params) (*gorm.DB, error) {
	return r.ensure(ctx, p, false)
}

// EnsureSuper opens the super-tenant pool. It accepts statements under any
// binding and is never reaped.
func (r *Registry) EnsureSuper(ctx context.Context, p Params) (*gorm.DB, error) {
	db, err := r.ensure(ctx, p, true)
	if err != nil {
		return nil, err
	}
	r.Pin(p.Name)
	return db, nil
}

func (r *Registry) ensure(ctx context.Context, p Params, super bool) (*gorm.DB, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("ensure: empty database name: %w", tenancy.ErrConnectionUnavailable)
	}
	if db := r.touch(p.Name); db != nil {
		return db, nil
	}

	// The open is detached from ctx so one caller giving up does not fail
	// the others waiting on the same name.
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(p.Name, func() (interface{}, error) {
		if db := r.touch(p.Name); db != nil {
			return db, nil
		}
		db, err := r.open(detached, p, super)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[p.Name] = &entry{name: p.Name, db: db, super: super, lastUsed: time.Now()}
		metrics.PoolsOpen.Set(float64(len(r.entries)))
		r.mu.Unlock()
		return db, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ensure %s: %w: %w", p.Name, tenancy.ErrConnectionUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*gorm.DB), nil
	}
}

func (r *Registry) touch(name string) *gorm.DB {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	e.lastUsed = time.Now()
	return e.db
}

func (r *Registry) open(ctx context.Context, p Params, super bool) (*gorm.DB, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.opts.InitialRetry

	operation := func() (*gorm.DB, error) {
		db, err := gorm.Open(r.opts.Dialer(p), &gorm.Config{
			Logger:               r.opts.GormLogger,
			DisableAutomaticPing: true,
		})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return db, nil
	}

	db, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.opts.Logger.Warn("open database failed, retrying",
				zap.String("db", p.Name),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		metrics.PoolOpens.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("open %s: %w: %w", p.Name, tenancy.ErrConnectionUnavailable, err)
	}

	if err := tenancy.RegisterGuard(db, p.Name, super); err != nil {
		closeDB(db)
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if p.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(p.MaxIdleConns)
	}

	metrics.PoolOpens.WithLabelValues("ok").Inc()
	r.opts.Logger.Info("database pool opened", zap.String("db", p.Name), zap.Bool("super", super))
	return db, nil
}

// Handle is an activated pool. Statements issued through DB carry the
// context given to Activate.
type Handle struct {
	registry *Registry
	entry    *entry
	db       *gorm.DB
	once     sync.Once
}

func (h *Handle) DB() *gorm.DB {
	return h.db
}

func (h *Handle) Name() string {
	return h.entry.name
}

// Release returns the pool to the registry. Calling it more than once is safe.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.registry.release(h.entry)
	})
}

// Activate marks the named pool in use until the returned handle is released.
func (r *Registry) Activate(ctx context.Context, name string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("activate %s: not registered: %w", name, tenancy.ErrConnectionUnavailable)
	}
	e.inUse++
	e.lastUsed = time.Now()
	return &Handle{registry: r, entry: e, db: e.db.WithContext(ctx)}, nil
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	e.inUse--
	e.lastUsed = time.Now()
	closeNow := e.retired && e.inUse == 0
	r.mu.Unlock()
	if closeNow {
		closeDB(e.db)
	}
}

// InUse reports how many handles on name are outstanding.
func (r *Registry) InUse(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e.inUse
	}
	return 0
}

// Pin exempts name from Retire and Reap.
func (r *Registry) Pin(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.pinned = true
	}
}

// Retire closes the named pool unless it is in use or pinned.
func (r *Registry) Retire(name string) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || e.inUse > 0 || e.pinned {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, name)
	metrics.PoolsOpen.Set(float64(len(r.entries)))
	r.mu.Unlock()

	closeDB(e.db)
	metrics.PoolRetired.WithLabelValues("retire").Inc()
	return true
}

// HealthCheck pings the named pool. A broken pool is dropped from the
// registry and closed once its last handle is released, so the next Ensure
// opens a fresh one.
func (r *Registry) HealthCheck(ctx context.Context, name string) Health {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return HealthBroken
	}

	sqlDB, err := e.db.DB()
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = sqlDB.PingContext(pingCtx)
		cancel()
	}
	if err == nil {
		return HealthOK
	}

	r.opts.Logger.Warn("database pool broken", zap.String("db", name), zap.Error(err))
	r.mu.Lock()
	closeNow := false
	if r.entries[name] == e {
		delete(r.entries, name)
		e.retired = true
		closeNow = e.inUse == 0
		metrics.PoolsOpen.Set(float64(len(r.entries)))
	}
	r.mu.Unlock()
	if closeNow {
		closeDB(e.db)
	}
	metrics.PoolRetired.WithLabelValues("broken").Inc()
	return HealthBroken
}

// Reap closes pools idle for longer than the configured window as of now.
func (r *Registry) Reap(now time.Time) []string {
	if r.opts.IdleTimeout <= 0 {
		return nil
	}
	var reaped []*entry
	r.mu.Lock()
	for name, e := range r.entries {
		if e.pinned || e.inUse > 0 || now.Sub(e.lastUsed) < r.opts.IdleTimeout {
			continue
		}
		delete(r.entries, name)
		reaped = append(reaped, e)
	}
	metrics.PoolsOpen.Set(float64(len(r.entries)))
	r.mu.Unlock()

	names := make([]string, 0, len(reaped))
	for _, e := range reaped {
		closeDB(e.db)
		names = append(names, e.name)
		metrics.PoolRetired.WithLabelValues("idle").Inc()
	}
	sort.Strings(names)
	if len(names) > 0 {
		r.opts.Logger.Info("reaped idle database pools", zap.Strings("dbs", names))
	}
	return names
}

func (r *Registry) RunReaper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Reap(now)
		}
	}
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	metrics.PoolsOpen.Set(0)
	r.mu.Unlock()

	var result *multierror.Error
	for name, e := range entries {
		sqlDB, err := e.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
