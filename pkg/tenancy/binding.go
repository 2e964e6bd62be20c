// Package tenancy carries the per unit-of-work tenant binding.
//
// A unit of work (an HTTP request or a background job) owns a LIFO stack of
// bindings stored in its context. Bindings never live in package state, so
// two requests served concurrently cannot observe each other's binding.
package tenancy

import (
	"context"
	"fmt"
	"sync"
)

// Binding answers "which database does this unit of work use".
type Binding struct {
	DBName      string            `json:"db_name"`
	TenantID    uint64            `json:"tenant_id"`
	IdpID       string            `json:"idp_id,omitempty"`
	TenancyName string            `json:"tenancy_name"`
	Details     map[string]string `json:"details,omitempty"`
	Super       bool              `json:"super,omitempty"`
}

func (b Binding) String() string {
	if b.Super {
		return "super:" + b.DBName
	}
	return fmt.Sprintf("%s(%d):%s", b.TenancyName, b.TenantID, b.DBName)
}

type unitKey struct{}

type unit struct {
	mu    sync.Mutex
	stack []Binding
}

func unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// Begin starts a new unit of work with an empty binding stack. Bindings
// pushed on the parent context are not visible inside the new unit.
func Begin(ctx context.Context) context.Context {
	return context.WithValue(ctx, unitKey{}, &unit{})
}

// Fork starts a new unit of work seeded with the current stack of ctx.
// Goroutines spawned by a unit of work should run on a forked context so
// their pushes do not interleave with the parent's.
func Fork(ctx context.Context) context.Context {
	child := &unit{}
	if u := unitFrom(ctx); u != nil {
		u.mu.Lock()
		child.stack = append(child.stack, u.stack...)
		u.mu.Unlock()
	}
	return context.WithValue(ctx, unitKey{}, child)
}

// Push installs b on top of the unit's stack.
func Push(ctx context.Context, b Binding) error {
	u := unitFrom(ctx)
	if u == nil {
		return ErrNoUnitOfWork
	}
	if b.DBName == "" {
		return fmt.Errorf("push binding for tenant %q: %w", b.TenancyName, ErrNoBinding)
	}
	u.mu.Lock()
	u.stack = append(u.stack, b)
	u.mu.Unlock()
	return nil
}

// Pop removes and returns the top binding.
func Pop(ctx context.Context) (Binding, error) {
	u := unitFrom(ctx)
	if u == nil {
		return Binding{}, ErrContextUnderflow
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.stack) == 0 {
		return Binding{}, ErrContextUnderflow
	}
	top := u.stack[len(u.stack)-1]
	u.stack = u.stack[:len(u.stack)-1]
	return top, nil
}

// Current returns the top binding of the unit of work.
func Current(ctx context.Context) (Binding, error) {
	u := unitFrom(ctx)
	if u == nil {
		return Binding{}, ErrNoBinding
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.stack) == 0 {
		return Binding{}, ErrNoBinding
	}
	return u.stack[len(u.stack)-1], nil
}

// Depth returns the number of bindings on the stack.
func Depth(ctx context.Context) int {
	u := unitFrom(ctx)
	if u == nil {
		return 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.stack)
}

// With runs fn with b installed and removes it on every exit path,
// including panics. A unit of work is started when ctx has none.
func With(ctx context.Context, b Binding, fn func(context.Context) error) (err error) {
	if unitFrom(ctx) == nil {
		ctx = Begin(ctx)
	}
	if err := Push(ctx, b); err != nil {
		return err
	}
	depth := Depth(ctx)
	defer func() {
		// Anything fn pushed and did not pop is unwound before our own binding.
		for Depth(ctx) > depth {
			if _, popErr := Pop(ctx); popErr != nil {
				break
			}
		}
		top, popErr := Pop(ctx)
		if popErr != nil {
			if err == nil {
				err = popErr
			}
			return
		}
		if top.DBName != b.DBName && err == nil {
			err = fmt.Errorf("popped %s while leaving %s: %w", top, b, ErrContextUnderflow)
		}
	}()
	return fn(ctx)
}
