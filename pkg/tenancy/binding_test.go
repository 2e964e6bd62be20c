package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	acme   = Binding{DBName: "acme", TenantID: 1, TenancyName: "acme"}
	globex = Binding{DBName: "globex", TenantID: 2, TenancyName: "globex"}
	super  = Binding{DBName: "coursegrid", TenancyName: "super", Super: true}
)

func TestCurrentWithoutBinding(t *testing.T) {
	_, err := Current(context.Background())
	require.ErrorIs(t, err, ErrNoBinding)

	_, err = Current(Begin(context.Background()))
	require.ErrorIs(t, err, ErrNoBinding)
}

func TestPushPopLIFO(t *testing.T) {
	ctx := Begin(context.Background())

	require.NoError(t, Push(ctx, acme))
	require.NoError(t, Push(ctx, globex))
	assert.Equal(t, 2, Depth(ctx))

	got, err := Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, globex, got)

	popped, err := Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, globex, popped)

	got, err = Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, acme, got)

	_, err = Pop(ctx)
	require.NoError(t, err)
	_, err = Pop(ctx)
	require.ErrorIs(t, err, ErrContextUnderflow)
}

func TestPushRequiresUnitOfWork(t *testing.T) {
	require.ErrorIs(t, Push(context.Background(), acme), ErrNoUnitOfWork)
	require.ErrorIs(t, Push(Begin(context.Background()), Binding{}), ErrNoBinding)
}

func TestWithNestedRestoresOuterBinding(t *testing.T) {
	ctx := Begin(context.Background())

	err := With(ctx, acme, func(ctx context.Context) error {
		innerErr := With(ctx, globex, func(ctx context.Context) error {
			got, err := Current(ctx)
			require.NoError(t, err)
			assert.Equal(t, globex, got)
			return errors.New("inner failure")
		})
		require.EqualError(t, innerErr, "inner failure")

		got, err := Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, acme, got)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, Depth(ctx))
}

func TestWithUnwindsOnPanic(t *testing.T) {
	ctx := Begin(context.Background())
	require.NoError(t, Push(ctx, super))

	assert.Panics(t, func() {
		_ = With(ctx, acme, func(context.Context) error {
			panic("boom")
		})
	})

	got, err := Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, super, got)
}

func TestWithUnwindsLeakedPushes(t *testing.T) {
	ctx := Begin(context.Background())

	err := With(ctx, acme, func(ctx context.Context) error {
		return Push(ctx, globex)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, Depth(ctx))
}

func TestWithDetectsForeignPop(t *testing.T) {
	ctx := Begin(context.Background())
	require.NoError(t, Push(ctx, super))

	err := With(ctx, acme, func(ctx context.Context) error {
		_, err := Pop(ctx)
		return err
	})
	require.ErrorIs(t, err, ErrContextUnderflow)
}

func TestWithStartsUnitWhenMissing(t *testing.T) {
	err := With(context.Background(), acme, func(ctx context.Context) error {
		got, err := Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, acme, got)
		return nil
	})
	require.NoError(t, err)
}

func TestBeginIsolatesFromParent(t *testing.T) {
	parent := Begin(context.Background())
	require.NoError(t, Push(parent, acme))

	child := Begin(parent)
	_, err := Current(child)
	require.ErrorIs(t, err, ErrNoBinding)

	forked := Fork(parent)
	got, err := Current(forked)
	require.NoError(t, err)
	assert.Equal(t, acme, got)

	require.NoError(t, Push(forked, globex))
	got, err = Current(parent)
	require.NoError(t, err)
	assert.Equal(t, acme, got, "pushes on a fork must not reach the parent")
}

func TestConcurrentUnitsNeverObserveEachOther(t *testing.T) {
	const units = 64
	var wg sync.WaitGroup
	errs := make(chan error, units)

	for i := 0; i < units; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := Binding{DBName: fmt.Sprintf("tenant_%d", i), TenantID: uint64(i + 1), TenancyName: fmt.Sprintf("t%d", i)}
			ctx := Begin(context.Background())
			err := With(ctx, b, func(ctx context.Context) error {
				for j := 0; j < 100; j++ {
					got, err := Current(ctx)
					if err != nil {
						return err
					}
					if got.DBName != b.DBName {
						return fmt.Errorf("unit %d observed %s", i, got)
					}
				}
				return nil
			})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestIsContextError(t *testing.T) {
	assert.True(t, IsContextError(fmt.Errorf("wrap: %w", ErrNoBinding)))
	assert.True(t, IsContextError(ErrContextUnderflow))
	assert.False(t, IsContextError(ErrCrossTenantViolation))
}
