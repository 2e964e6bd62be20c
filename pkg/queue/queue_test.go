package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

func newRedisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client, RedisBrokerConfig{KeyPrefix: "test:jobs", BackoffBase: time.Hour}, nil)
}

var acme = tenancy.Binding{DBName: "acme", TenantID: 1, TenancyName: "acme"}

func TestDispatchCapturesBinding(t *testing.T) {
	broker := newRedisBroker(t)
	d := NewDispatcher(broker, 3, time.Minute, nil)

	var dispatched *Envelope
	err := tenancy.With(context.Background(), acme, func(ctx context.Context) error {
		var err error
		dispatched, err = d.Dispatch(ctx, "report.generate", map[string]uint64{"report_id": 9})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", dispatched.DBName)
	assert.Equal(t, uint64(1), dispatched.TenantID)
	assert.Equal(t, 3, dispatched.MaxAttempts)

	var got *Envelope
	handled, err := broker.Poll(context.Background(), func(_ context.Context, env *Envelope) error {
		got = env
		return nil
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, dispatched.ID, got.ID)
	assert.Equal(t, "acme", got.DBName)

	var args struct {
		ReportID uint64 `json:"report_id"`
	}
	require.NoError(t, got.DecodeArgs(&args))
	assert.Equal(t, uint64(9), args.ReportID)

	ready, delayed, dead, err := broker.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ready+delayed+dead)
}

func TestDispatchWithoutBinding(t *testing.T) {
	d := NewDispatcher(newRedisBroker(t), 3, time.Minute, nil)
	_, err := d.Dispatch(context.Background(), "report.generate", nil)
	require.ErrorIs(t, err, tenancy.ErrNoBinding)
}

func TestRedisBrokerRetriesThenDeadLetters(t *testing.T) {
	broker := newRedisBroker(t)
	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, &Envelope{ID: "j1", Kind: "leaderboard.compute", DBName: "acme", MaxAttempts: 2}))

	failing := func(context.Context, *Envelope) error { return errors.New("connection reset") }

	handled, err := broker.Poll(ctx, failing)
	require.NoError(t, err)
	require.True(t, handled)

	ready, delayed, dead, err := broker.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, [3]int64{0, 1, 0}, [3]int64{ready, delayed, dead})

	// Not due yet.
	handled, err = broker.Poll(ctx, failing)
	require.NoError(t, err)
	assert.False(t, handled)

	require.NoError(t, broker.PromoteAll(ctx))
	var attempt int
	handled, err = broker.Poll(ctx, func(ctx context.Context, env *Envelope) error {
		attempt = env.Attempt
		return failing(ctx, env)
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, 1, attempt)

	dlq, err := broker.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "j1", dlq[0].ID)
	assert.Equal(t, 2, dlq[0].Attempt)
	assert.Equal(t, "connection reset", dlq[0].LastError)
}

func TestPermanentErrorsSkipRetry(t *testing.T) {
	broker := newRedisBroker(t)
	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, &Envelope{ID: "j1", Kind: "course.clone", DBName: "acme", MaxAttempts: 5}))

	_, err := broker.Poll(ctx, func(context.Context, *Envelope) error {
		return Permanent(tenancy.ErrNoBinding)
	})
	require.NoError(t, err)

	dlq, err := broker.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, 1, dlq[0].Attempt)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), calculateBackoff(time.Second, 0))
	assert.Equal(t, time.Second, calculateBackoff(time.Second, 1))
	assert.Equal(t, 4*time.Second, calculateBackoff(time.Second, 3))
	assert.Equal(t, 10*time.Second, calculateBackoff(0, 1))
}

func TestRunContextPrefersEarlierDeadline(t *testing.T) {
	deadline := time.Now().Add(time.Second)
	env := &Envelope{Timeout: time.Hour, Deadline: deadline}
	ctx, cancel := env.RunContext(context.Background(), time.Minute)
	defer cancel()
	got, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, deadline, got, time.Millisecond)

	env = &Envelope{}
	ctx, cancel = env.RunContext(context.Background(), 0)
	defer cancel()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
}

func TestPermanentUnwraps(t *testing.T) {
	err := Permanent(tenancy.ErrNoBinding)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, tenancy.ErrNoBinding)
	assert.False(t, IsPermanent(errors.New("transient")))
	assert.Nil(t, Permanent(nil))
}
