package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursegrid/coursegrid/pkg/jobs"
	"github.com/coursegrid/coursegrid/pkg/provisioning"
	"github.com/coursegrid/coursegrid/pkg/queue"
	"github.com/coursegrid/coursegrid/pkg/tenanttest"
)

// drain takes every ready envelope off the queue.
func drain(t *testing.T, env *tenanttest.Env) []*queue.Envelope {
	t.Helper()
	var got []*queue.Envelope
	for {
		handled, err := env.Broker.Poll(context.Background(), func(_ context.Context, e *queue.Envelope) error {
			got = append(got, e)
			return nil
		})
		require.NoError(t, err)
		if !handled {
			return got
		}
	}
}

func kinds(envs []*queue.Envelope) map[string]string {
	out := make(map[string]string)
	for _, e := range envs {
		out[e.Kind+"@"+e.DBName] = e.ID
	}
	return out
}

func TestTickRequeuesStalledAndStartsDailyRuns(t *testing.T) {
	env := tenanttest.NewEnv(t)
	env.MustOnboard(t, "globex")
	pending := env.Register(t, "acme")
	drain(t, env)

	s := NewScheduler(env.Gateway, env.Dispatcher, time.Minute, 10*time.Minute, nil)
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	s.Tick(context.Background())
	queued := drain(t, env)
	got := kinds(queued)
	require.Len(t, queued, 3)
	assert.Contains(t, got, provisioning.JobProvision+"@"+tenanttest.SuperDB)
	assert.Contains(t, got, jobs.KindReportBatch+"@"+tenanttest.SuperDB)
	assert.Contains(t, got, jobs.KindLeaderboard+"@globex")
	assert.NotContains(t, got, jobs.KindLeaderboard+"@acme")

	for _, e := range queued {
		if e.Kind != provisioning.JobProvision {
			continue
		}
		var args provisioning.ProvisionArgs
		require.NoError(t, e.DecodeArgs(&args))
		assert.Equal(t, pending.ID, args.TenantID)
	}

	// Same day: only the stalled tenant is requeued.
	s.Tick(context.Background())
	queued = drain(t, env)
	require.Len(t, queued, 1)
	assert.Equal(t, provisioning.JobProvision, queued[0].Kind)
}

func TestTickLeavesFreshProvisioningAlone(t *testing.T) {
	env := tenanttest.NewEnv(t)
	env.Register(t, "acme")
	drain(t, env)

	s := NewScheduler(env.Gateway, env.Dispatcher, time.Minute, 10*time.Minute, nil)
	s.lastDaily = time.Now().UTC().Format("2006-01-02")
	s.Tick(context.Background())
	assert.Empty(t, drain(t, env))
}
