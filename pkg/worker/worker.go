// Package worker consumes job envelopes and runs each one inside the
// binding it was dispatched under.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/metrics"
	"github.com/coursegrid/coursegrid/pkg/queue"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

// JobFunc is the body of a job. ctx carries the job's binding.
type JobFunc func(ctx context.Context, env *queue.Envelope) error

// BindingResolver rebuilds the binding named by an envelope.
type BindingResolver interface {
	BindingForDB(ctx context.Context, dbName string) (tenancy.Binding, error)
}

type Worker struct {
	broker       queue.Broker
	resolver     BindingResolver
	handlers     map[string]JobFunc
	timeout      time.Duration
	concurrency  int
	pollInterval time.Duration
	logger       *zap.Logger
}

func New(broker queue.Broker, resolver BindingResolver, timeout time.Duration, concurrency int, logger *zap.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		broker:       broker,
		resolver:     resolver,
		handlers:     make(map[string]JobFunc),
		timeout:      timeout,
		concurrency:  concurrency,
		pollInterval: 2 * time.Second,
		logger:       logger,
	}
}

// Register binds kind to fn. Registering a kind twice panics.
func (w *Worker) Register(kind string, fn JobFunc) {
	if _, dup := w.handlers[kind]; dup {
		panic(fmt.Sprintf("job kind %s registered twice", kind))
	}
	w.handlers[kind] = fn
}

func (w *Worker) Kinds() []string {
	kinds := make([]string, 0, len(w.handlers))
	for k := range w.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Run consumes with the configured concurrency until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.consume(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		err := w.broker.Consume(ctx, w.Handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("job queue consume failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// Handle runs one envelope in a fresh unit of work: it resolves the
// envelope's database, scopes the binding around the job body and checks
// that every binding the job pushed was popped again.
func (w *Worker) Handle(ctx context.Context, env *queue.Envelope) (err error) {
	start := time.Now()
	logger := w.logger.With(
		zap.String("job_id", env.ID),
		zap.String("kind", env.Kind),
		zap.String("db", env.DBName),
		zap.Int("attempt", env.Attempt+1),
	)
	defer func() {
		outcome := "ok"
		switch {
		case err == nil:
		case queue.IsPermanent(err):
			outcome = "failed"
		default:
			outcome = "retry"
		}
		metrics.JobsTotal.WithLabelValues(env.Kind, outcome).Inc()
		metrics.JobDuration.WithLabelValues(env.Kind).Observe(time.Since(start).Seconds())
	}()

	fn, ok := w.handlers[env.Kind]
	if !ok {
		return queue.Permanent(fmt.Errorf("unknown job kind %q", env.Kind))
	}
	if env.Expired(time.Now()) {
		return queue.Permanent(fmt.Errorf("job %s expired at %s", env.ID, env.Deadline.Format(time.RFC3339)))
	}

	ctx = logging.WithContext(tenancy.Begin(ctx), logger)
	ctx, cancel := env.RunContext(ctx, w.timeout)
	defer cancel()

	binding, err := w.resolver.BindingForDB(ctx, env.DBName)
	if err != nil {
		if errors.Is(err, tenancy.ErrTenantNotResolved) {
			return queue.Permanent(err)
		}
		return err
	}
	if !binding.Super && env.TenantID != 0 && binding.TenantID != env.TenantID {
		return queue.Permanent(fmt.Errorf("job for tenant %d names database of %s: %w",
			env.TenantID, binding, tenancy.ErrCrossTenantViolation))
	}

	err = w.invoke(ctx, binding, fn, env)
	if depth := tenancy.Depth(ctx); depth != 0 {
		err = multierror.Append(err, fmt.Errorf("%d bindings left after job: %w", depth, tenancy.ErrBindingLeaked))
	}
	if err == nil {
		logger.Debug("job completed", zap.Duration("took", time.Since(start)))
		return nil
	}

	if tenancy.IsContextError(err) || errors.Is(err, tenancy.ErrCrossTenantViolation) {
		metrics.ContextErrors.WithLabelValues(tenancy.ErrorKind(err)).Inc()
		logger.Error("job aborted on binding error",
			zap.Uint64("tenant_id", binding.TenantID),
			zap.Error(err),
		)
		return queue.Permanent(err)
	}
	logger.Warn("job failed", zap.Error(err))
	return err
}

func (w *Worker) invoke(ctx context.Context, binding tenancy.Binding, fn JobFunc, env *queue.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", env.Kind, r)
		}
	}()
	return tenancy.With(ctx, binding, func(ctx context.Context) error {
		jobErr := fn(ctx, env)
		switch depth := tenancy.Depth(ctx); {
		case depth > 1:
			return multierror.Append(jobErr,
				fmt.Errorf("job left %d bindings on its stack: %w", depth-1, tenancy.ErrBindingLeaked))
		case depth < 1:
			return multierror.Append(jobErr,
				fmt.Errorf("job popped its own binding: %w", tenancy.ErrContextUnderflow))
		}
		return jobErr
	})
}
