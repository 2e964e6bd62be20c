package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/metrics"
)

// RedisBroker keeps ready envelopes in a list, retries in a sorted set
// scored by due time, and exhausted envelopes in a dead list.
type RedisBroker struct {
	rdb          redis.UniversalClient
	ready        string
	processing   string
	delayed      string
	dead         string
	backoffBase  time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

type RedisBrokerConfig struct {
	KeyPrefix    string
	BackoffBase  time.Duration
	PollInterval time.Duration
}

func NewRedisBroker(rdb redis.UniversalClient, cfg RedisBrokerConfig, logger *zap.Logger) *RedisBroker {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "coursegrid:jobs"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		rdb:          rdb,
		ready:        prefix + ":ready",
		processing:   prefix + ":processing",
		delayed:      prefix + ":delayed",
		dead:         prefix + ":dead",
		backoffBase:  cfg.BackoffBase,
		pollInterval: cfg.PollInterval,
		logger:       logger,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, env *Envelope) error {
	payload, err := encode(env)
	if err != nil {
		return err
	}
	return b.rdb.LPush(ctx, b.ready, payload).Err()
}

func (b *RedisBroker) Consume(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("job handler is required")
	}
	for {
		handled, err := b.Poll(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("poll job queue failed", zap.Error(err))
		}
		if handled {
			continue
		}
		timer := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Poll promotes due retries and processes at most one ready envelope.
// It reports whether an envelope was handled.
func (b *RedisBroker) Poll(ctx context.Context, handler Handler) (bool, error) {
	if err := b.promote(ctx, time.Now()); err != nil {
		return false, err
	}

	payload, err := b.rdb.LMove(ctx, b.ready, b.processing, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// Settle is detached so a shutdown mid-job still records the outcome.
	settleCtx := context.WithoutCancel(ctx)
	defer b.rdb.LRem(settleCtx, b.processing, 1, payload)

	env, err := decode([]byte(payload))
	if err != nil {
		b.logger.Error("dropping undecodable job", zap.Error(err))
		return true, b.rdb.LPush(settleCtx, b.dead, payload).Err()
	}

	handlerErr := handler(ctx, env)
	if handlerErr == nil {
		return true, nil
	}
	return true, b.settleFailure(settleCtx, env, handlerErr)
}

func (b *RedisBroker) settleFailure(ctx context.Context, env *Envelope, handlerErr error) error {
	retry, delay := nextAttempt(env, handlerErr, b.backoffBase)
	payload, err := encode(env)
	if err != nil {
		return err
	}
	if retry {
		metrics.JobRetries.WithLabelValues(env.Kind).Inc()
		due := float64(time.Now().Add(delay).UnixMilli())
		return b.rdb.ZAdd(ctx, b.delayed, redis.Z{Score: due, Member: payload}).Err()
	}
	b.logger.Warn("job dead-lettered",
		zap.String("job_id", env.ID),
		zap.String("kind", env.Kind),
		zap.String("db", env.DBName),
		zap.Int("attempt", env.Attempt),
		zap.String("error", env.LastError),
	)
	return b.rdb.LPush(ctx, b.dead, payload).Err()
}

// promote moves retries whose due time has passed back to the ready list.
func (b *RedisBroker) promote(ctx context.Context, now time.Time) error {
	due, err := b.rdb.ZRangeByScore(ctx, b.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := b.rdb.ZRem(ctx, b.delayed, member).Result()
		if err != nil {
			return err
		}
		// Another consumer promoted it first.
		if removed == 0 {
			continue
		}
		if err := b.rdb.LPush(ctx, b.ready, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// PromoteAll makes every pending retry ready regardless of its due time.
func (b *RedisBroker) PromoteAll(ctx context.Context) error {
	return b.promote(ctx, time.Now().Add(100*365*24*time.Hour))
}

func (b *RedisBroker) DeadLetters(ctx context.Context) ([]*Envelope, error) {
	payloads, err := b.rdb.LRange(ctx, b.dead, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	envs := make([]*Envelope, 0, len(payloads))
	for _, payload := range payloads {
		env, err := decode([]byte(payload))
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Depth returns the number of ready, delayed and dead envelopes.
func (b *RedisBroker) Depth(ctx context.Context) (ready, delayed, dead int64, err error) {
	if ready, err = b.rdb.LLen(ctx, b.ready).Result(); err != nil {
		return
	}
	if delayed, err = b.rdb.ZCard(ctx, b.delayed).Result(); err != nil {
		return
	}
	dead, err = b.rdb.LLen(ctx, b.dead).Result()
	if err != nil {
		err = fmt.Errorf("dead list length: %w", err)
	}
	return
}

func (b *RedisBroker) Close() error {
	return nil
}
