// Package queue carries background jobs together with the database binding
// they were dispatched under.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Envelope is the unit handed to a broker. DBName is the database the job
// body runs against; the worker re-enters that binding before invoking it.
type Envelope struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	DBName      string          `json:"db_name"`
	TenantID    uint64          `json:"tenant_id,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Deadline    time.Time       `json:"deadline,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

func (e *Envelope) DecodeArgs(v interface{}) error {
	if len(e.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Args, v); err != nil {
		return Permanent(fmt.Errorf("decode %s args: %w", e.Kind, err))
	}
	return nil
}

// Expired reports whether the absolute deadline has passed.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.Deadline.IsZero() && now.After(e.Deadline)
}

// RunContext derives the context a single attempt runs under.
func (e *Envelope) RunContext(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	deadline := time.Now().Add(timeout)
	if timeout <= 0 || (!e.Deadline.IsZero() && e.Deadline.Before(deadline)) {
		deadline = e.Deadline
	}
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

func encode(env *Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// Handler processes one delivery of an envelope.
type Handler func(ctx context.Context, env *Envelope) error

// Broker moves envelopes from dispatchers to workers. Consume blocks until
// ctx is done; failed deliveries are retried with exponential backoff and
// dead-lettered once MaxAttempts is reached or the error is permanent.
type Broker interface {
	Publish(ctx context.Context, env *Envelope) error
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// nextAttempt decides whether a failed delivery is retried and when.
func nextAttempt(env *Envelope, err error, base time.Duration) (retry bool, delay time.Duration) {
	env.Attempt++
	env.LastError = err.Error()
	if IsPermanent(err) || env.Expired(time.Now()) {
		return false, 0
	}
	if env.MaxAttempts > 0 && env.Attempt >= env.MaxAttempts {
		return false, 0
	}
	return true, calculateBackoff(base, env.Attempt)
}

func calculateBackoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if base <= 0 {
		base = 10 * time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	return time.Duration(delay)
}
