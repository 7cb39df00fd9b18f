// Package retry runs a claimed unit of work with bounded attempts and
// exponential backoff, returning the claim between attempts.
//
// The wrapped operation may leave side effects behind when it fails. They are
// not rolled back; only the claim is reset. Operations must tolerate being
// re-run.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fentz26/bridge/internal/claim"
	"github.com/fentz26/bridge/internal/models"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Jitter randomizes each delay by up to this fraction. Zero gives the
	// exact sequence base, 2*base, 4*base.
	Jitter float64
}

// DefaultPolicy is three attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 5 * time.Minute}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = time.Second
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = 5 * time.Minute
		if p.MaxBackoff < p.BaseBackoff {
			p.MaxBackoff = p.BaseBackoff
		}
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxBackoff
	b.Reset()
	return b
}

// Claimer takes the item before each attempt.
type Claimer interface {
	Claim(ctx context.Context, id string) (claim.Outcome, error)
}

// Tracker persists retry bookkeeping for an item.
type Tracker interface {
	RecordRetry(ctx context.Context, id string, state models.RetryState) error
	ResetToPending(ctx context.Context, id string) error
	Fail(ctx context.Context, id, reason string) error
}

// Op is one attempt. attempt is 1-indexed.
type Op func(ctx context.Context, attempt int) error

// Status is how a run ended.
type Status string

const (
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	// Skipped means the claim was lost to another claimant.
	Skipped Status = "skipped"
	// Cancelled means the context ended between attempts.
	Cancelled Status = "cancelled"
)

// Result summarizes a run.
type Result struct {
	Status   Status
	Attempts int
	Err      error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor drives the retry state machine.
type Executor struct {
	claimer Claimer
	tracker Tracker
	policy  Policy
	sleep   SleepFunc
	now     func() time.Time
	logger  *slog.Logger
	metrics Metrics
}

// Metrics receives per-attempt counts. It may be nil.
type Metrics interface {
	Attempt(ctx context.Context, outcome string)
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the sleep between attempts.
func WithSleep(s SleepFunc) Option { return func(e *Executor) { e.sleep = s } }

// WithClock replaces the clock used for nextRetryAt.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithMetrics records attempt outcomes.
func WithMetrics(m Metrics) Option { return func(e *Executor) { e.metrics = m } }

// New creates an executor.
func New(claimer Claimer, tracker Tracker, policy Policy, opts ...Option) *Executor {
	e := &Executor{
		claimer: claimer,
		tracker: tracker,
		policy:  policy.normalized(),
		sleep:   Sleep,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "retry")
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Run executes op for id until it succeeds, the claim is lost, or the attempts
// are exhausted. Exhaustion marks the item failed with the last error.
func (e *Executor) Run(ctx context.Context, id string, op Op) Result {
	b := e.policy.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		out, err := e.claimer.Claim(ctx, id)
		if err != nil {
			e.logger.Warn("claim failed", "id", id, "attempt", attempt, "error", err)
			return Result{Status: Skipped, Attempts: attempt - 1, Err: err}
		}
		if !out.Acquired() {
			e.logger.Info("claim lost, skipping", "id", id, "attempt", attempt)
			return Result{Status: Skipped, Attempts: attempt - 1}
		}

		e.logger.Info("attempt started", "id", id, "attempt", attempt, "max_attempts", e.policy.MaxAttempts)
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			e.record(ctx, "success")
			e.logger.Info("attempt succeeded", "id", id, "attempt", attempt)
			return Result{Status: Succeeded, Attempts: attempt}
		}
		e.record(ctx, "failure")

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		state := models.RetryState{
			Attempt:     attempt,
			LastError:   lastErr.Error(),
			NextRetryAt: e.now().UTC().Add(delay),
		}
		e.logger.Warn("attempt failed, retrying",
			"id", id, "attempt", attempt, "backoff", delay, "error", lastErr)
		if err := e.tracker.RecordRetry(ctx, id, state); err != nil {
			e.logger.Warn("record retry state failed", "id", id, "error", err)
		}
		if err := e.tracker.ResetToPending(ctx, id); err != nil {
			e.logger.Warn("reset to pending failed", "id", id, "error", err)
		}

		if err := e.sleep(ctx, delay); err != nil {
			e.logger.Info("retry cancelled", "id", id, "attempt", attempt)
			return Result{Status: Cancelled, Attempts: attempt, Err: lastErr}
		}
	}

	reason := fmt.Sprintf("failed after %d attempts: last error: %s", e.policy.MaxAttempts, lastErr)
	e.logger.Error("retries exhausted", "id", id, "attempts", e.policy.MaxAttempts, "error", lastErr)
	if err := e.tracker.Fail(ctx, id, reason); err != nil {
		e.logger.Error("mark failed", "id", id, "error", err)
	}
	return Result{Status: Failed, Attempts: e.policy.MaxAttempts, Err: lastErr}
}

func (e *Executor) record(ctx context.Context, outcome string) {
	if e.metrics != nil {
		e.metrics.Attempt(ctx, outcome)
	}
}
