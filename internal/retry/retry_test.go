package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/bridge/internal/claim"
	"github.com/fentz26/bridge/internal/models"
)

// fakeItem records every transition the executor drives.
type fakeItem struct {
	pending   bool
	events    []string
	retries   []models.RetryState
	failedMsg string
	stealAt   int // claim attempt number at which another claimant wins
	claims    int
}

func (f *fakeItem) Claim(_ context.Context, _ string) (claim.Outcome, error) {
	f.claims++
	if f.stealAt != 0 && f.claims == f.stealAt {
		f.events = append(f.events, "conflict")
		return claim.Conflict, nil
	}
	if !f.pending {
		f.events = append(f.events, "conflict")
		return claim.Conflict, nil
	}
	f.pending = false
	f.events = append(f.events, "claim")
	return claim.Claimed, nil
}

func (f *fakeItem) RecordRetry(_ context.Context, _ string, s models.RetryState) error {
	f.retries = append(f.retries, s)
	f.events = append(f.events, "record")
	return nil
}

func (f *fakeItem) ResetToPending(_ context.Context, _ string) error {
	f.pending = true
	f.events = append(f.events, "reset")
	return nil
}

func (f *fakeItem) Fail(_ context.Context, _ string, reason string) error {
	f.failedMsg = reason
	f.events = append(f.events, "fail")
	return nil
}

type sleeps struct{ got []time.Duration }

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.got = append(s.got, d)
	return nil
}

var fixed = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newExecutor(item *fakeItem, s *sleeps, p Policy) *Executor {
	return New(item, item, p, WithSleep(s.sleep), WithClock(func() time.Time { return fixed }))
}

func failUntil(n int) (Op, *[]int) {
	var seen []int
	return func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < n {
			return fmt.Errorf("attempt %d broke", attempt)
		}
		return nil
	}, &seen
}

func TestRun_SucceedsFirstTry(t *testing.T) {
	item := &fakeItem{pending: true}
	s := &sleeps{}
	op, seen := failUntil(1)

	res := newExecutor(item, s, DefaultPolicy()).Run(context.Background(), "cmd-1", op)
	assert.Equal(t, Succeeded, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []int{1}, *seen)
	assert.Empty(t, s.got)
	assert.Equal(t, []string{"claim"}, item.events)
}

func TestRun_BackoffSequence(t *testing.T) {
	item := &fakeItem{pending: true}
	s := &sleeps{}
	op, seen := failUntil(3)

	res := newExecutor(item, s, Policy{MaxAttempts: 3, BaseBackoff: time.Second}).Run(context.Background(), "cmd-1", op)
	require.Equal(t, Succeeded, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int{1, 2, 3}, *seen)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.got)

	// Reset between attempts 1->2 and 2->3, never after the final success.
	assert.Equal(t, []string{
		"claim", "record", "reset",
		"claim", "record", "reset",
		"claim",
	}, item.events)

	require.Len(t, item.retries, 2)
	assert.Equal(t, 1, item.retries[0].Attempt)
	assert.Equal(t, "attempt 1 broke", item.retries[0].LastError)
	assert.Equal(t, fixed.Add(time.Second), item.retries[0].NextRetryAt)
	assert.Equal(t, fixed.Add(2*time.Second), item.retries[1].NextRetryAt)
}

func TestRun_Exhaustion(t *testing.T) {
	item := &fakeItem{pending: true}
	s := &sleeps{}
	op, seen := failUntil(100)

	res := newExecutor(item, s, Policy{MaxAttempts: 3, BaseBackoff: time.Second}).Run(context.Background(), "cmd-1", op)
	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int{1, 2, 3}, *seen)
	assert.EqualError(t, res.Err, "attempt 3 broke")
	assert.Equal(t, "failed after 3 attempts: last error: attempt 3 broke", item.failedMsg)

	resets := 0
	for _, e := range item.events {
		if e == "reset" {
			resets++
		}
	}
	assert.Equal(t, 2, resets, "never reset to pending after the last attempt")
	assert.Equal(t, "fail", item.events[len(item.events)-1])
}

func TestRun_ClaimLostBetweenAttempts(t *testing.T) {
	item := &fakeItem{pending: true, stealAt: 2}
	s := &sleeps{}
	op, seen := failUntil(100)

	res := newExecutor(item, s, DefaultPolicy()).Run(context.Background(), "cmd-1", op)
	assert.Equal(t, Skipped, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []int{1}, *seen)
	assert.Empty(t, item.failedMsg, "a lost claim is not a failure")
}

func TestRun_NotClaimable(t *testing.T) {
	item := &fakeItem{pending: false}
	op, seen := failUntil(1)

	res := newExecutor(item, &sleeps{}, DefaultPolicy()).Run(context.Background(), "cmd-1", op)
	assert.Equal(t, Skipped, res.Status)
	assert.Zero(t, res.Attempts)
	assert.Empty(t, *seen)
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	item := &fakeItem{pending: true}
	op, _ := failUntil(100)
	cancelled := func(context.Context, time.Duration) error { return context.Canceled }

	e := New(item, item, DefaultPolicy(), WithSleep(cancelled))
	res := e.Run(context.Background(), "cmd-1", op)
	assert.Equal(t, Cancelled, res.Status)
	assert.Empty(t, item.failedMsg)
	assert.True(t, item.pending, "claim was returned before sleeping")
}

func TestRun_Jitter(t *testing.T) {
	item := &fakeItem{pending: true}
	s := &sleeps{}
	op, _ := failUntil(3)

	p := Policy{MaxAttempts: 3, BaseBackoff: time.Second, Jitter: 0.5}
	newExecutor(item, s, p).Run(context.Background(), "cmd-1", op)

	require.Len(t, s.got, 2)
	assert.GreaterOrEqual(t, s.got[0], 500*time.Millisecond)
	assert.LessOrEqual(t, s.got[0], 1500*time.Millisecond)
	assert.GreaterOrEqual(t, s.got[1], time.Second)
	assert.LessOrEqual(t, s.got[1], 3*time.Second)
}

func TestSleep_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{}.normalized()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseBackoff)
	assert.Equal(t, 5*time.Minute, p.MaxBackoff)
}
