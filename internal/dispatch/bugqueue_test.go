package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/bridge/internal/claim"
	"github.com/fentz26/bridge/internal/models"
	"github.com/fentz26/bridge/internal/retry"
)

type countingSweeper struct {
	calls atomic.Int32
	reset int
}

func (c *countingSweeper) Sweep(context.Context, time.Duration) (int, error) {
	c.calls.Add(1)
	return c.reset, nil
}

type queueEnv struct {
	*handlerEnv
	q       *BugQueue
	sweeper *countingSweeper
}

func newQueueEnv(t *testing.T, results ...*models.ExecutionResult) *queueEnv {
	t.Helper()
	e := newHandlerEnv(t, results...)
	cmds := e.store.CommandClaims()
	runner := retry.New(claim.New(cmds, machineID), cmds,
		retry.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	sw := &countingSweeper{reset: 2}
	cfg := Config{MachineID: machineID, Workspaces: []string{"ws"}, AllowedDirectories: []string{e.dir}}
	q := NewBugQueue(e.store, runner, e.exec, sw, e.rec, nil, cfg, BugQueueConfig{PollInterval: 10 * time.Millisecond}, nil)
	return &queueEnv{handlerEnv: e, q: q, sweeper: sw}
}

func (e *queueEnv) createBug(t *testing.T, mutate func(*models.Command)) models.Command {
	return e.create(t, func(c *models.Command) {
		c.Kind = models.CommandBugExecution
		if mutate != nil {
			mutate(c)
		}
	})
}

func TestBugQueue_RetriesThenSucceeds(t *testing.T) {
	e := newQueueEnv(t, fail(1, "flaky"), fail(1, "flaky"), succeed("fixed"))
	cmd := e.createBug(t, nil)

	assert.Equal(t, 1, e.q.ProcessPending(context.Background()))

	assert.Equal(t, 3, e.exec.calls())
	got, err := e.store.GetCommand(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandCompleted, got.Status)
	require.NotNil(t, got.Result)
	require.NotNil(t, got.Result.Success)
	assert.True(t, *got.Result.Success)

	results, err := e.store.CommandResults(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, BugQueueStats{Polls: 1, Succeeded: 1}, e.q.Stats())
}

func TestBugQueue_Exhausted(t *testing.T) {
	e := newQueueEnv(t, fail(1, "boom"))
	cmd := e.createBug(t, nil)

	e.q.ProcessPending(context.Background())

	got, err := e.store.GetCommand(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "failed after 3 attempts: last error: failed (exit 1): boom", got.Result.Error)
	assert.Equal(t, int64(1), e.q.Stats().Failed)

	// Permanently failed commands are never picked up again.
	assert.Equal(t, 0, e.q.ProcessPending(context.Background()))
}

func TestBugQueue_PromptAndTimeout(t *testing.T) {
	e := newQueueEnv(t)
	e.createBug(t, func(c *models.Command) {
		c.Prompt = "fallback prompt"
		c.TimeoutSeconds = 120
		c.CommitmentID = "cmt_1"
		c.Payload = map[string]interface{}{"instructions": "read BUG-FIX-PROTOCOL.md", "timeout_seconds": 60}
	})
	e.createBug(t, func(c *models.Command) {
		c.Prompt = "only prompt"
		c.Agent = ""
		c.CreatedAt = time.Now().UTC().Add(time.Minute)
	})

	e.q.ProcessPending(context.Background())

	require.Len(t, e.exec.requests, 2)
	a, b := e.exec.requests[0], e.exec.requests[1]
	assert.Equal(t, "read BUG-FIX-PROTOCOL.md", a.Prompt)
	assert.Equal(t, time.Minute, a.Timeout)
	assert.Equal(t, "cmt_1", a.Env["MENTU_COMMITMENT_ID"])
	assert.Equal(t, "only prompt", b.Prompt)
	assert.Equal(t, "claude", b.Agent)
	assert.Equal(t, time.Hour, b.Timeout)
}

func TestBugQueue_IgnoresSpawnAndLimits(t *testing.T) {
	e := newQueueEnv(t)
	spawn := e.create(t, nil)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		e.createBug(t, func(c *models.Command) { c.CreatedAt = base.Add(time.Duration(i) * time.Second) })
	}

	assert.Equal(t, 5, e.q.ProcessPending(context.Background()))
	assert.Equal(t, models.CommandPending, e.status(t, spawn.ID))
}

func TestBugQueue_RunSweepsAtStart(t *testing.T) {
	e := newQueueEnv(t)
	e.createBug(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.q.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return e.q.Stats().Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(1), e.sweeper.calls.Load())
	assert.Equal(t, int64(2), e.q.Stats().Recovered)
}
