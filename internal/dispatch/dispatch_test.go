package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/bridge/internal/claim"
	"github.com/fentz26/bridge/internal/connectors"
	"github.com/fentz26/bridge/internal/models"
	"github.com/fentz26/bridge/internal/store"
)

const machineID = "machine-a"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stubExecutor replays results in order, repeating the last one.
type stubExecutor struct {
	mu       sync.Mutex
	results  []*models.ExecutionResult
	requests []connectors.Request
}

func succeed(stdout string) *models.ExecutionResult {
	return &models.ExecutionResult{Status: models.ExecSuccess, Stdout: stdout, StartedAt: time.Now().UTC(), CompletedAt: time.Now().UTC()}
}

func fail(exit int, msg string) *models.ExecutionResult {
	return &models.ExecutionResult{Status: models.ExecFailed, ExitCode: exit, Stderr: msg, StartedAt: time.Now().UTC(), CompletedAt: time.Now().UTC()}
}

func (s *stubExecutor) Name() string { return "stub" }

func (s *stubExecutor) IsAllowed(agent string) bool { return agent == "claude" }

func (s *stubExecutor) Execute(_ context.Context, req connectors.Request) (*models.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	r := *s.results[i]
	return &r, nil
}

func (s *stubExecutor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeRecorder struct {
	mu       sync.Mutex
	captures []models.Capture
}

func (f *fakeRecorder) Capture(_ context.Context, body, kind string, meta map[string]interface{}) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, models.Capture{Body: body, Kind: kind, Meta: meta})
	return fmt.Sprintf("mem_%d", len(f.captures))
}

type stubShell struct{ scripts []string }

func (s *stubShell) RunShell(_ context.Context, dir, script string, _ time.Duration) *models.ExecutionResult {
	s.scripts = append(s.scripts, script)
	return succeed("hooked")
}

type handlerEnv struct {
	store *store.Store
	exec  *stubExecutor
	rec   *fakeRecorder
	shell *stubShell
	dir   string
	h     *Handler
}

func newHandlerEnv(t *testing.T, results ...*models.ExecutionResult) *handlerEnv {
	t.Helper()
	if len(results) == 0 {
		results = []*models.ExecutionResult{succeed("done")}
	}
	e := &handlerEnv{
		store: newTestStore(t),
		exec:  &stubExecutor{results: results},
		rec:   &fakeRecorder{},
		shell: &stubShell{},
		dir:   t.TempDir(),
	}
	cfg := Config{
		MachineID:          machineID,
		MachineName:        "box",
		Workspaces:         []string{"ws"},
		AllowedDirectories: []string{e.dir},
	}
	coord := claim.New(e.store.CommandClaims(), machineID, claim.AllowResume())
	approvals := NewApprovalWaiter(e.store, e.shell, 200*time.Millisecond, 5*time.Millisecond, nil)
	e.h = NewHandler(e.store, coord, e.exec, approvals, NewSubmitter(e.store, e.rec, nil, nil), e.rec, cfg, nil)
	return e
}

func (e *handlerEnv) create(t *testing.T, mutate func(*models.Command)) models.Command {
	t.Helper()
	cmd := &models.Command{
		WorkspaceID:      "ws",
		Prompt:           "fix the build",
		WorkingDirectory: e.dir,
		Agent:            "claude",
	}
	if mutate != nil {
		mutate(cmd)
	}
	require.NoError(t, e.store.CreateCommand(context.Background(), cmd))
	got, err := e.store.GetCommand(context.Background(), cmd.ID)
	require.NoError(t, err)
	return *got
}

func (e *handlerEnv) status(t *testing.T, id string) models.CommandStatus {
	t.Helper()
	cmd, err := e.store.GetCommand(context.Background(), id)
	require.NoError(t, err)
	return cmd.Status
}

func TestHandle_Success(t *testing.T) {
	e := newHandlerEnv(t, succeed("all green"))
	cmd := e.create(t, nil)

	assert.Equal(t, Finished, e.h.Handle(context.Background(), cmd))
	assert.Equal(t, models.CommandCompleted, e.status(t, cmd.ID))

	require.Len(t, e.exec.requests, 1)
	req := e.exec.requests[0]
	assert.Equal(t, cmd.ID, req.Env[CommandEnv])
	assert.Equal(t, time.Hour, req.Timeout)

	results, err := e.store.CommandResults(context.Background(), cmd.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "all green", results[0].Stdout)

	require.Len(t, e.rec.captures, 2)
	assert.Equal(t, models.KindTask, e.rec.captures[0].Kind)
	assert.Contains(t, e.rec.captures[0].Body, "Machine: box")
	ev := e.rec.captures[1]
	assert.Equal(t, models.KindEvidence, ev.Kind)
	assert.Contains(t, ev.Body, "Bridge Result [claude]: SUCCESS (exit 0)")
	assert.Contains(t, ev.Body, "Task ref: mem_1")
}

func TestHandle_Skips(t *testing.T) {
	e := newHandlerEnv(t)
	ctx := context.Background()

	other := e.create(t, func(c *models.Command) { c.TargetMachineID = "machine-b" })
	assert.Equal(t, SkippedOtherMachine, e.h.Handle(ctx, other))

	done := e.create(t, func(c *models.Command) { c.Status = models.CommandCompleted })
	assert.Equal(t, SkippedStatus, e.h.Handle(ctx, done))

	running := e.create(t, func(c *models.Command) { c.Status = models.CommandRunning })
	assert.Equal(t, SkippedStatus, e.h.Handle(ctx, running))

	bug := e.create(t, func(c *models.Command) { c.Kind = models.CommandBugExecution })
	assert.Equal(t, SkippedBugQueue, e.h.Handle(ctx, bug))
	assert.Equal(t, models.CommandPending, e.status(t, bug.ID), "bug executions must not be claimed by the handler")

	taken := e.create(t, nil)
	ok, err := e.store.ClaimCommand(ctx, taken.ID, "machine-b", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SkippedClaimed, e.h.Handle(ctx, taken))

	assert.Zero(t, e.exec.calls())
}

func TestHandle_InFlight(t *testing.T) {
	e := newHandlerEnv(t)
	cmd := e.create(t, nil)

	require.True(t, e.h.begin(cmd.ID))
	assert.Equal(t, SkippedInFlight, e.h.Handle(context.Background(), cmd))
	e.h.end(cmd.ID)
	assert.Equal(t, Finished, e.h.Handle(context.Background(), cmd))
}

func TestHandle_ResumesOwnClaim(t *testing.T) {
	e := newHandlerEnv(t)
	ctx := context.Background()
	cmd := e.create(t, nil)
	ok, err := e.store.ClaimCommand(ctx, cmd.ID, machineID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	cmd.Status = models.CommandClaimed
	assert.Equal(t, Finished, e.h.Handle(ctx, cmd))
	assert.Equal(t, models.CommandCompleted, e.status(t, cmd.ID))
}

func TestHandle_ValidationFailure(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Command)
		errMsg string
	}{
		{"outside allowed", func(c *models.Command) { c.WorkingDirectory = "/definitely/not/allowed" }, "working directory not allowed"},
		{"sibling prefix", func(c *models.Command) { c.WorkingDirectory = c.WorkingDirectory + "-evil" }, "working directory not allowed"},
		{"unknown agent", func(c *models.Command) { c.Agent = "gpt" }, "agent not available"},
		{"missing dir", func(c *models.Command) { c.WorkingDirectory = filepath.Join(c.WorkingDirectory, "gone") }, "working directory does not exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newHandlerEnv(t)
			cmd := e.create(t, tt.mutate)

			assert.Equal(t, Finished, e.h.Handle(context.Background(), cmd))
			assert.Equal(t, models.CommandFailed, e.status(t, cmd.ID))
			assert.Zero(t, e.exec.calls())

			results, err := e.store.CommandResults(context.Background(), cmd.ID)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Contains(t, results[0].ErrorMessage, tt.errMsg)
		})
	}
}

func TestHandle_ExecutionFailed(t *testing.T) {
	e := newHandlerEnv(t, fail(2, "compile error"))
	cmd := e.create(t, nil)

	e.h.Handle(context.Background(), cmd)

	assert.Equal(t, models.CommandFailed, e.status(t, cmd.ID))
	ev := e.rec.captures[len(e.rec.captures)-1]
	assert.Contains(t, ev.Body, "FAILED (exit 2)")
	assert.Contains(t, ev.Body, "Error: compile error")
}

func TestHandle_TimeoutStatus(t *testing.T) {
	e := newHandlerEnv(t, &models.ExecutionResult{Status: models.ExecTimeout, ExitCode: -1, ErrorMessage: "timed out after 1s"})
	cmd := e.create(t, func(c *models.Command) { c.TimeoutSeconds = 1 })

	e.h.Handle(context.Background(), cmd)

	assert.Equal(t, models.CommandTimeout, e.status(t, cmd.ID))
	assert.Equal(t, time.Second, e.exec.requests[0].Timeout)
}

type cancelOnExecute struct {
	*stubExecutor
	cancel context.CancelFunc
}

func (c cancelOnExecute) Execute(ctx context.Context, req connectors.Request) (*models.ExecutionResult, error) {
	c.cancel()
	return c.stubExecutor.Execute(ctx, req)
}

func TestHandle_InterruptedReturnsToQueue(t *testing.T) {
	e := newHandlerEnv(t, &models.ExecutionResult{Status: models.ExecCancelled, ExitCode: -1})
	cmd := e.create(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.h.executor = cancelOnExecute{stubExecutor: e.exec, cancel: cancel}

	assert.Equal(t, Interrupted, e.h.Handle(ctx, cmd))
	assert.Equal(t, models.CommandPending, e.status(t, cmd.ID))
}

// decide waits until id reaches awaiting_approval and then records decision.
func decide(t *testing.T, s *store.Store, id string, decision models.ApprovalStatus) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			cmd, err := s.GetCommand(context.Background(), id)
			if err == nil && cmd.Status == models.CommandAwaitingApproval {
				s.SetApprovalStatus(context.Background(), id, decision)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}

func TestHandle_ApprovalApproved(t *testing.T) {
	e := newHandlerEnv(t, succeed("patched"))
	cmd := e.create(t, func(c *models.Command) {
		c.ApprovalRequired = true
		c.OnApprove = "git push"
	})
	decide(t, e.store, cmd.ID, models.ApprovalApproved)

	assert.Equal(t, Finished, e.h.Handle(context.Background(), cmd))
	assert.Equal(t, models.CommandCompleted, e.status(t, cmd.ID))
	assert.Equal(t, []string{"git push"}, e.shell.scripts)

	var bodies []string
	for _, c := range e.rec.captures {
		bodies = append(bodies, c.Body)
	}
	joined := strings.Join(bodies, "\n---\n")
	assert.Contains(t, joined, "Awaiting approval for: git push")
	assert.Contains(t, joined, "On-approve executed: git push")
}

func TestHandle_ApprovalRejected(t *testing.T) {
	e := newHandlerEnv(t, succeed("patched"))
	cmd := e.create(t, func(c *models.Command) { c.ApprovalRequired = true })
	decide(t, e.store, cmd.ID, models.ApprovalRejected)

	e.h.Handle(context.Background(), cmd)

	assert.Equal(t, models.CommandFailed, e.status(t, cmd.ID))
	assert.Empty(t, e.shell.scripts)
	results, err := e.store.CommandResults(context.Background(), cmd.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Approval rejected", results[0].ErrorMessage)
	assert.Equal(t, "patched", results[0].Stdout)
}

func TestHandle_ApprovalTimeout(t *testing.T) {
	e := newHandlerEnv(t, succeed("patched"))
	cmd := e.create(t, func(c *models.Command) { c.ApprovalRequired = true })

	e.h.Handle(context.Background(), cmd)

	assert.Equal(t, models.CommandTimeout, e.status(t, cmd.ID))
}

func TestProcessPending(t *testing.T) {
	e := newHandlerEnv(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	second := e.create(t, func(c *models.Command) { c.Prompt = "second"; c.CreatedAt = base.Add(2 * time.Minute) })
	first := e.create(t, func(c *models.Command) { c.Prompt = "first"; c.CreatedAt = base.Add(time.Minute) })
	bug := e.create(t, func(c *models.Command) { c.Kind = models.CommandBugExecution; c.CreatedAt = base })
	other := e.create(t, func(c *models.Command) { c.WorkspaceID = "elsewhere"; c.CreatedAt = base })
	orphan := e.create(t, func(c *models.Command) { c.Prompt = "orphan"; c.CreatedAt = base.Add(3 * time.Minute) })
	ok, err := e.store.ClaimCommand(ctx, orphan.ID, machineID, base)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 3, e.h.ProcessPending(ctx))

	var prompts []string
	for _, r := range e.exec.requests {
		prompts = append(prompts, r.Prompt)
	}
	assert.Equal(t, []string{"first", "second", "orphan"}, prompts)
	assert.Equal(t, models.CommandCompleted, e.status(t, second.ID))
	assert.Equal(t, models.CommandCompleted, e.status(t, first.ID))
	assert.Equal(t, models.CommandPending, e.status(t, bug.ID))
	assert.Equal(t, models.CommandPending, e.status(t, other.ID))
}

func TestEvidenceBody_Previews(t *testing.T) {
	cmd := &models.Command{Agent: "claude", Prompt: strings.Repeat("p", 150)}

	ok := EvidenceBody(cmd, &models.ExecutionResult{Status: models.ExecSuccess, Stdout: strings.Repeat("o", 600)}, "")
	assert.Contains(t, ok, "Task: "+strings.Repeat("p", 100)+"...")
	assert.Contains(t, ok, strings.Repeat("o", 500)+"...")
	assert.NotContains(t, ok, "Task ref")

	bad := EvidenceBody(cmd, &models.ExecutionResult{Status: models.ExecFailed, ExitCode: 1, Stderr: strings.Repeat("e", 300)}, "mem_9")
	assert.Contains(t, bad, "Error: "+strings.Repeat("e", 200)+"...")
	assert.Contains(t, bad, "Task ref: mem_9")
}
