package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fentz26/bridge/internal/connectors"
	"github.com/fentz26/bridge/internal/models"
	"github.com/fentz26/bridge/internal/retry"
	"github.com/fentz26/bridge/internal/store"
)

// Runner drives one command through bounded retries. *retry.Executor
// implements it.
type Runner interface {
	Run(ctx context.Context, id string, op retry.Op) retry.Result
}

// Sweeper resets stale claims. *recovery.Sweeper implements it.
type Sweeper interface {
	Sweep(ctx context.Context, threshold time.Duration) (int, error)
}

// BugQueueConfig tunes the bug-execution queue.
type BugQueueConfig struct {
	PollInterval   time.Duration
	Limit          int
	StaleThreshold time.Duration
	// SweepInterval re-runs the stale sweep periodically. Zero sweeps only
	// at start.
	SweepInterval time.Duration
	// Agent is used when a command does not name one.
	Agent string
}

func (c BugQueueConfig) normalized() BugQueueConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Limit <= 0 {
		c.Limit = 5
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Minute
	}
	if c.Agent == "" {
		c.Agent = "claude"
	}
	return c
}

// BugQueueStats are cumulative queue counters.
type BugQueueStats struct {
	Polls     int64 `json:"polls"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Recovered int64 `json:"recovered"`
}

// BugQueue polls pending bug_execution commands and runs each through the
// retry executor.
type BugQueue struct {
	store    Store
	runner   Runner
	executor connectors.Executor
	sweeper  Sweeper
	recorder Recorder
	metrics  Metrics
	dcfg     Config
	cfg      BugQueueConfig
	logger   *slog.Logger

	processing atomic.Bool
	mu         sync.Mutex
	stats      BugQueueStats
}

// NewBugQueue creates a queue. sweeper, recorder and metrics may be nil.
func NewBugQueue(st Store, runner Runner, executor connectors.Executor, sweeper Sweeper, recorder Recorder, metrics Metrics, dcfg Config, cfg BugQueueConfig, logger *slog.Logger) *BugQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &BugQueue{
		store:    st,
		runner:   runner,
		executor: executor,
		sweeper:  sweeper,
		recorder: recorder,
		metrics:  metrics,
		dcfg:     dcfg,
		cfg:      cfg.normalized(),
		logger:   logger.With("component", "bug_queue"),
	}
}

// Stats returns a snapshot of the queue counters.
func (q *BugQueue) Stats() BugQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Run recovers stale claims, drains the queue and then polls until ctx is
// done.
func (q *BugQueue) Run(ctx context.Context) {
	q.logger.Info("bug queue started", "poll_interval", q.cfg.PollInterval, "limit", q.cfg.Limit)
	q.sweep(ctx)
	q.ProcessPending(ctx)

	poll := time.NewTicker(q.cfg.PollInterval)
	defer poll.Stop()
	var sweepC <-chan time.Time
	if q.cfg.SweepInterval > 0 {
		t := time.NewTicker(q.cfg.SweepInterval)
		defer t.Stop()
		sweepC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("bug queue stopped")
			return
		case <-poll.C:
			q.ProcessPending(ctx)
		case <-sweepC:
			q.sweep(ctx)
		}
	}
}

func (q *BugQueue) sweep(ctx context.Context) {
	if q.sweeper == nil {
		return
	}
	n, err := q.sweeper.Sweep(ctx, q.cfg.StaleThreshold)
	if err != nil {
		q.logger.Error("stale sweep", "error", err)
		return
	}
	q.mu.Lock()
	q.stats.Recovered += int64(n)
	q.mu.Unlock()
}

// ProcessPending runs up to Limit pending bug executions serially, oldest
// first, and returns how many were attempted. Overlapping calls return 0.
func (q *BugQueue) ProcessPending(ctx context.Context) int {
	if !q.processing.CompareAndSwap(false, true) {
		return 0
	}
	defer q.processing.Store(false)

	q.mu.Lock()
	q.stats.Polls++
	q.mu.Unlock()

	cmds, err := q.store.PendingCommands(ctx, store.CommandFilter{
		Workspaces: q.dcfg.Workspaces,
		Kind:       models.CommandBugExecution,
		Limit:      q.cfg.Limit,
	})
	if err != nil {
		q.logger.Error("query pending bug executions", "error", err)
		return 0
	}
	if len(cmds) > 0 {
		q.logger.Info("found pending bug executions", "count", len(cmds))
	}

	n := 0
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			break
		}
		if cmd.TargetMachineID != "" && cmd.TargetMachineID != q.dcfg.MachineID {
			continue
		}
		q.process(ctx, cmd)
		n++
	}
	return n
}

func (q *BugQueue) process(ctx context.Context, cmd models.Command) retry.Result {
	ctx, span := tracer.Start(ctx, "dispatch.bug_execution", trace.WithAttributes(attribute.String("command.id", cmd.ID)))
	defer span.End()

	if cmd.Agent == "" {
		cmd.Agent = q.cfg.Agent
	}
	res := q.runner.Run(ctx, cmd.ID, q.attempt(cmd))
	span.SetAttributes(attribute.String("retry.status", string(res.Status)), attribute.Int("retry.attempts", res.Attempts))

	q.mu.Lock()
	switch res.Status {
	case retry.Succeeded:
		q.stats.Succeeded++
	case retry.Failed:
		q.stats.Failed++
	default:
		q.stats.Skipped++
	}
	q.mu.Unlock()

	if res.Status == retry.Failed && q.metrics != nil {
		q.metrics.Command(ctx, cmd.Kind, string(models.CommandFailed))
	}
	q.logger.Info("bug execution finished", "command_id", cmd.ID, "status", res.Status, "attempts", res.Attempts)
	return res
}

// attempt is one try at a bug execution. Any error makes the retry
// executor release the claim and try again.
func (q *BugQueue) attempt(cmd models.Command) retry.Op {
	return func(ctx context.Context, attempt int) error {
		prompt := cmd.PayloadString("instructions")
		if prompt == "" {
			prompt = cmd.Prompt
		}
		if prompt == "" {
			return errors.New("bug execution requires payload.instructions or a prompt")
		}
		if err := validate(&cmd, q.dcfg.AllowedDirectories, q.executor); err != nil {
			return err
		}
		if err := q.store.SetCommandStatus(ctx, cmd.ID, models.CommandRunning); err != nil {
			return fmt.Errorf("mark running: %w", err)
		}

		env := map[string]string{CommandEnv: cmd.ID}
		if id := cmd.CommitmentID; id != "" {
			env["MENTU_COMMITMENT_ID"] = id
		} else if id := cmd.PayloadString("commitment_id"); id != "" {
			env["MENTU_COMMITMENT_ID"] = id
		}

		res, err := q.executor.Execute(ctx, connectors.Request{
			Agent:            cmd.Agent,
			Prompt:           prompt,
			WorkingDirectory: cmd.WorkingDirectory,
			Timeout:          q.dcfg.timeout(cmd.PayloadInt("timeout_seconds"), cmd.TimeoutSeconds),
			Flags:            cmd.Flags,
			Env:              env,
		})
		if err != nil {
			return err
		}
		if _, err := q.store.InsertCommandResult(ctx, cmd.ID, *res); err != nil {
			q.logger.Warn("insert attempt result", "command_id", cmd.ID, "attempt", attempt, "error", err)
		}
		if res.Status != models.ExecSuccess {
			msg := res.ErrorMessage
			if msg == "" {
				msg = preview(res.Stderr, errorPreviewLen)
			}
			return fmt.Errorf("%s (exit %d): %s", res.Status, res.ExitCode, msg)
		}

		ok := true
		if err := q.store.SetCommandResult(ctx, cmd.ID, &models.CommandResultState{Success: &ok}); err != nil {
			q.logger.Warn("record success", "command_id", cmd.ID, "error", err)
		}
		if err := q.store.SetCommandStatus(ctx, cmd.ID, models.CommandCompleted); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		if q.recorder != nil {
			q.recorder.Capture(ctx, EvidenceBody(&cmd, res, ""), models.KindEvidence, map[string]interface{}{
				"command_id": cmd.ID,
				"attempt":    attempt,
			})
		}
		if q.metrics != nil {
			q.metrics.Command(ctx, cmd.Kind, string(models.CommandCompleted))
		}
		return nil
	}
}
