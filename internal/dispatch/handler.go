package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fentz26/bridge/internal/claim"
	"github.com/fentz26/bridge/internal/connectors"
	"github.com/fentz26/bridge/internal/models"
	"github.com/fentz26/bridge/internal/store"
)

// Claimer takes a command for this machine. The handler's coordinator
// allows resuming its own claims.
type Claimer interface {
	Claim(ctx context.Context, id string) (claim.Outcome, error)
}

// Disposition is what Handle did with a command.
type Disposition string

const (
	SkippedOtherMachine Disposition = "other_machine"
	SkippedStatus       Disposition = "status"
	SkippedInFlight     Disposition = "in_flight"
	SkippedBugQueue     Disposition = "bug_queue"
	SkippedClaimed      Disposition = "claimed_elsewhere"
	Finished            Disposition = "finished"
	Interrupted         Disposition = "interrupted"
)

// Handler runs spawn commands addressed to this machine.
type Handler struct {
	store     Store
	claimer   Claimer
	executor  connectors.Executor
	approvals *ApprovalWaiter
	submitter *Submitter
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}

	processing atomic.Bool
}

// NewHandler creates a handler. recorder may be nil.
func NewHandler(st Store, claimer Claimer, executor connectors.Executor, approvals *ApprovalWaiter, submitter *Submitter, recorder Recorder, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     st,
		claimer:   claimer,
		executor:  executor,
		approvals: approvals,
		submitter: submitter,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.With("component", "handler"),
		inFlight:  make(map[string]struct{}),
	}
}

func (h *Handler) begin(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inFlight[id]; ok {
		return false
	}
	h.inFlight[id] = struct{}{}
	return true
}

func (h *Handler) end(id string) {
	h.mu.Lock()
	delete(h.inFlight, id)
	h.mu.Unlock()
}

// Handle takes cmd through claim, validation, execution, the optional
// approval gate and result submission.
func (h *Handler) Handle(ctx context.Context, cmd models.Command) Disposition {
	log := h.logger.With("command_id", cmd.ID)

	if cmd.TargetMachineID != "" && cmd.TargetMachineID != h.cfg.MachineID {
		log.Debug("skip: targeted at another machine", "target", cmd.TargetMachineID)
		return SkippedOtherMachine
	}
	if cmd.Status != models.CommandPending && cmd.Status != models.CommandClaimed {
		log.Debug("skip: status", "status", cmd.Status)
		return SkippedStatus
	}
	if !h.begin(cmd.ID) {
		log.Debug("skip: already processing")
		return SkippedInFlight
	}
	defer h.end(cmd.ID)

	if cmd.Kind == models.CommandBugExecution {
		log.Debug("skip: owned by the bug queue")
		return SkippedBugQueue
	}

	out, err := h.claimer.Claim(ctx, cmd.ID)
	if err != nil {
		log.Warn("claim failed", "error", err)
		return SkippedClaimed
	}
	if !out.Acquired() {
		log.Info("already claimed by another machine")
		return SkippedClaimed
	}
	if out == claim.Resumed {
		log.Info("resuming command claimed before restart")
	}

	ctx, span := tracer.Start(ctx, "dispatch.handle", trace.WithAttributes(
		attribute.String("command.id", cmd.ID),
		attribute.String("command.agent", cmd.Agent),
	))
	defer span.End()

	log.Info("executing command", "agent", cmd.Agent, "working_directory", cmd.WorkingDirectory, "prompt", preview(cmd.Prompt, promptPreviewLen))

	taskID := h.captureTask(ctx, &cmd)

	if err := validate(&cmd, h.cfg.AllowedDirectories, h.executor); err != nil {
		log.Warn("validation failed", "error", err)
		span.SetStatus(codes.Error, "validation failed")
		return h.submit(ctx, &cmd, syntheticResult(models.ExecFailed, 1, "", err.Error(), err.Error()), taskID)
	}

	if err := h.store.SetCommandStatus(ctx, cmd.ID, models.CommandRunning); err != nil {
		log.Warn("mark running", "error", err)
	}

	res, err := h.executor.Execute(ctx, connectors.Request{
		Agent:            cmd.Agent,
		Prompt:           cmd.Prompt,
		WorkingDirectory: cmd.WorkingDirectory,
		Timeout:          h.cfg.timeout(cmd.TimeoutSeconds),
		Flags:            cmd.Flags,
		Env:              map[string]string{CommandEnv: cmd.ID},
	})
	if err != nil {
		res = syntheticResult(models.ExecFailed, 1, "", err.Error(), err.Error())
	}
	span.SetAttributes(attribute.String("command.status", string(res.Status)))

	if res.Status == models.ExecCancelled && ctx.Err() != nil {
		log.Info("interrupted by shutdown, returning to queue")
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := h.store.ResetCommandToPending(rctx, cmd.ID); err != nil {
			log.Warn("reset interrupted command", "error", err)
		}
		return Interrupted
	}

	if cmd.ApprovalRequired && res.Status == models.ExecSuccess && h.approvals != nil {
		return h.awaitApproval(ctx, &cmd, res, taskID)
	}
	return h.submit(ctx, &cmd, res, taskID)
}

func (h *Handler) captureTask(ctx context.Context, cmd *models.Command) string {
	if h.recorder == nil {
		return ""
	}
	body := fmt.Sprintf("Bridge Task [%s]: %s\n\nDirectory: %s\nMachine: %s", cmd.Agent, cmd.Prompt, cmd.WorkingDirectory, h.cfg.MachineName)
	return h.recorder.Capture(ctx, body, models.KindTask, map[string]interface{}{"command_id": cmd.ID})
}

func (h *Handler) awaitApproval(ctx context.Context, cmd *models.Command, res *models.ExecutionResult, taskID string) Disposition {
	log := h.logger.With("command_id", cmd.ID)

	if err := h.store.SetApprovalStatus(ctx, cmd.ID, models.ApprovalPending); err != nil {
		log.Warn("set approval pending", "error", err)
	}
	if err := h.store.SetCommandStatus(ctx, cmd.ID, models.CommandAwaitingApproval); err != nil {
		log.Warn("mark awaiting approval", "error", err)
	}
	if h.recorder != nil {
		h.recorder.Capture(ctx,
			fmt.Sprintf("Claude completed [%s]: %s\n\nAwaiting approval for: %s", cmd.Agent, preview(res.Stdout, outputPreviewLen), cmd.OnApprove),
			models.KindEvidence, map[string]interface{}{"command_id": cmd.ID})
	}
	log.Info("awaiting approval")

	switch h.approvals.Wait(ctx, cmd.ID) {
	case Approved:
		log.Info("approved, running on_approve")
		if err := h.store.SetCommandStatus(ctx, cmd.ID, models.CommandApproved); err != nil {
			log.Warn("mark approved", "error", err)
		}
		hook := h.approvals.RunOnApprove(ctx, cmd)
		if h.recorder != nil {
			h.recorder.Capture(ctx, onApproveEvidence(cmd, hook), models.KindEvidence, map[string]interface{}{"command_id": cmd.ID})
		}
		return h.submit(ctx, cmd, hook, taskID)
	case Rejected:
		log.Info("rejected")
		return h.submit(ctx, cmd, syntheticResult(models.ExecFailed, 1, res.Stdout, "Command rejected by user", "Approval rejected"), taskID)
	case TimedOut:
		log.Warn("approval timed out")
		return h.submit(ctx, cmd, syntheticResult(models.ExecTimeout, 1, res.Stdout, fmt.Sprintf("Approval timed out after %s", h.approvals.timeout), "Approval timeout"), taskID)
	default:
		log.Info("stopped waiting for approval")
		return Interrupted
	}
}

func (h *Handler) submit(ctx context.Context, cmd *models.Command, res *models.ExecutionResult, taskID string) Disposition {
	// Results are written even when shutdown has cancelled ctx.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := h.submitter.SubmitResult(ctx, cmd, res, taskID); err != nil {
		h.logger.Error("submit result", "command_id", cmd.ID, "error", err)
	}
	return Finished
}

// ProcessPending handles pending spawn commands for the configured
// workspaces and this machine's orphaned claims, oldest first. A call made
// while another is running returns 0 immediately.
func (h *Handler) ProcessPending(ctx context.Context) int {
	if !h.processing.CompareAndSwap(false, true) {
		return 0
	}
	defer h.processing.Store(false)

	pending, err := h.store.PendingCommands(ctx, store.CommandFilter{Workspaces: h.cfg.Workspaces, Kind: models.CommandSpawn})
	if err != nil {
		h.logger.Error("query pending commands", "error", err)
		return 0
	}
	orphaned, err := h.store.ClaimedCommands(ctx, h.cfg.MachineID)
	if err != nil {
		h.logger.Warn("query orphaned claims", "error", err)
	}

	seen := make(map[string]bool, len(pending)+len(orphaned))
	var cmds []models.Command
	for _, c := range append(pending, orphaned...) {
		if !seen[c.ID] {
			seen[c.ID] = true
			cmds = append(cmds, c)
		}
	}
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].CreatedAt.Before(cmds[j].CreatedAt) })

	if len(cmds) > 0 {
		h.logger.Info("processing commands", "pending", len(pending), "orphaned", len(orphaned))
	}
	handled := 0
	for _, c := range cmds {
		if ctx.Err() != nil {
			break
		}
		if h.Handle(ctx, c) == Finished {
			handled++
		}
	}
	return handled
}

// Run processes commands at start, on every wake signal and every poll
// interval until ctx is done.
func (h *Handler) Run(ctx context.Context, wake <-chan struct{}, poll time.Duration) {
	h.ProcessPending(ctx)
	if poll <= 0 {
		poll = time.Minute
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			h.ProcessPending(ctx)
		case <-ticker.C:
			h.ProcessPending(ctx)
		}
	}
}
