package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/bridge/internal/models"
)

// Approval gate defaults.
const (
	DefaultApprovalTimeout = 24 * time.Hour
	DefaultApprovalPoll    = 5 * time.Second
	onApproveTimeout       = 30 * time.Minute
)

// Decision is the outcome of waiting on the approval gate.
type Decision string

const (
	Approved  Decision = "approved"
	Rejected  Decision = "rejected"
	TimedOut  Decision = "timeout"
	Abandoned Decision = "abandoned"
)

// ShellRunner runs on_approve hooks. *agentexec.AgentExec implements it.
type ShellRunner interface {
	RunShell(ctx context.Context, dir, script string, timeout time.Duration) *models.ExecutionResult
}

// ApprovalWaiter polls a command's approval status.
type ApprovalWaiter struct {
	store   Store
	shell   ShellRunner
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// NewApprovalWaiter creates a waiter. Zero durations take the defaults.
func NewApprovalWaiter(st Store, shell ShellRunner, timeout, poll time.Duration, logger *slog.Logger) *ApprovalWaiter {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if poll <= 0 {
		poll = DefaultApprovalPoll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalWaiter{store: st, shell: shell, timeout: timeout, poll: poll, logger: logger.With("component", "approval")}
}

// Wait blocks until id is approved or rejected, the timeout passes, or ctx
// is done (Abandoned). Read errors are logged and polling continues.
func (w *ApprovalWaiter) Wait(ctx context.Context, id string) Decision {
	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		cmd, err := w.store.GetCommand(ctx, id)
		if err != nil {
			w.logger.Warn("read approval status", "command_id", id, "error", err)
		} else {
			switch cmd.ApprovalStatus {
			case models.ApprovalApproved:
				return Approved
			case models.ApprovalRejected:
				return Rejected
			}
		}

		select {
		case <-ctx.Done():
			return Abandoned
		case <-deadline.C:
			return TimedOut
		case <-ticker.C:
		}
	}
}

// RunOnApprove executes the command's on_approve hook in its working
// directory. A command without a hook succeeds immediately.
func (w *ApprovalWaiter) RunOnApprove(ctx context.Context, cmd *models.Command) *models.ExecutionResult {
	if cmd.OnApprove == "" {
		return syntheticResult(models.ExecSuccess, 0, "No on_approve action", "", "")
	}
	w.logger.Info("executing on_approve", "command_id", cmd.ID)
	return w.shell.RunShell(ctx, cmd.WorkingDirectory, cmd.OnApprove, onApproveTimeout)
}

func onApproveEvidence(cmd *models.Command, r *models.ExecutionResult) string {
	return fmt.Sprintf("On-approve executed: %s\n\nResult: %s\nOutput: %s", cmd.OnApprove, r.Status, preview(r.Stdout, outputPreviewLen))
}
