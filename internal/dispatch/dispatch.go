// Package dispatch executes command records addressed to this machine: the
// interactive spawn handler, the approval gate and the bug-execution queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fentz26/bridge/internal/connectors"
	"github.com/fentz26/bridge/internal/models"
	"github.com/fentz26/bridge/internal/store"
)

var tracer = otel.Tracer("github.com/fentz26/bridge/internal/dispatch")

var (
	ErrDirectoryNotAllowed = errors.New("working directory not allowed")
	ErrDirectoryMissing    = errors.New("working directory does not exist")
	ErrUnknownAgent        = errors.New("agent not available")
)

// CommandEnv carries the command id into the agent's environment.
const CommandEnv = "MENTU_BRIDGE_COMMAND_ID"

const (
	outputPreviewLen = 500
	errorPreviewLen  = 200
	promptPreviewLen = 100
)

// Store is the command persistence used by dispatch. *store.Store
// implements it.
type Store interface {
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	PendingCommands(ctx context.Context, f store.CommandFilter) ([]models.Command, error)
	ClaimedCommands(ctx context.Context, machineID string) ([]models.Command, error)
	SetCommandStatus(ctx context.Context, id string, status models.CommandStatus) error
	SetApprovalStatus(ctx context.Context, id string, status models.ApprovalStatus) error
	SetCommandResult(ctx context.Context, id string, r *models.CommandResultState) error
	ResetCommandToPending(ctx context.Context, id string) error
	InsertCommandResult(ctx context.Context, commandID string, r models.ExecutionResult) (string, error)
}

// Recorder writes best-effort capture records.
type Recorder interface {
	Capture(ctx context.Context, body, kind string, meta map[string]interface{}) string
}

// Metrics counts finished commands by status. It may be nil.
type Metrics interface {
	Command(ctx context.Context, kind models.CommandKind, status string)
}

// Config is shared by the handler and the bug queue.
type Config struct {
	MachineID          string
	MachineName        string
	Workspaces         []string
	AllowedDirectories []string
	// DefaultTimeout applies when a command sets no timeout.
	DefaultTimeout time.Duration
}

func (c Config) timeout(seconds ...int) time.Duration {
	for _, s := range seconds {
		if s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return time.Hour
}

// validate checks cmd against the allowed directories and the configured
// agents before anything is spawned.
func validate(cmd *models.Command, allowed []string, executor connectors.Executor) error {
	dir := filepath.Clean(cmd.WorkingDirectory)
	if !connectors.DirectoryAllowed(dir, allowed) {
		return fmt.Errorf("%w: %s (allowed: %s)", ErrDirectoryNotAllowed, cmd.WorkingDirectory, strings.Join(allowed, ", "))
	}
	if !executor.IsAllowed(cmd.Agent) {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, cmd.Agent)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrDirectoryMissing, cmd.WorkingDirectory)
	}
	return nil
}

// syntheticResult builds a result for an outcome the agent did not produce.
func syntheticResult(status models.ExecStatus, exitCode int, stdout, stderr, msg string) *models.ExecutionResult {
	now := time.Now().UTC()
	return &models.ExecutionResult{
		Status:       status,
		ExitCode:     exitCode,
		Stdout:       stdout,
		Stderr:       stderr,
		ErrorMessage: msg,
		StartedAt:    now,
		CompletedAt:  now,
	}
}

// Submitter records final command results.
type Submitter struct {
	store    Store
	recorder Recorder
	metrics  Metrics
	logger   *slog.Logger
}

// NewSubmitter creates a submitter. recorder and metrics may be nil.
func NewSubmitter(st Store, recorder Recorder, metrics Metrics, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{store: st, recorder: recorder, metrics: metrics, logger: logger.With("component", "dispatch")}
}

// FinalStatus maps an execution outcome to the command's terminal status.
func FinalStatus(r *models.ExecutionResult) models.CommandStatus {
	if r.Status == models.ExecSuccess {
		return models.CommandCompleted
	}
	return models.CommandStatus(r.Status)
}

// SubmitResult sets the final status of cmd, stores the result row and
// captures an evidence record referencing taskID.
func (s *Submitter) SubmitResult(ctx context.Context, cmd *models.Command, r *models.ExecutionResult, taskID string) error {
	status := FinalStatus(r)
	if err := s.store.SetCommandStatus(ctx, cmd.ID, status); err != nil {
		return fmt.Errorf("set final status: %w", err)
	}
	if _, err := s.store.InsertCommandResult(ctx, cmd.ID, *r); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if s.recorder != nil {
		s.recorder.Capture(ctx, EvidenceBody(cmd, r, taskID), models.KindEvidence, map[string]interface{}{
			"command_id": cmd.ID,
			"status":     string(status),
		})
	}
	if s.metrics != nil {
		s.metrics.Command(ctx, cmd.Kind, string(status))
	}
	s.logger.Info("command finished", "command_id", cmd.ID, "status", status, "exit_code", r.ExitCode)
	return nil
}

// EvidenceBody renders the evidence capture for a finished command.
func EvidenceBody(cmd *models.Command, r *models.ExecutionResult, taskID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bridge Result [%s]: %s (exit %d)\n\nTask: %s\n\n", cmd.Agent, strings.ToUpper(string(r.Status)), r.ExitCode, preview(cmd.Prompt, promptPreviewLen))
	if r.Status == models.ExecSuccess {
		fmt.Fprintf(&b, "Output:\n%s", preview(r.Stdout, outputPreviewLen))
	} else {
		msg := r.ErrorMessage
		if msg == "" {
			msg = preview(r.Stderr, errorPreviewLen)
		}
		fmt.Fprintf(&b, "Error: %s", msg)
	}
	if taskID != "" {
		fmt.Fprintf(&b, "\n\nTask ref: %s", taskID)
	}
	return b.String()
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
