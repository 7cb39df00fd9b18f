// Package agentexec runs configured coding-agent binaries as subprocesses.
package agentexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/bridge/internal/connectors"
	"github.com/fentz26/bridge/internal/models"
)

// ErrUnknownAgent is returned for an agent name that is not configured.
var ErrUnknownAgent = errors.New("unknown agent")

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxOutputBytes = 10 * 1024 * 1024
	DefaultKillGrace      = 5 * time.Second
	DefaultTimeout        = time.Hour
)

// Agent is one allowed agent binary.
type Agent struct {
	Name         string
	Path         string
	DefaultFlags []string
	// PromptFlag precedes the prompt argument, e.g. "-p". Empty passes the
	// prompt as the last positional argument.
	PromptFlag string
}

// Options tunes process handling.
type Options struct {
	MaxOutputBytes int
	// KillGrace is how long a timed-out process gets after SIGTERM before it
	// is killed.
	KillGrace      time.Duration
	DefaultTimeout time.Duration
	Shell          string
	Logger         *slog.Logger
}

// AgentExec implements connectors.Executor for local subprocesses.
type AgentExec struct {
	agents map[string]Agent
	opts   Options
	logger *slog.Logger
}

var _ connectors.Executor = (*AgentExec)(nil)

// New creates an executor allowing only the given agents.
func New(agents []Agent, opts Options) *AgentExec {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/bash"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := make(map[string]Agent, len(agents))
	for _, a := range agents {
		m[a.Name] = a
	}
	return &AgentExec{agents: m, opts: opts, logger: logger.With("component", "agentexec")}
}

// Name returns the connector identifier.
func (a *AgentExec) Name() string {
	return "agentexec"
}

// IsAllowed reports whether agent is configured.
func (a *AgentExec) IsAllowed(agent string) bool {
	_, ok := a.agents[agent]
	return ok
}

// Agents returns the configured agent names, sorted.
func (a *AgentExec) Agents() []string {
	names := make([]string, 0, len(a.agents))
	for n := range a.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Args builds the argument list for req: default flags, request flags, then
// the prompt.
func (ag Agent) Args(req connectors.Request) []string {
	args := make([]string, 0, len(ag.DefaultFlags)+len(req.Flags)+2)
	args = append(args, ag.DefaultFlags...)
	args = append(args, req.Flags...)
	if ag.PromptFlag != "" {
		args = append(args, ag.PromptFlag)
	}
	return append(args, req.Prompt)
}

// Execute runs the agent named by req.
func (a *AgentExec) Execute(ctx context.Context, req connectors.Request) (*models.ExecutionResult, error) {
	agent, ok := a.agents[req.Agent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, req.Agent)
	}
	args := agent.Args(req)
	a.logger.Info("spawning agent", "agent", agent.Name, "path", agent.Path, "cwd", req.WorkingDirectory, "args", len(args))
	return a.run(ctx, agent.Path, args, req.WorkingDirectory, req.Timeout, req.Env), nil
}

// RunShell runs script through the configured shell with -c.
func (a *AgentExec) RunShell(ctx context.Context, dir, script string, timeout time.Duration) *models.ExecutionResult {
	a.logger.Info("running shell hook", "cwd", dir)
	return a.run(ctx, a.opts.Shell, []string{"-c", script}, dir, timeout, nil)
}

func (a *AgentExec) run(ctx context.Context, path string, args []string, dir string, timeout time.Duration, env map[string]string) *models.ExecutionResult {
	if timeout <= 0 {
		timeout = a.opts.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = a.opts.KillGrace

	stdout := newTailBuffer(a.opts.MaxOutputBytes)
	stderr := newTailBuffer(a.opts.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now().UTC()
	err := cmd.Run()
	res := &models.ExecutionResult{
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.StdoutTruncated = stdout.Truncated()
	res.StderrTruncated = stderr.Truncated()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Status = models.ExecSuccess
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Status = models.ExecTimeout
		res.ExitCode = -1
		res.ErrorMessage = fmt.Sprintf("timed out after %s", timeout)
		a.logger.Warn("process timed out", "path", path, "timeout", timeout)
	case ctx.Err() != nil:
		res.Status = models.ExecCancelled
		res.ExitCode = -1
		res.ErrorMessage = ctx.Err().Error()
	case errors.As(err, &exitErr):
		res.Status = models.ExecFailed
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Status = models.ExecFailed
		res.ExitCode = 1
		res.ErrorMessage = err.Error()
	}
	return res
}

// Summary is a one-line description of a result for logs and annotations.
func Summary(r *models.ExecutionResult) string {
	if r == nil {
		return "no result"
	}
	parts := []string{string(r.Status), fmt.Sprintf("exit=%d", r.ExitCode)}
	if r.ErrorMessage != "" {
		parts = append(parts, r.ErrorMessage)
	}
	return strings.Join(parts, " ")
}
