// Package connectors defines how the daemon hands a prompt to an external
// coding agent.
package connectors

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/bridge/internal/models"
)

// Request describes one agent run.
type Request struct {
	// Agent names a configured agent binary.
	Agent            string
	Prompt           string
	WorkingDirectory string
	Timeout          time.Duration
	// Flags are appended after the agent's default flags.
	Flags []string
	// Env is added to the inherited environment.
	Env map[string]string
}

// Executor runs agents.
type Executor interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs the request to completion. A non-nil result is returned
	// for every run that was attempted, including timeouts and non-zero
	// exits and binaries that fail to spawn. The error is reserved for
	// requests naming an agent that is not allowed.
	Execute(ctx context.Context, req Request) (*models.ExecutionResult, error)

	// IsAllowed reports whether agent is configured.
	IsAllowed(agent string) bool
}

// DirectoryAllowed reports whether dir is one of allowed or lies beneath
// one. Paths are compared after cleaning, so a sibling that merely shares a
// prefix ("/srv/work-evil" against "/srv/work") is refused.
func DirectoryAllowed(dir string, allowed []string) bool {
	dir = filepath.Clean(dir)
	for _, root := range allowed {
		root = filepath.Clean(root)
		if dir == root || strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
