package scheduler

import (
	"context"
	"fmt"

	"github.com/fentz26/bridge/internal/connectors"
	"github.com/fentz26/bridge/internal/models"
)

// AgentHandler runs each commitment through executor with the named agent.
// A run that does not end in success is returned as an error.
func AgentHandler(executor connectors.Executor, agent string) ExecuteHandler {
	return func(ctx context.Context, req ExecuteRequest) error {
		res, err := executor.Execute(ctx, connectors.Request{
			Agent:            agent,
			Prompt:           req.Prompt,
			WorkingDirectory: req.WorkingDirectory,
			Timeout:          req.Timeout,
			Env:              map[string]string{"MENTU_COMMITMENT_ID": req.Commitment.ID},
		})
		if err != nil {
			return err
		}
		if res.Status != models.ExecSuccess {
			msg := res.ErrorMessage
			if msg == "" {
				msg = fmt.Sprintf("exit code %d", res.ExitCode)
			}
			return fmt.Errorf("agent %s: %s: %s", agent, res.Status, msg)
		}
		return nil
	}
}
