package store

import (
	"context"
	"time"

	"github.com/fentz26/bridge/internal/models"
)

// CommandClaims adapts command rows to claim.Store and retry.Tracker.
type CommandClaims struct {
	s *Store
}

// CommandClaims returns the command claim adapter.
func (s *Store) CommandClaims() CommandClaims {
	return CommandClaims{s: s}
}

func (c CommandClaims) ConditionalClaim(ctx context.Context, id, claimant string, at time.Time) (bool, error) {
	return c.s.ClaimCommand(ctx, id, claimant, at)
}

func (c CommandClaims) ClaimHolder(ctx context.Context, id string) (string, bool, error) {
	return c.s.CommandHolder(ctx, id)
}

func (c CommandClaims) RecordRetry(ctx context.Context, id string, state models.RetryState) error {
	return c.s.SetCommandResult(ctx, id, &models.CommandResultState{RetryState: &state})
}

func (c CommandClaims) ResetToPending(ctx context.Context, id string) error {
	return c.s.ResetCommandToPending(ctx, id)
}

func (c CommandClaims) Fail(ctx context.Context, id, reason string) error {
	return c.s.FailCommand(ctx, id, reason)
}

// CommitmentClaims adapts commitment rows to claim.Store.
type CommitmentClaims struct {
	s *Store
}

// CommitmentClaims returns the commitment claim adapter.
func (s *Store) CommitmentClaims() CommitmentClaims {
	return CommitmentClaims{s: s}
}

func (c CommitmentClaims) ConditionalClaim(ctx context.Context, id, claimant string, at time.Time) (bool, error) {
	return c.s.ClaimCommitment(ctx, id, claimant, at)
}

func (c CommitmentClaims) ClaimHolder(ctx context.Context, id string) (string, bool, error) {
	return c.s.CommitmentOwner(ctx, id)
}
