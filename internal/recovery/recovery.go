// Package recovery returns work stranded by a crashed run of this machine to
// the pending queue, for both commands and commitments.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/bridge/internal/models"
)

// DefaultThreshold is how long a claim may sit without progress.
const DefaultThreshold = 30 * time.Minute

// Store finds and resets stale claims.
type Store interface {
	StaleClaims(ctx context.Context, machineID string, cutoff time.Time, kind models.CommandKind) ([]models.Command, error)
	ResetStaleClaim(ctx context.Context, id, machineID string, cutoff time.Time) (bool, error)
}

type options struct {
	kind   models.CommandKind
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Sweeper or a CommitmentSweeper.
type Option func(*options)

// ForKind limits a command sweep to one command kind.
func ForKind(k models.CommandKind) Option { return func(o *options) { o.kind = k } }

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func newOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "recovery")
	return o
}

// Sweeper resets commands this machine claimed but never started.
type Sweeper struct {
	store     Store
	machineID string
	kind      models.CommandKind
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a sweeper for machineID.
func New(store Store, machineID string, opts ...Option) *Sweeper {
	o := newOptions(opts)
	return &Sweeper{store: store, machineID: machineID, kind: o.kind, now: o.now, logger: o.logger}
}

// Sweep resets every command claimed by this machine longer than threshold
// ago and returns how many were reset. Claims held by other machines are
// never touched. A row that changed between the scan and the reset is left
// alone.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	cutoff := s.now().UTC().Add(-threshold)

	stale, err := s.store.StaleClaims(ctx, s.machineID, cutoff, s.kind)
	if err != nil {
		return 0, fmt.Errorf("find stale claims: %w", err)
	}

	reset := 0
	for _, cmd := range stale {
		ok, err := s.store.ResetStaleClaim(ctx, cmd.ID, s.machineID, cutoff)
		if err != nil {
			s.logger.Warn("reset stale claim", "command_id", cmd.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		reset++
		s.logger.Info("reset stale claim", "command_id", cmd.ID, "claimed_at", cmd.ClaimedAt)
	}
	if reset > 0 {
		s.logger.Info("stale claims recovered", "count", reset, "threshold", threshold)
	}
	return reset, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, threshold); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// CommitmentStore finds and releases stale commitment claims. Both the SQL
// store and the ledger client implement it.
type CommitmentStore interface {
	StaleCommitments(ctx context.Context, owner string, cutoff time.Time) ([]models.Commitment, error)
	ResetStaleCommitment(ctx context.Context, id, owner string, cutoff time.Time) (bool, error)
}

// CommitmentSweeper releases commitments left claimed by a run of this
// executor that never closed or released them. owner is the executor's
// machine-scoped claimant, so claims held by other executors are never
// touched.
type CommitmentSweeper struct {
	store  CommitmentStore
	owner  string
	now    func() time.Time
	logger *slog.Logger
}

// NewCommitmentSweeper creates a commitment sweeper for owner.
func NewCommitmentSweeper(store CommitmentStore, owner string, opts ...Option) *CommitmentSweeper {
	o := newOptions(opts)
	return &CommitmentSweeper{store: store, owner: owner, now: o.now, logger: o.logger}
}

// ReleaseBefore releases every open commitment owner claimed before cutoff
// and returns how many were released.
func (s *CommitmentSweeper) ReleaseBefore(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.store.StaleCommitments(ctx, s.owner, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale commitments: %w", err)
	}

	released := 0
	for _, c := range stale {
		ok, err := s.store.ResetStaleCommitment(ctx, c.ID, s.owner, cutoff)
		if err != nil {
			s.logger.Warn("release stale commitment", "commitment_id", c.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		released++
		s.logger.Info("released stale commitment", "commitment_id", c.ID, "claimed_at", c.ClaimedAt)
	}
	if released > 0 {
		s.logger.Info("stale commitments recovered", "count", released, "owner", s.owner)
	}
	return released, nil
}

// Sweep releases commitments claimed longer than threshold ago.
func (s *CommitmentSweeper) Sweep(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return s.ReleaseBefore(ctx, s.now().UTC().Add(-threshold))
}
