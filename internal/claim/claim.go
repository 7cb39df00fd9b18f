// Package claim acquires exclusive ownership of work items through a single
// conditional write in the backing store.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Outcome is the result of a claim attempt.
type Outcome int

const (
	// Conflict means another claimant holds the item, or it is no longer
	// claimable.
	Conflict Outcome = iota
	// Claimed means this call acquired the item.
	Claimed
	// Resumed means the item was already held by this claimant.
	Resumed
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case Resumed:
		return "resumed"
	default:
		return "conflict"
	}
}

// Acquired reports whether the caller may proceed with the item.
func (o Outcome) Acquired() bool {
	return o == Claimed || o == Resumed
}

// Store is the consistency primitive the coordinator relies on.
type Store interface {
	// ConditionalClaim sets the claim fields only if the item is unclaimed and
	// reports whether exactly one row changed.
	ConditionalClaim(ctx context.Context, id, claimant string, at time.Time) (bool, error)
	// ClaimHolder returns the current claimant, if any.
	ClaimHolder(ctx context.Context, id string) (holder string, claimed bool, err error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// AllowResume makes a claim already held by this claimant count as Resumed
// instead of Conflict.
func AllowResume() Option {
	return func(c *Coordinator) { c.resume = true }
}

// WithClock overrides the time stamped on claims.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator claims items on behalf of one claimant identity.
type Coordinator struct {
	store    Store
	claimant string
	resume   bool
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a coordinator for claimant.
func New(store Store, claimant string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		claimant: claimant,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "claim", "claimant", claimant)
	return c
}

// Claimant returns the identity this coordinator claims as.
func (c *Coordinator) Claimant() string {
	return c.claimant
}

// Claim attempts to take id. A store error is returned wrapped with Conflict;
// losing the race is not an error.
func (c *Coordinator) Claim(ctx context.Context, id string) (Outcome, error) {
	ok, err := c.store.ConditionalClaim(ctx, id, c.claimant, c.now().UTC())
	if err != nil {
		return Conflict, fmt.Errorf("claim %s: %w", id, err)
	}
	if ok {
		c.logger.Debug("claimed", "id", id)
		return Claimed, nil
	}

	if !c.resume {
		c.logger.Debug("claim conflict", "id", id)
		return Conflict, nil
	}

	holder, claimed, err := c.store.ClaimHolder(ctx, id)
	if err != nil {
		return Conflict, fmt.Errorf("claim holder %s: %w", id, err)
	}
	if claimed && holder == c.claimant {
		c.logger.Info("resuming own claim", "id", id)
		return Resumed, nil
	}
	c.logger.Debug("claim conflict", "id", id, "holder", holder)
	return Conflict, nil
}
