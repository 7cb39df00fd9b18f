// Package deps decides whether the commitments a commitment waits on are
// closed.
package deps

import (
	"context"
	"log/slog"

	"github.com/fentz26/bridge/internal/models"
)

// StateLookup fetches the persisted state of referenced commitments. Ids that
// do not exist are omitted from the result.
type StateLookup interface {
	CommitmentStates(ctx context.Context, ids []string) (map[string]models.CommitmentState, error)
}

// Resolver evaluates dependency buckets against a StateLookup through a TTL
// cache.
type Resolver struct {
	lookup StateLookup
	cache  *Cache
	logger *slog.Logger
}

// NewResolver creates a resolver with its own cache. A nil cache gets the
// default TTL and wall clock.
func NewResolver(lookup StateLookup, cache *Cache, logger *slog.Logger) *Resolver {
	if cache == nil {
		cache = NewCache(DefaultTTL, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		lookup: lookup,
		cache:  cache,
		logger: logger.With("component", "deps"),
	}
}

type bucket struct {
	kind models.WaitType
	ids  []string
	any  bool
}

func buckets(m models.Meta) []bucket {
	var waitFor []string
	if m.WaitFor != "" {
		waitFor = []string{m.WaitFor}
	}
	return []bucket{
		{kind: models.WaitRequires, ids: m.Requires},
		{kind: models.WaitFor, ids: waitFor},
		{kind: models.WaitForAll, ids: m.WaitForAll},
		{kind: models.WaitForAny, ids: m.WaitForAny, any: true},
	}
}

// Check evaluates requires, wait_for, wait_for_all and wait_for_any in that
// order. The first bucket that is present and unsatisfied is reported and
// later buckets are not evaluated.
func (r *Resolver) Check(ctx context.Context, c models.Commitment) models.DependencyStatus {
	for _, b := range buckets(c.Meta) {
		ids := dedupe(b.ids)
		if len(ids) == 0 {
			continue
		}

		states := r.states(ctx, c.ID, ids)
		var open []string
		for _, id := range ids {
			if states[id] != models.CommitmentClosed {
				open = append(open, id)
			}
		}

		satisfied := len(open) == 0
		if b.any {
			satisfied = len(open) < len(ids)
		}
		if satisfied {
			continue
		}

		return models.DependencyStatus{
			Satisfied: false,
			BlockedBy: open,
			WaitType:  b.kind,
		}
	}
	return models.DependencyStatus{Satisfied: true}
}

// states resolves ids from the cache, fetching the rest in one lookup. On a
// fetch error the uncached ids are left unresolved, which counts as open.
func (r *Resolver) states(ctx context.Context, owner string, ids []string) map[string]models.CommitmentState {
	out := make(map[string]models.CommitmentState, len(ids))
	var missing []string
	for _, id := range ids {
		if s, ok := r.cache.Get(id); ok {
			out[id] = s
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out
	}

	fetched, err := r.lookup.CommitmentStates(ctx, missing)
	if err != nil {
		r.logger.Warn("dependency lookup failed, treating as blocked",
			"commitment_id", owner, "ids", missing, "error", err)
		return out
	}
	for _, id := range missing {
		s, ok := fetched[id]
		if !ok {
			r.logger.Debug("dependency not found", "commitment_id", owner, "dependency_id", id)
			continue
		}
		r.cache.Put(id, s)
		out[id] = s
	}
	return out
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		if len(ids) == 1 && ids[0] == "" {
			return nil
		}
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
