// Package controlplane serves the daemon's read-only status API.
package controlplane

import (
	"context"
	"sort"
	"sync"

	"github.com/fentz26/bridge/internal/models"
)

// Store is the read side of the command store.
type Store interface {
	Ping(ctx context.Context) error
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	CommandResults(ctx context.Context, commandID string) ([]models.ExecutionResult, error)
	CommandCounts(ctx context.Context) (map[models.CommandStatus]int, error)
}

// StatsFunc snapshots one component's counters.
type StatsFunc func() any

// Service gathers status from the store and the registered components.
type Service struct {
	store Store

	mu    sync.RWMutex
	stats map[string]StatsFunc
}

// NewService creates a status service over st.
func NewService(st Store) *Service {
	return &Service{store: st, stats: make(map[string]StatsFunc)}
}

// Register exposes fn under name in the stats report.
func (s *Service) Register(name string, fn StatsFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] = fn
}

// Ping checks the store connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Stats returns every registered component's snapshot and the command
// counts by status.
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]any, len(names)+1)
	for _, name := range names {
		out[name] = s.stats[name]()
	}
	s.mu.RUnlock()

	counts, err := s.store.CommandCounts(ctx)
	if err != nil {
		return nil, err
	}
	out["commands"] = counts
	return out, nil
}

// CommandDetail is a command with its recorded runs.
type CommandDetail struct {
	Command *models.Command          `json:"command"`
	Results []models.ExecutionResult `json:"results"`
}

// Command returns a command and its results.
func (s *Service) Command(ctx context.Context, id string) (*CommandDetail, error) {
	cmd, err := s.store.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := s.store.CommandResults(ctx, id)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []models.ExecutionResult{}
	}
	return &CommandDetail{Command: cmd, Results: results}, nil
}
