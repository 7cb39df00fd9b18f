// Package temporal computes the scheduling phase of a commitment from its
// metadata and the current time.
package temporal

import (
	"strings"
	"time"

	"github.com/fentz26/bridge/internal/models"
)

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a producer-written timestamp. Values without an offset are
// read as UTC. ok is false for empty or unparseable input.
func ParseTime(s string) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// EffectiveDue returns due_at, or scheduled_for when due_at is absent.
// An unparseable value counts as absent.
func EffectiveDue(m models.Meta) (time.Time, bool) {
	raw := m.DueAt
	if strings.TrimSpace(raw) == "" {
		raw = m.ScheduledFor
	}
	return ParseTime(raw)
}

// GraceMinutes returns the grace period clamped to zero.
func GraceMinutes(m models.Meta) float64 {
	if m.GracePeriod == nil || *m.GracePeriod < 0 {
		return 0
	}
	return *m.GracePeriod
}

// EffectiveDeadline returns deadline plus the clamped grace period.
func EffectiveDeadline(m models.Meta) (time.Time, bool) {
	deadline, ok := ParseTime(m.Deadline)
	if !ok {
		return time.Time{}, false
	}
	grace := time.Duration(GraceMinutes(m) * float64(time.Minute))
	return deadline.Add(grace), true
}

// Classify returns the temporal state of c at now. The checks run in a fixed
// order and the first match wins: closed, active, waiting, scheduled, late,
// due. All comparisons are strict, so a commitment exactly at its due time is
// due and one exactly at its effective deadline is not yet late.
func Classify(c models.Commitment, now time.Time) models.TemporalState {
	if c.State == models.CommitmentClosed {
		return models.TemporalClosed
	}
	if c.Owned() {
		return models.TemporalActive
	}
	if waitUntil, ok := ParseTime(c.Meta.WaitUntil); ok && waitUntil.After(now) {
		return models.TemporalWaiting
	}

	due, ok := EffectiveDue(c.Meta)
	if !ok {
		return models.TemporalDue
	}
	if due.After(now) {
		return models.TemporalScheduled
	}

	if deadline, ok := EffectiveDeadline(c.Meta); ok && now.After(deadline) {
		return models.TemporalLate
	}
	return models.TemporalDue
}

// IsRunnable reports whether a commitment in state s may be executed this tick,
// before dependency checks and late policy.
func IsRunnable(s models.TemporalState) bool {
	return s == models.TemporalDue || s == models.TemporalLate
}
