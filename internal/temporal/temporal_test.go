package temporal

import (
	"testing"
	"time"

	"github.com/fentz26/bridge/internal/models"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) string {
	return now.Add(d).Format(time.RFC3339)
}

func grace(m float64) *float64 {
	return &m
}

func open(meta models.Meta) models.Commitment {
	return models.Commitment{
		ID:    "cmt_test",
		Body:  "Test commitment",
		State: models.CommitmentOpen,
		Meta:  meta,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		c    models.Commitment
		want models.TemporalState
	}{
		{"no metadata", open(models.Meta{}), models.TemporalDue},
		{"due_at future", open(models.Meta{DueAt: at(time.Hour)}), models.TemporalScheduled},
		{"scheduled_for future", open(models.Meta{ScheduledFor: at(time.Hour)}), models.TemporalScheduled},
		{"due_at past", open(models.Meta{DueAt: at(-time.Hour)}), models.TemporalDue},
		{"due_at wins over scheduled_for", open(models.Meta{DueAt: at(-time.Hour), ScheduledFor: at(time.Hour)}), models.TemporalDue},
		{"wait_until future", open(models.Meta{WaitUntil: at(time.Hour)}), models.TemporalWaiting},
		{"wait_until past", open(models.Meta{WaitUntil: at(-time.Hour)}), models.TemporalDue},
		{"wait_until beats past due", open(models.Meta{DueAt: at(-time.Hour), WaitUntil: at(time.Hour)}), models.TemporalWaiting},
		{"past deadline", open(models.Meta{DueAt: at(-2 * time.Hour), Deadline: at(-time.Hour)}), models.TemporalLate},
		{"deadline without due is due", open(models.Meta{Deadline: at(-time.Hour)}), models.TemporalDue},
		{"deadline ahead", open(models.Meta{DueAt: at(-2 * time.Hour), Deadline: at(time.Hour)}), models.TemporalDue},
		{"scheduled beats deadline", open(models.Meta{DueAt: at(time.Hour), Deadline: at(-time.Hour)}), models.TemporalScheduled},
		{"within grace", open(models.Meta{DueAt: at(-2 * time.Hour), Deadline: at(-30 * time.Minute), GracePeriod: grace(60)}), models.TemporalDue},
		{"zero grace", open(models.Meta{DueAt: at(-time.Hour), Deadline: at(-time.Second), GracePeriod: grace(0)}), models.TemporalLate},
		{"negative grace clamps to zero", open(models.Meta{DueAt: at(-time.Hour), Deadline: at(-time.Second), GracePeriod: grace(-30)}), models.TemporalLate},
		{"negative grace does not shrink window", open(models.Meta{DueAt: at(-time.Hour), Deadline: at(10 * time.Minute), GracePeriod: grace(-30)}), models.TemporalDue},
		{"wait_until with deadline", open(models.Meta{WaitUntil: at(time.Hour), Deadline: at(2 * time.Hour)}), models.TemporalWaiting},
		{"malformed due_at", open(models.Meta{DueAt: "invalid-date"}), models.TemporalDue},
		{"malformed wait_until", open(models.Meta{WaitUntil: "soon"}), models.TemporalDue},
		{"malformed deadline", open(models.Meta{DueAt: at(-time.Hour), Deadline: "yesterday"}), models.TemporalDue},
		{"utc timestamp", open(models.Meta{DueAt: "2030-01-01T00:00:00Z"}), models.TemporalScheduled},
		{"offset timestamp", open(models.Meta{DueAt: "2030-01-01T00:00:00+05:00"}), models.TemporalScheduled},
		{"date only", open(models.Meta{DueAt: "2030-01-01"}), models.TemporalScheduled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.c, now); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify_Precedence(t *testing.T) {
	contradictory := models.Meta{
		DueAt:     at(-2 * time.Hour),
		Deadline:  at(-time.Hour),
		WaitUntil: at(time.Hour),
	}

	closed := open(contradictory)
	closed.State = models.CommitmentClosed
	closed.Owner = "agent:other"
	if got := Classify(closed, now); got != models.TemporalClosed {
		t.Errorf("closed commitment: got %s", got)
	}

	owned := open(contradictory)
	owned.Owner = "agent:bridge"
	if got := Classify(owned, now); got != models.TemporalActive {
		t.Errorf("owned commitment with future wait_until: got %s", got)
	}

	waiting := open(contradictory)
	if got := Classify(waiting, now); got != models.TemporalWaiting {
		t.Errorf("embargoed late commitment: got %s", got)
	}
}

func TestClassify_GraceBoundary(t *testing.T) {
	deadline := now.Add(-2 * time.Hour)
	c := open(models.Meta{
		DueAt:       deadline.Add(-time.Hour).Format(time.RFC3339),
		Deadline:    deadline.Format(time.RFC3339),
		GracePeriod: grace(60),
	})

	cases := []struct {
		offset time.Duration
		want   models.TemporalState
	}{
		{59 * time.Minute, models.TemporalDue},
		{60 * time.Minute, models.TemporalDue}, // strict: exactly at effective deadline is not late
		{61 * time.Minute, models.TemporalLate},
	}
	for _, tc := range cases {
		if got := Classify(c, deadline.Add(tc.offset)); got != tc.want {
			t.Errorf("deadline+%v: got %s, want %s", tc.offset, got, tc.want)
		}
	}
}

func TestClassify_Transitions(t *testing.T) {
	due := now.Add(time.Second)
	c := open(models.Meta{DueAt: due.Format(time.RFC3339)})
	if got := Classify(c, due.Add(-500*time.Millisecond)); got != models.TemporalScheduled {
		t.Errorf("before due: got %s", got)
	}
	if got := Classify(c, due); got != models.TemporalDue {
		t.Errorf("exactly at due: got %s", got)
	}
	if got := Classify(c, due.Add(500*time.Millisecond)); got != models.TemporalDue {
		t.Errorf("after due: got %s", got)
	}

	waitUntil := now.Add(time.Second)
	w := open(models.Meta{WaitUntil: waitUntil.Format(time.RFC3339)})
	if got := Classify(w, waitUntil.Add(-500*time.Millisecond)); got != models.TemporalWaiting {
		t.Errorf("before wait_until: got %s", got)
	}
	if got := Classify(w, waitUntil.Add(500*time.Millisecond)); got != models.TemporalDue {
		t.Errorf("after wait_until: got %s", got)
	}
}

func TestParseTime(t *testing.T) {
	if _, ok := ParseTime(""); ok {
		t.Error("empty string should not parse")
	}
	if _, ok := ParseTime("not a time"); ok {
		t.Error("garbage should not parse")
	}
	got, ok := ParseTime("2026-03-10 12:00:00")
	if !ok || !got.Equal(now) {
		t.Errorf("space layout: got %v ok=%v", got, ok)
	}
	got, ok = ParseTime("2026-03-10T17:00:00+05:00")
	if !ok || !got.Equal(now) {
		t.Errorf("offset layout: got %v ok=%v", got, ok)
	}
	got, ok = ParseTime("2026-03-10T12:00:00.123")
	if want := now.Add(123 * time.Millisecond); !ok || !got.Equal(want) {
		t.Errorf("fractional seconds without offset: got %v ok=%v", got, ok)
	}
	got, ok = ParseTime("2026-03-10 12:00:00.5")
	if want := now.Add(500 * time.Millisecond); !ok || !got.Equal(want) {
		t.Errorf("fractional seconds with space: got %v ok=%v", got, ok)
	}
}

func TestIsRunnable(t *testing.T) {
	for _, s := range []models.TemporalState{models.TemporalDue, models.TemporalLate} {
		if !IsRunnable(s) {
			t.Errorf("%s should be runnable", s)
		}
	}
	for _, s := range []models.TemporalState{models.TemporalClosed, models.TemporalActive, models.TemporalWaiting, models.TemporalScheduled} {
		if IsRunnable(s) {
			t.Errorf("%s should not be runnable", s)
		}
	}
}
