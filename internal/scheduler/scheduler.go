package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fentz26/bridge/internal/claim"
	"github.com/fentz26/bridge/internal/connectors"
	"github.com/fentz26/bridge/internal/escalation"
	"github.com/fentz26/bridge/internal/models"
	"github.com/fentz26/bridge/internal/temporal"
)

var tracer = otel.Tracer("github.com/fentz26/bridge/internal/scheduler")

const releaseTimeout = 10 * time.Second

// Source is where open commitments come from and go back to. Both the SQL
// store and the ledger client implement it.
type Source interface {
	OpenCommitments(ctx context.Context, limit int) ([]models.Commitment, error)
	GetCommitment(ctx context.Context, id string) (*models.Commitment, error)
	ReleaseCommitment(ctx context.Context, id, owner string) error
	CloseCommitment(ctx context.Context, id, outcome, reason string) error
}

// DependencyChecker reports whether a commitment's dependencies allow it to run.
type DependencyChecker interface {
	Check(ctx context.Context, c models.Commitment) models.DependencyStatus
}

// Claimer takes ownership of a commitment right before it runs.
type Claimer interface {
	Claim(ctx context.Context, id string) (claim.Outcome, error)
	Claimant() string
}

// StaleReleaser releases commitments the claimant took before cutoff and
// never closed or released. *recovery.CommitmentSweeper implements it.
type StaleReleaser interface {
	ReleaseBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Recorder writes best-effort audit records.
type Recorder interface {
	Annotate(ctx context.Context, targetID, body, kind string)
	Capture(ctx context.Context, body, kind string, meta map[string]interface{}) string
}

// Metrics receives tick and decision counts. It may be nil.
type Metrics interface {
	TickCompleted(ctx context.Context, d time.Duration)
	Decision(ctx context.Context, decision string)
}

// ExecuteRequest is one commitment handed to the execution layer.
type ExecuteRequest struct {
	Commitment       models.Commitment
	Prompt           string
	WorkingDirectory string
	Timeout          time.Duration
}

// ExecuteHandler runs a claimed commitment to completion.
type ExecuteHandler func(ctx context.Context, req ExecuteRequest) error

// Decision is what a tick did with one commitment.
type Decision string

const (
	DecisionOwned      Decision = "owned"
	DecisionAffinity   Decision = "affinity"
	DecisionClosed     Decision = "closed"
	DecisionActive     Decision = "active"
	DecisionScheduled  Decision = "scheduled"
	DecisionWaiting    Decision = "waiting"
	DecisionBlocked    Decision = "blocked"
	DecisionLateFailed Decision = "late_failed"
	DecisionRejected   Decision = "rejected"
	DecisionNoHandler  Decision = "no_handler"
	DecisionConflict   Decision = "conflict"
	DecisionClaimError Decision = "claim_error"
	DecisionExecuted   Decision = "executed"
	DecisionFailed     Decision = "failed"
	DecisionCancelled  Decision = "cancelled"
)

// TickReport summarizes one tick.
type TickReport struct {
	// Skipped is set when another tick was already running.
	Skipped   bool
	Fetched   int
	Runnable  int
	// Recovered counts stale claims of this claimant released before the
	// page was fetched.
	Recovered int
	Decisions map[Decision]int
	Err       error
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Running          bool       `json:"running"`
	Ticks            int64      `json:"ticks"`
	SkippedTicks     int64      `json:"skipped_ticks"`
	Executed         int64      `json:"executed"`
	Failed           int64      `json:"failed"`
	LateFailed       int64      `json:"late_failed"`
	Rejected         int64      `json:"rejected"`
	Recovered        int64      `json:"recovered"`
	LastTickAt       *time.Time `json:"last_tick_at,omitempty"`
	LastTickDuration string     `json:"last_tick_duration,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDependencies enables dependency checks.
func WithDependencies(d DependencyChecker) Option { return func(s *Scheduler) { s.deps = d } }

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option { return func(s *Scheduler) { s.recorder = r } }

// WithNotifier sets the escalation channel.
func WithNotifier(n escalation.Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithHandler sets the execution handler. Without one, runnable commitments
// are reported but never claimed.
func WithHandler(h ExecuteHandler) Option { return func(s *Scheduler) { s.handler = h } }

// WithStaleRecovery releases this claimant's leftover claims on the first
// tick and after any tick in which a release failed.
func WithStaleRecovery(r StaleReleaser) Option { return func(s *Scheduler) { s.stale = r } }

// WithMetrics records tick metrics.
func WithMetrics(m Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock replaces the clock used for classification.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// Scheduler evaluates open commitments and executes the runnable ones.
type Scheduler struct {
	source   Source
	claimer  Claimer
	config   *Config
	deps     DependencyChecker
	recorder Recorder
	notifier escalation.Notifier
	handler  ExecuteHandler
	stale    StaleReleaser
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time

	ticking   atomic.Bool
	needSweep atomic.Bool
	trigger chan struct{}
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a new scheduler.
func New(source Source, claimer Claimer, cfg *Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:   source,
		claimer:  claimer,
		config:   cfg.normalized(),
		recorder: nopRecorder{},
		logger:   slog.Default(),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	s.needSweep.Store(true)
	return s
}

// Start runs an immediate tick and then one per interval or trigger, until
// Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.stats.Running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.config.Interval, "page_size", s.config.PageSize, "affinity", s.config.Affinity)
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	s.stats.Running = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// Trigger requests a tick as soon as the loop is free. Requests made while
// one is already pending are dropped.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.Tick(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.trigger:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates one page of open commitments and executes the runnable ones
// serially. A tick that starts while another is running returns immediately
// with Skipped set.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	if !s.ticking.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.stats.SkippedTicks++
		s.mu.Unlock()
		s.logger.Debug("tick already in progress, skipping")
		return TickReport{Skipped: true}
	}
	defer s.ticking.Store(false)

	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	start := s.now()
	report := TickReport{Decisions: make(map[Decision]int)}
	report.Recovered = s.recoverStale(ctx, start)

	items, err := s.source.OpenCommitments(ctx, s.config.PageSize)
	if err != nil {
		s.logger.Error("fetch open commitments", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		report.Err = err
		s.finishTick(ctx, start, report)
		return report
	}
	report.Fetched = len(items)

	now := s.now()
	var runnable []models.Commitment
	for _, c := range items {
		if d, ok := s.Evaluate(ctx, c, now); !ok {
			s.decide(ctx, &report, d)
			continue
		}
		runnable = append(runnable, c)
	}
	report.Runnable = len(runnable)
	span.SetAttributes(attribute.Int("commitments.fetched", report.Fetched), attribute.Int("commitments.runnable", report.Runnable))

	for _, c := range runnable {
		if ctx.Err() != nil {
			s.decide(ctx, &report, DecisionCancelled)
			continue
		}
		s.decide(ctx, &report, s.execute(ctx, c))
	}

	s.finishTick(ctx, start, report)
	return report
}

// recoverStale releases claims this claimant took before the tick started.
// Ticks run serially and every claim is closed or released within its tick,
// so any such claim was left by a crashed run or a failed release.
func (s *Scheduler) recoverStale(ctx context.Context, cutoff time.Time) int {
	if s.stale == nil || !s.needSweep.CompareAndSwap(true, false) {
		return 0
	}
	n, err := s.stale.ReleaseBefore(ctx, cutoff)
	if err != nil {
		s.needSweep.Store(true)
		s.logger.Warn("release stale claims", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("released stale claims", "count", n, "claimant", s.claimer.Claimant())
	}
	return n
}

func (s *Scheduler) decide(ctx context.Context, r *TickReport, d Decision) {
	r.Decisions[d]++
	if s.metrics != nil {
		s.metrics.Decision(ctx, string(d))
	}
}

func (s *Scheduler) finishTick(ctx context.Context, start time.Time, r TickReport) {
	elapsed := s.now().Sub(start)
	at := start.UTC()

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.Executed += int64(r.Decisions[DecisionExecuted])
	s.stats.Failed += int64(r.Decisions[DecisionFailed])
	s.stats.LateFailed += int64(r.Decisions[DecisionLateFailed])
	s.stats.Rejected += int64(r.Decisions[DecisionRejected])
	s.stats.Recovered += int64(r.Recovered)
	s.stats.LastTickAt = &at
	s.stats.LastTickDuration = elapsed.String()
	s.stats.LastError = ""
	if r.Err != nil {
		s.stats.LastError = r.Err.Error()
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TickCompleted(ctx, elapsed)
	}
	s.logger.Info("tick complete", "fetched", r.Fetched, "runnable", r.Runnable, "executed", r.Decisions[DecisionExecuted], "failed", r.Decisions[DecisionFailed], "duration", elapsed)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	if out.LastTickAt != nil {
		at := *out.LastTickAt
		out.LastTickAt = &at
	}
	return out
}

// Evaluate decides whether c should run at now. When ok is false the
// decision says why it was left alone. Late policies are applied here, so a
// late commitment under the fail policy is closed and never runs.
func (s *Scheduler) Evaluate(ctx context.Context, c models.Commitment, now time.Time) (Decision, bool) {
	log := s.logger.With("commitment_id", c.ID)

	if c.Owned() {
		log.Debug("skip: already owned", "owner", c.Owner)
		return DecisionOwned, false
	}
	if a := c.Meta.Affinity; a != "" && a != s.config.Affinity {
		log.Debug("skip: affinity mismatch", "affinity", a, "executor", s.config.Affinity)
		return DecisionAffinity, false
	}

	state := temporal.Classify(c, now)
	switch state {
	case models.TemporalClosed:
		return DecisionClosed, false
	case models.TemporalActive:
		return DecisionActive, false
	case models.TemporalScheduled:
		due, _ := temporal.EffectiveDue(c.Meta)
		log.Debug("skip: scheduled", "due", due)
		return DecisionScheduled, false
	case models.TemporalWaiting:
		log.Info("skip: waiting", "wait_until", c.Meta.WaitUntil)
		return DecisionWaiting, false
	}

	if s.deps != nil {
		if st := s.deps.Check(ctx, c); !st.Satisfied {
			log.Info("skip: dependencies unsatisfied", "wait_type", st.WaitType, "blocked_by", st.BlockedBy)
			return DecisionBlocked, false
		}
	}

	if state == models.TemporalLate {
		return s.applyLatePolicy(ctx, c, now)
	}
	return "", true
}

func (s *Scheduler) applyLatePolicy(ctx context.Context, c models.Commitment, now time.Time) (Decision, bool) {
	deadline := ""
	if d, ok := temporal.EffectiveDeadline(c.Meta); ok {
		deadline = d.UTC().Format(time.RFC3339)
	}
	log := s.logger.With("commitment_id", c.ID, "deadline", deadline, "late_policy", c.Meta.LatePolicy)

	switch c.Meta.LatePolicy {
	case models.LatePolicyFail:
		reason := fmt.Sprintf("deadline %s passed", deadline)
		s.recorder.Annotate(ctx, c.ID, fmt.Sprintf("Commitment is late (%s); failing per late_policy=fail", reason), models.KindLateFailure)
		if err := s.source.CloseCommitment(ctx, c.ID, models.OutcomeFailed, reason); err != nil {
			log.Warn("close late commitment", "error", err)
		} else {
			log.Warn("late commitment failed")
		}
		return DecisionLateFailed, false

	case models.LatePolicyEscalate:
		body := fmt.Sprintf("Commitment %s is late: deadline %s passed", c.ID, deadline)
		s.recorder.Annotate(ctx, c.ID, "Commitment is late; escalating", models.KindLateWarning)
		captureID := s.recorder.Capture(ctx, body, models.KindEscalation, map[string]interface{}{
			"commitment_id": c.ID,
			"deadline":      deadline,
		})
		if s.notifier != nil {
			err := s.notifier.Notify(ctx, escalation.Event{
				CommitmentID: c.ID,
				Body:         c.Body,
				Reason:       body,
				Deadline:     deadline,
				CaptureID:    captureID,
				Actor:        s.claimer.Claimant(),
				At:           now.UTC(),
			})
			if err != nil {
				log.Warn("escalation notify failed", "error", err)
			}
		}
		log.Warn("late commitment escalated", "capture_id", captureID)
		return "", true

	default:
		s.recorder.Annotate(ctx, c.ID, fmt.Sprintf("Commitment is late: deadline %s passed", deadline), models.KindLateWarning)
		log.Warn("late commitment, proceeding")
		return "", true
	}
}

func (s *Scheduler) execute(ctx context.Context, c models.Commitment) Decision {
	log := s.logger.With("commitment_id", c.ID)
	if s.handler == nil {
		log.Debug("runnable but no handler configured")
		return DecisionNoHandler
	}
	if dir := c.Meta.WorkingDirectory; dir != "" && !connectors.DirectoryAllowed(dir, s.config.AllowedDirectories) {
		return s.reject(ctx, c, fmt.Sprintf("working directory not allowed: %s", dir))
	}

	out, err := s.claimer.Claim(ctx, c.ID)
	if err != nil {
		log.Warn("claim failed", "error", err)
		return DecisionClaimError
	}
	if !out.Acquired() {
		log.Debug("claim conflict, skipping")
		return DecisionConflict
	}

	ctx, span := tracer.Start(ctx, "scheduler.execute", trace.WithAttributes(
		attribute.String("commitment.id", c.ID),
		attribute.String("commitment.kind", string(models.ResolveKind(&c))),
	))
	defer span.End()

	req := ExecuteRequest{
		Commitment:       c,
		Prompt:           BuildPrompt(c, s.config),
		WorkingDirectory: s.config.WorkingDirectory(c.Meta.WorkingDirectory),
		Timeout:          s.config.Timeout(c.Meta.Timeout),
	}
	log.Info("executing commitment", "working_directory", req.WorkingDirectory, "timeout", req.Timeout)

	if err := s.handler(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		s.handleFailure(ctx, c, err)
		return DecisionFailed
	}

	after, err := s.source.GetCommitment(ctx, c.ID)
	switch {
	case err != nil:
		log.Warn("re-read after execution", "error", err)
		s.release(ctx, c.ID)
	case after.State != models.CommitmentClosed:
		log.Warn("execution finished without closing the commitment, releasing")
		s.release(ctx, c.ID)
	default:
		log.Info("commitment closed by agent")
	}
	return DecisionExecuted
}

// reject closes c as failed without claiming or running it.
func (s *Scheduler) reject(ctx context.Context, c models.Commitment, reason string) Decision {
	s.logger.Warn("rejecting commitment", "commitment_id", c.ID, "reason", reason)
	s.recorder.Annotate(ctx, c.ID, "Automated execution refused: "+reason, models.KindExecutionFailed)
	if err := s.source.CloseCommitment(ctx, c.ID, models.OutcomeFailed, reason); err != nil {
		s.logger.Warn("close rejected commitment", "commitment_id", c.ID, "error", err)
	}
	return DecisionRejected
}

func (s *Scheduler) handleFailure(ctx context.Context, c models.Commitment, err error) {
	msg := err.Error()
	s.logger.Error("execution failed", "commitment_id", c.ID, "error", err)
	s.recorder.Capture(ctx, fmt.Sprintf("Execution failed for %s: %s", c.ID, msg), models.KindExecutionFailure, map[string]interface{}{
		"commitment_id": c.ID,
	})
	s.recorder.Annotate(ctx, c.ID, "Automated execution failed: "+msg, models.KindExecutionFailed)
	s.release(ctx, c.ID)
}

// release returns the claim even when ctx has been cancelled by shutdown.
func (s *Scheduler) release(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.source.ReleaseCommitment(ctx, id, s.claimer.Claimant()); err != nil {
		s.needSweep.Store(true)
		s.logger.Warn("release claim", "commitment_id", id, "error", err)
	}
}

type nopRecorder struct{}

func (nopRecorder) Annotate(context.Context, string, string, string) {}
func (nopRecorder) Capture(context.Context, string, string, map[string]interface{}) string {
	return ""
}
