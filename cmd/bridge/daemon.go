package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/bridge/internal/audit"
	"github.com/fentz26/bridge/internal/claim"
	"github.com/fentz26/bridge/internal/config"
	"github.com/fentz26/bridge/internal/connectors/agentexec"
	"github.com/fentz26/bridge/internal/controlplane"
	"github.com/fentz26/bridge/internal/deps"
	"github.com/fentz26/bridge/internal/dispatch"
	"github.com/fentz26/bridge/internal/escalation"
	"github.com/fentz26/bridge/internal/ledger"
	"github.com/fentz26/bridge/internal/lock"
	"github.com/fentz26/bridge/internal/models"
	"github.com/fentz26/bridge/internal/recovery"
	"github.com/fentz26/bridge/internal/retry"
	"github.com/fentz26/bridge/internal/scheduler"
	"github.com/fentz26/bridge/internal/store"
	"github.com/fentz26/bridge/internal/telemetry"
	"github.com/fentz26/bridge/internal/wake"
)

// Audit actors.
const (
	schedulerActor = "agent:bridge"
	commandActor   = "agent:executor"
	bugQueueActor  = "agent:bridge-executor"
)

const shutdownTimeout = 30 * time.Second

// schedulerClaimant scopes commitment claims to one machine so a restarted
// executor can recognize and release its own leftovers.
func schedulerClaimant(machineID string) string {
	return schedulerActor + ":" + machineID
}

var lockPath string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the bridge daemon",
	Long:  `Starts the scheduler, the command handler and the bug queue, plus the status server.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&lockPath, "lock", "", "Executor lock file (default ~/.mentu/executor.lock)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fl, err := acquireLock(cfg)
	if err != nil {
		return err
	}
	defer fl.Release()

	telCfg := cfg.Telemetry
	telCfg.ServiceVersion = version
	tel, err := telemetry.Setup(ctx, telCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(tel.Meter())
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Dialect, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := build(cfg, st, metrics, logger)
	if err != nil {
		return err
	}
	defer d.close()

	logger.Info("bridge daemon starting",
		"version", version,
		"machine_id", cfg.Machine.ID,
		"workspaces", cfg.WorkspaceIDs(),
		"store", st.Dialect(),
		"scheduler", cfg.Scheduler.Enabled,
		"bug_queue", cfg.BugQueue.Enabled,
	)
	return d.run(ctx, cfg)
}

func acquireLock(cfg *config.Config) (*lock.FileLock, error) {
	path := lockPath
	if path == "" {
		p, err := lock.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	var ws string
	if ids := cfg.WorkspaceIDs(); len(ids) > 0 {
		ws = ids[0]
	}
	fl, err := lock.Acquire(path, lock.Info{
		Type:        "bridge",
		PID:         os.Getpid(),
		WorkspaceID: ws,
		StartedAt:   time.Now().UTC(),
	})
	if errors.Is(err, lock.ErrLocked) {
		return nil, fmt.Errorf("another executor is running: %w", err)
	}
	return fl, err
}

// daemon holds the wired components.
type daemon struct {
	store     *store.Store
	handler   *dispatch.Handler
	bugQueue  *dispatch.BugQueue
	scheduler *scheduler.Scheduler
	server    *controlplane.Server
	redis     interface{ Close() error }
	logger    *slog.Logger
}

func build(cfg *config.Config, st *store.Store, metrics *telemetry.Metrics, logger *slog.Logger) (*daemon, error) {
	d := &daemon{store: st, logger: logger}

	executor := agentexec.New(cfg.AgentList(), agentexec.Options{
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
		KillGrace:      cfg.Execution.KillGrace,
		DefaultTimeout: cfg.Dispatch().DefaultTimeout,
		Shell:          cfg.Execution.Shell,
		Logger:         logger,
	})

	var ledgerClient *ledger.Client
	if cfg.Ledger.ProxyURL != "" {
		if cfg.Ledger.APIKey == "" {
			logger.Warn("no ledger api key; checked MENTU_API_KEY, MENTU_PROXY_TOKEN, X_PROXY_TOKEN")
		}
		ledgerClient = ledger.New(cfg.Ledger.ProxyURL, cfg.Ledger.APIKey, ledger.WithLogger(logger))
	}

	var backend audit.Backend = st
	if cfg.Scheduler.Source == config.SourceLedger && ledgerClient != nil {
		backend = ledgerClient
	}

	dcfg := cfg.Dispatch()
	cmdClaims := st.CommandClaims()
	cmdRecorder := audit.NewRecorder(backend, commandActor, logger)

	approvals := dispatch.NewApprovalWaiter(st, executor, dispatch.DefaultApprovalTimeout, dispatch.DefaultApprovalPoll, logger)
	submitter := dispatch.NewSubmitter(st, cmdRecorder, metrics, logger)
	d.handler = dispatch.NewHandler(st,
		claim.New(cmdClaims, cfg.Machine.ID, claim.AllowResume(), claim.WithLogger(logger)),
		executor, approvals, submitter, cmdRecorder, dcfg, logger)

	if cfg.BugQueue.Enabled {
		runner := retry.New(claim.New(cmdClaims, cfg.Machine.ID, claim.WithLogger(logger)), cmdClaims, cfg.RetryPolicy(),
			retry.WithLogger(logger), retry.WithMetrics(metrics))
		sweeper := recovery.New(st, cfg.Machine.ID,
			recovery.ForKind(models.CommandBugExecution), recovery.WithLogger(logger))
		d.bugQueue = dispatch.NewBugQueue(st, runner, executor, sweeper,
			audit.NewRecorder(backend, bugQueueActor, logger), metrics, dcfg, cfg.BugQueueConfig(), logger)
	}

	if cfg.Scheduler.Enabled {
		sched, err := d.buildScheduler(cfg, st, ledgerClient, executor, metrics)
		if err != nil {
			return nil, err
		}
		d.scheduler = sched
	}

	if cfg.Server.Addr != "" {
		svc := controlplane.NewService(st)
		if d.scheduler != nil {
			svc.Register("scheduler", func() any { return d.scheduler.Stats() })
		}
		if d.bugQueue != nil {
			svc.Register("bug_queue", func() any { return d.bugQueue.Stats() })
		}
		d.server = controlplane.NewServer(svc, cfg.Server.Addr, version, logger)
	}
	return d, nil
}

func (d *daemon) buildScheduler(cfg *config.Config, st *store.Store, lc *ledger.Client, executor *agentexec.AgentExec, metrics *telemetry.Metrics) (*scheduler.Scheduler, error) {
	var (
		source scheduler.Source
		lookup deps.StateLookup
		claims claim.Store
		sink   audit.Backend
		stale  recovery.CommitmentStore
	)
	switch cfg.Scheduler.Source {
	case config.SourceLedger:
		if lc == nil {
			return nil, config.ErrMissingLedger
		}
		source, lookup, claims, sink, stale = lc, lc, lc, lc, lc
	default:
		source, lookup, claims, sink, stale = st, st, st.CommitmentClaims(), st, st
	}
	claimant := schedulerClaimant(cfg.Machine.ID)

	notifiers := escalation.Multi{escalation.NewLogNotifier(d.logger)}
	if e := cfg.Escalation; e.RedisAddr != "" {
		client := escalation.Dial(e.RedisAddr, e.RedisPassword, e.RedisDB)
		d.redis = client
		notifiers = append(notifiers, escalation.NewRedisNotifier(client, e.Channel))
	}

	return scheduler.New(source,
		claim.New(claims, claimant, claim.WithLogger(d.logger)),
		cfg.SchedulerConfig(),
		scheduler.WithDependencies(deps.NewResolver(lookup, deps.NewCache(deps.DefaultTTL, nil), d.logger)),
		scheduler.WithRecorder(audit.NewRecorder(sink, schedulerActor, d.logger)),
		scheduler.WithNotifier(notifiers),
		scheduler.WithHandler(scheduler.AgentHandler(executor, cfg.Scheduler.Agent)),
		scheduler.WithStaleRecovery(recovery.NewCommitmentSweeper(stale, claimant, recovery.WithLogger(d.logger))),
		scheduler.WithMetrics(metrics),
		scheduler.WithLogger(d.logger),
	), nil
}

func (d *daemon) run(ctx context.Context, cfg *config.Config) error {
	g, gctx := errgroup.WithContext(ctx)

	commandWake := wake.NewCoalescer(cfg.Wake.MinInterval, 1)
	commitmentWake := wake.NewCoalescer(cfg.Wake.MinInterval, 1)
	g.Go(func() error { commandWake.Run(gctx); return nil })
	g.Go(func() error { commitmentWake.Run(gctx); return nil })

	if err := d.startWakeSource(gctx, g, cfg, commandWake, commitmentWake); err != nil {
		d.logger.Warn("wake signals unavailable; relying on polling", "error", err)
	}

	g.Go(func() error {
		d.handler.Run(gctx, commandWake.C(), cfg.Wake.PollInterval)
		return nil
	})
	if d.bugQueue != nil {
		g.Go(func() error { d.bugQueue.Run(gctx); return nil })
	}
	if d.scheduler != nil {
		d.scheduler.Start(gctx)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-commitmentWake.C():
					d.scheduler.Trigger()
				}
			}
		})
	}
	if d.server != nil {
		g.Go(func() error {
			if err := d.server.Start(); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return d.server.Shutdown(sctx)
		})
	}

	err := g.Wait()
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	d.logger.Info("shutdown complete")
	return err
}

// startWakeSource listens on Postgres notifications or watches the spool
// directory, depending on the store.
func (d *daemon) startWakeSource(ctx context.Context, g *errgroup.Group, cfg *config.Config, commands, commitments *wake.Coalescer) error {
	if d.store.Dialect() == store.DialectPostgres {
		l := wake.NewPQListener(cfg.Store.DSN, d.logger)
		l.On(wake.ChannelCommands, commands.Notify)
		l.On(wake.ChannelCommitments, commitments.Notify)
		g.Go(func() error {
			if err := l.Run(ctx); err != nil {
				d.logger.Warn("notification listener stopped", "error", err)
			}
			return nil
		})
		return nil
	}

	w, err := wake.NewDirWatcher(cfg.Wake.SpoolDir, func() {
		commands.Notify()
		commitments.Notify()
	}, d.logger)
	if err != nil {
		return err
	}
	g.Go(func() error { w.Run(ctx); return nil })
	return nil
}

func (d *daemon) close() {
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Warn("close redis", "error", err)
		}
	}
}
