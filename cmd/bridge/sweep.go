package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/bridge/internal/config"
	"github.com/fentz26/bridge/internal/ledger"
	"github.com/fentz26/bridge/internal/models"
	"github.com/fentz26/bridge/internal/recovery"
	"github.com/fentz26/bridge/internal/store"
)

var (
	sweepThreshold   time.Duration
	sweepKind        string
	sweepCommitments bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Return this machine's stale claimed commands or commitments to the queue",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepThreshold, "threshold", recovery.DefaultThreshold, "Claims older than this are reset")
	sweepCmd.Flags().StringVar(&sweepKind, "kind", string(models.CommandBugExecution), "Command kind to sweep (spawn, bug_execution, or empty for all)")
	sweepCmd.Flags().BoolVar(&sweepCommitments, "commitments", false, "Release this machine's stale commitment claims instead of commands")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Dialect, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if sweepCommitments {
		var src recovery.CommitmentStore = st
		if cfg.Scheduler.Source == config.SourceLedger {
			src = ledger.New(cfg.Ledger.ProxyURL, cfg.Ledger.APIKey, ledger.WithLogger(logger))
		}
		n, err := recovery.NewCommitmentSweeper(src, schedulerClaimant(cfg.Machine.ID),
			recovery.WithLogger(logger)).Sweep(cmd.Context(), sweepThreshold)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released %d stale commitment claim(s)\n", n)
		return nil
	}

	sw := recovery.New(st, cfg.Machine.ID,
		recovery.ForKind(models.CommandKind(sweepKind)), recovery.WithLogger(logger))
	n, err := sw.Sweep(cmd.Context(), sweepThreshold)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %d stale claim(s)\n", n)
	return nil
}
