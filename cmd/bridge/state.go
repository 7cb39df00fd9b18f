package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/bridge/internal/config"
	"github.com/fentz26/bridge/internal/deps"
	"github.com/fentz26/bridge/internal/ledger"
	"github.com/fentz26/bridge/internal/models"
	"github.com/fentz26/bridge/internal/store"
	"github.com/fentz26/bridge/internal/temporal"
)

var stateLimit int

var stateCmd = &cobra.Command{
	Use:   "state [commitment-id...]",
	Short: "Show the temporal and dependency state of commitments",
	Long:  `Without arguments, lists the open commitments the scheduler would see on its next tick.`,
	RunE:  runState,
}

func init() {
	stateCmd.Flags().IntVar(&stateLimit, "limit", 20, "Open commitments to list")
}

// commitmentReader is the part of the commitment source this command needs.
type commitmentReader interface {
	OpenCommitments(ctx context.Context, limit int) ([]models.Commitment, error)
	GetCommitment(ctx context.Context, id string) (*models.Commitment, error)
	deps.StateLookup
}

func runState(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	var src commitmentReader
	if cfg.Scheduler.Source == config.SourceLedger {
		src = ledger.New(cfg.Ledger.ProxyURL, cfg.Ledger.APIKey, ledger.WithLogger(logger))
	} else {
		st, err := store.Open(cfg.Store.Dialect, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer st.Close()
		src = st
	}

	ctx := cmd.Context()
	var list []models.Commitment
	if len(args) == 0 {
		list, err = src.OpenCommitments(ctx, stateLimit)
		if err != nil {
			return err
		}
	}
	for _, id := range args {
		c, err := src.GetCommitment(ctx, id)
		if err != nil {
			return fmt.Errorf("get %s: %w", id, err)
		}
		list = append(list, *c)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No open commitments")
		return nil
	}

	resolver := deps.NewResolver(src, nil, logger)
	return printStates(ctx, cmd.OutOrStdout(), list, resolver, time.Now().UTC())
}

func printStates(ctx context.Context, out io.Writer, list []models.Commitment, resolver *deps.Resolver, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTEMPORAL\tDUE\tDEADLINE\tDEPS\tOWNER")
	for _, c := range list {
		due := "-"
		if t, ok := temporal.EffectiveDue(c.Meta); ok {
			due = t.Format(time.RFC3339)
		}
		deadline := "-"
		if t, ok := temporal.EffectiveDeadline(c.Meta); ok {
			deadline = t.Format(time.RFC3339)
		}
		depState := "ok"
		if ds := resolver.Check(ctx, c); !ds.Satisfied {
			depState = fmt.Sprintf("%s %v", ds.WaitType, ds.BlockedBy)
		}
		owner := c.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.State, temporal.Classify(c, now), due, deadline, depState, owner)
	}
	return w.Flush()
}
