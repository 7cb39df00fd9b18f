package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fentz26/bridge/internal/controlplane"
)

var statusCmd = &cobra.Command{
	Use:   "status [command-id]",
	Short: "Query a running daemon's health and counters, or one command",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return showCommand(out, args[0])
	}

	health, err := CheckHealth()
	if health != nil {
		fmt.Fprintf(out, "Daemon:   %s (version %s)\n", okString(health.OK), health.Version)
		fmt.Fprintf(out, "Database: %s\n", health.DB)
		fmt.Fprintf(out, "Time:     %s\n", health.Time)
	}
	if err != nil {
		return err
	}

	var stats map[string]json.RawMessage
	if err := getJSON("/stats", &stats); err != nil {
		return err
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "\n[%s]\n%s\n", name, stats[name])
	}
	return nil
}

func showCommand(out io.Writer, id string) error {
	var d controlplane.CommandDetail
	if err := getJSON("/commands/"+id, &d); err != nil {
		return err
	}
	c := d.Command
	fmt.Fprintf(out, "ID:        %s\n", c.ID)
	fmt.Fprintf(out, "Kind:      %s\n", c.Kind)
	fmt.Fprintf(out, "Status:    %s\n", c.Status)
	fmt.Fprintf(out, "Agent:     %s\n", c.Agent)
	fmt.Fprintf(out, "Directory: %s\n", c.WorkingDirectory)
	if c.ClaimedByMachineID != "" {
		fmt.Fprintf(out, "Claimed:   %s\n", c.ClaimedByMachineID)
	}
	fmt.Fprintf(out, "Created:   %s\n", c.CreatedAt)
	for i, r := range d.Results {
		fmt.Fprintf(out, "\nRun %d: %s (exit %d) %s\n", i+1, r.Status, r.ExitCode, r.CompletedAt.Sub(r.StartedAt))
		if r.ErrorMessage != "" {
			fmt.Fprintf(out, "  error: %s\n", r.ErrorMessage)
		}
	}
	return nil
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "unhealthy"
}
