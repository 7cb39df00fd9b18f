package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/bridge/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:           "bridge",
	Short:         "Bridge - commitment and command executor daemon",
	Long:          `Bridge runs due ledger commitments and remote spawn commands through local coding agents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	apiAddr    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to bridge.yaml")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7717", "Status server address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

// loadConfig reads and validates the configuration and installs the
// configured logger as the slog default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
