package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/botfleet/botfleet/internal/config"
)

var (
	configPath string
	workers    int
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Supervise a fleet of bot worker processes",
	Long: `fleet starts one bot_main process and a set of bot_worker processes,
routes messages between them and replaces any worker that exits.

With no subcommand it runs the supervisor.`,
	RunE:          runSupervise,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Desired worker count (0 means one per CPU)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(workerCmd)
}

// loadConfig reads the config file and environment, then applies explicit flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = workers
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}
