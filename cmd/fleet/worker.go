package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/botfleet/botfleet/internal/config"
	"github.com/botfleet/botfleet/internal/domain/worker"
	"github.com/botfleet/botfleet/internal/entrypoint"
	"github.com/botfleet/botfleet/internal/logging"
)

// workerCmd is what the supervisor re-executes for every worker. Stdout carries
// the supervisor channel, so nothing else may write to it.
var workerCmd = &cobra.Command{
	Use:    "_worker",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := worker.ConfigFromEnv(os.LookupEnv)
		if err != nil {
			return err
		}
		appCfg, err := config.Load("")
		if err != nil {
			return err
		}
		logger, err := logging.New(appCfg.Log.Level, appCfg.Log.Format, os.Stderr)
		if err != nil {
			return err
		}

		bodies := entrypoint.Bodies{
			Main:   entrypoint.LoggingBody{Logger: logger},
			Worker: entrypoint.LoggingBody{Logger: logger},
		}
		body, err := bodies.For(cfg.Role)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return entrypoint.Run(ctx, cfg, body, os.Stdin, os.Stdout, logger)
	},
}
