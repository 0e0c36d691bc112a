package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/botfleet/botfleet/internal/application/router"
	"github.com/botfleet/botfleet/internal/application/supervisor"
	"github.com/botfleet/botfleet/internal/config"
	"github.com/botfleet/botfleet/internal/domain/worker"
	"github.com/botfleet/botfleet/internal/infrastructure/process"
	"github.com/botfleet/botfleet/internal/logging"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run the supervisor until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runSupervise,
}

func runSupervise(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	logger = logger.With().Str("role", string(worker.RolePrimary)).Int("pid", os.Getpid()).Logger()

	policy, err := recoveryPolicy(cfg.Recovery)
	if err != nil {
		return err
	}
	launcher, err := process.NewLauncher(process.Options{
		Command:     cfg.Worker.Command,
		Args:        cfg.Worker.Args,
		MailboxSize: cfg.IPC.MailboxSize,
		Env: []string{
			config.EnvPrefix + "_LOG_LEVEL=" + cfg.Log.Level,
			config.EnvPrefix + "_LOG_FORMAT=" + cfg.Log.Format,
		},
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(launcher, router.New(logger), supervisor.Options{
		DesiredWorkers: cfg.Workers,
		Recovery:       policy,
		SpawnRetry: supervisor.SpawnRetryPolicy{
			Retries: cfg.Spawn.Retries,
			Delay:   cfg.Spawn.RetryDelay,
		},
		ShutdownTimeout: cfg.Shutdown.Timeout,
	}, logger)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reportFleetOnSignal(ctx, hup, sup, logger)

	return sup.Run(ctx)
}

func recoveryPolicy(cfg config.RecoveryConfig) (worker.RecoveryPolicy, error) {
	switch cfg.Policy {
	case config.PolicyAlways:
		return supervisor.AlwaysRestart{}, nil
	case config.PolicyBounded:
		return supervisor.BoundedRestart{Max: cfg.MaxRestarts}, nil
	case config.PolicyExpr:
		return supervisor.NewExprPolicy(cfg.Expr)
	default:
		return nil, fmt.Errorf("unknown recovery policy %q", cfg.Policy)
	}
}

const snapshotTimeout = 2 * time.Second

type fleetSnapshotter interface {
	Snapshot(ctx context.Context) ([]worker.Handle, error)
}

// reportFleetOnSignal keeps signals such as SIGHUP from terminating the primary,
// which would leave the workers unsupervised, and logs the live fleet instead.
func reportFleetOnSignal(ctx context.Context, sigs <-chan os.Signal, fleet fleetSnapshotter, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			logger.Warn().Str("signal", sig.String()).Msg("ignoring signal")
			logFleet(ctx, fleet, logger)
		}
	}
}

func logFleet(ctx context.Context, fleet fleetSnapshotter, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	handles, err := fleet.Snapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("fleet snapshot unavailable")
		return
	}
	for i := range handles {
		h := &handles[i]
		logger.Info().
			EmbedObject(h).
			Str("state", string(h.State)).
			Int("restarts", h.Restarts).
			Msg("worker")
	}
	logger.Info().Int("workers", len(handles)).Msg("fleet snapshot")
}
