package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/botfleet/botfleet/internal/application/assigner"
)

var planAvailable int

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the worker plan the supervisor would start",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		available := planAvailable
		if available <= 0 {
			available = assigner.AvailableParallelism()
		}
		plan := assigner.Plan(cfg.Workers, available)

		out, err := json.MarshalIndent(struct {
			Available int `json:"available"`
			Effective int `json:"effective"`
			Plan      any `json:"plan"`
		}{available, plan.Size(), plan.View()}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	planCmd.Flags().IntVar(&planAvailable, "available", 0, "Override the detected parallelism")
}
