package main

import (
	"context"
	"fmt"

	"github.com/Ram-1405/piperun"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var teardownCmd = &cobra.Command{
	Use:   "teardown <run-id>",
	Short: "Destroy the active resources provisioned by a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		pl, err := piperun.LoadPipeline(cfg.Pipeline)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		report, err := piperun.TeardownRun(context.Background(), pl, st, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("destroyed: %d leaked: %d\n", len(report.Destroyed), len(report.Leaked))
		if len(report.Leaked) > 0 {
			for _, r := range report.Leaked {
				fmt.Printf("leaked #%d type=%s id=%s\n", r.ID, r.Type, r.ResourceID)
			}
			return fmt.Errorf("%d resources leaked, see `piperun leaks`", len(report.Leaked))
		}
		return nil
	},
}
