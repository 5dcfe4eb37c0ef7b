package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ram-1405/piperun"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the configured pipeline as a new run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		revision, _ := cmd.Flags().GetString("revision")
		target, _ := cmd.Flags().GetString("target")
		fromStage, _ := cmd.Flags().GetString("from")
		toStage, _ := cmd.Flags().GetString("to")

		pl, err := piperun.LoadPipeline(cfg.Pipeline)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		eng, err := piperun.NewEngine(pl, st, piperun.EngineOptions{
			Revision:  revision,
			Target:    target,
			FromStage: fromStage,
			ToStage:   toStage,
		})
		if err != nil {
			return err
		}

		ctx := context.Background()
		run, err := eng.Execute(ctx)
		if err != nil {
			return err
		}
		piperun.NotifyRunFinished(ctx, cfg.Notify, run)

		fmt.Printf("run %s finished: %s\n", run.ID, run.Status)
		if run.Status != "succeeded" && run.Status != "rolled_back" {
			if run.Error != nil {
				return errors.New(*run.Error)
			}
			return fmt.Errorf("run %s ended %s", run.ID, run.Status)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Re-execute the non-successful stages of an interrupted run",
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

		eng, err := piperun.NewEngine(pl, st, piperun.EngineOptions{})
		if err != nil {
			return err
		}

		ctx := context.Background()
		run, err := eng.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		piperun.NotifyRunFinished(ctx, cfg.Notify, run)

		fmt.Printf("run %s finished: %s\n", run.ID, run.Status)
		if run.Status != "succeeded" && run.Status != "rolled_back" {
			if run.Error != nil {
				return errors.New(*run.Error)
			}
			return fmt.Errorf("run %s ended %s", run.ID, run.Status)
		}
		return nil
	},
}
