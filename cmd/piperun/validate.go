package main

import (
	"errors"
	"fmt"

	"github.com/Ram-1405/piperun"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the pipeline definition without executing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		pl, err := piperun.LoadPipeline(cfg.Pipeline)
		if err != nil {
			var cycle *piperun.CycleError
			var unknown *piperun.UnknownDependencyError
			switch {
			case errors.As(err, &cycle):
				return fmt.Errorf("pipeline invalid: %w", cycle)
			case errors.As(err, &unknown):
				return fmt.Errorf("pipeline invalid: %w", unknown)
			default:
				return err
			}
		}
		fmt.Printf("pipeline %s valid: %d stages\n", pl.Name, len(pl.Stages))
		return nil
	},
}
