package main

import (
	"os"

	"github.com/Ram-1405/piperun"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "piperun",
	Short: "Execute stage pipelines defined in YAML files",
	Long: "piperun executes a pipeline of dependent stages: it orders them by their\n" +
		"declared dependencies, runs independent stages concurrently, records every\n" +
		"attempt in a durable store, and tracks the external resources stages provision.",
}

func init() {
	v := viper.GetViper()
	v.SetDefault("config", "./config/config.yaml")

	// Environment variables support: PIPERUN_CONFIG, ...
	v.SetEnvPrefix("PIPERUN")
	v.AutomaticEnv()

	rootCmd.PersistentFlags().String("config", v.GetString("config"), "path to the piperun config yaml")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	runCmd.Flags().String("revision", "", "revision or commit the run deploys")
	runCmd.Flags().String("target", "", "environment the run targets")
	runCmd.Flags().String("from", "", "first stage to execute; earlier stages are assumed done")
	runCmd.Flags().String("to", "", "last stage to execute; later stages are left out")
	statusCmd.Flags().BoolP("attempts", "a", false, "include per-stage attempt history")
	leaksCmd.Flags().Int("ack", 0, "acknowledge the leaked resource with this id")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(teardownCmd)
	rootCmd.AddCommand(leaksCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		piperun.NewLogger(piperun.LogLevelError).Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
