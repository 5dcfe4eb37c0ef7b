package main

import (
	"fmt"

	"github.com/Ram-1405/piperun/pkg/status"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded runs, or one run's attempts and resources",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if len(args) == 0 {
			runs, err := status.Runs(st)
			if err != nil {
				return err
			}
			fmt.Print(status.FormatRuns(runs))
			return nil
		}

		attempts, _ := cmd.Flags().GetBool("attempts")
		info, err := status.FromStore(st, args[0])
		if err != nil {
			return err
		}
		fmt.Print(info.FormatHuman(attempts))
		return nil
	},
}

var leaksCmd = &cobra.Command{
	Use:   "leaks",
	Short: "List leaked resources, or acknowledge one with --ack",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if ack, _ := cmd.Flags().GetInt("ack"); ack > 0 {
			if err := st.AcknowledgeLeak(ack); err != nil {
				return err
			}
			fmt.Printf("acknowledged leaked resource #%d\n", ack)
			return nil
		}

		leaked, err := st.ListLeaked()
		if err != nil {
			return err
		}
		if len(leaked) == 0 {
			fmt.Println("no leaked resources")
			return nil
		}
		for _, r := range leaked {
			fmt.Printf("#%d run=%s type=%s id=%s\n", r.ID, r.RunID, r.Type, r.ResourceID)
		}
		return nil
	},
}
