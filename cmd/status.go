package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusWindow time.Duration

var statusCmd = &cobra.Command{
	Use:   "status [report-id]",
	Short: "Show pipeline activity or one report's state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			st, err := env.Store.GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if st == nil {
				return eris.Errorf("no state for report %s", args[0])
			}
			return printJSON(st)
		}

		snap, err := env.Collector.Snapshot(cmd.Context(), statusWindow)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode output")
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	statusCmd.Flags().DurationVar(&statusWindow, "window", 24*time.Hour, "lookback window for the activity snapshot")
	rootCmd.AddCommand(statusCmd)
}
