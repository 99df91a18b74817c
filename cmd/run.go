package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicsense/reportgen/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run <job.json>",
	Short: "Run one report job synchronously",
	Long:  "Executes a single report generation job from a JSON file, bypassing the queue. Useful for local runs and reprocessing.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read job file %s", args[0])
		}
		var job model.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return eris.Wrap(err, "decode job file")
		}
		if job.ReportID == "" {
			return eris.New("job file missing reportId")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Runner.Run(ctx, &job)
		if err != nil {
			return err
		}

		zap.L().Info("run finished",
			zap.String("report_id", st.ReportID),
			zap.String("status", string(st.Status)),
			zap.Int("total_tokens", st.TotalTokens),
			zap.Float64("total_cost", st.TotalCost),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
