package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/queue"
)

var submitCmd = &cobra.Command{
	Use:   "submit <job.json>",
	Short: "Submit a report job to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		pub, err := queue.NewPublisher(cmd.Context(), queue.Config{
			URL:     cfg.Queue.URL,
			Stream:  cfg.Queue.Stream,
			Subject: cfg.Queue.Subject,
		})
		if err != nil {
			return err
		}
		defer pub.Close()

		if err := pub.Submit(cmd.Context(), raw, job.ReportID); err != nil {
			return err
		}
		zap.L().Info("job submitted",
			zap.String("report_id", job.ReportID),
			zap.Int("comments", len(job.InputComments)),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
}
