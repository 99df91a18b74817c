// Package output defines the opaque handoff points for finalized reports:
// an object sink for the report document and a metadata sink for the report
// reference record.
package output

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsense/reportgen/internal/model"
)

// ReportSink durably stores a finalized report document and returns its URI.
type ReportSink interface {
	Store(ctx context.Context, reportID string, report json.RawMessage) (string, error)
}

// MetadataSink publishes the report reference record after the report
// document is durably stored.
type MetadataSink interface {
	Publish(ctx context.Context, ref model.ReportRef) error
}

// FileSink writes report documents to a local directory. It stands in for
// an object store in single-node deployments and tests.
type FileSink struct {
	Dir string
}

// NewFileSink creates the sink directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "output: create dir %s", dir)
	}
	return &FileSink{Dir: dir}, nil
}

func (s *FileSink) Store(ctx context.Context, reportID string, report json.RawMessage) (string, error) {
	path := filepath.Join(s.Dir, reportID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, report, 0o644); err != nil {
		return "", eris.Wrapf(err, "output: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", eris.Wrapf(err, "output: rename %s", path)
	}
	return path, nil
}

// LogMetadataSink records report references to the log. It stands in for an
// external metadata service.
type LogMetadataSink struct{}

func (LogMetadataSink) Publish(_ context.Context, ref model.ReportRef) error {
	zap.L().Info("report reference published",
		zap.String("report_id", ref.ReportID),
		zap.String("user_id", ref.UserID),
		zap.String("output_uri", ref.OutputURI),
		zap.Float64("total_cost", ref.TotalCost),
		zap.Int("total_tokens", ref.TotalTokens),
	)
	return nil
}
