package step

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/resilience"
	"github.com/civicsense/reportgen/internal/store"
)

// DefaultValidationRetries is the number of extra attempts granted when a
// step's output fails shape validation.
const DefaultValidationRetries = 2

// RunOutcome is the measured, validated result of one step execution.
type RunOutcome struct {
	Output    model.StepOutput
	Analytics model.StepAnalytics
}

// Executor invokes one pipeline step, measures duration, tokens, and cost,
// validates the output shape, and records validation failures into the
// pipeline state.
type Executor struct {
	states            store.StateStore
	validationRetries int
	retryCfg          resilience.RetryConfig
}

// NewExecutor creates an Executor. validationRetries < 0 selects the default
// budget.
func NewExecutor(states store.StateStore, validationRetries int) *Executor {
	if validationRetries < 0 {
		validationRetries = DefaultValidationRetries
	}
	return &Executor{
		states:            states,
		validationRetries: validationRetries,
		retryCfg:          resilience.DefaultRetryConfig(),
	}
}

// Run executes a step to success or to retry exhaustion. Transient failures
// (network, malformed model output) are retried with backoff; validation
// failures get a separate bounded budget; fatal failures (model refusal,
// truncated generation, auth) propagate immediately.
func (e *Executor) Run(ctx context.Context, s Step, in *Input) (*RunOutcome, error) {
	name := s.Name()
	log := zap.L().With(
		zap.String("report_id", in.ReportID),
		zap.String("step", string(name)),
	)

	startedAt := time.Now().UTC()

	var result *model.StepResult
	var err error
	for attempt := 0; attempt <= e.validationRetries; attempt++ {
		result, err = resilience.DoVal(ctx, e.retryCfg, func(ctx context.Context) (*model.StepResult, error) {
			return s.Execute(ctx, in)
		})
		if err != nil {
			if resilience.IsFatal(err) {
				return nil, eris.Wrapf(err, "step %s: fatal", name)
			}
			return nil, eris.Wrapf(err, "step %s: retries exhausted", name)
		}

		if !model.StopReasonOK(result.StopReason) {
			// The model stopped early; its output cannot be trusted and a
			// retry would spend the same tokens on the same refusal.
			return nil, eris.Wrapf(
				resilience.NewFatalError(eris.Errorf("stop reason %q", result.StopReason), "early_stop"),
				"step %s: model stopped early", name,
			)
		}

		if vErr := s.Validate(result.Data); vErr != nil {
			e.recordValidationFailure(ctx, in.ReportID, name, log, vErr, attempt)
			if attempt < e.validationRetries {
				continue
			}
			return nil, eris.Wrapf(
				resilience.NewFatalError(vErr, "validation_exhausted"),
				"step %s: output invalid after %d attempts", name, attempt+1,
			)
		}
		break
	}

	completedAt := time.Now().UTC()
	outcome := &RunOutcome{
		Output: model.StepOutput{
			Data:  result.Data,
			Usage: result.Usage,
			Cost:  result.Cost,
		},
		Analytics: model.StepAnalytics{
			Status:      model.StepStatusCompleted,
			StartedAt:   &startedAt,
			CompletedAt: &completedAt,
			DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
			TotalTokens: result.Usage.TotalTokens,
			Cost:        result.Cost,
		},
	}

	log.Info("step complete",
		zap.Int64("duration_ms", outcome.Analytics.DurationMs),
		zap.Int("tokens", result.Usage.TotalTokens),
		zap.Float64("cost", result.Cost),
	)
	return outcome, nil
}

func (e *Executor) recordValidationFailure(ctx context.Context, reportID string, name model.StepName, log *zap.Logger, vErr error, attempt int) {
	log.Warn("step output failed validation",
		zap.Int("attempt", attempt+1),
		zap.Error(vErr),
	)
	err := e.states.Checkpoint(ctx, reportID, model.StateUpdate{
		ValidationFailures: map[model.StepName]int{name: 1},
	})
	if err != nil {
		log.Warn("failed to record validation failure", zap.Error(err))
	}
}
