package step

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/resilience"
	"github.com/civicsense/reportgen/internal/store"
)

// recordingStates captures validation-failure checkpoints.
type recordingStates struct {
	mu       sync.Mutex
	failures map[model.StepName]int
}

func newRecordingStates() *recordingStates {
	return &recordingStates{failures: make(map[model.StepName]int)}
}

func (r *recordingStates) GetState(context.Context, string) (*model.PipelineState, error) {
	return nil, nil
}
func (r *recordingStates) PutState(context.Context, *model.PipelineState) error { return nil }
func (r *recordingStates) ListStates(context.Context, store.StateFilter) ([]model.PipelineState, error) {
	return nil, nil
}
func (r *recordingStates) Checkpoint(_ context.Context, _ string, u model.StateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, n := range u.ValidationFailures {
		r.failures[name] += n
	}
	return nil
}

// scriptedStep returns canned results in sequence.
type scriptedStep struct {
	name     model.StepName
	results  []*model.StepResult
	errs     []error
	validate func(json.RawMessage) error
	calls    int
}

func (s *scriptedStep) Name() model.StepName { return s.name }

func (s *scriptedStep) Execute(context.Context, *Input) (*model.StepResult, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], s.errs[i]
}

func (s *scriptedStep) Validate(data json.RawMessage) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(data)
}

func fastExecutor(states store.StateStore, retries int) *Executor {
	e := NewExecutor(states, retries)
	e.retryCfg = resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     1.5,
	}
	return e
}

func okResult(tokens int) *model.StepResult {
	return &model.StepResult{
		Data:       json.RawMessage(`{"topics":[{"topicName":"t"}]}`),
		Usage:      model.TokenUsage{InputTokens: tokens, OutputTokens: tokens, TotalTokens: 2 * tokens},
		Cost:       0.01,
		StopReason: "end_turn",
	}
}

func TestExecutor_Success(t *testing.T) {
	states := newRecordingStates()
	e := fastExecutor(states, 2)
	s := &scriptedStep{name: model.StepClustering, results: []*model.StepResult{okResult(50)}, errs: []error{nil}}

	out, err := e.Run(context.Background(), s, &Input{ReportID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, model.StepStatusCompleted, out.Analytics.Status)
	assert.Equal(t, 100, out.Analytics.TotalTokens)
	assert.InDelta(t, 0.01, out.Analytics.Cost, 1e-9)
	assert.NotNil(t, out.Analytics.StartedAt)
	assert.NotNil(t, out.Analytics.CompletedAt)
	assert.Empty(t, states.failures)
}

func TestExecutor_TransientRetriedThenSucceeds(t *testing.T) {
	states := newRecordingStates()
	e := fastExecutor(states, 2)
	s := &scriptedStep{
		name:    model.StepClaims,
		results: []*model.StepResult{nil, okResult(10)},
		errs:    []error{resilience.NewTransientError(eris.New("429"), 429), nil},
	}

	_, err := e.Run(context.Background(), s, &Input{ReportID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.calls)
}

func TestExecutor_ValidationRetryBudget(t *testing.T) {
	states := newRecordingStates()
	e := fastExecutor(states, 2)

	bad := okResult(10)
	s := &scriptedStep{
		name:     model.StepClaims,
		results:  []*model.StepResult{bad, bad, bad},
		errs:     []error{nil, nil, nil},
		validate: func(json.RawMessage) error { return eris.New("wrong shape") },
	}

	_, err := e.Run(context.Background(), s, &Input{ReportID: "r1"})
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err), "validation exhaustion is fatal")
	assert.Equal(t, 3, s.calls, "initial attempt plus two retries")
	assert.Equal(t, 3, states.failures[model.StepClaims], "every failed validation is checkpointed")
}

func TestExecutor_ValidationRecoversWithinBudget(t *testing.T) {
	states := newRecordingStates()
	e := fastExecutor(states, 2)

	attempt := 0
	s := &scriptedStep{
		name:    model.StepSummaries,
		results: []*model.StepResult{okResult(10)},
		errs:    []error{nil},
		validate: func(json.RawMessage) error {
			attempt++
			if attempt == 1 {
				return eris.New("first output malformed")
			}
			return nil
		},
	}

	out, err := e.Run(context.Background(), s, &Input{ReportID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, out.Analytics.Status)
	assert.Equal(t, 1, states.failures[model.StepSummaries])
}

func TestExecutor_EarlyStopIsFatal(t *testing.T) {
	states := newRecordingStates()
	e := fastExecutor(states, 2)

	truncated := &model.StepResult{
		Usage:      model.TokenUsage{TotalTokens: 999},
		StopReason: "max_tokens",
	}
	s := &scriptedStep{name: model.StepClustering, results: []*model.StepResult{truncated}, errs: []error{nil}}

	_, err := e.Run(context.Background(), s, &Input{ReportID: "r1"})
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.Equal(t, 1, s.calls, "an early stop is never retried")
}

func TestExecutor_FatalPropagatesImmediately(t *testing.T) {
	states := newRecordingStates()
	e := fastExecutor(states, 2)

	s := &scriptedStep{
		name:    model.StepClustering,
		results: []*model.StepResult{nil},
		errs:    []error{resilience.NewFatalError(eris.New("invalid api key"), "auth_failure")},
	}

	_, err := e.Run(context.Background(), s, &Input{ReportID: "r1"})
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.Equal(t, 1, s.calls)
}
