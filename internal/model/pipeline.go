package model

import (
	"encoding/json"
	"time"
)

// StateVersion is the current PipelineState document schema version.
const StateVersion = 1

// StepName identifies one stage of the analysis pipeline.
type StepName string

const (
	StepClustering         StepName = "clustering"
	StepClaims             StepName = "claims"
	StepSortDeduplicate    StepName = "sort_and_deduplicate"
	StepSummaries          StepName = "summaries"
	StepCruxes             StepName = "cruxes"
)

// StepOrder is the fixed execution order of the pipeline. Cruxes is optional
// and may be skipped when controversy analysis is not requested.
var StepOrder = []StepName{
	StepClustering,
	StepClaims,
	StepSortDeduplicate,
	StepSummaries,
	StepCruxes,
}

// RequiredSteps are the steps that must complete (or be legitimately skipped)
// before a report counts as done. Cruxes is excluded: skipping it is always
// legitimate.
var RequiredSteps = []StepName{
	StepClustering,
	StepClaims,
	StepSortDeduplicate,
	StepSummaries,
}

// PipelineStatus is the lifecycle state of a report generation run.
type PipelineStatus string

const (
	StatusPending   PipelineStatus = "pending"
	StatusRunning   PipelineStatus = "running"
	StatusCompleted PipelineStatus = "completed"
	StatusFailed    PipelineStatus = "failed"
)

// StepStatus is the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusFailed     StepStatus = "failed"
)

// TokenUsage tracks token consumption for one or more LLM calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// StepAnalytics records timing, token, and cost measurements for one step.
type StepAnalytics struct {
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	TotalTokens int        `json:"total_tokens"`
	Cost        float64    `json:"cost"`
}

// StepOutput is a step's validated payload plus its usage and cost. Presence
// of a StepOutput in CompletedResults is the sole signal that the step is
// safely skippable on resume.
type StepOutput struct {
	Data  json.RawMessage `json:"data"`
	Usage TokenUsage      `json:"usage"`
	Cost  float64         `json:"cost"`
}

// PipelineState is the durable progress document for one report, keyed by
// report ID. It is checkpointed after every step transition so a crashed run
// can resume from the last completed step.
type PipelineState struct {
	Version            int                        `json:"version"`
	ReportID           string                     `json:"report_id"`
	UserID             string                     `json:"user_id"`
	Status             PipelineStatus             `json:"status"`
	CurrentStep        StepName                   `json:"current_step,omitempty"`
	StepAnalytics      map[StepName]StepAnalytics `json:"step_analytics"`
	CompletedResults   map[StepName]StepOutput    `json:"completed_results"`
	ValidationFailures map[StepName]int           `json:"validation_failures"`
	TotalTokens        int                        `json:"total_tokens"`
	TotalCost          float64                    `json:"total_cost"`
	TotalDurationMs    int64                      `json:"total_duration_ms"`
	ErrorContext       string                     `json:"error_context,omitempty"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// NewPipelineState returns a fresh pending state for a report.
func NewPipelineState(reportID, userID string) *PipelineState {
	now := time.Now().UTC()
	return &PipelineState{
		Version:            StateVersion,
		ReportID:           reportID,
		UserID:             userID,
		Status:             StatusPending,
		StepAnalytics:      make(map[StepName]StepAnalytics),
		CompletedResults:   make(map[StepName]StepOutput),
		ValidationFailures: make(map[StepName]int),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// StateUpdate is a partial update merged into a PipelineState at checkpoint
// time. Nil/empty fields are left untouched.
type StateUpdate struct {
	Status             *PipelineStatus
	CurrentStep        *StepName // set to pointer-to-empty to clear
	StepAnalytics      map[StepName]StepAnalytics
	CompletedResults   map[StepName]StepOutput
	ValidationFailures map[StepName]int // increments, not absolute values
	ErrorContext       *string
}

// Apply merges an update into the state. Aggregate totals are recomputed from
// step analytics afterwards; callers must advance UpdatedAt themselves so the
// store controls monotonicity.
func (s *PipelineState) Apply(u StateUpdate) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.CurrentStep != nil {
		s.CurrentStep = *u.CurrentStep
	}
	for name, a := range u.StepAnalytics {
		s.StepAnalytics[name] = a
	}
	for name, out := range u.CompletedResults {
		s.CompletedResults[name] = out
	}
	for name, n := range u.ValidationFailures {
		s.ValidationFailures[name] += n
	}
	if u.ErrorContext != nil {
		s.ErrorContext = *u.ErrorContext
	}
	s.RecomputeTotals()
}

// RecomputeTotals rebuilds the aggregate counters from step analytics. The
// aggregates are never trusted independently: they are always derivable.
func (s *PipelineState) RecomputeTotals() {
	var tokens int
	var cost float64
	var duration int64
	for _, a := range s.StepAnalytics {
		tokens += a.TotalTokens
		cost += a.Cost
		duration += a.DurationMs
	}
	s.TotalTokens = tokens
	s.TotalCost = cost
	s.TotalDurationMs = duration
}

// IsComplete reports whether every required step has a completed or skipped
// analytics entry, with a recorded result for every non-skipped step.
func (s *PipelineState) IsComplete() bool {
	for _, name := range RequiredSteps {
		a, ok := s.StepAnalytics[name]
		if !ok {
			return false
		}
		switch a.Status {
		case StepStatusCompleted:
			if _, ok := s.CompletedResults[name]; !ok {
				return false
			}
		case StepStatusSkipped:
		default:
			return false
		}
	}
	return true
}
