// Package step defines the pipeline step contract and the executor that
// measures, validates, and classifies each step invocation.
package step

import (
	"context"
	"encoding/json"

	"github.com/civicsense/reportgen/internal/audit"
	"github.com/civicsense/reportgen/internal/model"
)

// Input carries everything a step needs: the sanitized comments, the outputs
// of previously completed steps, the model selection, and the audit recorder
// for comment-level dispositions.
type Input struct {
	ReportID string
	Comments []model.Comment
	Prior    map[model.StepName]json.RawMessage
	Config   model.ModelConfig
	Audit    *audit.Recorder
}

// PriorData returns the recorded output of an earlier step, or nil.
func (in *Input) PriorData(name model.StepName) json.RawMessage {
	if in.Prior == nil {
		return nil
	}
	return in.Prior[name]
}

// Step is one stage of the analysis pipeline. Execute performs the external
// LLM call and returns the raw result; Validate checks a result payload
// against the step's expected output shape.
type Step interface {
	Name() model.StepName
	Execute(ctx context.Context, in *Input) (*model.StepResult, error)
	Validate(data json.RawMessage) error
}
