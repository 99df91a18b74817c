// Package steps holds the concrete pipeline steps. Each step wraps one LLM
// call: it renders a stage prompt over its input, invokes the model, and
// exposes shape validation for the decoded output. Prompt wording is
// deliberately thin; the orchestration contract is the point.
package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/civicsense/reportgen/internal/cost"
	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/resilience"
	"github.com/civicsense/reportgen/internal/step"
	"github.com/civicsense/reportgen/pkg/anthropic"
)

// Deps carries the shared dependencies for all steps.
type Deps struct {
	Client    anthropic.Client
	Model     string // default model, overridable per job
	MaxTokens int64
	Costs     *cost.Calculator
}

// All returns the steps in pipeline execution order.
func All(d Deps) []step.Step {
	return []step.Step{
		&ClusteringStep{deps: d},
		&ClaimsStep{deps: d},
		&DedupStep{deps: d},
		&SummariesStep{deps: d},
		&CruxesStep{deps: d},
	}
}

func (d Deps) modelFor(cfg model.ModelConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return d.Model
}

// invoke performs one LLM call and packages the outcome as a StepResult.
// Auth failures are fatal; rate limits and server errors are transient;
// non-JSON output is transient (the model may produce valid JSON on retry).
func (d Deps) invoke(ctx context.Context, cfg model.ModelConfig, system, user string) (*model.StepResult, error) {
	resp, err := d.Client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     d.modelFor(cfg),
		MaxTokens: d.MaxTokens,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		if status := anthropic.StatusOf(err); status != 0 {
			if status == 401 || status == 403 {
				return nil, resilience.NewFatalError(err, "auth_failure")
			}
			if resilience.IsTransientHTTPStatus(status) {
				return nil, resilience.NewTransientError(err, status)
			}
		}
		return nil, err
	}

	usage := model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	result := &model.StepResult{
		Usage:      usage,
		Cost:       d.Costs.Tokens(d.modelFor(cfg), usage),
		StopReason: resp.StopReason,
	}

	if !model.StopReasonOK(resp.StopReason) {
		// Leave data empty; the executor treats the early stop as fatal.
		return result, nil
	}

	data := extractJSON(resp.Text)
	if !json.Valid([]byte(data)) {
		return nil, resilience.NewTransientError(eris.New("steps: model output is not valid JSON"), 0)
	}
	result.Data = json.RawMessage(data)
	return result, nil
}

// extractJSON strips markdown code fences the model sometimes wraps around
// its output.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}

// commentsBlock renders comments as compact JSON lines for a prompt.
func commentsBlock(comments []model.Comment) string {
	var b strings.Builder
	for _, c := range comments {
		line, _ := json.Marshal(c)
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String()
}
