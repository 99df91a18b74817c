package model

import (
	"encoding/json"
	"time"
)

// Comment is one free-text survey or interview response.
type Comment struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

// ModelConfig selects the LLM and per-report analysis options.
type ModelConfig struct {
	Model        string `json:"model"`
	EnableCruxes bool   `json:"enable_cruxes"`
}

// Job is one report-generation request pulled off the queue. Duplicate
// deliveries are expected; the lock manager converts at-least-once delivery
// into at-most-one execution.
type Job struct {
	ReportID      string      `json:"reportId"`
	UserID        string      `json:"userId"`
	InputComments []Comment   `json:"inputComments"`
	ModelConfig   ModelConfig `json:"modelConfig"`
}

// StepResult is the raw outcome of one step invocation before validation:
// the payload, token usage, computed cost, and the model's stop reason.
type StepResult struct {
	Data       json.RawMessage `json:"data"`
	Usage      TokenUsage      `json:"usage"`
	Cost       float64         `json:"cost"`
	StopReason string          `json:"stop_reason,omitempty"`
}

// StopReasonOK reports whether a recorded stop reason means the model ran to
// a natural stop. An empty reason (no LLM call involved) also counts as OK;
// anything else (max_tokens, refusal, pause) means the output cannot be
// trusted and the failure is not retryable.
func StopReasonOK(reason string) bool {
	switch reason {
	case "", "end_turn", "stop_sequence":
		return true
	default:
		return false
	}
}

// ReportRef is the external metadata record published after finalization.
type ReportRef struct {
	ReportID    string    `json:"report_id"`
	UserID      string    `json:"user_id"`
	OutputURI   string    `json:"output_uri"`
	TotalCost   float64   `json:"total_cost"`
	TotalTokens int       `json:"total_tokens"`
	CompletedAt time.Time `json:"completed_at"`
}
