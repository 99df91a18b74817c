package model

import "time"

// AuditVersion is the current AuditLog document schema version.
const AuditVersion = 1

// DefaultAuditTTL is the backstop lifetime for an audit log that was never
// explicitly deleted after finalization. An orphaned audit log is harmless
// but wasted space.
const DefaultAuditTTL = 6 * time.Hour

// AuditStage identifies the pipeline stage at which a comment disposition
// was decided.
type AuditStage string

const (
	StageSanitization     AuditStage = "sanitization"
	StageMeaningfulness   AuditStage = "meaningfulness"
	StageClaimsExtraction AuditStage = "claims_extraction"
	StageDeduplication    AuditStage = "deduplication"
)

// AuditOutcome is the disposition of one comment at one stage.
type AuditOutcome string

const (
	OutcomeAccepted  AuditOutcome = "accepted"
	OutcomeRejected  AuditOutcome = "rejected"
	OutcomeTruncated AuditOutcome = "truncated"
	OutcomeMerged    AuditOutcome = "merged"
)

// AuditEntry records why one input comment was accepted, rejected, truncated,
// or merged into another.
type AuditEntry struct {
	CommentID string       `json:"comment_id"`
	Stage     AuditStage   `json:"stage"`
	Outcome   AuditOutcome `json:"outcome"`
	Detail    string       `json:"detail,omitempty"`
}

// AuditSummary holds the per-report disposition counters.
//
// Invariants: accepted + rejectedBySanitization + rejectedByMeaningfulness +
// rejectedByClaimsExtraction <= inputCommentCount, and deduplicated <= accepted.
type AuditSummary struct {
	RejectedBySanitization     int `json:"rejected_by_sanitization"`
	RejectedByMeaningfulness   int `json:"rejected_by_meaningfulness"`
	RejectedByClaimsExtraction int `json:"rejected_by_claims_extraction"`
	Deduplicated               int `json:"deduplicated"`
	Accepted                   int `json:"accepted"`
}

// AuditLog is the per-report audit trail of comment-level filtering
// decisions. Its lifecycle is independent of PipelineState: created at
// pipeline start, mutated additively as stages run, deleted once the final
// report has been durably stored.
type AuditLog struct {
	Version           int          `json:"version"`
	ReportID          string       `json:"report_id"`
	CreatedAt         time.Time    `json:"created_at"`
	ExpiresAt         time.Time    `json:"expires_at"`
	InputCommentCount int          `json:"input_comment_count"`
	FinalQuoteCount   int          `json:"final_quote_count"`
	ModelName         string       `json:"model_name"`
	Entries           []AuditEntry `json:"entries"`
	Summary           AuditSummary `json:"summary"`
}
