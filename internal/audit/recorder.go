// Package audit maintains the per-report trail of why each input comment was
// accepted, rejected, truncated, or merged.
package audit

import (
	"sync"
	"time"

	"github.com/civicsense/reportgen/internal/model"
)

// Recorder accumulates comment dispositions for one report. It tracks each
// comment's terminal disposition by ID, which structurally guarantees the
// summary invariants: a comment is counted at most once across accepted and
// the rejection counters, and only accepted comments can be deduplicated.
type Recorder struct {
	mu          sync.Mutex
	log         *model.AuditLog
	disposition map[string]model.AuditOutcome
	deduped     map[string]bool
	truncated   map[string]bool
}

// NewRecorder starts a fresh audit log for a report.
func NewRecorder(reportID, modelName string, inputCommentCount int, ttl time.Duration) *Recorder {
	if ttl <= 0 {
		ttl = model.DefaultAuditTTL
	}
	now := time.Now().UTC()
	return &Recorder{
		log: &model.AuditLog{
			Version:           model.AuditVersion,
			ReportID:          reportID,
			CreatedAt:         now,
			ExpiresAt:         now.Add(ttl),
			InputCommentCount: inputCommentCount,
			ModelName:         modelName,
			Entries:           []model.AuditEntry{},
		},
		disposition: make(map[string]model.AuditOutcome),
		deduped:     make(map[string]bool),
		truncated:   make(map[string]bool),
	}
}

// Resume wraps an existing audit log so later stages can keep appending.
// Dispositions are rebuilt from the entries, which makes re-recording a
// comment on resume a no-op rather than a double count.
func Resume(log *model.AuditLog) *Recorder {
	r := &Recorder{
		log:         log,
		disposition: make(map[string]model.AuditOutcome),
		deduped:     make(map[string]bool),
		truncated:   make(map[string]bool),
	}
	for _, e := range log.Entries {
		switch e.Outcome {
		case model.OutcomeAccepted, model.OutcomeRejected:
			r.disposition[e.CommentID] = e.Outcome
		case model.OutcomeMerged:
			r.deduped[e.CommentID] = true
		case model.OutcomeTruncated:
			r.truncated[e.CommentID] = true
		}
	}
	return r
}

// RejectSanitization records a comment rejected by the sanitizer.
func (r *Recorder) RejectSanitization(commentID, reason string) {
	r.reject(commentID, model.StageSanitization, reason, &r.log.Summary.RejectedBySanitization)
}

// RejectMeaningfulness records a comment rejected as not meaningful.
func (r *Recorder) RejectMeaningfulness(commentID string) {
	r.reject(commentID, model.StageMeaningfulness, "", &r.log.Summary.RejectedByMeaningfulness)
}

// RejectClaimsExtraction records a comment that yielded no usable claims.
// Such a comment was accepted at sanitization; it is moved from the accepted
// counter to the claims-extraction rejection counter so that each comment
// contributes to exactly one summary bucket.
func (r *Recorder) RejectClaimsExtraction(commentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.disposition[commentID] {
	case model.OutcomeAccepted:
		if r.deduped[commentID] {
			return
		}
		r.log.Summary.Accepted--
	case model.OutcomeRejected:
		return
	}
	r.disposition[commentID] = model.OutcomeRejected
	r.log.Summary.RejectedByClaimsExtraction++
	r.log.Entries = append(r.log.Entries, model.AuditEntry{
		CommentID: commentID,
		Stage:     model.StageClaimsExtraction,
		Outcome:   model.OutcomeRejected,
	})
}

// Accept records a comment accepted into the analysis.
func (r *Recorder) Accept(commentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.disposition[commentID]; seen {
		return
	}
	r.disposition[commentID] = model.OutcomeAccepted
	r.log.Summary.Accepted++
	r.log.Entries = append(r.log.Entries, model.AuditEntry{
		CommentID: commentID,
		Stage:     model.StageSanitization,
		Outcome:   model.OutcomeAccepted,
	})
}

// Truncate records that a comment was shortened to the length cap. Recorded
// as a warning, not a rejection; the comment keeps its accepted disposition.
func (r *Recorder) Truncate(commentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.truncated[commentID] {
		return
	}
	r.truncated[commentID] = true
	r.log.Entries = append(r.log.Entries, model.AuditEntry{
		CommentID: commentID,
		Stage:     model.StageSanitization,
		Outcome:   model.OutcomeTruncated,
	})
}

// Deduplicate records an accepted comment merged into another during
// deduplication. Ignored unless the comment was accepted, and counted once
// per comment, so deduplicated can never exceed accepted.
func (r *Recorder) Deduplicate(commentID, mergedInto string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposition[commentID] != model.OutcomeAccepted || r.deduped[commentID] {
		return
	}
	r.deduped[commentID] = true
	r.log.Summary.Deduplicated++
	r.log.Entries = append(r.log.Entries, model.AuditEntry{
		CommentID: commentID,
		Stage:     model.StageDeduplication,
		Outcome:   model.OutcomeMerged,
		Detail:    mergedInto,
	})
}

// SetFinalQuoteCount records how many quotes made it into the final report.
func (r *Recorder) SetFinalQuoteCount(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.FinalQuoteCount = n
}

// Snapshot returns a deep copy of the current audit log for persistence.
func (r *Recorder) Snapshot() *model.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.log
	cp.Entries = make([]model.AuditEntry, len(r.log.Entries))
	copy(cp.Entries, r.log.Entries)
	return &cp
}

func (r *Recorder) reject(commentID string, stage model.AuditStage, detail string, counter *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.disposition[commentID]; seen {
		return
	}
	r.disposition[commentID] = model.OutcomeRejected
	*counter++
	r.log.Entries = append(r.log.Entries, model.AuditEntry{
		CommentID: commentID,
		Stage:     stage,
		Outcome:   model.OutcomeRejected,
		Detail:    detail,
	})
}
