package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsense/reportgen/internal/model"
)

func summaryTotal(s model.AuditSummary) int {
	return s.Accepted + s.RejectedBySanitization + s.RejectedByMeaningfulness + s.RejectedByClaimsExtraction
}

func TestRecorder_CountersPartitionComments(t *testing.T) {
	r := NewRecorder("r1", "claude-sonnet-4-5-20250929", 5, 0)

	r.Accept("c1")
	r.Accept("c2")
	r.RejectSanitization("c3", "prompt_injection_pattern")
	r.RejectMeaningfulness("c4")
	r.Accept("c5")
	r.RejectClaimsExtraction("c5")

	log := r.Snapshot()
	assert.Equal(t, 2, log.Summary.Accepted)
	assert.Equal(t, 1, log.Summary.RejectedBySanitization)
	assert.Equal(t, 1, log.Summary.RejectedByMeaningfulness)
	assert.Equal(t, 1, log.Summary.RejectedByClaimsExtraction)
	assert.LessOrEqual(t, summaryTotal(log.Summary), log.InputCommentCount)
}

func TestRecorder_DoubleRecordingIsNoOp(t *testing.T) {
	r := NewRecorder("r1", "m", 3, 0)

	r.Accept("c1")
	r.Accept("c1")
	r.RejectMeaningfulness("c1")
	r.RejectSanitization("c2", "x")
	r.RejectSanitization("c2", "x")

	log := r.Snapshot()
	assert.Equal(t, 1, log.Summary.Accepted)
	assert.Equal(t, 1, log.Summary.RejectedBySanitization)
	assert.Equal(t, 0, log.Summary.RejectedByMeaningfulness)
	assert.Len(t, log.Entries, 2)
}

func TestRecorder_ClaimsRejectionMovesAcceptedComment(t *testing.T) {
	r := NewRecorder("r1", "m", 2, 0)
	r.Accept("c1")
	r.Accept("c2")

	r.RejectClaimsExtraction("c1")
	r.RejectClaimsExtraction("c1") // second call is a no-op

	log := r.Snapshot()
	assert.Equal(t, 1, log.Summary.Accepted)
	assert.Equal(t, 1, log.Summary.RejectedByClaimsExtraction)
	assert.Equal(t, 2, summaryTotal(log.Summary))
}

func TestRecorder_DeduplicateOnlyCountsAcceptedOnce(t *testing.T) {
	r := NewRecorder("r1", "m", 4, 0)
	r.Accept("c1")
	r.Accept("c2")
	r.RejectMeaningfulness("c3")

	r.Deduplicate("c1", "c2")
	r.Deduplicate("c1", "c2") // repeat
	r.Deduplicate("c3", "c2") // rejected comment, ignored
	r.Deduplicate("c9", "c2") // unknown comment, ignored

	log := r.Snapshot()
	assert.Equal(t, 1, log.Summary.Deduplicated)
	assert.LessOrEqual(t, log.Summary.Deduplicated, log.Summary.Accepted)
}

func TestRecorder_DedupedCommentNotMovedByClaimsRejection(t *testing.T) {
	r := NewRecorder("r1", "m", 2, 0)
	r.Accept("c1")
	r.Deduplicate("c1", "c2")

	// A merged comment's claims live on in the survivor; it stays accepted.
	r.RejectClaimsExtraction("c1")

	log := r.Snapshot()
	assert.Equal(t, 1, log.Summary.Accepted)
	assert.Equal(t, 0, log.Summary.RejectedByClaimsExtraction)
}

func TestRecorder_TruncateIsWarningNotRejection(t *testing.T) {
	r := NewRecorder("r1", "m", 1, 0)
	r.Truncate("c1")
	r.Truncate("c1")
	r.Accept("c1")

	log := r.Snapshot()
	assert.Equal(t, 1, log.Summary.Accepted)
	require.Len(t, log.Entries, 2)
	assert.Equal(t, model.OutcomeTruncated, log.Entries[0].Outcome)
}

func TestResume_RebuildsDispositions(t *testing.T) {
	r := NewRecorder("r1", "m", 3, time.Hour)
	r.Accept("c1")
	r.RejectSanitization("c2", "prompt_injection_pattern")
	r.Truncate("c1")
	r.Deduplicate("c1", "c3")
	snap := r.Snapshot()

	resumed := Resume(snap)
	// Replaying the sanitization stage must not change any counter.
	resumed.Accept("c1")
	resumed.RejectSanitization("c2", "prompt_injection_pattern")
	resumed.Truncate("c1")
	resumed.Deduplicate("c1", "c3")

	log := resumed.Snapshot()
	assert.Equal(t, snap.Summary, log.Summary)
	assert.Len(t, log.Entries, len(snap.Entries))
}

func TestRecorder_TTLAndFinalQuoteCount(t *testing.T) {
	r := NewRecorder("r1", "m", 1, 2*time.Hour)
	log := r.Snapshot()
	assert.WithinDuration(t, log.CreatedAt.Add(2*time.Hour), log.ExpiresAt, time.Second)

	r2 := NewRecorder("r2", "m", 1, 0)
	log2 := r2.Snapshot()
	assert.WithinDuration(t, log2.CreatedAt.Add(model.DefaultAuditTTL), log2.ExpiresAt, time.Second)

	r.SetFinalQuoteCount(7)
	assert.Equal(t, 7, r.Snapshot().FinalQuoteCount)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	r := NewRecorder("r1", "m", 2, 0)
	r.Accept("c1")
	snap := r.Snapshot()
	r.Accept("c2")

	assert.Len(t, snap.Entries, 1)
	assert.Equal(t, 1, snap.Summary.Accepted)
}
