// Package pipeline orchestrates one report generation run: it decides whether
// a job should execute at all, walks the step sequence with checkpoint/resume,
// keeps the per-report lock alive, and finalizes the report.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsense/reportgen/internal/audit"
	"github.com/civicsense/reportgen/internal/lock"
	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/output"
	"github.com/civicsense/reportgen/internal/resilience"
	"github.com/civicsense/reportgen/internal/sanitize"
	"github.com/civicsense/reportgen/internal/step"
	"github.com/civicsense/reportgen/internal/steps"
	"github.com/civicsense/reportgen/internal/store"
)

// ErrNotResumable is returned when a running state's last checkpoint is
// recent enough that its holder may still be alive. The job should be dropped
// and retried later, not executed.
var ErrNotResumable = eris.New("pipeline: running state belongs to a live holder")

// Options carries the runner's tunables.
type Options struct {
	// Timeout bounds one full pipeline run, enforced through the context.
	Timeout time.Duration
	// PIIRedaction redacts PII from comments before any LLM call and from
	// the assembled report before it is stored.
	PIIRedaction bool
	// MaxCommentLength caps comment length at sanitization; zero selects the
	// sanitizer default.
	MaxCommentLength int
	// AuditTTL is the backstop lifetime for audit logs; zero selects the
	// model default.
	AuditTTL time.Duration
}

// Runner executes report generation jobs. A Runner is safe for concurrent
// use; per-report exclusivity comes from the lock manager, not from the
// Runner itself.
type Runner struct {
	store store.Store
	locks *lock.Manager
	exec  *step.Executor
	steps []step.Step
	sink  output.ReportSink
	meta  output.MetadataSink
	opts  Options
}

// NewRunner wires a Runner. The step slice must be in execution order.
func NewRunner(st store.Store, locks *lock.Manager, exec *step.Executor, stepSeq []step.Step, sink output.ReportSink, meta output.MetadataSink, opts Options) *Runner {
	return &Runner{
		store: st,
		locks: locks,
		exec:  exec,
		steps: stepSeq,
		sink:  sink,
		meta:  meta,
		opts:  opts,
	}
}

// Resumable reports whether an observed state may be picked up by a new
// runner at instant now. Pending, failed, and absent states are always
// resumable. A running state is resumable only once its last checkpoint is
// older than the lock TTL: before that, the original holder may still be
// alive and mid-step.
func Resumable(st *model.PipelineState, lockTTL time.Duration, now time.Time) bool {
	if st == nil || st.Status != model.StatusRunning {
		return true
	}
	return now.Sub(st.UpdatedAt) > lockTTL
}

// Run executes one job to completion, resuming from the last checkpoint when
// earlier progress exists. Duplicate deliveries surface as ErrAlreadyHeld
// from the lock manager or as ErrNotResumable; both mean "drop the job", not
// "something broke".
func (r *Runner) Run(ctx context.Context, job *model.Job) (*model.PipelineState, error) {
	if job.ReportID == "" {
		return nil, eris.New("pipeline: job missing reportId")
	}
	log := zap.L().With(zap.String("report_id", job.ReportID))

	st, err := r.store.GetState(ctx, job.ReportID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load state")
	}
	if st != nil && st.Status == model.StatusCompleted {
		log.Info("report already completed, dropping duplicate job")
		return st, nil
	}
	if !Resumable(st, r.locks.Durations().TTL, time.Now().UTC()) {
		return nil, ErrNotResumable
	}

	lk, err := r.locks.Acquire(ctx, job.ReportID)
	if err != nil {
		return nil, err
	}
	// Bookkeeping after a timeout or failure must still reach the store, so
	// failure paths use a context detached from the deadline.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if rErr := r.locks.Release(bg, lk); rErr != nil {
			log.Warn("lock release failed", zap.Error(rErr))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	if st == nil {
		st = model.NewPipelineState(job.ReportID, job.UserID)
		if err := r.store.PutState(ctx, st); err != nil {
			return nil, eris.Wrap(err, "pipeline: create state")
		}
	} else if st.Status == model.StatusRunning {
		log.Warn("resuming stale run", zap.Time("last_checkpoint", st.UpdatedAt))
	}

	running := model.StatusRunning
	if err := r.checkpoint(ctx, st, model.StateUpdate{Status: &running}); err != nil {
		return nil, err
	}

	stopRefresh := r.startRefresh(ctx, lk, log)
	defer stopRefresh()

	final, runErr := r.execute(ctx, job, st, lk, log)
	if runErr != nil {
		r.markFailed(bg, st, runErr, log)
		return nil, runErr
	}
	return final, nil
}

// startRefresh keeps the lock alive while steps run. Refresh failures are
// logged, not fatal: a single missed refresh leaves most of the TTL intact.
func (r *Runner) startRefresh(ctx context.Context, lk *lock.Lock, log *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.locks.Durations().RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.locks.Refresh(ctx, lk); err != nil {
					log.Warn("lock refresh failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) execute(ctx context.Context, job *model.Job, st *model.PipelineState, lk *lock.Lock, log *zap.Logger) (*model.PipelineState, error) {
	comments, rec, err := r.prepareComments(ctx, job)
	if err != nil {
		return nil, err
	}

	prior := make(map[model.StepName]json.RawMessage, len(st.CompletedResults))
	for name, out := range st.CompletedResults {
		prior[name] = out.Data
	}
	in := &step.Input{
		ReportID: job.ReportID,
		Comments: comments,
		Prior:    prior,
		Config:   job.ModelConfig,
		Audit:    rec,
	}

	for _, s := range r.steps {
		name := s.Name()

		if name == model.StepCruxes && !job.ModelConfig.EnableCruxes {
			if a, ok := st.StepAnalytics[name]; !ok || a.Status != model.StepStatusSkipped {
				err := r.checkpoint(ctx, st, model.StateUpdate{
					StepAnalytics: map[model.StepName]model.StepAnalytics{
						name: {Status: model.StepStatusSkipped},
					},
				})
				if err != nil {
					return nil, err
				}
			}
			continue
		}

		// Presence in completed results is the one signal that the step's
		// work, including its checkpoint, is durably done.
		if out, ok := st.CompletedResults[name]; ok {
			log.Info("step already completed, skipping", zap.String("step", string(name)))
			prior[name] = out.Data
			continue
		}

		startedAt := time.Now().UTC()
		current := name
		err := r.checkpoint(ctx, st, model.StateUpdate{
			CurrentStep: &current,
			StepAnalytics: map[model.StepName]model.StepAnalytics{
				name: {Status: model.StepStatusInProgress, StartedAt: &startedAt},
			},
		})
		if err != nil {
			return nil, err
		}

		outcome, err := r.exec.Run(ctx, s, in)
		if err != nil {
			return nil, err
		}

		r.recordStepAudit(ctx, name, outcome.Output.Data, comments, rec, log)

		err = r.checkpoint(ctx, st, model.StateUpdate{
			CompletedResults: map[model.StepName]model.StepOutput{name: outcome.Output},
			StepAnalytics:    map[model.StepName]model.StepAnalytics{name: outcome.Analytics},
		})
		if err != nil {
			return nil, err
		}
		prior[name] = outcome.Output.Data
	}

	return r.finalize(ctx, job, st, lk, rec, log)
}

// prepareComments screens the job's comments and builds (or resumes) the
// audit recorder. On resume the recorder's disposition tracking makes the
// re-recorded sanitization entries no-ops, so counters stay stable.
func (r *Runner) prepareComments(ctx context.Context, job *model.Job) ([]model.Comment, *audit.Recorder, error) {
	existing, err := r.store.GetAudit(ctx, job.ReportID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: load audit log")
	}
	var rec *audit.Recorder
	if existing != nil {
		rec = audit.Resume(existing)
	} else {
		rec = audit.NewRecorder(job.ReportID, job.ModelConfig.Model, len(job.InputComments), r.opts.AuditTTL)
	}

	opts := sanitize.Options{MaxLength: r.opts.MaxCommentLength, RedactPII: r.opts.PIIRedaction}
	kept := make([]model.Comment, 0, len(job.InputComments))
	for _, c := range job.InputComments {
		res := sanitize.Sanitize(c.Text, opts)
		if !res.Safe {
			switch res.Reason {
			case sanitize.ReasonEmpty, sanitize.ReasonTooShort:
				rec.RejectMeaningfulness(c.ID)
			default:
				rec.RejectSanitization(c.ID, res.Reason)
			}
			continue
		}
		if res.Truncated {
			rec.Truncate(c.ID)
		}
		rec.Accept(c.ID)
		kept = append(kept, model.Comment{ID: c.ID, Text: res.Text, Speaker: c.Speaker})
	}

	if err := r.store.PutAudit(ctx, rec.Snapshot()); err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: persist audit log")
	}
	if len(kept) == 0 {
		// The persisted trail explains exactly why nothing survived.
		return nil, nil, resilience.NewFatalError(
			eris.New("pipeline: no usable comments after sanitization"), "no_usable_input")
	}
	return kept, rec, nil
}

// recordStepAudit folds a step's output back into the audit trail: comments
// that yielded no claims, and claims merged away during deduplication. Audit
// persistence here is best effort; the trail is persisted again at finalize.
func (r *Runner) recordStepAudit(ctx context.Context, name model.StepName, data json.RawMessage, comments []model.Comment, rec *audit.Recorder, log *zap.Logger) {
	switch name {
	case model.StepClaims:
		list, err := steps.DecodeClaims(data)
		if err != nil {
			log.Warn("audit: claims output undecodable", zap.Error(err))
			return
		}
		claimed := make(map[string]bool)
		for _, c := range list.Claims {
			claimed[c.CommentID] = true
			for _, d := range c.Duplicates {
				claimed[d] = true
			}
		}
		for _, c := range comments {
			if !claimed[c.ID] {
				rec.RejectClaimsExtraction(c.ID)
			}
		}
	case model.StepSortDeduplicate:
		res, err := steps.DecodeDedup(data)
		if err != nil {
			log.Warn("audit: dedup output undecodable", zap.Error(err))
			return
		}
		for _, m := range res.Merged {
			rec.Deduplicate(m.CommentID, m.MergedInto)
		}
	default:
		return
	}
	if err := r.store.PutAudit(ctx, rec.Snapshot()); err != nil {
		log.Warn("audit: persist failed", zap.Error(err))
	}
}

// finalize assembles, redacts, and stores the report, publishes the metadata
// record, and retires the run's audit log, state, and lock. The lock is first
// extended by the shorter finalization TTL so a stalled finalize cannot block
// the report for a full lock TTL.
func (r *Runner) finalize(ctx context.Context, job *model.Job, st *model.PipelineState, lk *lock.Lock, rec *audit.Recorder, log *zap.Logger) (*model.PipelineState, error) {
	if err := r.locks.Extend(ctx, lk, r.locks.Durations().Extension); err != nil {
		return nil, eris.Wrap(err, "pipeline: extend lock for finalization")
	}

	doc, quoteCount, err := AssembleReport(job, st, rec.Snapshot())
	if err != nil {
		return nil, err
	}
	rec.SetFinalQuoteCount(quoteCount)

	if r.opts.PIIRedaction {
		doc, err = sanitize.RedactJSON(doc)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: redact report")
		}
	}

	uri, err := r.sink.Store(ctx, job.ReportID, doc)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: store report")
	}
	log.Info("report stored", zap.String("output_uri", uri))

	st.RecomputeTotals()
	ref := model.ReportRef{
		ReportID:    job.ReportID,
		UserID:      job.UserID,
		OutputURI:   uri,
		TotalCost:   st.TotalCost,
		TotalTokens: st.TotalTokens,
		CompletedAt: time.Now().UTC(),
	}
	if err := r.meta.Publish(ctx, ref); err != nil {
		return nil, eris.Wrap(err, "pipeline: publish report reference")
	}

	// The audit trail served its purpose; the TTL sweep backstops this delete.
	if err := r.store.DeleteAudit(ctx, job.ReportID); err != nil {
		log.Warn("audit delete failed", zap.Error(err))
	}

	completed := model.StatusCompleted
	noStep := model.StepName("")
	if err := r.checkpoint(ctx, st, model.StateUpdate{Status: &completed, CurrentStep: &noStep}); err != nil {
		return nil, err
	}

	log.Info("report completed",
		zap.Int("total_tokens", st.TotalTokens),
		zap.Float64("total_cost", st.TotalCost),
		zap.Int64("total_duration_ms", st.TotalDurationMs),
	)

	final, err := r.store.GetState(ctx, job.ReportID)
	if err != nil {
		return st, nil
	}
	return final, nil
}

// checkpoint persists an update and mirrors it into the in-memory state so
// the step loop observes its own progress.
func (r *Runner) checkpoint(ctx context.Context, st *model.PipelineState, u model.StateUpdate) error {
	if err := r.store.Checkpoint(ctx, st.ReportID, u); err != nil {
		return eris.Wrap(err, "pipeline: checkpoint")
	}
	st.Apply(u)
	return nil
}

func (r *Runner) markFailed(ctx context.Context, st *model.PipelineState, cause error, log *zap.Logger) {
	failed := model.StatusFailed
	errCtx := eris.ToString(cause, false)
	err := r.checkpoint(ctx, st, model.StateUpdate{Status: &failed, ErrorContext: &errCtx})
	if err != nil {
		log.Error("failed to record failure", zap.Error(err))
	}
	log.Error("pipeline run failed", zap.Error(cause))
}
