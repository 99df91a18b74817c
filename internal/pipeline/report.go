package pipeline

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/steps"
)

// ReportVersion is the assembled report document schema version.
const ReportVersion = 1

// Report is the final document stored for a completed run: the topic
// hierarchy with consolidated claims and summaries folded in, optional
// controversy analysis, and the run's audit and analytics summaries.
type Report struct {
	Version     int            `json:"version"`
	ReportID    string         `json:"report_id"`
	UserID      string         `json:"user_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Model       string         `json:"model,omitempty"`
	Topics      []ReportTopic  `json:"topics"`
	Cruxes      []steps.Crux   `json:"cruxes,omitempty"`
	Audit       ReportAudit    `json:"audit"`
	Analytics   RunAnalytics   `json:"analytics"`
}

// ReportTopic is one topic section with its summary and subtopic claims.
type ReportTopic struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Summary     string           `json:"summary,omitempty"`
	Subtopics   []ReportSubtopic `json:"subtopics"`
}

// ReportSubtopic groups the consolidated claims under one subtopic.
type ReportSubtopic struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Claims      []steps.Claim `json:"claims"`
}

// ReportAudit is the reader-facing slice of the audit trail: counts only,
// never per-comment entries.
type ReportAudit struct {
	InputCommentCount int                `json:"input_comment_count"`
	FinalQuoteCount   int                `json:"final_quote_count"`
	Summary           model.AuditSummary `json:"summary"`
}

// RunAnalytics summarizes the run's cost and timing by step.
type RunAnalytics struct {
	TotalTokens     int                                  `json:"total_tokens"`
	TotalCost       float64                              `json:"total_cost"`
	TotalDurationMs int64                                `json:"total_duration_ms"`
	Steps           map[model.StepName]model.StepAnalytics `json:"steps"`
}

// AssembleReport builds the final report document from the run's recorded
// step outputs. It returns the encoded document and the number of quotes that
// made it into it.
func AssembleReport(job *model.Job, st *model.PipelineState, auditLog *model.AuditLog) (json.RawMessage, int, error) {
	tree, err := decodeResult(st, model.StepClustering, steps.DecodeTopicTree)
	if err != nil {
		return nil, 0, err
	}
	consolidated, err := decodeResult(st, model.StepSortDeduplicate, steps.DecodeDedup)
	if err != nil {
		return nil, 0, err
	}
	summaries, err := decodeResult(st, model.StepSummaries, steps.DecodeSummaries)
	if err != nil {
		return nil, 0, err
	}

	summaryByTopic := make(map[string]string, len(summaries.Summaries))
	for _, s := range summaries.Summaries {
		summaryByTopic[s.TopicName] = s.Text
	}

	type key struct{ topic, subtopic string }
	claimsBySection := make(map[key][]steps.Claim)
	for _, c := range consolidated.Claims {
		k := key{c.TopicName, c.SubtopicName}
		claimsBySection[k] = append(claimsBySection[k], c)
	}

	topics := make([]ReportTopic, 0, len(tree.Topics))
	for _, t := range tree.Topics {
		rt := ReportTopic{
			Name:        t.TopicName,
			Description: t.Description,
			Summary:     summaryByTopic[t.TopicName],
			Subtopics:   make([]ReportSubtopic, 0, len(t.Subtopics)),
		}
		for _, sub := range t.Subtopics {
			claims := claimsBySection[key{t.TopicName, sub.SubtopicName}]
			if claims == nil {
				claims = []steps.Claim{}
			}
			rt.Subtopics = append(rt.Subtopics, ReportSubtopic{
				Name:        sub.SubtopicName,
				Description: sub.Description,
				Claims:      claims,
			})
			delete(claimsBySection, key{t.TopicName, sub.SubtopicName})
		}
		// Claims the model placed directly under the topic keep a section of
		// their own rather than being dropped.
		if orphans := claimsBySection[key{t.TopicName, ""}]; len(orphans) > 0 {
			rt.Subtopics = append(rt.Subtopics, ReportSubtopic{Name: "Other", Claims: orphans})
			delete(claimsBySection, key{t.TopicName, ""})
		}
		topics = append(topics, rt)
	}

	report := Report{
		Version:     ReportVersion,
		ReportID:    st.ReportID,
		UserID:      st.UserID,
		GeneratedAt: time.Now().UTC(),
		Model:       job.ModelConfig.Model,
		Topics:      topics,
		Audit: ReportAudit{
			InputCommentCount: auditLog.InputCommentCount,
			FinalQuoteCount:   len(consolidated.Claims),
			Summary:           auditLog.Summary,
		},
		Analytics: RunAnalytics{
			TotalTokens:     st.TotalTokens,
			TotalCost:       st.TotalCost,
			TotalDurationMs: st.TotalDurationMs,
			Steps:           st.StepAnalytics,
		},
	}

	if out, ok := st.CompletedResults[model.StepCruxes]; ok {
		cruxes, err := steps.DecodeCruxes(out.Data)
		if err != nil {
			return nil, 0, err
		}
		report.Cruxes = cruxes.Cruxes
	}

	doc, err := json.Marshal(report)
	if err != nil {
		return nil, 0, eris.Wrap(err, "pipeline: encode report")
	}
	return doc, len(consolidated.Claims), nil
}

func decodeResult[T any](st *model.PipelineState, name model.StepName, decode func(json.RawMessage) (*T, error)) (*T, error) {
	out, ok := st.CompletedResults[name]
	if !ok {
		return nil, eris.Errorf("pipeline: %s output missing at finalization", name)
	}
	return decode(out.Data)
}
