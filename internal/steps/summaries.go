package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/step"
)

const summariesSystem = `You are a qualitative researcher summarizing analyzed survey data.
Write a short neutral summary for each topic based on its consolidated claims.
Respond with JSON only: {"summaries":[{"topicName":"...","text":"..."}]}`

// SummaryList is the summaries step output.
type SummaryList struct {
	Summaries []TopicSummary `json:"summaries"`
}

// TopicSummary is the summary text for one topic.
type TopicSummary struct {
	TopicName string `json:"topicName"`
	Text      string `json:"text"`
}

// SummariesStep writes per-topic summaries over the deduplicated claims.
type SummariesStep struct {
	deps Deps
}

func (s *SummariesStep) Name() model.StepName { return model.StepSummaries }

func (s *SummariesStep) Execute(ctx context.Context, in *step.Input) (*model.StepResult, error) {
	claims := in.PriorData(model.StepSortDeduplicate)
	if claims == nil {
		return nil, eris.New("summaries: deduplicated claims missing")
	}

	var user strings.Builder
	user.WriteString("Consolidated claims:\n")
	user.Write(claims)
	return s.deps.invoke(ctx, in.Config, summariesSystem, user.String())
}

func (s *SummariesStep) Validate(data json.RawMessage) error {
	list, err := DecodeSummaries(data)
	if err != nil {
		return err
	}
	if len(list.Summaries) == 0 {
		return eris.New("summaries: empty")
	}
	for i, sum := range list.Summaries {
		if sum.TopicName == "" || sum.Text == "" {
			return eris.Errorf("summaries: entry %d incomplete", i)
		}
	}
	return nil
}

// DecodeSummaries parses a summaries output payload.
func DecodeSummaries(data json.RawMessage) (*SummaryList, error) {
	var list SummaryList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, eris.Wrap(err, "summaries: decode output")
	}
	return &list, nil
}
