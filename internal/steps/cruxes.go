package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/step"
)

const cruxesSystem = `You are a qualitative researcher identifying points of disagreement.
For each subtopic, identify claims that split speaker opinion and list the speakers on each side.
Respond with JSON only: {"cruxes":[{"cruxClaim":"...","subtopicName":"...","agree":["..."],"disagree":["..."]}]}`

// CruxList is the cruxes step output.
type CruxList struct {
	Cruxes []Crux `json:"cruxes"`
}

// Crux is a claim that splits speaker opinion within a subtopic.
type Crux struct {
	CruxClaim    string   `json:"cruxClaim"`
	SubtopicName string   `json:"subtopicName"`
	Agree        []string `json:"agree"`
	Disagree     []string `json:"disagree"`
}

// CruxesStep detects controversial claims. It only runs when the job
// requests controversy analysis.
type CruxesStep struct {
	deps Deps
}

func (s *CruxesStep) Name() model.StepName { return model.StepCruxes }

func (s *CruxesStep) Execute(ctx context.Context, in *step.Input) (*model.StepResult, error) {
	claims := in.PriorData(model.StepSortDeduplicate)
	if claims == nil {
		return nil, eris.New("cruxes: deduplicated claims missing")
	}

	var user strings.Builder
	user.WriteString("Consolidated claims:\n")
	user.Write(claims)
	return s.deps.invoke(ctx, in.Config, cruxesSystem, user.String())
}

func (s *CruxesStep) Validate(data json.RawMessage) error {
	list, err := DecodeCruxes(data)
	if err != nil {
		return err
	}
	for i, c := range list.Cruxes {
		if c.CruxClaim == "" {
			return eris.Errorf("cruxes: entry %d missing claim", i)
		}
	}
	return nil
}

// DecodeCruxes parses a cruxes output payload.
func DecodeCruxes(data json.RawMessage) (*CruxList, error) {
	var list CruxList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, eris.Wrap(err, "cruxes: decode output")
	}
	return &list, nil
}
