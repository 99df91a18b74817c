package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/step"
)

const claimsSystem = `You are a qualitative researcher extracting claims from survey responses.
For each response, extract zero or more specific claims, each supported by a direct quote, and place it under one of the provided topics and subtopics.
Respond with JSON only: {"claims":[{"claim":"...","quote":"...","speaker":"...","commentId":"...","topicName":"...","subtopicName":"..."}]}`

// ClaimList is the claims step output.
type ClaimList struct {
	Claims []Claim `json:"claims"`
}

// Claim is one extracted claim with its supporting quote.
type Claim struct {
	Claim        string   `json:"claim"`
	Quote        string   `json:"quote"`
	Speaker      string   `json:"speaker,omitempty"`
	CommentID    string   `json:"commentId"`
	TopicName    string   `json:"topicName"`
	SubtopicName string   `json:"subtopicName,omitempty"`
	Duplicates   []string `json:"duplicates,omitempty"`
}

// ClaimsStep extracts per-comment claims against the clustering topic tree.
type ClaimsStep struct {
	deps Deps
}

func (s *ClaimsStep) Name() model.StepName { return model.StepClaims }

func (s *ClaimsStep) Execute(ctx context.Context, in *step.Input) (*model.StepResult, error) {
	topics := in.PriorData(model.StepClustering)
	if topics == nil {
		return nil, eris.New("claims: clustering output missing")
	}

	var user strings.Builder
	user.WriteString("Topic hierarchy:\n")
	user.Write(topics)
	user.WriteString("\n\nSurvey responses, one JSON object per line:\n\n")
	user.WriteString(commentsBlock(in.Comments))
	return s.deps.invoke(ctx, in.Config, claimsSystem, user.String())
}

func (s *ClaimsStep) Validate(data json.RawMessage) error {
	list, err := DecodeClaims(data)
	if err != nil {
		return err
	}
	for i, c := range list.Claims {
		if c.Claim == "" || c.Quote == "" {
			return eris.Errorf("claims: entry %d missing claim or quote", i)
		}
		if c.CommentID == "" {
			return eris.Errorf("claims: entry %d missing comment id", i)
		}
		if c.TopicName == "" {
			return eris.Errorf("claims: entry %d missing topic", i)
		}
	}
	return nil
}

// DecodeClaims parses a claims or deduplication output payload.
func DecodeClaims(data json.RawMessage) (*ClaimList, error) {
	var list ClaimList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, eris.Wrap(err, "claims: decode output")
	}
	return &list, nil
}
