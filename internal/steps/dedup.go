package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/step"
)

const dedupSystem = `You are a qualitative researcher consolidating extracted claims.
Sort the claims within each subtopic by how many responses support them, and merge near-duplicate claims.
When merging, keep the clearest claim, record the absorbed comment ids in its "duplicates" array, and list every merge in "merged".
Respond with JSON only: {"claims":[...],"merged":[{"commentId":"...","mergedInto":"..."}]}`

// DedupResult is the sort_and_deduplicate step output: the consolidated
// claim list plus a record of which comments were merged away.
type DedupResult struct {
	Claims []Claim      `json:"claims"`
	Merged []MergeEntry `json:"merged"`
}

// MergeEntry records one comment's claim being absorbed by another comment's.
type MergeEntry struct {
	CommentID  string `json:"commentId"`
	MergedInto string `json:"mergedInto"`
}

// DedupStep sorts claims by support and merges near-duplicates.
type DedupStep struct {
	deps Deps
}

func (s *DedupStep) Name() model.StepName { return model.StepSortDeduplicate }

func (s *DedupStep) Execute(ctx context.Context, in *step.Input) (*model.StepResult, error) {
	claims := in.PriorData(model.StepClaims)
	if claims == nil {
		return nil, eris.New("dedup: claims output missing")
	}

	var user strings.Builder
	user.WriteString("Extracted claims:\n")
	user.Write(claims)
	return s.deps.invoke(ctx, in.Config, dedupSystem, user.String())
}

func (s *DedupStep) Validate(data json.RawMessage) error {
	res, err := DecodeDedup(data)
	if err != nil {
		return err
	}
	if res.Claims == nil {
		return eris.New("dedup: missing claims list")
	}
	for i, m := range res.Merged {
		if m.CommentID == "" || m.MergedInto == "" {
			return eris.Errorf("dedup: merge entry %d incomplete", i)
		}
	}
	return nil
}

// DecodeDedup parses a sort_and_deduplicate output payload.
func DecodeDedup(data json.RawMessage) (*DedupResult, error) {
	var res DedupResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, eris.Wrap(err, "dedup: decode output")
	}
	return &res, nil
}
