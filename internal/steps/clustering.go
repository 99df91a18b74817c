package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/step"
)

const clusteringSystem = `You are a qualitative researcher organizing survey responses.
Group the responses into a two-level topic hierarchy.
Respond with JSON only: {"topics":[{"topicName":"...","description":"...","subtopics":[{"subtopicName":"...","description":"..."}]}]}`

// TopicTree is the clustering step output.
type TopicTree struct {
	Topics []Topic `json:"topics"`
}

// Topic is one top-level topic with its subtopics.
type Topic struct {
	TopicName   string     `json:"topicName"`
	Description string     `json:"description,omitempty"`
	Subtopics   []Subtopic `json:"subtopics"`
}

// Subtopic is one second-level grouping.
type Subtopic struct {
	SubtopicName string `json:"subtopicName"`
	Description  string `json:"description,omitempty"`
}

// ClusteringStep derives the topic hierarchy from the input comments.
type ClusteringStep struct {
	deps Deps
}

func (s *ClusteringStep) Name() model.StepName { return model.StepClustering }

func (s *ClusteringStep) Execute(ctx context.Context, in *step.Input) (*model.StepResult, error) {
	var user strings.Builder
	user.WriteString("Survey responses, one JSON object per line:\n\n")
	user.WriteString(commentsBlock(in.Comments))
	return s.deps.invoke(ctx, in.Config, clusteringSystem, user.String())
}

func (s *ClusteringStep) Validate(data json.RawMessage) error {
	tree, err := DecodeTopicTree(data)
	if err != nil {
		return err
	}
	if len(tree.Topics) == 0 {
		return eris.New("clustering: no topics")
	}
	for _, t := range tree.Topics {
		if t.TopicName == "" {
			return eris.New("clustering: topic without a name")
		}
		for _, sub := range t.Subtopics {
			if sub.SubtopicName == "" {
				return eris.Errorf("clustering: unnamed subtopic under %q", t.TopicName)
			}
		}
	}
	return nil
}

// DecodeTopicTree parses a clustering output payload.
func DecodeTopicTree(data json.RawMessage) (*TopicTree, error) {
	var tree TopicTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, eris.Wrap(err, "clustering: decode output")
	}
	return &tree, nil
}
