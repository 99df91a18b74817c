package steps

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsense/reportgen/internal/cost"
	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/resilience"
	"github.com/civicsense/reportgen/internal/step"
	"github.com/civicsense/reportgen/pkg/anthropic"
)

// fakeClient returns a canned response or error and records requests.
type fakeClient struct {
	resp *anthropic.MessageResponse
	err  error
	reqs []anthropic.MessageRequest
}

func (c *fakeClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func testDeps(c anthropic.Client) Deps {
	return Deps{
		Client:    c,
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 4096,
		Costs:     cost.NewCalculator(cost.DefaultRates()),
	}
}

func TestAll_OrderMatchesPipeline(t *testing.T) {
	seq := All(testDeps(&fakeClient{}))
	require.Len(t, seq, len(model.StepOrder))
	for i, s := range seq {
		assert.Equal(t, model.StepOrder[i], s.Name())
	}
}

func TestInvoke_Success(t *testing.T) {
	c := &fakeClient{resp: &anthropic.MessageResponse{
		Text:       "```json\n{\"topics\":[{\"topicName\":\"Transit\",\"subtopics\":[]}]}\n```",
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 500},
	}}
	d := testDeps(c)

	res, err := d.invoke(context.Background(), model.ModelConfig{}, "system", "user")
	require.NoError(t, err)
	assert.JSONEq(t, `{"topics":[{"topicName":"Transit","subtopics":[]}]}`, string(res.Data))
	assert.Equal(t, 1500, res.Usage.TotalTokens)
	assert.Greater(t, res.Cost, 0.0, "cost computed from default rates")
	assert.Equal(t, "end_turn", res.StopReason)
}

func TestInvoke_PerJobModelOverride(t *testing.T) {
	c := &fakeClient{resp: &anthropic.MessageResponse{Text: "{}", StopReason: "end_turn"}}
	d := testDeps(c)

	_, err := d.invoke(context.Background(), model.ModelConfig{Model: "claude-haiku-4-5-20251001"}, "s", "u")
	require.NoError(t, err)
	require.Len(t, c.reqs, 1)
	assert.Equal(t, "claude-haiku-4-5-20251001", c.reqs[0].Model)
}

func TestInvoke_AuthFailureIsFatal(t *testing.T) {
	c := &fakeClient{err: &anthropic.APIError{StatusCode: 401, Err: eris.New("unauthorized")}}
	d := testDeps(c)

	_, err := d.invoke(context.Background(), model.ModelConfig{}, "s", "u")
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestInvoke_ServerErrorsAreTransient(t *testing.T) {
	for _, status := range []int{429, 500, 503, 529} {
		c := &fakeClient{err: &anthropic.APIError{StatusCode: status, Err: eris.Errorf("status %d", status)}}
		d := testDeps(c)

		_, err := d.invoke(context.Background(), model.ModelConfig{}, "s", "u")
		require.Error(t, err)
		if resilience.IsTransientHTTPStatus(status) {
			assert.True(t, resilience.IsTransient(err), "status %d", status)
		}
	}
}

func TestInvoke_NonJSONOutputIsTransient(t *testing.T) {
	c := &fakeClient{resp: &anthropic.MessageResponse{Text: "Sure! Here are the topics...", StopReason: "end_turn"}}
	d := testDeps(c)

	_, err := d.invoke(context.Background(), model.ModelConfig{}, "s", "u")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err), "the model may emit valid JSON on retry")
}

func TestInvoke_EarlyStopReturnsUsageWithoutData(t *testing.T) {
	c := &fakeClient{resp: &anthropic.MessageResponse{
		Text:       "{\"truncat",
		StopReason: "max_tokens",
		Usage:      anthropic.TokenUsage{InputTokens: 100, OutputTokens: 4096},
	}}
	d := testDeps(c)

	res, err := d.invoke(context.Background(), model.ModelConfig{}, "s", "u")
	require.NoError(t, err, "the executor classifies the stop reason, not invoke")
	assert.Nil(t, res.Data)
	assert.Equal(t, "max_tokens", res.StopReason)
	assert.Equal(t, 4196, res.Usage.TotalTokens, "tokens were spent and must be accounted")
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("{\"a\":1}"))
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON("  {\"a\":1}  "))
}

func TestStepsRequirePriorOutputs(t *testing.T) {
	d := testDeps(&fakeClient{resp: &anthropic.MessageResponse{Text: "{}", StopReason: "end_turn"}})
	in := &step.Input{ReportID: "r1", Prior: map[model.StepName]json.RawMessage{}}

	for _, s := range []step.Step{
		&ClaimsStep{deps: d},
		&DedupStep{deps: d},
		&SummariesStep{deps: d},
		&CruxesStep{deps: d},
	} {
		_, err := s.Execute(context.Background(), in)
		assert.Error(t, err, "%s must refuse to run without its prior output", s.Name())
	}
}

func TestClusteringValidate(t *testing.T) {
	s := &ClusteringStep{}
	assert.Error(t, s.Validate(json.RawMessage(`{"topics":[]}`)))
	assert.Error(t, s.Validate(json.RawMessage(`{"topics":[{"topicName":""}]}`)))
	assert.Error(t, s.Validate(json.RawMessage(`{"topics":[{"topicName":"T","subtopics":[{"subtopicName":""}]}]}`)))
	assert.NoError(t, s.Validate(json.RawMessage(`{"topics":[{"topicName":"T","subtopics":[{"subtopicName":"S"}]}]}`)))
}

func TestClaimsValidate(t *testing.T) {
	s := &ClaimsStep{}
	assert.Error(t, s.Validate(json.RawMessage(`{"claims":[{"claim":"c","quote":"","commentId":"1","topicName":"T"}]}`)))
	assert.Error(t, s.Validate(json.RawMessage(`{"claims":[{"claim":"c","quote":"q","commentId":"","topicName":"T"}]}`)))
	assert.NoError(t, s.Validate(json.RawMessage(`{"claims":[{"claim":"c","quote":"q","commentId":"1","topicName":"T"}]}`)))
	assert.NoError(t, s.Validate(json.RawMessage(`{"claims":[]}`)), "zero claims is a valid shape")
}

func TestDedupValidate(t *testing.T) {
	s := &DedupStep{}
	assert.Error(t, s.Validate(json.RawMessage(`{"merged":[]}`)), "claims list must be present")
	assert.Error(t, s.Validate(json.RawMessage(`{"claims":[],"merged":[{"commentId":"","mergedInto":"x"}]}`)))
	assert.NoError(t, s.Validate(json.RawMessage(`{"claims":[],"merged":[{"commentId":"a","mergedInto":"b"}]}`)))
}

func TestSummariesValidate(t *testing.T) {
	s := &SummariesStep{}
	assert.Error(t, s.Validate(json.RawMessage(`{"summaries":[]}`)))
	assert.Error(t, s.Validate(json.RawMessage(`{"summaries":[{"topicName":"T","text":""}]}`)))
	assert.NoError(t, s.Validate(json.RawMessage(`{"summaries":[{"topicName":"T","text":"fine"}]}`)))
}

func TestCruxesValidate(t *testing.T) {
	s := &CruxesStep{}
	assert.Error(t, s.Validate(json.RawMessage(`{"cruxes":[{"cruxClaim":""}]}`)))
	assert.NoError(t, s.Validate(json.RawMessage(`{"cruxes":[]}`)), "no controversy found is valid")
	assert.NoError(t, s.Validate(json.RawMessage(`{"cruxes":[{"cruxClaim":"c","subtopicName":"S","agree":["a"],"disagree":["b"]}]}`)))
}
