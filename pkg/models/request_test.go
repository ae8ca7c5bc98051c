package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCompletionRequestMarshal(t *testing.T) {
	req := ChatCompletionRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		Options:  map[string]any{"temperature": 0.5, "model": "ignored"},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "m", got["model"], "fixed fields win")
	assert.Equal(t, 0.5, got["temperature"])
	assert.NotContains(t, got, "stream")
	assert.NotContains(t, got, "Options")
}

func TestChatCompletionRequestMarshalNoOptions(t *testing.T) {
	data, err := json.Marshal(ChatCompletionRequest{Model: "m", Stream: true, StreamOptions: &StreamOptions{IncludeUsage: true}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m","messages":null,"stream":true,"stream_options":{"include_usage":true}}`, string(data))
}

func TestMetricsFromUsage(t *testing.T) {
	m := MetricsFromUsage(&Usage{PromptTokens: 3, CompletionTokens: 9}, 2*time.Second)
	assert.Equal(t, 3, m.PromptEvalCount)
	assert.Equal(t, 9, m.EvalCount)
	assert.Equal(t, 2*time.Second, m.TotalDuration)

	m = MetricsFromUsage(nil, time.Second)
	assert.Zero(t, m.EvalCount)
}
