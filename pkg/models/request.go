package models

import "encoding/json"

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ResponseFormat selects structured output on OpenAI-compatible backends.
type ResponseFormat struct {
	Type string `json:"type"`
}

// StreamOptions asks OpenAI-compatible backends to report usage on the last chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
// Options are merged in as extra top-level fields by MarshalJSON.
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *StreamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Options        map[string]any  `json:"-"`
}

// MarshalJSON flattens Options next to the fixed request fields. Fixed
// fields win over an option of the same name.
func (r ChatCompletionRequest) MarshalJSON() ([]byte, error) {
	type plain ChatCompletionRequest
	fixed, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Options) == 0 {
		return fixed, nil
	}
	merged := make(map[string]json.RawMessage, len(r.Options)+4)
	for k, v := range r.Options {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = b
	}
	var base map[string]json.RawMessage
	if err := json.Unmarshal(fixed, &base); err != nil {
		return nil, err
	}
	for k, v := range base {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ChatCompletionResponse is an OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionChunk is an OpenAI streaming chunk.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is a choice within a streaming chunk.
type ChunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChatMessage `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}
