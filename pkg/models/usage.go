package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Metrics holds counters reported once a reply has been fully produced.
type Metrics struct {
	TotalDuration      time.Duration `json:"total_duration"`
	LoadDuration       time.Duration `json:"load_duration"`
	PromptEvalCount    int           `json:"prompt_eval_count"`
	PromptEvalDuration time.Duration `json:"prompt_eval_duration"`
	EvalCount          int           `json:"eval_count"`
	EvalDuration       time.Duration `json:"eval_duration"`
}

// MetricsFromUsage fills token counts from provider usage and the wall-clock
// duration of the call.
func MetricsFromUsage(u *Usage, elapsed time.Duration) *Metrics {
	m := &Metrics{TotalDuration: elapsed}
	if u != nil {
		m.PromptEvalCount = u.PromptTokens
		m.EvalCount = u.CompletionTokens
	}
	return m
}

// Chunk is one piece of an incremental reply. Metrics is only set on the
// final chunk, and Err ends the stream. A final Done or Err chunk may still
// carry a Delta.
type Chunk struct {
	Delta   string
	Done    bool
	Metrics *Metrics
	Err     error
}
