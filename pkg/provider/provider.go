// Package provider defines the backend collaborator that the innermost
// middleware stage calls.
package provider

import (
	"context"

	"github.com/pario-ai/parley/pkg/models"
)

// Call is one backend invocation.
type Call struct {
	Model    string
	Messages []models.ChatMessage
	Options  map[string]any
	// Format is "" for free text or "json" for a JSON object reply.
	Format string
}

// Completion is a complete, non-streaming reply.
type Completion struct {
	Content string
	Metrics models.Metrics
}

// Provider talks to a model-serving backend.
type Provider interface {
	// Complete returns the whole reply at once.
	Complete(ctx context.Context, call *Call) (*Completion, error)

	// Stream returns a channel delivering reply fragments. The provider
	// closes the channel after the Done chunk or after a chunk carrying Err.
	Stream(ctx context.Context, call *Call) (<-chan models.Chunk, error)
}

// Messages builds the role/content history for a prompt asked after the
// given context exchanges.
func Messages(system string, context []models.Exchange, prompt string, images []string) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, 2*len(context)+2)
	if system != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: system})
	}
	for _, ex := range context {
		msgs = append(msgs,
			models.ChatMessage{Role: "user", Content: ex.Prompt, Images: ex.Images},
			models.ChatMessage{Role: "assistant", Content: ex.Reply},
		)
	}
	return append(msgs, models.ChatMessage{Role: "user", Content: prompt, Images: images})
}
