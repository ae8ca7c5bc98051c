package middleware

import (
	"context"

	"github.com/pario-ai/parley/pkg/provider"
	"github.com/pario-ai/parley/pkg/response"
)

// Backend returns the innermost LanguageModel, which calls p. Streaming
// requests use Provider.Stream; all others use Provider.Complete.
func Backend(p provider.Provider) LanguageModel {
	return LanguageModelFunc(func(ctx context.Context, req Request) (*response.Response, error) {
		call := &provider.Call{
			Model:    req.Model,
			Messages: provider.Messages(req.System, req.Context, req.Prompt, req.Images),
			Options:  req.Options,
			Format:   req.Format,
		}
		if req.Stream {
			ch, err := p.Stream(ctx, call)
			if err != nil {
				return nil, err
			}
			return response.New(ch), nil
		}
		c, err := p.Complete(ctx, call)
		if err != nil {
			return nil, err
		}
		return response.FromString(c.Content, &c.Metrics), nil
	})
}
