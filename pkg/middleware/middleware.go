// Package middleware composes chat behavior out of stages.
//
// A stage handles a chat request and delegates to the next LanguageModel in
// the chain, optionally rewriting the request, short-circuiting, or wrapping
// the reply it gets back. Stages only share the Chat contract, so any order
// of composition is valid and is preserved exactly as built.
package middleware

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/response"
)

// Request is one chat call flowing down the chain.
type Request struct {
	System  string
	Context []models.Exchange
	Prompt  string
	Images  []string
	Options map[string]any
	Model   string
	// Format is "" for free text or "json".
	Format string
	Stream bool
}

// Parameters returns the option set that identifies this call in the
// conversation cache.
func (r Request) Parameters() map[string]any {
	params := map[string]any{"model": r.Model}
	if len(r.Options) > 0 {
		params["options"] = maps.Clone(r.Options)
	}
	if r.Format != "" {
		params["format"] = r.Format
	}
	return params
}

// Clone returns a copy that shares no slices or maps with r.
func (r Request) Clone() Request {
	c := r
	c.Context = slices.Clone(r.Context)
	for i := range c.Context {
		c.Context[i].Images = slices.Clone(c.Context[i].Images)
	}
	c.Images = slices.Clone(r.Images)
	c.Options = maps.Clone(r.Options)
	return c
}

// LanguageModel answers chat requests.
type LanguageModel interface {
	Chat(ctx context.Context, req Request) (*response.Response, error)
}

// LanguageModelFunc adapts a function to LanguageModel.
type LanguageModelFunc func(ctx context.Context, req Request) (*response.Response, error)

// Chat calls f.
func (f LanguageModelFunc) Chat(ctx context.Context, req Request) (*response.Response, error) {
	return f(ctx, req)
}

// Stage is one link of a chain.
type Stage interface {
	Chat(ctx context.Context, req Request, next LanguageModel) (*response.Response, error)
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, req Request, next LanguageModel) (*response.Response, error)

// Chat calls f.
func (f StageFunc) Chat(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
	return f(ctx, req, next)
}

// Chain is an ordered list of stages. The first stage is outermost.
type Chain struct {
	stages []Stage
	mu     sync.RWMutex
}

// NewChain creates a chain from stages, outermost first.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: slices.Clone(stages)}
}

// Use appends s as the innermost stage.
func (c *Chain) Use(s Stage) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, s)
	return c
}

// UseFront prepends s as the outermost stage.
func (c *Chain) UseFront(s Stage) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append([]Stage{s}, c.stages...)
	return c
}

// Len returns the number of stages.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stages)
}

// Then links the stages in front of lm. Later changes to c do not affect
// the returned LanguageModel.
func (c *Chain) Then(lm LanguageModel) LanguageModel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := len(c.stages) - 1; i >= 0; i-- {
		lm = &link{stage: c.stages[i], next: lm}
	}
	return lm
}

type link struct {
	stage Stage
	next  LanguageModel
}

func (l *link) Chat(ctx context.Context, req Request) (*response.Response, error) {
	return l.stage.Chat(ctx, req, l.next)
}
