package middleware

import (
	"context"
	"sync"

	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/response"
)

// fakeModel answers with reply(n, req) for the n-th call, counting from 0.
type fakeModel struct {
	mu    sync.Mutex
	calls []Request
	reply func(n int, req Request) (*response.Response, error)
}

func (f *fakeModel) Chat(_ context.Context, req Request) (*response.Response, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.reply(n, req)
}

func (f *fakeModel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeModel) last() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func replying(text string) *fakeModel {
	return &fakeModel{reply: func(int, Request) (*response.Response, error) {
		return response.FromString(text, nil), nil
	}}
}

// stream returns a Response fed fragment by fragment from a goroutine.
func stream(frags ...string) *response.Response {
	ch := make(chan models.Chunk)
	go func() {
		defer close(ch)
		for _, f := range frags {
			ch <- models.Chunk{Delta: f}
		}
		ch <- models.Chunk{Done: true, Metrics: &models.Metrics{EvalCount: len(frags)}}
	}()
	return response.New(ch)
}

// failing returns a Response that fails after frags.
func failing(err error, frags ...string) *response.Response {
	ch := make(chan models.Chunk, len(frags)+1)
	for _, f := range frags {
		ch <- models.Chunk{Delta: f}
	}
	ch <- models.Chunk{Err: err}
	close(ch)
	return response.New(ch)
}
