// Package response implements the reply object returned by every middleware
// stage: a lazily produced, multiply consumable token stream.
//
// A Response reads its source at most once. Fragments land in a shared
// append-only buffer, and every call to Tokens starts an independent cursor
// at fragment zero over that buffer. Whichever consumer first needs a fragment
// that has not been produced yet pulls it from the source while the others
// wait, so concurrent consumers never duplicate backend consumption.
package response

import (
	"iter"
	"strings"
	"sync"

	"github.com/pario-ai/parley/pkg/models"
)

// Response is safe for concurrent use.
type Response struct {
	mu        sync.Mutex
	cond      *sync.Cond
	src       <-chan models.Chunk
	buf       []string
	producing bool
	done      bool
	err       error
	metrics   models.Metrics
}

// New wraps an incremental source. The source must be closed or deliver a
// Done chunk; a closed source counts as successful completion. A chunk
// carrying an Err may also carry the last Delta produced before it.
func New(src <-chan models.Chunk) *Response {
	r := &Response{src: src}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// FromString returns an already complete Response holding text.
func FromString(text string, m *models.Metrics) *Response {
	var frags []string
	if text != "" {
		frags = []string{text}
	}
	return FromFragments(frags, m)
}

// FromFragments returns an already complete Response holding frags.
func FromFragments(frags []string, m *models.Metrics) *Response {
	r := &Response{buf: append([]string(nil), frags...), done: true}
	r.cond = sync.NewCond(&r.mu)
	if m != nil {
		r.metrics = *m
	}
	return r
}

// Failed returns a Response whose production already failed with err.
func Failed(err error) *Response {
	r := &Response{done: true, err: err}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// fragment returns the i-th fragment, producing it if needed. ok is false
// once the stream has ended; err then reports a production failure.
func (r *Response) fragment(i int) (frag string, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if i < len(r.buf) {
			return r.buf[i], true, nil
		}
		if r.done {
			return "", false, r.err
		}
		if r.producing {
			r.cond.Wait()
			continue
		}
		r.producing = true
		r.mu.Unlock()
		c, open := <-r.src
		r.mu.Lock()
		r.producing = false
		r.absorb(c, open)
		r.cond.Broadcast()
	}
}

// absorb records one received chunk. Caller holds r.mu.
func (r *Response) absorb(c models.Chunk, open bool) {
	if !open {
		r.finish(nil)
		return
	}
	if c.Delta != "" {
		r.buf = append(r.buf, c.Delta)
	}
	if c.Err != nil {
		r.finish(c.Err)
		return
	}
	if c.Metrics != nil {
		r.metrics = *c.Metrics
	}
	if c.Done {
		r.finish(nil)
	}
}

func (r *Response) finish(err error) {
	r.done = true
	r.err = err
	r.src = nil
}

// Tokens returns a cursor over the reply fragments in production order. Each
// call starts again at the first fragment. A production failure is yielded
// once, after the last fragment that was produced.
func (r *Response) Tokens() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i := 0; ; i++ {
			frag, ok, err := r.fragment(i)
			if !ok {
				if err != nil {
					yield("", err)
				}
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// Value drains the source and returns the assembled reply.
func (r *Response) Value() (string, error) {
	var sb strings.Builder
	for frag, err := range r.Tokens() {
		if err != nil {
			return "", err
		}
		sb.WriteString(frag)
	}
	return sb.String(), nil
}

// String returns the assembled reply, or "" if production failed.
func (r *Response) String() string {
	s, _ := r.Value()
	return s
}

// Metrics returns the post-completion counters. ok is false while the reply
// is still being produced or when production failed. It never forces
// production.
func (r *Response) Metrics() (m models.Metrics, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done || r.err != nil {
		return models.Metrics{}, false
	}
	return r.metrics, true
}

// Done reports whether production has finished, successfully or not.
func (r *Response) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the production failure, if production has finished with one.
func (r *Response) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
