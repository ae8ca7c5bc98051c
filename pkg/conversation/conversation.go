// Package conversation builds multi-turn chats on top of a LanguageModel.
package conversation

import (
	"context"
	"maps"
	"slices"

	"github.com/pario-ai/parley/pkg/cache/sqlite"
	"github.com/pario-ai/parley/pkg/middleware"
	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/response"
)

// Session holds the settings shared by every turn of a conversation.
// The With methods return modified copies and never change the receiver.
type Session struct {
	lm      middleware.LanguageModel
	system  string
	model   string
	format  string
	stream  bool
	options map[string]any
}

// New starts a session that sends requests to lm.
func New(lm middleware.LanguageModel) *Session {
	return &Session{lm: lm}
}

func (s *Session) clone() *Session {
	c := *s
	c.options = maps.Clone(s.options)
	return &c
}

// WithSystem sets the system prompt.
func (s *Session) WithSystem(system string) *Session {
	c := s.clone()
	c.system = system
	return c
}

// WithModel sets the requested model.
func (s *Session) WithModel(model string) *Session {
	c := s.clone()
	c.model = model
	return c
}

// WithFormat sets the reply format, "" or "json".
func (s *Session) WithFormat(format string) *Session {
	c := s.clone()
	c.format = format
	return c
}

// WithStream requests incremental replies.
func (s *Session) WithStream(stream bool) *Session {
	c := s.clone()
	c.stream = stream
	return c
}

// WithOptions merges backend options over the current ones.
func (s *Session) WithOptions(opts map[string]any) *Session {
	c := s.clone()
	if c.options == nil {
		c.options = make(map[string]any, len(opts))
	}
	maps.Copy(c.options, opts)
	return c
}

// Chat asks prompt as the first turn of a conversation.
func (s *Session) Chat(ctx context.Context, prompt string, images ...string) (*Turn, error) {
	return s.chat(ctx, nil, prompt, images)
}

func (s *Session) request(history []models.Exchange, prompt string, images []string) middleware.Request {
	return middleware.Request{
		System:  s.system,
		Context: history,
		Prompt:  prompt,
		Images:  slices.Clone(images),
		Options: maps.Clone(s.options),
		Model:   s.model,
		Format:  s.format,
		Stream:  s.stream,
	}
}

func (s *Session) chat(ctx context.Context, history []models.Exchange, prompt string, images []string) (*Turn, error) {
	req := s.request(history, prompt, images)
	resp, err := s.lm.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Turn{
		Prompt:   prompt,
		Images:   req.Images,
		Context:  history,
		Response: resp,
		session:  s,
	}, nil
}

// Children lists the interactions stored in c that answer a first turn of
// this session, oldest first. A nil prompt matches every prompt. Entries are
// matched on the request as the session sends it, so they are found when
// the stages between the session and c's Cache stage leave the model,
// options and format unchanged. Append-only handles list nothing.
func (s *Session) Children(ctx context.Context, c *sqlite.Cache, prompt *string, images ...string) ([]models.Interaction, error) {
	return s.children(ctx, c, nil, prompt, images)
}

func (s *Session) children(ctx context.Context, c *sqlite.Cache, history []models.Exchange, prompt *string, images []string) ([]models.Interaction, error) {
	req := s.request(history, "", images)
	return c.Lookup(ctx, sqlite.Query{
		System:     req.System,
		Context:    req.Context,
		Prompt:     prompt,
		Images:     req.Images,
		Parameters: req.Parameters(),
	})
}

// Turn is one answered prompt and the exchanges that led to it.
type Turn struct {
	Prompt   string
	Images   []string
	Context  []models.Exchange
	Response *response.Response

	session *Session
}

// Reply waits for and returns the full reply.
func (t *Turn) Reply() (string, error) {
	return t.Response.Value()
}

// Exchange returns this turn as a stored prompt/reply pair.
func (t *Turn) Exchange() (models.Exchange, error) {
	reply, err := t.Reply()
	if err != nil {
		return models.Exchange{}, err
	}
	return models.Exchange{Prompt: t.Prompt, Images: t.Images, Reply: reply}, nil
}

// Metrics returns the reply counters once the reply is complete.
func (t *Turn) Metrics() (models.Metrics, bool) {
	return t.Response.Metrics()
}

// Chat continues the conversation with this turn appended to the context.
func (t *Turn) Chat(ctx context.Context, prompt string, images ...string) (*Turn, error) {
	ex, err := t.Exchange()
	if err != nil {
		return nil, err
	}
	history := append(slices.Clone(t.Context), ex)
	return t.session.chat(ctx, history, prompt, images)
}

// History returns every exchange of the conversation up to and including
// this turn.
func (t *Turn) History() ([]models.Exchange, error) {
	ex, err := t.Exchange()
	if err != nil {
		return nil, err
	}
	return append(slices.Clone(t.Context), ex), nil
}

// Children lists the interactions stored in c that continue the
// conversation after this turn. See Session.Children.
func (t *Turn) Children(ctx context.Context, c *sqlite.Cache, prompt *string, images ...string) ([]models.Interaction, error) {
	history, err := t.History()
	if err != nil {
		return nil, err
	}
	return t.session.children(ctx, c, history, prompt, images)
}
