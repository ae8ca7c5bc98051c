// Package openai is a Provider for OpenAI-compatible chat completion
// endpoints (OpenAI, Ollama's /v1, vLLM, llama.cpp server).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pario-ai/parley/pkg/llmerr"
	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/provider"
)

const completionsPath = "/chat/completions"

// Client implements provider.Provider over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

var _ provider.Provider = (*Client)(nil)

// New creates a Client. A nil httpClient uses http.DefaultClient and a nil
// logger discards output.
func New(baseURL, apiKey string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
		logger:  logger.Named("openai"),
	}
}

func (c *Client) body(call *provider.Call, stream bool) ([]byte, error) {
	req := models.ChatCompletionRequest{
		Model:    call.Model,
		Messages: call.Messages,
		Stream:   stream,
		Options:  call.Options,
	}
	if stream {
		req.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}
	if call.Format == "json" {
		req.ResponseFormat = &models.ResponseFormat{Type: "json_object"}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.Request, "encode request", err)
	}
	return data, nil
}

// do sends the request and returns the response for a 2xx status. The caller
// owns resp.Body.
func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	target, err := url.Parse(c.baseURL + completionsPath)
	if err != nil || target.Scheme == "" {
		return nil, llmerr.Newf(llmerr.Configuration, "invalid provider URL %q", c.baseURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, llmerr.Wrap(llmerr.Request, "create request", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("upstream request", zap.String("request_id", requestID), zap.String("url", target.String()))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, llmerr.Wrap(llmerr.Connectivity, "backend unreachable", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Debug("upstream error", zap.String("request_id", requestID), zap.Int("status", resp.StatusCode))
		return nil, llmerr.FromStatus(resp.StatusCode, string(msg))
	}
	return resp, nil
}

// Complete implements provider.Provider.
func (c *Client) Complete(ctx context.Context, call *provider.Call) (*provider.Completion, error) {
	body, err := c.body(call, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out models.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, llmerr.Wrap(llmerr.Response, "decode completion", err)
	}
	if len(out.Choices) == 0 {
		return nil, llmerr.New(llmerr.Response, "completion has no choices")
	}

	return &provider.Completion{
		Content: out.Choices[0].Message.Content,
		Metrics: *models.MetricsFromUsage(out.Usage, time.Since(start)),
	}, nil
}

// Stream implements provider.Provider. The returned channel always ends
// with a Done or Err chunk before it is closed; cancelling ctx ends it with
// ctx.Err().
func (c *Client) Stream(ctx context.Context, call *provider.Call) (<-chan models.Chunk, error) {
	body, err := c.body(call, true)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}

	// One slot of buffer is always free for the final chunk.
	ch := make(chan models.Chunk, 1)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(chunk models.Chunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// end delivers the Done or Err chunk without blocking, even after
		// cancellation. A delta still sitting in the buffer is folded into
		// it; this goroutine is the only sender, so the slot stays free.
		end := func(last models.Chunk) {
			select {
			case pending := <-ch:
				last.Delta = pending.Delta + last.Delta
			default:
			}
			ch <- last
		}

		var usage *models.Usage
		if err := scanSSE(resp.Body, func(data string) error {
			var chunk models.ChatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return llmerr.Wrap(llmerr.Response, "decode stream chunk", err)
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !send(models.Chunk{Delta: choice.Delta.Content}) {
					return ctx.Err()
				}
			}
			return nil
		}); err != nil {
			switch {
			case ctx.Err() != nil:
				err = ctx.Err()
			case !llmerr.IsKind(err, llmerr.Response):
				err = llmerr.Wrap(llmerr.Connectivity, "read stream", err)
			}
			end(models.Chunk{Err: err})
			return
		}

		end(models.Chunk{Done: true, Metrics: models.MetricsFromUsage(usage, time.Since(start))})
	}()
	return ch, nil
}

// scanSSE calls fn with the payload of every "data: " line until the
// [DONE] sentinel or EOF.
func scanSSE(r io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		if data == "" {
			continue
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
