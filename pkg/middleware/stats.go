package middleware

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"

	"github.com/pario-ai/parley/pkg/response"
)

// StatsConfig configures the Stats stage.
type StatsConfig struct {
	Writer  io.Writer // defaults to os.Stderr
	Spinner *spinner.Spinner
	// now is replaced in tests.
	now func() time.Time
}

// Stats streams the reply and then prints its size and speed:
//
//	prompt : 12b, reply : 40t, first token : 0.31s, tokens/s : 85
//
// A failed call prints the prompt size and the error instead.
func Stats(cfg StatsConfig) Stage {
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	return StageFunc(func(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
		w := cfg.Writer
		req.Stream = true
		start := cfg.now()

		p := startProgress(w, cfg.Spinner)
		defer p.stop()

		fail := func(err error) (*response.Response, error) {
			p.stop()
			fmt.Fprintf(w, "- prompt : %db, %v\n", len(req.Prompt), err)
			return nil, err
		}

		resp, err := next.Chat(ctx, req)
		if err != nil {
			return fail(err)
		}

		var (
			count int
			first time.Time
		)
		for _, err := range resp.Tokens() {
			if err != nil {
				return fail(err)
			}
			if count == 0 {
				first = cfg.now()
				p.stop()
			}
			count++
		}
		end := cfg.now()
		p.stop()

		var latency, rate float64
		if count > 0 {
			latency = first.Sub(start).Seconds()
			if d := end.Sub(first).Seconds(); d > 0 {
				rate = float64(count) / d
			}
		}
		fmt.Fprintf(w, "prompt : %db, reply : %dt, first token : %.2fs, tokens/s : %.0f\n",
			len(req.Prompt), count, latency, rate)
		return resp, nil
	})
}
