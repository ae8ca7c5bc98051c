package middleware

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/mattn/go-runewidth"

	"github.com/pario-ai/parley/pkg/response"
)

// EchoConfig configures the Echo stage.
type EchoConfig struct {
	Writer io.Writer // defaults to os.Stdout
	Width  int       // wrap column, defaults to 78
	Prompt bool      // quote the prompt before the reply
	// Spinner is animated while waiting for the reply. Nil disables it.
	Spinner *spinner.Spinner
}

// Echo prints the conversation as it happens: the quoted prompt, a spinner
// while the rest of the chain works, then the reply word-wrapped as its
// tokens arrive.
func Echo(cfg EchoConfig) Stage {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.Width <= 0 {
		cfg.Width = 78
	}

	return StageFunc(func(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
		w := cfg.Writer
		if cfg.Prompt {
			var sb strings.Builder
			sb.WriteString("\n")
			for _, line := range strings.Split(req.Prompt, "\n") {
				sb.WriteString("> " + line + "\n")
			}
			sb.WriteString("\n")
			io.WriteString(w, sb.String())
		}

		req.Stream = true
		p := startProgress(w, cfg.Spinner)
		resp, err := next.Chat(ctx, req)
		p.stop()
		if err != nil {
			return nil, err
		}

		wr := &wrapper{width: cfg.Width}
		emit := func(s string) { io.WriteString(w, s) }
		for tok, err := range resp.Tokens() {
			if err != nil {
				wr.flush(emit)
				fmt.Fprintln(w)
				return nil, err
			}
			wr.feed(tok, emit)
		}
		wr.flush(emit)
		fmt.Fprintln(w)
		return resp, nil
	})
}

// wrapper word-wraps a stream of fragments. A word is only emitted once
// the whitespace after it has arrived, so words split across fragments
// wrap correctly.
type wrapper struct {
	width  int
	line   int // display width committed on the current line
	spaces int // pending inter-word spacing
	word   strings.Builder
}

func (w *wrapper) feed(s string, emit func(string)) {
	for _, t := range splitWords(s) {
		if !isBlank(t) {
			w.word.WriteString(t)
			continue
		}
		w.commit(emit)
		if t == "\n" {
			w.line = 0
			emit("\n")
		} else {
			w.spaces += runewidth.StringWidth(t)
		}
	}
}

func (w *wrapper) commit(emit func(string)) {
	word := w.word.String()
	n := runewidth.StringWidth(word)
	if w.line+w.spaces+n > w.width {
		emit("\n")
		w.line = 0
		w.spaces = 0
	}
	if w.spaces > 0 && w.line > 0 {
		emit(strings.Repeat(" ", w.spaces))
		w.line += w.spaces
	}
	w.spaces = 0
	w.line += n
	if word != "" {
		emit(word)
	}
	w.word.Reset()
}

func (w *wrapper) flush(emit func(string)) {
	if w.word.Len() == 0 {
		return
	}
	w.commit(emit)
}

// splitWords cuts s into newlines, runs of other whitespace and words.
func splitWords(s string) []string {
	var out []string
	start := 0
	kind := func(r rune) int {
		switch {
		case r == '\n':
			return 0
		case unicode.IsSpace(r):
			return 1
		default:
			return 2
		}
	}
	prev := -1
	for i, r := range s {
		k := kind(r)
		if i > start && (k != prev || k == 0) {
			out = append(out, s[start:i])
			start = i
		}
		prev = k
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
