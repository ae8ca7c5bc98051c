package middleware

import (
	"context"
	"maps"
	"strings"

	"github.com/pario-ai/parley/pkg/response"
)

// Model forces the backend model, overriding the caller's choice.
func Model(name string) Stage {
	return StageFunc(func(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
		req.Model = name
		return next.Chat(ctx, req)
	})
}

// Options merges opts over the caller's options.
func Options(opts map[string]any) Stage {
	return StageFunc(func(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
		merged := maps.Clone(req.Options)
		if merged == nil {
			merged = make(map[string]any, len(opts))
		}
		maps.Copy(merged, opts)
		req.Options = merged
		return next.Chat(ctx, req)
	})
}

// Outdent removes the indentation common to every line of the prompt and
// trims surrounding blank space.
func Outdent() Stage {
	return StageFunc(func(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
		req.Prompt = outdent(req.Prompt)
		return next.Chat(ctx, req)
	})
}

func outdent(s string) string {
	lines := strings.Split(s, "\n")
	indent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		n := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent < 0 || n < indent {
			indent = n
		}
	}
	if indent > 0 {
		for i, line := range lines {
			if len(line) >= indent {
				lines[i] = line[indent:]
			} else {
				lines[i] = strings.TrimLeft(line, " \t")
			}
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
