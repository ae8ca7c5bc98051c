package middleware

import (
	"context"
	"encoding/json"

	"github.com/pario-ai/parley/pkg/llmerr"
	"github.com/pario-ai/parley/pkg/response"
)

// Validate evaluates the whole reply and rejects it with a result error
// when ok returns false.
func Validate(ok func(reply string) bool) Stage {
	return StageFunc(func(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
		resp, err := next.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		text, err := resp.Value()
		if err != nil {
			return nil, err
		}
		if !ok(text) {
			return nil, llmerr.New(llmerr.Result, "reply failed validation")
		}
		return resp, nil
	})
}

// ValidJSON reports whether reply is a single well-formed JSON value.
func ValidJSON(reply string) bool {
	return json.Valid([]byte(reply))
}
