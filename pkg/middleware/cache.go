package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/pario-ai/parley/pkg/cache/sqlite"
	"github.com/pario-ai/parley/pkg/response"
)

// Cache replays stored replies and records new ones.
//
// In a+ mode each identical call replays the next stored reply that has not
// been replayed yet in this session; once they are used up calls go to the
// rest of the chain, and the fresh reply is stored and marked used. In r mode
// the first stored reply is always replayed and nothing is written. In a
// mode every call goes through and is stored.
func Cache(c *sqlite.Cache, logger *zap.Logger) Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cache")
	mode := c.Mode()

	return StageFunc(func(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
		key := sqlite.Key{
			System:     req.System,
			Context:    req.Context,
			Prompt:     req.Prompt,
			Images:     req.Images,
			Parameters: req.Parameters(),
		}

		if mode.CanRead() {
			it, ok, err := c.Next(ctx, key, mode == sqlite.ModeAppendCreate)
			if err != nil {
				return nil, err
			}
			if ok {
				logger.Debug("replaying cached reply", zap.Int64("id", it.ID))
				return response.FromString(it.Reply, nil), nil
			}
		}

		resp, err := next.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		reply, err := resp.Value()
		if err != nil {
			return nil, err
		}
		if !mode.CanWrite() {
			return resp, nil
		}

		insert := c.Insert
		if mode == sqlite.ModeAppendCreate {
			insert = c.InsertUsed
		}
		id, err := insert(ctx, key, reply)
		if err != nil {
			logger.Warn("failed to store reply", zap.Error(err))
			return resp, nil
		}
		logger.Debug("stored reply", zap.Int64("id", id))
		return resp, nil
	})
}
