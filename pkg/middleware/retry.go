package middleware

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/parley/pkg/llmerr"
	"github.com/pario-ai/parley/pkg/response"
)

// RetryPolicy configures the Retry stage.
type RetryPolicy struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // wait before the second attempt
	MaxDelay     time.Duration // 0 means no cap
	Multiplier   float64       // growth factor between waits
	Jitter       bool          // randomize each wait by up to 25%
	// RetryIf reports whether err is worth another attempt. Nil retries
	// every error.
	RetryIf func(err error) bool
}

// DefaultRetryPolicy returns three attempts with exponential backoff from
// one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	return time.Duration(d)
}

// Retry re-invokes the rest of the chain when it fails. Each attempt is
// made without streaming and is fully evaluated before it is accepted, so
// failures surfacing mid-reply are retried too. When every attempt fails
// the stage returns a result error wrapping the last cause.
func Retry(policy RetryPolicy, logger *zap.Logger) Stage {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return StageFunc(func(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
		req.Stream = false

		var lastErr error
		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			if attempt > 1 {
				delay := policy.delay(attempt - 1)
				logger.Debug("retrying chat",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", policy.MaxAttempts),
					zap.Duration("delay", delay),
					zap.Error(lastErr),
				)
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
			}

			resp, err := once(ctx, req.Clone(), next)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if policy.RetryIf != nil && !policy.RetryIf(err) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		logger.Warn("retries exhausted",
			zap.Int("attempts", policy.MaxAttempts),
			zap.Error(lastErr),
		)
		return nil, llmerr.Wrap(llmerr.Result, fmt.Sprintf("no acceptable reply after %d attempts", policy.MaxAttempts), lastErr)
	})
}

// once runs one complete call.
func once(ctx context.Context, req Request, next LanguageModel) (*response.Response, error) {
	resp, err := next.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := resp.Value(); err != nil {
		return nil, err
	}
	return resp, nil
}
