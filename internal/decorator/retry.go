package decorator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"modelhub/internal/core"
)

// Retry re-invokes discrete calls that fail with a retryable error kind.
// Streams are passed through untouched since fragments may already have
// reached the consumer.
type Retry struct {
	core.Model
	cfg   core.RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetry wraps m. Unset backoff fields take their defaults; MaxRetries is
// used as given.
func NewRetry(m core.Model, cfg core.RetryConfig) *Retry {
	def := core.DefaultRetryConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if len(cfg.Retryable) == 0 {
		cfg.Retryable = def.Retryable
	}
	return &Retry{Model: m, cfg: cfg, sleep: sleepCtx}
}

// Unwrap returns the wrapped model.
func (d *Retry) Unwrap() core.Model { return d.Model }

func (d *Retry) Generate(ctx context.Context, prompt string, params core.Params) (*core.ModelResponse, error) {
	return d.do(ctx, func() (*core.ModelResponse, error) {
		return d.Model.Generate(ctx, prompt, params)
	})
}

func (d *Retry) Chat(ctx context.Context, messages []core.Message, params core.Params) (*core.ModelResponse, error) {
	return d.do(ctx, func() (*core.ModelResponse, error) {
		return d.Model.Chat(ctx, messages, params)
	})
}

// newBackOff yields InitialDelay * Multiplier^n capped at MaxDelay, without
// jitter and without an elapsed-time limit.
func (d *Retry) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialDelay
	b.Multiplier = d.cfg.Multiplier
	b.MaxInterval = d.cfg.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(d.cfg.MaxRetries))
}

func (d *Retry) do(ctx context.Context, call func() (*core.ModelResponse, error)) (*core.ModelResponse, error) {
	b := d.newBackOff()
	for attempt := 1; ; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		if !core.IsRetryable(err, d.cfg.Retryable) {
			return nil, err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, err
		}
		slog.Warn("retrying model call",
			"model", d.Info().ModelID,
			"attempt", attempt,
			"kind", core.KindOf(err),
			"wait", wait,
		)
		if serr := d.sleep(ctx, wait); serr != nil {
			if errors.Is(serr, context.DeadlineExceeded) {
				return nil, core.NewTimeoutError("", "deadline reached while waiting to retry", errors.Join(serr, err))
			}
			return nil, fmt.Errorf("retry cancelled: %w: %w", err, serr)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
