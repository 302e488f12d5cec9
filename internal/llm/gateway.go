package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pavelanni/papergrader/internal/model"

	"golang.org/x/sync/semaphore"
)

// GatewayConfig bounds how the gateway talks to the model.
type GatewayConfig struct {
	MaxConcurrent      int64
	Backoff            time.Duration
	MaxRetries         int
	ExponentialBackoff bool
}

// DefaultGatewayConfig returns a config with the defaults used by the serve command.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxConcurrent: 4,
		Backoff:       60 * time.Second,
		MaxRetries:    3,
	}
}

// Gateway caps concurrent calls to a Model across the process and retries
// rate-limited requests after a backoff. A waiting request holds no slot.
type Gateway struct {
	next  Model
	sem   *semaphore.Weighted
	cfg   GatewayConfig
	sleep func(ctx context.Context, d time.Duration) error

	calls     atomic.Int64
	throttled atomic.Int64
}

// NewGateway wraps a model.
func NewGateway(next Model, cfg GatewayConfig) *Gateway {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Gateway{
		next:  next,
		sem:   semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:   cfg,
		sleep: sleepCtx,
	}
}

// SetSleep replaces the backoff sleeper. Used by tests.
func (g *Gateway) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	g.sleep = fn
}

// Complete forwards the request, retrying on rate limits.
func (g *Gateway) Complete(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := g.backoff(attempt)
			slog.Warn("rate limited, backing off", "attempt", attempt, "max_retries", g.cfg.MaxRetries, "wait", wait)
			if err := g.sleep(ctx, wait); err != nil {
				return "", err
			}
		}

		out, err := g.once(ctx, req)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, model.ErrRateLimited) {
			return "", err
		}
		g.throttled.Add(1)
		lastErr = err
	}
	return "", lastErr
}

func (g *Gateway) once(ctx context.Context, req Request) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)
	g.calls.Add(1)
	return g.next.Complete(ctx, req)
}

func (g *Gateway) backoff(attempt int) time.Duration {
	if !g.cfg.ExponentialBackoff {
		return g.cfg.Backoff
	}
	return g.cfg.Backoff * time.Duration(1<<(attempt-1))
}

// Calls reports how many requests reached the underlying model.
func (g *Gateway) Calls() int64 { return g.calls.Load() }

// Throttled reports how many calls came back rate limited.
func (g *Gateway) Throttled() int64 { return g.throttled.Load() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
