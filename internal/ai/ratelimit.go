package ai

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterPool manages one token-bucket limiter per model endpoint.
type LimiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rates    map[string]int
}

// NewLimiterPool creates an empty pool.
func NewLimiterPool() *LimiterPool {
	return &LimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
	}
}

// Wait blocks until the limiter for modelID admits a request, or the
// context is cancelled. A non-positive rate means unlimited.
func (p *LimiterPool) Wait(ctx context.Context, modelID string, requestsPerMinute int) error {
	if requestsPerMinute <= 0 {
		return ctx.Err()
	}
	return p.getOrCreate(modelID, requestsPerMinute).Wait(ctx)
}

// getOrCreate keeps the first rate seen for a model; later callers with a
// different rate get the existing limiter and a warning.
func (p *LimiterPool) getOrCreate(modelID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, ok := p.limiters[modelID]; ok {
		if existing := p.rates[modelID]; existing != requestsPerMinute {
			slog.Warn("rate limiter already registered with different rate, keeping existing",
				"model_id", modelID,
				"existing_rpm", existing,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 5
	if burst < 5 {
		burst = 5
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[modelID] = limiter
	p.rates[modelID] = requestsPerMinute
	return limiter
}
