package ai

import (
	"sync"
	"time"

	"github.com/nordiq/reportflow/pkg/schema"
)

// BreakerState represents the state of a model's circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes when a model endpoint is taken out of rotation.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing recovery.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe requests allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
	config           BreakerConfig
}

// BreakerRegistry keeps one circuit breaker per model endpoint, so a
// failing provider stops being called while others keep working.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given tuning.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// Allow reports whether a request to the model may proceed. Returns a
// CIRCUIT_OPEN error while the endpoint is cooling down.
func (r *BreakerRegistry) Allow(modelID string) error {
	b := r.getOrCreate(modelID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.state = BreakerHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"model %q suspended after %d consecutive failures", modelID, b.failures).
			WithDetails(map[string]any{
				"model":              modelID,
				"state":              b.state.String(),
				"cooldown_remaining": (b.config.Cooldown - time.Since(b.lastFailure)).String(),
			})

	case BreakerHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"model %q half-open, probe already in flight", modelID)
		}
		b.halfOpenAttempts++
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit for the model.
func (r *BreakerRegistry) RecordSuccess(modelID string) {
	b := r.getOrCreate(modelID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.halfOpenAttempts = 0
	b.state = BreakerClosed
}

// RecordFailure counts a failed call and returns the resulting state.
func (r *BreakerRegistry) RecordFailure(modelID string) BreakerState {
	b := r.getOrCreate(modelID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == BreakerHalfOpen {
		// A failed probe reopens immediately.
		b.state = BreakerOpen
		return BreakerOpen
	}
	if b.failures >= b.config.FailureThreshold {
		b.state = BreakerOpen
		return BreakerOpen
	}
	return b.state
}

// State returns the current state, applying the open-to-half-open
// transition when the cooldown has elapsed.
func (r *BreakerRegistry) State(modelID string) BreakerState {
	b := r.getOrCreate(modelID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.config.Cooldown {
		b.state = BreakerHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

func (r *BreakerRegistry) getOrCreate(modelID string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[modelID]
	if !ok {
		b = &breaker{state: BreakerClosed, config: r.config}
		r.breakers[modelID] = b
	}
	return b
}
