// Package breaker isolates failing providers behind per-provider circuit
// breakers. Closed lets calls through; Open rejects them outright with a
// retry hint; HalfOpen probes the provider and closes again after enough
// consecutive successes.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/obs"
)

var log = obs.Pkg("breaker")

// Config tunes one breaker.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold uint32
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
}

// Per-provider defaults: Google trips fast and probes after 30s; ICS feeds
// are flakier, so they get more slack.
var (
	GoogleConfig = Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 30 * time.Second}
	ICSConfig    = Config{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 60 * time.Second}
)

// DefaultConfigFor returns the breaker config for a provider tag.
func DefaultConfigFor(provider string) Config {
	switch provider {
	case "google":
		return GoogleConfig
	case "ics":
		return ICSConfig
	default:
		return Config{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 60 * time.Second}
	}
}

// Breaker wraps one provider's calls.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// New builds a breaker named after its provider.
func New(name string, cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit state change", "provider", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), timeout: cfg.Timeout}
}

// Execute runs op through the breaker. While the circuit is open the op is
// not invoked and a circuit_open error with a retry hint comes back instead.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &errs.Error{
			Code:       errs.CircuitOpen,
			Message:    "the provider is cooling down after repeated failures",
			Err:        err,
			RetryAfter: b.timeout,
		}
	}
	return err
}

// State reports the current circuit state as a string (closed, half-open,
// open) for the UI status line.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Registry hands out one breaker per provider tag.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a provider, creating it with the provider's
// default config on first use.
func (r *Registry) For(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b := New(provider, DefaultConfigFor(provider))
	r.breakers[provider] = b
	return b
}
