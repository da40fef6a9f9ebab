package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// DefaultTripThreshold is the number of consecutive failures that opens a
// host's breaker.
const DefaultTripThreshold = 5

// CircuitBreakerFetcher wraps a Fetcher with per-host circuit breakers.
// Not-found responses are answers, not failures, and never trip a breaker.
type CircuitBreakerFetcher struct {
	fetcher   *Fetcher
	threshold int64
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
}

// NewCircuitBreakerFetcher creates a new circuit breaker wrapper for a fetcher.
func NewCircuitBreakerFetcher(f *Fetcher) *CircuitBreakerFetcher {
	return &CircuitBreakerFetcher{
		fetcher:   f,
		threshold: DefaultTripThreshold,
		breakers:  make(map[string]*circuit.Breaker),
	}
}

// WithThreshold sets how many consecutive failures trip a breaker.
func (cbf *CircuitBreakerFetcher) WithThreshold(n int64) *CircuitBreakerFetcher {
	cbf.threshold = n
	return cbf
}

// getBreaker returns or creates the circuit breaker for host.
func (cbf *CircuitBreakerFetcher) getBreaker(host string) *circuit.Breaker {
	cbf.mu.RLock()
	breaker, exists := cbf.breakers[host]
	cbf.mu.RUnlock()

	if exists {
		return breaker
	}

	cbf.mu.Lock()
	defer cbf.mu.Unlock()

	if breaker, exists := cbf.breakers[host]; exists {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(cbf.threshold),
	})

	cbf.breakers[host] = breaker
	return breaker
}

// Get wraps Fetcher.Get with circuit breaker logic.
func (cbf *CircuitBreakerFetcher) Get(ctx context.Context, rawURL string) (*Resource, error) {
	var res *Resource
	err := cbf.call(rawURL, func() error {
		var err error
		res, err = cbf.fetcher.Get(ctx, rawURL)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetBytes wraps Fetcher.GetBytes with circuit breaker logic.
func (cbf *CircuitBreakerFetcher) GetBytes(ctx context.Context, rawURL string) ([]byte, string, error) {
	var (
		body        []byte
		contentType string
	)
	err := cbf.call(rawURL, func() error {
		var err error
		body, contentType, err = cbf.fetcher.GetBytes(ctx, rawURL)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}

func (cbf *CircuitBreakerFetcher) call(rawURL string, fn func() error) error {
	host := extractHost(rawURL)
	breaker := cbf.getBreaker(host)

	if !breaker.Ready() {
		return fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	var notFound error
	err := breaker.Call(func() error {
		err := fn()
		if errors.Is(err, ErrNotFound) {
			notFound = err
			return nil
		}
		return err
	}, 0)
	if err != nil {
		return err
	}
	return notFound
}

// extractHost returns the breaker grouping key for a URL.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}

// BreakerStates returns the state of every breaker by host, for health checks.
func (cbf *CircuitBreakerFetcher) BreakerStates() map[string]string {
	cbf.mu.RLock()
	defer cbf.mu.RUnlock()

	states := make(map[string]string)
	for host, breaker := range cbf.breakers {
		if breaker.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}
