package relayserver

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/crypto"

	gsn "github.com/gsnrelay/gsn/go"
)

// RequestCache makes relay submissions idempotent. A client that retries a
// request it already sent gets the transaction signed the first time, and
// concurrent duplicates wait for the first submission instead of spending
// a second worker nonce.
type RequestCache struct {
	mu       sync.Mutex
	results  map[string]*gsn.RelayTransactionResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	clock    clock.Clock
}

// NewRequestCache creates a cache keeping results for ttl.
func NewRequestCache(ttl time.Duration, clk clock.Clock) *RequestCache {
	if clk == nil {
		clk = clock.New()
	}
	return &RequestCache{
		results:  make(map[string]*gsn.RelayTransactionResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		clock:    clk,
	}
}

// RequestKey identifies a submission by its signature. The signature binds
// every signed field including the worker and nonce.
func RequestKey(signature []byte) string {
	return crypto.Keccak256Hash(signature).Hex()
}

// CacheStatus is the result of checking the cache.
type CacheStatus int

const (
	// StatusNotFound means the caller now owns the key and must Complete or Fail it.
	StatusNotFound CacheStatus = iota
	// StatusCached means a result is available.
	StatusCached
	// StatusInFlight means another submission holds the key.
	StatusInFlight
)

// CheckAndMark atomically looks key up and claims it when absent.
func (c *RequestCache) CheckAndMark(key string) (CacheStatus, *gsn.RelayTransactionResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if c.clock.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return StatusCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until the in-flight submission finishes. A nil
// result means it failed and the caller may try again.
func (c *RequestCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*gsn.RelayTransactionResponse, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the unexpired result for key, if any.
func (c *RequestCache) Get(key string) *gsn.RelayTransactionResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if c.clock.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete stores response for key and releases waiters.
func (c *RequestCache) Complete(key string, response *gsn.RelayTransactionResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = response
	c.expiry[key] = c.clock.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail releases key without a result so the request can be retried.
func (c *RequestCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Len returns the number of cached results.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// cleanupExpiredLocked must be called with c.mu held.
func (c *RequestCache) cleanupExpiredLocked() {
	now := c.clock.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
