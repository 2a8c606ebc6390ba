package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/docket/model"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed passes every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls without reaching the backing store.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("idempotency store circuit breaker is open")

// Breaker trips after consecutive failures and probes again after a
// timeout. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
	now              func() time.Time
}

// NewBreaker creates a Breaker. Non-positive arguments fall back to 5
// failures, 2 probe successes, and 30s open time.
func NewBreaker(failureThreshold, successThreshold int, timeout time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// Allow returns ErrBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refresh() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a call that reached the store and succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a call that failed to reach the store.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refresh()
}

// refresh moves an expired open breaker to half-open. Must be called with
// the lock held.
func (b *Breaker) refresh() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.timeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

// GuardedStore wraps a Store with a Breaker so an unreachable backend fails
// fast. Conflicts and other error envelopes are answers from the store and
// do not count as failures.
type GuardedStore struct {
	next    Store
	breaker *Breaker
}

// NewGuardedStore creates a GuardedStore.
func NewGuardedStore(next Store, breaker *Breaker) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker}
}

// Reserve implements Store.
func (s *GuardedStore) Reserve(ctx context.Context, key, inputHash string, lease time.Duration) (*Response, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("reserve %q: %w", key, err)
	}
	resp, err := s.next.Reserve(ctx, key, inputHash, lease)
	s.record(err)
	return resp, err
}

// Save implements Store.
func (s *GuardedStore) Save(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	if err := s.breaker.Allow(); err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}
	err := s.next.Save(ctx, key, inputHash, resp, ttl)
	s.record(err)
	return err
}

// Release implements Store.
func (s *GuardedStore) Release(ctx context.Context, key, inputHash string) error {
	if err := s.breaker.Allow(); err != nil {
		return fmt.Errorf("release %q: %w", key, err)
	}
	err := s.next.Release(ctx, key, inputHash)
	s.record(err)
	return err
}

// HealthCheck reports an open breaker as unhealthy without probing the
// backend.
func (s *GuardedStore) HealthCheck(ctx context.Context) error {
	if s.breaker.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	return s.next.HealthCheck(ctx)
}

// State returns the breaker state.
func (s *GuardedStore) State() BreakerState {
	return s.breaker.State()
}

func (s *GuardedStore) record(err error) {
	var envelope *model.ErrorEnvelope
	if err == nil || errors.As(err, &envelope) {
		s.breaker.RecordSuccess()
		return
	}
	s.breaker.RecordFailure()
}
