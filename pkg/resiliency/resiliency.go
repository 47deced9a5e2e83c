// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package resiliency wraps calls into external backends (zone resolvers,
// metadata stores, CAS backends) with a circuit breaker, a bounded retry
// and a deadline, composed outer-to-inner in that order (spec §4.7). A
// call that fails with an application error (errtypes.IsApplicationError)
// passes straight through uncounted; everything else is treated as an
// infrastructure failure and counts against the breaker.
package resiliency

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nexusfs/core/pkg/err"
	"github.com/nexusfs/core/pkg/errtypes"
)

var errPkg = err.New("resiliency")

// CircuitState is one of the three states of a CircuitBreaker.
type CircuitState int

const (
	// Closed lets calls through and counts their failures.
	Closed CircuitState = iota
	// Open rejects every call immediately until Policy.Timeout elapses.
	Open
	// HalfOpen lets a single probe call through to test recovery.
	HalfOpen
)

// String implements fmt.Stringer.
func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// TimeoutPolicy bounds how long a single attempt may run.
type TimeoutPolicy struct {
	Duration time.Duration
}

// DefaultTimeoutPolicy mirrors the original 5 second default.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{Duration: 5 * time.Second}
}

// RetryPolicy configures the exponential backoff wrapping each attempt.
type RetryPolicy struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	MaxElapsed  time.Duration
}

// DefaultRetryPolicy mirrors the original max_retries=3, multiplier=2.0 default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		InitialWait: time.Second,
		MaxInterval: 10 * time.Second,
		Multiplier:  2.0,
		MaxElapsed:  30 * time.Second,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialWait
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.MaxElapsedTime = p.MaxElapsed
	return &maxTriesBackOff{inner: eb, max: p.MaxRetries}
}

// maxTriesBackOff caps the number of retries a wrapped backoff.BackOff
// will hand out, independent of its elapsed-time bound. cenkalti/backoff
// v2 has no built-in retry-count limiter, only time-based ones.
type maxTriesBackOff struct {
	inner backoff.BackOff
	max   int
	tries int
}

func (m *maxTriesBackOff) NextBackOff() time.Duration {
	if m.tries >= m.max {
		return backoff.Stop
	}
	m.tries++
	return m.inner.NextBackOff()
}

func (m *maxTriesBackOff) Reset() {
	m.tries = 0
	m.inner.Reset()
}

// CircuitBreakerPolicy configures trip and recovery thresholds.
type CircuitBreakerPolicy struct {
	// FailureThreshold is the number of consecutive infra failures in
	// Closed state that trips the breaker to Open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successful probes in
	// HalfOpen state required to close the breaker again.
	SuccessThreshold int
	// Timeout is how long the breaker stays Open before allowing a probe.
	Timeout time.Duration
}

// DefaultCircuitBreakerPolicy mirrors the original failure_threshold=5,
// success_threshold=3, timeout=30s default.
func DefaultCircuitBreakerPolicy() CircuitBreakerPolicy {
	return CircuitBreakerPolicy{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 30 * time.Second}
}

// ErrCircuitOpen is returned when a call is rejected because the breaker
// is Open, or HalfOpen with a probe already in flight.
const ErrCircuitOpen = errtypes.BackendUnavailable("circuit breaker open")

// CircuitBreaker implements the CLOSED/OPEN/HALF_OPEN state machine
// guarding a single target. Unlike the asyncio original, which relies on
// a single event loop thread to keep its bookkeeping safe, this type is
// called from arbitrary goroutines and guards its state with a mutex.
type CircuitBreaker struct {
	name   string
	policy CircuitBreakerPolicy

	mu               sync.Mutex
	state            CircuitState
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenInFlight bool
}

// NewCircuitBreaker returns a Closed breaker named name, used only for
// diagnostics.
func NewCircuitBreaker(name string, policy CircuitBreakerPolicy) *CircuitBreaker {
	return &CircuitBreaker{name: name, policy: policy, state: Closed}
}

// Name reports the breaker's diagnostic name.
func (b *CircuitBreaker) Name() string { return b.name }

// State reports the breaker's current state, resolving a lazy Open ->
// HalfOpen transition if the policy's Timeout has elapsed.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

func (b *CircuitBreaker) currentStateLocked() CircuitState {
	if b.state == Open && time.Since(b.openedAt) >= b.policy.Timeout {
		b.state = HalfOpen
		b.successes = 0
		b.halfOpenInFlight = false
	}
	return b.state
}

// acquire reserves the right to make one call through the breaker. It
// returns ErrCircuitOpen if the call must be rejected outright.
func (b *CircuitBreaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case Open:
		return ErrCircuitOpen
	case HalfOpen:
		if b.halfOpenInFlight {
			return ErrCircuitOpen
		}
		b.halfOpenInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		b.halfOpenInFlight = false
		if b.successes >= b.policy.SuccessThreshold {
			b.transitionToClosedLocked()
		}
	case Closed:
		b.failures = 0
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		b.transitionToOpenLocked()
	case Closed:
		b.failures++
		if b.failures >= b.policy.FailureThreshold {
			b.transitionToOpenLocked()
		}
	}
}

func (b *CircuitBreaker) transitionToOpenLocked() {
	b.state = Open
	b.openedAt = time.Now()
	b.failures = 0
	b.successes = 0
}

func (b *CircuitBreaker) transitionToClosedLocked() {
	b.state = Closed
	b.failures = 0
	b.successes = 0
}

// Call runs op through the breaker: rejected immediately if the breaker
// is Open (or HalfOpen with a probe already running), otherwise executed
// and its outcome fed back into the state machine. Application errors
// (errtypes.IsApplicationError) are returned as-is without affecting the
// breaker's counters.
func (b *CircuitBreaker) Call(op func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := op()
	if err == nil {
		b.recordSuccess()
		return nil
	}
	if errtypes.IsApplicationError(err) {
		b.mu.Lock()
		b.halfOpenInFlight = false
		b.mu.Unlock()
		return err
	}
	b.recordFailure()
	return err
}

// TargetBinding names the policies applied to one external dependency,
// e.g. "metadata-store" or "zone-resolver".
type TargetBinding struct {
	Timeout        TimeoutPolicy
	Retry          RetryPolicy
	CircuitBreaker CircuitBreakerPolicy
}

// DefaultTargetBinding composes the three default policies.
func DefaultTargetBinding() TargetBinding {
	return TargetBinding{
		Timeout:        DefaultTimeoutPolicy(),
		Retry:          DefaultRetryPolicy(),
		CircuitBreaker: DefaultCircuitBreakerPolicy(),
	}
}

// Manager owns one CircuitBreaker per named target and executes calls
// through the composed breaker -> retry -> timeout chain.
type Manager struct {
	mu       sync.Mutex
	bindings map[string]TargetBinding
	breakers map[string]*CircuitBreaker
	fallback TargetBinding
}

// NewManager returns a Manager using fallback for any target that has no
// explicit binding registered via Bind.
func NewManager(fallback TargetBinding) *Manager {
	return &Manager{
		bindings: map[string]TargetBinding{},
		breakers: map[string]*CircuitBreaker{},
		fallback: fallback,
	}
}

// Bind registers the policies used for calls against target.
func (m *Manager) Bind(target string, binding TargetBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[target] = binding
}

func (m *Manager) resolve(target string) TargetBinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[target]; ok {
		return b
	}
	return m.fallback
}

// Breaker returns the CircuitBreaker for target, creating it on first use.
func (m *Manager) Breaker(target string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[target]; ok {
		return cb
	}
	binding, ok := m.bindings[target]
	if !ok {
		binding = m.fallback
	}
	cb := NewCircuitBreaker(target, binding.CircuitBreaker)
	m.breakers[target] = cb
	return cb
}

// Execute runs op against target through the composed chain: the
// breaker wraps a bounded retry, which wraps a deadline bound to the
// target's TimeoutPolicy. ctx's own deadline, if any, is also respected.
func (m *Manager) Execute(ctx context.Context, target string, op func(ctx context.Context) error) error {
	binding := m.resolve(target)
	cb := m.Breaker(target)

	return cb.Call(func() error {
		return backoff.Retry(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, binding.Timeout.Duration)
			defer cancel()

			err := op(attemptCtx)
			if err == nil {
				return nil
			}
			if errtypes.IsApplicationError(err) {
				return backoff.Permanent(err)
			}
			return err
		}, binding.Retry.backOff())
	})
}

// HealthCheck reports whether target's breaker currently allows calls
// (Closed or HalfOpen), without actually issuing one.
func (m *Manager) HealthCheck(target string) bool {
	return m.Breaker(target).State() != Open
}

// Cause unwraps any github.com/pkg/errors wrapping added along the call
// path, returning the original error for errtypes classification. Note
// that backoff.Retry already unwraps its own Permanent marker before
// returning, so callers never see that wrapper here.
func Cause(err error) error {
	return errPkg.Cause(err)
}
