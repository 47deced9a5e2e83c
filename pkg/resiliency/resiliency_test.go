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

package resiliency_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/resiliency"
)

var errInfra = errors.New("connection refused")

func newTestBreaker() (*resiliency.CircuitBreaker, resiliency.CircuitBreakerPolicy) {
	policy := resiliency.CircuitBreakerPolicy{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 20 * time.Millisecond}
	return resiliency.NewCircuitBreaker("test-target", policy), policy
}

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb, _ := newTestBreaker()
	assert.Equal(t, resiliency.Closed, cb.State())
}

func TestCircuitBreakerPassesCallsThroughWhileClosed(t *testing.T) {
	cb, _ := newTestBreaker()
	err := cb.Call(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, resiliency.Closed, cb.State())
}

func TestCircuitBreakerTripsOpenAfterConsecutiveFailures(t *testing.T) {
	cb, policy := newTestBreaker()
	for i := 0; i < policy.FailureThreshold; i++ {
		_ = cb.Call(func() error { return errInfra })
	}
	assert.Equal(t, resiliency.Open, cb.State())
}

func TestCircuitBreakerRejectsCallsImmediatelyOnceOpen(t *testing.T) {
	cb, policy := newTestBreaker()
	for i := 0; i < policy.FailureThreshold; i++ {
		_ = cb.Call(func() error { return errInfra })
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	assert.Equal(t, resiliency.ErrCircuitOpen, err)
	assert.False(t, called)
}

func TestCircuitBreakerDoesNotTripOnApplicationErrors(t *testing.T) {
	cb, policy := newTestBreaker()
	appErr := errtypes.NotFound("doc1")
	for i := 0; i < policy.FailureThreshold+2; i++ {
		err := cb.Call(func() error { return appErr })
		assert.Equal(t, appErr, err)
	}
	assert.Equal(t, resiliency.Closed, cb.State())
}

func TestCircuitBreakerHalfOpensAfterTimeoutThenCloses(t *testing.T) {
	cb, policy := newTestBreaker()
	for i := 0; i < policy.FailureThreshold; i++ {
		_ = cb.Call(func() error { return errInfra })
	}
	require.Equal(t, resiliency.Open, cb.State())

	time.Sleep(policy.Timeout + 5*time.Millisecond)
	require.Equal(t, resiliency.HalfOpen, cb.State())

	for i := 0; i < policy.SuccessThreshold; i++ {
		err := cb.Call(func() error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, resiliency.Closed, cb.State())
}

func TestCircuitBreakerReopensOnFailedHalfOpenProbe(t *testing.T) {
	cb, policy := newTestBreaker()
	for i := 0; i < policy.FailureThreshold; i++ {
		_ = cb.Call(func() error { return errInfra })
	}
	time.Sleep(policy.Timeout + 5*time.Millisecond)
	require.Equal(t, resiliency.HalfOpen, cb.State())

	err := cb.Call(func() error { return errInfra })
	assert.Equal(t, errInfra, err)
	assert.Equal(t, resiliency.Open, cb.State())
}

func TestManagerRetriesAFailingInfraCallUntilItSucceeds(t *testing.T) {
	m := resiliency.NewManager(resiliency.TargetBinding{
		Timeout: resiliency.TimeoutPolicy{Duration: time.Second},
		Retry: resiliency.RetryPolicy{
			MaxRetries:  5,
			InitialWait: time.Millisecond,
			MaxInterval: 5 * time.Millisecond,
			Multiplier:  2,
			MaxElapsed:  time.Second,
		},
		CircuitBreaker: resiliency.CircuitBreakerPolicy{FailureThreshold: 10, SuccessThreshold: 1, Timeout: time.Second},
	})

	attempts := 0
	err := m.Execute(context.Background(), "store", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errInfra
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestManagerDoesNotRetryAnApplicationError(t *testing.T) {
	m := resiliency.NewManager(resiliency.DefaultTargetBinding())

	attempts := 0
	err := m.Execute(context.Background(), "store", func(ctx context.Context) error {
		attempts++
		return errtypes.NotFound("doc1")
	})
	assert.Equal(t, errtypes.NotFound("doc1"), err)
	assert.Equal(t, 1, attempts)
}

func TestManagerReportsTheBreakerUnhealthyOnceTripped(t *testing.T) {
	m := resiliency.NewManager(resiliency.TargetBinding{
		Timeout:        resiliency.TimeoutPolicy{Duration: time.Second},
		Retry:          resiliency.RetryPolicy{MaxRetries: 0, InitialWait: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxElapsed: time.Second},
		CircuitBreaker: resiliency.CircuitBreakerPolicy{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute},
	})

	_ = m.Execute(context.Background(), "store", func(ctx context.Context) error { return errInfra })
	assert.False(t, m.HealthCheck("store"))
}

func TestManagerBindsPerTargetPoliciesIndependently(t *testing.T) {
	m := resiliency.NewManager(resiliency.DefaultTargetBinding())
	m.Bind("flaky", resiliency.TargetBinding{
		Timeout:        resiliency.TimeoutPolicy{Duration: time.Second},
		Retry:          resiliency.RetryPolicy{MaxRetries: 0, InitialWait: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxElapsed: time.Second},
		CircuitBreaker: resiliency.CircuitBreakerPolicy{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute},
	})

	_ = m.Execute(context.Background(), "flaky", func(ctx context.Context) error { return errInfra })
	assert.False(t, m.HealthCheck("flaky"))
	assert.True(t, m.HealthCheck("other"))
}
