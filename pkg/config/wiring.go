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

package config

import (
	"github.com/nexusfs/core/pkg/cas"
	"github.com/nexusfs/core/pkg/rebac/boundary"
	"github.com/nexusfs/core/pkg/rebac/leopard"
	"github.com/nexusfs/core/pkg/rebac/tiger"
	"github.com/nexusfs/core/pkg/resiliency"
)

// NewCAS builds the L1 blob store described by c.CAS.
func (c Config) NewCAS() *cas.Store {
	return cas.New(c.CAS.Root, c.CAS.FsyncBlobs)
}

// NewBoundaryCache builds the L8 boundary cache described by c.Boundary.
func (c Config) NewBoundaryCache() *boundary.Cache {
	return boundary.NewCache(c.Boundary.MaxSize, c.Boundary.TTL)
}

// NewLeopardCache builds the L6 transitive-closure cache described by
// c.Leopard.
func (c Config) NewLeopardCache() (*leopard.Cache, error) {
	return leopard.NewCache(c.Leopard.CacheSize, c.Leopard.TTL)
}

// NewTigerCache builds the L7 bitmap cache described by c.Tiger.
func (c Config) NewTigerCache() *tiger.Cache {
	return tiger.NewCache(c.Tiger.MaxEntries, c.Tiger.StaleThreshold)
}

// TargetBinding converts c.Resiliency into the policy triple a
// resiliency.Manager applies to a target with no more specific binding.
func (c Config) TargetBinding() resiliency.TargetBinding {
	return resiliency.TargetBinding{
		Timeout: resiliency.TimeoutPolicy{Duration: c.Resiliency.Timeout},
		Retry: resiliency.RetryPolicy{
			MaxRetries:  c.Resiliency.MaxRetries,
			InitialWait: c.Resiliency.InitialWait,
			MaxInterval: c.Resiliency.MaxInterval,
			Multiplier:  c.Resiliency.Multiplier,
			MaxElapsed:  c.Resiliency.MaxElapsed,
		},
		CircuitBreaker: resiliency.CircuitBreakerPolicy{
			FailureThreshold: c.Resiliency.FailureThreshold,
			SuccessThreshold: c.Resiliency.SuccessThreshold,
			Timeout:          c.Resiliency.OpenTimeout,
		},
	}
}

// NewResiliencyManager builds a resiliency.Manager whose fallback binding
// is c.TargetBinding().
func (c Config) NewResiliencyManager() *resiliency.Manager {
	return resiliency.NewManager(c.TargetBinding())
}
