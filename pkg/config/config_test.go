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

package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusfs/core/pkg/config"
)

func TestLoadAppliesDefaultsWhenDocumentIsEmpty(t *testing.T) {
	cfg, err := config.Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadOverridesOnlyTheFieldsThePresentDocumentSets(t *testing.T) {
	doc := `
[cas]
root = "/var/lib/nexusfs/cas"

[tiger]
max_entries = 50000
`
	cfg, err := config.Load(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/nexusfs/cas", cfg.CAS.Root)
	assert.Equal(t, config.Default().CAS.FsyncBlobs, cfg.CAS.FsyncBlobs)
	assert.Equal(t, 50000, cfg.Tiger.MaxEntries)
	assert.Equal(t, config.Default().Boundary, cfg.Boundary)
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	_, err := config.Load(strings.NewReader("not = [valid"))
	assert.Error(t, err)
}

func TestLoadFileReturnsAnErrorForAMissingPath(t *testing.T) {
	_, err := config.LoadFile("/does/not/exist.toml")
	assert.Error(t, err)
}

func TestTargetBindingCarriesResiliencyDurationsThrough(t *testing.T) {
	cfg := config.Default()
	cfg.Resiliency.Timeout = 2 * time.Second
	cfg.Resiliency.MaxRetries = 7

	binding := cfg.TargetBinding()
	assert.Equal(t, 2*time.Second, binding.Timeout.Duration)
	assert.Equal(t, 7, binding.Retry.MaxRetries)
	assert.Equal(t, cfg.Resiliency.FailureThreshold, binding.CircuitBreaker.FailureThreshold)
}

func TestNewCASUsesTheConfiguredRoot(t *testing.T) {
	cfg := config.Default()
	cfg.CAS.Root = t.TempDir()
	store := cfg.NewCAS()
	assert.Equal(t, cfg.CAS.Root, store.Root)
}
