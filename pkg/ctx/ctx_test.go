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

package ctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexusfs/core/pkg/ctx"
)

func TestNewDefaultsToNonAdmin(t *testing.T) {
	oc := ctx.New("user", "alice", "zone1", []string{"eng"})
	assert.Equal(t, "user", oc.SubjectType())
	assert.Equal(t, "alice", oc.SubjectID())
	assert.Equal(t, "zone1", oc.ZoneID())
	assert.Equal(t, []string{"eng"}, oc.Groups())
	assert.False(t, oc.IsAdmin())
	_, ok := oc.AgentGeneration()
	assert.False(t, ok)
}

func TestWithAdminReturnsANewValueWithoutMutatingTheOriginal(t *testing.T) {
	oc := ctx.New("user", "alice", "zone1", nil)
	admin := oc.WithAdmin(true)

	assert.False(t, oc.IsAdmin())
	assert.True(t, admin.IsAdmin())
}

func TestWithAgentGenerationIsIndependentPerCopy(t *testing.T) {
	oc := ctx.New("agent", "bot-1", "zone1", nil)
	gen5 := oc.WithAgentGeneration(5)
	gen6 := oc.WithAgentGeneration(6)

	g5, ok := gen5.AgentGeneration()
	assert.True(t, ok)
	assert.EqualValues(t, 5, g5)

	g6, ok := gen6.AgentGeneration()
	assert.True(t, ok)
	assert.EqualValues(t, 6, g6)

	_, ok = oc.AgentGeneration()
	assert.False(t, ok)
}

func TestGroupsIsADefensiveCopy(t *testing.T) {
	groups := []string{"eng"}
	oc := ctx.New("user", "alice", "zone1", groups)
	groups[0] = "mutated"

	assert.Equal(t, []string{"eng"}, oc.Groups())

	got := oc.Groups()
	got[0] = "mutated-again"
	assert.Equal(t, []string{"eng"}, oc.Groups())
}
