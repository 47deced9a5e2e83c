// Copyright 2018-2019 CERN
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

package errtypes_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexusfs/core/pkg/errtypes"
)

func TestMarkerTypesCarryTheirMessageAndInterface(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"NotFound", errtypes.NotFound("doc1"), "error: not found: doc1"},
		{"AlreadyExists", errtypes.AlreadyExists("doc1"), "error: already exists: doc1"},
		{"UserRequired", errtypes.UserRequired("doc1"), "error: user required: doc1"},
		{"InvalidCredentials", errtypes.InvalidCredentials("doc1"), "error: invalid credentials: doc1"},
		{"NotSupported", errtypes.NotSupported("doc1"), "error: not supported: doc1"},
		{"PreconditionFailed", errtypes.PreconditionFailed("doc1"), "error: precondition failed: doc1"},
		{"PermissionDenied", errtypes.PermissionDenied("doc1"), "error: permission denied: doc1"},
		{"Conflict", errtypes.Conflict("doc1"), "error: conflict: doc1"},
		{"BackendUnavailable", errtypes.BackendUnavailable("doc1"), "error: backend unavailable: doc1"},
		{"Cancelled", errtypes.Cancelled("doc1"), "error: cancelled: doc1"},
		{"InvariantViolated", errtypes.InvariantViolated("doc1"), "error: invariant violated: doc1"},
		{"Usage", errtypes.Usage("doc1"), "error: usage: doc1"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.err.Error())
		})
	}
}

func TestIsApplicationErrorAcceptsEveryDomainMarker(t *testing.T) {
	domainErrors := []error{
		errtypes.NotFound("x"),
		errtypes.AlreadyExists("x"),
		errtypes.UserRequired("x"),
		errtypes.InvalidCredentials("x"),
		errtypes.NotSupported("x"),
		errtypes.PreconditionFailed("x"),
		errtypes.PermissionDenied("x"),
		errtypes.Conflict("x"),
		errtypes.InvariantViolated("x"),
		errtypes.Usage("x"),
		errtypes.Cancelled("x"),
	}
	for _, err := range domainErrors {
		assert.True(t, errtypes.IsApplicationError(err), "expected %T to be an application error", err)
	}
}

func TestIsApplicationErrorRejectsInfrastructureFailures(t *testing.T) {
	assert.False(t, errtypes.IsApplicationError(errors.New("connection refused")))
	assert.False(t, errtypes.IsApplicationError(errtypes.BackendUnavailable("store1")))
}

func TestJoinConcatenatesMessagesInOrder(t *testing.T) {
	err := errtypes.Join(errtypes.NotFound("a"), errtypes.Conflict("b"))
	assert.Equal(t, "error: not found: a, error: conflict: b", err.Error())
}

func TestJoinOfASingleErrorHasNoTrailingSeparator(t *testing.T) {
	err := errtypes.Join(errtypes.NotFound("a"))
	assert.Equal(t, "error: not found: a", err.Error())
}
