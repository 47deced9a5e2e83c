// Copyright 2018-2023 CERN
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

package errtypes

// IsApplicationError reports whether err is one of this package's domain
// outcomes (not found, permission denied, conflict, malformed input, ...)
// rather than an infrastructure failure. Resiliency wrappers use this to
// decide what counts against a circuit breaker: a caller asking for a
// file that doesn't exist is not a sign the backend is unhealthy, so it
// passes straight through instead of being retried or counted as a trip.
func IsApplicationError(err error) bool {
	switch err.(type) {
	case IsNotFound, IsAlreadyExists, IsUserRequired, IsInvalidCredentials,
		IsNotSupported, IsPreconditionFailed, IsPermissionDenied, IsConflict,
		IsInvariantViolated, IsUsage, IsCancelled:
		return true
	default:
		return false
	}
}
