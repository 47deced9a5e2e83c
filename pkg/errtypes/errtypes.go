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

// Package errtypes contains definitons for common errors.
// It would have nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error variable
// and error is a reserved word :)
package errtypes

// NotFound is the error to use when a resource something is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound is the method to check for w
func (e NotFound) IsNotFound() {}

// AlreadyExists is the error to use when a resource already exists.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists is the method to check for w
func (e AlreadyExists) IsAlreadyExists() {}

// UserRequired represents an error when a user is required.
type UserRequired string

func (e UserRequired) Error() string { return "error: user required: " + string(e) }

// IsUserRequired implements the UserRequired interface.
func (e UserRequired) IsUserRequired() {}

// InvalidCredentials is the error to use when receiving invalid credentials.
type InvalidCredentials string

func (e InvalidCredentials) Error() string { return "error: invalid credentials: " + string(e) }

// IsInvalidCredentials implements the IsInvalidCredentials interface.
func (e InvalidCredentials) IsInvalidCredentials() {}

// NotSupported is the error to use when an action is not supported.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// PreconditionFailed is the error to use when a conditional write,
// a rename onto an existing target, or a non-empty rmdir is rejected.
type PreconditionFailed string

func (e PreconditionFailed) Error() string { return "error: precondition failed: " + string(e) }

// IsPreconditionFailed implements the IsPreconditionFailed interface.
func (e PreconditionFailed) IsPreconditionFailed() {}

// PermissionDenied is the error to use when a ReBAC check rejects an
// operation.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// Conflict is the error to use when a concurrent writer invalidated an
// in-flight conditional operation.
type Conflict string

func (e Conflict) Error() string { return "error: conflict: " + string(e) }

// IsConflict implements the IsConflict interface.
func (e Conflict) IsConflict() {}

// BackendUnavailable is the error to use when an underlying storage
// backend failed after exhausting retries, or a circuit breaker is open.
type BackendUnavailable string

func (e BackendUnavailable) Error() string { return "error: backend unavailable: " + string(e) }

// IsBackendUnavailable implements the IsBackendUnavailable interface.
func (e BackendUnavailable) IsBackendUnavailable() {}

// Cancelled is the error to use when an operation was aborted via its
// cancellation token/context.
type Cancelled string

func (e Cancelled) Error() string { return "error: cancelled: " + string(e) }

// IsCancelled implements the IsCancelled interface.
func (e Cancelled) IsCancelled() {}

// InvariantViolated is the error to use for internal consistency failures,
// e.g. a verified blob read whose recomputed hash disagrees with its name.
// Always fatal to the caller.
type InvariantViolated string

func (e InvariantViolated) Error() string { return "error: invariant violated: " + string(e) }

// IsInvariantViolated implements the IsInvariantViolated interface.
func (e InvariantViolated) IsInvariantViolated() {}

// Usage is the error to use for malformed input: non-absolute paths,
// unknown namespace configs, exceeded recursion depth.
type Usage string

func (e Usage) Error() string { return "error: usage: " + string(e) }

// IsUsage implements the IsUsage interface.
func (e Usage) IsUsage() {}

// IsNotFound is the interface to implement
// to specify that an a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsAlreadyExists is the interface to implement
// to specify that a resource already exists.
type IsAlreadyExists interface {
	IsAlreadyExists()
}

// IsUserRequired is the interface to implement
// to specify that a user is required.
type IsUserRequired interface {
	IsUserRequired()
}

// IsInvalidCredentials is the interface to implement
// to specify that credentials were wrong.
type IsInvalidCredentials interface {
	IsInvalidCredentials()
}

// IsNotSupported is the interface to implement
// to specify that an action is not supported.
type IsNotSupported interface {
	IsNotSupported()
}

// IsPreconditionFailed is the interface to implement
// to specify that a conditional operation was rejected.
type IsPreconditionFailed interface {
	IsPreconditionFailed()
}

// IsPermissionDenied is the interface to implement
// to specify that a ReBAC check rejected the operation.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsConflict is the interface to implement
// to specify that a concurrent writer won the race.
type IsConflict interface {
	IsConflict()
}

// IsBackendUnavailable is the interface to implement
// to specify that a backend failed after retries, or tripped a breaker.
type IsBackendUnavailable interface {
	IsBackendUnavailable()
}

// IsCancelled is the interface to implement
// to specify that an operation was aborted via its cancellation token.
type IsCancelled interface {
	IsCancelled()
}

// IsInvariantViolated is the interface to implement
// to specify an internal consistency failure.
type IsInvariantViolated interface {
	IsInvariantViolated()
}

// IsUsage is the interface to implement
// to specify malformed caller input.
type IsUsage interface {
	IsUsage()
}
