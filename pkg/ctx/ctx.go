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

// Package ctx defines OperationContext, the frozen identity/authorization
// envelope every kernel operation carries (spec §6's "Context object").
package ctx

// OperationContext identifies the caller of a kernel operation. It is
// built once per request and never mutated afterwards; a caller that
// needs different identity creates a new OperationContext rather than
// changing fields in place.
type OperationContext struct {
	subjectType     string
	subjectID       string
	groups          []string
	zoneID          string
	isAdmin         bool
	agentGeneration *int64
}

// New returns an OperationContext for (subjectType, subjectID) acting in
// zoneID, a member of groups. groups is copied so later mutation by the
// caller cannot affect this context.
func New(subjectType, subjectID, zoneID string, groups []string) OperationContext {
	gs := make([]string, len(groups))
	copy(gs, groups)
	return OperationContext{
		subjectType: subjectType,
		subjectID:   subjectID,
		zoneID:      zoneID,
		groups:      gs,
	}
}

// WithAdmin returns a copy of c with IsAdmin set, for instances that
// allow administrative bypass of permission checks.
func (c OperationContext) WithAdmin(admin bool) OperationContext {
	c.isAdmin = admin
	return c
}

// WithAgentGeneration returns a copy of c carrying generation, used for
// stale-session detection on agent-driven callers.
func (c OperationContext) WithAgentGeneration(generation int64) OperationContext {
	c.agentGeneration = &generation
	return c
}

// SubjectType reports the kind of subject ("user", "agent", "group", ...).
func (c OperationContext) SubjectType() string { return c.subjectType }

// SubjectID reports the subject's identifier within its type.
func (c OperationContext) SubjectID() string { return c.subjectID }

// Groups reports the groups the subject directly belongs to; the slice
// is a defensive copy.
func (c OperationContext) Groups() []string {
	out := make([]string, len(c.groups))
	copy(out, c.groups)
	return out
}

// ZoneID reports the zone the operation is scoped to.
func (c OperationContext) ZoneID() string { return c.zoneID }

// IsAdmin reports whether the subject may bypass permission checks.
func (c OperationContext) IsAdmin() bool { return c.isAdmin }

// AgentGeneration reports the agent session generation, if any, and
// whether one was set.
func (c OperationContext) AgentGeneration() (int64, bool) {
	if c.agentGeneration == nil {
		return 0, false
	}
	return *c.agentGeneration, true
}

// Entity returns the (type, id) pair identifying the subject, suitable
// for passing directly to the rebac package's Check/Expand.
func (c OperationContext) Entity() (subjectType, subjectID string) {
	return c.subjectType, c.subjectID
}
