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

// Package rebac implements the relationship-based access control core
// described in spec §4.5: a tuple store, a namespace-config
// intermediate representation and a check/expand evaluator over it.
// Transitive group membership (§4.5.3) and pre-materialised bitmaps
// (§4.5.4) live in the leopard and tiger subpackages; the
// nearest-ancestor-grant cache (§4.5.5) lives in boundary.
package rebac

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusfs/core/pkg/errtypes"
)

// Entity is a (type, id) pair identifying either side of a tuple.
type Entity struct {
	Type string
	ID   string
}

func (e Entity) String() string { return e.Type + ":" + e.ID }

// Tuple is one relationship fact: subject has relation to object.
// Subject may itself carry a relation (a userset reference, e.g.
// "(group, eng)#member") via SubjectRelation.
type Tuple struct {
	ID              string
	Subject         Entity
	SubjectRelation string // optional, e.g. for (group:eng)#member as subject
	Relation        string
	Object          Entity
	ZoneID          string
	SubjectZoneID   string
	ObjectZoneID    string
	ExpiresAt       *time.Time
	Conditions      map[string]string
}

func (t Tuple) isExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// live key used for the uniqueness invariant: (subject, relation, object, zone).
func (t Tuple) key() string {
	return fmt.Sprintf("%s#%s@%s|%s|%s", t.Subject, t.SubjectRelation, t.Relation, t.Object, t.ZoneID)
}

// TupleStore holds live ReBAC tuples in process memory, indexed for the
// lookups check/expand and the kernel need.
type TupleStore struct {
	mu        sync.RWMutex
	byID      map[string]Tuple
	bySubject map[string][]string // Entity.String() -> tuple IDs
	byObject  map[string][]string
}

// NewTupleStore returns an empty store.
func NewTupleStore() *TupleStore {
	return &TupleStore{
		byID:      map[string]Tuple{},
		bySubject: map[string][]string{},
		byObject:  map[string][]string{},
	}
}

// Write inserts tuple, rejecting a duplicate of the uniqueness invariant
// among currently-live tuples. A zero ID is assigned one.
func (s *TupleStore) Write(t Tuple) (Tuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	key := t.key()
	for _, id := range s.bySubject[t.Subject.String()] {
		existing := s.byID[id]
		if existing.key() == key && !existing.isExpired(now) {
			return Tuple{}, errtypes.AlreadyExists(key)
		}
	}
	s.insertLocked(t)
	return t, nil
}

// WriteBatch writes multiple tuples, stopping (and leaving earlier writes
// committed) at the first rejection.
func (s *TupleStore) WriteBatch(tuples []Tuple) ([]Tuple, error) {
	out := make([]Tuple, 0, len(tuples))
	for _, t := range tuples {
		written, err := s.Write(t)
		if err != nil {
			return out, err
		}
		out = append(out, written)
	}
	return out, nil
}

func (s *TupleStore) insertLocked(t Tuple) {
	s.byID[t.ID] = t
	s.bySubject[t.Subject.String()] = append(s.bySubject[t.Subject.String()], t.ID)
	s.byObject[t.Object.String()] = append(s.byObject[t.Object.String()], t.ID)
}

// Delete removes tupleID, returning NotFound if it is unknown.
func (s *TupleStore) Delete(tupleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[tupleID]
	if !ok {
		return errtypes.NotFound(tupleID)
	}
	delete(s.byID, tupleID)
	s.bySubject[t.Subject.String()] = removeID(s.bySubject[t.Subject.String()], tupleID)
	s.byObject[t.Object.String()] = removeID(s.byObject[t.Object.String()], tupleID)
	return nil
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// ListBySubject returns every live tuple whose subject is subj.
func (s *TupleStore) ListBySubject(subj Entity) []Tuple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []Tuple
	for _, id := range s.bySubject[subj.String()] {
		if t, ok := s.byID[id]; ok && !t.isExpired(now) {
			out = append(out, t)
		}
	}
	return out
}

// ListByObject returns every live tuple whose object is obj.
func (s *TupleStore) ListByObject(obj Entity) []Tuple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []Tuple
	for _, id := range s.byObject[obj.String()] {
		if t, ok := s.byID[id]; ok && !t.isExpired(now) {
			out = append(out, t)
		}
	}
	return out
}

// ListByObjectRelation returns live tuples (subj, relation, obj) for obj,
// filtered to the given relation.
func (s *TupleStore) ListByObjectRelation(obj Entity, relation string) []Tuple {
	var out []Tuple
	for _, t := range s.ListByObject(obj) {
		if t.Relation == relation {
			out = append(out, t)
		}
	}
	return out
}

// RangeMembership calls fn(subject, object) for every live tuple in
// zoneID whose relation is relation, with plain (no SubjectRelation)
// subjects. Used by the leopard closure builder to seed direct edges.
func (s *TupleStore) RangeMembership(relation, zoneID string, fn func(subject, object Entity)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	for _, t := range s.byID {
		if t.Relation == relation && t.ZoneID == zoneID && t.SubjectRelation == "" && !t.isExpired(now) {
			fn(t.Subject, t.Object)
		}
	}
}

// ListObjects returns every object of objectType for which (subject,
// permission, object, zone) holds, by brute-force checking every known
// object of that type. Suitable for small namespaces and tests; the
// kernel's hot list path instead uses the tiger bitmap cache.
func ListObjects(e *Evaluator, subject Entity, permission, objectType, zoneID string) ([]Entity, error) {
	e.store.mu.RLock()
	seen := map[Entity]bool{}
	for _, t := range e.store.byID {
		if t.ZoneID == zoneID && t.Object.Type == objectType {
			seen[t.Object] = true
		}
	}
	e.store.mu.RUnlock()

	var out []Entity
	for obj := range seen {
		ok, err := e.Check(subject, permission, obj, zoneID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

// ListSubjects returns every subject known to the store for which
// (subject, permission, object, zone) holds.
func ListSubjects(e *Evaluator, object Entity, permission, zoneID string) ([]Entity, error) {
	e.store.mu.RLock()
	seen := map[Entity]bool{}
	for _, t := range e.store.byID {
		if t.ZoneID == zoneID {
			seen[t.Subject] = true
		}
	}
	e.store.mu.RUnlock()

	var out []Entity
	for subj := range seen {
		ok, err := e.Check(subj, permission, object, zoneID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, subj)
		}
	}
	return out, nil
}
