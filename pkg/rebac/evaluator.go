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

package rebac

import (
	"fmt"

	"github.com/nexusfs/core/pkg/errtypes"
)

// DefaultMaxDepth bounds check/expand recursion, per spec §4.5.2.
const DefaultMaxDepth = 50

// GroupCloser answers transitive group-membership queries for a Direct
// relation that no tuple grants to the subject itself: every group granted
// the relation on the object is asked whether the subject is a transitive
// member. Implemented by pkg/rebac/leopard. Evaluator works without one;
// a group's grants then do not extend to its members.
type GroupCloser interface {
	IsTransitiveMember(subject Entity, group Entity, zoneID string) (bool, error)
}

// Evaluator checks and expands permissions over a TupleStore according
// to a set of per-object-type NamespaceConfigs.
type Evaluator struct {
	store    *TupleStore
	configs  map[string]*NamespaceConfig
	maxDepth int
	closer   GroupCloser
}

// NewEvaluator returns an Evaluator over store using configs, one per
// object type. closer may be nil.
func NewEvaluator(store *TupleStore, closer GroupCloser) *Evaluator {
	return &Evaluator{
		store:    store,
		configs:  map[string]*NamespaceConfig{},
		maxDepth: DefaultMaxDepth,
		closer:   closer,
	}
}

// RegisterConfig installs cfg for its object type.
func (e *Evaluator) RegisterConfig(cfg *NamespaceConfig) {
	e.configs[cfg.ObjectType] = cfg
}

type visitKey string

func visitKeyOf(subject Entity, relation string, object Entity) visitKey {
	return visitKey(fmt.Sprintf("%s|%s|%s", subject, relation, object))
}

// Check reports whether subject holds permission on object within zoneID.
func (e *Evaluator) Check(subject Entity, permission string, object Entity, zoneID string) (bool, error) {
	return e.check(subject, permission, object, zoneID, map[visitKey]bool{}, 0)
}

func (e *Evaluator) check(subject Entity, relation string, object Entity, zoneID string, visited map[visitKey]bool, depth int) (bool, error) {
	if depth > e.maxDepth {
		return false, errtypes.Usage("max recursion depth exceeded")
	}
	key := visitKeyOf(subject, relation, object)
	if visited[key] {
		return false, nil // cycle: treated as not satisfied, never raises
	}
	visited[key] = true

	cfg, ok := e.configs[object.Type]
	if !ok {
		return e.checkDirect(subject, relation, object, zoneID)
	}
	expr, ok := cfg.Relations[relation]
	if !ok {
		return e.checkDirect(subject, relation, object, zoneID)
	}

	switch expr.Kind {
	case KindDirect:
		if ok, err := e.checkDirect(subject, relation, object, zoneID); err != nil || ok {
			return ok, err
		}
		return e.checkViaGroupClosure(subject, relation, object, zoneID)

	case KindUnion:
		for _, child := range expr.Children {
			satisfied, err := e.check(subject, child, object, zoneID, visited, depth+1)
			if err != nil {
				return false, err
			}
			if satisfied {
				return true, nil
			}
		}
		return false, nil

	case KindIntersection:
		for _, child := range expr.Children {
			satisfied, err := e.check(subject, child, object, zoneID, visited, depth+1)
			if err != nil {
				return false, err
			}
			if !satisfied {
				return false, nil
			}
		}
		return true, nil

	case KindExclusion:
		base, err := e.check(subject, expr.Children[0], object, zoneID, visited, depth+1)
		if err != nil || !base {
			return false, err
		}
		excluded, err := e.check(subject, expr.Children[1], object, zoneID, visited, depth+1)
		if err != nil {
			return false, err
		}
		return !excluded, nil

	case KindComputedUserset:
		return e.check(subject, expr.Children[0], object, zoneID, visited, depth+1)

	case KindTupleToUserset:
		for _, t := range e.store.ListByObjectRelation(object, expr.Tupleset) {
			satisfied, err := e.check(subject, expr.ComputedUserset, t.Subject, zoneID, visited, depth+1)
			if err != nil {
				return false, err
			}
			if satisfied {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

// checkDirect looks for a live tuple (subject, relation, object) in zoneID
// whose subject is subject itself, with no subject relation. It does not
// consult the group closure; the Direct branch of check does that next.
func (e *Evaluator) checkDirect(subject Entity, relation string, object Entity, zoneID string) (bool, error) {
	for _, t := range e.store.ListByObjectRelation(object, relation) {
		if t.ZoneID == zoneID && t.Subject == subject && t.SubjectRelation == "" {
			return true, nil
		}
	}
	return false, nil
}

// checkViaGroupClosure consults the Leopard closure (if configured) for
// every group granted `relation` on object, asking whether subject is a
// transitive member of any of them.
func (e *Evaluator) checkViaGroupClosure(subject Entity, relation string, object Entity, zoneID string) (bool, error) {
	if e.closer == nil {
		return false, nil
	}
	for _, t := range e.store.ListByObjectRelation(object, relation) {
		if t.ZoneID != zoneID || t.Subject.Type != "group" {
			continue
		}
		member, err := e.closer.IsTransitiveMember(subject, t.Subject, zoneID)
		if err != nil {
			return false, err
		}
		if member {
			return true, nil
		}
	}
	return false, nil
}

// Expand returns the full set of tuples that could, transitively,
// satisfy (*, permission, object) — used for audit/debug surfaces, not
// the hot check path.
func (e *Evaluator) Expand(permission string, object Entity, zoneID string) ([]Tuple, error) {
	cfg, ok := e.configs[object.Type]
	if !ok {
		return e.store.ListByObjectRelation(object, permission), nil
	}
	expr, ok := cfg.Relations[permission]
	if !ok {
		return e.store.ListByObjectRelation(object, permission), nil
	}

	var out []Tuple
	switch expr.Kind {
	case KindDirect:
		out = append(out, e.store.ListByObjectRelation(object, permission)...)
	case KindUnion, KindIntersection:
		for _, child := range expr.Children {
			children, err := e.Expand(child, object, zoneID)
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
		}
	case KindExclusion:
		children, err := e.Expand(expr.Children[0], object, zoneID)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	case KindComputedUserset:
		children, err := e.Expand(expr.Children[0], object, zoneID)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	case KindTupleToUserset:
		out = append(out, e.store.ListByObjectRelation(object, expr.Tupleset)...)
	}
	return out, nil
}
