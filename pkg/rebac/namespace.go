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

// RelationKind distinguishes the shapes a relation's definition can take
// in a NamespaceConfig (spec §3).
type RelationKind int

const (
	// KindDirect is satisfied by a matching tuple.
	KindDirect RelationKind = iota
	// KindUnion is satisfied by any of its child relations.
	KindUnion
	// KindIntersection is satisfied only if every child relation holds.
	KindIntersection
	// KindExclusion is satisfied if its first child holds and its second does not.
	KindExclusion
	// KindTupleToUserset recurses through an intermediate tuple's userset.
	KindTupleToUserset
	// KindComputedUserset is an alias for checking another relation on the same object.
	KindComputedUserset
)

// RelationExpr is one node of a relation's expression tree.
type RelationExpr struct {
	Kind     RelationKind
	Children []string // relation names, for Union/Intersection/Exclusion/ComputedUserset

	// Tupleset/ComputedUserset only apply to KindTupleToUserset:
	// for each tuple (X, Tupleset, object), recursively check
	// (subject, ComputedUserset, X).
	Tupleset        string
	ComputedUserset string
}

// NamespaceConfig maps every relation an object type defines to its
// expression tree.
type NamespaceConfig struct {
	ObjectType string
	Relations  map[string]RelationExpr
	// order preserves declaration order so union evaluation and
	// tie-breaking stay deterministic (spec §4.5.2).
	order []string
}

// NewNamespaceConfig returns an empty config for objectType.
func NewNamespaceConfig(objectType string) *NamespaceConfig {
	return &NamespaceConfig{ObjectType: objectType, Relations: map[string]RelationExpr{}}
}

// Define adds relation to the config, preserving call order.
func (c *NamespaceConfig) Define(relation string, expr RelationExpr) *NamespaceConfig {
	if _, exists := c.Relations[relation]; !exists {
		c.order = append(c.order, relation)
	}
	c.Relations[relation] = expr
	return c
}

// Direct defines relation as satisfied by a matching tuple.
func Direct() RelationExpr { return RelationExpr{Kind: KindDirect} }

// Union defines a relation as satisfied by any of relations.
func Union(relations ...string) RelationExpr {
	return RelationExpr{Kind: KindUnion, Children: relations}
}

// Intersection defines a relation as satisfied only if every relation in
// relations holds.
func Intersection(relations ...string) RelationExpr {
	return RelationExpr{Kind: KindIntersection, Children: relations}
}

// Exclusion defines a relation as satisfied when base holds and
// subtracted does not.
func Exclusion(base, subtracted string) RelationExpr {
	return RelationExpr{Kind: KindExclusion, Children: []string{base, subtracted}}
}

// TupleToUserset defines a relation that, for each tuple
// (X, tupleset, object), recursively checks (subject, computedUserset, X).
func TupleToUserset(tupleset, computedUserset string) RelationExpr {
	return RelationExpr{Kind: KindTupleToUserset, Tupleset: tupleset, ComputedUserset: computedUserset}
}

// ComputedUserset defines a relation as equivalent to checking relation
// on the same object.
func ComputedUserset(relation string) RelationExpr {
	return RelationExpr{Kind: KindComputedUserset, Children: []string{relation}}
}
