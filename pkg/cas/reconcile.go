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

package cas

// HashCounter reports how many times each content hash is referenced by
// the metadata store, keyed by etag. Implemented by the metadata store
// (pkg/metadata) so the reconciler stays decoupled from any particular
// backing store.
type HashCounter interface {
	CountReferences() (map[string]uint64, error)
}

// Reconciler recomputes ref_count for every hash the metadata store
// references, by scanning its reference graph, per spec §4.1: "If a blob exists
// but its sidecar is missing or corrupt, a reconciler can recompute
// ref_count by scanning the metadata store."
type Reconciler struct {
	store   *Store
	counter HashCounter
}

// NewReconciler builds a Reconciler over store, consulting counter for
// ground-truth reference counts.
func NewReconciler(store *Store, counter HashCounter) *Reconciler {
	return &Reconciler{store: store, counter: counter}
}

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Repaired []string // hashes whose sidecar ref_count was corrected
	Orphaned []string // hashes with zero live references, released
}

// Run recomputes ref_count for every hash the metadata store references,
// repairing sidecars whose recorded count disagrees with the ground
// truth. A hash reported with a count of zero is released once and listed
// as orphaned. A blob that no metadata entry references is absent from the
// ground truth, so Run neither visits nor releases it.
// It does not rewrite sidecars for hashes that already agree.
func (r *Reconciler) Run() (ReconcileResult, error) {
	truth, err := r.counter.CountReferences()
	if err != nil {
		return ReconcileResult{}, err
	}

	var result ReconcileResult
	for hash, want := range truth {
		unlock := r.store.MetaLock(hash)
		meta, readErr := r.store.ReadMeta(hash)
		if readErr != nil {
			unlock()
			return result, readErr
		}
		if meta.RefCount == want {
			unlock()
			continue
		}
		if want == 0 {
			unlock()
			if _, relErr := r.store.Release(hash); relErr != nil {
				return result, relErr
			}
			result.Orphaned = append(result.Orphaned, hash)
			continue
		}
		meta.RefCount = want
		writeErr := r.store.writeMeta(hash, meta)
		unlock()
		if writeErr != nil {
			return result, writeErr
		}
		result.Repaired = append(result.Repaired, hash)
	}
	return result, nil
}
