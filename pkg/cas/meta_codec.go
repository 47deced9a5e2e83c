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

import (
	"github.com/shamaton/msgpack/v2"
	orderedmap "github.com/wk8/go-ordered-map"
)

// wireMeta is the self-describing on-disk record for a CASMeta sidecar.
// Extra fields are carried as parallel key/value slices rather than a map
// so insertion order survives the round trip through msgpack.
type wireMeta struct {
	RefCount  uint64
	Size      uint64
	ExtraKeys []string
	ExtraVals []interface{}
}

func encodeMeta(m Meta) ([]byte, error) {
	w := wireMeta{RefCount: m.RefCount, Size: m.Size}
	if m.Extra != nil {
		for pair := m.Extra.Oldest(); pair != nil; pair = pair.Next() {
			w.ExtraKeys = append(w.ExtraKeys, pair.Key.(string))
			w.ExtraVals = append(w.ExtraVals, pair.Value)
		}
	}
	return msgpack.Marshal(w)
}

func decodeMeta(b []byte) (Meta, error) {
	var w wireMeta
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return Meta{}, err
	}
	m := newMeta()
	m.RefCount = w.RefCount
	m.Size = w.Size
	for i, k := range w.ExtraKeys {
		if i < len(w.ExtraVals) {
			m.Extra.Set(k, w.ExtraVals[i])
		}
	}
	return m, nil
}
