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

// Package overlay layers a private, mutable upper metadata store on top
// of an immutable base WorkspaceManifest, per spec §4.4. An overlay never
// mutates its base: two agents may share one base manifest hash and
// maintain independent uppers, each seeing a consistent merged view.
package overlay

import (
	stdpath "path"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nexusfs/core/pkg/cas"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/mime"
)

// ManifestEntry is one file recorded in a WorkspaceManifest.
type ManifestEntry struct {
	ContentHash string
	Size        uint64
	MimeType    string
}

// WorkspaceManifest is the immutable, content-addressed base of an
// overlay: a map of workspace-relative path to its content.
type WorkspaceManifest struct {
	Entries map[string]ManifestEntry
}

// EncodeManifest serialises m to its stable, self-describing wire form.
func EncodeManifest(m WorkspaceManifest) ([]byte, error) {
	return msgpack.Marshal(m.Entries)
}

// DecodeManifest reverses EncodeManifest.
func DecodeManifest(b []byte) (WorkspaceManifest, error) {
	var entries map[string]ManifestEntry
	if err := msgpack.Unmarshal(b, &entries); err != nil {
		return WorkspaceManifest{}, err
	}
	return WorkspaceManifest{Entries: entries}, nil
}

// Overlay is one workspace: an immutable base manifest plus a private
// upper metadata store.
type Overlay struct {
	BaseManifestHash string
	Base             WorkspaceManifest
	Upper            metadata.Store
	CAS              *cas.Store
}

// New returns an overlay over base, backed by upper for writes.
func New(baseManifestHash string, base WorkspaceManifest, upper metadata.Store, store *cas.Store) *Overlay {
	return &Overlay{BaseManifestHash: baseManifestHash, Base: base, Upper: upper, CAS: store}
}

// ResolveRead looks up path through the overlay: the upper store takes
// precedence; a whiteout there reports not-found regardless of what the
// base manifest holds; otherwise the base manifest is consulted.
func (o *Overlay) ResolveRead(path string) (*metadata.FileMetadata, error) {
	upperMeta, err := o.Upper.Get(path)
	if err != nil {
		return nil, err
	}
	if upperMeta != nil {
		if upperMeta.MimeType == mime.Whiteout {
			return nil, errtypes.NotFound(path)
		}
		return upperMeta, nil
	}

	entry, ok := o.Base.Entries[relativize(path)]
	if !ok {
		return nil, errtypes.NotFound(path)
	}
	return &metadata.FileMetadata{
		Path:      path,
		EntryType: metadata.REG,
		ETag:      entry.ContentHash,
		MimeType:  entry.MimeType,
		Size:      entry.Size,
	}, nil
}

// CreateWhiteout marks path as deleted in the upper store, hiding any
// base-manifest entry at the same path without touching the base.
func (o *Overlay) CreateWhiteout(path string) error {
	_, err := o.Upper.Put(metadata.FileMetadata{
		Path:      path,
		EntryType: metadata.REG,
		MimeType:  mime.Whiteout,
		Size:      0,
	}, metadata.PutOptions{})
	return err
}

// ListOverlay returns the union of live upper entries and base entries
// whose upper counterpart is absent or not a whiteout, under prefix, plus
// a synthesized directory entry for every intermediate directory those
// files imply but neither layer recorded explicitly (spec S7: a base
// entry at "src/a.py" with no directory record of its own still yields a
// "src/" entry in the listing).
func (o *Overlay) ListOverlay(prefix string) ([]metadata.FileMetadata, error) {
	seen := map[string]bool{}
	var out []metadata.FileMetadata

	upperList, err := o.Upper.List(prefix, true, "", 0)
	if err != nil {
		return nil, err
	}
	for _, fm := range upperList.Entries {
		seen[fm.Path] = true
		if fm.MimeType == mime.Whiteout {
			continue
		}
		out = append(out, fm)
	}

	relPrefix := relativize(prefix)
	for rel, entry := range o.Base.Entries {
		if !strings.HasPrefix(rel, relPrefix) {
			continue
		}
		path := "/" + rel
		if seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, metadata.FileMetadata{
			Path:      path,
			EntryType: metadata.REG,
			ETag:      entry.ContentHash,
			MimeType:  entry.MimeType,
			Size:      entry.Size,
		})
	}

	cleanPrefix := stdpath.Clean(prefix)
	impliedDirs := map[string]bool{}
	for _, fm := range out {
		for dir := stdpath.Dir(fm.Path); dir != "/" && dir != cleanPrefix && strings.HasPrefix(dir, cleanPrefix); {
			dirPath := dir + "/"
			if seen[dirPath] || seen[dir] {
				break
			}
			impliedDirs[dirPath] = true
			parent := stdpath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	for dir := range impliedDirs {
		out = append(out, metadata.FileMetadata{Path: dir, EntryType: metadata.DIR})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Flatten iterates every effective entry (base entries shadowed by an
// upper write or whiteout resolved accordingly) and returns a new
// WorkspaceManifest reflecting the merged view. Its entries reuse the
// content hashes already recorded in either layer; Flatten writes no
// blobs into the backing CAS.
// It does not clear the upper store; callers do that once the returned
// manifest has been durably recorded.
func (o *Overlay) Flatten() (WorkspaceManifest, error) {
	entries, err := o.ListOverlay("/")
	if err != nil {
		return WorkspaceManifest{}, err
	}

	next := WorkspaceManifest{Entries: map[string]ManifestEntry{}}
	for _, fm := range entries {
		if fm.EntryType != metadata.REG {
			continue
		}
		next.Entries[relativize(fm.Path)] = ManifestEntry{
			ContentHash: fm.ETag,
			Size:        fm.Size,
			MimeType:    fm.MimeType,
		}
	}
	return next, nil
}

func relativize(path string) string {
	return strings.TrimPrefix(path, "/")
}
