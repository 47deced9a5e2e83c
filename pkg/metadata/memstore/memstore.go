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

// Package memstore is a volatile, radix-tree-backed metadata.Store. It
// implements the same contract as pkg/metadata's sqlite store and is used
// as the upper, private layer of an overlay workspace (spec §4.4) and in
// unit tests that don't need durability.
package memstore

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-radix"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/metadata"
)

type versionKey struct {
	path    string
	version uint64
}

// Store is an in-process, mutex-guarded implementation of metadata.Store.
type Store struct {
	zoneID string

	mu       sync.RWMutex
	tree     *radix.Tree
	versions map[string][]metadata.VersionRecord // path -> versions, newest last
	oplog    []metadata.OperationLogEntry
	revision uint64
}

// New returns an empty store for zoneID.
func New(zoneID string) *Store {
	return &Store{
		zoneID:   zoneID,
		tree:     radix.New(),
		versions: map[string][]metadata.VersionRecord{},
	}
}

var _ metadata.Store = (*Store)(nil)

// Get returns a copy of path's metadata, or (nil, nil) if absent.
func (s *Store) Get(path string) (*metadata.FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tree.Get(path)
	if !ok {
		return nil, nil
	}
	fm := v.(metadata.FileMetadata)
	cp := fm
	return &cp, nil
}

// Exists reports whether path has a live entry.
func (s *Store) Exists(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tree.Get(path)
	return ok
}

// Put upserts meta honouring opts' preconditions.
func (s *Store) Put(meta metadata.FileMetadata, opts metadata.PutOptions) (metadata.FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tree.Get(meta.Path)
	var existingMeta metadata.FileMetadata
	if ok {
		existingMeta = existing.(metadata.FileMetadata)
	}

	if opts.IfNoneMatch != nil {
		if *opts.IfNoneMatch == "*" && ok {
			return metadata.FileMetadata{}, errtypes.PreconditionFailed(meta.Path)
		}
		if *opts.IfNoneMatch != "*" && ok && existingMeta.ETag == *opts.IfNoneMatch {
			return metadata.FileMetadata{}, errtypes.PreconditionFailed(meta.Path)
		}
	}
	if opts.IfMatch != nil {
		if !ok || existingMeta.ETag != *opts.IfMatch {
			return metadata.FileMetadata{}, errtypes.PreconditionFailed(meta.Path)
		}
	}

	now := time.Now()
	if meta.CreatedAt.IsZero() {
		if ok {
			meta.CreatedAt = existingMeta.CreatedAt
		} else {
			meta.CreatedAt = now
		}
	}
	meta.ModifiedAt = now
	if ok {
		meta.Version = existingMeta.Version + 1
	} else {
		meta.Version = 1
	}

	s.tree.Insert(meta.Path, meta)
	s.revision++
	s.appendOpLog("WRITE", meta.Path, opts.Actor)
	return meta, nil
}

// Delete removes path's entry.
func (s *Store) Delete(path string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tree.Delete(path); !ok {
		return errtypes.NotFound(path)
	}
	s.revision++
	s.appendOpLog("DELETE", path, actor)
	return nil
}

// Rename moves oldPath's entry to newPath.
func (s *Store) Rename(oldPath, newPath string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.tree.Get(oldPath)
	if !ok {
		return errtypes.NotFound(oldPath)
	}
	if _, exists := s.tree.Get(newPath); exists {
		return errtypes.PreconditionFailed(newPath)
	}
	fm := v.(metadata.FileMetadata)
	fm.Path = newPath
	fm.ModifiedAt = time.Now()
	fm.Version++

	s.tree.Delete(oldPath)
	s.tree.Insert(newPath, fm)
	s.revision++
	s.appendOpLog("RENAME", oldPath+" -> "+newPath, actor)
	return nil
}

// List returns a page of entries under prefix.
func (s *Store) List(prefix string, recursive bool, cursor string, limit int) (metadata.ListResult, error) {
	after, err := metadata.DecodeCursor(cursor)
	if err != nil {
		return metadata.ListResult{}, errtypes.Usage("invalid cursor")
	}
	if limit <= 0 {
		limit = 1000
	}

	s.mu.RLock()
	var paths []string
	s.tree.WalkPrefix(prefix, func(p string, _ interface{}) bool {
		if !recursive {
			rest := strings.TrimPrefix(p, prefix)
			rest = strings.TrimPrefix(rest, "/")
			if strings.Contains(rest, "/") {
				return false
			}
		}
		if after == "" || p > after {
			paths = append(paths, p)
		}
		return false
	})
	sort.Strings(paths)

	truncated := false
	if len(paths) > limit {
		paths = paths[:limit]
		truncated = true
	}

	result := metadata.ListResult{}
	for _, p := range paths {
		v, _ := s.tree.Get(p)
		fm := v.(metadata.FileMetadata)
		result.Entries = append(result.Entries, fm)
	}
	s.mu.RUnlock()

	if truncated && len(paths) > 0 {
		result.NextCursor = metadata.EncodeCursor(paths[len(paths)-1])
	}
	return result, nil
}

func (s *Store) appendOpLog(opType, path, actor string) {
	s.oplog = append(s.oplog, metadata.OperationLogEntry{
		Sequence:      uint64(len(s.oplog) + 1),
		ZoneID:        s.zoneID,
		OperationType: opType,
		Path:          path,
		Actor:         actor,
		Revision:      s.revision,
		Timestamp:     time.Now(),
	})
}

// CreateVersion appends a new, strictly-increasing version for resourceID.
func (s *Store) CreateVersion(resourceID, contentHash string, size uint64, author string, sourceType metadata.SourceType, rollbackFrom *uint64) (metadata.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.versions[resourceID]
	var next uint64 = 1
	if len(existing) > 0 {
		next = existing[len(existing)-1].VersionNumber + 1
	}
	rec := metadata.VersionRecord{
		ResourceID:    resourceID,
		VersionNumber: next,
		ContentHash:   contentHash,
		Size:          size,
		Author:        author,
		CreatedAt:     time.Now(),
		SourceType:    sourceType,
		RollbackFrom:  rollbackFrom,
	}
	s.versions[resourceID] = append(existing, rec)
	return rec, nil
}

// GetVersion returns the version numbered v of path's resource, or nil if
// absent.
func (s *Store) GetVersion(path string, v uint64) (*metadata.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.versions[path] {
		if rec.VersionNumber == v {
			cp := rec
			return &cp, nil
		}
	}
	return nil, nil
}

// ListVersions returns path's versions in strictly decreasing order.
func (s *Store) ListVersions(path string, cursor string, limit int) ([]metadata.VersionRecord, string, error) {
	var before uint64 = ^uint64(0)
	if cursor != "" {
		decoded, err := metadata.DecodeCursor(cursor)
		if err != nil {
			return nil, "", errtypes.Usage("invalid cursor")
		}
		v, err := strconv.ParseUint(decoded, 10, 64)
		if err != nil {
			return nil, "", errtypes.Usage("invalid cursor")
		}
		before = v
	}
	if limit <= 0 {
		limit = 1000
	}

	s.mu.RLock()
	all := s.versions[path]
	s.mu.RUnlock()

	var desc []metadata.VersionRecord
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].VersionNumber < before {
			desc = append(desc, all[i])
		}
	}

	nextCursor := ""
	if len(desc) > limit {
		nextCursor = metadata.EncodeCursor(strconv.FormatUint(desc[limit-1].VersionNumber, 10))
		desc = desc[:limit]
	}
	return desc, nextCursor, nil
}

// DiffVersions compares the metadata of two versions.
func (s *Store) DiffVersions(path string, v1, v2 uint64) (metadata.VersionDiff, error) {
	a, err := s.GetVersion(path, v1)
	if err != nil {
		return metadata.VersionDiff{}, err
	}
	b, err := s.GetVersion(path, v2)
	if err != nil {
		return metadata.VersionDiff{}, err
	}
	if a == nil || b == nil {
		return metadata.VersionDiff{}, errtypes.NotFound(path)
	}
	return metadata.VersionDiff{
		SizeDelta:    int64(b.Size) - int64(a.Size),
		HashChanged:  a.ContentHash != b.ContentHash,
		OldHash:      a.ContentHash,
		NewHash:      b.ContentHash,
		OldTimestamp: a.CreatedAt,
		NewTimestamp: b.CreatedAt,
	}, nil
}

// Revision returns the store's current revision counter.
func (s *Store) Revision() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision, nil
}

// OperationLog returns entries with sequence > sinceSequence.
func (s *Store) OperationLog(sinceSequence uint64, limit int) ([]metadata.OperationLogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []metadata.OperationLogEntry
	for _, e := range s.oplog {
		if e.Sequence > sinceSequence {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// CountReferences satisfies cas.HashCounter.
func (s *Store) CountReferences() (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]uint64{}
	s.tree.Walk(func(_ string, v interface{}) bool {
		fm := v.(metadata.FileMetadata)
		if fm.EntryType == metadata.REG && fm.ETag != "" {
			out[fm.ETag]++
		}
		return false
	})
	return out, nil
}

// Close is a no-op; memstore holds no external resources.
func (s *Store) Close() error { return nil }
