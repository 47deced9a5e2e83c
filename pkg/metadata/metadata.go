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

// Package metadata implements the path→metadata map, version history and
// operation log described in spec §4.2, backed by a transactional SQL
// store (pkg/metadata, via mattn/go-sqlite3) or an in-memory store
// (pkg/metadata/memstore) used for overlay upper layers and tests.
package metadata

import (
	"encoding/base64"
	"time"
)

// EntryType distinguishes regular files, directories and mount points.
type EntryType int

// Entry type constants, per spec §3.
const (
	REG EntryType = iota
	DIR
	MOUNT
)

func (t EntryType) String() string {
	switch t {
	case DIR:
		return "DIR"
	case MOUNT:
		return "MOUNT"
	default:
		return "REG"
	}
}

// SourceType records how a VersionRecord came to exist.
type SourceType int

// Source type constants, per spec §3.
const (
	SourceOriginal SourceType = iota
	SourceUpdate
	SourceRollback
)

func (t SourceType) String() string {
	switch t {
	case SourceUpdate:
		return "update"
	case SourceRollback:
		return "rollback"
	default:
		return "original"
	}
}

// FileMetadata is the per-path, per-zone record described in spec §3.
type FileMetadata struct {
	Path           string
	EntryType      EntryType
	BackendName    string
	PhysicalPath   string
	Size           uint64
	ETag           string // content hash for REG entries
	MimeType       string
	CreatedAt      time.Time
	ModifiedAt     time.Time
	Version        uint64
	ILinksCount    uint64
	TargetZoneID   string // MOUNT only
	CustomMetadata map[string]string
}

// VersionRecord is an append-only entry in a resource's version history.
type VersionRecord struct {
	ResourceID    string
	VersionNumber uint64
	ContentHash   string
	Size          uint64
	Author        string
	CreatedAt     time.Time
	SourceType    SourceType
	RollbackFrom  *uint64
}

// OperationLogEntry is a monotone-per-zone record of a committed mutation.
type OperationLogEntry struct {
	Sequence      uint64
	ZoneID        string
	OperationType string
	Path          string
	Actor         string
	Revision      uint64
	Timestamp     time.Time
}

// VersionDiff is the comparison result of DiffVersions.
type VersionDiff struct {
	SizeDelta    int64
	HashChanged  bool
	OldHash      string
	NewHash      string
	OldTimestamp time.Time
	NewTimestamp time.Time
}

// PutOptions carries the optimistic-concurrency preconditions a caller
// may attach to Put.
type PutOptions struct {
	IfMatch     *string // require the existing entry's ETag to equal this value
	IfNoneMatch *string // require no existing entry with this ETag ("*" means "must not exist")
	Actor       string
}

// ListResult is one page of a List call.
type ListResult struct {
	Entries    []FileMetadata
	NextCursor string // empty when there are no further pages
}

// EncodeCursor and DecodeCursor give every Store implementation the same
// opaque-cursor encoding: the last-seen path, base64-encoded, so pagination
// is stable under concurrent mutation (spec §4.2).
func EncodeCursor(lastPath string) string {
	if lastPath == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastPath))
}

// DecodeCursor reverses EncodeCursor. An empty cursor decodes to "".
func DecodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Store is the metadata-store contract from spec §4.2.
type Store interface {
	Get(path string) (*FileMetadata, error)
	Exists(path string) bool
	Put(meta FileMetadata, opts PutOptions) (FileMetadata, error)
	Delete(path string, actor string) error
	Rename(oldPath, newPath string, actor string) error
	List(prefix string, recursive bool, cursor string, limit int) (ListResult, error)

	CreateVersion(resourceID, contentHash string, size uint64, author string, sourceType SourceType, rollbackFrom *uint64) (VersionRecord, error)
	GetVersion(path string, version uint64) (*VersionRecord, error)
	ListVersions(path string, cursor string, limit int) ([]VersionRecord, string, error)
	DiffVersions(path string, v1, v2 uint64) (VersionDiff, error)

	Revision() (uint64, error)
	OperationLog(sinceSequence uint64, limit int) ([]OperationLogEntry, error)

	// CountReferences satisfies cas.HashCounter: the number of live paths
	// whose ETag equals each returned hash.
	CountReferences() (map[string]uint64, error)

	Close() error
}
