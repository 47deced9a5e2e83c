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

package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-radix"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nexusfs/core/pkg/errors"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/log"
)

var logger = log.New("metadata")

func init() {
	_ = log.Enable("metadata")
}

// SQLStore is the transactional, sqlite-backed Store implementation for a
// single zone. All mutating operations run inside a *sql.Tx, giving Put,
// Delete, Rename and CreateVersion the atomicity spec §4.2 requires; a
// write mutex additionally serialises transactions so that "last writer
// wins" ordering is well defined and the operation log stays strictly
// ordered.
type SQLStore struct {
	ZoneID string

	db *sql.DB
	mu sync.Mutex // single-writer-per-path, enforced store-wide

	// radixIdx mirrors the `files` table's path column so prefix listing
	// never needs a LIKE scan; it is rebuilt from the DB on Open and kept
	// in sync by every mutation inside the same critical section as the
	// SQL transaction.
	radixIdx *radix.Tree
}

var _ Store = (*SQLStore)(nil)

// Open opens (creating if necessary) a sqlite-backed metadata store for
// one zone at dsn (a file path, or ":memory:" for a volatile store).
func Open(zoneID, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errtypes.BackendUnavailable(errors.Wrapf(err, "error opening sqlite3 dsn %s", dsn).Error())
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time regardless

	s := &SQLStore{ZoneID: zoneID, db: db, radixIdx: radix.New()}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	logger.Println(context.Background(), "opened metadata store for zone ", zoneID)
	return s, nil
}

func (s *SQLStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			entry_type INTEGER NOT NULL,
			backend_name TEXT NOT NULL,
			physical_path TEXT NOT NULL,
			size INTEGER NOT NULL,
			etag TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			modified_at INTEGER NOT NULL,
			version INTEGER NOT NULL,
			i_links_count INTEGER NOT NULL,
			target_zone_id TEXT NOT NULL DEFAULT '',
			custom_metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS versions (
			resource_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			author TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			source_type INTEGER NOT NULL,
			rollback_from INTEGER,
			PRIMARY KEY (resource_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS oplog (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			zone_id TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			path TEXT NOT NULL,
			actor TEXT NOT NULL,
			revision INTEGER NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS zone_revision (
			zone_id TEXT PRIMARY KEY,
			current_revision INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errtypes.BackendUnavailable(errors.Wrapf(err, "error executing migration statement").Error())
		}
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO zone_revision (zone_id, current_revision) VALUES (?, 0)`, s.ZoneID)
	if err != nil {
		return errtypes.BackendUnavailable(errors.Wrapf(err, "error seeding zone_revision for zone %s", s.ZoneID).Error())
	}
	return nil
}

func (s *SQLStore) loadIndex() error {
	rows, err := s.db.Query(`SELECT path FROM files`)
	if err != nil {
		return errtypes.BackendUnavailable(errors.Wrapf(err, "error querying files table").Error())
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return errtypes.BackendUnavailable(errors.Wrapf(err, "error scanning files row").Error())
		}
		s.radixIdx.Insert(p, struct{}{})
	}
	return rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying sqlite connection pool, so that other
// zone-scoped stores (e.g. pkg/rebac/leopard's transitive-group closure)
// can persist into the same database file instead of opening their own.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func marshalCustom(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalCustom(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func scanFileMetadata(row interface {
	Scan(dest ...interface{}) error
}) (FileMetadata, error) {
	var (
		fm                    FileMetadata
		entryType             int
		createdAt, modifiedAt int64
		customJSON            string
	)
	err := row.Scan(
		&fm.Path, &entryType, &fm.BackendName, &fm.PhysicalPath, &fm.Size,
		&fm.ETag, &fm.MimeType, &createdAt, &modifiedAt, &fm.Version,
		&fm.ILinksCount, &fm.TargetZoneID, &customJSON,
	)
	if err != nil {
		return FileMetadata{}, err
	}
	fm.EntryType = EntryType(entryType)
	fm.CreatedAt = time.Unix(0, createdAt)
	fm.ModifiedAt = time.Unix(0, modifiedAt)
	fm.CustomMetadata = unmarshalCustom(customJSON)
	return fm, nil
}

const fileColumns = `path, entry_type, backend_name, physical_path, size, etag, mime_type, created_at, modified_at, version, i_links_count, target_zone_id, custom_metadata`

// Get returns the metadata for path, or (nil, nil) if absent.
func (s *SQLStore) Get(path string) (*FileMetadata, error) {
	row := s.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	fm, err := scanFileMetadata(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errtypes.BackendUnavailable(err.Error())
	}
	return &fm, nil
}

// Exists reports whether path has a live entry.
func (s *SQLStore) Exists(path string) bool {
	fm, err := s.Get(path)
	return err == nil && fm != nil
}

// Put atomically upserts meta, honouring opts' preconditions, bumps the
// zone revision and appends to the operation log, all within one
// transaction.
func (s *SQLStore) Put(meta FileMetadata, opts PutOptions) (FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return FileMetadata{}, errtypes.BackendUnavailable(err.Error())
	}
	defer tx.Rollback() //nolint:errcheck

	var existingETag sql.NullString
	var existingVersion uint64
	err = tx.QueryRow(`SELECT etag, version FROM files WHERE path = ?`, meta.Path).Scan(&existingETag, &existingVersion)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return FileMetadata{}, errtypes.BackendUnavailable(err.Error())
	}

	if opts.IfNoneMatch != nil {
		if *opts.IfNoneMatch == "*" && exists {
			return FileMetadata{}, errtypes.PreconditionFailed(meta.Path)
		}
		if *opts.IfNoneMatch != "*" && exists && existingETag.String == *opts.IfNoneMatch {
			return FileMetadata{}, errtypes.PreconditionFailed(meta.Path)
		}
	}
	if opts.IfMatch != nil {
		if !exists || existingETag.String != *opts.IfMatch {
			return FileMetadata{}, errtypes.PreconditionFailed(meta.Path)
		}
	}

	now := time.Now()
	if meta.CreatedAt.IsZero() {
		if exists {
			var createdAt int64
			_ = tx.QueryRow(`SELECT created_at FROM files WHERE path = ?`, meta.Path).Scan(&createdAt)
			meta.CreatedAt = time.Unix(0, createdAt)
		} else {
			meta.CreatedAt = now
		}
	}
	meta.ModifiedAt = now
	meta.Version = 1
	if exists {
		meta.Version = existingVersion + 1
	}

	_, err = tx.Exec(`INSERT INTO files (`+fileColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(path) DO UPDATE SET
			entry_type=excluded.entry_type, backend_name=excluded.backend_name,
			physical_path=excluded.physical_path, size=excluded.size, etag=excluded.etag,
			mime_type=excluded.mime_type, modified_at=excluded.modified_at, version=excluded.version,
			i_links_count=excluded.i_links_count, target_zone_id=excluded.target_zone_id,
			custom_metadata=excluded.custom_metadata`,
		meta.Path, int(meta.EntryType), meta.BackendName, meta.PhysicalPath, meta.Size,
		meta.ETag, meta.MimeType, meta.CreatedAt.UnixNano(), meta.ModifiedAt.UnixNano(), meta.Version,
		meta.ILinksCount, meta.TargetZoneID, marshalCustom(meta.CustomMetadata),
	)
	if err != nil {
		return FileMetadata{}, errtypes.BackendUnavailable(err.Error())
	}

	rev, err := s.bumpRevisionTx(tx)
	if err != nil {
		return FileMetadata{}, err
	}
	if err := s.appendOpLogTx(tx, "WRITE", meta.Path, opts.Actor, rev); err != nil {
		return FileMetadata{}, err
	}

	if err := tx.Commit(); err != nil {
		return FileMetadata{}, errtypes.BackendUnavailable(err.Error())
	}
	s.radixIdx.Insert(meta.Path, struct{}{})
	return meta, nil
}

// Delete removes path's entry and appends a DELETE operation-log entry.
func (s *SQLStore) Delete(path string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound(path)
	}

	rev, err := s.bumpRevisionTx(tx)
	if err != nil {
		return err
	}
	if err := s.appendOpLogTx(tx, "DELETE", path, actor, rev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}
	s.radixIdx.Delete(path)
	return nil
}

// Rename atomically unlinks oldPath and inserts its metadata under
// newPath in a single commit.
func (s *SQLStore) Rename(oldPath, newPath string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(`SELECT `+fileColumns+` FROM files WHERE path = ?`, oldPath)
	fm, err := scanFileMetadata(row)
	if err == sql.ErrNoRows {
		return errtypes.NotFound(oldPath)
	}
	if err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}

	var destExists int
	_ = tx.QueryRow(`SELECT COUNT(1) FROM files WHERE path = ?`, newPath).Scan(&destExists)
	if destExists > 0 {
		return errtypes.PreconditionFailed(newPath)
	}

	if _, err := tx.Exec(`DELETE FROM files WHERE path = ?`, oldPath); err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}
	fm.Path = newPath
	fm.ModifiedAt = time.Now()
	fm.Version++
	_, err = tx.Exec(`INSERT INTO files (`+fileColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		fm.Path, int(fm.EntryType), fm.BackendName, fm.PhysicalPath, fm.Size,
		fm.ETag, fm.MimeType, fm.CreatedAt.UnixNano(), fm.ModifiedAt.UnixNano(), fm.Version,
		fm.ILinksCount, fm.TargetZoneID, marshalCustom(fm.CustomMetadata),
	)
	if err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}

	rev, err := s.bumpRevisionTx(tx)
	if err != nil {
		return err
	}
	if err := s.appendOpLogTx(tx, "RENAME", oldPath+" -> "+newPath, actor, rev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}
	s.radixIdx.Delete(oldPath)
	s.radixIdx.Insert(newPath, struct{}{})
	return nil
}

// List returns a page of entries under prefix. The cursor encodes the
// last-seen path, so pagination stays stable under concurrent mutation.
func (s *SQLStore) List(prefix string, recursive bool, cursor string, limit int) (ListResult, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return ListResult{}, errtypes.Usage("invalid cursor")
	}
	if limit <= 0 {
		limit = 1000
	}

	var paths []string
	s.radixIdx.WalkPrefix(prefix, func(p string, _ interface{}) bool {
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

	result := ListResult{}
	for _, p := range paths {
		fm, err := s.Get(p)
		if err != nil {
			return ListResult{}, err
		}
		if fm != nil {
			result.Entries = append(result.Entries, *fm)
		}
	}
	if truncated && len(paths) > 0 {
		result.NextCursor = EncodeCursor(paths[len(paths)-1])
	}
	return result, nil
}

func (s *SQLStore) bumpRevisionTx(tx *sql.Tx) (uint64, error) {
	if _, err := tx.Exec(`UPDATE zone_revision SET current_revision = current_revision + 1 WHERE zone_id = ?`, s.ZoneID); err != nil {
		return 0, errtypes.BackendUnavailable(err.Error())
	}
	var rev uint64
	if err := tx.QueryRow(`SELECT current_revision FROM zone_revision WHERE zone_id = ?`, s.ZoneID).Scan(&rev); err != nil {
		return 0, errtypes.BackendUnavailable(err.Error())
	}
	return rev, nil
}

// Revision returns the zone's current revision counter.
func (s *SQLStore) Revision() (uint64, error) {
	var rev uint64
	err := s.db.QueryRow(`SELECT current_revision FROM zone_revision WHERE zone_id = ?`, s.ZoneID).Scan(&rev)
	if err != nil {
		return 0, errtypes.BackendUnavailable(err.Error())
	}
	return rev, nil
}

func (s *SQLStore) appendOpLogTx(tx *sql.Tx, opType, path, actor string, revision uint64) error {
	_, err := tx.Exec(`INSERT INTO oplog (zone_id, operation_type, path, actor, revision, timestamp) VALUES (?,?,?,?,?,?)`,
		s.ZoneID, opType, path, actor, revision, time.Now().UnixNano())
	if err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}
	return nil
}

// OperationLog returns entries with sequence > sinceSequence, oldest
// first, bounded by limit.
func (s *SQLStore) OperationLog(sinceSequence uint64, limit int) ([]OperationLogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`SELECT sequence, zone_id, operation_type, path, actor, revision, timestamp
		FROM oplog WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`, sinceSequence, limit)
	if err != nil {
		return nil, errtypes.BackendUnavailable(err.Error())
	}
	defer rows.Close()

	var out []OperationLogEntry
	for rows.Next() {
		var e OperationLogEntry
		var ts int64
		if err := rows.Scan(&e.Sequence, &e.ZoneID, &e.OperationType, &e.Path, &e.Actor, &e.Revision, &ts); err != nil {
			return nil, errtypes.BackendUnavailable(err.Error())
		}
		e.Timestamp = time.Unix(0, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateVersion appends a new, strictly-increasing version for
// resourceID.
func (s *SQLStore) CreateVersion(resourceID, contentHash string, size uint64, author string, sourceType SourceType, rollbackFrom *uint64) (VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return VersionRecord{}, errtypes.BackendUnavailable(err.Error())
	}
	defer tx.Rollback() //nolint:errcheck

	var maxVersion uint64
	_ = tx.QueryRow(`SELECT COALESCE(MAX(version_number), 0) FROM versions WHERE resource_id = ?`, resourceID).Scan(&maxVersion)

	rec := VersionRecord{
		ResourceID:    resourceID,
		VersionNumber: maxVersion + 1,
		ContentHash:   contentHash,
		Size:          size,
		Author:        author,
		CreatedAt:     time.Now(),
		SourceType:    sourceType,
		RollbackFrom:  rollbackFrom,
	}

	var rollbackFromVal interface{}
	if rollbackFrom != nil {
		rollbackFromVal = *rollbackFrom
	}
	_, err = tx.Exec(`INSERT INTO versions (resource_id, version_number, content_hash, size, author, created_at, source_type, rollback_from)
		VALUES (?,?,?,?,?,?,?,?)`,
		rec.ResourceID, rec.VersionNumber, rec.ContentHash, rec.Size, rec.Author, rec.CreatedAt.UnixNano(), int(rec.SourceType), rollbackFromVal)
	if err != nil {
		return VersionRecord{}, errtypes.BackendUnavailable(err.Error())
	}
	if err := tx.Commit(); err != nil {
		return VersionRecord{}, errtypes.BackendUnavailable(err.Error())
	}
	return rec, nil
}

func scanVersion(row interface{ Scan(dest ...interface{}) error }) (VersionRecord, error) {
	var (
		rec          VersionRecord
		sourceType   int
		createdAt    int64
		rollbackFrom sql.NullInt64
	)
	err := row.Scan(&rec.ResourceID, &rec.VersionNumber, &rec.ContentHash, &rec.Size, &rec.Author, &createdAt, &sourceType, &rollbackFrom)
	if err != nil {
		return VersionRecord{}, err
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.SourceType = SourceType(sourceType)
	if rollbackFrom.Valid {
		v := uint64(rollbackFrom.Int64)
		rec.RollbackFrom = &v
	}
	return rec, nil
}

// GetVersion returns the version numbered v of path's resource, or nil if
// absent.
func (s *SQLStore) GetVersion(path string, v uint64) (*VersionRecord, error) {
	row := s.db.QueryRow(`SELECT resource_id, version_number, content_hash, size, author, created_at, source_type, rollback_from
		FROM versions WHERE resource_id = ? AND version_number = ?`, path, v)
	rec, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errtypes.BackendUnavailable(err.Error())
	}
	return &rec, nil
}

// ListVersions returns path's versions in strictly decreasing order.
func (s *SQLStore) ListVersions(path string, cursor string, limit int) ([]VersionRecord, string, error) {
	var before uint64 = ^uint64(0)
	if cursor != "" {
		decoded, err := DecodeCursor(cursor)
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

	rows, err := s.db.Query(`SELECT resource_id, version_number, content_hash, size, author, created_at, source_type, rollback_from
		FROM versions WHERE resource_id = ? AND version_number < ? ORDER BY version_number DESC LIMIT ?`, path, before, limit+1)
	if err != nil {
		return nil, "", errtypes.BackendUnavailable(err.Error())
	}
	defer rows.Close()

	var out []VersionRecord
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			return nil, "", errtypes.BackendUnavailable(err.Error())
		}
		out = append(out, rec)
	}

	nextCursor := ""
	if len(out) > limit {
		nextCursor = EncodeCursor(strconv.FormatUint(out[limit-1].VersionNumber, 10))
		out = out[:limit]
	}
	return out, nextCursor, rows.Err()
}

// DiffVersions compares the metadata of two versions; content-level diff
// is left to callers (they can ReadBlob both hashes themselves).
func (s *SQLStore) DiffVersions(path string, v1, v2 uint64) (VersionDiff, error) {
	a, err := s.GetVersion(path, v1)
	if err != nil {
		return VersionDiff{}, err
	}
	b, err := s.GetVersion(path, v2)
	if err != nil {
		return VersionDiff{}, err
	}
	if a == nil || b == nil {
		return VersionDiff{}, errtypes.NotFound(path)
	}
	return VersionDiff{
		SizeDelta:    int64(b.Size) - int64(a.Size),
		HashChanged:  a.ContentHash != b.ContentHash,
		OldHash:      a.ContentHash,
		NewHash:      b.ContentHash,
		OldTimestamp: a.CreatedAt,
		NewTimestamp: b.CreatedAt,
	}, nil
}

// CountReferences satisfies cas.HashCounter: live reference counts per
// content hash, derived from the files table's etag column.
func (s *SQLStore) CountReferences() (map[string]uint64, error) {
	rows, err := s.db.Query(`SELECT etag, COUNT(1) FROM files WHERE entry_type = ? AND etag != '' GROUP BY etag`, int(REG))
	if err != nil {
		return nil, errtypes.BackendUnavailable(err.Error())
	}
	defer rows.Close()

	out := map[string]uint64{}
	for rows.Next() {
		var hash string
		var count uint64
		if err := rows.Scan(&hash, &count); err != nil {
			return nil, errtypes.BackendUnavailable(err.Error())
		}
		out[hash] = count
	}
	return out, rows.Err()
}
