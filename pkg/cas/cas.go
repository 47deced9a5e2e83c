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

// Package cas implements the content-addressable blob store described in
// spec §4.1: lock-free idempotent blob writes, striped-lock reference
// counting and durable fsync discipline.
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	orderedmap "github.com/wk8/go-ordered-map"

	"github.com/nexusfs/core/pkg/errors"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/log"
)

var logger = log.New("cas")

func init() {
	_ = log.Enable("cas")
}

// NumStripes is the default size of the stripe-lock array. It must stay a
// power of two so the hash-to-index mapping is a cheap bitmask.
const NumStripes = 64

// HashContent returns the content-addressing hash of bytes, hex-encoded.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Meta is the sidecar metadata stored beside a blob.
type Meta struct {
	RefCount uint64
	Size     uint64
	Extra    *orderedmap.OrderedMap
}

func newMeta() Meta {
	return Meta{Extra: orderedmap.New()}
}

func (m Meta) incRef() Meta {
	m.RefCount++
	return m
}

func (m Meta) decRef() Meta {
	if m.RefCount > 0 {
		m.RefCount--
	}
	return m
}

func (m Meta) isZero() bool {
	return m.RefCount == 0 && m.Size == 0 && (m.Extra == nil || m.Extra.Len() == 0)
}

// stripeLock is a fixed-size array of mutexes indexed by the last 4 hex
// characters of a content hash. All coordination lives in process memory
// and never touches disk.
type stripeLock struct {
	locks [NumStripes]chan struct{}
}

func newStripeLock() *stripeLock {
	sl := &stripeLock{}
	for i := range sl.locks {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		sl.locks[i] = ch
	}
	return sl
}

func (sl *stripeLock) indexFor(hash string) int {
	tail := hash
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	n, err := parseHex(tail)
	if err != nil {
		n = 0
	}
	return int(n) % len(sl.locks)
}

func (sl *stripeLock) acquire(hash string) func() {
	ch := sl.locks[sl.indexFor(hash)]
	<-ch
	return func() { ch <- struct{}{} }
}

func parseHex(s string) (uint64, error) {
	var n uint64
	for _, c := range s {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			n |= uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			n |= uint64(c-'A') + 10
		default:
			return 0, errtypes.Usage("invalid hex digit")
		}
	}
	return n, nil
}

// Store is the CAS engine. It writes blobs idempotently under
// cas/<hash[0:2]>/<hash[2:4]>/<hash>, with a `.meta` sidecar tracking
// ref_count, and coordinates ref_count updates with an in-process
// stripe lock rather than a disk-based lock.
type Store struct {
	Root        string
	FsyncBlobs  bool
	metaLocks   *stripeLock
}

// New returns a Store rooted at root (conventionally <data_dir>/cas).
func New(root string, fsyncBlobs bool) *Store {
	return &Store{Root: root, FsyncBlobs: fsyncBlobs, metaLocks: newStripeLock()}
}

// HashToPath returns the on-disk path for a blob's content hash.
func (s *Store) HashToPath(hash string) string {
	return filepath.Join(s.Root, hash[0:2], hash[2:4], hash)
}

// MetaPath returns the `.meta` sidecar path for a content hash.
func (s *Store) MetaPath(hash string) string {
	return s.HashToPath(hash) + ".meta"
}

// MetaLock acquires the stripe lock for hash and returns a function that
// releases it. Callers composing higher-level metadata (chunked manifests)
// use this to serialise ref-count updates around their own work.
func (s *Store) MetaLock(hash string) func() {
	return s.metaLocks.acquire(hash)
}

// WriteBlob writes content to the blob path for hash, idempotently. If the
// destination already exists it returns false without writing. The write
// goes through a temp file in the same directory and an atomic rename;
// fsync runs on the temp file first when FsyncBlobs is set, so a crash
// mid-write never leaves a partially-written blob visible at the final
// path.
func (s *Store) WriteBlob(hash string, content []byte) (bool, error) {
	dst := s.HashToPath(hash)
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, errtypes.BackendUnavailable(err.Error())
	}

	var writeErr error
	if s.FsyncBlobs {
		// renameio.WriteFile fsyncs the temp file before the atomic
		// rename, giving write_blob its durability guarantee.
		writeErr = renameio.WriteFile(dst, content, 0o644)
	} else {
		writeErr = writeFileNoFsync(dst, content)
	}
	if writeErr != nil {
		// The loser of a concurrent write_blob race observes the file
		// created by the winner and treats the rename as a success.
		if _, statErr := os.Stat(dst); statErr == nil {
			return false, nil
		}
		return false, errtypes.BackendUnavailable(writeErr.Error())
	}
	return true, nil
}

// writeFileNoFsync writes data to path via a temp file in the same
// directory and an atomic rename, skipping fsync — used when the caller
// has explicitly opted out of fsync'ing blob writes (e.g. high-throughput
// ingestion on battery-backed storage).
func writeFileNoFsync(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "error creating temp file for %s", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "error writing temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "error closing temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "error renaming temp file into %s", path)
	}
	return nil
}

// ReadBlob reads the content for hash with bounded retries on transient
// I/O errors. If verify is set, the content hash is recomputed and
// mismatches fail with errtypes.InvariantViolated.
func (s *Store) ReadBlob(ctx context.Context, hash string, verify bool) ([]byte, error) {
	path := s.HashToPath(hash)

	var content []byte
	err := retry(ctx, 3, 10*time.Millisecond, func() error {
		b, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		content = b
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.NotFound(hash)
		}
		return nil, errtypes.BackendUnavailable(err.Error())
	}

	if verify {
		if actual := HashContent(content); actual != hash {
			return nil, errtypes.InvariantViolated("content hash mismatch: expected " + hash + ", got " + actual)
		}
	}
	return content, nil
}

// BlobExists reports whether a blob exists on disk for hash.
func (s *Store) BlobExists(hash string) bool {
	_, err := os.Stat(s.HashToPath(hash))
	return err == nil
}

// ReadMeta reads the sidecar for hash with retry, returning a zeroed Meta
// when the sidecar is absent so Store can initialise it atomically inside
// the stripe lock.
func (s *Store) ReadMeta(hash string) (Meta, error) {
	path := s.MetaPath(hash)

	var meta Meta
	err := retry(context.Background(), 10, time.Millisecond, func() error {
		b, readErr := os.ReadFile(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				meta = newMeta()
				return nil
			}
			return readErr
		}
		m, decErr := decodeMeta(b)
		if decErr != nil {
			return decErr
		}
		meta = m
		return nil
	})
	if err != nil {
		return Meta{}, errtypes.BackendUnavailable(err.Error())
	}
	return meta, nil
}

// writeMeta atomically writes meta for hash via temp file + rename.
// Sidecars are never fsynced: they are reconstructible from the metadata
// store's reference graph.
func (s *Store) writeMeta(hash string, meta Meta) error {
	path := s.MetaPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}
	b, err := encodeMeta(meta)
	if err != nil {
		return errtypes.InvariantViolated(err.Error())
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errtypes.BackendUnavailable(err.Error())
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errtypes.BackendUnavailable(err.Error())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errtypes.BackendUnavailable(err.Error())
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errtypes.BackendUnavailable(err.Error())
	}
	return nil
}

// Store writes the blob (idempotently) then, under the hash's stripe
// lock, increments ref_count in the sidecar. It returns true iff
// ref_count became 1 (i.e. this call created the logical entry).
func (s *Store) Store(hash string, content []byte, extra map[string]interface{}) (bool, error) {
	if _, err := s.WriteBlob(hash, content); err != nil {
		return false, err
	}

	unlock := s.MetaLock(hash)
	defer unlock()

	meta, err := s.ReadMeta(hash)
	if err != nil {
		return false, err
	}
	if meta.isZero() {
		meta = newMeta()
		meta.Size = uint64(len(content))
		for k, v := range extra {
			meta.Extra.Set(k, v)
		}
		meta.RefCount = 1
	} else {
		meta = meta.incRef()
	}
	if err := s.writeMeta(hash, meta); err != nil {
		return false, err
	}
	return meta.RefCount == 1, nil
}

// Release decrements ref_count under the stripe lock; when it reaches
// zero the blob and sidecar are unlinked (not-found errors suppressed)
// and now-empty ancestor directories are pruned up to Root. Returns true
// iff the blob was deleted.
func (s *Store) Release(hash string) (bool, error) {
	unlock := s.MetaLock(hash)
	defer unlock()

	meta, err := s.ReadMeta(hash)
	if err != nil {
		return false, err
	}

	if meta.RefCount <= 1 {
		blobPath := s.HashToPath(hash)
		metaPath := s.MetaPath(hash)
		if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
			return false, errtypes.BackendUnavailable(err.Error())
		}
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			return false, errtypes.BackendUnavailable(err.Error())
		}
		s.cleanupEmptyDirs(filepath.Dir(blobPath))
		return true, nil
	}

	return false, s.writeMeta(hash, meta.decRef())
}

// cleanupEmptyDirs removes empty parent directories from dir up to Root.
func (s *Store) cleanupEmptyDirs(dir string) {
	root := filepath.Clean(s.Root)
	current := filepath.Clean(dir)
	for current != root && len(current) >= len(root) {
		entries, err := os.ReadDir(current)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(current); err != nil {
			return
		}
		current = filepath.Dir(current)
	}
}

// retry calls fn with exponential backoff and jitter, bounded by
// maxAttempts, honouring ctx cancellation between attempts.
func retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if os.IsNotExist(lastErr) {
			// Absence is not a transient error worth retrying.
			return lastErr
		}
		if attempt < maxAttempts-1 {
			jitter := time.Duration(rand.Int63n(int64(baseDelay) + 1))
			delay := baseDelay*time.Duration(1<<uint(attempt)) + jitter
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	logger.Error(ctx, lastErr)
	return lastErr
}
