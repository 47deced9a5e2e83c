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

package kernel

import (
	"context"

	"github.com/nexusfs/core/pkg/ctx"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/metadata"
)

// ListVersions returns path's version history, newest cursor semantics
// matching metadata.Store.ListVersions.
func (k *Kernel) ListVersions(path string, oc ctx.OperationContext, cursor string, limit int) ([]metadata.VersionRecord, string, error) {
	resolved, err := k.resolve(path)
	if err != nil {
		return nil, "", err
	}
	if err := k.checkPermission(oc, resolved, "read"); err != nil {
		return nil, "", err
	}
	return resolved.Store.ListVersions(resolved.Path, cursor, limit)
}

// GetVersion returns one specific version record for path.
func (k *Kernel) GetVersion(path string, oc ctx.OperationContext, version uint64) (*metadata.VersionRecord, error) {
	resolved, err := k.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := k.checkPermission(oc, resolved, "read"); err != nil {
		return nil, err
	}
	v, err := resolved.Store.GetVersion(resolved.Path, version)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errtypes.NotFound(path)
	}
	return v, nil
}

// DiffVersions compares two versions of path.
func (k *Kernel) DiffVersions(path string, oc ctx.OperationContext, v1, v2 uint64) (metadata.VersionDiff, error) {
	resolved, err := k.resolve(path)
	if err != nil {
		return metadata.VersionDiff{}, err
	}
	if err := k.checkPermission(oc, resolved, "read"); err != nil {
		return metadata.VersionDiff{}, err
	}
	return resolved.Store.DiffVersions(resolved.Path, v1, v2)
}

// Rollback restores path's content to version, recording a new version
// entry with SourceType SourceRollback pointing back at it, and releasing
// the content hash that rollback supersedes. The content itself is never
// deleted from CAS by this call beyond the usual ref-count release, since
// the version being rolled back to may still be referenced by history.
func (k *Kernel) Rollback(ctxg context.Context, path string, oc ctx.OperationContext, version uint64) (metadata.FileMetadata, error) {
	resolved, err := k.resolve(path)
	if err != nil {
		return metadata.FileMetadata{}, err
	}
	if err := k.checkPermission(oc, resolved, "write"); err != nil {
		return metadata.FileMetadata{}, err
	}

	target, err := resolved.Store.GetVersion(resolved.Path, version)
	if err != nil {
		return metadata.FileMetadata{}, err
	}
	if target == nil {
		return metadata.FileMetadata{}, errtypes.NotFound(path)
	}

	current, err := resolved.Store.Get(resolved.Path)
	if err != nil {
		return metadata.FileMetadata{}, err
	}
	if current == nil {
		return metadata.FileMetadata{}, errtypes.NotFound(path)
	}

	// Rollback only bumps target.ContentHash's ref_count; it never invents
	// blob content. If the blob was already reclaimed (every live path
	// referencing it was overwritten or deleted), the version is no
	// longer recoverable.
	if !k.CAS.BlobExists(target.ContentHash) {
		return metadata.FileMetadata{}, errtypes.NotFound(target.ContentHash)
	}
	if _, err := k.CAS.Store(target.ContentHash, nil, nil); err != nil {
		return metadata.FileMetadata{}, err
	}

	updated := metadata.FileMetadata{
		Path:      resolved.Path,
		EntryType: metadata.REG,
		Size:      target.Size,
		ETag:      target.ContentHash,
		MimeType:  current.MimeType,
	}
	saved, err := resolved.Store.Put(updated, metadata.PutOptions{Actor: oc.SubjectID()})
	if err != nil {
		return metadata.FileMetadata{}, err
	}

	rolledFrom := version
	if _, err := resolved.Store.CreateVersion(resolved.Path, target.ContentHash, target.Size, oc.SubjectID(), metadata.SourceRollback, &rolledFrom); err != nil {
		return metadata.FileMetadata{}, err
	}

	if current.ETag != "" && current.ETag != target.ContentHash {
		if _, err := k.CAS.Release(current.ETag); err != nil {
			logger.Error(ctxg, err)
		}
	}

	rev, _ := resolved.Store.Revision()
	k.emit(ChangeEvent{ZoneID: resolved.ZoneID, Path: resolved.Path, Revision: rev, Operation: "rollback"})
	return saved, nil
}
