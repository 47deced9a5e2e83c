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

// Package kernel composes the CAS (L1), metadata (L2), zone (L3), ReBAC
// (L5), Leopard (L6), Tiger (L7) and permission-boundary (L8) layers into
// the externally-exposed filesystem surface named in spec §4.6.
package kernel

import (
	"context"
	stdpath "path"
	"sync"

	"github.com/nexusfs/core/pkg/cas"
	"github.com/nexusfs/core/pkg/ctx"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/mime"
	"github.com/nexusfs/core/pkg/rebac"
	"github.com/nexusfs/core/pkg/rebac/boundary"
	"github.com/nexusfs/core/pkg/rebac/tiger"
	"github.com/nexusfs/core/pkg/resiliency"
	"github.com/nexusfs/core/pkg/zone"
)

var logger = log.New("kernel")

func init() {
	_ = log.Enable("kernel")
}

// ChangeEvent is emitted after a mutation commits, for read-set tracking
// and cache invalidation by subscribers (spec §4.6 step 7).
type ChangeEvent struct {
	ZoneID    string
	Path      string
	Revision  uint64
	Operation string
}

// Kernel is the composed filesystem surface. It holds no per-zone state
// itself: zones are resolved through Zones on every call, so a Kernel can
// serve any number of zones registered with the same zone.Manager.
type Kernel struct {
	CAS        *cas.Store
	Zones      *zone.Resolver
	Evaluator  *rebac.Evaluator
	Tiger      *tiger.Cache
	Boundary   *boundary.Cache
	Resiliency *resiliency.Manager

	// AllowAdminBypass lets an OperationContext with IsAdmin() true skip
	// permission checks entirely, per spec §4.6 step 3.
	AllowAdminBypass bool

	// StaleThreshold is forwarded to every Tiger.Get call made while
	// listing; see pkg/rebac/tiger's stale-read policy.
	StaleThreshold uint64

	mu        sync.Mutex
	listeners []func(ChangeEvent)
}

// New returns a Kernel composing the given layers. tigerCache, boundaryCache
// and resiliencyMgr may be nil; the kernel degrades to skipping that
// optimisation (always falling back to a full evaluator Check) when nil.
func New(casStore *cas.Store, resolver *zone.Resolver, evaluator *rebac.Evaluator, tigerCache *tiger.Cache, boundaryCache *boundary.Cache, resiliencyMgr *resiliency.Manager) *Kernel {
	return &Kernel{
		CAS:            casStore,
		Zones:          resolver,
		Evaluator:      evaluator,
		Tiger:          tigerCache,
		Boundary:       boundaryCache,
		Resiliency:     resiliencyMgr,
		StaleThreshold: 5,
	}
}

// OnChange registers fn to be called, synchronously, after every
// committed mutation.
func (k *Kernel) OnChange(fn func(ChangeEvent)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.listeners = append(k.listeners, fn)
}

func (k *Kernel) emit(ev ChangeEvent) {
	k.mu.Lock()
	listeners := append([]func(ChangeEvent){}, k.listeners...)
	k.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// resolve canonicalises path (spec §4.6 step 1: collapse "." / ".."
// components and duplicate slashes before any zone lookup) and resolves
// it against the zone/mount table.
func (k *Kernel) resolve(path string) (zone.ResolvedPath, error) {
	return k.Zones.Resolve(canonicalize(path))
}

// canonicalize makes path absolute-and-clean without disturbing a
// significant trailing slash (directory operations like Rmdir rely on
// withTrailingSlash to reconstruct one; Clean alone would strip it).
func canonicalize(path string) string {
	hadTrailingSlash := len(path) > 1 && path[len(path)-1] == '/'
	if !stdpath.IsAbs(path) {
		path = "/" + path
	}
	cleaned := stdpath.Clean(path)
	if hadTrailingSlash && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// checkPermission enforces permission on the object at resolved, for the
// subject carried by oc. Admins bypass entirely when AllowAdminBypass is
// set. Otherwise the boundary cache is consulted first: a hit means some
// ancestor (or the path itself) was explicitly granted before, so the
// check is skipped; a miss falls through to the evaluator, caching an
// exact-path hit on success so repeat checks on the same path are free.
func (k *Kernel) checkPermission(oc ctx.OperationContext, resolved zone.ResolvedPath, permission string) error {
	if k.AllowAdminBypass && oc.IsAdmin() {
		return nil
	}

	subjectType, subjectID := oc.Entity()
	if k.Boundary != nil {
		if _, ok := k.Boundary.GetBoundary(resolved.ZoneID, subjectType, subjectID, permission, resolved.Path); ok {
			return nil
		}
	}

	subject := rebac.Entity{Type: subjectType, ID: subjectID}
	object := rebac.Entity{Type: "file", ID: resolved.Path}
	allowed, err := k.Evaluator.Check(subject, permission, object, resolved.ZoneID)
	if err != nil {
		return err
	}
	if !allowed {
		return errtypes.PermissionDenied(resolved.Path)
	}
	if k.Boundary != nil {
		k.Boundary.SetBoundary(resolved.ZoneID, subjectType, subjectID, permission, resolved.Path, resolved.Path)
	}
	return nil
}

// Read returns the content at path for oc, and its metadata when
// returnMetadata is set.
func (k *Kernel) Read(ctxg context.Context, path string, oc ctx.OperationContext, returnMetadata bool) ([]byte, *metadata.FileMetadata, error) {
	resolved, err := k.resolve(path)
	if err != nil {
		return nil, nil, err
	}
	if err := k.checkPermission(oc, resolved, "read"); err != nil {
		return nil, nil, err
	}

	meta, err := resolved.Store.Get(resolved.Path)
	if err != nil {
		return nil, nil, err
	}
	if meta == nil {
		return nil, nil, errtypes.NotFound(path)
	}
	if meta.EntryType != metadata.REG {
		return nil, nil, errtypes.NotSupported("read on non-regular entry: " + path)
	}

	content, err := k.readBlob(ctxg, meta.ETag)
	if err != nil {
		return nil, nil, err
	}
	if returnMetadata {
		return content, meta, nil
	}
	return content, nil, nil
}

func (k *Kernel) readBlob(ctxg context.Context, hash string) ([]byte, error) {
	if k.Resiliency == nil {
		return k.CAS.ReadBlob(ctxg, hash, true)
	}
	var content []byte
	err := k.Resiliency.Execute(ctxg, "cas", func(inner context.Context) error {
		b, err := k.CAS.ReadBlob(inner, hash, true)
		if err != nil {
			return err
		}
		content = b
		return nil
	})
	return content, err
}

// Write stores data at path for oc, honouring opts' optimistic-concurrency
// preconditions, and returns the resulting FileMetadata.
func (k *Kernel) Write(ctxg context.Context, path string, data []byte, oc ctx.OperationContext, opts metadata.PutOptions) (metadata.FileMetadata, error) {
	resolved, err := k.resolve(path)
	if err != nil {
		return metadata.FileMetadata{}, err
	}
	if err := k.checkPermission(oc, resolved, "write"); err != nil {
		return metadata.FileMetadata{}, err
	}

	hash := cas.HashContent(data)
	if _, err := k.CAS.Store(hash, data, nil); err != nil {
		return metadata.FileMetadata{}, err
	}

	existing, err := resolved.Store.Get(resolved.Path)
	if err != nil {
		return metadata.FileMetadata{}, err
	}

	opts.Actor = oc.SubjectID()
	newMeta := metadata.FileMetadata{
		Path:      resolved.Path,
		EntryType: metadata.REG,
		Size:      uint64(len(data)),
		ETag:      hash,
		MimeType:  mime.Detect(false, resolved.Path),
	}
	saved, err := resolved.Store.Put(newMeta, opts)
	if err != nil {
		// Store bumped the blob's ref_count above; the metadata write was
		// rejected, so Release undoes that bump.
		_, _ = k.CAS.Release(hash)
		return metadata.FileMetadata{}, err
	}

	rev, err := resolved.Store.Revision()
	if err != nil {
		return metadata.FileMetadata{}, err
	}

	var rollbackFrom *uint64
	_, err = resolved.Store.CreateVersion(resolved.Path, hash, saved.Size, opts.Actor, metadata.SourceUpdate, rollbackFrom)
	if err != nil {
		return metadata.FileMetadata{}, err
	}

	if existing != nil && existing.ETag != "" && existing.ETag != hash {
		if _, err := k.CAS.Release(existing.ETag); err != nil {
			logger.Error(ctxg, err)
		}
	}

	k.emit(ChangeEvent{ZoneID: resolved.ZoneID, Path: resolved.Path, Revision: rev, Operation: "write"})
	return saved, nil
}

// Delete removes path for oc, releasing its content hash.
func (k *Kernel) Delete(ctxg context.Context, path string, oc ctx.OperationContext) error {
	resolved, err := k.resolve(path)
	if err != nil {
		return err
	}
	if err := k.checkPermission(oc, resolved, "write"); err != nil {
		return err
	}

	meta, err := resolved.Store.Get(resolved.Path)
	if err != nil {
		return err
	}
	if meta == nil {
		return errtypes.NotFound(path)
	}

	if err := resolved.Store.Delete(resolved.Path, oc.SubjectID()); err != nil {
		return err
	}
	if meta.EntryType == metadata.REG && meta.ETag != "" {
		if _, err := k.CAS.Release(meta.ETag); err != nil {
			logger.Error(ctxg, err)
		}
	}

	rev, _ := resolved.Store.Revision()
	k.emit(ChangeEvent{ZoneID: resolved.ZoneID, Path: resolved.Path, Revision: rev, Operation: "delete"})
	return nil
}

// Rename moves oldPath to newPath. Within one zone it is atomic in the
// metadata store; across a mount boundary it degrades to copy-then-delete,
// which is not atomic and is documented as best-effort (spec §4.6).
func (k *Kernel) Rename(ctxg context.Context, oldPath, newPath string, oc ctx.OperationContext) error {
	oldResolved, err := k.resolve(oldPath)
	if err != nil {
		return err
	}
	newResolved, err := k.resolve(newPath)
	if err != nil {
		return err
	}
	if err := k.checkPermission(oc, oldResolved, "write"); err != nil {
		return err
	}
	if err := k.checkPermission(oc, newResolved, "write"); err != nil {
		return err
	}

	if oldResolved.ZoneID == newResolved.ZoneID {
		if err := oldResolved.Store.Rename(oldResolved.Path, newResolved.Path, oc.SubjectID()); err != nil {
			return err
		}
		rev, _ := oldResolved.Store.Revision()
		k.emit(ChangeEvent{ZoneID: oldResolved.ZoneID, Path: newResolved.Path, Revision: rev, Operation: "rename"})
		return nil
	}

	data, meta, err := k.Read(ctxg, oldPath, oc, true)
	if err != nil {
		return err
	}
	if _, err := k.Write(ctxg, newPath, data, oc, metadata.PutOptions{}); err != nil {
		return err
	}
	_ = meta
	return k.Delete(ctxg, oldPath, oc)
}

// Copy duplicates the content at srcPath to dstPath, sharing the content
// hash (no blob copy), and bumping its ref count once.
func (k *Kernel) Copy(ctxg context.Context, srcPath, dstPath string, oc ctx.OperationContext) error {
	data, _, err := k.Read(ctxg, srcPath, oc, false)
	if err != nil {
		return err
	}
	_, err = k.Write(ctxg, dstPath, data, oc, metadata.PutOptions{})
	return err
}

// Mkdir creates path as a directory entry. If parents is set, missing
// ancestors are created idempotently; otherwise a missing parent fails
// with errtypes.NotFound. If existOk is unset, an existing entry at path
// fails with errtypes.AlreadyExists.
func (k *Kernel) Mkdir(path string, oc ctx.OperationContext, parents, existOk bool) error {
	resolved, err := k.resolve(path)
	if err != nil {
		return err
	}
	if err := k.checkPermission(oc, resolved, "write"); err != nil {
		return err
	}

	existing, err := resolved.Store.Get(resolved.Path)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.EntryType == metadata.DIR && existOk {
			return nil
		}
		return errtypes.AlreadyExists(path)
	}

	if parents {
		parent := parentOf(resolved.Path)
		for parent != "/" && parent != "" {
			parentResolved, err := k.resolve(parent)
			if err != nil {
				return err
			}
			pm, err := parentResolved.Store.Get(parentResolved.Path)
			if err != nil {
				return err
			}
			if pm != nil {
				break
			}
			if _, err := parentResolved.Store.Put(metadata.FileMetadata{Path: parentResolved.Path, EntryType: metadata.DIR}, metadata.PutOptions{Actor: oc.SubjectID()}); err != nil {
				return err
			}
			parent = parentOf(parent)
		}
	} else {
		parent := parentOf(resolved.Path)
		if parent != "/" {
			pm, err := resolved.Store.Get(parent)
			if err != nil {
				return err
			}
			if pm == nil {
				return errtypes.NotFound(parent)
			}
		}
	}

	if _, err := resolved.Store.Put(metadata.FileMetadata{Path: resolved.Path, EntryType: metadata.DIR}, metadata.PutOptions{Actor: oc.SubjectID()}); err != nil {
		return err
	}
	rev, _ := resolved.Store.Revision()
	k.emit(ChangeEvent{ZoneID: resolved.ZoneID, Path: resolved.Path, Revision: rev, Operation: "mkdir"})
	return nil
}

// Rmdir removes the directory at path. Without recursive, a non-empty
// directory fails with errtypes.PreconditionFailed; with recursive, every
// descendant is deleted and its content hash released.
func (k *Kernel) Rmdir(ctxg context.Context, path string, oc ctx.OperationContext, recursive bool) error {
	resolved, err := k.resolve(path)
	if err != nil {
		return err
	}
	if err := k.checkPermission(oc, resolved, "write"); err != nil {
		return err
	}

	meta, err := resolved.Store.Get(resolved.Path)
	if err != nil {
		return err
	}
	if meta == nil {
		return errtypes.NotFound(path)
	}
	if meta.EntryType != metadata.DIR {
		return errtypes.NotSupported("rmdir on non-directory: " + path)
	}

	children, err := resolved.Store.List(withTrailingSlash(resolved.Path), true, "", 0)
	if err != nil {
		return err
	}
	if len(children.Entries) > 0 && !recursive {
		return errtypes.PreconditionFailed(path)
	}

	for _, child := range children.Entries {
		if err := resolved.Store.Delete(child.Path, oc.SubjectID()); err != nil {
			return err
		}
		if child.EntryType == metadata.REG && child.ETag != "" {
			if _, err := k.CAS.Release(child.ETag); err != nil {
				logger.Error(ctxg, err)
			}
		}
	}
	if err := resolved.Store.Delete(resolved.Path, oc.SubjectID()); err != nil {
		return err
	}

	rev, _ := resolved.Store.Revision()
	k.emit(ChangeEvent{ZoneID: resolved.ZoneID, Path: resolved.Path, Revision: rev, Operation: "rmdir"})
	return nil
}

// Exists reports whether path has a live entry, without erroring on a
// missing entry the way Read/GetMetadata do.
func (k *Kernel) Exists(path string, oc ctx.OperationContext) (bool, error) {
	resolved, err := k.resolve(path)
	if err != nil {
		return false, err
	}
	if err := k.checkPermission(oc, resolved, "read"); err != nil {
		return false, err
	}
	return resolved.Store.Exists(resolved.Path), nil
}

// GetMetadata returns path's FileMetadata.
func (k *Kernel) GetMetadata(path string, oc ctx.OperationContext) (*metadata.FileMetadata, error) {
	resolved, err := k.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := k.checkPermission(oc, resolved, "read"); err != nil {
		return nil, err
	}
	meta, err := resolved.Store.Get(resolved.Path)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errtypes.NotFound(path)
	}
	return meta, nil
}

// IsDirectory reports whether path is a directory entry.
func (k *Kernel) IsDirectory(path string, oc ctx.OperationContext) (bool, error) {
	meta, err := k.GetMetadata(path, oc)
	if err != nil {
		return false, err
	}
	return meta.EntryType == metadata.DIR, nil
}

func parentOf(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	trimmed := path
	for len(trimmed) > 1 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	idx := -1
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] == '/' {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx]
}

func withTrailingSlash(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}
