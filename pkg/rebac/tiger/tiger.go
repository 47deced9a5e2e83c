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

// Package tiger pre-materialises, per (subject, permission, resource_type,
// zone), a Roaring Bitmap of permitted resource integer IDs (spec §4.5.4).
// A bluele/gcache LRU sits in front of the bitmap table for hot lookups;
// the resource-id mapping is a simple monotonic counter per zone.
package tiger

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bluele/gcache"

	"github.com/nexusfs/core/pkg/errtypes"
)

// ResourceKey identifies one resource within a zone.
type ResourceKey struct {
	ZoneID       string
	ResourceType string
	ResourceID   string
}

// ResourceMap assigns a stable uint32 to every (zone, resource_type,
// resource_id) triple, monotonically per zone, so resources can live
// inside a Roaring Bitmap.
type ResourceMap struct {
	mu      sync.RWMutex
	toInt   map[ResourceKey]uint32
	toKey   map[string]map[uint32]ResourceKey // zone -> int -> key
	nextInt map[string]uint32                 // zone -> next free int
}

// NewResourceMap returns an empty ResourceMap.
func NewResourceMap() *ResourceMap {
	return &ResourceMap{
		toInt:   map[ResourceKey]uint32{},
		toKey:   map[string]map[uint32]ResourceKey{},
		nextInt: map[string]uint32{},
	}
}

// IntID returns the uint32 ID for key, allocating one if this is the
// first time the resource has been seen.
func (m *ResourceMap) IntID(key ResourceKey) uint32 {
	m.mu.RLock()
	if id, ok := m.toInt[key]; ok {
		m.mu.RUnlock()
		return id
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.toInt[key]; ok {
		return id
	}
	id := m.nextInt[key.ZoneID]
	m.nextInt[key.ZoneID] = id + 1
	m.toInt[key] = id
	if m.toKey[key.ZoneID] == nil {
		m.toKey[key.ZoneID] = map[uint32]ResourceKey{}
	}
	m.toKey[key.ZoneID][id] = key
	return id
}

// Lookup reverses IntID within a zone.
func (m *ResourceMap) Lookup(zoneID string, id uint32) (ResourceKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.toKey[zoneID][id]
	return key, ok
}

// cacheEntryKey identifies one materialised bitmap.
type cacheEntryKey struct {
	Subject      string
	Permission   string
	ResourceType string
	ZoneID       string
}

type entry struct {
	bitmap   *roaring.Bitmap
	revision uint64
}

// Cache is the materialised-bitmap store with an LRU front.
type Cache struct {
	gc gcache.Cache

	resources *ResourceMap

	mu              sync.Mutex
	staleThreshold  uint64
	directoryGrants map[string]*DirectoryGrant // grant_id -> grant
	nextGrantID     uint64
}

// NewCache returns a Cache fronting up to maxEntries materialised
// bitmaps with an LRU eviction policy, treating a bitmap more than
// staleThreshold revisions behind the zone's current revision as stale.
func NewCache(maxEntries int, staleThreshold uint64) *Cache {
	return &Cache{
		gc:              gcache.New(maxEntries).LRU().Build(),
		resources:       NewResourceMap(),
		staleThreshold:  staleThreshold,
		directoryGrants: map[string]*DirectoryGrant{},
	}
}

// Resources exposes the underlying resource-id map, e.g. for the kernel
// to translate a candidate path list into int IDs before intersecting.
func (c *Cache) Resources() *ResourceMap { return c.resources }

// Get returns the cached bitmap for (subject, permission, resourceType,
// zone) along with whether its revision is fresh relative to
// zoneRevision (revision >= zoneRevision - staleThreshold). A cache miss
// returns (nil, false, false).
func (c *Cache) Get(subject, permission, resourceType, zoneID string, zoneRevision uint64) (*roaring.Bitmap, bool, bool) {
	key := cacheEntryKey{Subject: subject, Permission: permission, ResourceType: resourceType, ZoneID: zoneID}
	v, err := c.gc.Get(key)
	if err != nil {
		return nil, false, false
	}
	e := v.(*entry)
	fresh := e.revision+c.staleThreshold >= zoneRevision
	return e.bitmap, true, fresh
}

// Set stores bitmap for (subject, permission, resourceType, zone) at the
// given revision, replacing any prior entry.
func (c *Cache) Set(subject, permission, resourceType, zoneID string, bitmap *roaring.Bitmap, revision uint64) {
	key := cacheEntryKey{Subject: subject, Permission: permission, ResourceType: resourceType, ZoneID: zoneID}
	_ = c.gc.Set(key, &entry{bitmap: bitmap, revision: revision})
}

// Grant write-through-adds resourceID to the bitmap cached for
// (subject, permission, resourceType, zone), bumping its revision. A
// cache miss is a no-op — the next Get will materialise fresh from the
// ReBAC evaluator and pick the grant up naturally.
func (c *Cache) Grant(subject, permission, resourceType string, resource ResourceKey, revision uint64) {
	key := cacheEntryKey{Subject: subject, Permission: permission, ResourceType: resourceType, ZoneID: resource.ZoneID}
	v, err := c.gc.Get(key)
	if err != nil {
		return
	}
	e := v.(*entry)
	e.bitmap.Add(c.resources.IntID(resource))
	e.revision = revision
}

// Revoke write-through-removes resourceID from the cached bitmap, if
// present, bumping its revision.
func (c *Cache) Revoke(subject, permission, resourceType string, resource ResourceKey, revision uint64) {
	key := cacheEntryKey{Subject: subject, Permission: permission, ResourceType: resourceType, ZoneID: resource.ZoneID}
	v, err := c.gc.Get(key)
	if err != nil {
		return
	}
	e := v.(*entry)
	e.bitmap.Remove(c.resources.IntID(resource))
	e.revision = revision
}

// Invalidate drops the cached bitmap entirely, forcing the next lookup
// to rematerialise.
func (c *Cache) Invalidate(subject, permission, resourceType, zoneID string) {
	key := cacheEntryKey{Subject: subject, Permission: permission, ResourceType: resourceType, ZoneID: zoneID}
	c.gc.Remove(key)
}

// DirectoryGrant tracks an in-flight directory-level grant ("include
// future files") whose expansion into per-resource bitmap entries may
// be large enough to run asynchronously, per spec §4.5.4's write path.
type DirectoryGrant struct {
	ID            string
	Subject       string
	Permission    string
	DirectoryPath string
	ZoneID        string
	IncludeFuture bool
	Status        ExpansionStatus
	ExpandedCount int
	TotalCount    int
}

// ExpansionStatus is the lifecycle of a DirectoryGrant's asynchronous
// expansion into individual bitmap entries.
type ExpansionStatus string

const (
	ExpansionPending    ExpansionStatus = "pending"
	ExpansionInProgress ExpansionStatus = "in_progress"
	ExpansionCompleted  ExpansionStatus = "completed"
	ExpansionFailed     ExpansionStatus = "failed"
)

// QueueDirectoryGrant records a pending directory-level grant and
// returns its tracking ID; ExpandDirectoryGrant later walks it to
// completion.
func (c *Cache) QueueDirectoryGrant(subject, permission, directoryPath, zoneID string, includeFuture bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextGrantID++
	id := cacheEntryKey{Subject: subject, Permission: permission, ResourceType: "directory", ZoneID: zoneID}.string() + "#" + directoryPath
	c.directoryGrants[id] = &DirectoryGrant{
		ID:            id,
		Subject:       subject,
		Permission:    permission,
		DirectoryPath: directoryPath,
		ZoneID:        zoneID,
		IncludeFuture: includeFuture,
		Status:        ExpansionPending,
	}
	return id
}

func (k cacheEntryKey) string() string {
	return k.ZoneID + "|" + k.Subject + "|" + k.Permission + "|" + k.ResourceType
}

// ExpandDirectoryGrant applies resourceIDs to the grant's cached bitmap
// (materialising one if absent) and marks it completed. Intended to run
// off the request path once a directory listing has been walked.
func (c *Cache) ExpandDirectoryGrant(grantID string, resourceType string, resources []ResourceKey) error {
	c.mu.Lock()
	grant, ok := c.directoryGrants[grantID]
	if !ok {
		c.mu.Unlock()
		return errtypes.NotFound(grantID)
	}
	grant.Status = ExpansionInProgress
	grant.TotalCount = len(resources)
	c.mu.Unlock()

	key := cacheEntryKey{Subject: grant.Subject, Permission: grant.Permission, ResourceType: resourceType, ZoneID: grant.ZoneID}
	var bitmap *roaring.Bitmap
	if v, err := c.gc.Get(key); err == nil {
		bitmap = v.(*entry).bitmap
	} else {
		bitmap = roaring.New()
		_ = c.gc.Set(key, &entry{bitmap: bitmap})
	}
	for _, r := range resources {
		bitmap.Add(c.resources.IntID(r))
	}

	c.mu.Lock()
	grant.ExpandedCount = len(resources)
	grant.Status = ExpansionCompleted
	c.mu.Unlock()
	return nil
}

// GrantStatus returns the current expansion status of a queued
// directory grant.
func (c *Cache) GrantStatus(grantID string) (*DirectoryGrant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	grant, ok := c.directoryGrants[grantID]
	if !ok {
		return nil, errtypes.NotFound(grantID)
	}
	cp := *grant
	return &cp, nil
}
