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

// Package boundary caches, per (zone, subject, permission), the nearest
// ancestor path that carried an explicit permission grant, avoiding an
// O(depth) walk through the ReBAC evaluator on every descendant lookup
// (spec §4.5.5).
package boundary

import (
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v2"
)

// Cache is the nearest-ancestor-grant cache.
type Cache struct {
	cache *ttlcache.Cache

	mu            sync.Mutex
	hits, misses  uint64
	sets          uint64
	invalidations uint64
	ancestorHits  uint64
}

// subjectKey identifies one (zone, subject_type, subject_id, permission)
// bucket; each bucket maps a normalised path to its cached boundary.
type subjectKey struct {
	ZoneID      string
	SubjectType string
	SubjectID   string
	Permission  string
}

func (k subjectKey) string() string {
	return k.ZoneID + "\x1f" + k.SubjectType + "\x1f" + k.SubjectID + "\x1f" + k.Permission
}

// NewCache returns a Cache bounding itself to maxSize (zone, subject,
// permission) buckets, each entry expiring after ttl.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	tc := ttlcache.NewCache()
	_ = tc.SetTTL(ttl)
	_ = tc.SetCacheSizeLimit(maxSize)
	tc.SkipTTLExtensionOnHit(true)
	return &Cache{cache: tc}
}

func normalizePath(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	return strings.TrimRight(path, "/")
}

func (c *Cache) bucket(key subjectKey) map[string]string {
	v, err := c.cache.Get(key.string())
	if err != nil {
		return nil
	}
	return v.(map[string]string)
}

// GetBoundary returns the cached boundary for path under (zoneID,
// subjectType, subjectID, permission): either an exact cache hit, or the
// boundary of the nearest cached ancestor. Returns ("", false) on a
// complete miss.
func (c *Cache) GetBoundary(zoneID, subjectType, subjectID, permission, path string) (string, bool) {
	key := subjectKey{ZoneID: zoneID, SubjectType: subjectType, SubjectID: subjectID, Permission: permission}
	normalized := normalizePath(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	boundaries := c.bucket(key)
	if boundaries == nil {
		c.misses++
		return "", false
	}

	if b, ok := boundaries[normalized]; ok {
		c.hits++
		return b, true
	}

	current := normalized
	for current != "/" {
		current = dirname(current)
		if b, ok := boundaries[current]; ok {
			c.hits++
			c.ancestorHits++
			return b, true
		}
	}

	c.misses++
	return "", false
}

func dirname(path string) string {
	trimmed := strings.TrimRight(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx]
}

// SetBoundary records that path's nearest explicit grant lives at
// boundaryPath, for (zoneID, subjectType, subjectID, permission).
func (c *Cache) SetBoundary(zoneID, subjectType, subjectID, permission, path, boundaryPath string) {
	key := subjectKey{ZoneID: zoneID, SubjectType: subjectType, SubjectID: subjectID, Permission: permission}
	normalized := normalizePath(path)
	normalizedBoundary := normalizePath(boundaryPath)

	c.mu.Lock()
	defer c.mu.Unlock()

	boundaries := c.bucket(key)
	if boundaries == nil {
		boundaries = map[string]string{}
	}
	boundaries[normalized] = normalizedBoundary
	_ = c.cache.Set(key.string(), boundaries)
	c.sets++
}

// InvalidateSubject drops every cached boundary for (zoneID,
// subjectType, subjectID) across all permissions, returning the number
// of path mappings removed.
func (c *Cache) InvalidateSubject(zoneID, subjectType, subjectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, k := range c.cache.GetKeys() {
		sk, ok := parseSubjectKey(k)
		if !ok || sk.ZoneID != zoneID || sk.SubjectType != subjectType || sk.SubjectID != subjectID {
			continue
		}
		if boundaries := c.bucket(sk); boundaries != nil {
			count += len(boundaries)
		}
		_ = c.cache.Remove(k)
	}
	c.invalidations += uint64(count)
	return count
}

// InvalidatePathPrefix drops every cached boundary in zoneID whose
// cached path or boundary falls under pathPrefix (as a descendant or an
// exact match), returning the number of mappings removed.
func (c *Cache) InvalidatePathPrefix(zoneID, pathPrefix string) int {
	prefix := normalizePath(pathPrefix)

	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, k := range c.cache.GetKeys() {
		sk, ok := parseSubjectKey(k)
		if !ok || sk.ZoneID != zoneID {
			continue
		}
		boundaries := c.bucket(sk)
		if boundaries == nil {
			continue
		}
		for cachedPath, b := range boundaries {
			if underOrEqual(cachedPath, prefix) || underOrEqual(b, prefix) {
				delete(boundaries, cachedPath)
				count++
			}
		}
		if len(boundaries) == 0 {
			_ = c.cache.Remove(k)
		} else {
			_ = c.cache.Set(k, boundaries)
		}
	}
	c.invalidations += uint64(count)
	return count
}

// InvalidatePermissionChange drops cached boundaries for exactly
// (zoneID, subjectType, subjectID, permission) that fall under or equal
// objectPath, returning the number of mappings removed.
func (c *Cache) InvalidatePermissionChange(zoneID, subjectType, subjectID, permission, objectPath string) int {
	key := subjectKey{ZoneID: zoneID, SubjectType: subjectType, SubjectID: subjectID, Permission: permission}
	prefix := normalizePath(objectPath)

	c.mu.Lock()
	defer c.mu.Unlock()

	boundaries := c.bucket(key)
	if boundaries == nil {
		return 0
	}
	count := 0
	for cachedPath, b := range boundaries {
		if underOrEqual(cachedPath, prefix) || underOrEqual(b, prefix) {
			delete(boundaries, cachedPath)
			count++
		}
	}
	if len(boundaries) == 0 {
		_ = c.cache.Remove(key.string())
	} else {
		_ = c.cache.Set(key.string(), boundaries)
	}
	c.invalidations += uint64(count)
	return count
}

func underOrEqual(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func parseSubjectKey(s string) (subjectKey, bool) {
	parts := strings.Split(s, "\x1f")
	if len(parts) != 4 {
		return subjectKey{}, false
	}
	return subjectKey{ZoneID: parts[0], SubjectType: parts[1], SubjectID: parts[2], Permission: parts[3]}, true
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Stats is a snapshot of the cache's hit/miss/invalidation counters.
type Stats struct {
	Hits                   uint64
	Misses                 uint64
	AncestorHits           uint64
	Sets                   uint64
	Invalidations          uint64
	TotalRequests          uint64
	HitRatePercent         float64
	AncestorHitRatePercent float64
}

// Stats returns a snapshot of the cache's metrics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate, ancestorRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}
	if c.hits > 0 {
		ancestorRate = float64(c.ancestorHits) / float64(c.hits) * 100
	}
	return Stats{
		Hits:                   c.hits,
		Misses:                 c.misses,
		AncestorHits:           c.ancestorHits,
		Sets:                   c.sets,
		Invalidations:          c.invalidations,
		TotalRequests:          total,
		HitRatePercent:         hitRate,
		AncestorHitRatePercent: ancestorRate,
	}
}

// ResetStats zeroes the metrics counters without touching cached entries.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.sets, c.invalidations, c.ancestorHits = 0, 0, 0, 0, 0
}
