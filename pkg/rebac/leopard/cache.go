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

package leopard

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nexusfs/core/pkg/rebac"
)

// Cache is the LRU+TTL front cache for GetTransitiveGroups, keyed by
// (zone, member_type, member_id) per spec §4.5.3. It always returns a
// defensive copy so callers can't mutate shared state, and keeps a
// side index so invalidation can cascade per-member, per-group or
// per-zone without ristretto needing to support key enumeration.
type Cache struct {
	rc  *ristretto.Cache
	ttl time.Duration

	mu      sync.Mutex
	byZone  map[string]map[string]struct{} // zone -> set of cache keys
	byGroup map[rebac.Entity]map[string]struct{}
	members map[string]rebac.Entity // cache key -> member, for group-membership bookkeeping
}

// NewCache returns a Cache holding up to maxItems entries, each valid
// for ttl.
func NewCache(maxItems int64, ttl time.Duration) (*Cache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		rc:      rc,
		ttl:     ttl,
		byZone:  map[string]map[string]struct{}{},
		byGroup: map[rebac.Entity]map[string]struct{}{},
		members: map[string]rebac.Entity{},
	}, nil
}

func cacheKey(member rebac.Entity, zoneID string) string {
	return zoneID + "|" + member.Type + "|" + member.ID
}

// Get returns a defensive copy of the cached transitive-group set for
// (member, zoneID), or (nil, false) on a miss.
func (c *Cache) Get(member rebac.Entity, zoneID string) (map[rebac.Entity]struct{}, bool) {
	v, ok := c.rc.Get(cacheKey(member, zoneID))
	if !ok {
		return nil, false
	}
	groups := v.(map[rebac.Entity]struct{})
	cp := make(map[rebac.Entity]struct{}, len(groups))
	for g := range groups {
		cp[g] = struct{}{}
	}
	return cp, true
}

// Set stores a defensive copy of groups for (member, zoneID).
func (c *Cache) Set(member rebac.Entity, zoneID string, groups map[rebac.Entity]struct{}) {
	cp := make(map[rebac.Entity]struct{}, len(groups))
	for g := range groups {
		cp[g] = struct{}{}
	}
	key := cacheKey(member, zoneID)
	c.rc.SetWithTTL(key, cp, 1, c.ttl)
	c.rc.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[key] = member
	if c.byZone[zoneID] == nil {
		c.byZone[zoneID] = map[string]struct{}{}
	}
	c.byZone[zoneID][key] = struct{}{}
	for g := range groups {
		if c.byGroup[g] == nil {
			c.byGroup[g] = map[string]struct{}{}
		}
		c.byGroup[g][key] = struct{}{}
	}
}

// InvalidateMember drops the cached entry for (member, zoneID).
func (c *Cache) InvalidateMember(member rebac.Entity, zoneID string) {
	key := cacheKey(member, zoneID)
	c.rc.Del(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, key)
	if zoneKeys, ok := c.byZone[zoneID]; ok {
		delete(zoneKeys, key)
	}
}

// InvalidateGroup drops every cached member set that included group, in
// any zone — the cascade required when a group's own memberships change.
func (c *Cache) InvalidateGroup(group rebac.Entity) {
	c.mu.Lock()
	keys := c.byGroup[group]
	delete(c.byGroup, group)
	var toDelete []string
	for key := range keys {
		toDelete = append(toDelete, key)
	}
	c.mu.Unlock()

	for _, key := range toDelete {
		c.rc.Del(key)
		c.mu.Lock()
		delete(c.members, key)
		c.mu.Unlock()
	}
}

// InvalidateZone drops every cached entry for zoneID.
func (c *Cache) InvalidateZone(zoneID string) {
	c.mu.Lock()
	keys := c.byZone[zoneID]
	delete(c.byZone, zoneID)
	var toDelete []string
	for key := range keys {
		toDelete = append(toDelete, key)
	}
	c.mu.Unlock()

	for _, key := range toDelete {
		c.rc.Del(key)
		c.mu.Lock()
		delete(c.members, key)
		c.mu.Unlock()
	}
}
