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

// Package leopard maintains the transitive group-membership closure
// described in spec §4.5.3: member -> group, depth, kept current as
// membership tuples are written and deleted, with an LRU+TTL front
// cache that always returns a defensive copy.
package leopard

import (
	"database/sql"
	"sync"
	"time"

	"github.com/nexusfs/core/pkg/errors"
	"github.com/nexusfs/core/pkg/rebac"
)

// MembershipRelation is the relation name the closure tracks; only
// tuples written under this relation participate in transitive closure.
const MembershipRelation = "member-of"

// ClosureEntry is one row of the closure table (spec §3
// LeopardClosureEntry).
type ClosureEntry struct {
	Member rebac.Entity
	Group  rebac.Entity
	ZoneID string
	Depth  int
}

// Index maintains the closure table in memory, keyed by zone, and
// incrementally updates it as membership tuples are written or deleted.
// Deletes trigger a full rebuild of the affected zone, which is the
// documented fallback for the general case (spec §4.5.3). When db is
// non-nil, every entry is additionally persisted to the rebac_group_closure
// table in that connection pool, and a zone's in-memory closure is
// hydrated from it the first time the zone is touched after process
// start.
type Index struct {
	store *rebac.TupleStore
	db    *sql.DB

	mu sync.RWMutex
	// closure[zone][member] = {group: depth}
	closure map[string]map[rebac.Entity]map[rebac.Entity]int

	cache *Cache
}

// NewIndex returns an Index over store, with an LRU+TTL front cache of
// the given size and per-entry TTL. db is the sqlite connection pool the
// closure persists into — typically the same pool the zone's metadata
// store opened (metadata.SQLStore.DB) — or nil to keep the closure
// in-memory only, which is what tests and ephemeral zones want.
func NewIndex(store *rebac.TupleStore, db *sql.DB, cacheSize int64, ttl time.Duration) (*Index, error) {
	cache, err := NewCache(cacheSize, ttl)
	if err != nil {
		return nil, err
	}
	if db != nil {
		if err := migrateClosureTable(db); err != nil {
			return nil, err
		}
	}
	return &Index{
		store:   store,
		db:      db,
		closure: map[string]map[rebac.Entity]map[rebac.Entity]int{},
		cache:   cache,
	}, nil
}

// migrateClosureTable creates the persistent closure table if absent. Its
// primary key mirrors the original implementation's schema exactly:
// (member_type, member_id, group_type, group_id, zone_id).
func migrateClosureTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS rebac_group_closure (
		member_type TEXT NOT NULL,
		member_id   TEXT NOT NULL,
		group_type  TEXT NOT NULL,
		group_id    TEXT NOT NULL,
		zone_id     TEXT NOT NULL,
		depth       INTEGER NOT NULL,
		PRIMARY KEY (member_type, member_id, group_type, group_id, zone_id)
	)`)
	if err != nil {
		return errors.Wrapf(err, "error creating rebac_group_closure table")
	}
	return nil
}

// OnMembershipWritten incrementally extends the closure for a newly
// written (member, "member-of", group) tuple in zoneID: member gains
// group at depth 1, plus every group group itself transitively belongs
// to, and every member that transitively belongs to member gains the
// same closure extended by their own depth.
func (idx *Index) OnMembershipWritten(member, group rebac.Entity, zoneID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	zone, err := idx.zoneLocked(zoneID)
	if err != nil {
		return err
	}
	if err := idx.addLocked(zone, zoneID, member, group, 1); err != nil {
		return err
	}

	// member inherits everything group already transitively belongs to.
	if groupClosure, ok := zone[group]; ok {
		for g, d := range groupClosure {
			if err := idx.addLocked(zone, zoneID, member, g, d+1); err != nil {
				return err
			}
		}
	}

	// Every existing member that already reaches `member` now also
	// reaches `group` (and group's closure), at their depth + 1.
	for m, groups := range zone {
		if m == member {
			continue
		}
		if d, ok := groups[member]; ok {
			if err := idx.addLocked(zone, zoneID, m, group, d+1); err != nil {
				return err
			}
			if groupClosure, ok := zone[group]; ok {
				for g, gd := range groupClosure {
					if err := idx.addLocked(zone, zoneID, m, g, d+1+gd); err != nil {
						return err
					}
				}
			}
		}
	}

	idx.cache.InvalidateZone(zoneID)
	return nil
}

// zoneLocked returns zoneID's in-memory closure, hydrating it from the
// persistent table on first touch if idx.db is set.
func (idx *Index) zoneLocked(zoneID string) (map[rebac.Entity]map[rebac.Entity]int, error) {
	zone, ok := idx.closure[zoneID]
	if !ok {
		zone = map[rebac.Entity]map[rebac.Entity]int{}
		if idx.db != nil {
			if err := idx.loadZoneLocked(zoneID, zone); err != nil {
				return nil, err
			}
		}
		idx.closure[zoneID] = zone
	}
	return zone, nil
}

func (idx *Index) addLocked(zone map[rebac.Entity]map[rebac.Entity]int, zoneID string, member, group rebac.Entity, depth int) error {
	if member == group {
		return nil // ignore self-loops
	}
	groups, ok := zone[member]
	if !ok {
		groups = map[rebac.Entity]int{}
		zone[member] = groups
	}
	if existing, ok := groups[group]; !ok || depth < existing {
		groups[group] = depth
		if idx.db != nil {
			return idx.persistEntry(zoneID, member, group, depth)
		}
	}
	return nil
}

// persistEntry upserts one closure row. Safe to call repeatedly with a
// smaller depth for the same key; callers only invoke it once a smaller
// depth has already won in memory.
func (idx *Index) persistEntry(zoneID string, member, group rebac.Entity, depth int) error {
	_, err := idx.db.Exec(`INSERT OR REPLACE INTO rebac_group_closure
		(member_type, member_id, group_type, group_id, zone_id, depth) VALUES (?, ?, ?, ?, ?, ?)`,
		member.Type, member.ID, group.Type, group.ID, zoneID, depth)
	if err != nil {
		return errors.Wrapf(err, "error persisting closure entry %s -> %s in zone %s", member, group, zoneID)
	}
	return nil
}

// loadZoneLocked populates zone from the persistent table for zoneID.
func (idx *Index) loadZoneLocked(zoneID string, zone map[rebac.Entity]map[rebac.Entity]int) error {
	rows, err := idx.db.Query(`SELECT member_type, member_id, group_type, group_id, depth
		FROM rebac_group_closure WHERE zone_id = ?`, zoneID)
	if err != nil {
		return errors.Wrapf(err, "error loading persisted closure for zone %s", zoneID)
	}
	defer rows.Close()

	for rows.Next() {
		var mt, mid, gt, gid string
		var depth int
		if err := rows.Scan(&mt, &mid, &gt, &gid, &depth); err != nil {
			return errors.Wrapf(err, "error scanning closure row for zone %s", zoneID)
		}
		member := rebac.Entity{Type: mt, ID: mid}
		group := rebac.Entity{Type: gt, ID: gid}
		groups, ok := zone[member]
		if !ok {
			groups = map[rebac.Entity]int{}
			zone[member] = groups
		}
		groups[group] = depth
	}
	return rows.Err()
}

// replaceZoneLocked discards zoneID's persisted closure and rewrites it
// from zone, used after a full Rebuild.
func (idx *Index) replaceZoneLocked(zoneID string, zone map[rebac.Entity]map[rebac.Entity]int) error {
	if idx.db == nil {
		return nil
	}
	if _, err := idx.db.Exec(`DELETE FROM rebac_group_closure WHERE zone_id = ?`, zoneID); err != nil {
		return errors.Wrapf(err, "error clearing persisted closure for zone %s", zoneID)
	}
	for member, groups := range zone {
		for group, depth := range groups {
			if err := idx.persistEntry(zoneID, member, group, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnMembershipDeleted forgets the incremental relationship and rebuilds
// zoneID's closure from the tuple store, since removing one edge can
// invalidate depths computed through it for an unbounded set of members.
func (idx *Index) OnMembershipDeleted(zoneID string) (int, error) {
	return idx.Rebuild(zoneID)
}

// Rebuild recomputes zoneID's closure from scratch by iterating
// membership tuples to a fixed point, returning the number of closure
// entries written.
func (idx *Index) Rebuild(zoneID string) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	zone := map[rebac.Entity]map[rebac.Entity]int{}

	// Seed with direct edges.
	idx.store.RangeMembership(MembershipRelation, zoneID, func(member, group rebac.Entity) {
		if member == group {
			return
		}
		groups, ok := zone[member]
		if !ok {
			groups = map[rebac.Entity]int{}
			zone[member] = groups
		}
		if existing, ok := groups[group]; !ok || 1 < existing {
			groups[group] = 1
		}
	})

	// Relax to a fixed point: member -> group -> group's-group.
	changed := true
	for changed {
		changed = false
		for member, groups := range zone {
			for group, depth := range groups {
				if sub, ok := zone[group]; ok {
					for g, d := range sub {
						if g == member {
							continue
						}
						nd := depth + d
						if existing, ok := groups[g]; !ok || nd < existing {
							groups[g] = nd
							changed = true
						}
					}
				}
			}
		}
	}

	idx.closure[zoneID] = zone
	if err := idx.replaceZoneLocked(zoneID, zone); err != nil {
		return 0, err
	}
	idx.cache.InvalidateZone(zoneID)

	count := 0
	for _, groups := range zone {
		count += len(groups)
	}
	return count, nil
}

// GetTransitiveGroups returns every group member transitively belongs to
// in zoneID, consulting (and populating) the front cache.
func (idx *Index) GetTransitiveGroups(member rebac.Entity, zoneID string) (map[rebac.Entity]struct{}, error) {
	if cached, ok := idx.cache.Get(member, zoneID); ok {
		return cached, nil
	}

	idx.mu.Lock()
	if _, err := idx.zoneLocked(zoneID); err != nil {
		idx.mu.Unlock()
		return nil, err
	}
	groups := idx.closure[zoneID][member]
	out := make(map[rebac.Entity]struct{}, len(groups))
	for g := range groups {
		out[g] = struct{}{}
	}
	idx.mu.Unlock()

	idx.cache.Set(member, zoneID, out)
	return out, nil
}

// IsTransitiveMember satisfies rebac.GroupCloser.
func (idx *Index) IsTransitiveMember(subject, group rebac.Entity, zoneID string) (bool, error) {
	if subject == group {
		return true, nil
	}
	groups, err := idx.GetTransitiveGroups(subject, zoneID)
	if err != nil {
		return false, err
	}
	_, ok := groups[group]
	return ok, nil
}

// InvalidateCache clears the front cache entirely for zoneID.
func (idx *Index) InvalidateCache(zoneID string) {
	idx.cache.InvalidateZone(zoneID)
}
