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

// Package zone manages the set of zones a node knows about and resolves
// paths across zone boundaries by walking DT_MOUNT entries, per spec §4.3.
package zone

import (
	"strings"
	"sync"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/metadata"
)

// Manager tracks the metadata store backing every zone a node knows
// about. Zones are added at startup (local zones) or as mounts are
// discovered (remote/shared zones); Manager itself does no networking.
type Manager struct {
	mu     sync.RWMutex
	stores map[string]metadata.Store
}

// NewManager returns an empty zone Manager.
func NewManager() *Manager {
	return &Manager{stores: map[string]metadata.Store{}}
}

// AddZone registers store as the backing store for zoneID.
func (m *Manager) AddZone(zoneID string, store metadata.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[zoneID] = store
}

// GetStore returns the store for zoneID, or nil if the zone is unknown.
func (m *Manager) GetStore(zoneID string) metadata.Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stores[zoneID]
}

// MountHop is one link in a resolved path's mount chain: the zone the
// path entered at, and the mount point path within that zone.
type MountHop struct {
	ZoneID string
	Path   string
}

// ResolvedPath is the result of walking a path across zero or more
// mount points down to the zone that actually holds it.
type ResolvedPath struct {
	ZoneID     string
	Path       string
	MountChain []MountHop
	Store      metadata.Store
}

// Resolver walks an absolute path starting from a fixed root zone,
// crossing DT_MOUNT entries until it reaches a non-mount target.
type Resolver struct {
	manager    *Manager
	rootZoneID string
}

// NewResolver returns a Resolver anchored at rootZoneID.
func NewResolver(manager *Manager, rootZoneID string) *Resolver {
	return &Resolver{manager: manager, rootZoneID: rootZoneID}
}

// Resolve walks path, which must be absolute, across any mount points it
// crosses, and returns the zone/path pair that actually owns it plus the
// chain of mounts traversed to get there.
func (r *Resolver) Resolve(path string) (ResolvedPath, error) {
	if !strings.HasPrefix(path, "/") {
		return ResolvedPath{}, errtypes.Usage("path must be absolute: " + path)
	}

	store := r.manager.GetStore(r.rootZoneID)
	if store == nil {
		return ResolvedPath{}, errtypes.NotFound("Root zone not found: " + r.rootZoneID)
	}

	zoneID := r.rootZoneID
	remaining := path
	var chain []MountHop

	for {
		components := splitPath(remaining)

		// Walk components one at a time, checking each prefix for a mount
		// point registered in the current zone.
		consumed := 0
		var hitMount *metadata.FileMetadata
		var mountPath string
		for i := range components {
			prefix := "/" + strings.Join(components[:i+1], "/")
			meta, err := store.Get(prefix)
			if err != nil {
				return ResolvedPath{}, err
			}
			if meta != nil && meta.EntryType == metadata.MOUNT {
				hitMount = meta
				mountPath = prefix
				consumed = i + 1
				break
			}
		}

		if hitMount == nil {
			return ResolvedPath{ZoneID: zoneID, Path: remaining, MountChain: chain, Store: store}, nil
		}

		nextStore := r.manager.GetStore(hitMount.TargetZoneID)
		if nextStore == nil {
			return ResolvedPath{}, errtypes.NotFound(hitMount.TargetZoneID)
		}

		chain = append(chain, MountHop{ZoneID: zoneID, Path: mountPath})
		rest := components[consumed:]
		remaining = "/" + strings.Join(rest, "/")
		if len(rest) == 0 {
			remaining = "/"
		}
		zoneID = hitMount.TargetZoneID
		store = nextStore
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
