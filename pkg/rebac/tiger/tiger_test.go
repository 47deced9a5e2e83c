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

package tiger_test

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexusfs/core/pkg/rebac/tiger"
)

func TestTiger(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Tiger Suite")
}

var _ = Describe("ResourceMap", func() {
	It("allocates a stable int id per resource, monotonically per zone", func() {
		m := tiger.NewResourceMap()
		a := tiger.ResourceKey{ZoneID: "zone1", ResourceType: "file", ResourceID: "doc1"}
		b := tiger.ResourceKey{ZoneID: "zone1", ResourceType: "file", ResourceID: "doc2"}

		idA := m.IntID(a)
		idB := m.IntID(b)
		Expect(idA).ToNot(Equal(idB))
		Expect(m.IntID(a)).To(Equal(idA))

		key, ok := m.Lookup("zone1", idA)
		Expect(ok).To(BeTrue())
		Expect(key).To(Equal(a))
	})

	It("allocates independent sequences per zone", func() {
		m := tiger.NewResourceMap()
		a := tiger.ResourceKey{ZoneID: "zone1", ResourceType: "file", ResourceID: "doc1"}
		b := tiger.ResourceKey{ZoneID: "zone2", ResourceType: "file", ResourceID: "doc1"}

		Expect(m.IntID(a)).To(Equal(uint32(0)))
		Expect(m.IntID(b)).To(Equal(uint32(0)))
	})
})

var _ = Describe("Cache", func() {
	var c *tiger.Cache

	BeforeEach(func() {
		c = tiger.NewCache(100, 5)
	})

	It("misses when nothing has been materialised", func() {
		_, found, _ := c.Get("user:alice", "viewer", "file", "zone1", 10)
		Expect(found).To(BeFalse())
	})

	It("returns a fresh bitmap when within the stale threshold", func() {
		bitmap := roaring.New()
		bitmap.Add(1)
		c.Set("user:alice", "viewer", "file", "zone1", bitmap, 10)

		got, found, fresh := c.Get("user:alice", "viewer", "file", "zone1", 12)
		Expect(found).To(BeTrue())
		Expect(fresh).To(BeTrue())
		Expect(got.Contains(1)).To(BeTrue())
	})

	It("flags a bitmap stale once the zone has advanced beyond the threshold", func() {
		bitmap := roaring.New()
		c.Set("user:alice", "viewer", "file", "zone1", bitmap, 10)

		_, found, fresh := c.Get("user:alice", "viewer", "file", "zone1", 20)
		Expect(found).To(BeTrue())
		Expect(fresh).To(BeFalse())
	})

	It("write-through grants add the resource to an already-cached bitmap", func() {
		bitmap := roaring.New()
		c.Set("user:alice", "viewer", "file", "zone1", bitmap, 10)

		resource := tiger.ResourceKey{ZoneID: "zone1", ResourceType: "file", ResourceID: "doc1"}
		c.Grant("user:alice", "viewer", "file", resource, 11)

		got, found, _ := c.Get("user:alice", "viewer", "file", "zone1", 11)
		Expect(found).To(BeTrue())
		Expect(got.Contains(c.Resources().IntID(resource))).To(BeTrue())
	})

	It("is a no-op granting into an uncached entry", func() {
		resource := tiger.ResourceKey{ZoneID: "zone1", ResourceType: "file", ResourceID: "doc1"}
		c.Grant("user:nobody", "viewer", "file", resource, 1)

		_, found, _ := c.Get("user:nobody", "viewer", "file", "zone1", 1)
		Expect(found).To(BeFalse())
	})

	It("write-through revokes remove the resource from a cached bitmap", func() {
		resource := tiger.ResourceKey{ZoneID: "zone1", ResourceType: "file", ResourceID: "doc1"}
		bitmap := roaring.New()
		bitmap.Add(c.Resources().IntID(resource))
		c.Set("user:alice", "viewer", "file", "zone1", bitmap, 10)

		c.Revoke("user:alice", "viewer", "file", resource, 11)

		got, found, _ := c.Get("user:alice", "viewer", "file", "zone1", 11)
		Expect(found).To(BeTrue())
		Expect(got.Contains(c.Resources().IntID(resource))).To(BeFalse())
	})

	It("forces rematerialisation after an explicit invalidate", func() {
		bitmap := roaring.New()
		c.Set("user:alice", "viewer", "file", "zone1", bitmap, 10)
		c.Invalidate("user:alice", "viewer", "file", "zone1")

		_, found, _ := c.Get("user:alice", "viewer", "file", "zone1", 10)
		Expect(found).To(BeFalse())
	})

	It("tracks a queued directory grant through to completion", func() {
		id := c.QueueDirectoryGrant("user:alice", "viewer", "/project", "zone1", true)

		status, err := c.GrantStatus(id)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.Status).To(Equal(tiger.ExpansionPending))

		resources := []tiger.ResourceKey{
			{ZoneID: "zone1", ResourceType: "file", ResourceID: "a"},
			{ZoneID: "zone1", ResourceType: "file", ResourceID: "b"},
		}
		Expect(c.ExpandDirectoryGrant(id, "file", resources)).To(Succeed())

		status, err = c.GrantStatus(id)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.Status).To(Equal(tiger.ExpansionCompleted))
		Expect(status.ExpandedCount).To(Equal(2))

		got, found, _ := c.Get("user:alice", "viewer", "file", "zone1", 0)
		Expect(found).To(BeTrue())
		Expect(got.Contains(c.Resources().IntID(resources[0]))).To(BeTrue())
		Expect(got.Contains(c.Resources().IntID(resources[1]))).To(BeTrue())
	})

	It("errors querying the status of an unknown grant", func() {
		_, err := c.GrantStatus("nonexistent")
		Expect(err).To(HaveOccurred())
	})
})
