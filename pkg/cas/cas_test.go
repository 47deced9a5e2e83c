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

package cas_test

import (
	"context"
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexusfs/core/pkg/cas"
)

func TestCAS(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CAS Suite")
}

var _ = Describe("Store", func() {
	var (
		tmpdir string
		store  *cas.Store
	)

	BeforeEach(func() {
		var err error
		tmpdir, err = os.MkdirTemp("", "cas-test-")
		Expect(err).ToNot(HaveOccurred())
		store = cas.New(tmpdir, true)
	})

	AfterEach(func() {
		os.RemoveAll(tmpdir)
	})

	Describe("Store and Release", func() {
		It("dedups identical content across two stores (S1)", func() {
			content := []byte("X")
			hash := cas.HashContent(content)

			isNew1, err := store.Store(hash, content, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(isNew1).To(BeTrue())

			isNew2, err := store.Store(hash, content, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(isNew2).To(BeFalse())

			meta, err := store.ReadMeta(hash)
			Expect(err).ToNot(HaveOccurred())
			Expect(meta.RefCount).To(Equal(uint64(2)))

			read, err := store.ReadBlob(context.Background(), hash, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(read).To(Equal(content))
		})

		It("round-trips store then release to a clean disk state (invariant 4)", func() {
			content := []byte("hello world")
			hash := cas.HashContent(content)

			_, err := store.Store(hash, content, nil)
			Expect(err).ToNot(HaveOccurred())

			deleted, err := store.Release(hash)
			Expect(err).ToNot(HaveOccurred())
			Expect(deleted).To(BeTrue())

			Expect(store.BlobExists(hash)).To(BeFalse())
			_, err = os.Stat(store.MetaPath(hash))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("decrements ref_count without deleting while refs remain", func() {
			content := []byte("shared")
			hash := cas.HashContent(content)

			_, err := store.Store(hash, content, nil)
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Store(hash, content, nil)
			Expect(err).ToNot(HaveOccurred())

			deleted, err := store.Release(hash)
			Expect(err).ToNot(HaveOccurred())
			Expect(deleted).To(BeFalse())
			Expect(store.BlobExists(hash)).To(BeTrue())

			meta, err := store.ReadMeta(hash)
			Expect(err).ToNot(HaveOccurred())
			Expect(meta.RefCount).To(Equal(uint64(1)))
		})

		It("prunes empty ancestor directories on final release", func() {
			content := []byte("prune-me")
			hash := cas.HashContent(content)

			_, err := store.Store(hash, content, nil)
			Expect(err).ToNot(HaveOccurred())

			_, err = store.Release(hash)
			Expect(err).ToNot(HaveOccurred())

			_, err = os.Stat(store.Root)
			Expect(err).ToNot(HaveOccurred())
			entries, err := os.ReadDir(store.Root)
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})
	})

	Describe("ReadBlob verification", func() {
		It("fails when the stored content no longer matches its hash", func() {
			content := []byte("tamper")
			hash := cas.HashContent(content)
			_, err := store.Store(hash, content, nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(os.WriteFile(store.HashToPath(hash), []byte("tampered"), 0o644)).To(Succeed())

			_, err = store.ReadBlob(context.Background(), hash, true)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("WriteBlob idempotency", func() {
		It("returns false without writing when the blob already exists", func() {
			content := []byte("idempotent")
			hash := cas.HashContent(content)

			wrote1, err := store.WriteBlob(hash, content)
			Expect(err).ToNot(HaveOccurred())
			Expect(wrote1).To(BeTrue())

			wrote2, err := store.WriteBlob(hash, content)
			Expect(err).ToNot(HaveOccurred())
			Expect(wrote2).To(BeFalse())
		})
	})
})
