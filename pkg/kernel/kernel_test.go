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

package kernel_test

import (
	"context"
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexusfs/core/pkg/cas"
	"github.com/nexusfs/core/pkg/ctx"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/kernel"
	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/metadata/memstore"
	"github.com/nexusfs/core/pkg/rebac"
	"github.com/nexusfs/core/pkg/zone"
)

func TestKernel(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Kernel Suite")
}

type harness struct {
	kernel    *kernel.Kernel
	tuples    *rebac.TupleStore
	evaluator *rebac.Evaluator
}

func newHarness(tmpDir string) *harness {
	store := cas.New(tmpDir, false)
	zoneStore := memstore.New("zone1")
	mgr := zone.NewManager()
	mgr.AddZone("zone1", zoneStore)
	resolver := zone.NewResolver(mgr, "zone1")

	tuples := rebac.NewTupleStore()
	evaluator := rebac.NewEvaluator(tuples, nil)
	cfg := rebac.NewNamespaceConfig("file").
		Define("owner", rebac.Direct()).
		Define("viewer", rebac.Direct()).
		Define("write", rebac.ComputedUserset("owner")).
		Define("read", rebac.Union("owner", "viewer"))
	evaluator.RegisterConfig(cfg)

	k := kernel.New(store, resolver, evaluator, nil, nil, nil)
	return &harness{kernel: k, tuples: tuples, evaluator: evaluator}
}

func (h *harness) grant(relation, subjectID, path string) {
	_, err := h.tuples.Write(rebac.Tuple{
		Subject:  rebac.Entity{Type: "user", ID: subjectID},
		Relation: relation,
		Object:   rebac.Entity{Type: "file", ID: path},
		ZoneID:   "zone1",
	})
	Expect(err).ToNot(HaveOccurred())
}

var _ = Describe("Kernel", func() {
	var h *harness
	var tmpdir string
	var owner, stranger ctx.OperationContext

	BeforeEach(func() {
		var err error
		tmpdir, err = os.MkdirTemp("", "kernel-test-")
		Expect(err).ToNot(HaveOccurred())
		h = newHarness(tmpdir)
		owner = ctx.New("user", "alice", "zone1", nil)
		stranger = ctx.New("user", "mallory", "zone1", nil)
	})

	AfterEach(func() {
		os.RemoveAll(tmpdir)
	})

	Describe("Write and Read", func() {
		It("round-trips content for a subject with write and read access", func() {
			h.grant("owner", "alice", "/doc.txt")

			saved, err := h.kernel.Write(context.Background(), "/doc.txt", []byte("hello"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(saved.Size).To(Equal(uint64(5)))

			content, meta, err := h.kernel.Read(context.Background(), "/doc.txt", owner, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(content).To(Equal([]byte("hello")))
			Expect(meta.ETag).To(Equal(saved.ETag))
		})

		It("rejects a write from a subject with no grant", func() {
			_, err := h.kernel.Write(context.Background(), "/doc.txt", []byte("hello"), stranger, metadata.PutOptions{})
			Expect(err).To(HaveOccurred())
			_, isDenied := err.(errtypes.IsPermissionDenied)
			Expect(isDenied).To(BeTrue())
		})

		It("lets a viewer read but not write", func() {
			h.grant("owner", "alice", "/doc.txt")
			_, err := h.kernel.Write(context.Background(), "/doc.txt", []byte("hello"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())

			h.grant("viewer", "mallory", "/doc.txt")
			_, _, err = h.kernel.Read(context.Background(), "/doc.txt", stranger, false)
			Expect(err).ToNot(HaveOccurred())

			_, err = h.kernel.Write(context.Background(), "/doc.txt", []byte("oops"), stranger, metadata.PutOptions{})
			Expect(err).To(HaveOccurred())
		})

		It("releases the old content hash's reference on overwrite", func() {
			h.grant("owner", "alice", "/doc.txt")
			first, err := h.kernel.Write(context.Background(), "/doc.txt", []byte("version one"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(h.kernel.CAS.BlobExists(first.ETag)).To(BeTrue())

			_, err = h.kernel.Write(context.Background(), "/doc.txt", []byte("version two, longer"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(h.kernel.CAS.BlobExists(first.ETag)).To(BeFalse())
		})
	})

	Describe("Directories", func() {
		It("creates missing ancestors with Mkdir(parents=true)", func() {
			h.grant("owner", "alice", "/a")
			h.grant("owner", "alice", "/a/b")
			h.grant("owner", "alice", "/a/b/c")

			err := h.kernel.Mkdir("/a/b/c", owner, true, false)
			Expect(err).ToNot(HaveOccurred())

			isDir, err := h.kernel.IsDirectory("/a", owner)
			Expect(err).ToNot(HaveOccurred())
			Expect(isDir).To(BeTrue())
		})

		It("fails Rmdir on a non-empty directory without recursive", func() {
			h.grant("owner", "alice", "/docs")
			h.grant("owner", "alice", "/docs/a.txt")
			Expect(h.kernel.Mkdir("/docs", owner, false, false)).To(Succeed())
			_, err := h.kernel.Write(context.Background(), "/docs/a.txt", []byte("x"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())

			err = h.kernel.Rmdir(context.Background(), "/docs", owner, false)
			Expect(err).To(HaveOccurred())
		})

		It("recursively removes descendants and releases their blobs", func() {
			h.grant("owner", "alice", "/docs")
			h.grant("owner", "alice", "/docs/a.txt")
			Expect(h.kernel.Mkdir("/docs", owner, false, false)).To(Succeed())
			saved, err := h.kernel.Write(context.Background(), "/docs/a.txt", []byte("x"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())

			Expect(h.kernel.Rmdir(context.Background(), "/docs", owner, true)).To(Succeed())
			Expect(h.kernel.CAS.BlobExists(saved.ETag)).To(BeFalse())

			exists, err := h.kernel.Exists("/docs", owner)
			Expect(err).ToNot(HaveOccurred())
			Expect(exists).To(BeFalse())
		})
	})

	Describe("Rename and Copy", func() {
		It("renames within a zone atomically", func() {
			h.grant("owner", "alice", "/old.txt")
			h.grant("owner", "alice", "/new.txt")
			_, err := h.kernel.Write(context.Background(), "/old.txt", []byte("data"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())

			Expect(h.kernel.Rename(context.Background(), "/old.txt", "/new.txt", owner)).To(Succeed())

			exists, _ := h.kernel.Exists("/old.txt", owner)
			Expect(exists).To(BeFalse())
			content, _, err := h.kernel.Read(context.Background(), "/new.txt", owner, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(content).To(Equal([]byte("data")))
		})

		It("copies content, sharing the content hash", func() {
			h.grant("owner", "alice", "/src.txt")
			h.grant("owner", "alice", "/dst.txt")
			saved, err := h.kernel.Write(context.Background(), "/src.txt", []byte("shared"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())

			Expect(h.kernel.Copy(context.Background(), "/src.txt", "/dst.txt", owner)).To(Succeed())

			dstMeta, err := h.kernel.GetMetadata("/dst.txt", owner)
			Expect(err).ToNot(HaveOccurred())
			Expect(dstMeta.ETag).To(Equal(saved.ETag))
		})
	})

	Describe("Versions", func() {
		It("records a version on every write and supports rollback", func() {
			h.grant("owner", "alice", "/doc.txt")
			_, err := h.kernel.Write(context.Background(), "/doc.txt", []byte("v1"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())
			_, err = h.kernel.Write(context.Background(), "/doc.txt", []byte("v2"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())

			versions, _, err := h.kernel.ListVersions("/doc.txt", owner, "", 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(len(versions)).To(BeNumerically(">=", 2))

			first := versions[0]
			_, err = h.kernel.Rollback(context.Background(), "/doc.txt", owner, first.VersionNumber)
			Expect(err).ToNot(HaveOccurred())

			content, _, err := h.kernel.Read(context.Background(), "/doc.txt", owner, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(content).To(Equal([]byte("v1")))
		})
	})

	Describe("List and Glob", func() {
		It("lists only entries the subject may read", func() {
			h.grant("owner", "alice", "/proj")
			h.grant("owner", "alice", "/proj/a.txt")
			h.grant("owner", "alice", "/proj/b.txt")
			h.grant("viewer", "mallory", "/proj/a.txt")
			Expect(h.kernel.Mkdir("/proj", owner, false, false)).To(Succeed())
			_, err := h.kernel.Write(context.Background(), "/proj/a.txt", []byte("a"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())
			_, err = h.kernel.Write(context.Background(), "/proj/b.txt", []byte("b"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())

			h.grant("viewer", "mallory", "/proj")
			result, err := h.kernel.List("/proj", stranger, true, "", 0)
			Expect(err).ToNot(HaveOccurred())

			var paths []string
			for _, e := range result.Entries {
				paths = append(paths, e.Path)
			}
			Expect(paths).To(ContainElement("/proj/a.txt"))
			Expect(paths).ToNot(ContainElement("/proj/b.txt"))
		})

		It("matches entries with Glob", func() {
			h.grant("owner", "alice", "/proj")
			h.grant("owner", "alice", "/proj/a.txt")
			h.grant("owner", "alice", "/proj/b.md")
			Expect(h.kernel.Mkdir("/proj", owner, false, false)).To(Succeed())
			_, err := h.kernel.Write(context.Background(), "/proj/a.txt", []byte("a"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())
			_, err = h.kernel.Write(context.Background(), "/proj/b.md", []byte("b"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())

			matches, err := h.kernel.Glob("/proj", "*.txt", owner)
			Expect(err).ToNot(HaveOccurred())
			Expect(len(matches)).To(Equal(1))
			Expect(matches[0].Path).To(Equal("/proj/a.txt"))
		})
	})

	Describe("Grep", func() {
		It("returns matching lines and degrades gracefully on binary content", func() {
			h.grant("owner", "alice", "/doc.txt")
			_, err := h.kernel.Write(context.Background(), "/doc.txt", []byte("alpha\nbeta\ngamma\n"), owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())

			matches, err := h.kernel.Grep(context.Background(), "/doc.txt", "^b", owner)
			Expect(err).ToNot(HaveOccurred())
			Expect(matches).To(HaveLen(1))
			Expect(matches[0].Line).To(Equal("beta"))

			h.grant("owner", "alice", "/bin.dat")
			_, err = h.kernel.Write(context.Background(), "/bin.dat", []byte{0xff, 0xfe, 0x00, 0xff}, owner, metadata.PutOptions{})
			Expect(err).ToNot(HaveOccurred())
			matches, err = h.kernel.Grep(context.Background(), "/bin.dat", ".", owner)
			Expect(err).ToNot(HaveOccurred())
			Expect(matches).To(BeEmpty())
		})
	})
})
