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

package mime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexusfs/core/pkg/mime"
)

func TestDetectReturnsTheDirectoryMimeTypeForDirectories(t *testing.T) {
	assert.Equal(t, "httpd/unix-directory", mime.Detect(true, "anything.txt"))
}

func TestDetectFallsBackToOctetStreamForAnUnknownExtension(t *testing.T) {
	assert.Equal(t, "application/octet-stream", mime.Detect(false, "file.nexusfs-unknown-ext"))
}

func TestDetectResolvesAWellKnownExtension(t *testing.T) {
	assert.Equal(t, "text/plain", mime.Detect(false, "notes.txt"))
}

func TestRegisterMimeOverridesResolution(t *testing.T) {
	mime.RegisterMime("nxfs", "application/x-nexusfs-custom")
	assert.Equal(t, "application/x-nexusfs-custom", mime.Detect(false, "blob.nxfs"))
}

func TestGetFileExtsFindsEveryExtensionRegisteredForAMimeType(t *testing.T) {
	mime.RegisterMime("nxa", "application/x-nexusfs-multi")
	mime.RegisterMime("nxb", "application/x-nexusfs-multi")

	exts := mime.GetFileExts("application/x-nexusfs-multi")
	assert.ElementsMatch(t, []string{"nxa", "nxb"}, exts)
}

func TestWhiteoutIsNeverProducedByDetect(t *testing.T) {
	assert.NotEqual(t, mime.Whiteout, mime.Detect(false, "doc.txt"))
	assert.NotEqual(t, mime.Whiteout, mime.Detect(true, "dir"))
}
