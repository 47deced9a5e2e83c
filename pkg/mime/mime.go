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

// Package mime resolves file extensions to mime types and carries the
// reserved mime type the overlay resolver (pkg/overlay) uses to mark
// whiteouts.
package mime

import (
	"path"
	"strings"
	"sync"

	gomime "github.com/glpatcern/go-mime" // hopefully temporary
)

const defaultMimeDir = "httpd/unix-directory"

// Whiteout is the reserved mime type that marks an overlay upper-layer
// entry as hiding its base-layer counterpart. It is never returned by
// Detect and is not a real content type; it exists only so overlays don't
// need a sentinel filename, which would collide with backend stores that
// reserve their own paths.
const Whiteout = "application/x-nexusfs-whiteout"

var mimes sync.Map

// RegisterMime registers a mime type for the given extension, overriding
// whatever the standard library or a previous registration produced.
func RegisterMime(ext, mt string) {
	mimes.Store(ext, mt)
}

// Detect returns the mime type associated with the given filename.
// Directories always resolve to the fixed directory mime type.
func Detect(isDir bool, fn string) string {
	if isDir {
		return defaultMimeDir
	}

	ext := strings.TrimPrefix(path.Ext(fn), ".")

	mimeType := getCustomMime(ext)
	if mimeType == "" {
		if guessed := gomime.TypeByExtension(ext); guessed != "" {
			mimeType = guessed
			mimes.Store(ext, mimeType)
		}
	}

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return mimeType
}

// GetFileExts performs the inverse resolution from mime type to file
// extensions, consulting only the custom registry (the standard library
// exposes no reverse lookup).
func GetFileExts(mt string) []string {
	var found []string
	mimes.Range(func(e, m interface{}) bool {
		if m.(string) == mt {
			found = append(found, e.(string))
		}
		return true
	})
	return found
}

func getCustomMime(ext string) string {
	if m, ok := mimes.Load(ext); ok {
		return m.(string)
	}
	return ""
}
