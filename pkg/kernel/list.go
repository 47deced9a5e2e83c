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

package kernel

import (
	"bufio"
	"bytes"
	"context"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nexusfs/core/pkg/ctx"
	"github.com/nexusfs/core/pkg/errors"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/rebac/tiger"
)

// List returns the entries under dirPath, filtered to those oc may read.
// When the Tiger bitmap for (subject, "read", "file", zone) is fresh
// enough, membership is answered by a bitmap intersection instead of one
// evaluator.Check per entry; otherwise every candidate falls back to a
// per-object permission check (spec §4.6, read lifecycle).
func (k *Kernel) List(path string, oc ctx.OperationContext, recursive bool, cursor string, limit int) (metadata.ListResult, error) {
	resolved, err := k.resolve(path)
	if err != nil {
		return metadata.ListResult{}, err
	}
	if err := k.checkPermission(oc, resolved, "read"); err != nil {
		return metadata.ListResult{}, err
	}

	result, err := resolved.Store.List(resolved.Path, recursive, cursor, limit)
	if err != nil {
		return metadata.ListResult{}, err
	}

	subjectType, subjectID := oc.Entity()
	var bitmap interface{ Contains(uint32) bool }
	if k.Tiger != nil {
		rev, revErr := resolved.Store.Revision()
		if revErr == nil {
			if bm, found, fresh := k.Tiger.Get(rebacSubjectKey(subjectType, subjectID), "read", "file", resolved.ZoneID, rev); found && fresh {
				bitmap = bm
			}
		}
	}

	filtered := result.Entries[:0:0]
	for _, entry := range result.Entries {
		if bitmap != nil {
			key := tiger.ResourceKey{ZoneID: resolved.ZoneID, ResourceType: "file", ResourceID: entry.Path}
			if bitmap.Contains(k.Tiger.Resources().IntID(key)) {
				filtered = append(filtered, entry)
			}
			continue
		}
		entryResolved := resolved
		entryResolved.Path = entry.Path
		if err := k.checkPermission(oc, entryResolved, "read"); err == nil {
			filtered = append(filtered, entry)
		}
	}
	result.Entries = filtered
	return result, nil
}

func rebacSubjectKey(subjectType, subjectID string) string {
	return subjectType + ":" + subjectID
}

// Glob returns every entry under root whose path matches pattern
// (path.Match semantics applied to the path relative to root), filtered
// through the same permission rules as List.
func (k *Kernel) Glob(root, pattern string, oc ctx.OperationContext) ([]metadata.FileMetadata, error) {
	listing, err := k.List(root, oc, true, "", 0)
	if err != nil {
		return nil, err
	}
	var out []metadata.FileMetadata
	for _, entry := range listing.Entries {
		rel := strings.TrimPrefix(entry.Path, strings.TrimSuffix(root, "/"))
		rel = strings.TrimPrefix(rel, "/")
		matched, err := path.Match(pattern, rel)
		if err != nil {
			return nil, errtypes.Usage(errors.Wrapf(err, "error matching glob pattern %q", pattern).Error())
		}
		if matched {
			out = append(out, entry)
		}
	}
	return out, nil
}

// GrepMatch is one matching line from Grep.
type GrepMatch struct {
	LineNumber int
	Line       string
}

// Grep scans the content at filePath for pattern (a regular expression),
// returning every matching line. Binary content (anything that is not
// valid UTF-8) degrades gracefully to no matches rather than erroring,
// since the core carries no content-type-aware search index (spec §1
// places search indices out of scope).
func (k *Kernel) Grep(ctxg context.Context, filePath, pattern string, oc ctx.OperationContext) ([]GrepMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errtypes.Usage(errors.Wrapf(err, "error compiling grep pattern %q", pattern).Error())
	}

	content, _, err := k.Read(ctxg, filePath, oc, false)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(content) {
		return nil, nil
	}

	var matches []GrepMatch
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			matches = append(matches, GrepMatch{LineNumber: lineNo, Line: line})
		}
	}
	return matches, nil
}
