// Copyright 2025 AUTHORS
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

// Package orchestrator drives spec §4.E's plan/resolve/download/admit/
// post-process pipeline over a Recipe against a Cache, producing a
// manifest of on-disk artifacts ready to be placed inside the image.
package orchestrator

import (
	"fmt"

	"github.com/offspot/image-creator/internal/cachepolicy"
	"github.com/offspot/image-creator/internal/downloadengine"
	"github.com/offspot/image-creator/internal/recipe"
	"github.com/offspot/image-creator/internal/sizeduration"
)

// Kind classifies a work item.
type Kind int

const (
	KindBase Kind = iota
	KindOCIImage
	KindFile
)

// Item is one unit of work derived from the recipe (spec §4.E point 1).
// content-only files never become network Items; see Plan.
type Item struct {
	Kind Kind

	// Cache identity, empty Source means "not cacheable" (inline content).
	Class      cachepolicy.Class
	Source     string
	Identifier string
	Version    string

	DeclaredSize int64
	Checksum     *downloadengine.Checksum

	// File-specific.
	To      string
	Via     recipe.Via
	Content string // inline content, only set when Source == ""

	index int // position in its originating recipe slice, for labeling
}

// Plan enumerates work items from r: one for the base image, one per OCI
// image, one per file carrying a url. Files carrying inline content instead
// produce zero network items (they're handled directly in post-process).
func Plan(r *recipe.Recipe) []Item {
	var items []Item

	items = append(items, Item{
		Kind:         KindBase,
		Class:        cachepolicy.ClassFiles,
		Source:       r.Base.Source,
		Identifier:   "base",
		DeclaredSize: 0,
	})

	for i, img := range r.OCIImages {
		it := Item{
			Kind:         KindOCIImage,
			Class:        cachepolicy.ClassOCIImages,
			Source:       img.URL,
			Identifier:   img.Ident,
			DeclaredSize: img.FileSize,
			index:        i,
		}
		if it.Source == "" {
			it.Source = img.Ident // bare OCI reference, pulled by digest/tag
		}
		items = append(items, it)
	}

	for i, f := range r.Files {
		if f.URL == "" {
			// content-only: no network item, handled in post-process.
			continue
		}
		it := Item{
			Kind:       KindFile,
			Class:      cachepolicy.ClassFiles,
			Source:     f.URL,
			Identifier: identifierFromTo(f.To),
			To:         f.To,
			Via:        f.Via,
			index:      i,
		}
		if f.Checksum != nil {
			it.Checksum = &downloadengine.Checksum{Algo: f.Checksum.Algo, Hex: f.Checksum.Hex}
		}
		if f.Size != "" {
			it.DeclaredSize = parseDeclaredSize(f.Size)
		}
		items = append(items, it)
	}

	return items
}

// ContentFiles returns the files the recipe satisfies with inline content
// instead of a URL, for the caller's post-process step.
func ContentFiles(r *recipe.Recipe) []recipe.File {
	var out []recipe.File
	for _, f := range r.Files {
		if f.URL == "" {
			out = append(out, f)
		}
	}
	return out
}

func identifierFromTo(to string) string {
	base := to
	for i := len(to) - 1; i >= 0; i-- {
		if to[i] == '/' {
			base = to[i+1:]
			break
		}
	}
	return base
}

// parseDeclaredSize parses a file's declared `size` string (spec §3,
// component A's unit-suffixed "1G"/"2.4GiB" grammar). recipe.Validate
// already rejects an unparsable size at load time, so a parse failure here
// means the caller built an Item from a Recipe that skipped validation;
// treat that as "no declared size" rather than panicking on it.
func parseDeclaredSize(s string) int64 {
	sz, err := sizeduration.ParseSize(s)
	if err != nil {
		return 0
	}
	return sz.Bytes
}

// String implements fmt.Stringer for log lines and progress labels.
func (it Item) String() string {
	switch it.Kind {
	case KindBase:
		return "base image"
	case KindOCIImage:
		return fmt.Sprintf("oci_images[%d] %s", it.index, it.Identifier)
	default:
		return fmt.Sprintf("files[%d] %s", it.index, it.To)
	}
}
